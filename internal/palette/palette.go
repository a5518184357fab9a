// Package palette loads the build catalogs: the paint palette (which
// materials a mural may use, with their reference colors) and the block
// definitions of the world the fleet paints in. Digests let a session
// verify it agrees with the server about palette contents.
package palette

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type Catalogs struct {
	Paints PaintCatalog
	Blocks BlockCatalog
}

// PaintEntry binds an inventory item to the block it places and the RGB
// color quantizers match against.
type PaintEntry struct {
	Item  string `json:"item"`
	Block string `json:"block"`
	RGB   [3]int `json:"rgb"`
}

type PaintCatalog struct {
	Entries []PaintEntry
	ByItem  map[string]PaintEntry
	Digest  string
}

type BlockDef struct {
	ID          string `json:"id"`
	Solid       bool   `json:"solid"`
	Interactive bool   `json:"interactive,omitempty"`
}

type BlockCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]BlockDef
	PaletteDigest string
	DefsDigest    string
}

// Solid reports whether a named block occupies its voxel. Unknown
// blocks count as air.
func (c *BlockCatalog) Solid(name string) bool {
	return c.Defs[name].Solid
}

func (c *BlockCatalog) Interactive(name string) bool {
	return c.Defs[name].Interactive
}

// Name resolves a palette id from a voxel delta back to a block id.
func (c *BlockCatalog) Name(id uint16) string {
	if int(id) >= len(c.Palette) {
		return ""
	}
	return c.Palette[id]
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadBlocks(filepath.Join(configDir, "blocks.json"), &c.Blocks); err != nil {
		return nil, err
	}
	if err := loadPaints(filepath.Join(configDir, "palette.json"), &c.Paints); err != nil {
		return nil, err
	}

	for _, e := range c.Paints.Entries {
		def, ok := c.Blocks.Defs[e.Block]
		if !ok {
			return nil, fmt.Errorf("palette.json: %s places unknown block %s", e.Item, e.Block)
		}
		if !def.Solid {
			return nil, fmt.Errorf("palette.json: %s places non-solid block %s", e.Item, e.Block)
		}
	}

	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadBlocks(path string, out *BlockCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.DefsDigest = sha256Hex(raw)

	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("blocks.json: %w", err)
	}
	out.Defs = map[string]BlockDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("blocks.json: empty id")
		}
		out.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Ensure AIR exists and is palette id 0.
	if _, ok := out.Defs["AIR"]; !ok {
		return fmt.Errorf("blocks.json: missing AIR")
	}
	ids = append([]string{"AIR"}, filterOut(ids, "AIR")...)

	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return nil
}

func loadPaints(path string, out *PaintCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var entries []PaintEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("palette.json: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("palette.json: empty palette")
	}
	out.ByItem = map[string]PaintEntry{}
	for _, e := range entries {
		if e.Item == "" || e.Block == "" {
			return fmt.Errorf("palette.json: entry missing item or block")
		}
		if _, dup := out.ByItem[e.Item]; dup {
			return fmt.Errorf("palette.json: duplicate item %s", e.Item)
		}
		out.ByItem[e.Item] = e
	}
	out.Entries = entries
	return nil
}

func filterOut(in []string, remove string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == remove {
			continue
		}
		out = append(out, s)
	}
	return out
}
