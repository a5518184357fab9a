package palette

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadShippedConfigs(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "configs"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(c.Paints.Entries) != 16 {
		t.Fatalf("expected 16 paints, got %d", len(c.Paints.Entries))
	}
	if _, ok := c.Paints.ByItem["RED_WOOL"]; !ok {
		t.Fatalf("missing RED_WOOL paint")
	}

	if c.Blocks.Palette[0] != "AIR" {
		t.Fatalf("AIR must be palette id 0, got %s", c.Blocks.Palette[0])
	}
	if c.Blocks.Index["AIR"] != 0 {
		t.Fatalf("AIR index must be 0, got %d", c.Blocks.Index["AIR"])
	}
	if !c.Blocks.Solid("RED_WOOL") {
		t.Fatalf("RED_WOOL must be solid")
	}
	if c.Blocks.Solid("AIR") {
		t.Fatalf("AIR must not be solid")
	}
	if c.Blocks.Solid("NO_SUCH_BLOCK") {
		t.Fatalf("unknown blocks must read as air")
	}
	if !c.Blocks.Interactive("CHEST") {
		t.Fatalf("CHEST must be interactive")
	}
	if c.Blocks.Interactive("STONE") {
		t.Fatalf("STONE must not be interactive")
	}

	if got := c.Blocks.Name(c.Blocks.Index["STONE"]); got != "STONE" {
		t.Fatalf("palette id round trip: expected STONE, got %s", got)
	}
	if got := c.Blocks.Name(60000); got != "" {
		t.Fatalf("out of range palette id: expected empty, got %s", got)
	}

	if c.Paints.Digest == "" || c.Blocks.PaletteDigest == "" || c.Blocks.DefsDigest == "" {
		t.Fatalf("digests must be populated")
	}
}

func TestLoadRejectsPaintWithUnknownBlock(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "blocks.json"), `[{"id":"AIR","solid":false}]`)
	writeFile(t, filepath.Join(dir, "palette.json"), `[{"item":"RED_WOOL","block":"RED_WOOL","rgb":[161,39,34]}]`)

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for paint placing unknown block")
	}
}

func TestLoadRejectsNonSolidPaint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "blocks.json"), `[{"id":"AIR","solid":false},{"id":"SIGN","solid":false}]`)
	writeFile(t, filepath.Join(dir, "palette.json"), `[{"item":"SIGN","block":"SIGN","rgb":[0,0,0]}]`)

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for non-solid paint block")
	}
}

func TestLoadRejectsDuplicatePaint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "blocks.json"), `[{"id":"AIR","solid":false},{"id":"RED_WOOL","solid":true}]`)
	writeFile(t, filepath.Join(dir, "palette.json"), `[
	  {"item":"RED_WOOL","block":"RED_WOOL","rgb":[161,39,34]},
	  {"item":"RED_WOOL","block":"RED_WOOL","rgb":[160,40,35]}
	]`)

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for duplicate paint item")
	}
}

func TestLoadRequiresAir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "blocks.json"), `[{"id":"STONE","solid":true}]`)
	writeFile(t, filepath.Join(dir, "palette.json"), `[]`)

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for missing AIR")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
