// Package quantize turns a source image into a mural grid by resampling
// it to the target size and mapping every pixel onto the paint palette.
package quantize

import (
	"fmt"
	"image"
	"math"
	"os"
	"sort"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"muralcraft.ai/internal/mural"
	"muralcraft.ai/internal/palette"
)

// Func maps a source image onto a w*h grid of palette materials.
type Func func(img image.Image, paints *palette.PaintCatalog, w, h int) *mural.Grid

// The algorithm table is fixed at compile time. Adding an algorithm
// means adding a row here and a test next to it.
var algorithms = map[string]Func{
	"nearest":         Nearest,
	"floyd_steinberg": FloydSteinberg,
}

// Algorithms lists the registered algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Quantize runs the named algorithm. The error names the known
// algorithms so operators can correct a typo without reading code.
func Quantize(name string, img image.Image, paints *palette.PaintCatalog, w, h int) (*mural.Grid, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("grid size %dx%d out of range", w, h)
	}
	fn, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %q (have %s)", name, strings.Join(Algorithms(), ", "))
	}
	return fn(img, paints, w, h), nil
}

// LoadImage decodes a PNG, JPEG or GIF source image from disk.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// Nearest picks the palette entry with the smallest squared RGB
// distance for each resampled pixel. Ties go to palette order.
func Nearest(img image.Image, paints *palette.PaintCatalog, w, h int) *mural.Grid {
	g := mural.NewGrid(w, h)
	for z := 0; z < h; z++ {
		for x := 0; x < w; x++ {
			r, gr, b := samplePixel(img, x, z, w, h)
			g.Set(x, z, nearestPaint(paints, r, gr, b).Item)
		}
	}
	return g
}

// FloydSteinberg quantizes with error diffusion: each pixel's rounding
// error spreads to its right and lower neighbors with the classic
// 7/16, 3/16, 5/16, 1/16 weights.
func FloydSteinberg(img image.Image, paints *palette.PaintCatalog, w, h int) *mural.Grid {
	buf := make([][3]float64, w*h)
	for z := 0; z < h; z++ {
		for x := 0; x < w; x++ {
			r, g, b := samplePixel(img, x, z, w, h)
			buf[z*w+x] = [3]float64{float64(r), float64(g), float64(b)}
		}
	}

	grid := mural.NewGrid(w, h)
	spread := func(x, z int, weight float64, err [3]float64) {
		if x < 0 || x >= w || z < 0 || z >= h {
			return
		}
		i := z*w + x
		for c := 0; c < 3; c++ {
			buf[i][c] += err[c] * weight
		}
	}

	for z := 0; z < h; z++ {
		for x := 0; x < w; x++ {
			px := buf[z*w+x]
			r := clampByte(px[0])
			g := clampByte(px[1])
			b := clampByte(px[2])
			paint := nearestPaint(paints, r, g, b)
			grid.Set(x, z, paint.Item)

			err := [3]float64{
				px[0] - float64(paint.RGB[0]),
				px[1] - float64(paint.RGB[1]),
				px[2] - float64(paint.RGB[2]),
			}
			spread(x+1, z, 7.0/16, err)
			spread(x-1, z+1, 3.0/16, err)
			spread(x, z+1, 5.0/16, err)
			spread(x+1, z+1, 1.0/16, err)
		}
	}
	return grid
}

// samplePixel maps grid coordinates to the center of the matching
// source region and returns its 8-bit RGB.
func samplePixel(img image.Image, gx, gz, w, h int) (uint8, uint8, uint8) {
	b := img.Bounds()
	sx := b.Min.X + (2*gx+1)*b.Dx()/(2*w)
	sz := b.Min.Y + (2*gz+1)*b.Dy()/(2*h)
	if sx >= b.Max.X {
		sx = b.Max.X - 1
	}
	if sz >= b.Max.Y {
		sz = b.Max.Y - 1
	}
	r, g, bl, _ := img.At(sx, sz).RGBA()
	return uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8)
}

func nearestPaint(paints *palette.PaintCatalog, r, g, b uint8) palette.PaintEntry {
	best := paints.Entries[0]
	bestDist := math.MaxFloat64
	for _, e := range paints.Entries {
		dr := float64(int(r) - e.RGB[0])
		dg := float64(int(g) - e.RGB[1])
		db := float64(int(b) - e.RGB[2])
		d := dr*dr + dg*dg + db*db
		if d < bestDist {
			best = e
			bestDist = d
		}
	}
	return best
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
