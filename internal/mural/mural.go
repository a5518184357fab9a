// Package mural holds the shared geometry of a mural build: the cell
// grid produced by quantization, the horizontal bands workers claim,
// and the small vector math the fleet needs around the build site.
package mural

import "math"

type Vec3i struct {
	X int
	Y int
	Z int
}

func (v Vec3i) ToArray() [3]int { return [3]int{v.X, v.Y, v.Z} }

func Manhattan(a, b Vec3i) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dy := a.Y - b.Y
	if dy < 0 {
		dy = -dy
	}
	dz := a.Z - b.Z
	if dz < 0 {
		dz = -dz
	}
	return dx + dy + dz
}

// DistXZ is the horizontal distance between two positions. Reach checks
// ignore Y because painters stand on the same plane they paint.
func DistXZ(a, b Vec3i) float64 {
	dx := float64(a.X - b.X)
	dz := float64(a.Z - b.Z)
	return math.Hypot(dx, dz)
}

// Cell is one mural pixel in grid space. X grows east across a row,
// Z grows south from the top edge of the image.
type Cell struct {
	X        int
	Z        int
	Material string
}

// Grid is a quantized image: W*H materials in row-major order (index
// z*W+x). A grid is immutable once handed to the ledger.
type Grid struct {
	W         int
	H         int
	Materials []string
}

func NewGrid(w, h int) *Grid {
	return &Grid{W: w, H: h, Materials: make([]string, w*h)}
}

func (g *Grid) At(x, z int) string {
	return g.Materials[z*g.W+x]
}

func (g *Grid) Set(x, z int, material string) {
	g.Materials[z*g.W+x] = material
}

// Cells flattens the grid into ledger rows, row by row.
func (g *Grid) Cells() []Cell {
	out := make([]Cell, 0, g.W*g.H)
	for z := 0; z < g.H; z++ {
		for x := 0; x < g.W; x++ {
			out = append(out, Cell{X: x, Z: z, Material: g.At(x, z)})
		}
	}
	return out
}

// BandCount returns how many bands a grid of height h splits into. The
// final band may be narrower than bandWidth.
func BandCount(h, bandWidth int) int {
	if h <= 0 || bandWidth <= 0 {
		return 0
	}
	return (h + bandWidth - 1) / bandWidth
}

// BandOf maps a grid row to its band index.
func BandOf(z, bandWidth int) int {
	return z / bandWidth
}

// BandRows returns the half-open row range [z0, z1) covered by a band.
func BandRows(band, bandWidth, h int) (z0, z1 int) {
	z0 = band * bandWidth
	z1 = z0 + bandWidth
	if z1 > h {
		z1 = h
	}
	return z0, z1
}

// Requirements tallies the materials needed to place every cell in the
// slice. Callers pass the unplaced remainder of a band.
func Requirements(cells []Cell) map[string]int {
	req := make(map[string]int)
	for _, c := range cells {
		req[c.Material]++
	}
	return req
}
