package mural

import "testing"

func TestBandCount(t *testing.T) {
	cases := []struct {
		h, bw, want int
	}{
		{8, 4, 2},
		{9, 4, 3},
		{128, 2, 64},
		{1, 4, 1},
		{0, 4, 0},
		{4, 0, 0},
	}
	for _, c := range cases {
		if got := BandCount(c.h, c.bw); got != c.want {
			t.Fatalf("BandCount(%d,%d): expected %d, got %d", c.h, c.bw, c.want, got)
		}
	}
}

func TestBandRowsClampsFinalBand(t *testing.T) {
	z0, z1 := BandRows(0, 4, 9)
	if z0 != 0 || z1 != 4 {
		t.Fatalf("band 0: expected [0,4), got [%d,%d)", z0, z1)
	}
	z0, z1 = BandRows(2, 4, 9)
	if z0 != 8 || z1 != 9 {
		t.Fatalf("band 2: expected [8,9), got [%d,%d)", z0, z1)
	}
}

func TestBandOf(t *testing.T) {
	for z := 0; z < 8; z++ {
		want := z / 2
		if got := BandOf(z, 2); got != want {
			t.Fatalf("BandOf(%d,2): expected %d, got %d", z, want, got)
		}
	}
}

func TestGridCellsRowMajor(t *testing.T) {
	g := NewGrid(3, 2)
	g.Set(0, 0, "A")
	g.Set(1, 0, "B")
	g.Set(2, 0, "C")
	g.Set(0, 1, "D")
	g.Set(1, 1, "E")
	g.Set(2, 1, "F")

	cells := g.Cells()
	if len(cells) != 6 {
		t.Fatalf("expected 6 cells, got %d", len(cells))
	}
	want := []Cell{
		{0, 0, "A"}, {1, 0, "B"}, {2, 0, "C"},
		{0, 1, "D"}, {1, 1, "E"}, {2, 1, "F"},
	}
	for i, c := range cells {
		if c != want[i] {
			t.Fatalf("cell %d: expected %+v, got %+v", i, want[i], c)
		}
	}
}

func TestRequirements(t *testing.T) {
	cells := []Cell{
		{0, 0, "RED_WOOL"},
		{1, 0, "RED_WOOL"},
		{2, 0, "BLUE_WOOL"},
	}
	req := Requirements(cells)
	if req["RED_WOOL"] != 2 {
		t.Fatalf("expected 2 RED_WOOL, got %d", req["RED_WOOL"])
	}
	if req["BLUE_WOOL"] != 1 {
		t.Fatalf("expected 1 BLUE_WOOL, got %d", req["BLUE_WOOL"])
	}
	if len(req) != 2 {
		t.Fatalf("expected 2 materials, got %d", len(req))
	}
}

func TestDistXZIgnoresY(t *testing.T) {
	a := Vec3i{X: 0, Y: 64, Z: 0}
	b := Vec3i{X: 3, Y: 90, Z: 4}
	if got := DistXZ(a, b); got != 5 {
		t.Fatalf("expected 5, got %f", got)
	}
}

func TestManhattan(t *testing.T) {
	a := Vec3i{X: 1, Y: 2, Z: 3}
	b := Vec3i{X: -1, Y: 4, Z: 0}
	if got := Manhattan(a, b); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}
