package ledger

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"muralcraft.ai/internal/mural"
)

func openTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mural.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func checkerGrid(w, h int) *mural.Grid {
	g := mural.NewGrid(w, h)
	for z := 0; z < h; z++ {
		for x := 0; x < w; x++ {
			if (x+z)%2 == 0 {
				g.Set(x, z, "RED_WOOL")
			} else {
				g.Set(x, z, "BLUE_WOOL")
			}
		}
	}
	return g
}

func startTestProject(t *testing.T, l *Ledger, w, h, bandWidth int) {
	t.Helper()
	p := Project{
		ImageSource: "test.png",
		Algorithm:   "nearest",
		GridW:       w,
		GridH:       h,
		BandWidth:   bandWidth,
	}
	if err := l.StartProject(p, checkerGrid(w, h)); err != nil {
		t.Fatalf("start project: %v", err)
	}
}

func TestStartProjectSeedsBandsAndCells(t *testing.T) {
	l, _ := openTestLedger(t)
	startTestProject(t, l, 8, 8, 4)

	p, err := l.ProjectState()
	if err != nil {
		t.Fatalf("project state: %v", err)
	}
	if p == nil {
		t.Fatalf("expected a project")
	}
	if !p.Active || p.Paused {
		t.Fatalf("expected active unpaused project, got %+v", p)
	}
	if p.TotalBands != 2 {
		t.Fatalf("expected 2 bands, got %d", p.TotalBands)
	}

	s, err := l.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.TotalCells != 64 || s.PlacedCells != 0 {
		t.Fatalf("expected 64/0 cells, got %d/%d", s.TotalCells, s.PlacedCells)
	}
	if s.PendingBands != 2 || s.AssignedBands != 0 || s.CompletedBands != 0 {
		t.Fatalf("expected all bands pending, got %+v", s)
	}
}

func TestStartProjectRejectsEmptyMaterial(t *testing.T) {
	l, _ := openTestLedger(t)
	g := mural.NewGrid(2, 2)
	g.Set(0, 0, "RED_WOOL")
	// (1,0), (0,1), (1,1) left unset.
	err := l.StartProject(Project{GridW: 2, GridH: 2, BandWidth: 1}, g)
	if err == nil {
		t.Fatalf("expected error for empty material")
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %T", err)
	}
	// The failed transaction must not leave a half-written project.
	p, err := l.ProjectState()
	if err != nil {
		t.Fatalf("project state: %v", err)
	}
	if p != nil {
		t.Fatalf("expected no project after failed start, got %+v", p)
	}
}

func TestClaimBandAssignsLowestPending(t *testing.T) {
	l, _ := openTestLedger(t)
	startTestProject(t, l, 8, 8, 2) // 4 bands

	band, ok, err := l.ClaimBand("painter-0")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if band != 0 {
		t.Fatalf("expected band 0, got %d", band)
	}

	band, ok, err = l.ClaimBand("painter-1")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if band != 1 {
		t.Fatalf("expected band 1, got %d", band)
	}
}

func TestClaimBandExhausted(t *testing.T) {
	l, _ := openTestLedger(t)
	startTestProject(t, l, 4, 4, 2) // 2 bands

	for i := 0; i < 2; i++ {
		if _, ok, err := l.ClaimBand("painter-0"); err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
	}
	_, ok, err := l.ClaimBand("painter-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatalf("expected no claim when all bands assigned")
	}
}

func TestClaimBandNeverDoubleAssigns(t *testing.T) {
	l1, path := openTestLedger(t)
	startTestProject(t, l1, 8, 16, 2) // 8 bands

	// A second process-like handle on the same file.
	l2, err := Open(path)
	if err != nil {
		t.Fatalf("open second handle: %v", err)
	}
	defer l2.Close()

	var (
		mu     sync.Mutex
		claims = map[int]string{}
		wg     sync.WaitGroup
	)
	claimAll := func(l *Ledger, worker string) {
		defer wg.Done()
		for {
			band, ok, err := l.ClaimBand(worker)
			if err != nil {
				t.Errorf("%s: claim: %v", worker, err)
				return
			}
			if !ok {
				return
			}
			mu.Lock()
			if prev, dup := claims[band]; dup {
				t.Errorf("band %d claimed by both %s and %s", band, prev, worker)
			}
			claims[band] = worker
			mu.Unlock()
		}
	}

	wg.Add(2)
	go claimAll(l1, "painter-0")
	go claimAll(l2, "painter-1")
	wg.Wait()

	if len(claims) != 8 {
		t.Fatalf("expected 8 bands claimed, got %d", len(claims))
	}
}

func TestReleaseBandReturnsToPool(t *testing.T) {
	l, _ := openTestLedger(t)
	startTestProject(t, l, 4, 4, 4) // 1 band

	band, ok, err := l.ClaimBand("painter-0")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	if err := l.ReleaseBand(band); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, ok, err := l.ClaimBand("painter-1")
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if got != band {
		t.Fatalf("expected band %d reclaimed, got %d", band, got)
	}

	// Release ignores the current holder and repeats harmlessly.
	if err := l.ReleaseBand(band); err != nil {
		t.Fatalf("forced release: %v", err)
	}
	if err := l.ReleaseBand(band); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if err := l.ReleaseBand(99); err == nil {
		t.Fatalf("expected error releasing unknown band")
	}
}

func TestCompleteBandIsTerminal(t *testing.T) {
	l, _ := openTestLedger(t)
	startTestProject(t, l, 4, 4, 2) // 2 bands

	band, ok, _ := l.ClaimBand("painter-0")
	if !ok {
		t.Fatalf("claim failed")
	}
	if err := l.CompleteBand(band); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Completion trusts the caller; repeating it is a no-op.
	if err := l.CompleteBand(band); err != nil {
		t.Fatalf("double complete: %v", err)
	}

	// The next claim skips the completed band.
	got, ok, err := l.ClaimBand("painter-1")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if got == band {
		t.Fatalf("completed band %d returned to pool", band)
	}

	s, _ := l.Stats()
	if s.CompletedBands != 1 {
		t.Fatalf("expected 1 completed band, got %d", s.CompletedBands)
	}
}

func TestAdoptBandRecoversOrphan(t *testing.T) {
	l1, path := openTestLedger(t)
	startTestProject(t, l1, 4, 4, 2)

	band, ok, _ := l1.ClaimBand("painter-0")
	if !ok {
		t.Fatalf("claim failed")
	}

	// Simulate a crash: a new handle, same worker identity.
	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	got, ok, err := l2.AdoptBand("painter-0")
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if !ok || got != band {
		t.Fatalf("expected to adopt band %d, got ok=%v band=%d", band, ok, got)
	}

	// Another worker has nothing to adopt.
	if _, ok, _ := l2.AdoptBand("painter-1"); ok {
		t.Fatalf("painter-1 must not adopt painter-0's band")
	}
}

func TestMarkCellPlacedIsIdempotent(t *testing.T) {
	l, _ := openTestLedger(t)
	startTestProject(t, l, 4, 4, 2)

	if err := l.MarkCellPlaced(1, 1); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := l.MarkCellPlaced(1, 1); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	s, _ := l.Stats()
	if s.PlacedCells != 1 {
		t.Fatalf("expected 1 placed cell, got %d", s.PlacedCells)
	}

	if err := l.MarkCellPlaced(99, 99); err == nil {
		t.Fatalf("expected error for unknown cell")
	}
}

func TestPlacementsAndRequirementsForBand(t *testing.T) {
	l, _ := openTestLedger(t)
	startTestProject(t, l, 4, 4, 2) // bands of rows {0,1} and {2,3}

	cells, err := l.PlacementsForBand(0)
	if err != nil {
		t.Fatalf("placements: %v", err)
	}
	if len(cells) != 8 {
		t.Fatalf("expected 8 cells in band 0, got %d", len(cells))
	}
	for _, c := range cells {
		if c.Z > 1 {
			t.Fatalf("band 0 returned row %d cell", c.Z)
		}
	}

	// Checkerboard: half red, half blue.
	req, err := l.RequirementsForBand(0)
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}
	if req["RED_WOOL"] != 4 || req["BLUE_WOOL"] != 4 {
		t.Fatalf("unexpected requirements %v", req)
	}

	// Placing cells removes them from both views.
	if err := l.MarkCellPlaced(0, 0); err != nil {
		t.Fatalf("mark: %v", err)
	}
	cells, _ = l.PlacementsForBand(0)
	if len(cells) != 7 {
		t.Fatalf("expected 7 unplaced cells, got %d", len(cells))
	}
	req, _ = l.RequirementsForBand(0)
	if req["RED_WOOL"] != 3 {
		t.Fatalf("expected 3 RED_WOOL after placement, got %d", req["RED_WOOL"])
	}

	if _, err := l.PlacementsForBand(9); err == nil {
		t.Fatalf("expected error for out-of-range band")
	}
}

func TestSetPausedRoundTrip(t *testing.T) {
	l, _ := openTestLedger(t)

	// No project yet: pausing errors.
	if err := l.SetPaused(true); err == nil {
		t.Fatalf("expected error pausing empty ledger")
	}

	startTestProject(t, l, 4, 4, 2)
	if err := l.SetPaused(true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	p, _ := l.ProjectState()
	if !p.Paused {
		t.Fatalf("expected paused project")
	}
	if err := l.SetPaused(false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	p, _ = l.ProjectState()
	if p.Paused {
		t.Fatalf("expected unpaused project")
	}
}

func TestClearWipesEverything(t *testing.T) {
	l, _ := openTestLedger(t)
	startTestProject(t, l, 4, 4, 2)
	if _, ok, _ := l.ClaimBand("painter-0"); !ok {
		t.Fatalf("claim failed")
	}

	if err := l.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	p, err := l.ProjectState()
	if err != nil {
		t.Fatalf("project state: %v", err)
	}
	if p != nil {
		t.Fatalf("expected empty ledger, got %+v", p)
	}
	s, _ := l.Stats()
	if s.TotalCells != 0 || s.PendingBands != 0 || s.AssignedBands != 0 {
		t.Fatalf("expected zero stats, got %+v", s)
	}
}

func TestBandsListing(t *testing.T) {
	l, _ := openTestLedger(t)
	startTestProject(t, l, 4, 6, 2) // 3 bands
	if _, ok, _ := l.ClaimBand("painter-0"); !ok {
		t.Fatalf("claim failed")
	}

	bands, err := l.Bands()
	if err != nil {
		t.Fatalf("bands: %v", err)
	}
	if len(bands) != 3 {
		t.Fatalf("expected 3 bands, got %d", len(bands))
	}
	if bands[0].Status != StatusAssigned || bands[0].AssignedTo != "painter-0" {
		t.Fatalf("unexpected band 0 state %+v", bands[0])
	}
	if bands[0].AssignedAt.IsZero() {
		t.Fatalf("expected assigned_at to be set")
	}
	if bands[1].Status != StatusPending || bands[2].Status != StatusPending {
		t.Fatalf("expected bands 1,2 pending")
	}
}
