package worker

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"muralcraft.ai/internal/fleet"
	"muralcraft.ai/internal/ledger"
	"muralcraft.ai/internal/mural"
	"muralcraft.ai/internal/palette"
	"muralcraft.ai/internal/placer"
	"muralcraft.ai/internal/restock"
	"muralcraft.ai/internal/worldtest"
)

var (
	disposal = mural.Vec3i{X: -4, Y: 64, Z: -6}
	redBase  = mural.Vec3i{X: -4, Y: 64, Z: 0}
)

func testLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "mural.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })
	return led
}

func startTestProject(t *testing.T, led *ledger.Ledger, w, h, bandWidth int) {
	t.Helper()
	g := mural.NewGrid(w, h)
	for z := 0; z < h; z++ {
		for x := 0; x < w; x++ {
			g.Set(x, z, "RED_WOOL")
		}
	}
	p := ledger.Project{ImageSource: "test.png", Algorithm: "nearest", GridW: w, GridH: h, BandWidth: bandWidth}
	if err := led.StartProject(p, g); err != nil {
		t.Fatalf("start project: %v", err)
	}
}

func buildWorker(t *testing.T, led *ledger.Ledger, fake *worldtest.Fake, id string, cooldown time.Duration) *Worker {
	t.Helper()
	cats, err := palette.Load(filepath.Join("..", "..", "configs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	site := fleet.Site{Origin: []int{0, 64, 0}, BandWidth: 2, Margin: 2}
	eng := placer.New(logger, nil, led, fake, cats, placer.Config{
		Site:          site,
		BatchRows:     4,
		Reach:         4.5,
		PlaceRetries:  3,
		RetryBackoff:  time.Millisecond,
		MoveTimeout:   time.Second,
		MoveTolerance: 0.5,
	})
	rst := restock.New(logger, nil, fake, restock.Config{
		Disposal:      disposal,
		Stores:        []restock.Store{{Item: "RED_WOOL", Base: redBase}},
		StackHeight:   5,
		MoveTimeout:   time.Second,
		MoveTolerance: 0.5,
	})
	return New(logger, nil, led, eng, rst, fake, Config{
		ID:              id,
		TickInterval:    10 * time.Millisecond,
		RestockCooldown: cooldown,
	})
}

func startWorker(t *testing.T, w *Worker) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("worker did not stop")
		}
	})
	return cancel, done
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestWorkerPaintsProjectToCompletion(t *testing.T) {
	led := testLedger(t)
	startTestProject(t, led, 4, 4, 2) // 2 bands of 8 cells

	fake := worldtest.NewFake()
	fake.AddContainer(redBase, map[string]int{"RED_WOOL": 64})
	w := buildWorker(t, led, fake, "painter-0", time.Minute)
	startWorker(t, w)

	waitFor(t, 10*time.Second, "project completion", func() bool {
		s, err := led.Stats()
		return err == nil && s.CompletedBands == 2 && s.PlacedCells == 16
	})

	if got := fake.Block(mural.Vec3i{X: 0, Y: 64, Z: 0}); got != "RED_WOOL" {
		t.Fatalf("expected painted block, got %s", got)
	}
	if fake.Drops() == 0 {
		t.Fatalf("expected at least one restock round")
	}
	bands, err := led.Bands()
	if err != nil {
		t.Fatalf("bands: %v", err)
	}
	for _, b := range bands {
		if b.AssignedTo != "painter-0" {
			t.Fatalf("band %d: expected completion record for painter-0, got %q", b.Index, b.AssignedTo)
		}
	}
}

func TestWorkerAdoptsOrphanedBand(t *testing.T) {
	led := testLedger(t)
	startTestProject(t, led, 4, 2, 2) // 1 band

	// A previous process claimed the band and died without releasing.
	if _, ok, err := led.ClaimBand("painter-0"); err != nil || !ok {
		t.Fatalf("seed claim: ok=%v err=%v", ok, err)
	}

	fake := worldtest.NewFake()
	fake.SetInventory(map[string]int{"RED_WOOL": 64})
	w := buildWorker(t, led, fake, "painter-0", time.Minute)
	startWorker(t, w)

	// No pending bands remain, so only adoption can finish the job.
	waitFor(t, 10*time.Second, "orphaned band completion", func() bool {
		s, err := led.Stats()
		return err == nil && s.CompletedBands == 1
	})
}

func TestWorkerIdlesWhileProjectPaused(t *testing.T) {
	led := testLedger(t)
	startTestProject(t, led, 2, 2, 2) // 1 band
	if err := led.SetPaused(true); err != nil {
		t.Fatalf("pause: %v", err)
	}

	fake := worldtest.NewFake()
	fake.SetInventory(map[string]int{"RED_WOOL": 64})
	w := buildWorker(t, led, fake, "painter-0", time.Minute)
	startWorker(t, w)

	time.Sleep(150 * time.Millisecond)
	s, err := led.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.AssignedBands != 0 || s.PlacedCells != 0 {
		t.Fatalf("expected no work while paused, got %+v", s)
	}

	if err := led.SetPaused(false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	waitFor(t, 10*time.Second, "completion after unpause", func() bool {
		s, err := led.Stats()
		return err == nil && s.CompletedBands == 1
	})
}

func TestWorkerReleasesBandOnRestockShortfall(t *testing.T) {
	led := testLedger(t)
	startTestProject(t, led, 2, 2, 2) // 1 band

	// No store containers and an empty inventory: restock must fail.
	fake := worldtest.NewFake()
	w := buildWorker(t, led, fake, "painter-0", time.Minute)
	startWorker(t, w)

	waitFor(t, 10*time.Second, "restock attempt", func() bool {
		return fake.Drops() >= 1
	})
	waitFor(t, 10*time.Second, "band released", func() bool {
		bands, err := led.Bands()
		return err == nil && len(bands) == 1 && bands[0].Status == ledger.StatusPending && bands[0].AssignedTo == ""
	})

	// The cooldown keeps the worker from claiming the band right back.
	time.Sleep(250 * time.Millisecond)
	s, err := led.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.AssignedBands != 0 {
		t.Fatalf("expected cooldown to hold off reclaiming, got %+v", s)
	}
}

type blockingPlacer struct{}

func (blockingPlacer) RunPass(ctx context.Context, band int) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (blockingPlacer) Pause()    {}
func (blockingPlacer) Continue() {}
func (blockingPlacer) Stop()     {}

func TestWorkerReleasesHeldBandOnShutdown(t *testing.T) {
	led := testLedger(t)
	startTestProject(t, led, 2, 2, 2) // 1 band

	fake := worldtest.NewFake()
	fake.SetInventory(map[string]int{"RED_WOOL": 64})
	logger := log.New(io.Discard, "", 0)
	rst := restock.New(logger, nil, fake, restock.Config{Disposal: disposal, StackHeight: 5})
	w := New(logger, nil, led, blockingPlacer{}, rst, fake, Config{
		ID:              "painter-0",
		TickInterval:    10 * time.Millisecond,
		RestockCooldown: time.Minute,
	})
	cancel, done := startWorker(t, w)

	waitFor(t, 10*time.Second, "band claimed", func() bool {
		s, err := led.Stats()
		return err == nil && s.AssignedBands == 1
	})

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not shut down")
	}

	bands, err := led.Bands()
	if err != nil {
		t.Fatalf("bands: %v", err)
	}
	if bands[0].Status != ledger.StatusPending || bands[0].AssignedTo != "" {
		t.Fatalf("expected band released on shutdown, got %+v", bands[0])
	}
}
