package fleet

import (
	"os"
	"path/filepath"
	"testing"

	"muralcraft.ai/internal/mural"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "fleet.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PoolSize != 4 {
		t.Fatalf("expected pool_size 4, got %d", cfg.PoolSize)
	}
	if len(cfg.Restock.Stores) != 16 {
		t.Fatalf("expected 16 stores, got %d", len(cfg.Restock.Stores))
	}
	if cfg.Restock.Stores[0].Item != "WHITE_WOOL" {
		t.Fatalf("store order must follow the file, got %s first", cfg.Restock.Stores[0].Item)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	body := "pool_size: 9\nsite:\n  origin: [10, 70, -5]\n  band_width: 4\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PoolSize != 9 {
		t.Fatalf("expected pool_size 9, got %d", cfg.PoolSize)
	}
	if cfg.Site.BandWidth != 4 {
		t.Fatalf("expected band_width 4, got %d", cfg.Site.BandWidth)
	}
	// Fields the file omits keep their defaults.
	if cfg.TickIntervalMs != 2000 {
		t.Fatalf("expected default tick_interval_ms, got %d", cfg.TickIntervalMs)
	}
	if cfg.Placer.Reach != 4.5 {
		t.Fatalf("expected default reach, got %f", cfg.Placer.Reach)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pool", func(c *Config) { c.PoolSize = 0 }},
		{"zero band width", func(c *Config) { c.Site.BandWidth = 0 }},
		{"short origin", func(c *Config) { c.Site.Origin = []int{1, 2} }},
		{"zero reach", func(c *Config) { c.Placer.Reach = 0 }},
		{"zero retries", func(c *Config) { c.Placer.PlaceRetries = 0 }},
		{"bad disposal", func(c *Config) { c.Restock.Disposal = nil }},
		{"zero stack height", func(c *Config) { c.Restock.StackHeight = 0 }},
		{"duplicate store", func(c *Config) {
			c.Restock.Stores = []StoreStack{
				{Item: "RED_WOOL", Base: []int{0, 64, -6}},
				{Item: "RED_WOOL", Base: []int{2, 64, -6}},
			}
		}},
		{"short store base", func(c *Config) {
			c.Restock.Stores = []StoreStack{{Item: "RED_WOOL", Base: []int{0, 64}}}
		}},
	}
	for _, tc := range cases {
		cfg := Defaults()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestCellPos(t *testing.T) {
	site := Site{Origin: []int{10, 64, -20}, BandWidth: 2}
	got := site.CellPos(3, 7)
	want := mural.Vec3i{X: 13, Y: 64, Z: -13}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestWorkerName(t *testing.T) {
	if got := WorkerName(3); got != "painter-3" {
		t.Fatalf("expected painter-3, got %s", got)
	}
}
