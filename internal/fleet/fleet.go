// Package fleet holds the shared tuning every muralcraft process reads:
// where the world server is, where the ledger lives, how the build site
// is laid out and how aggressively painters work. One yaml file
// configures the whole fleet so workers never disagree about geometry.
package fleet

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"muralcraft.ai/internal/mural"
)

type Config struct {
	ProtocolVersion string `yaml:"protocol_version"`

	WorldWSURL string `yaml:"world_ws_url"`
	AuthToken  string `yaml:"auth_token"`

	LedgerPath string `yaml:"ledger_path"`
	ConfigDir  string `yaml:"config_dir"`
	EventsDir  string `yaml:"events_dir"`

	PoolSize int `yaml:"pool_size"`

	TickIntervalMs    int `yaml:"tick_interval_ms"`
	RestockCooldownMs int `yaml:"restock_cooldown_ms"`
	MoveTimeoutMs     int `yaml:"move_timeout_ms"`

	Site    Site          `yaml:"site"`
	Placer  PlacerTuning  `yaml:"placer"`
	Restock RestockTuning `yaml:"restock"`
}

// Site anchors grid space in the world: cell (0,0) sits at Origin and
// rows grow toward +X/+Z. Origin's Y is the build plane painters stand
// and place on.
type Site struct {
	Origin    []int `yaml:"origin"`
	BandWidth int   `yaml:"band_width"`
	Margin    int   `yaml:"margin"`
}

type PlacerTuning struct {
	BatchRows      int     `yaml:"batch_rows"`
	Reach          float64 `yaml:"reach"`
	PlaceRetries   int     `yaml:"place_retries"`
	RetryBackoffMs int     `yaml:"retry_backoff_ms"`
	MoveTolerance  float64 `yaml:"move_tolerance"`
}

type RestockTuning struct {
	Disposal    []int        `yaml:"disposal"`
	StackHeight int          `yaml:"stack_height"`
	Stores      []StoreStack `yaml:"stores"`
}

// StoreStack is one supply column: containers for Item stacked upward
// from Base. The slice order in the config is the order painters visit.
type StoreStack struct {
	Item string `yaml:"item"`
	Base []int  `yaml:"base"`
}

func Defaults() Config {
	return Config{
		ProtocolVersion:   "1.0",
		WorldWSURL:        "ws://127.0.0.1:8080/v1/ws",
		LedgerPath:        "data/mural.db",
		ConfigDir:         "configs",
		EventsDir:         "data/events",
		PoolSize:          4,
		TickIntervalMs:    2000,
		RestockCooldownMs: 300000,
		MoveTimeoutMs:     30000,
		Site: Site{
			Origin:    []int{0, 64, 0},
			BandWidth: 2,
			Margin:    2,
		},
		Placer: PlacerTuning{
			BatchRows:      4,
			Reach:          4.5,
			PlaceRetries:   3,
			RetryBackoffMs: 800,
			MoveTolerance:  0.8,
		},
		Restock: RestockTuning{
			Disposal:    []int{-4, 64, -6},
			StackHeight: 5,
		},
	}
}

// Load reads the fleet config, starting from Defaults so a sparse file
// only has to name what it changes.
func Load(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("fleet config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("fleet config: pool_size must be >= 1")
	}
	if c.TickIntervalMs <= 0 {
		return fmt.Errorf("fleet config: tick_interval_ms must be > 0")
	}
	if c.Site.BandWidth < 1 {
		return fmt.Errorf("fleet config: site.band_width must be >= 1")
	}
	if len(c.Site.Origin) != 3 {
		return fmt.Errorf("fleet config: site.origin must be [x, y, z]")
	}
	if c.Placer.BatchRows < 1 {
		return fmt.Errorf("fleet config: placer.batch_rows must be >= 1")
	}
	if c.Placer.Reach <= 0 {
		return fmt.Errorf("fleet config: placer.reach must be > 0")
	}
	if c.Placer.PlaceRetries < 1 {
		return fmt.Errorf("fleet config: placer.place_retries must be >= 1")
	}
	if len(c.Restock.Disposal) != 3 {
		return fmt.Errorf("fleet config: restock.disposal must be [x, y, z]")
	}
	if c.Restock.StackHeight < 1 {
		return fmt.Errorf("fleet config: restock.stack_height must be >= 1")
	}
	seen := map[string]bool{}
	for _, s := range c.Restock.Stores {
		if s.Item == "" {
			return fmt.Errorf("fleet config: store with empty item")
		}
		if seen[s.Item] {
			return fmt.Errorf("fleet config: duplicate store for %s", s.Item)
		}
		seen[s.Item] = true
		if len(s.Base) != 3 {
			return fmt.Errorf("fleet config: store %s base must be [x, y, z]", s.Item)
		}
	}
	return nil
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c Config) RestockCooldown() time.Duration {
	return time.Duration(c.RestockCooldownMs) * time.Millisecond
}

func (c Config) MoveTimeout() time.Duration {
	return time.Duration(c.MoveTimeoutMs) * time.Millisecond
}

func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Placer.RetryBackoffMs) * time.Millisecond
}

func (s Site) OriginVec() mural.Vec3i {
	return vec3(s.Origin)
}

// CellPos maps a grid cell to the world position of its block.
func (s Site) CellPos(x, z int) mural.Vec3i {
	o := s.OriginVec()
	return mural.Vec3i{X: o.X + x, Y: o.Y, Z: o.Z + z}
}

func (r RestockTuning) DisposalVec() mural.Vec3i {
	return vec3(r.Disposal)
}

func (s StoreStack) BaseVec() mural.Vec3i {
	return vec3(s.Base)
}

func vec3(v []int) mural.Vec3i {
	if len(v) != 3 {
		return mural.Vec3i{}
	}
	return mural.Vec3i{X: v[0], Y: v[1], Z: v[2]}
}

// WorkerName is the stable identity of a pool slot. Claims in the
// ledger are recorded under this name, so a restarted process with the
// same ordinal can adopt its predecessor's band.
func WorkerName(ordinal int) string {
	return fmt.Sprintf("painter-%d", ordinal)
}
