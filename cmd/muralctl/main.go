package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"muralcraft.ai/internal/fleet"
	"muralcraft.ai/internal/ledger"
	"muralcraft.ai/internal/mural"
	"muralcraft.ai/internal/palette"
	"muralcraft.ai/internal/quantize"
	"muralcraft.ai/internal/tui"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "start":
			startCmd(os.Args[2:])
			return
		case "pause":
			pauseCmd(os.Args[2:])
			return
		case "continue":
			continueCmd(os.Args[2:])
			return
		case "clear":
			clearCmd(os.Args[2:])
			return
		case "status":
			statusCmd(os.Args[2:])
			return
		case "watch":
			watchCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: muralctl <start|pause|continue|clear|status|watch|events> [flags]")
	os.Exit(2)
}

// ledgerFlags registers the flags every subcommand shares.
func ledgerFlags(fs *flag.FlagSet) (fleetPath, ledgerPath *string) {
	fleetPath = fs.String("fleet", "./configs/fleet.yaml", "fleet config path")
	ledgerPath = fs.String("ledger", "", "ledger database path (overrides fleet config)")
	return fleetPath, ledgerPath
}

func loadFleet(fleetPath, ledgerPath string) fleet.Config {
	cfg, err := fleet.Load(fleetPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load fleet config:", err)
		os.Exit(1)
	}
	if ledgerPath != "" {
		cfg.LedgerPath = ledgerPath
	}
	return cfg
}

func openLedger(cfg fleet.Config) *ledger.Ledger {
	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open ledger:", err)
		os.Exit(1)
	}
	return led
}

func startCmd(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	imagePath := fs.String("image", "", "source image path (png, jpeg or gif)")
	algorithm := fs.String("algorithm", "nearest", "quantization algorithm: "+strings.Join(quantize.Algorithms(), ", "))
	width := fs.Int("width", 64, "mural width in cells")
	height := fs.Int("height", 64, "mural height in cells")
	bandWidth := fs.Int("band-width", 0, "band width in rows (0 = fleet config value)")
	force := fs.Bool("force", false, "replace an unfinished project")
	fleetPath, ledgerPath := ledgerFlags(fs)
	_ = fs.Parse(args)

	if strings.TrimSpace(*imagePath) == "" {
		fmt.Fprintln(os.Stderr, "missing -image")
		os.Exit(2)
	}
	if *width <= 0 || *height <= 0 {
		fmt.Fprintf(os.Stderr, "grid size %dx%d out of range\n", *width, *height)
		os.Exit(2)
	}

	cfg := loadFleet(*fleetPath, *ledgerPath)
	bw := *bandWidth
	if bw == 0 {
		bw = cfg.Site.BandWidth
	}

	cats, err := palette.Load(cfg.ConfigDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}

	img, err := quantize.LoadImage(*imagePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load image:", err)
		os.Exit(1)
	}
	grid, err := quantize.Quantize(*algorithm, img, &cats.Paints, *width, *height)
	if err != nil {
		fmt.Fprintln(os.Stderr, "quantize:", err)
		os.Exit(1)
	}

	led := openLedger(cfg)
	defer led.Close()

	// Starting a project wipes the previous one, so an unfinished build
	// is only replaced when the operator says so.
	if !*force {
		project, err := led.ProjectState()
		if err != nil {
			fmt.Fprintln(os.Stderr, "read project:", err)
			os.Exit(1)
		}
		if project != nil && project.Active {
			stats, err := led.Stats()
			if err != nil {
				fmt.Fprintln(os.Stderr, "read stats:", err)
				os.Exit(1)
			}
			if stats.CompletedBands < project.TotalBands {
				fmt.Fprintf(os.Stderr, "project %s is still in progress (%d/%d bands done); re-run with -force to replace it\n",
					project.ImageSource, stats.CompletedBands, project.TotalBands)
				os.Exit(1)
			}
		}
	}

	err = led.StartProject(ledger.Project{
		ImageSource: *imagePath,
		Algorithm:   *algorithm,
		GridW:       *width,
		GridH:       *height,
		BandWidth:   bw,
	}, grid)
	if err != nil {
		fmt.Fprintln(os.Stderr, "start project:", err)
		os.Exit(1)
	}

	req := mural.Requirements(grid.Cells())
	items := make([]string, 0, len(req))
	for item := range req {
		items = append(items, item)
	}
	sort.Strings(items)

	fmt.Printf("started %s: %dx%d cells, %d bands of width %d\n",
		filepath.Base(*imagePath), *width, *height, mural.BandCount(*height, bw), bw)
	fmt.Println("materials:")
	for _, item := range items {
		fmt.Printf("  %-14s %d\n", item, req[item])
	}
}

func pauseCmd(args []string) {
	fs := flag.NewFlagSet("pause", flag.ExitOnError)
	fleetPath, ledgerPath := ledgerFlags(fs)
	_ = fs.Parse(args)

	led := openLedger(loadFleet(*fleetPath, *ledgerPath))
	defer led.Close()
	if err := led.SetPaused(true); err != nil {
		fmt.Fprintln(os.Stderr, "pause:", err)
		os.Exit(1)
	}
	fmt.Println("paused: painters finish their current cell and hold")
}

func continueCmd(args []string) {
	fs := flag.NewFlagSet("continue", flag.ExitOnError)
	fleetPath, ledgerPath := ledgerFlags(fs)
	_ = fs.Parse(args)

	led := openLedger(loadFleet(*fleetPath, *ledgerPath))
	defer led.Close()
	if err := led.SetPaused(false); err != nil {
		fmt.Fprintln(os.Stderr, "continue:", err)
		os.Exit(1)
	}
	fmt.Println("resumed")
}

func clearCmd(args []string) {
	fs := flag.NewFlagSet("clear", flag.ExitOnError)
	fleetPath, ledgerPath := ledgerFlags(fs)
	_ = fs.Parse(args)

	led := openLedger(loadFleet(*fleetPath, *ledgerPath))
	defer led.Close()
	if err := led.Clear(); err != nil {
		fmt.Fprintln(os.Stderr, "clear:", err)
		os.Exit(1)
	}
	fmt.Println("ledger cleared")
}

func statusCmd(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fleetPath, ledgerPath := ledgerFlags(fs)
	_ = fs.Parse(args)

	led := openLedger(loadFleet(*fleetPath, *ledgerPath))
	defer led.Close()

	project, err := led.ProjectState()
	if err != nil {
		fmt.Fprintln(os.Stderr, "read project:", err)
		os.Exit(1)
	}
	if project == nil {
		fmt.Println("no mural project")
		return
	}
	stats, err := led.Stats()
	if err != nil {
		fmt.Fprintln(os.Stderr, "read stats:", err)
		os.Exit(1)
	}
	bands, err := led.Bands()
	if err != nil {
		fmt.Fprintln(os.Stderr, "read bands:", err)
		os.Exit(1)
	}

	state := "ACTIVE"
	switch {
	case !project.Active:
		state = "INACTIVE"
	case project.Paused:
		state = "PAUSED"
	}

	pct := 0.0
	if stats.TotalCells > 0 {
		pct = float64(stats.PlacedCells) / float64(stats.TotalCells) * 100
	}

	fmt.Printf("project:  %s (%s) %dx%d, %d bands of width %d\n",
		project.ImageSource, project.Algorithm, project.GridW, project.GridH, project.TotalBands, project.BandWidth)
	fmt.Printf("state:    %s (started %s)\n", state, project.CreatedAt.Local().Format("2006-01-02 15:04"))
	fmt.Printf("cells:    %d/%d placed (%.1f%%)\n", stats.PlacedCells, stats.TotalCells, pct)
	fmt.Printf("bands:    %d done, %d painting, %d pending\n", stats.CompletedBands, stats.AssignedBands, stats.PendingBands)
	for _, b := range bands {
		if b.Status != ledger.StatusAssigned {
			continue
		}
		fmt.Printf("  band %-3d %s (held %s)\n", b.Index, b.AssignedTo, time.Since(b.AssignedAt).Round(time.Second))
	}
}

func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fleetPath, ledgerPath := ledgerFlags(fs)
	_ = fs.Parse(args)

	led := openLedger(loadFleet(*fleetPath, *ledgerPath))
	defer led.Close()
	if err := tui.Run(led); err != nil {
		fmt.Fprintln(os.Stderr, "watch:", err)
		os.Exit(1)
	}
}
