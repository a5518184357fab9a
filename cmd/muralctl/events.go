package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"muralcraft.ai/internal/eventlog"
)

// eventsCmd prints the painters' event trails in file order. The trail
// is the ground truth for why a cell was skipped or a band bounced
// between workers.
func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	fleetPath := fs.String("fleet", "./configs/fleet.yaml", "fleet config path")
	eventsDir := fs.String("events", "", "events directory (overrides fleet config)")
	worker := fs.String("worker", "", "only this worker (default: all)")
	band := fs.Int("band", -1, "only this band (default: all)")
	typ := fs.String("type", "", "only this entry type, e.g. PLACE or RESTOCK_SHORT (default: all)")
	_ = fs.Parse(args)

	cfg := loadFleet(*fleetPath, "")
	dir := cfg.EventsDir
	if *eventsDir != "" {
		dir = *eventsDir
	}
	if dir == "" {
		fmt.Fprintln(os.Stderr, "no events directory (set events_dir in the fleet config or pass -events)")
		os.Exit(1)
	}

	workers := []string{*worker}
	if *worker == "" {
		var err error
		workers, err = listWorkerTrails(dir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list workers:", err)
			os.Exit(1)
		}
	}
	if len(workers) == 0 {
		fmt.Fprintln(os.Stderr, "no event trails under", dir)
		os.Exit(1)
	}

	var printed int
	for _, w := range workers {
		files, err := listEventFiles(filepath.Join(dir, w))
		if err != nil {
			fmt.Fprintln(os.Stderr, "list events:", err)
			os.Exit(1)
		}
		for _, path := range files {
			n, err := printEventFile(path, *band, *typ)
			if err != nil {
				fmt.Fprintln(os.Stderr, "read events:", err)
				os.Exit(1)
			}
			printed += n
		}
	}
	fmt.Printf("%d entries\n", printed)
}

func listWorkerTrails(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func listEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func printEventFile(path string, band int, typ string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	n := 0
	for sc.Scan() {
		var e eventlog.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return n, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if typ != "" && e.Type != typ {
			continue
		}
		if band >= 0 && (e.Band == nil || *e.Band != band) {
			continue
		}
		fmt.Println(formatEntry(e))
		n++
	}
	if err := sc.Err(); err != nil {
		return n, err
	}
	return n, nil
}

func formatEntry(e eventlog.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", e.Time, e.Worker, e.Type)
	if e.Band != nil {
		fmt.Fprintf(&b, " band=%d", *e.Band)
	}
	if e.X != nil && e.Z != nil {
		fmt.Fprintf(&b, " cell=%d,%d", *e.X, *e.Z)
	}
	if e.Material != "" {
		fmt.Fprintf(&b, " material=%s", e.Material)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if len(e.Shortfall) > 0 {
		items := make([]string, 0, len(e.Shortfall))
		for item := range e.Shortfall {
			items = append(items, item)
		}
		sort.Strings(items)
		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, fmt.Sprintf("%s:%d", item, e.Shortfall[item]))
		}
		fmt.Fprintf(&b, " short=%s", strings.Join(parts, ","))
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %q", e.Message)
	}
	return b.String()
}
