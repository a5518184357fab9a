package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func readEntries(t *testing.T, dir string) []Entry {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl.zst"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one log file, got %v", matches)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var out []Entry
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestLoggerWritesDecodableTrail(t *testing.T) {
	base := t.TempDir()
	l := New(base, "painter-2")
	if l.RunID() == "" {
		t.Fatalf("expected a run id")
	}

	l.RunStart()
	l.Claim(3)
	l.Place(3, 5, 7, "RED_WOOL")
	l.Skip(3, 6, 7, "BLUE_WOOL", "E_BLOCKED", "no anchor")
	l.RestockShort(3, map[string]int{"BLUE_WOOL": 4})
	l.Release(3, "restock failed")
	l.Shutdown("signal")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries := readEntries(t, filepath.Join(base, "painter-2"))
	if len(entries) != 7 {
		t.Fatalf("expected 7 entries, got %d", len(entries))
	}

	for i, e := range entries {
		if e.RunID != l.RunID() || e.Worker != "painter-2" || e.Time == "" {
			t.Fatalf("entry %d missing common fields: %+v", i, e)
		}
	}
	if entries[0].Type != TypeRunStart {
		t.Fatalf("expected RUN_START first, got %s", entries[0].Type)
	}
	if entries[1].Type != TypeClaim || entries[1].Band == nil || *entries[1].Band != 3 {
		t.Fatalf("unexpected claim entry %+v", entries[1])
	}
	place := entries[2]
	if place.Type != TypePlace || *place.X != 5 || *place.Z != 7 || place.Material != "RED_WOOL" {
		t.Fatalf("unexpected place entry %+v", place)
	}
	skip := entries[3]
	if skip.Type != TypeSkip || skip.Code != "E_BLOCKED" {
		t.Fatalf("unexpected skip entry %+v", skip)
	}
	short := entries[4]
	if short.Type != TypeRestockShort || short.Shortfall["BLUE_WOOL"] != 4 {
		t.Fatalf("unexpected shortfall entry %+v", short)
	}
}

func TestNilLoggerIsSilent(t *testing.T) {
	var l *Logger
	if l != New("", "painter-0") {
		t.Fatalf("empty base dir must yield a nil logger")
	}
	// None of these may panic.
	l.RunStart()
	l.Claim(1)
	l.Place(1, 0, 0, "RED_WOOL")
	l.Pause()
	l.Resume()
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if l.RunID() != "" {
		t.Fatalf("nil logger has no run id")
	}
}
