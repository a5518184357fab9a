// Package eventlog records what each painter did as compressed JSONL,
// one directory per fleet, one run id per process start. The files are
// the audit trail for reconstructing how a mural was painted and why
// cells were skipped.
package eventlog

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Entry types.
const (
	TypeRunStart     = "RUN_START"
	TypeClaim        = "CLAIM"
	TypeAdopt        = "ADOPT"
	TypeRelease      = "RELEASE"
	TypeComplete     = "COMPLETE"
	TypePlace        = "PLACE"
	TypeSkip         = "SKIP"
	TypeRestockOK    = "RESTOCK_OK"
	TypeRestockShort = "RESTOCK_SHORT"
	TypePause        = "PAUSE"
	TypeResume       = "RESUME"
	TypeShutdown     = "SHUTDOWN"
)

type Entry struct {
	Time   string `json:"time"`
	RunID  string `json:"run_id"`
	Worker string `json:"worker"`
	Type   string `json:"type"`

	Band     *int   `json:"band,omitempty"`
	X        *int   `json:"x,omitempty"`
	Z        *int   `json:"z,omitempty"`
	Material string `json:"material,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`

	Shortfall map[string]int `json:"shortfall,omitempty"`
}

// Logger writes one worker's event trail. A nil Logger discards
// everything, so callers never guard their emit sites.
type Logger struct {
	w      *JSONLZstdWriter
	runID  string
	worker string
}

// New opens a trail under baseDir. An empty baseDir disables logging.
func New(baseDir, worker string) *Logger {
	if baseDir == "" {
		return nil
	}
	return &Logger{
		w:      NewJSONLZstdWriter(filepath.Join(baseDir, worker), "events"),
		runID:  uuid.NewString(),
		worker: worker,
	}
}

func (l *Logger) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}

func (l *Logger) emit(e Entry) {
	if l == nil {
		return
	}
	e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	e.RunID = l.runID
	e.Worker = l.worker
	_ = l.w.Write(e)
}

func (l *Logger) RunStart() {
	l.emit(Entry{Type: TypeRunStart})
}

func (l *Logger) Claim(band int) {
	l.emit(Entry{Type: TypeClaim, Band: &band})
}

func (l *Logger) Adopt(band int) {
	l.emit(Entry{Type: TypeAdopt, Band: &band})
}

func (l *Logger) Release(band int, reason string) {
	l.emit(Entry{Type: TypeRelease, Band: &band, Message: reason})
}

func (l *Logger) Complete(band int) {
	l.emit(Entry{Type: TypeComplete, Band: &band})
}

func (l *Logger) Place(band, x, z int, material string) {
	l.emit(Entry{Type: TypePlace, Band: &band, X: &x, Z: &z, Material: material})
}

func (l *Logger) Skip(band, x, z int, material, code, message string) {
	l.emit(Entry{Type: TypeSkip, Band: &band, X: &x, Z: &z, Material: material, Code: code, Message: message})
}

func (l *Logger) RestockOK(band int) {
	l.emit(Entry{Type: TypeRestockOK, Band: &band})
}

func (l *Logger) RestockShort(band int, shortfall map[string]int) {
	l.emit(Entry{Type: TypeRestockShort, Band: &band, Shortfall: shortfall})
}

func (l *Logger) Pause() {
	l.emit(Entry{Type: TypePause})
}

func (l *Logger) Resume() {
	l.emit(Entry{Type: TypeResume})
}

func (l *Logger) Shutdown(reason string) {
	l.emit(Entry{Type: TypeShutdown, Message: reason})
}
