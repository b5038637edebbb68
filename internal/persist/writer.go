// Package persist appends signals and their delayed follow-up snapshots to
// day-rotated JSON-lines files, per spec §6's "Persisted state layout".
// Grounded on the teacher's internal/store/store.go for the directory
// layout and mutex-serialized file access, adapted from whole-file atomic
// replacement (write-tmp-then-rename, right for a single mutable position
// snapshot) to an append-only log: each record is one os.File.Write under
// the lock, and a day boundary opens a fresh O_APPEND file rather than
// rewriting one. Crash-safety for an append-only log is "at most the last
// line may be truncated", the standard JSON-lines assumption, not "the
// whole file is atomically replaced" — store.go's stronger guarantee
// doesn't apply to a log that grows by appending.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hip3-taker/internal/config"
)

// dailyWriter appends one JSON object per line to <dir>/<prefix>_YYYY-MM-DD.jsonl,
// rotating to a new file when the UTC day changes.
type dailyWriter struct {
	mu     sync.Mutex
	dir    string
	prefix string
	day    string
	file   *os.File
}

func newDailyWriter(cfg config.StoreConfig, prefix string) (*dailyWriter, error) {
	dir := filepath.Join(cfg.DataDir, cfg.Env, "signals")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persist dir: %w", err)
	}
	return &dailyWriter{dir: dir, prefix: prefix}, nil
}

func (w *dailyWriter) writeLine(v any, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := now.UTC().Format("2006-01-02")
	if day != w.day || w.file == nil {
		if w.file != nil {
			w.file.Close()
		}
		path := filepath.Join(w.dir, fmt.Sprintf("%s_%s.jsonl", w.prefix, day))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		w.file = f
		w.day = day
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", w.prefix, err)
	}
	data = append(data, '\n')
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write %s record: %w", w.prefix, err)
	}
	return nil
}

func (w *dailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
