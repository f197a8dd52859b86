// Package export turns a finished run into its observable artifacts: the
// event log, the end-of-run balance snapshot, and the per-day measures.
// The core holds no on-disk state of its own; these exporters are the sole
// persistence surface.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vlad-ds/bilancio/internal/engine"
)

// FileExporter writes run artifacts to a directory: events.jsonl (one
// record per line, in sequence order), balances.json, and measures.json.
type FileExporter struct {
	dir string
}

func NewFileExporter(dir string) *FileExporter {
	return &FileExporter{dir: dir}
}

// WriteReport writes all artifacts of one run. Partially written output on
// error is left in place; callers treat the directory as scratch until
// WriteReport returns nil.
func (f *FileExporter) WriteReport(rep *engine.Report) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	header := struct {
		RunID   string `json:"run_id"`
		Days    int    `json:"days"`
		Stopped string `json:"stopped"`
		Digest  string `json:"digest"`
	}{rep.RunID.String(), rep.Days, rep.Stopped, rep.Digest}
	if err := writeJSON(filepath.Join(f.dir, "run.json"), header); err != nil {
		return err
	}
	if err := f.writeEvents(rep); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(f.dir, "balances.json"), rep.Balances); err != nil {
		return err
	}
	return writeJSON(filepath.Join(f.dir, "measures.json"), rep.Measures)
}

func (f *FileExporter) writeEvents(rep *engine.Report) error {
	file, err := os.Create(filepath.Join(f.dir, "events.jsonl"))
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, r := range rep.Events {
		if err := enc.Encode(r); err != nil {
			file.Close()
			return fmt.Errorf("export: encode event %d: %w", r.Seq, err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("export: %w", err)
	}
	return file.Close()
}

func writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		file.Close()
		return fmt.Errorf("export: encode %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}
