// Package auditlog appends one JSON line per CRM-affecting action. For
// submissions that return no payload to the submitter this log is the only
// durable record of what was done, so write failures must surface to the
// caller instead of being swallowed.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is a single audit record. Extra keys are flattened into the
// top-level JSON object.
type Entry struct {
	Source       string
	PayloadRaw   any
	MappedFields map[string]any
	DealID       int
	Extra        map[string]any
}

type Logger struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Logger {
	return &Logger{path: path}
}

// Write appends the entry as one line of JSON. Non-ASCII text is preserved
// verbatim.
func (l *Logger) Write(e Entry) error {
	record := map[string]any{
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"source":      e.Source,
		"payload_raw": e.PayloadRaw,
	}
	if e.MappedFields != nil {
		record["mapped_fields"] = e.MappedFields
	}
	if e.DealID != 0 {
		record["deal_id"] = e.DealID
	}
	for k, v := range e.Extra {
		record[k] = v
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("auditlog: create dir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("auditlog: open %s: %w", l.path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record); err != nil {
		return fmt.Errorf("auditlog: write entry: %w", err)
	}
	return nil
}
