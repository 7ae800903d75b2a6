package hazard

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wayfind/pkg/model"
)

const (
	walOpPut    = "put"
	walOpDelete = "delete"
)

// walRecord is one JSONL entry of the hazard write-ahead log.
type walRecord struct {
	Op   string            `json:"op"`
	Zone *model.HazardZone `json:"zone"`
	At   time.Time         `json:"at"`
}

// WAL is an append-only JSONL file of runtime zone mutations, fsynced on
// every commit so admin-created zones survive a crash.
type WAL struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenWAL opens (or creates) the log at path.
func OpenWAL(path string) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open hazard WAL: %w", err)
	}
	return &WAL{path: path, f: f}, nil
}

// Append writes one record and syncs.
func (w *WAL) Append(rec walRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(data); err != nil {
		return err
	}
	return w.f.Sync()
}

// Replay reads all records from the log. Truncated trailing lines from a
// crash mid-write are skipped.
func (w *WAL) Replay() ([]walRecord, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []walRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line, badLine := 0, 0
	for sc.Scan() {
		line++
		var rec walRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			badLine = line
			continue
		}
		if badLine != 0 {
			// A torn final line is expected after a crash; a bad line
			// followed by a good one is real corruption.
			return nil, fmt.Errorf("hazard WAL corrupt at line %d", badLine)
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}

// Close closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
