package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coordcore/coordinator/internal/logproc"
)

// DeadLetterFile appends undeliverable records as JSON lines for offline
// replay. Writes are synced so a crash right after a store failure does
// not lose the record twice.
type DeadLetterFile struct {
	mu   sync.Mutex
	file *os.File
}

type deadLetterEntry struct {
	At     time.Time       `json:"at"`
	Reason string          `json:"reason"`
	Record *logproc.Record `json:"record"`
}

// OpenDeadLetterFile opens (creating if needed) the dead-letter file.
func OpenDeadLetterFile(path string) (*DeadLetterFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file: %w", err)
	}
	return &DeadLetterFile{file: f}, nil
}

func (d *DeadLetterFile) Append(rec *logproc.Record, reason string) error {
	line, err := json.Marshal(deadLetterEntry{At: time.Now().UTC(), Reason: reason, Record: rec})
	if err != nil {
		return fmt.Errorf("encode dead-letter entry: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append dead-letter entry: %w", err)
	}
	return d.file.Sync()
}

func (d *DeadLetterFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file.Close()
}
