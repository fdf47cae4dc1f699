package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SnapshotVersion is the on-disk snapshot format version.
const SnapshotVersion = 1

// Snapshot is the durable registry dump used to warm-start after restart.
// The registry is authoritative at runtime; the snapshot is an aid only.
type Snapshot struct {
	Version int          `json:"version"`
	TakenAt time.Time    `json:"taken_at"`
	Entries []Descriptor `json:"entries"`
}

// SaveSnapshot writes the current registry to path atomically
// (write temp file, then rename).
func (s *Store) SaveSnapshot(path string) error {
	snap := Snapshot{
		Version: SnapshotVersion,
		TakenAt: s.clock.Now(),
		Entries: s.List(Filter{}),
	}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot warm-starts the registry from a prior snapshot. All loaded
// entries are marked suspect until their first heartbeat. A missing file is
// not an error; a corrupt one is, so the caller can treat it as fatal.
func (s *Store) LoadSnapshot(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("corrupt snapshot %s: %w", path, err)
	}
	if snap.Version != SnapshotVersion {
		return 0, fmt.Errorf("snapshot version %d not supported (want %d)", snap.Version, SnapshotVersion)
	}
	for _, d := range snap.Entries {
		s.restore(d)
	}
	s.logger.Printf("Warm-started %d entries from %s (taken %s), all marked suspect",
		len(snap.Entries), path, snap.TakenAt.Format(time.RFC3339))
	return len(snap.Entries), nil
}

// SnapshotLoop persists the registry every interval and once more on
// shutdown. A failed write is logged and retried next tick, never fatal.
func (s *Store) SnapshotLoop(ctx context.Context, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.SaveSnapshot(path); err != nil {
				s.logger.Printf("Final snapshot failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := s.SaveSnapshot(path); err != nil {
				s.logger.Printf("Snapshot write failed (will retry next tick): %v", err)
			}
		}
	}
}
