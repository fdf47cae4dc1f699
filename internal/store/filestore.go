// Package store provides the durable interaction stores behind the log
// processor: an append-only segmented file baseline, a Postgres-backed
// alternative, and the dead-letter file for records that could not be
// persisted.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coordcore/coordinator/internal/logproc"
)

// Segment file framing. Every segment opens with the magic and a format
// version byte; each record after that is a 4-byte big-endian length
// followed by that many bytes of JSON.
var segmentMagic = []byte("COORDLOG")

const (
	segmentVersion  byte = 1
	segmentPrefix        = "events-"
	segmentSuffix        = ".log"
	maxRecordLength      = 16 << 20
)

// ErrCorruptSegment is returned when a segment header or frame does not
// parse. A torn final frame from a crash is tolerated and truncated away,
// a bad header is not.
var ErrCorruptSegment = errors.New("corrupt store segment")

// FileStore is the baseline interaction store: one append-only segment
// per UTC day, upserts expressed as re-appends with latest-wins replay,
// and a full in-memory index rebuilt on open.
type FileStore struct {
	dir    string
	logger *log.Logger

	mu       sync.RWMutex
	index    map[string]*logproc.Record
	segments map[string]*os.File // day key -> open append handle
}

// OpenFileStore opens (creating if needed) the store directory and
// replays every segment into the index.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	fs := &FileStore{
		dir:      dir,
		logger:   log.New(log.Writer(), "[STORE] ", log.LstdFlags),
		index:    make(map[string]*logproc.Record),
		segments: make(map[string]*os.File),
	}
	if err := fs.replayAll(); err != nil {
		return nil, err
	}
	return fs, nil
}

func dayKey(ts time.Time) string { return ts.UTC().Format("20060102") }

func (fs *FileStore) segmentPath(day string) string {
	return filepath.Join(fs.dir, segmentPrefix+day+segmentSuffix)
}

func (fs *FileStore) replayAll() error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return fmt.Errorf("list store dir: %w", err)
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		days = append(days, strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix))
	}
	// Replay in day order so later re-appends of the same id win.
	sort.Strings(days)
	total := 0
	for _, day := range days {
		n, err := fs.replaySegment(day)
		if err != nil {
			return err
		}
		total += n
	}
	if total > 0 {
		fs.logger.Printf("Replayed %d records from %d segments", total, len(days))
	}
	return nil
}

// replaySegment reads one segment into the index. A truncated final frame
// is treated as a crash artifact: the segment is truncated to the last
// whole frame and replay continues.
func (fs *FileStore) replaySegment(day string) (int, error) {
	path := fs.segmentPath(day)
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, len(segmentMagic)+1)
	if _, err := io.ReadFull(f, header); err != nil {
		return 0, fmt.Errorf("%w: %s: short header", ErrCorruptSegment, path)
	}
	if string(header[:len(segmentMagic)]) != string(segmentMagic) {
		return 0, fmt.Errorf("%w: %s: bad magic", ErrCorruptSegment, path)
	}
	if header[len(segmentMagic)] != segmentVersion {
		return 0, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptSegment, path, header[len(segmentMagic)])
	}

	offset := int64(len(header))
	var lenBuf [4]byte
	count := 0
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, fs.truncateAt(path, offset)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxRecordLength {
			return count, fmt.Errorf("%w: %s: frame length %d", ErrCorruptSegment, path, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(f, buf); err != nil {
			return count, fs.truncateAt(path, offset)
		}
		var rec logproc.Record
		if err := json.Unmarshal(buf, &rec); err != nil {
			return count, fmt.Errorf("%w: %s: %v", ErrCorruptSegment, path, err)
		}
		fs.index[rec.InteractionID] = &rec
		offset += int64(4 + n)
		count++
	}
}

func (fs *FileStore) truncateAt(path string, offset int64) error {
	fs.logger.Printf("Truncating torn frame in %s at offset %d", path, offset)
	return os.Truncate(path, offset)
}

// segment returns the open append handle for the day, creating and
// headering the file on first use. Caller holds fs.mu.
func (fs *FileStore) segment(day string) (*os.File, error) {
	if f, ok := fs.segments[day]; ok {
		return f, nil
	}
	path := fs.segmentPath(day)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		header := append(append([]byte{}, segmentMagic...), segmentVersion)
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write segment header: %w", err)
		}
	}
	fs.segments[day] = f
	return f, nil
}

// Put upserts the record. Updates are re-appended to the segment of the
// record's start day; replay resolves to the last write.
func (fs *FileStore) Put(rec *logproc.Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.InteractionID, err)
	}
	if len(buf) > maxRecordLength {
		return fmt.Errorf("record %s exceeds frame limit", rec.InteractionID)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, err := fs.segment(dayKey(rec.StartTS))
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := f.Write(append(lenBuf[:], buf...)); err != nil {
		return fmt.Errorf("append record %s: %w", rec.InteractionID, err)
	}
	fs.index[rec.InteractionID] = rec.Clone()
	return nil
}

// Get returns one record or logproc.ErrNotFound.
func (fs *FileStore) Get(interactionID string) (*logproc.Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	rec, ok := fs.index[interactionID]
	if !ok {
		return nil, logproc.ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns matching records newest first, honoring Limit/Offset.
func (fs *FileStore) List(f logproc.Filter) ([]*logproc.Record, error) {
	fs.mu.RLock()
	var out []*logproc.Record
	for _, rec := range fs.index {
		if f.MCPID != "" && rec.MCPID != f.MCPID {
			continue
		}
		if f.ClientID != "" && rec.ClientID != f.ClientID {
			continue
		}
		out = append(out, rec.Clone())
	}
	fs.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTS.Equal(out[j].StartTS) {
			return out[i].StartTS.After(out[j].StartTS)
		}
		return out[i].InteractionID < out[j].InteractionID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Aggregate rolls up terminal records started at or after since.
func (fs *FileStore) Aggregate(mcpID string, since time.Time) (logproc.Aggregate, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var agg logproc.Aggregate
	var latencySum float64
	for _, rec := range fs.index {
		if mcpID != "" && rec.MCPID != mcpID {
			continue
		}
		if rec.StartTS.Before(since) || !rec.State.Terminal() {
			continue
		}
		lat := rec.LatencyMs()
		agg.Count++
		if rec.State == logproc.StateCompleted {
			agg.Success++
		} else {
			agg.Failure++
		}
		latencySum += lat
		if agg.Count == 1 || lat < agg.MinLatencyMs {
			agg.MinLatencyMs = lat
		}
		if lat > agg.MaxLatencyMs {
			agg.MaxLatencyMs = lat
		}
	}
	if agg.Count > 0 {
		agg.AvgLatencyMs = latencySum / float64(agg.Count)
	}
	return agg, nil
}

// DeleteOlderThan drops whole day segments that end before cutoff, along
// with their index entries. Retention is segment-granular: a day is only
// removed once every record in it is past the cutoff.
func (fs *FileStore) DeleteOlderThan(cutoff time.Time) (int, error) {
	lastExpiredDay := dayKey(cutoff.UTC().Add(-24 * time.Hour))

	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return 0, fmt.Errorf("list store dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
		if day > lastExpiredDay {
			continue
		}
		if f, ok := fs.segments[day]; ok {
			f.Close()
			delete(fs.segments, day)
		}
		if err := os.Remove(filepath.Join(fs.dir, name)); err != nil {
			return removed, fmt.Errorf("remove segment %s: %w", name, err)
		}
		for id, rec := range fs.index {
			if dayKey(rec.StartTS) == day {
				delete(fs.index, id)
				removed++
			}
		}
		fs.logger.Printf("Retention removed segment %s", name)
	}
	return removed, nil
}

// Close closes all open segment handles.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for day, f := range fs.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(fs.segments, day)
	}
	return firstErr
}
