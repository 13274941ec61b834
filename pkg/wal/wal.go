package wal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiandb/meridian/pkg/errdefs"
	"github.com/meridiandb/meridian/pkg/log"
)

// Config holds WAL settings.
type Config struct {
	Dir                   string `yaml:"wal_dir"`
	SegmentSizeMB         int    `yaml:"segment_size_mb"`
	MaxSegments           int    `yaml:"max_segments"`
	SyncIntervalMS        int    `yaml:"sync_interval_ms"`
	SyncOnWrite           bool   `yaml:"sync_on_write"`
	CompressionEnabled    bool   `yaml:"compression_enabled"`
	RotationCheckInterval int    `yaml:"rotation_check_interval"`
	RecoveryBatchSize     int    `yaml:"recovery_batch_size"`
}

// DefaultConfig returns the standard WAL settings.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                   dir,
		SegmentSizeMB:         64,
		MaxSegments:           100,
		SyncIntervalMS:        1000,
		SyncOnWrite:           false,
		CompressionEnabled:    true,
		RotationCheckInterval: 1000,
		RecoveryBatchSize:     1000,
	}
}

// Stats tracks WAL counters.
type Stats struct {
	EntriesWritten  uint64
	BytesWritten    uint64
	SegmentsCreated uint64
	SyncOperations  uint64
	WriteErrors     uint64
}

// WAL is a segment-structured write-ahead log. The active segment is written
// only by the WAL itself; readers open segments independently.
type WAL struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	segments map[int]*segment
	active   *segment
	seq      uint64
	nextID   int
	running  bool
	stats    Stats

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a WAL with cfg. Call Start before writing.
func New(cfg Config) *WAL {
	def := DefaultConfig(cfg.Dir)
	if cfg.SegmentSizeMB <= 0 {
		cfg.SegmentSizeMB = def.SegmentSizeMB
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = def.MaxSegments
	}
	if cfg.SyncIntervalMS <= 0 {
		cfg.SyncIntervalMS = def.SyncIntervalMS
	}
	if cfg.RotationCheckInterval <= 0 {
		cfg.RotationCheckInterval = def.RotationCheckInterval
	}
	if cfg.RecoveryBatchSize <= 0 {
		cfg.RecoveryBatchSize = def.RecoveryBatchSize
	}
	return &WAL{
		cfg:      cfg,
		logger:   log.WithComponent("wal"),
		segments: make(map[int]*segment),
	}
}

// Start loads existing segments, restores the sequence counter, opens the
// active segment, and launches the periodic flush task unless SyncOnWrite.
func (w *WAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return errdefs.WalIO(err)
	}

	if err := w.loadSegmentsLocked(); err != nil {
		return err
	}
	if w.active == nil {
		if err := w.createSegmentLocked(); err != nil {
			return err
		}
	}

	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	if !w.cfg.SyncOnWrite {
		go w.flushLoop(w.stopCh, w.doneCh)
	} else {
		close(w.doneCh)
	}

	w.logger.Info().Int("segments", len(w.segments)).Uint64("seq", w.seq).Msg("wal started")
	return nil
}

// Stop flushes and closes all segments.
func (w *WAL) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh

	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for _, seg := range w.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.logger.Info().Msg("wal stopped")
	return firstErr
}

func (w *WAL) flushLoop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(time.Duration(w.cfg.SyncIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Sync(); err != nil {
				w.logger.Error().Err(err).Msg("periodic sync failed")
			}
		case <-stopCh:
			return
		}
	}
}

func (w *WAL) loadSegmentsLocked() error {
	paths, err := filepath.Glob(filepath.Join(w.cfg.Dir, "wal-*.log"))
	if err != nil {
		return errdefs.WalIO(err)
	}
	sort.Strings(paths)

	maxID := -1
	for _, path := range paths {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "wal-"), ".log")
		id, err := strconv.Atoi(name)
		if err != nil {
			w.logger.Warn().Str("path", path).Msg("skipping unrecognized wal file")
			continue
		}

		seg := &segment{id: id, path: path}
		if info, err := os.Stat(path); err == nil {
			seg.size = info.Size()
		}

		// Scan the segment to restore sequence bounds. A truncated tail on
		// the last segment is tolerated; the scan simply stops there.
		entries, err := seg.readAll()
		if err != nil {
			w.logger.Warn().Err(err).Int("segment", id).Msg("error scanning segment")
		}
		for _, entry := range entries {
			if seg.firstSeq == 0 {
				seg.firstSeq = entry.Sequence
			}
			seg.lastSeq = entry.Sequence
			if entry.Sequence > w.seq {
				w.seq = entry.Sequence
			}
		}
		seg.entryCount = len(entries)
		seg.closed = true

		w.segments[id] = seg
		if id > maxID {
			maxID = id
		}
	}

	w.nextID = maxID + 1

	// Reopen the highest-id segment for appending.
	if maxID >= 0 {
		seg := w.segments[maxID]
		file, err := os.OpenFile(seg.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errdefs.WalIO(err)
		}
		seg.file = file
		seg.closed = false
		w.active = seg
	}
	return nil
}

func (w *WAL) createSegmentLocked() error {
	seg, err := openSegment(w.cfg.Dir, w.nextID)
	if err != nil {
		return err
	}
	w.nextID++
	w.segments[seg.id] = seg
	w.active = seg
	w.stats.SegmentsCreated++
	w.logger.Debug().Int("segment", seg.id).Msg("created wal segment")
	return nil
}

// WriteEntry appends an entry and returns its sequence number. The write has
// reached the active segment's buffer on return; durability requires
// SyncOnWrite or a subsequent Sync/periodic flush.
func (w *WAL) WriteEntry(entryType EntryType, key string, value []byte, txID string, meta map[string]interface{}) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return 0, errdefs.WalIO(fmt.Errorf("wal is not running"))
	}

	w.seq++
	entry := &Entry{
		Type:      entryType,
		Sequence:  w.seq,
		Timestamp: time.Now().UnixMicro(),
		Key:       key,
		TxID:      txID,
		Meta:      meta,
	}
	if value != nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			w.stats.WriteErrors++
			return 0, errdefs.WalIO(err)
		}
		entry.Value = encoded
	}

	encoded, err := entry.Encode()
	if err != nil {
		w.stats.WriteErrors++
		return 0, err
	}

	// Rotate ahead of the write when the active segment is full.
	if w.active.isFull(w.cfg.SegmentSizeMB) {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	if err := w.active.write(encoded, entry.Sequence); err != nil {
		w.stats.WriteErrors++
		// A failed active segment is replaced by a fresh one so the next
		// write can proceed.
		if rerr := w.rotateLocked(); rerr != nil {
			w.logger.Error().Err(rerr).Msg("rotation after write failure failed")
		}
		return 0, err
	}

	w.stats.EntriesWritten++
	w.stats.BytesWritten += uint64(len(encoded))

	if w.cfg.SyncOnWrite {
		if err := w.active.sync(); err != nil {
			return 0, err
		}
		w.stats.SyncOperations++
	} else if w.active.entryCount%w.cfg.RotationCheckInterval == 0 && w.active.isFull(w.cfg.SegmentSizeMB) {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	return entry.Sequence, nil
}

func (w *WAL) rotateLocked() error {
	if w.active != nil {
		if err := w.active.close(); err != nil {
			w.logger.Error().Err(err).Int("segment", w.active.id).Msg("closing segment failed")
		}
	}
	if err := w.createSegmentLocked(); err != nil {
		return err
	}
	w.cleanupLocked()
	return nil
}

func (w *WAL) cleanupLocked() {
	if len(w.segments) <= w.cfg.MaxSegments {
		return
	}
	ids := make([]int, 0, len(w.segments))
	for id := range w.segments {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids[:len(ids)-w.cfg.MaxSegments] {
		seg := w.segments[id]
		delete(w.segments, id)
		seg.close()
		if err := os.Remove(seg.path); err != nil {
			w.logger.Warn().Err(err).Int("segment", id).Msg("failed to remove old segment")
		}
	}
}

// Sync forces an fsync of the active segment.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return nil
	}
	if err := w.active.sync(); err != nil {
		return err
	}
	w.stats.SyncOperations++
	return nil
}

// ReadEntries returns entries with sequence in [fromSeq, toSeq] in sequence
// order across all segments. Zero bounds mean unbounded.
func (w *WAL) ReadEntries(fromSeq, toSeq uint64) (*Iterator, error) {
	w.mu.Lock()
	ids := make([]int, 0, len(w.segments))
	for id := range w.segments {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	segs := make([]*segment, len(ids))
	for i, id := range ids {
		segs[i] = w.segments[id]
	}
	w.mu.Unlock()

	return &Iterator{segments: segs, fromSeq: fromSeq, toSeq: toSeq}, nil
}

// Recover replays all entries through callback in batches of
// RecoveryBatchSize. A callback error aborts recovery.
func (w *WAL) Recover(callback func([]*Entry) error) (int, error) {
	it, err := w.ReadEntries(0, 0)
	if err != nil {
		return 0, err
	}

	recovered := 0
	batch := make([]*Entry, 0, w.cfg.RecoveryBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := callback(batch); err != nil {
			return err
		}
		recovered += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		batch = append(batch, entry)
		if len(batch) >= w.cfg.RecoveryBatchSize {
			if err := flush(); err != nil {
				return recovered, err
			}
		}
	}
	if err := flush(); err != nil {
		return recovered, err
	}

	w.logger.Info().Int("entries", recovered).Msg("wal recovery completed")
	return recovered, nil
}

// Checkpoint writes a CHECKPOINT entry recording seq.
func (w *WAL) Checkpoint(seq uint64) (uint64, error) {
	return w.WriteEntry(EntryCheckpoint, "", nil, "", map[string]interface{}{
		"checkpoint_sequence": seq,
	})
}

// TruncateBefore removes segments whose last sequence is below seq. The
// active segment is never removed, so entries older than seq can remain in
// it.
func (w *WAL) TruncateBefore(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var removed []int
	for id, seg := range w.segments {
		if seg == w.active {
			continue
		}
		if seg.lastSeq != 0 && seg.lastSeq < seq {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		seg := w.segments[id]
		delete(w.segments, id)
		seg.close()
		if err := os.Remove(seg.path); err != nil {
			w.logger.Warn().Err(err).Int("segment", id).Msg("failed to remove truncated segment")
		}
	}
	if len(removed) > 0 {
		w.logger.Debug().Ints("segments", removed).Msg("truncated wal segments")
	}
	return nil
}

// Stats returns a snapshot of WAL counters.
func (w *WAL) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Sequence returns the last issued sequence number.
func (w *WAL) Sequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Iterator is a lazy, finite, single-pass view over WAL entries in sequence
// order. Not safe for concurrent use.
type Iterator struct {
	segments []*segment
	fromSeq  uint64
	toSeq    uint64

	current []*Entry
	pos     int
	segPos  int
	done    bool
}

// Next returns the next entry, or false when iteration is finished.
func (it *Iterator) Next() (*Entry, bool) {
	for {
		if it.done {
			return nil, false
		}
		if it.pos < len(it.current) {
			entry := it.current[it.pos]
			it.pos++
			if it.fromSeq != 0 && entry.Sequence < it.fromSeq {
				continue
			}
			if it.toSeq != 0 && entry.Sequence > it.toSeq {
				it.done = true
				return nil, false
			}
			return entry, true
		}
		if it.segPos >= len(it.segments) {
			it.done = true
			return nil, false
		}
		entries, _ := it.segments[it.segPos].readAll()
		it.segPos++
		it.current = entries
		it.pos = 0
	}
}
