// This file implements the write-ahead log that makes buffered step
// events survive a crash.
//
// Pipeline:
//
//	engine → Append() → WAL (disk) → in-memory buffer → flush() → storage → WAL checkpoint
//
// Every event hits disk before it is queued in memory. After a batch is
// confirmed in storage the checkpoint advances and fully flushed segment
// files are reclaimed. On startup the buffer reads un-flushed records
// back into memory before the server accepts traffic, so a crash costs
// at most the events written since the last sync.

package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/telemetry"
)

// Segment file format constants.
const (
	walMagic      = 0x444B454C // "DKEL", daiku event log
	walVersion    = 1
	walHeaderSize = 16 // magic(4) + version(2) + reserved(2) + baseLSN(8)
	walRecordHead = 12 // lsn(8) + payloadLen(4)
	walCRCSize    = 4
	walMaxPayload = 1 << 20 // step events are small; anything larger is corruption

	defaultSegmentSize    = 64 << 20
	defaultSegmentRecords = 100_000
	minSegmentSize        = 1 << 20
	minSegmentRecords     = 100

	defaultSyncInterval = 10 * time.Millisecond
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// WALConfig holds configuration for the write-ahead log.
type WALConfig struct {
	Dir            string        // directory for segment files; empty disables the WAL
	SyncMode       string        // "full", "batch", or "none"; default "batch"
	SyncInterval   time.Duration // fsync cadence in batch mode; default 10ms
	MaxSegmentSize int64         // bytes before segment rotation; default 64 MB
	MaxSegmentRecs int           // records before segment rotation; default 100K
}

// WAL is a crash-durability log for step events. Records are appended to
// numbered segment files; a checkpoint file tracks the last position
// confirmed flushed to storage.
type WAL struct {
	dir      string
	syncMode string

	mu          sync.Mutex // guards segment writes
	current     *os.File
	segmentNum  uint64
	segmentSize int64
	segmentRecs int
	nextLSN     atomic.Uint64

	maxSegSize int64
	maxSegRecs int

	logger *slog.Logger

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// walCheckpoint tracks the last flushed position.
type walCheckpoint struct {
	FlushedLSN uint64    `json:"flushed_lsn"`
	FlushedAt  time.Time `json:"flushed_at"`
	Segment    uint64    `json:"segment"`
}

// NewWAL opens (or creates) a WAL in cfg.Dir. Returns (nil, nil) when
// cfg.Dir is empty, which disables the log entirely.
func NewWAL(cfg WALConfig, logger *slog.Logger) (*WAL, error) {
	if cfg.Dir == "" {
		return nil, nil
	}

	if cfg.SyncMode == "" {
		cfg.SyncMode = "batch"
	}
	switch cfg.SyncMode {
	case "full", "batch", "none":
	default:
		return nil, fmt.Errorf("wal: invalid sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegmentSize < minSegmentSize {
		return nil, fmt.Errorf("wal: segment size %d too small (min %d)", cfg.MaxSegmentSize, minSegmentSize)
	}
	if cfg.MaxSegmentRecs <= 0 {
		cfg.MaxSegmentRecs = defaultSegmentRecords
	}
	if cfg.MaxSegmentRecs < minSegmentRecords {
		return nil, fmt.Errorf("wal: segment records %d too small (min %d)", cfg.MaxSegmentRecs, minSegmentRecords)
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	// Fail at startup rather than on the first append if the directory
	// is not writable.
	probe := filepath.Join(cfg.Dir, ".wal_probe")
	f, err := os.Create(probe) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("wal: directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	w := &WAL{
		dir:        cfg.Dir,
		syncMode:   cfg.SyncMode,
		maxSegSize: cfg.MaxSegmentSize,
		maxSegRecs: cfg.MaxSegmentRecs,
		logger:     logger,
	}

	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("wal: load checkpoint: %w", err)
	}
	w.nextLSN.Store(cp.FlushedLSN + 1)

	highSeg, err := w.highestSegment()
	if err != nil {
		return nil, fmt.Errorf("wal: scan segments: %w", err)
	}
	if highSeg > 0 {
		// Un-flushed records may hold LSNs past the checkpoint; never
		// reuse those or recovery would see duplicates as distinct.
		if _, highLSN, rerr := w.readSegment(w.segmentPath(highSeg)); rerr == nil && highLSN >= w.nextLSN.Load() {
			w.nextLSN.Store(highLSN + 1)
		}
		w.segmentNum = highSeg + 1
	} else {
		w.segmentNum = cp.Segment + 1
	}

	if err := w.rotateSegment(); err != nil {
		return nil, fmt.Errorf("wal: open initial segment: %w", err)
	}

	if cfg.SyncMode == "none" {
		logger.Warn("wal: sync mode is 'none'; events may be lost on crash (use 'batch' or 'full' in production)")
	}

	if cfg.SyncMode == "batch" {
		ctx, cancel := context.WithCancel(context.Background())
		w.syncCancel = cancel
		w.syncDone = make(chan struct{})
		go w.syncLoop(ctx, cfg.SyncInterval)
	}

	w.registerMetrics()
	return w, nil
}

// Write appends events to the log. In "full" sync mode the segment is
// synced before returning; in "batch" and "none" modes writes land in
// the OS page cache.
func (w *WAL) Write(events []model.StepEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range events {
		payload, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("wal: marshal event: %w", err)
		}
		if len(payload) > walMaxPayload {
			return fmt.Errorf("wal: event payload too large (%d bytes, max %d)", len(payload), walMaxPayload)
		}

		lsn := w.nextLSN.Add(1) - 1

		// Record layout: [LSN(8) | payloadLen(4) | payload(N) | CRC32C(4)]
		var head [walRecordHead]byte
		binary.BigEndian.PutUint64(head[0:8], lsn)
		binary.BigEndian.PutUint32(head[8:12], uint32(len(payload))) //nolint:gosec // bounded by walMaxPayload above

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)

		var crcBuf [walCRCSize]byte
		binary.BigEndian.PutUint32(crcBuf[:], h.Sum32())

		if _, err := w.current.Write(head[:]); err != nil {
			return fmt.Errorf("wal: write record head: %w", err)
		}
		if _, err := w.current.Write(payload); err != nil {
			return fmt.Errorf("wal: write payload: %w", err)
		}
		if _, err := w.current.Write(crcBuf[:]); err != nil {
			return fmt.Errorf("wal: write crc: %w", err)
		}

		w.segmentSize += int64(walRecordHead + len(payload) + walCRCSize)
		w.segmentRecs++

		if w.segmentSize >= w.maxSegSize || w.segmentRecs >= w.maxSegRecs {
			if err := w.rotateSegment(); err != nil {
				return fmt.Errorf("wal: rotate segment: %w", err)
			}
		}
	}

	if w.syncMode == "full" {
		if err := w.current.Sync(); err != nil {
			return fmt.Errorf("wal: fsync: %w", err)
		}
	}

	return nil
}

// Checkpoint advances the flushed position by flushed records and
// reclaims segments whose records all lie behind it. Call after a batch
// is confirmed in storage. Records are written and flushed in the same
// order, so a count is enough to locate the new position.
func (w *WAL) Checkpoint(flushed int) error {
	if flushed <= 0 {
		return nil
	}

	cp, err := w.loadCheckpoint()
	if err != nil {
		return fmt.Errorf("wal: load checkpoint for advance: %w", err)
	}

	newCP := walCheckpoint{
		FlushedLSN: cp.FlushedLSN + uint64(flushed),
		FlushedAt:  time.Now().UTC(),
		Segment:    w.segmentNum,
	}
	if err := w.saveCheckpoint(newCP); err != nil {
		return err
	}

	return w.cleanupSegments(newCP.FlushedLSN)
}

// Recover returns events that were written to the log but never
// confirmed flushed, in write order. The storage layer dedupes on
// (session, seq), so replaying an already-flushed record is harmless.
func (w *WAL) Recover() ([]model.StepEvent, error) {
	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("wal: load checkpoint for recovery: %w", err)
	}

	segments, err := w.listSegments()
	if err != nil {
		return nil, fmt.Errorf("wal: list segments for recovery: %w", err)
	}

	var recovered []model.StepEvent
	for _, seg := range segments {
		records, _, err := w.readSegment(seg)
		if err != nil {
			w.logger.Warn("wal: recovery stopped at unreadable segment",
				"segment", seg, "error", err, "recovered_so_far", len(recovered))
			break
		}
		for _, rec := range records {
			if rec.lsn > cp.FlushedLSN {
				recovered = append(recovered, rec.event)
			}
		}
	}

	return recovered, nil
}

// Close stops the batch sync goroutine, syncs the current segment, and
// closes it. Safe to call more than once.
func (w *WAL) Close() error {
	if w.syncCancel != nil {
		w.syncCancel()
		<-w.syncDone
		w.syncCancel = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return nil
	}
	if err := w.current.Sync(); err != nil {
		w.logger.Warn("wal: final sync failed", "error", err)
	}
	err := w.current.Close()
	w.current = nil
	return err
}

// PendingBytes returns the approximate on-disk size of un-reclaimed
// segment files.
func (w *WAL) PendingBytes() int64 {
	segments, err := w.listSegments()
	if err != nil {
		return 0
	}
	var total int64
	for _, seg := range segments {
		if info, err := os.Stat(seg); err == nil {
			total += info.Size()
		}
	}
	return total
}

// SegmentCount returns the number of segment files on disk.
func (w *WAL) SegmentCount() int {
	segs, _ := w.listSegments()
	return len(segs)
}

// --- Internal methods ---

type walRecord struct {
	lsn   uint64
	event model.StepEvent
}

func (w *WAL) segmentPath(num uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%09d.wal", num))
}

func (w *WAL) checkpointPath() string {
	return filepath.Join(w.dir, "checkpoint.json")
}

func (w *WAL) loadCheckpoint() (walCheckpoint, error) {
	data, err := os.ReadFile(w.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return walCheckpoint{}, nil
	}
	if err != nil {
		return walCheckpoint{}, fmt.Errorf("wal: read checkpoint: %w", err)
	}
	var cp walCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return walCheckpoint{}, fmt.Errorf("wal: parse checkpoint: %w", err)
	}
	return cp, nil
}

func (w *WAL) saveCheckpoint(cp walCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("wal: marshal checkpoint: %w", err)
	}

	// Write-sync-rename so a crash mid-save leaves the old checkpoint
	// intact.
	tmp := w.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("wal: write checkpoint tmp: %w", err)
	}
	f, err := os.Open(tmp) //nolint:gosec // path is under w.dir
	if err != nil {
		return fmt.Errorf("wal: open checkpoint tmp for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: sync checkpoint tmp: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, w.checkpointPath()); err != nil {
		return fmt.Errorf("wal: rename checkpoint: %w", err)
	}
	return nil
}

func (w *WAL) rotateSegment() error {
	if w.current != nil {
		if err := w.current.Sync(); err != nil {
			w.logger.Warn("wal: sync before rotation failed", "error", err)
		}
		if err := w.current.Close(); err != nil {
			w.logger.Warn("wal: close before rotation failed", "error", err)
		}
	}

	path := w.segmentPath(w.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is under w.dir
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", w.segmentNum, err)
	}

	baseLSN := w.nextLSN.Load()
	var hdr [walHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], walMagic)
	binary.BigEndian.PutUint16(hdr[4:6], walVersion)
	// hdr[6:8] reserved = 0
	binary.BigEndian.PutUint64(hdr[8:16], baseLSN)

	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: write segment header: %w", err)
	}

	w.current = f
	w.segmentSize = walHeaderSize
	w.segmentRecs = 0
	w.segmentNum++
	return nil
}

func (w *WAL) listSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".wal") {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(paths) // zero-padded names, so lexicographic = numeric
	return paths, nil
}

func (w *WAL) highestSegment() (uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var highest uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".wal") {
			continue
		}
		var num uint64
		if _, err := fmt.Sscanf(name, "%09d.wal", &num); err == nil && num > highest {
			highest = num
		}
	}
	return highest, nil
}

// readSegment reads records until EOF or the first sign of corruption.
// A truncated or corrupted record ends the segment silently; everything
// before it is returned.
func (w *WAL) readSegment(path string) ([]walRecord, uint64, error) {
	f, err := os.Open(path) //nolint:gosec // path is under w.dir
	if err != nil {
		return nil, 0, fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var hdr [walHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("wal: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != walMagic {
		return nil, 0, fmt.Errorf("wal: bad magic 0x%08X (expected 0x%08X)", magic, walMagic)
	}
	if version := binary.BigEndian.Uint16(hdr[4:6]); version != walVersion {
		return nil, 0, fmt.Errorf("wal: unsupported version %d", version)
	}

	var records []walRecord
	var highLSN uint64

	for {
		var head [walRecordHead]byte
		_, err := io.ReadFull(f, head[:])
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return records, highLSN, fmt.Errorf("wal: read record head: %w", err)
		}

		lsn := binary.BigEndian.Uint64(head[0:8])
		payloadLen := binary.BigEndian.Uint32(head[8:12])

		if payloadLen > walMaxPayload {
			w.logger.Warn("wal: corrupted payload length, stopping segment read",
				"path", path, "lsn", lsn, "payload_len", payloadLen)
			break
		}

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break // truncated record
		}

		var crcBuf [walCRCSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break // truncated CRC
		}

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if expected, actual := h.Sum32(), binary.BigEndian.Uint32(crcBuf[:]); expected != actual {
			w.logger.Warn("wal: CRC mismatch, stopping segment read",
				"path", path, "lsn", lsn, "expected_crc", expected, "actual_crc", actual)
			break
		}

		var event model.StepEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			w.logger.Warn("wal: corrupted event JSON, stopping segment read",
				"path", path, "lsn", lsn, "error", err)
			break
		}

		records = append(records, walRecord{lsn: lsn, event: event})
		if lsn > highLSN {
			highLSN = lsn
		}
	}

	return records, highLSN, nil
}

func (w *WAL) cleanupSegments(flushedLSN uint64) error {
	segments, err := w.listSegments()
	if err != nil {
		return err
	}

	w.mu.Lock()
	active := w.segmentPath(w.segmentNum - 1)
	w.mu.Unlock()

	for _, seg := range segments {
		if seg == active {
			// Never unlink the open segment; records appended after
			// this checkpoint would vanish from recovery.
			continue
		}
		_, highLSN, err := w.readSegment(seg)
		if err != nil {
			continue // skip unreadable segments
		}
		if highLSN > 0 && highLSN <= flushedLSN {
			if err := os.Remove(seg); err != nil {
				w.logger.Warn("wal: failed to delete flushed segment", "path", seg, "error", err)
			}
		}
	}
	return nil
}

func (w *WAL) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(w.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.current != nil {
				if err := w.current.Sync(); err != nil {
					w.logger.Warn("wal: batch sync failed", "error", err)
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *WAL) registerMetrics() {
	meter := telemetry.Meter("daiku/wal")

	_, _ = meter.Int64ObservableGauge("daiku.wal.segment_count",
		metric.WithDescription("Current number of WAL segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.SegmentCount()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("daiku.wal.pending_bytes",
		metric.WithDescription("Approximate bytes in un-reclaimed WAL segments"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.PendingBytes())
			return nil
		}),
	)
}
