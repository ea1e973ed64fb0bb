package retry

// Durable journal for the retry queue.
//
// Every queued payload is appended to a segment file before Add returns.
// The queue only ever removes payloads from its head, so the journal tracks
// a single checkpoint LSN: every record at or below it has left the queue.
// On open, records above the checkpoint are recovered in order.
//
// Record layout: [LSN(8) | len(4) | CBOR body(len) | CRC32C(4)]

import (
	"context"
	"encoding/binary"
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
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"

	"github.com/ashita-ai/kiroku/internal/delivery"
)

const (
	walMagic      = 0x4B52514C // "KRQL"
	walVersion    = 1
	walHeaderSize = 16 // magic(4) + version(2) + reserved(2) + baseLSN(8)
	walRecordHead = 12 // lsn(8) + len(4)
	walCRCSize    = 4
	walMaxRecord  = 16 << 20

	defaultSegmentSize    = 8 << 20
	defaultSegmentRecords = 1000
	defaultSyncInterval   = 100 * time.Millisecond
)

// Sync modes.
const (
	SyncFull  = "full"
	SyncBatch = "batch"
	SyncNone  = "none"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("retry: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("retry: CBOR decoder initialization failed: " + err.Error())
	}
}

// WALConfig configures the durable journal.
type WALConfig struct {
	Dir            string        // required
	SyncMode       string        // "full", "batch", "none". Default: "batch".
	SyncInterval   time.Duration // batch mode only. Default: 100ms.
	MaxSegmentSize int64         // bytes before rotation. Default: 8 MB.
	MaxSegmentRecs int           // records before rotation. Default: 1000.
}

type walBody struct {
	QueuedAt int64            `cbor:"1,keyasint"`
	Payload  delivery.Payload `cbor:"2,keyasint"`
}

type walRecord struct {
	lsn      uint64
	queuedAt time.Time
	payload  delivery.Payload
}

type checkpoint struct {
	LSN       uint64    `json:"lsn"`
	UpdatedAt time.Time `json:"updated_at"`
}

// wal is the append-only journal behind WALQueue.
type wal struct {
	dir      string
	syncMode string
	logger   *slog.Logger

	mu          sync.Mutex
	current     *os.File
	currentPath string
	segmentNum  uint64
	segmentSize int64
	segmentRecs int
	nextLSN     uint64
	committed   uint64

	maxSegSize int64
	maxSegRecs int

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

// openWAL opens the journal in cfg.Dir and returns it together with the
// records still pending from a previous run.
func openWAL(logger *slog.Logger, cfg WALConfig) (*wal, []walRecord, error) {
	if cfg.Dir == "" {
		return nil, nil, errors.New("retry: wal directory is required")
	}
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncBatch
	}
	switch cfg.SyncMode {
	case SyncFull, SyncBatch, SyncNone:
	default:
		return nil, nil, fmt.Errorf("retry: invalid sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegmentRecs <= 0 {
		cfg.MaxSegmentRecs = defaultSegmentRecords
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("retry: create wal directory: %w", err)
	}

	w := &wal{
		dir:        cfg.Dir,
		syncMode:   cfg.SyncMode,
		logger:     logger,
		maxSegSize: cfg.MaxSegmentSize,
		maxSegRecs: cfg.MaxSegmentRecs,
	}

	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, nil, err
	}
	w.committed = cp.LSN

	pending, highLSN, highSeg, err := w.recover(cp.LSN)
	if err != nil {
		return nil, nil, err
	}
	w.nextLSN = max(cp.LSN, highLSN) + 1
	w.segmentNum = highSeg + 1

	if err := w.rotateSegment(); err != nil {
		return nil, nil, fmt.Errorf("retry: open initial segment: %w", err)
	}

	if cfg.SyncMode == SyncBatch {
		ctx, cancel := context.WithCancel(context.Background())
		w.syncCancel = cancel
		w.syncDone = make(chan struct{})
		go w.syncLoop(ctx, cfg.SyncInterval)
	}
	return w, pending, nil
}

// append journals one payload and returns its LSN.
func (w *wal) append(queuedAt time.Time, payload delivery.Payload) (uint64, error) {
	body, err := cborEnc.Marshal(walBody{QueuedAt: queuedAt.UnixMilli(), Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("retry: encode record: %w", err)
	}
	if len(body) > walMaxRecord {
		return 0, fmt.Errorf("retry: record too large (%d bytes, max %d)", len(body), walMaxRecord)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := w.nextLSN
	var head [walRecordHead]byte
	binary.BigEndian.PutUint64(head[0:8], lsn)
	binary.BigEndian.PutUint32(head[8:12], uint32(len(body))) //nolint:gosec // bounded by walMaxRecord

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(body)
	var crcBuf [walCRCSize]byte
	binary.BigEndian.PutUint32(crcBuf[:], h.Sum32())

	for _, part := range [][]byte{head[:], body, crcBuf[:]} {
		if _, err := w.current.Write(part); err != nil {
			return 0, fmt.Errorf("retry: write record: %w", err)
		}
	}
	w.nextLSN++
	w.segmentSize += int64(walRecordHead + len(body) + walCRCSize)
	w.segmentRecs++

	if w.syncMode == SyncFull {
		if err := w.current.Sync(); err != nil {
			return 0, fmt.Errorf("retry: fsync: %w", err)
		}
	}
	if w.segmentSize >= w.maxSegSize || w.segmentRecs >= w.maxSegRecs {
		if err := w.rotateSegment(); err != nil {
			return 0, fmt.Errorf("retry: rotate segment: %w", err)
		}
	}
	return lsn, nil
}

// commit records that every LSN up to and including lsn has left the
// queue, then deletes fully committed segments.
func (w *wal) commit(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if lsn <= w.committed {
		return nil
	}
	if err := w.saveCheckpoint(checkpoint{LSN: lsn, UpdatedAt: time.Now().UTC()}); err != nil {
		return err
	}
	w.committed = lsn
	w.cleanupSegments(lsn)
	return nil
}

func (w *wal) close() error {
	if w.syncCancel != nil {
		w.syncCancel()
		<-w.syncDone
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	if err := w.current.Sync(); err != nil {
		w.logger.Warn("retry: final wal sync failed", "error", err)
	}
	err := w.current.Close()
	w.current = nil
	return err
}

func (w *wal) segmentCount() int {
	segs, _ := w.listSegments()
	return len(segs)
}

func (w *wal) segmentPath(num uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%09d.wal", num))
}

func (w *wal) checkpointPath() string {
	return filepath.Join(w.dir, "checkpoint.json")
}

func (w *wal) loadCheckpoint() (checkpoint, error) {
	data, err := os.ReadFile(w.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint{}, nil
	}
	if err != nil {
		return checkpoint{}, fmt.Errorf("retry: read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("retry: parse checkpoint: %w", err)
	}
	return cp, nil
}

func (w *wal) saveCheckpoint(cp checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("retry: marshal checkpoint: %w", err)
	}
	tmp := w.checkpointPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path is constructed from w.dir
	if err != nil {
		return fmt.Errorf("retry: write checkpoint tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("retry: write checkpoint tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("retry: sync checkpoint tmp: %w", err)
	}
	_ = f.Close()
	if err := os.Rename(tmp, w.checkpointPath()); err != nil {
		return fmt.Errorf("retry: rename checkpoint: %w", err)
	}
	return nil
}

// rotateSegment closes the current segment and opens the next one.
// Caller holds w.mu (or has exclusive access during open).
func (w *wal) rotateSegment() error {
	if w.current != nil {
		if err := w.current.Sync(); err != nil {
			w.logger.Warn("retry: sync before rotation failed", "error", err)
		}
		if err := w.current.Close(); err != nil {
			w.logger.Warn("retry: close before rotation failed", "error", err)
		}
	}

	path := w.segmentPath(w.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is constructed from w.dir
	if err != nil {
		return fmt.Errorf("retry: open segment %d: %w", w.segmentNum, err)
	}
	var hdr [walHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], walMagic)
	binary.BigEndian.PutUint16(hdr[4:6], walVersion)
	binary.BigEndian.PutUint64(hdr[8:16], w.nextLSN)
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("retry: write segment header: %w", err)
	}

	w.current = f
	w.currentPath = path
	w.segmentSize = walHeaderSize
	w.segmentRecs = 0
	w.segmentNum++
	return nil
}

func (w *wal) listSegments() ([]string, error) {
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
	sort.Strings(paths) // zero-padded names sort numerically
	return paths, nil
}

// recover reads every segment and returns the records above committed, the
// highest LSN seen and the highest segment number.
func (w *wal) recover(committed uint64) ([]walRecord, uint64, uint64, error) {
	segments, err := w.listSegments()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("retry: list segments: %w", err)
	}
	var (
		pending []walRecord
		highLSN uint64
		highSeg uint64
	)
	for _, seg := range segments {
		var num uint64
		if _, err := fmt.Sscanf(filepath.Base(seg), "%09d.wal", &num); err == nil && num > highSeg {
			highSeg = num
		}
		records, err := w.readSegment(seg)
		if err != nil {
			w.logger.Warn("retry: recovery: unreadable segment, skipping",
				"segment", seg, "error", err)
			continue
		}
		for _, r := range records {
			highLSN = max(highLSN, r.lsn)
			if r.lsn > committed {
				pending = append(pending, r)
			}
		}
	}
	return pending, highLSN, highSeg, nil
}

func (w *wal) readSegment(path string) ([]walRecord, error) {
	f, err := os.Open(path) //nolint:gosec // path is constructed from w.dir
	if err != nil {
		return nil, fmt.Errorf("retry: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var hdr [walHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("retry: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != walMagic {
		return nil, fmt.Errorf("retry: bad magic 0x%08X", magic)
	}
	if version := binary.BigEndian.Uint16(hdr[4:6]); version != walVersion {
		return nil, fmt.Errorf("retry: unsupported version %d", version)
	}

	var records []walRecord
	for {
		var head [walRecordHead]byte
		if _, err := io.ReadFull(f, head[:]); err != nil {
			break // end of segment or torn write
		}
		lsn := binary.BigEndian.Uint64(head[0:8])
		n := binary.BigEndian.Uint32(head[8:12])
		if n > walMaxRecord {
			w.logger.Warn("retry: corrupted record length, stopping segment read",
				"path", path, "lsn", lsn, "len", n)
			break
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(f, body); err != nil {
			break
		}
		var crcBuf [walCRCSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break
		}
		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(body)
		if h.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
			w.logger.Warn("retry: CRC mismatch, stopping segment read", "path", path, "lsn", lsn)
			break
		}
		var b walBody
		if err := cborDec.Unmarshal(body, &b); err != nil {
			w.logger.Warn("retry: corrupted record, stopping segment read",
				"path", path, "lsn", lsn, "error", err)
			break
		}
		records = append(records, walRecord{lsn: lsn, queuedAt: time.UnixMilli(b.QueuedAt), payload: b.Payload})
	}
	return records, nil
}

// cleanupSegments deletes closed segments whose records are all committed.
// Caller holds w.mu.
func (w *wal) cleanupSegments(committed uint64) {
	segments, err := w.listSegments()
	if err != nil {
		return
	}
	for _, seg := range segments {
		if seg == w.currentPath {
			continue
		}
		records, err := w.readSegment(seg)
		if err != nil {
			continue
		}
		if len(records) > 0 && records[len(records)-1].lsn > committed {
			continue
		}
		if err := os.Remove(seg); err != nil {
			w.logger.Warn("retry: failed to delete committed segment", "path", seg, "error", err)
		}
	}
}

func (w *wal) syncLoop(ctx context.Context, interval time.Duration) {
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
					w.logger.Warn("retry: batch sync failed", "error", err)
				}
			}
			w.mu.Unlock()
		}
	}
}
