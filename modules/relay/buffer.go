package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fiberstack/fiber/pkg/model"
	"github.com/fiberstack/fiber/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricBufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiber",
		Name:      "relay_buffer_bytes",
		Help:      "Bytes held in the relay's durable buffer.",
	})
	metricBufferDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "relay_buffer_dropped_segments_total",
		Help:      "Segments evicted oldest-first to honor the buffer quota.",
	})
)

const segmentSuffix = ".seg"

// Buffer is the relay's durable store-and-forward log: an append-only
// sequence of segment files of length-prefixed JSON envelope records. It
// survives process restart; forwarded segments are removed only after the
// central gateway acknowledged them. Reads are non-destructive until Ack.
type Buffer struct {
	mtx sync.Mutex

	dir        string
	segMaxSize int64
	maxBytes   int64
	maxAge     time.Duration

	active     *os.File
	activePath string
	activeSize int64

	sealed     []string // oldest first
	totalBytes int64
}

// OpenBuffer scans dir and resumes an existing log.
func OpenBuffer(dir string, segMaxSize, maxBytes int64, maxAge time.Duration) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating buffer dir: %w", err)
	}
	b := &Buffer{dir: dir, segMaxSize: segMaxSize, maxBytes: maxBytes, maxAge: maxAge}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		b.sealed = append(b.sealed, e.Name())
		b.totalBytes += info.Size()
	}
	sort.Strings(b.sealed)
	metricBufferBytes.Set(float64(b.totalBytes))
	return b, nil
}

// Append writes envelopes as one durable record group. The write is synced
// before returning; the quota is enforced by evicting whole segments oldest
// first.
func (b *Buffer) Append(envelopes []model.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if err := b.ensureActive(); err != nil {
		return err
	}
	var lenBuf [4]byte
	for _, e := range envelopes {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		if _, err := b.active.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("buffer append: %w", err)
		}
		if _, err := b.active.Write(payload); err != nil {
			return fmt.Errorf("buffer append: %w", err)
		}
		b.activeSize += int64(len(payload)) + 4
		b.totalBytes += int64(len(payload)) + 4
	}
	if err := b.active.Sync(); err != nil {
		return fmt.Errorf("buffer sync: %w", err)
	}
	if b.activeSize >= b.segMaxSize {
		if err := b.sealActiveLocked(); err != nil {
			return err
		}
	}
	b.enforceQuotaLocked()
	metricBufferBytes.Set(float64(b.totalBytes))
	return nil
}

func (b *Buffer) ensureActive() error {
	if b.active != nil {
		return nil
	}
	name := fmt.Sprintf("%020d%s", time.Now().UnixNano(), segmentSuffix)
	f, err := os.OpenFile(filepath.Join(b.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("creating segment: %w", err)
	}
	b.active, b.activePath, b.activeSize = f, name, 0
	return nil
}

func (b *Buffer) sealActiveLocked() error {
	if b.active == nil {
		return nil
	}
	if err := b.active.Close(); err != nil {
		return err
	}
	b.sealed = append(b.sealed, b.activePath)
	b.active, b.activePath, b.activeSize = nil, "", 0
	return nil
}

// enforceQuotaLocked drops the oldest sealed segments when the byte quota or
// the age bound is exceeded. The active segment is never dropped.
func (b *Buffer) enforceQuotaLocked() {
	cutoff := time.Now().Add(-b.maxAge).UnixNano()
	for len(b.sealed) > 0 {
		overQuota := b.maxBytes > 0 && b.totalBytes > b.maxBytes
		tooOld := segmentBirth(b.sealed[0]) < cutoff
		if !overQuota && !tooOld {
			return
		}
		path := filepath.Join(b.dir, b.sealed[0])
		info, err := os.Stat(path)
		if err == nil {
			b.totalBytes -= info.Size()
		}
		if err := os.Remove(path); err != nil {
			level.Error(log.Logger).Log("msg", "failed to evict buffer segment", "segment", b.sealed[0], "err", err)
			return
		}
		level.Warn(log.Logger).Log("msg", "evicted buffer segment", "segment", b.sealed[0], "over_quota", overQuota, "too_old", tooOld)
		metricBufferDropped.Inc()
		b.sealed = b.sealed[1:]
	}
}

func segmentBirth(name string) int64 {
	n, err := strconv.ParseInt(strings.TrimSuffix(name, segmentSuffix), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// NextSegment returns the oldest segment and its decoded envelopes without
// removing it. When only the active segment holds data it is sealed first so
// it becomes readable. Returns ok=false when the buffer is empty.
func (b *Buffer) NextSegment() (id string, envelopes []model.Envelope, ok bool, err error) {
	b.mtx.Lock()
	if len(b.sealed) == 0 {
		if b.activeSize == 0 {
			b.mtx.Unlock()
			return "", nil, false, nil
		}
		if err := b.sealActiveLocked(); err != nil {
			b.mtx.Unlock()
			return "", nil, false, err
		}
	}
	id = b.sealed[0]
	b.mtx.Unlock()

	envelopes, err = b.readSegment(id)
	if err != nil {
		return "", nil, false, err
	}
	return id, envelopes, true, nil
}

// readSegment decodes a whole segment, stopping at the first torn record
// (partial trailing write after a crash).
func (b *Buffer) readSegment(id string) ([]model.Envelope, error) {
	f, err := os.Open(filepath.Join(b.dir, id))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.Envelope
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			break
		}
		payload := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(f, payload); err != nil {
			level.Warn(log.Logger).Log("msg", "torn record at segment tail", "segment", id)
			break
		}
		var e model.Envelope
		if err := json.Unmarshal(payload, &e); err != nil {
			level.Warn(log.Logger).Log("msg", "skipping corrupt buffer record", "segment", id, "err", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Ack removes a fully forwarded segment.
func (b *Buffer) Ack(id string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if len(b.sealed) == 0 || b.sealed[0] != id {
		return fmt.Errorf("segment %s is not the buffer head", id)
	}
	path := filepath.Join(b.dir, id)
	info, err := os.Stat(path)
	if err == nil {
		b.totalBytes -= info.Size()
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing segment: %w", err)
	}
	b.sealed = b.sealed[1:]
	metricBufferBytes.Set(float64(b.totalBytes))
	return nil
}

// Bytes returns the current buffer footprint.
func (b *Buffer) Bytes() int64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.totalBytes
}

// Close seals and closes the active segment.
func (b *Buffer) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.sealActiveLocked()
}
