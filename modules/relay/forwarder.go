package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/fiberstack/fiber/pkg/model"
	"github.com/fiberstack/fiber/pkg/util"
	"github.com/fiberstack/fiber/pkg/util/log"
)

// Forwarder connectivity states. DEGRADED_FULL is reported by the relay when
// the buffer crosses its high-water mark; it is a property of the buffer, not
// of connectivity, so the forwarder itself only tracks these two.
const (
	StateForwarding = "FORWARDING"
	StateBuffering  = "BUFFERING"
	StateDegraded   = "DEGRADED_FULL"
)

var (
	metricForwardedSamples = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "relay_forwarded_samples_total",
		Help:      "Samples acknowledged by the central gateway.",
	})
	metricForwardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "relay_forward_failures_total",
		Help:      "Failed forward attempts.",
	})
	metricForwarderBuffering = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiber",
		Name:      "relay_forwarder_buffering",
		Help:      "1 while the forwarder considers central unreachable.",
	})
)

// Forwarder drains the durable buffer toward the central gateway,
// store-and-forward style. Replay after an outage is at-least-once: batch ids
// are derived deterministically from segment position so the central
// idempotency index and the storage unique key absorb duplicates.
type Forwarder struct {
	services.Service

	cfg    ForwardConfig
	region string
	secret string
	buffer *Buffer
	client *http.Client
	logger kitlog.Logger

	buffering atomic.Bool
	failures  int
	lastProbe time.Time
}

// NewForwarder builds the drain loop for a relay buffer.
func NewForwarder(cfg ForwardConfig, region, federationSecret string, buffer *Buffer) *Forwarder {
	f := &Forwarder{
		cfg:    cfg,
		region: region,
		secret: federationSecret,
		buffer: buffer,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: kitlog.With(log.Logger, "component", "relay-forwarder"),
	}
	f.Service = services.NewBasicService(nil, f.running, nil)
	return f
}

// State reports the forwarder's connectivity state.
func (f *Forwarder) State() string {
	if f.buffering.Load() {
		return StateBuffering
	}
	return StateForwarding
}

func (f *Forwarder) running(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if f.buffering.Load() {
			if time.Since(f.lastProbe) < f.cfg.ProbeInterval {
				continue
			}
			f.lastProbe = time.Now()
			if f.centralHealthy(ctx) {
				level.Info(f.logger).Log("msg", "central reachable again, resuming forwarding")
				f.buffering.Store(false)
				metricForwarderBuffering.Set(0)
				f.failures = 0
			}
			continue
		}

		if err := f.drainOnce(ctx); err != nil {
			metricForwardFailures.Inc()
			f.failures++
			level.Warn(f.logger).Log("msg", "forward attempt failed", "consecutive", f.failures, "err", err)
			if f.failures >= f.cfg.FailureThreshold {
				level.Warn(f.logger).Log("msg", "central unreachable, entering buffering mode")
				f.buffering.Store(true)
				metricForwarderBuffering.Set(1)
				f.lastProbe = time.Time{}
			}
			continue
		}
		f.failures = 0
	}
}

// drainOnce forwards the oldest segment chunk by chunk and acknowledges it.
// A transient failure leaves the segment in place; the rerun replays it from
// the start and central dedupes the chunks already taken.
func (f *Forwarder) drainOnce(ctx context.Context) error {
	id, envelopes, ok, err := f.buffer.NextSegment()
	if err != nil {
		return fmt.Errorf("reading buffer: %w", err)
	}
	if !ok {
		return nil
	}

	for chunkIdx, chunk := range f.chunks(envelopes) {
		batchID := fmt.Sprintf("relay-%s-%s-%d", f.region, strings.TrimSuffix(id, segmentSuffix), chunkIdx)
		if err := f.forwardChunk(ctx, batchID, chunk); err != nil {
			return err
		}
		metricForwardedSamples.Add(float64(len(chunk)))
	}
	if err := f.buffer.Ack(id); err != nil {
		return fmt.Errorf("acking segment: %w", err)
	}
	level.Info(f.logger).Log("msg", "segment forwarded", "segment", id, "samples", len(envelopes))
	return nil
}

// chunks splits a segment along the batch cardinality and byte limits.
func (f *Forwarder) chunks(envelopes []model.Envelope) [][]model.Envelope {
	var (
		out   [][]model.Envelope
		cur   []model.Envelope
		bytes int64
	)
	for _, e := range envelopes {
		if !e.IsSample() {
			continue
		}
		b, err := json.Marshal(e.Sample)
		if err != nil {
			continue
		}
		if len(cur) > 0 && (len(cur) >= f.cfg.BatchSize || bytes+int64(len(b)) > f.cfg.MaxBatchBytes) {
			out = append(out, cur)
			cur, bytes = nil, 0
		}
		cur = append(cur, e)
		bytes += int64(len(b))
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (f *Forwarder) forwardChunk(ctx context.Context, batchID string, chunk []model.Envelope) error {
	samples := make([]model.Sample, 0, len(chunk))
	for _, e := range chunk {
		samples = append(samples, e.Sample)
	}
	payload, err := json.Marshal(samples)
	if err != nil {
		return err
	}

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		MaxRetries: 3,
	})
	for boff.Ongoing() {
		status, err := f.post(ctx, batchID, chunk[0].Meta.TraceID, payload)
		switch {
		case err != nil:
			level.Warn(f.logger).Log("msg", "forward request error", "batch", batchID, "err", err)
		case status == http.StatusAccepted || status == http.StatusConflict:
			// 409 means central already holds this chunk from a previous
			// replay. Either way the chunk is done.
			return nil
		case status >= 500 || status == http.StatusTooManyRequests:
			level.Warn(f.logger).Log("msg", "central rejected chunk transiently", "batch", batchID, "status", status)
		default:
			// Permanent rejection. Samples passed relay validation but not
			// central's; retrying cannot help, so drop the chunk rather than
			// wedge the buffer behind it.
			level.Error(f.logger).Log("msg", "central rejected chunk permanently, dropping", "batch", batchID, "status", status, "samples", len(chunk))
			return nil
		}
		boff.Wait()
	}
	return fmt.Errorf("forwarding batch %s: %w", batchID, boff.Err())
}

func (f *Forwarder) post(ctx context.Context, batchID, traceID string, payload []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, f.cfg.CentralURL+"/ingest", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.secret)
	req.Header.Set("X-Batch-ID", batchID)
	req.Header.Set("X-Region-ID", f.region)
	if traceID != "" {
		req.Header.Set(util.TraceIDHeader, traceID)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (f *Forwarder) centralHealthy(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.cfg.CentralURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}
