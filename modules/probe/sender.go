package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/fiberstack/fiber/pkg/model"
	"github.com/fiberstack/fiber/pkg/util"
	"github.com/fiberstack/fiber/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "probe_sent_total",
		Help:      "Samples delivered to an ingest endpoint.",
	}, []string{"route"})
	metricSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "probe_send_failures_total",
		Help:      "Sends that exhausted their retries.",
	})
)

// Sender delivers samples to the ingest tier through the failover selector,
// behind a circuit breaker so a dead endpoint is not hammered every minute.
type Sender struct {
	cfg      Config
	failover *Failover
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   kitlog.Logger
}

// NewSender builds a sender for the configured endpoints.
func NewSender(cfg Config, failover *Failover) *Sender {
	logger := kitlog.With(log.Logger, "component", "probe-sender")
	return &Sender{
		cfg:      cfg,
		failover: failover,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "probe-send",
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				level.Warn(logger).Log("msg", "circuit breaker state change", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// SendSample delivers one sample to /push, retrying with exponential backoff
// before giving up so the caller can buffer it.
func (s *Sender) SendSample(ctx context.Context, sample model.Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	if err := s.attempt(ctx, "/push", payload, nil); err != nil {
		metricSendFailures.Inc()
		return err
	}
	metricSent.WithLabelValues("push").Inc()
	return nil
}

// SendBatch delivers buffered samples to /ingest under one idempotency id. A
// 409 means a previous attempt already landed; that counts as delivered.
func (s *Sender) SendBatch(ctx context.Context, batchID string, samples []model.Sample) error {
	payload, err := json.Marshal(samples)
	if err != nil {
		return err
	}
	headers := map[string]string{"X-Batch-ID": batchID}
	if err := s.attempt(ctx, "/ingest", payload, headers); err != nil {
		metricSendFailures.Inc()
		return err
	}
	metricSent.WithLabelValues("ingest").Add(float64(len(samples)))
	return nil
}

func (s *Sender) attempt(ctx context.Context, path string, payload []byte, headers map[string]string) error {
	base := s.cfg.RetryBackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: base,
		MaxBackoff: 4 * base,
		MaxRetries: s.cfg.SendRetries,
	})
	var lastErr error
	for boff.Ongoing() {
		endpoint := s.failover.Endpoint()
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.post(ctx, endpoint+path, payload, headers)
		})
		if err == nil {
			s.failover.RecordSuccess(endpoint)
			return nil
		}
		lastErr = err
		if err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
			s.failover.RecordFailure(endpoint)
		}
		level.Warn(s.logger).Log("msg", "send failed", "endpoint", endpoint, "path", path, "err", err)
		boff.Wait()
	}
	return fmt.Errorf("send exhausted retries: %w", lastErr)
}

func (s *Sender) post(ctx context.Context, url string, payload []byte, headers map[string]string) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set(util.TraceIDHeader, util.GenerateTraceID())
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusAccepted, resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
}
