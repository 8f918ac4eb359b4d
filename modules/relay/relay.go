// Package relay implements the regional federation tier. It accepts the same
// ingest surface as the central gateway but commits to a durable on-disk
// buffer instead of the queue; a forwarder drains the buffer toward central
// and survives central outages by buffering.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/fiberstack/fiber/pkg/auth"
	"github.com/fiberstack/fiber/pkg/model"
	"github.com/fiberstack/fiber/pkg/ratelimit"
	"github.com/fiberstack/fiber/pkg/util"
	"github.com/fiberstack/fiber/pkg/util/log"
)

var (
	metricRelayAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "relay_samples_accepted_total",
		Help:      "Samples committed to the relay buffer.",
	}, []string{"route"})
	metricRelayRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "relay_rejected_total",
		Help:      "Requests rejected before buffering.",
	}, []string{"route", "reason"})
)

// Relay accepts pushes and batches for one region and forwards them to the
// central gateway through a durable buffer.
type Relay struct {
	services.Service

	cfg       Config
	buffer    *Buffer
	forwarder *Forwarder
	verifier  *auth.Verifier
	logger    kitlog.Logger

	pushLimit   *ratelimit.Limiter
	ingestLimit *ratelimit.Limiter

	// full latches when the buffer crosses the high-water mark and releases
	// at the low-water mark, so the state does not flap at the boundary.
	full atomic.Bool

	now func() time.Time
}

// New builds a Relay with its buffer and forwarder. limiterBackend may be
// nil, forcing local-only rate limiting.
func New(cfg Config, verifier *auth.Verifier, limiterBackend redis.UniversalClient) (*Relay, error) {
	buffer, err := OpenBuffer(cfg.Buffer.Dir, cfg.Buffer.SegmentMaxSize, cfg.Buffer.MaxBytes, cfg.Buffer.MaxAge)
	if err != nil {
		return nil, fmt.Errorf("opening relay buffer: %w", err)
	}
	r := &Relay{
		cfg:       cfg,
		buffer:    buffer,
		forwarder: NewForwarder(cfg.Forward, cfg.Region, cfg.Auth.FederationSecret, buffer),
		verifier:  verifier,
		logger:    kitlog.With(log.Logger, "component", "relay"),
		now:       time.Now,
	}
	r.pushLimit = ratelimit.New(cfg.PushLimit, limiterBackend)
	r.ingestLimit = ratelimit.New(cfg.IngestLimit, limiterBackend)

	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)
	return r, nil
}

func (r *Relay) starting(ctx context.Context) error {
	return services.StartAndAwaitRunning(ctx, r.forwarder.Service)
}

func (r *Relay) running(ctx context.Context) error {
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()
	for {
		select {
		case <-prune.C:
			r.pushLimit.PruneLocal(10 * time.Minute)
			r.ingestLimit.PruneLocal(10 * time.Minute)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) stopping(_ error) error {
	err := services.StopAndAwaitTerminated(context.Background(), r.forwarder.Service)
	if cerr := r.buffer.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// State reports the relay's public state: DEGRADED_FULL dominates, then the
// forwarder's connectivity state.
func (r *Relay) State() string {
	if r.full.Load() {
		return StateDegraded
	}
	return r.forwarder.State()
}

// RegisterRoutes attaches the relay's HTTP surface to the router.
func (r *Relay) RegisterRoutes(router *mux.Router) {
	router.Handle("/push", r.traced(r.handlePush)).Methods(http.MethodPost)
	router.Handle("/ingest", r.traced(r.handleIngest)).Methods(http.MethodPost)
	router.Handle("/status", r.traced(r.handleStatus)).Methods(http.MethodGet)
	router.Handle("/federation/status", r.traced(r.handleFederationStatus)).Methods(http.MethodGet)
}

type tracedHandler func(w http.ResponseWriter, req *http.Request, traceID string)

func (r *Relay) traced(h tracedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		traceID := util.ExtractTraceID(req)
		w.Header().Set(util.TraceIDHeader, traceID)
		h(w, req, traceID)
	})
}

func (r *Relay) authenticate(req *http.Request) (auth.Identity, int, string) {
	id, err := r.verifier.Verify(req.Context(), auth.BearerFromHeader(req.Header.Get("Authorization")))
	switch {
	case err == nil:
		return id, 0, ""
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrRevoked):
		return auth.Identity{}, http.StatusUnauthorized, util.CodeInvalidToken
	default:
		level.Warn(r.logger).Log("msg", "auth backend unavailable, failing closed", "err", err)
		return auth.Identity{}, http.StatusServiceUnavailable, util.CodeUnavailable
	}
}

func (r *Relay) rateLimit(w http.ResponseWriter, req *http.Request, l *ratelimit.Limiter, key, route string) bool {
	d := l.Allow(req.Context(), key, 1)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(d.Remaining)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		metricRelayRejected.WithLabelValues(route, "rate_limited").Inc()
		retry := int64(1)
		if d.RetryAfter > 0 {
			retry = int64(math.Ceil(d.RetryAfter.Seconds()))
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		util.WriteError(w, http.StatusTooManyRequests, util.CodeRateLimited, "rate limit exceeded")
		return false
	}
	return true
}

// admit applies the high/low-water latch and rejects while the buffer is
// saturated. Forwarding continues in that state; only intake stops.
func (r *Relay) admit(w http.ResponseWriter, route string) bool {
	bytes := r.buffer.Bytes()
	high := int64(float64(r.cfg.Buffer.MaxBytes) * r.cfg.Buffer.HighWater)
	low := int64(float64(r.cfg.Buffer.MaxBytes) * r.cfg.Buffer.LowWater)
	if r.full.Load() {
		if bytes <= low {
			level.Info(r.logger).Log("msg", "buffer drained below low water, accepting again", "bytes", bytes)
			r.full.Store(false)
		}
	} else if bytes >= high {
		level.Warn(r.logger).Log("msg", "buffer crossed high water, rejecting intake", "bytes", bytes)
		r.full.Store(true)
	}
	if r.full.Load() {
		metricRelayRejected.WithLabelValues(route, "buffer_full").Inc()
		w.Header().Set("Retry-After", "30")
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeBufferFull, "relay buffer is full")
		return false
	}
	return true
}

func (r *Relay) handlePush(w http.ResponseWriter, req *http.Request, traceID string) {
	logger := log.WithTraceID(r.logger, traceID)

	id, status, code := r.authenticate(req)
	if status != 0 {
		metricRelayRejected.WithLabelValues("push", "auth").Inc()
		util.WriteError(w, status, code, "")
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, model.MaxSampleBytes)
	var sample model.Sample
	if err := json.NewDecoder(req.Body).Decode(&sample); err != nil {
		if util.IsRequestBodyTooLarge(err) {
			metricRelayRejected.WithLabelValues("push", "too_large").Inc()
			util.WriteError(w, http.StatusRequestEntityTooLarge, util.CodePayloadTooLarge, "")
			return
		}
		metricRelayRejected.WithLabelValues("push", "malformed").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeBadRequest, err.Error())
		return
	}
	if err := sample.Validate(); err != nil {
		metricRelayRejected.WithLabelValues("push", "invalid").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeBadRequest, err.Error())
		return
	}

	if !r.rateLimit(w, req, r.pushLimit, "push:"+id.Subject, "push") {
		return
	}
	if !r.admit(w, "push") {
		return
	}

	env := model.Envelope{Kind: model.KindSample, Sample: sample, Meta: r.meta(traceID)}
	if err := r.buffer.Append([]model.Envelope{env}); err != nil {
		level.Error(logger).Log("msg", "buffer append failed", "err", err)
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "buffer unavailable")
		return
	}
	metricRelayAccepted.WithLabelValues("push").Inc()
	level.Debug(logger).Log("msg", "sample buffered", "node", sample.NodeID)

	util.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "accepted",
		"message_id": uuid.NewString(),
	})
}

func (r *Relay) handleIngest(w http.ResponseWriter, req *http.Request, traceID string) {
	logger := log.WithTraceID(r.logger, traceID)

	id, status, code := r.authenticate(req)
	if status != 0 {
		metricRelayRejected.WithLabelValues("ingest", "auth").Inc()
		util.WriteError(w, status, code, "")
		return
	}
	batchID := req.Header.Get("X-Batch-ID")
	if batchID == "" {
		metricRelayRejected.WithLabelValues("ingest", "missing_batch_id").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeMissingBatchID, "X-Batch-ID is required")
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.MaxBodyBytes)
	var samples []model.Sample
	if err := json.NewDecoder(req.Body).Decode(&samples); err != nil {
		if util.IsRequestBodyTooLarge(err) {
			metricRelayRejected.WithLabelValues("ingest", "too_large").Inc()
			util.WriteError(w, http.StatusRequestEntityTooLarge, util.CodePayloadTooLarge, "")
			return
		}
		metricRelayRejected.WithLabelValues("ingest", "malformed").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeMalformedBatch, err.Error())
		return
	}
	if len(samples) == 0 || len(samples) > r.cfg.MaxBatchSamples {
		metricRelayRejected.WithLabelValues("ingest", "cardinality").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeMalformedBatch,
			fmt.Sprintf("batch must hold 1..%d samples", r.cfg.MaxBatchSamples))
		return
	}
	for i := range samples {
		if err := samples[i].Validate(); err != nil {
			metricRelayRejected.WithLabelValues("ingest", "invalid").Inc()
			util.WriteError(w, http.StatusBadRequest, util.CodeMalformedBatch,
				fmt.Sprintf("sample %d: %v", i, err))
			return
		}
	}

	if !r.rateLimit(w, req, r.ingestLimit, "ingest:"+id.Subject, "ingest") {
		return
	}
	if !r.admit(w, "ingest") {
		return
	}

	meta := r.meta(traceID)
	envelopes := make([]model.Envelope, 0, len(samples))
	for _, s := range samples {
		envelopes = append(envelopes, model.Envelope{Kind: model.KindSample, Sample: s, Meta: meta})
	}
	if err := r.buffer.Append(envelopes); err != nil {
		level.Error(logger).Log("msg", "buffer append failed", "batch", batchID, "err", err)
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "buffer unavailable")
		return
	}
	metricRelayAccepted.WithLabelValues("ingest").Add(float64(len(envelopes)))
	level.Info(logger).Log("msg", "batch buffered", "batch", batchID, "samples", len(envelopes))

	util.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "accepted",
		"batch_id": batchID,
		"enqueued": len(envelopes),
	})
}

func (r *Relay) meta(traceID string) model.Meta {
	return model.Meta{TraceID: traceID, IngestRegion: r.cfg.Region, IngestTS: r.now().UTC()}
}

func (r *Relay) handleStatus(w http.ResponseWriter, _ *http.Request, _ string) {
	state := r.State()
	code := http.StatusOK
	if state == StateDegraded {
		code = http.StatusServiceUnavailable
	}
	util.WriteJSON(w, code, map[string]interface{}{
		"api":          "ok",
		"state":        state,
		"buffer_bytes": r.buffer.Bytes(),
	})
}

func (r *Relay) handleFederationStatus(w http.ResponseWriter, _ *http.Request, _ string) {
	util.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"role":         "relay",
		"region":       r.cfg.Region,
		"state":        r.State(),
		"buffer_bytes": r.buffer.Bytes(),
		"central_url":  r.cfg.Forward.CentralURL,
	})
}
