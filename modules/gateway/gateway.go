// Package gateway implements the ingestion tier: every sample or batch is
// authenticated, size-gated, validated, idempotency-checked and rate-limited
// before being enqueued. Enqueue is the commit point; the gateway never waits
// for the ETL.
package gateway

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
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fiberstack/fiber/pkg/auth"
	"github.com/fiberstack/fiber/pkg/model"
	"github.com/fiberstack/fiber/pkg/queue"
	"github.com/fiberstack/fiber/pkg/ratelimit"
	"github.com/fiberstack/fiber/pkg/util"
	"github.com/fiberstack/fiber/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricSamplesEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "gateway_samples_enqueued_total",
		Help:      "Samples committed to the durable queue.",
	}, []string{"route"})
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "gateway_rejected_total",
		Help:      "Requests rejected before enqueue.",
	}, []string{"route", "reason"})
	metricDuplicateBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "gateway_duplicate_batches_total",
		Help:      "Batches absorbed by the idempotency index.",
	})
)

// MetricRow is one row of the read path.
type MetricRow struct {
	Time       time.Time `json:"time" db:"time"`
	NodeID     string    `json:"node_id" db:"node_id"`
	LatencyMS  float64   `json:"latency_ms" db:"latency_ms"`
	UptimePct  float64   `json:"uptime_pct" db:"uptime_pct"`
	PacketLoss float64   `json:"packet_loss" db:"packet_loss"`
}

// QueryParams filters the read path.
type QueryParams struct {
	NodeID string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// ReadStore is the query-only storage path. The gateway never writes to
// storage; sample, node and conflict tables belong to the ETL.
type ReadStore interface {
	QueryMetrics(ctx context.Context, p QueryParams) ([]MetricRow, error)
}

// Gateway authenticates, rate-limits and enqueues.
type Gateway struct {
	services.Service

	cfg      Config
	queue    *queue.Queue
	verifier *auth.Verifier
	audit    *auth.AuditLog
	reads    ReadStore
	logger   kitlog.Logger

	pushLimit   *ratelimit.Limiter
	ingestLimit *ratelimit.Limiter
	readLimit   *ratelimit.Limiter
	globalLimit *ratelimit.Limiter

	now func() time.Time
}

// New builds a Gateway. reads may be nil when no storage read path is
// configured; the endpoint then answers 503. limiterBackend may be nil,
// forcing local-only rate limiting.
func New(cfg Config, q *queue.Queue, verifier *auth.Verifier, limiterBackend redis.UniversalClient, reads ReadStore) (*Gateway, error) {
	audit, err := auth.NewAuditLog(cfg.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	g := &Gateway{
		cfg:      cfg,
		queue:    q,
		verifier: verifier,
		audit:    audit,
		reads:    reads,
		logger:   kitlog.With(log.Logger, "component", "gateway"),
		now:      time.Now,
	}
	g.pushLimit = ratelimit.New(cfg.PushLimit, limiterBackend)
	g.ingestLimit = ratelimit.New(cfg.IngestLimit, limiterBackend)
	g.readLimit = ratelimit.New(cfg.ReadLimit, limiterBackend)
	g.globalLimit = ratelimit.New(cfg.GlobalLimit, limiterBackend)

	g.Service = services.NewBasicService(nil, g.running, nil)
	return g, nil
}

func (g *Gateway) running(ctx context.Context) error {
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()
	for {
		select {
		case <-prune.C:
			for _, l := range []*ratelimit.Limiter{g.pushLimit, g.ingestLimit, g.readLimit, g.globalLimit} {
				l.PruneLocal(10 * time.Minute)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// RegisterRoutes attaches the gateway's HTTP surface to the router.
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.Handle("/push", g.traced(g.handlePush)).Methods(http.MethodPost)
	r.Handle("/ingest", g.traced(g.handleIngest)).Methods(http.MethodPost)
	r.Handle("/status", g.traced(g.handleStatus)).Methods(http.MethodGet)
	r.Handle("/metrics", g.traced(g.handleMetricsRead)).Methods(http.MethodGet)
	r.Handle("/federation/status", g.traced(g.handleFederationStatus)).Methods(http.MethodGet)
	r.Handle("/auth/token", g.traced(g.handleIssueToken)).Methods(http.MethodPost)
	r.Handle("/nodes", g.traced(g.handleNodeCreate)).Methods(http.MethodPost)
	r.Handle("/nodes/{node_id}", g.traced(g.handleNodeDelete)).Methods(http.MethodDelete)
}

type tracedHandler func(w http.ResponseWriter, r *http.Request, traceID string)

// traced reads or generates the trace id and echoes it on every response.
func (g *Gateway) traced(h tracedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := util.ExtractTraceID(r)
		w.Header().Set(util.TraceIDHeader, traceID)
		h(w, r, traceID)
	})
}

// authenticate verifies the bearer token. Backend errors on the revocation
// check are retried briefly and then denied, except on the sample write path:
// a probe with a structurally valid token keeps reporting while the denylist
// backend is down.
func (g *Gateway) authenticate(r *http.Request, failOpen bool) (auth.Identity, int, string) {
	bearer := auth.BearerFromHeader(r.Header.Get("Authorization"))

	var (
		id  auth.Identity
		err error
	)
	boff := backoff.New(r.Context(), backoff.Config{
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: 200 * time.Millisecond,
		MaxRetries: 3,
	})
	for boff.Ongoing() {
		id, err = g.verifier.Verify(r.Context(), bearer)
		if err == nil {
			return id, 0, ""
		}
		if errors.Is(err, auth.ErrMissingToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrRevoked) {
			_, _ = g.audit.Append("unknown", "AUTH_DENIED", r.URL.Path, map[string]interface{}{"reason": err.Error()})
			return auth.Identity{}, http.StatusUnauthorized, util.CodeInvalidToken
		}
		// Backend failure on the revocation check.
		boff.Wait()
	}
	if failOpen && id.Subject != "" {
		level.Warn(g.logger).Log("msg", "revocation backend unavailable, accepting verified token", "subject", id.Subject, "err", err)
		return id, 0, ""
	}
	level.Warn(g.logger).Log("msg", "auth backend unavailable, failing closed", "err", err)
	return auth.Identity{}, http.StatusServiceUnavailable, util.CodeUnavailable
}

// rateLimit consults the global cap first, then the per-key bucket, and
// stamps the rate headers. Returns false after writing the 429/503.
func (g *Gateway) rateLimit(w http.ResponseWriter, r *http.Request, l *ratelimit.Limiter, key, route string) bool {
	if d := g.globalLimit.Allow(r.Context(), "_global", 1); !d.Allowed {
		metricRejected.WithLabelValues(route, "global_limit").Inc()
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "system overload")
		return false
	}
	d := l.Allow(r.Context(), key, 1)
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(d.Remaining)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		metricRejected.WithLabelValues(route, "rate_limited").Inc()
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

func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request, traceID string) {
	logger := log.WithTraceID(g.logger, traceID)

	id, status, code := g.authenticate(r, true)
	if status != 0 {
		metricRejected.WithLabelValues("push", "auth").Inc()
		util.WriteError(w, status, code, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, model.MaxSampleBytes)
	var sample model.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		if util.IsRequestBodyTooLarge(err) {
			metricRejected.WithLabelValues("push", "too_large").Inc()
			util.WriteError(w, http.StatusRequestEntityTooLarge, util.CodePayloadTooLarge, "")
			return
		}
		metricRejected.WithLabelValues("push", "malformed").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeBadRequest, err.Error())
		return
	}
	if err := sample.Validate(); err != nil {
		metricRejected.WithLabelValues("push", "invalid").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeBadRequest, err.Error())
		return
	}

	if !g.rateLimit(w, r, g.pushLimit, "push:"+id.Subject, "push") {
		return
	}

	env := model.Envelope{
		Kind:   model.KindSample,
		Sample: sample,
		Meta:   g.meta(r, traceID),
	}
	if err := g.queue.Enqueue(r.Context(), env); err != nil {
		level.Error(logger).Log("msg", "enqueue failed", "err", err)
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "queue unavailable")
		return
	}
	metricSamplesEnqueued.WithLabelValues("push").Inc()
	level.Debug(logger).Log("msg", "sample enqueued", "node", sample.NodeID)

	util.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":     "accepted",
		"message_id": uuid.NewString(),
	})
}

func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request, traceID string) {
	logger := log.WithTraceID(g.logger, traceID)

	id, status, code := g.authenticate(r, false)
	if status != 0 {
		metricRejected.WithLabelValues("ingest", "auth").Inc()
		util.WriteError(w, status, code, "")
		return
	}

	batchID := r.Header.Get("X-Batch-ID")
	if batchID == "" {
		metricRejected.WithLabelValues("ingest", "missing_batch_id").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeMissingBatchID, "X-Batch-ID is required")
		return
	}

	sourceRegion := r.Header.Get("X-Region-ID")
	// The region claim of a probe token must match the declared source
	// region. Relay identities are scoped at issuance instead.
	if !id.Relay && id.Region != "" && sourceRegion != "" && id.Region != sourceRegion {
		metricRejected.WithLabelValues("ingest", "region_mismatch").Inc()
		util.WriteError(w, http.StatusUnauthorized, util.CodeRegionMismatch, "token region claim does not match declared source region")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
	var samples []model.Sample
	if err := json.NewDecoder(r.Body).Decode(&samples); err != nil {
		if util.IsRequestBodyTooLarge(err) {
			metricRejected.WithLabelValues("ingest", "too_large").Inc()
			util.WriteError(w, http.StatusRequestEntityTooLarge, util.CodePayloadTooLarge, "")
			return
		}
		metricRejected.WithLabelValues("ingest", "malformed").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeMalformedBatch, err.Error())
		return
	}
	if len(samples) == 0 || len(samples) > g.cfg.MaxBatchSamples {
		metricRejected.WithLabelValues("ingest", "cardinality").Inc()
		util.WriteError(w, http.StatusBadRequest, util.CodeMalformedBatch,
			fmt.Sprintf("batch must hold 1..%d samples", g.cfg.MaxBatchSamples))
		return
	}
	for i := range samples {
		if err := samples[i].Validate(); err != nil {
			metricRejected.WithLabelValues("ingest", "invalid").Inc()
			util.WriteError(w, http.StatusBadRequest, util.CodeMalformedBatch,
				fmt.Sprintf("sample %d: %v", i, err))
			return
		}
	}

	// Read-only idempotency check before spending rate-limit tokens.
	if prev, seen, err := g.queue.SeenBatch(r.Context(), batchID); err == nil && seen {
		g.writeDuplicate(w, batchID, prev)
		return
	}

	if !g.rateLimit(w, r, g.ingestLimit, "ingest:"+id.Subject, "ingest") {
		return
	}

	// Claim the batch id, then enqueue. Losing the claim race means another
	// instance already processed this batch.
	prev, claimed, err := g.queue.MarkBatch(r.Context(), batchID, len(samples), g.cfg.IdempotencyRetention)
	if err != nil {
		level.Error(logger).Log("msg", "idempotency index unavailable", "err", err)
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "")
		return
	}
	if !claimed {
		g.writeDuplicate(w, batchID, prev)
		return
	}

	meta := g.meta(r, traceID)
	envelopes := make([]model.Envelope, 0, len(samples))
	for _, s := range samples {
		envelopes = append(envelopes, model.Envelope{Kind: model.KindSample, Sample: s, Meta: meta})
	}
	if err := g.queue.Enqueue(r.Context(), envelopes...); err != nil {
		// Release the claim so the client's retry is not swallowed as a
		// duplicate of a batch that never made it in.
		_ = g.queue.UnmarkBatch(r.Context(), batchID)
		level.Error(logger).Log("msg", "batch enqueue failed", "batch", batchID, "err", err)
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "queue unavailable")
		return
	}
	metricSamplesEnqueued.WithLabelValues("ingest").Add(float64(len(envelopes)))
	level.Info(logger).Log("msg", "batch enqueued", "batch", batchID, "samples", len(envelopes), "source_region", sourceRegion)

	util.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "accepted",
		"batch_id": batchID,
		"enqueued": len(envelopes),
	})
}

func (g *Gateway) writeDuplicate(w http.ResponseWriter, batchID string, enqueued int) {
	metricDuplicateBatches.Inc()
	util.WriteJSON(w, http.StatusConflict, map[string]interface{}{
		"status":   "accepted",
		"code":     util.CodeDuplicateBatch,
		"batch_id": batchID,
		"enqueued": enqueued,
	})
}

func (g *Gateway) meta(r *http.Request, traceID string) model.Meta {
	region := g.cfg.Region
	if declared := r.Header.Get("X-Region-ID"); declared != "" {
		region = declared
	}
	return model.Meta{TraceID: traceID, IngestRegion: region, IngestTS: g.now().UTC()}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request, _ string) {
	status := map[string]string{"api": "ok", "queue": "ok"}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.queue.Ping(ctx); err != nil {
		status["queue"] = "error"
		code = http.StatusServiceUnavailable
	} else if g.cfg.DegradeDLQThreshold > 0 {
		if depth, err := g.queue.DLQDepth(ctx); err == nil && depth > g.cfg.DegradeDLQThreshold {
			status["dlq"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	util.WriteJSON(w, code, status)
}

func (g *Gateway) handleFederationStatus(w http.ResponseWriter, r *http.Request, _ string) {
	depth, _ := g.queue.Depth(r.Context())
	util.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"role":        "central",
		"region":      g.cfg.Region,
		"queue_depth": depth,
		"source":      "heartbeat",
	})
}

func (g *Gateway) handleMetricsRead(w http.ResponseWriter, r *http.Request, _ string) {
	id, status, code := g.authenticate(r, false)
	if status != 0 {
		util.WriteError(w, status, code, "")
		return
	}
	if !g.rateLimit(w, r, g.readLimit, "read:"+id.Subject, "read") {
		return
	}
	if g.reads == nil {
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "read path not configured")
		return
	}

	p, err := parseQuery(r, g.cfg.ReadPageSize)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, util.CodeBadRequest, err.Error())
		return
	}
	rows, err := g.reads.QueryMetrics(r.Context(), p)
	if err != nil {
		level.Error(g.logger).Log("msg", "metrics read failed", "err", err)
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "")
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"metrics": rows},
	})
}

func parseQuery(r *http.Request, maxPage int) (QueryParams, error) {
	q := r.URL.Query()
	p := QueryParams{NodeID: q.Get("node_id"), Limit: 100}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, fmt.Errorf("invalid limit %q", v)
		}
		p.Limit = n
	}
	if p.Limit > maxPage {
		p.Limit = maxPage
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid offset %q", v)
		}
		p.Offset = n
	}
	for name, dst := range map[string]*time.Time{"since": &p.Since, "until": &p.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return p, fmt.Errorf("invalid %s %q", name, v)
			}
			*dst = t
		}
	}
	return p, nil
}

func (g *Gateway) handleIssueToken(w http.ResponseWriter, r *http.Request, _ string) {
	id, status, code := g.authenticate(r, false)
	if status != 0 {
		util.WriteError(w, status, code, "")
		return
	}
	if !id.Relay {
		util.WriteError(w, http.StatusForbidden, util.CodeForbidden, "token issuance requires the federation identity")
		return
	}
	var req struct {
		Subject string `json:"subject"`
		Region  string `json:"region"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Subject == "" {
		util.WriteError(w, http.StatusBadRequest, util.CodeBadRequest, "subject is required")
		return
	}
	token, err := g.verifier.Issue(req.Subject, req.Region)
	if err != nil {
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, err.Error())
		return
	}
	_, _ = g.audit.Append(id.Subject, "TOKEN_ISSUED", "probe:"+req.Subject, map[string]interface{}{"region": req.Region})
	util.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(g.cfg.Auth.AccessTokenTTL.Seconds()),
	})
}

// handleNodeCreate registers a node. The write itself travels through the
// queue so the ETL remains the sole storage writer.
func (g *Gateway) handleNodeCreate(w http.ResponseWriter, r *http.Request, traceID string) {
	id, status, code := g.authenticate(r, false)
	if status != 0 {
		util.WriteError(w, status, code, "")
		return
	}
	var node model.Node
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&node); err != nil || node.NodeID == "" {
		util.WriteError(w, http.StatusBadRequest, util.CodeBadRequest, "node_id is required")
		return
	}
	if node.Status == "" {
		node.Status = model.NodeStatusRegistered
	}
	env := model.Envelope{Kind: model.KindNodeUpsert, Node: &node, Meta: g.meta(r, traceID)}
	if err := g.queue.Enqueue(r.Context(), env); err != nil {
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "queue unavailable")
		return
	}
	_, _ = g.audit.Append(id.Subject, "NODE_CREATE", "node:"+node.NodeID, map[string]interface{}{"country": node.Country, "region": node.Region})
	util.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "node_id": node.NodeID})
}

// handleNodeDelete soft-deletes a node (status flip, never a row delete).
func (g *Gateway) handleNodeDelete(w http.ResponseWriter, r *http.Request, traceID string) {
	id, status, code := g.authenticate(r, false)
	if status != 0 {
		util.WriteError(w, status, code, "")
		return
	}
	nodeID := mux.Vars(r)["node_id"]
	env := model.Envelope{
		Kind: model.KindNodeDelete,
		Node: &model.Node{NodeID: nodeID, Status: model.NodeStatusDeleted},
		Meta: g.meta(r, traceID),
	}
	if err := g.queue.Enqueue(r.Context(), env); err != nil {
		util.WriteError(w, http.StatusServiceUnavailable, util.CodeUnavailable, "queue unavailable")
		return
	}
	_, _ = g.audit.Append(id.Subject, "NODE_DELETE", "node:"+nodeID, nil)
	util.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "node_id": nodeID})
}
