package gateway

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/pkg/auth"
	"github.com/fiberstack/fiber/pkg/model"
	"github.com/fiberstack/fiber/pkg/queue"
	"github.com/fiberstack/fiber/pkg/util"
)

type gatewayHarness struct {
	gw       *Gateway
	router   *mux.Router
	queue    *queue.Queue
	verifier *auth.Verifier
	redis    *miniredis.Miniredis
}

func newHarness(t *testing.T, mutate func(*Config)) *gatewayHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("gateway", flag.NewFlagSet("test", flag.PanicOnError))
	cfg.Region = "gh-accra"
	cfg.AuditPath = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.Auth = auth.Config{Secret: "test-secret", FederationSecret: "fed-secret", AccessTokenTTL: 15 * time.Minute}
	if mutate != nil {
		mutate(&cfg)
	}

	verifier, err := auth.NewVerifier(cfg.Auth, client)
	require.NoError(t, err)

	q := queue.New(client)
	gw, err := New(cfg, q, verifier, client, nil)
	require.NoError(t, err)

	router := mux.NewRouter()
	gw.RegisterRoutes(router)
	return &gatewayHarness{gw: gw, router: router, queue: q, verifier: verifier, redis: mr}
}

func (h *gatewayHarness) token(t *testing.T, subject, region string) string {
	t.Helper()
	token, err := h.verifier.Issue(subject, region)
	require.NoError(t, err)
	return token
}

func (h *gatewayHarness) do(t *testing.T, method, path, token string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func sampleJSON(t *testing.T, nodeID string, ts time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(model.Sample{
		NodeID: nodeID, Country: "GH", Region: "Greater Accra",
		LatencyMS: 42, UptimePct: 99.9, PacketLoss: 0.1, Timestamp: ts,
	})
	require.NoError(t, err)
	return b
}

func batchJSON(t *testing.T, n int) []byte {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Millisecond)
	samples := make([]model.Sample, 0, n)
	for i := 0; i < n; i++ {
		samples = append(samples, model.Sample{
			NodeID: fmt.Sprintf("node-%d", i), Country: "GH", Region: "Greater Accra",
			LatencyMS: 10, UptimePct: 100, Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	b, err := json.Marshal(samples)
	require.NoError(t, err)
	return b
}

func TestPushAcceptedAndEnqueued(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "node-1", "gh-accra")
	ts := time.Now().UTC().Truncate(time.Millisecond)

	rec := h.do(t, http.MethodPost, "/push", token, sampleJSON(t, "node-1", ts),
		map[string]string{util.TraceIDHeader: "trace123"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "trace123", rec.Header().Get(util.TraceIDHeader))

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.NotEmpty(t, resp["message_id"])

	envelopes, _, err := h.queue.PopBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, "node-1", envelopes[0].Sample.NodeID)
	assert.Equal(t, "trace123", envelopes[0].Meta.TraceID)
	assert.Equal(t, "gh-accra", envelopes[0].Meta.IngestRegion)
}

func TestPushGeneratesTraceID(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "node-1", "gh-accra")

	rec := h.do(t, http.MethodPost, "/push", token, sampleJSON(t, "node-1", time.Now()), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, rec.Header().Get(util.TraceIDHeader), 8)
}

func TestPushRejectsMissingToken(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/push", "", sampleJSON(t, "node-1", time.Now()), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp util.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, util.CodeInvalidToken, resp.Code)
	assert.NotEmpty(t, rec.Header().Get(util.TraceIDHeader))
}

func TestPushRejectsInvalidSample(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "node-1", "gh-accra")

	b, err := json.Marshal(model.Sample{
		NodeID: "node-1", Country: "gh", LatencyMS: 42, Timestamp: time.Now(),
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/push", token, b, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	// Nothing may reach the queue on a validation failure.
	_, _, popErr := h.queue.PopBatch(context.Background(), 1)
	assert.ErrorIs(t, popErr, queue.ErrEmpty)
}

func TestPushRejectsOversizedBody(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "node-1", "gh-accra")

	// Valid JSON so the decoder keeps reading until the size cap trips.
	pad := bytes.Repeat([]byte("x"), model.MaxSampleBytes+100)
	big := append([]byte(`{"node_id":"node-1","metadata":{"pad":"`), pad...)
	big = append(big, []byte(`"}}`)...)
	rec := h.do(t, http.MethodPost, "/push", token, big, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIngestRequiresBatchID(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "relay-1", "gh-accra")

	rec := h.do(t, http.MethodPost, "/ingest", token, batchJSON(t, 2), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp util.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, util.CodeMissingBatchID, resp.Code)
}

func TestIngestDuplicateBatchIsAbsorbed(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "relay-1", "")
	body := batchJSON(t, 3)
	headers := map[string]string{"X-Batch-ID": "batch-7"}

	rec := h.do(t, http.MethodPost, "/ingest", token, body, headers)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/ingest", token, body, headers)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, util.CodeDuplicateBatch, resp["code"])
	assert.EqualValues(t, 3, resp["enqueued"])

	// The replay must not have enqueued a second copy.
	depth, err := h.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, depth)
}

func TestIngestCardinalityBounds(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxBatchSamples = 5 })
	token := h.token(t, "relay-1", "")

	rec := h.do(t, http.MethodPost, "/ingest", token, batchJSON(t, 5), map[string]string{"X-Batch-ID": "batch-max"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/ingest", token, batchJSON(t, 6), map[string]string{"X-Batch-ID": "batch-over"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp util.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, util.CodeMalformedBatch, resp.Code)

	rec = h.do(t, http.MethodPost, "/ingest", token, []byte("[]"), map[string]string{"X-Batch-ID": "batch-empty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRejectsFirstInvalidSample(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "relay-1", "")

	samples := []model.Sample{
		{NodeID: "node-0", Country: "GH", LatencyMS: 10, UptimePct: 100, Timestamp: time.Now()},
		{NodeID: "node-1", Country: "GH", LatencyMS: -5, UptimePct: 100, Timestamp: time.Now()},
	}
	body, err := json.Marshal(samples)
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/ingest", token, body, map[string]string{"X-Batch-ID": "batch-bad"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "sample 1")

	_, _, popErr := h.queue.PopBatch(context.Background(), 1)
	assert.ErrorIs(t, popErr, queue.ErrEmpty)
}

func TestIngestRegionMismatch(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "node-1", "gh-accra")

	rec := h.do(t, http.MethodPost, "/ingest", token, batchJSON(t, 1),
		map[string]string{"X-Batch-ID": "batch-r", "X-Region-ID": "ng-lagos"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp util.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, util.CodeRegionMismatch, resp.Code)

	// The federation identity may declare any source region.
	rec = h.do(t, http.MethodPost, "/ingest", "fed-secret", batchJSON(t, 1),
		map[string]string{"X-Batch-ID": "batch-fed", "X-Region-ID": "ng-lagos"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	envelopes, _, err := h.queue.PopBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, "ng-lagos", envelopes[0].Meta.IngestRegion)
}

func TestIngestRateLimited(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.IngestLimit.Rate = 0.01
		cfg.IngestLimit.Burst = 1
	})
	token := h.token(t, "relay-1", "")

	rec := h.do(t, http.MethodPost, "/ingest", token, batchJSON(t, 1), map[string]string{"X-Batch-ID": "batch-1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/ingest", token, batchJSON(t, 1), map[string]string{"X-Batch-ID": "batch-2"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	var resp util.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, util.CodeRateLimited, resp.Code)

	// A rate-limited batch id was never claimed: the retry must succeed, not
	// be treated as a duplicate.
	h.gw.ingestLimit = h.gw.pushLimit
	rec = h.do(t, http.MethodPost, "/ingest", token, batchJSON(t, 1), map[string]string{"X-Batch-ID": "batch-2"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestStatusReflectsQueueHealth(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/status", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	h.redis.Close()
	rec = h.do(t, http.MethodGet, "/status", "", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFederationStatus(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/federation/status", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "central", resp["role"])
	assert.Equal(t, "gh-accra", resp["region"])
}

func TestIssueTokenRequiresFederationIdentity(t *testing.T) {
	h := newHarness(t, nil)
	body := []byte(`{"subject":"node-9","region":"gh-accra"}`)

	probeToken := h.token(t, "node-1", "gh-accra")
	rec := h.do(t, http.MethodPost, "/auth/token", probeToken, body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/auth/token", "fed-secret", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	issued, _ := resp["access_token"].(string)
	require.NotEmpty(t, issued)

	id, err := h.verifier.Verify(context.Background(), issued)
	require.NoError(t, err)
	assert.Equal(t, "node-9", id.Subject)
	assert.Equal(t, "gh-accra", id.Region)
}

func TestNodeCreateTravelsThroughQueue(t *testing.T) {
	h := newHarness(t, nil)
	body := []byte(`{"node_id":"node-5","node_name":"Accra Edge","country":"GH","region":"Greater Accra"}`)

	rec := h.do(t, http.MethodPost, "/nodes", "fed-secret", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	envelopes, _, err := h.queue.PopBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, model.KindNodeUpsert, envelopes[0].Kind)
	require.NotNil(t, envelopes[0].Node)
	assert.Equal(t, "node-5", envelopes[0].Node.NodeID)
	assert.Equal(t, model.NodeStatusRegistered, envelopes[0].Node.Status)
}

func TestNodeDeleteIsSoft(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodDelete, "/nodes/node-5", "fed-secret", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	envelopes, _, err := h.queue.PopBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, model.KindNodeDelete, envelopes[0].Kind)
	assert.Equal(t, model.NodeStatusDeleted, envelopes[0].Node.Status)
}

type fakeReadStore struct {
	rows []MetricRow
	got  QueryParams
}

func (f *fakeReadStore) QueryMetrics(_ context.Context, p QueryParams) ([]MetricRow, error) {
	f.got = p
	return f.rows, nil
}

func TestMetricsReadPath(t *testing.T) {
	h := newHarness(t, nil)
	store := &fakeReadStore{rows: []MetricRow{{NodeID: "node-1", LatencyMS: 42}}}
	h.gw.reads = store
	token := h.token(t, "analyst", "")

	rec := h.do(t, http.MethodGet, "/metrics?node_id=node-1&limit=10&since=2026-03-01T00:00:00Z", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "node-1", store.got.NodeID)
	assert.Equal(t, 10, store.got.Limit)
	assert.Equal(t, 2026, store.got.Since.Year())
	assert.Contains(t, rec.Body.String(), `"latency_ms":42`)

	rec = h.do(t, http.MethodGet, "/metrics?limit=nope", token, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsReadWithoutStore(t *testing.T) {
	h := newHarness(t, nil)
	token := h.token(t, "analyst", "")
	rec := h.do(t, http.MethodGet, "/metrics", token, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthDenialIsAudited(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/push", "not-a-token", sampleJSON(t, "node-1", time.Now().UTC()), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	raw, err := os.ReadFile(h.gw.cfg.AuditPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "AUTH_DENIED")
	assert.Contains(t, string(raw), "/push")

	ok, _, err := h.gw.audit.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}
