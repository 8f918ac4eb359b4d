// Package etl implements the consumer tier: the only component that writes
// samples, nodes and conflicts to storage. Workers drain the queue in
// batches, normalize leniently, and persist transactionally.
package etl

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/fiberstack/fiber/pkg/queue"
	"github.com/fiberstack/fiber/pkg/util"
	"github.com/fiberstack/fiber/pkg/util/log"
)

var (
	metricProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "etl_processed_total",
		Help:      "Envelopes handled by the consumers.",
	})
	metricInserted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "etl_samples_inserted_total",
		Help:      "Sample rows written to storage.",
	})
	metricConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "etl_sample_conflicts_total",
		Help:      "Samples whose identity already existed in storage.",
	})
	metricDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fiber",
		Name:      "etl_dead_letters_total",
		Help:      "Envelopes sent to the dead-letter queue.",
	})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fiber",
		Name:      "etl_queue_depth",
		Help:      "Length of the work queue at the last heartbeat.",
	})
)

// Heartbeat is the consumer's latest progress snapshot.
type Heartbeat struct {
	TS            time.Time `json:"ts"`
	Processed     int64     `json:"processed"`
	Inserted      int64     `json:"inserted"`
	Conflicts     int64     `json:"conflicts"`
	DeadLetters   int64     `json:"dead_letters"`
	QueueDepth    int64     `json:"queue_depth"`
	LastProcessed time.Time `json:"last_processed,omitempty"`
}

// ETL runs the consumer workers against one queue and one store.
type ETL struct {
	services.Service

	cfg    Config
	queue  *queue.Queue
	store  *Store
	stats  stats
	beat   atomic.Value
	logger kitlog.Logger
}

// New builds the ETL service.
func New(cfg Config, q *queue.Queue, store *Store) *ETL {
	e := &ETL{
		cfg:    cfg,
		queue:  q,
		store:  store,
		logger: kitlog.With(log.Logger, "component", "etl"),
	}
	e.Service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e
}

func (e *ETL) starting(ctx context.Context) error {
	if err := e.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

func (e *ETL) running(ctx context.Context) error {
	level.Info(e.logger).Log("msg", "etl started", "workers", e.cfg.Workers, "batch_size", e.cfg.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		w := &worker{
			id:     i,
			cfg:    e.cfg,
			queue:  e.queue,
			store:  e.store,
			norm:   NewNormalizer(),
			stats:  &e.stats,
			logger: kitlog.With(e.logger, "worker", i),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}

	e.heartbeat(ctx)
	wg.Wait()
	return nil
}

// heartbeat periodically logs throughput and refreshes the queue metrics.
// Counter deltas since the previous beat feed the Prometheus counters so the
// workers only touch cheap atomics on the hot path.
func (e *ETL) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var lastProcessed, lastInserted, lastConflicts, lastDead int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		processed := e.stats.processed.Load()
		inserted := e.stats.inserted.Load()
		conflicts := e.stats.conflicts.Load()
		dead := e.stats.deadLetters.Load()
		metricProcessed.Add(float64(processed - lastProcessed))
		metricInserted.Add(float64(inserted - lastInserted))
		metricConflicts.Add(float64(conflicts - lastConflicts))
		metricDeadLetters.Add(float64(dead - lastDead))
		lastProcessed, lastInserted, lastConflicts, lastDead = processed, inserted, conflicts, dead

		depth, err := e.queue.Depth(ctx)
		if err == nil {
			metricQueueDepth.Set(float64(depth))
		}

		hb := Heartbeat{
			TS:          time.Now().UTC(),
			Processed:   processed,
			Inserted:    inserted,
			Conflicts:   conflicts,
			DeadLetters: dead,
			QueueDepth:  depth,
		}
		if ms := e.stats.lastProcessed.Load(); ms > 0 {
			hb.LastProcessed = time.UnixMilli(ms).UTC()
		}
		e.beat.Store(hb)

		level.Info(e.logger).Log("msg", "heartbeat",
			"processed", processed, "inserted", inserted,
			"conflicts", conflicts, "dead_letters", dead,
			"queue_depth", depth, "last_processed", hb.LastProcessed)
	}
}

// LastHeartbeat returns the most recent heartbeat snapshot, zero before the
// first beat.
func (e *ETL) LastHeartbeat() Heartbeat {
	if hb, ok := e.beat.Load().(Heartbeat); ok {
		return hb
	}
	return Heartbeat{}
}

// RegisterRoutes exposes the consumer's progress for status pages.
func (e *ETL) RegisterRoutes(r *mux.Router) {
	r.Handle("/etl/status", http.HandlerFunc(e.handleStatus)).Methods(http.MethodGet)
}

func (e *ETL) handleStatus(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"heartbeat": e.LastHeartbeat(),
	})
}

func (e *ETL) stopping(_ error) error {
	return e.store.Close()
}
