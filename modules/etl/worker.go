package etl

import (
	"context"
	"errors"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"go.uber.org/atomic"

	"github.com/fiberstack/fiber/pkg/model"
	"github.com/fiberstack/fiber/pkg/queue"
)

// stats are shared across workers and reported by the heartbeat.
type stats struct {
	processed   atomic.Int64
	inserted    atomic.Int64
	conflicts   atomic.Int64
	deadLetters atomic.Int64
	// lastProcessed is the wall time of the most recent persisted envelope,
	// in unix milliseconds.
	lastProcessed atomic.Int64
}

// worker drains the queue in batches and persists them. Envelopes still in
// hand at shutdown are requeued, so delivery stays at-least-once; the
// storage identity absorbs the resulting replays.
type worker struct {
	id     int
	cfg    Config
	queue  *queue.Queue
	store  *Store
	norm   *Normalizer
	stats  *stats
	logger kitlog.Logger
}

func (w *worker) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		envelopes, malformed, err := w.queue.PopBatch(ctx, w.cfg.BatchSize)
		if errors.Is(err, queue.ErrEmpty) {
			w.idle(ctx)
			continue
		}
		if err != nil {
			level.Warn(w.logger).Log("msg", "queue pop failed", "err", err)
			w.idle(ctx)
			continue
		}
		if len(malformed) > 0 {
			w.stats.deadLetters.Add(int64(len(malformed)))
			if err := w.queue.DeadLetterRaw(context.Background(), errors.New("undecodable envelope"), malformed...); err != nil {
				level.Error(w.logger).Log("msg", "dead-lettering raw payloads failed", "count", len(malformed), "err", err)
			}
		}
		w.process(ctx, envelopes)
	}
}

func (w *worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.IdleBackoff):
	}
}

// process walks the batch in order: runs of samples are persisted together,
// node control ops are applied at their position so a delete does not race
// the samples enqueued before it.
func (w *worker) process(ctx context.Context, envelopes []model.Envelope) {
	var run []model.Envelope
	flush := func() {
		if len(run) == 0 {
			return
		}
		w.persistSamples(ctx, run)
		run = run[:0]
	}

	for i := range envelopes {
		env := &envelopes[i]
		if ctx.Err() != nil {
			// Shutdown mid-batch: put everything not yet handled back.
			remaining := append(append([]model.Envelope{}, run...), envelopes[i:]...)
			if err := w.queue.Requeue(context.Background(), remaining); err != nil {
				level.Error(w.logger).Log("msg", "requeue on shutdown failed", "count", len(remaining), "err", err)
			}
			return
		}
		if env.IsSample() {
			run = append(run, *env)
			continue
		}
		flush()
		w.applyControl(ctx, env)
	}
	flush()
}

// persistSamples normalizes a run and writes it with retries. Irreparable
// envelopes go to the DLQ one by one; a storage failure after the retry
// budget dead-letters the whole run rather than blocking the queue.
func (w *worker) persistSamples(ctx context.Context, envelopes []model.Envelope) {
	rows := make([]SampleRow, 0, len(envelopes))
	kept := make([]model.Envelope, 0, len(envelopes))
	seen := map[string]SampleRow{}
	for i := range envelopes {
		row, err := w.norm.Normalize(&envelopes[i])
		if err != nil {
			w.stats.deadLetters.Inc()
			if dlErr := w.queue.DeadLetter(context.Background(), err, envelopes[i]); dlErr != nil {
				level.Error(w.logger).Log("msg", "dead-letter failed", "err", dlErr)
			}
			continue
		}
		rows = append(rows, row)
		kept = append(kept, envelopes[i])
		if prev, ok := seen[row.NodeID]; !ok || row.Time.After(prev.Time) {
			seen[row.NodeID] = row
		}
	}
	if len(rows) == 0 {
		return
	}

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: w.cfg.RetryMinBackoff,
		MaxBackoff: w.cfg.RetryMaxBackoff,
		MaxRetries: w.cfg.MaxRetries,
	})
	var lastErr error
	for boff.Ongoing() {
		if lastErr = w.store.TouchNodes(ctx, seen); lastErr == nil {
			var inserted, conflicts int
			inserted, conflicts, lastErr = w.store.InsertSamples(ctx, rows)
			if lastErr == nil {
				w.stats.processed.Add(int64(len(rows)))
				w.stats.inserted.Add(int64(inserted))
				w.stats.conflicts.Add(int64(conflicts))
				w.stats.lastProcessed.Store(time.Now().UnixMilli())
				if conflicts > 0 {
					level.Debug(w.logger).Log("msg", "duplicate samples recorded as conflicts", "conflicts", conflicts)
				}
				return
			}
		}
		level.Warn(w.logger).Log("msg", "storage write failed, retrying", "rows", len(rows), "err", lastErr)
		boff.Wait()
	}

	if ctx.Err() != nil {
		// Shutdown, not storage trouble. Keep the data.
		if err := w.queue.Requeue(context.Background(), kept); err != nil {
			level.Error(w.logger).Log("msg", "requeue on shutdown failed", "count", len(kept), "err", err)
		}
		return
	}
	level.Error(w.logger).Log("msg", "storage retries exhausted, dead-lettering batch", "rows", len(rows), "err", lastErr)
	w.stats.deadLetters.Add(int64(len(kept)))
	if err := w.queue.DeadLetter(context.Background(), lastErr, kept...); err != nil {
		level.Error(w.logger).Log("msg", "dead-letter failed", "count", len(kept), "err", err)
	}
}

func (w *worker) applyControl(ctx context.Context, env *model.Envelope) {
	if env.Node == nil {
		w.stats.deadLetters.Inc()
		_ = w.queue.DeadLetter(context.Background(), errors.New("control envelope without node"), *env)
		return
	}
	var err error
	switch env.Kind {
	case model.KindNodeUpsert:
		err = w.store.UpsertNode(ctx, env.Node)
	case model.KindNodeDelete:
		err = w.store.MarkNodeDeleted(ctx, env.Node.NodeID)
	default:
		err = errors.New("unknown envelope kind " + env.Kind)
	}
	if err != nil {
		level.Error(w.logger).Log("msg", "node control op failed", "kind", env.Kind, "node", env.Node.NodeID, "err", err)
		w.stats.deadLetters.Inc()
		if dlErr := w.queue.DeadLetter(context.Background(), err, *env); dlErr != nil {
			level.Error(w.logger).Log("msg", "dead-letter failed", "err", dlErr)
		}
		return
	}
	w.stats.processed.Inc()
	w.stats.lastProcessed.Store(time.Now().UnixMilli())
}
