// Package probe implements the edge agent: collect network vitals on a fixed
// cadence, push them upstream, and buffer locally through outages.
package probe

import (
	"context"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"

	"github.com/fiberstack/fiber/pkg/model"
	"github.com/fiberstack/fiber/pkg/util/log"
)

// Probe is the agent loop. One goroutine owns collection and sending; a slow
// round simply delays the next tick instead of overlapping it.
type Probe struct {
	services.Service

	cfg       Config
	collector *Collector
	sender    *Sender
	buffer    *RetryBuffer
	logger    kitlog.Logger
}

// New builds a probe agent.
func New(cfg Config) *Probe {
	p := &Probe{
		cfg:       cfg,
		collector: NewCollector(cfg),
		sender:    NewSender(cfg, NewFailover(cfg.Failover, cfg.Endpoint, cfg.FallbackEndpoint)),
		buffer:    NewRetryBuffer(cfg.BufferSize),
		logger:    kitlog.With(log.Logger, "component", "probe", "node", cfg.NodeID),
	}
	p.Service = services.NewBasicService(nil, p.running, p.stopping)
	return p
}

func (p *Probe) running(ctx context.Context) error {
	level.Info(p.logger).Log("msg", "probe started", "target", p.cfg.TargetHost, "interval", p.cfg.Interval)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.round(ctx)
		}
	}
}

// round collects one sample, sends it, and drains the retry buffer while the
// endpoint is healthy.
func (p *Probe) round(ctx context.Context) {
	sample := p.collector.Collect(ctx)
	if err := sample.Validate(); err != nil {
		level.Error(p.logger).Log("msg", "collected sample failed validation", "err", err)
		return
	}

	if err := p.sender.SendSample(ctx, sample); err != nil {
		level.Warn(p.logger).Log("msg", "buffering sample after failed send", "buffered", p.buffer.Len()+1, "err", err)
		p.buffer.Add(sample)
		return
	}
	level.Debug(p.logger).Log("msg", "sample sent", "latency_ms", sample.LatencyMS)

	if p.buffer.Len() > 0 {
		p.flush(ctx)
	}
}

// flush drains the retry buffer in small batches. Unsent samples go back to
// the front so order is preserved across attempts.
func (p *Probe) flush(ctx context.Context) {
	size := p.cfg.FlushBatchSize
	if size <= 0 || size > model.MaxBatchSamples {
		size = defaultFlushBatchSize
	}
	for p.buffer.Len() > 0 {
		batch := p.buffer.Drain(size)
		batchID := "probe-" + p.cfg.NodeID + "-" + uuid.NewString()
		if err := p.sender.SendBatch(ctx, batchID, batch); err != nil {
			p.buffer.Requeue(batch)
			level.Warn(p.logger).Log("msg", "flush failed, keeping samples buffered", "buffered", p.buffer.Len(), "err", err)
			return
		}
		level.Info(p.logger).Log("msg", "flushed buffered samples", "count", len(batch))
		if ctx.Err() != nil {
			return
		}
	}
}

// stopping makes one final bounded attempt to deliver whatever is buffered.
func (p *Probe) stopping(_ error) error {
	if p.buffer.Len() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace)
	defer cancel()
	level.Info(p.logger).Log("msg", "final flush before shutdown", "buffered", p.buffer.Len())
	p.flush(ctx)
	if n := p.buffer.Len(); n > 0 {
		level.Warn(p.logger).Log("msg", "shutdown with undelivered samples", "buffered", n, "dropped", p.buffer.Dropped())
	}
	return nil
}
