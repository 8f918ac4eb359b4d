package probe

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/fiberstack/fiber/pkg/model"
)

// Collector measures network vitals against the target host and annotates
// samples with host health from gopsutil.
type Collector struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

// NewCollector builds a collector for the configured target.
func NewCollector(cfg Config) *Collector {
	return &Collector{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		now:    time.Now,
	}
}

// Collect runs one measurement round: ProbeAttempts requests against the
// target, averaged into latency, uptime and loss. Values are clamped to the
// wire bounds so a pathological round never produces an invalid sample.
func (c *Collector) Collect(ctx context.Context) model.Sample {
	attempts := c.cfg.ProbeAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var (
		successes int
		totalMS   float64
	)
	for i := 0; i < attempts; i++ {
		if ms, ok := c.measureOnce(ctx); ok {
			successes++
			totalMS += ms
		}
		if ctx.Err() != nil {
			break
		}
	}

	var latency float64
	if successes > 0 {
		latency = totalMS / float64(successes)
	}
	uptime := float64(successes) / float64(attempts) * 100
	loss := 100 - uptime

	return model.Sample{
		NodeID:     c.cfg.NodeID,
		Country:    c.cfg.Country,
		Region:     c.cfg.Region,
		LatencyMS:  clamp(latency, 0, model.MaxLatencyMS),
		UptimePct:  clamp(uptime, 0, model.MaxPercent),
		PacketLoss: clamp(loss, 0, model.MaxPercent),
		Timestamp:  c.now().UTC().Truncate(time.Millisecond),
		TargetHost: c.cfg.TargetHost,
		ProbeType:  c.cfg.ProbeType,
		Metadata:   c.hostHealth(ctx),
	}
}

func (c *Collector) measureOnce(ctx context.Context) (float64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TargetHost, nil)
	if err != nil {
		return 0, false
	}
	start := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 500 {
		return 0, false
	}
	return float64(c.now().Sub(start)) / float64(time.Millisecond), true
}

// hostHealth samples the probe host itself. Failures degrade to a smaller
// map, never to an error; host health is advisory metadata.
func (c *Collector) hostHealth(ctx context.Context) map[string]interface{} {
	health := map[string]interface{}{}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		health["cpu_pct"] = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		health["mem_pct"] = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		health["load1"] = avg.Load1
	}
	if len(health) == 0 {
		return nil
	}
	return health
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
