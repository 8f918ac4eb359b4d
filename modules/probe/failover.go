package probe

import (
	"sync"
	"time"

	"github.com/go-kit/log/level"

	"github.com/fiberstack/fiber/pkg/util/log"
)

// Failover picks which ingest endpoint the probe talks to. The regional
// endpoint is preferred; consecutive failures switch to central, with a
// stickiness window so the probe does not flap between the two, and a
// promotion rule so a permanently dead regional tier stops being retried.
type Failover struct {
	mtx sync.Mutex
	cfg FailoverConfig

	primary  string
	fallback string

	onFallback   bool
	failures     int
	fallbackWins int
	switchedAt   time.Time

	now func() time.Time
}

// NewFailover builds the endpoint selector. fallback may be empty, pinning
// the probe to the primary.
func NewFailover(cfg FailoverConfig, primary, fallback string) *Failover {
	return &Failover{cfg: cfg, primary: primary, fallback: fallback, now: time.Now}
}

// Endpoint returns the base URL the next send should target. Once the
// stickiness window on the fallback has passed, the primary is retried.
func (f *Failover) Endpoint() string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if !f.onFallback {
		return f.primary
	}
	if f.now().Sub(f.switchedAt) >= f.cfg.Stickiness {
		level.Info(log.Logger).Log("msg", "stickiness window elapsed, retrying primary endpoint", "primary", f.primary)
		f.onFallback = false
		f.failures = 0
		return f.primary
	}
	return f.fallback
}

// RecordSuccess resets the failure streak and counts toward promotion when
// the success happened on the fallback.
func (f *Failover) RecordSuccess(endpoint string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.failures = 0
	if endpoint != f.fallback || f.fallback == "" || f.fallback == f.primary {
		f.fallbackWins = 0
		return
	}
	f.fallbackWins++
	if f.cfg.PromotionThreshold > 0 && f.fallbackWins >= f.cfg.PromotionThreshold {
		level.Warn(log.Logger).Log("msg", "promoting fallback endpoint to primary", "endpoint", f.fallback)
		f.primary, f.fallback = f.fallback, f.primary
		f.onFallback = false
		f.fallbackWins = 0
	}
}

// RecordFailure counts a failed send; at the threshold the probe switches to
// the other endpoint and sticks there for the stickiness window.
func (f *Failover) RecordFailure(endpoint string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.failures++
	if f.fallback == "" || f.fallback == f.primary {
		return
	}
	if f.failures < f.cfg.FailureThreshold {
		return
	}
	f.failures = 0
	f.switchedAt = f.now()
	if endpoint == f.primary {
		level.Warn(log.Logger).Log("msg", "switching to fallback endpoint", "from", f.primary, "to", f.fallback)
		f.onFallback = true
	} else {
		// The fallback is failing too; go back and let the cycle restart.
		f.onFallback = false
	}
}
