// Package ratelimit implements the token-bucket primitive shared by the
// gateway and the relay. The authoritative state lives in Redis and is
// mutated by a Lua script so the read-modify-write is a single critical
// section across instances. When Redis is unreachable the limiter degrades to
// per-process in-memory buckets and recovers with hysteresis, trading
// cross-instance fairness for availability.
package ratelimit

import (
	"context"
	"flag"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fiberstack/fiber/pkg/util/log"
)

var metricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fiber",
	Name:      "ratelimit_decisions_total",
	Help:      "Rate limit decisions by outcome and policy.",
}, []string{"outcome", "policy"})

// keyPrefix matches the persisted-state contract: fiber:rl:<key>.
const keyPrefix = "fiber:rl:"

// healthyStreakToRecover is how many consecutive successful Redis round trips
// are required before switching back from local to distributed mode.
const healthyStreakToRecover = 5

// Decision is the outcome of one allow() call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Policy is "distributed" or "local", surfaced in the response headers.
	Policy string
}

// Config holds one bucket class (rate in tokens/second, capacity in tokens).
type Config struct {
	Rate     float64       `yaml:"rate"`
	Burst    float64       `yaml:"burst"`
	TTL      time.Duration `yaml:"ttl"`
	Disabled bool          `yaml:"disabled"`
}

// RegisterFlagsAndApplyDefaults registers flags and applies defaults.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Float64Var(&cfg.Rate, prefix+".rate", 100.0/60.0, "Sustained refill rate in tokens per second.")
	f.Float64Var(&cfg.Burst, prefix+".burst", 20, "Bucket capacity.")
	f.DurationVar(&cfg.TTL, prefix+".ttl", 10*time.Minute, "Idle bucket expiry.")
	f.BoolVar(&cfg.Disabled, prefix+".disabled", false, "Disable this bucket class.")
}

// allowScript performs the refill-and-take as one atomic operation.
// KEYS[1] bucket hash, ARGV: rate, capacity, requested, now (unix seconds,
// fractional), ttl seconds. Floats are returned as strings because the Lua to
// Redis protocol conversion truncates numbers to integers.
const allowScript = `
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  last = now
end

local refill = math.max(0, (now - last) * rate)
tokens = math.min(capacity, tokens + refill)

local allowed = 0
local retry_after = -1
if tokens >= requested and requested > 0 then
  tokens = tokens - requested
  allowed = 1
elseif requested == 0 then
  allowed = 1
elseif rate > 0 then
  retry_after = (requested - tokens) / rate
end

if requested > 0 then
  redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(now))
  if ttl > 0 then
    redis.call('EXPIRE', KEYS[1], ttl)
  end
end

local reset_at = now
if rate > 0 then
  reset_at = now + math.ceil((capacity - tokens) / rate)
end
return {allowed, tostring(tokens), tostring(reset_at), tostring(retry_after)}
`

// Limiter is a distributed token bucket with a local fallback.
type Limiter struct {
	cfg    Config
	client redis.UniversalClient
	script *redis.Script
	now    func() time.Time

	mtx           sync.Mutex
	local         map[string]*bucket
	localMode     bool
	healthyStreak int
}

// New builds a limiter. A nil client forces permanent local mode, the
// documented degraded fallback.
func New(cfg Config, client redis.UniversalClient) *Limiter {
	return &Limiter{
		cfg:       cfg,
		client:    client,
		script:    redis.NewScript(allowScript),
		now:       time.Now,
		local:     map[string]*bucket{},
		localMode: client == nil,
	}
}

// Allow takes requested tokens from the bucket for key. requested == 0 is a
// read-only probe that never mutates bucket state.
func (l *Limiter) Allow(ctx context.Context, key string, requested float64) Decision {
	if l.cfg.Disabled {
		return Decision{Allowed: true, Remaining: l.cfg.Burst, Policy: "disabled", RetryAfter: -1}
	}

	if l.client != nil && !l.inLocalMode() {
		d, err := l.allowDistributed(ctx, key, requested)
		if err == nil {
			l.recordHealth(true)
			metricDecisions.WithLabelValues(outcome(d.Allowed), "distributed").Inc()
			return d
		}
		level.Warn(log.Logger).Log("msg", "distributed rate limit check failed, falling back to local", "key", key, "err", err)
		l.recordHealth(false)
	} else if l.client != nil {
		// Probe Redis in the background of this request so the limiter can
		// climb back to distributed mode once the backend heals.
		if err := l.client.Ping(ctx).Err(); err == nil {
			l.recordHealth(true)
		} else {
			l.recordHealth(false)
		}
	}

	d := l.allowLocal(key, requested)
	metricDecisions.WithLabelValues(outcome(d.Allowed), "local").Inc()
	return d
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "rejected"
}

func (l *Limiter) allowDistributed(ctx context.Context, key string, requested float64) (Decision, error) {
	now := l.now()
	nowSec := float64(now.UnixNano()) / float64(time.Second)
	res, err := l.script.Run(ctx, l.client, []string{keyPrefix + key},
		l.cfg.Rate, l.cfg.Burst, requested, fmt.Sprintf("%.6f", nowSec), int(l.cfg.TTL.Seconds())).Result()
	if err != nil {
		return Decision{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 4 {
		return Decision{}, fmt.Errorf("unexpected script reply %T", res)
	}
	allowed := toInt64(vals[0]) == 1
	remaining := toFloat(vals[1])
	resetAt := toFloat(vals[2])
	retryAfter := toFloat(vals[3])

	d := Decision{
		Allowed:   allowed,
		Remaining: math.Max(0, remaining),
		ResetAt:   time.Unix(0, int64(resetAt*float64(time.Second))),
		Policy:    "distributed",
	}
	if retryAfter < 0 {
		d.RetryAfter = -1
	} else {
		d.RetryAfter = time.Duration(retryAfter * float64(time.Second))
	}
	return d, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

func (l *Limiter) inLocalMode() bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.localMode
}

func (l *Limiter) recordHealth(success bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if success {
		l.healthyStreak++
		if l.localMode && l.healthyStreak >= healthyStreakToRecover {
			level.Info(log.Logger).Log("msg", "rate limit backend recovered, switching to distributed mode")
			l.localMode = false
			l.healthyStreak = 0
		}
		return
	}
	l.healthyStreak = 0
	if !l.localMode {
		level.Warn(log.Logger).Log("msg", "rate limit backend unavailable, switching to local mode")
		l.localMode = true
	}
}

// bucket is the in-process fallback. Same algorithm, no cross-instance view.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func (l *Limiter) allowLocal(key string, requested float64) Decision {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	now := l.now()
	b, ok := l.local[key]
	if !ok {
		b = &bucket{tokens: l.cfg.Burst, lastRefill: now}
		l.local[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	tokens := math.Min(l.cfg.Burst, b.tokens+math.Max(0, elapsed)*l.cfg.Rate)

	d := Decision{Policy: "local", RetryAfter: -1}
	switch {
	case requested == 0:
		// Read-only probe, bucket state untouched.
		d.Allowed = true
	case tokens >= requested:
		tokens -= requested
		b.tokens, b.lastRefill = tokens, now
		d.Allowed = true
	default:
		b.tokens, b.lastRefill = tokens, now
		if l.cfg.Rate > 0 {
			d.RetryAfter = time.Duration((requested - tokens) / l.cfg.Rate * float64(time.Second))
		}
	}
	d.Remaining = tokens
	if l.cfg.Rate > 0 {
		d.ResetAt = now.Add(time.Duration(math.Ceil((l.cfg.Burst-tokens)/l.cfg.Rate)) * time.Second)
	} else {
		d.ResetAt = now
	}
	return d
}

// PruneLocal drops idle local buckets. Called periodically by the owner.
func (l *Limiter) PruneLocal(idle time.Duration) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	cutoff := l.now().Add(-idle)
	for k, b := range l.local {
		if b.lastRefill.Before(cutoff) {
			delete(l.local, k)
		}
	}
}
