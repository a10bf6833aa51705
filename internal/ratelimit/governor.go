// package ratelimit implements admission control for inbound operations.
//
// A single Governor owns every tracker; there is no package-level state, so
// multiple instances can coexist in one process. Admission checks short
// circuit on the first failing ceiling and always return a structured Result
// rather than an error, keeping the hot path allocation-light.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ferncliff/spotbridge/internal/shared"
	"golang.org/x/time/rate"
)

// Rejection reasons surfaced in Result.Reason.
const (
	ReasonCircuitOpen     = "service temporarily unavailable: failure rate too high"
	ReasonUserBlocked     = "user temporarily blocked: abusive failure burst"
	ReasonConcurrency     = "global concurrency limit reached"
	ReasonGlobalPerMinute = "global per-minute request limit exceeded"
	ReasonUserPerMinute   = "per-minute request limit exceeded"
	ReasonUserPerHour     = "per-hour request limit exceeded"
	ReasonUserPerDay      = "per-day request limit exceeded"
	ReasonToolLimit       = "tool request limit exceeded"
)

// Config collects every throttling threshold. All of them are configurable;
// zero values fall back to the documented defaults.
type Config struct {
	UserPerMinute   int
	UserPerHour     int
	UserPerDay      int
	GlobalPerMinute int
	MaxConcurrent   int

	ToolLimits map[string]ToolLimit

	AbuseThreshold int
	AbuseWindow    time.Duration
	BlockDuration  time.Duration

	BreakerFailureRatio float64
	BreakerMinRequests  int
	BreakerCooldown     time.Duration

	MaintenanceInterval time.Duration
}

// ToolLimit throttles one tool independent of user ceilings.
type ToolLimit struct {
	PerMinute int
	Cooldown  time.Duration
}

// DefaultConfig returns the documented default thresholds.
func DefaultConfig() Config {
	return Config{
		UserPerMinute:       60,
		UserPerHour:         1000,
		UserPerDay:          10000,
		GlobalPerMinute:     300,
		MaxConcurrent:       10,
		AbuseThreshold:      10,
		AbuseWindow:         time.Minute,
		BlockDuration:       5 * time.Minute,
		BreakerFailureRatio: 0.5,
		BreakerMinRequests:  10,
		BreakerCooldown:     30 * time.Second,
		MaintenanceInterval: 5 * time.Minute,
	}
}

// FromShared converts the TOML limits section into a Config, filling gaps
// with defaults.
func FromShared(lc shared.LimitsConfig) Config {
	cfg := DefaultConfig()

	if lc.UserPerMinute > 0 {
		cfg.UserPerMinute = lc.UserPerMinute
	}
	if lc.UserPerHour > 0 {
		cfg.UserPerHour = lc.UserPerHour
	}
	if lc.UserPerDay > 0 {
		cfg.UserPerDay = lc.UserPerDay
	}
	if lc.GlobalPerMinute > 0 {
		cfg.GlobalPerMinute = lc.GlobalPerMinute
	}
	if lc.MaxConcurrent > 0 {
		cfg.MaxConcurrent = lc.MaxConcurrent
	}
	if lc.AbuseThreshold > 0 {
		cfg.AbuseThreshold = lc.AbuseThreshold
	}
	if lc.AbuseWindowSecs > 0 {
		cfg.AbuseWindow = time.Duration(lc.AbuseWindowSecs) * time.Second
	}
	if lc.BlockDurationSecs > 0 {
		cfg.BlockDuration = time.Duration(lc.BlockDurationSecs) * time.Second
	}
	if lc.BreakerFailureRatio > 0 {
		cfg.BreakerFailureRatio = lc.BreakerFailureRatio
	}
	if lc.BreakerMinRequests > 0 {
		cfg.BreakerMinRequests = lc.BreakerMinRequests
	}
	if lc.BreakerCooldownSecs > 0 {
		cfg.BreakerCooldown = time.Duration(lc.BreakerCooldownSecs) * time.Second
	}
	if lc.MaintenanceIntervalSecs > 0 {
		cfg.MaintenanceInterval = time.Duration(lc.MaintenanceIntervalSecs) * time.Second
	}

	if len(lc.Tools) > 0 {
		cfg.ToolLimits = make(map[string]ToolLimit, len(lc.Tools))
		for name, tl := range lc.Tools {
			cfg.ToolLimits[name] = ToolLimit{
				PerMinute: tl.PerMinute,
				Cooldown:  time.Duration(tl.CooldownSecs) * time.Second,
			}
		}
	}

	return cfg
}

// Result is the outcome of one admission check. Rejections carry a
// machine-usable retry-after; they are never errors.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
}

type outcome struct {
	at time.Time
	ok bool
}

// tracker holds one identity's (user, tool, or global) request history.
type tracker struct {
	requests []time.Time
	failures []time.Time

	total int
	first time.Time
	last  time.Time

	blocked      bool
	blockedUntil time.Time
}

// Governor enforces per-user, per-tool, and global ceilings, blocks abusive
// users, and trips a circuit breaker on aggregate failure bursts.
type Governor struct {
	mu sync.Mutex

	cfg    Config
	users  map[string]*tracker
	tools  map[string]*tracker
	global *tracker

	outcomes      []outcome
	globalLimiter *rate.Limiter
	inflight      int

	breakerOpen  bool
	breakerUntil time.Time

	now    func() time.Time
	logger *log.Logger
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithGovernorClock injects the time source for deterministic tests.
func WithGovernorClock(now func() time.Time) GovernorOption {
	return func(g *Governor) { g.now = now }
}

// WithGovernorLogger sets the governor's logger.
func WithGovernorLogger(l *log.Logger) GovernorOption {
	return func(g *Governor) { g.logger = l }
}

// NewGovernor creates a governor with the given thresholds.
func NewGovernor(cfg Config, opts ...GovernorOption) *Governor {
	g := &Governor{
		cfg:    cfg,
		users:  make(map[string]*tracker),
		tools:  make(map[string]*tracker),
		global: &tracker{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = shared.NewLogger(nil)
	}

	// Token bucket sized to the global per-minute ceiling; reservations use
	// the injected clock so tests can advance time.
	g.globalLimiter = rate.NewLimiter(rate.Limit(float64(cfg.GlobalPerMinute)/60.0), cfg.GlobalPerMinute)

	return g
}

// CheckAdmission decides whether one request may proceed. The first failing
// check wins; an allowed result reserves a concurrency slot that must be
// released with CompleteConcurrencySlot.
func (g *Governor) CheckAdmission(userID, tool, clientID string) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	// 1. Circuit breaker.
	if g.breakerOpen {
		if now.Before(g.breakerUntil) {
			return Result{
				Allowed:    false,
				Reason:     ReasonCircuitOpen,
				RetryAfter: g.breakerUntil.Sub(now),
				ResetTime:  g.breakerUntil,
			}
		}
		g.breakerOpen = false
		g.logger.Info("circuit breaker closed, resuming admission")
	}

	// 2. Abuse block.
	user := g.user(userID)
	if user.blocked {
		if now.Before(user.blockedUntil) {
			return Result{
				Allowed:    false,
				Reason:     ReasonUserBlocked,
				RetryAfter: user.blockedUntil.Sub(now),
				ResetTime:  user.blockedUntil,
			}
		}
		user.blocked = false
		user.blockedUntil = time.Time{}
		g.logger.Info("abuse block expired", "user", shared.MaskIdentifier(userID))
	}

	// 3. Global concurrency.
	if g.inflight >= g.cfg.MaxConcurrent {
		return Result{
			Allowed:    false,
			Reason:     ReasonConcurrency,
			RetryAfter: time.Second,
			ResetTime:  now.Add(time.Second),
		}
	}

	// 4. Global throughput.
	reservation := g.globalLimiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Result{
			Allowed:    false,
			Reason:     ReasonGlobalPerMinute,
			RetryAfter: delay,
			ResetTime:  now.Add(delay),
		}
	}

	// 5. Per-user windows, tightest first.
	for _, window := range []struct {
		span   time.Duration
		limit  int
		reason string
	}{
		{time.Minute, g.cfg.UserPerMinute, ReasonUserPerMinute},
		{time.Hour, g.cfg.UserPerHour, ReasonUserPerHour},
		{24 * time.Hour, g.cfg.UserPerDay, ReasonUserPerDay},
	} {
		if window.limit <= 0 {
			continue
		}
		if countSince(user.requests, now.Add(-window.span)) >= window.limit {
			reservation.CancelAt(now)
			reset := windowReset(user.requests, now, window.span)
			return Result{
				Allowed:    false,
				Reason:     window.reason,
				RetryAfter: reset.Sub(now),
				ResetTime:  reset,
			}
		}
	}

	// 6. Tool ceiling.
	var toolTracker *tracker
	if limit, ok := g.cfg.ToolLimits[tool]; ok && limit.PerMinute > 0 {
		toolTracker = g.tool(tool)
		if countSince(toolTracker.requests, now.Add(-time.Minute)) >= limit.PerMinute {
			reservation.CancelAt(now)
			retryAfter := limit.Cooldown
			if retryAfter <= 0 {
				retryAfter = windowReset(toolTracker.requests, now, time.Minute).Sub(now)
			}
			return Result{
				Allowed:    false,
				Reason:     ReasonToolLimit,
				RetryAfter: retryAfter,
				ResetTime:  now.Add(retryAfter),
			}
		}
	}

	g.admit(user, now)
	g.admit(g.global, now)
	if toolTracker != nil {
		g.admit(toolTracker, now)
	}
	g.inflight++

	return Result{
		Allowed:   true,
		Remaining: g.remaining(user, toolTracker, tool, now),
		ResetTime: windowReset(user.requests, now, time.Minute),
	}
}

// RecordOutcome feeds one request's success flag into abuse detection and
// the circuit breaker.
func (g *Governor) RecordOutcome(userID string, success bool, tool, clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.outcomes = append(g.outcomes, outcome{at: now, ok: success})

	if !success {
		user := g.user(userID)
		user.failures = append(user.failures, now)

		if !user.blocked && g.cfg.AbuseThreshold > 0 &&
			countSince(user.failures, now.Add(-g.cfg.AbuseWindow)) >= g.cfg.AbuseThreshold {
			user.blocked = true
			user.blockedUntil = now.Add(g.cfg.BlockDuration)
			g.logger.Warn("user blocked for abusive failure burst",
				"user", shared.MaskIdentifier(userID),
				"client", shared.MaskIdentifier(clientID),
				"until", user.blockedUntil,
			)
		}
	}

	g.evaluateBreaker(now)
}

// CompleteConcurrencySlot releases a slot reserved by an allowed admission.
func (g *Governor) CompleteConcurrencySlot() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inflight > 0 {
		g.inflight--
	}
}

// InFlight reports the current reserved concurrency slots.
func (g *Governor) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// BreakerOpen reports whether the circuit breaker is currently open.
func (g *Governor) BreakerOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breakerOpen && g.now().Before(g.breakerUntil)
}

// StartMaintenance launches the periodic pruner. It returns immediately; the
// loop stops when ctx is cancelled.
func (g *Governor) StartMaintenance(ctx context.Context) {
	interval := g.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Prune()
			}
		}
	}()
}

// Prune discards history outside the relevant windows and evicts idle,
// non-blocked users entirely.
func (g *Governor) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	g.global.requests = trimBefore(g.global.requests, hourAgo)
	g.outcomes = trimOutcomesBefore(g.outcomes, hourAgo)

	for name, t := range g.tools {
		t.requests = trimBefore(t.requests, hourAgo)
		if len(t.requests) == 0 {
			delete(g.tools, name)
		}
	}

	for id, t := range g.users {
		t.failures = trimBefore(t.failures, hourAgo)
		t.requests = trimBefore(t.requests, dayAgo)

		if !t.blocked && t.last.Before(dayAgo) {
			delete(g.users, id)
		}
	}
}

func (g *Governor) user(id string) *tracker {
	t, ok := g.users[id]
	if !ok {
		t = &tracker{}
		g.users[id] = t
	}
	return t
}

func (g *Governor) tool(name string) *tracker {
	t, ok := g.tools[name]
	if !ok {
		t = &tracker{}
		g.tools[name] = t
	}
	return t
}

func (g *Governor) admit(t *tracker, now time.Time) {
	t.requests = append(t.requests, now)
	t.total++
	if t.first.IsZero() {
		t.first = now
	}
	t.last = now
}

// remaining computes the minimum headroom across every applicable window.
func (g *Governor) remaining(user, toolTracker *tracker, tool string, now time.Time) int {
	min := g.cfg.UserPerMinute - countSince(user.requests, now.Add(-time.Minute))

	if headroom := g.cfg.UserPerHour - countSince(user.requests, now.Add(-time.Hour)); headroom < min {
		min = headroom
	}
	if headroom := g.cfg.UserPerDay - countSince(user.requests, now.Add(-24*time.Hour)); headroom < min {
		min = headroom
	}
	if toolTracker != nil {
		if limit, ok := g.cfg.ToolLimits[tool]; ok {
			if headroom := limit.PerMinute - countSince(toolTracker.requests, now.Add(-time.Minute)); headroom < min {
				min = headroom
			}
		}
	}
	if tokens := int(g.globalLimiter.TokensAt(now)); tokens < min {
		min = tokens
	}

	if min < 0 {
		min = 0
	}
	return min
}

// evaluateBreaker opens the breaker when the trailing failure ratio crosses
// the threshold with sufficient volume. It self-closes via CheckAdmission
// once the cooldown elapses.
func (g *Governor) evaluateBreaker(now time.Time) {
	if g.breakerOpen {
		return
	}

	cutoff := now.Add(-time.Minute)
	var total, failed int
	for i := len(g.outcomes) - 1; i >= 0; i-- {
		if g.outcomes[i].at.Before(cutoff) {
			break
		}
		total++
		if !g.outcomes[i].ok {
			failed++
		}
	}

	if total >= g.cfg.BreakerMinRequests && float64(failed)/float64(total) > g.cfg.BreakerFailureRatio {
		g.breakerOpen = true
		g.breakerUntil = now.Add(g.cfg.BreakerCooldown)
		g.logger.Error("circuit breaker opened, shedding all traffic",
			"failed", failed, "total", total, "until", g.breakerUntil)
	}
}

func countSince(stamps []time.Time, cutoff time.Time) int {
	count := 0
	for i := len(stamps) - 1; i >= 0; i-- {
		if stamps[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// windowReset returns when the oldest in-window request ages out.
func windowReset(stamps []time.Time, now time.Time, span time.Duration) time.Time {
	cutoff := now.Add(-span)
	for _, at := range stamps {
		if !at.Before(cutoff) {
			return at.Add(span)
		}
	}
	return now.Add(span)
}

func trimBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && stamps[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append([]time.Time(nil), stamps[idx:]...)
}

func trimOutcomesBefore(outcomes []outcome, cutoff time.Time) []outcome {
	idx := 0
	for idx < len(outcomes) && outcomes[idx].at.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return outcomes
	}
	return append([]outcome(nil), outcomes[idx:]...)
}
