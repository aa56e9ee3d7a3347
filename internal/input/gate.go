package input

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"campfire/engine/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

// systemClock relies on time.Now for production code paths.
type systemClock struct{}

// Now implements Clock by delegating to time.Now.
func (systemClock) Now() time.Time { return time.Now() }

// Config controls the freshness and throughput gates applied to player submissions.
type Config struct {
	// MaxAge drops submissions whose client timestamp is older than this. Zero disables the check.
	MaxAge time.Duration
	// Rate is the sustained submissions per second allowed per player. Zero disables throttling.
	Rate float64
	// Burst is how many submissions may arrive back to back.
	Burst int
}

// DropReason enumerates why a submission was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonStale       DropReason = "stale"
	DropReasonRateLimited DropReason = "rate_limit"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a submission passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
	Delay    time.Duration
}

// Frame captures the metadata required to gate a submission. A zero
// SequenceID means the client does not sequence its messages.
type Frame struct {
	PlayerID   string
	SequenceID uint64
	SentAt     time.Time
}

type playerState struct {
	lastSequence uint64
	limiter      *rate.Limiter
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	Stale       uint64 `json:"stale"`
	RateLimited uint64 `json:"rate_limited"`
}

// Metrics stores per-player drop counters for diagnostics.
type Metrics struct {
	mu    sync.RWMutex
	drops map[string]DropCounters
}

// newMetrics provisions an empty metrics container.
func newMetrics() *Metrics {
	return &Metrics{drops: make(map[string]DropCounters)}
}

// observe increments the counter for the supplied reason.
func (m *Metrics) observe(playerID string, reason DropReason) {
	if m == nil || playerID == "" || reason == DropReasonNone {
		return
	}
	m.mu.Lock()
	current := m.drops[playerID]
	switch reason {
	case DropReasonSequence:
		current.Sequence++
	case DropReasonStale:
		current.Stale++
	case DropReasonRateLimited:
		current.RateLimited++
	}
	m.drops[playerID] = current
	m.mu.Unlock()
}

// Totals sums the counters across every player.
func (m *Metrics) Totals() DropCounters {
	var total DropCounters
	if m == nil {
		return total
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, counters := range m.drops {
		total.Sequence += counters.Sequence
		total.Stale += counters.Stale
		total.RateLimited += counters.RateLimited
	}
	return total
}

// snapshot returns a deep copy of the counters for external consumption.
func (m *Metrics) snapshot() map[string]DropCounters {
	if m == nil {
		return nil
	}
	//1.- Hold the read lock while cloning to avoid exposing internal maps.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(m.drops))
	for playerID, counters := range m.drops {
		clone[playerID] = counters
	}
	return clone
}

func (m *Metrics) forget(playerID string) {
	if m == nil || playerID == "" {
		return
	}
	m.mu.Lock()
	delete(m.drops, playerID)
	m.mu.Unlock()
}

// Gate enforces sequencing, freshness and a per-player token bucket on
// inbound action submissions.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	logger  *logging.Logger
	metrics *Metrics
	players map[string]*playerState
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for latency and token bucket calculations.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithMetrics injects a pre-built metrics container, enabling shared aggregation across gates.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gate) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	//1.- Normalise negative values so the corresponding checks are simply disabled.
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.Rate < 0 {
		cfg.Rate = 0
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = logging.L()
	}
	gate := &Gate{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		metrics: newMetrics(),
		players: make(map[string]*playerState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies sequencing, freshness and throughput guards to the frame.
func (g *Gate) Evaluate(frame Frame) Decision {
	decision := Decision{Accepted: true}
	if g == nil || frame.PlayerID == "" {
		return decision
	}
	now := g.clock.Now()
	if !frame.SentAt.IsZero() {
		//1.- Compute the wall-clock delay between capture and arrival for diagnostics.
		decision.Delay = max(now.Sub(frame.SentAt), 0)
	}

	g.mu.Lock()
	state := g.players[frame.PlayerID]
	if state == nil {
		//2.- Track the newly observed player with a full token bucket.
		state = &playerState{}
		if g.cfg.Rate > 0 {
			state.limiter = rate.NewLimiter(rate.Limit(g.cfg.Rate), g.cfg.Burst)
		}
		g.players[frame.PlayerID] = state
	}

	switch {
	case frame.SequenceID != 0 && frame.SequenceID <= state.lastSequence:
		decision.Accepted, decision.Reason = false, DropReasonSequence
	case g.cfg.MaxAge > 0 && decision.Delay > g.cfg.MaxAge:
		decision.Accepted, decision.Reason = false, DropReasonStale
	case state.limiter != nil && !state.limiter.AllowN(now, 1):
		decision.Accepted, decision.Reason = false, DropReasonRateLimited
	default:
		//3.- Promote the frame as the latest accepted submission.
		if frame.SequenceID != 0 {
			state.lastSequence = frame.SequenceID
		}
	}
	g.mu.Unlock()

	if !decision.Accepted {
		g.metrics.observe(frame.PlayerID, decision.Reason)
		g.logger.Debug("submission dropped",
			logging.String("player_id", frame.PlayerID),
			logging.String("reason", decision.Reason.String()),
		)
	}
	return decision
}

// Forget clears cached sequencing and metrics for a departed player.
func (g *Gate) Forget(playerID string) {
	if g == nil || playerID == "" {
		return
	}
	g.mu.Lock()
	delete(g.players, playerID)
	g.mu.Unlock()
	g.metrics.forget(playerID)
}

// Metrics returns a snapshot of the latest drop counters.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	return g.metrics.snapshot()
}

// Totals returns the drop counters summed over all players.
func (g *Gate) Totals() DropCounters {
	if g == nil {
		return DropCounters{}
	}
	return g.metrics.Totals()
}
