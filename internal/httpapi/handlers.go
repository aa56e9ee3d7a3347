// Package httpapi serves the engine's operational and read-only HTTP surface.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/input"
	"campfire/engine/internal/journal"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/replay"
	"campfire/engine/internal/simulation"
	"campfire/engine/internal/tick"
	"campfire/engine/internal/world"
)

// ReadinessProvider exposes engine state required for readiness checks.
type ReadinessProvider interface {
	Ready() error
	Uptime() time.Duration
}

// Metrics is one scrape worth of engine counters.
type Metrics struct {
	Tick        tick.Stats
	Timing      simulation.TickMetricsSnapshot
	Accepted    uint64
	Rejected    uint64
	InputDrops  input.DropCounters
	Published   uint64
	Lagged      uint64
	Subscribers int
	Clients     int
	Journal     *JournalStats
	Replay      *replay.Stats
}

// JournalStats reports journal write outcomes.
type JournalStats struct {
	Written uint64
	Dropped uint64
}

// MetricsFunc gathers a metrics snapshot.
type MetricsFunc func() Metrics

// History answers action history queries.
type History interface {
	Actions(ctx context.Context, q journal.Query) ([]journal.Entry, error)
	Rejections(ctx context.Context, player world.PlayerID, limit int) ([]journal.Entry, error)
}

// PendingSource lists in-flight actions.
type PendingSource interface {
	Pending(player world.PlayerID) []actions.InFlight
}

// WorldReader runs fn against a consistent view of the world.
type WorldReader func(fn func(world.View) error) error

// Despawner queues operator entity removals.
type Despawner interface {
	Despawn(ctx context.Context, id world.EntityID) error
}

// ReplayFlusher persists buffered replay records.
type ReplayFlusher interface {
	Flush() error
}

// TokenIssuer signs player tokens for the realtime gateway.
type TokenIssuer interface {
	Issue(playerID, name string, ttl time.Duration) (string, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Metrics     MetricsFunc
	History     History
	Pending     PendingSource
	World       WorldReader
	Despawner   Despawner
	Replay      ReplayFlusher
	Tokens      TokenIssuer
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the engine's HTTP handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	metrics     MetricsFunc
	history     History
	pending     PendingSource
	world       WorldReader
	despawner   Despawner
	replay      ReplayFlusher
	tokens      TokenIssuer
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		metrics:     opts.Metrics,
		history:     opts.History,
		pending:     opts.Pending,
		world:       opts.World,
		despawner:   opts.Despawner,
		replay:      opts.Replay,
		tokens:      opts.Tokens,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /livez", h.LivenessHandler())
	mux.HandleFunc("GET /readyz", h.ReadinessHandler())
	mux.HandleFunc("GET /metrics", h.MetricsHandler())
	mux.HandleFunc("GET /api/world", h.WorldHandler())
	mux.HandleFunc("GET /api/history", h.HistoryHandler())
	mux.HandleFunc("GET /api/players/{id}/actions", h.PlayerActionsHandler())
	mux.HandleFunc("GET /api/players/{id}/pending", h.PendingHandler())
	mux.HandleFunc("POST /admin/replay/flush", h.admin("replay_flush", h.replayFlush))
	mux.HandleFunc("POST /admin/despawn", h.admin("despawn", h.despawn))
	mux.HandleFunc("POST /admin/tokens", h.admin("issue_token", h.issueToken))
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports whether the tick loop is running.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.Ready(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m Metrics
		if h.metrics != nil {
			m = h.metrics()
		}
		var uptime float64
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		metric(w, "engine_uptime_seconds", "gauge", "Engine uptime in seconds.", fmt.Sprintf("%.0f", uptime))
		metric(w, "engine_ticks_total", "counter", "Ticks processed.", m.Tick.Ticks)
		metric(w, "engine_tick_duration_seconds_avg", "gauge", "Average tick processing time.", fmt.Sprintf("%.6f", m.Timing.Average.Seconds()))
		metric(w, "engine_tick_duration_seconds_max", "gauge", "Slowest observed tick.", fmt.Sprintf("%.6f", m.Timing.Max.Seconds()))
		metric(w, "engine_tick_overruns_total", "counter", "Ticks that outlasted their interval.", m.Timing.Overruns)
		metric(w, "engine_tick_skipped_total", "counter", "Intervals dropped after an overrun.", m.Timing.Skipped)
		metric(w, "engine_tick_caught_up_total", "counter", "Extra ticks run to catch up after an overrun.", m.Timing.CaughtUp)
		metric(w, "engine_actions_accepted_total", "counter", "Actions accepted by intake.", m.Accepted)
		metric(w, "engine_actions_rejected_total", "counter", "Actions rejected by intake.", m.Rejected)
		metric(w, "engine_input_dropped_sequence_total", "counter", "Submissions dropped as replayed or out of order.", m.InputDrops.Sequence)
		metric(w, "engine_input_dropped_stale_total", "counter", "Submissions dropped as stale.", m.InputDrops.Stale)
		metric(w, "engine_input_dropped_rate_limit_total", "counter", "Submissions dropped by the per-player rate limit.", m.InputDrops.RateLimited)
		metric(w, "engine_actions_dispatched_total", "counter", "Actions dispatched at drain.", m.Tick.Dispatched)
		metric(w, "engine_actions_completed_total", "counter", "Actions that completed.", m.Tick.Completed)
		metric(w, "engine_actions_failed_total", "counter", "Actions that failed at dispatch or completion.", m.Tick.Failed)
		metric(w, "engine_actions_pending", "gauge", "Actions awaiting completion.", m.Tick.Pending)
		metric(w, "engine_inbox_depth", "gauge", "Commands queued for the next tick.", m.Tick.Queued)
		metric(w, "engine_changesets_published_total", "counter", "Change sets fanned out.", m.Published)
		metric(w, "engine_subscribers_lagged_total", "counter", "Subscribers detached for lagging.", m.Lagged)
		metric(w, "engine_subscribers", "gauge", "Attached change set subscribers.", m.Subscribers)
		metric(w, "engine_clients", "gauge", "Connected realtime clients.", m.Clients)
		if m.Journal != nil {
			metric(w, "engine_journal_writes_total", "counter", "Journal rows written.", m.Journal.Written)
			metric(w, "engine_journal_dropped_total", "counter", "Journal writes dropped on a full queue.", m.Journal.Dropped)
		}
		if m.Replay != nil {
			metric(w, "engine_replay_buffer_frames", "gauge", "Buffered replay change sets awaiting flush.", m.Replay.BufferedFrames)
			metric(w, "engine_replay_buffer_bytes", "gauge", "Buffered replay payload size in bytes.", m.Replay.BufferedBytes)
			metric(w, "engine_replay_flushes_total", "counter", "Replay flushes completed successfully.", m.Replay.Flushes)
		}
	}
}

func metric(w http.ResponseWriter, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %v\n", name, value)
}

// WorldHandler returns the full current world.
func (h *HandlerSet) WorldHandler() http.HandlerFunc {
	type response struct {
		Tick     uint64         `json:"tick"`
		Players  []world.Player `json:"players"`
		Entities []world.Entity `json:"entities"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.world == nil {
			http.Error(w, "world unavailable", http.StatusServiceUnavailable)
			return
		}
		var resp response
		err := h.world(func(view world.View) error {
			resp = response{Tick: view.Tick(), Players: view.Players(), Entities: view.Entities()}
			return nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HistoryHandler lists journalled actions, filtered by player and status.
func (h *HandlerSet) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := journal.Query{
			PlayerID: world.PlayerID(strings.TrimSpace(r.URL.Query().Get("player"))),
			Status:   strings.TrimSpace(r.URL.Query().Get("status")),
			Limit:    queryInt(r, "limit"),
		}
		h.writeHistory(w, r, q)
	}
}

// PlayerActionsHandler lists one player's journalled actions and rejections.
func (h *HandlerSet) PlayerActionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		player := world.PlayerID(r.PathValue("id"))
		if r.URL.Query().Get("status") == journal.StatusRejected {
			if h.history == nil {
				http.Error(w, "action history is unavailable", http.StatusServiceUnavailable)
				return
			}
			entries, err := h.history.Rejections(r.Context(), player, queryInt(r, "limit"))
			if err != nil {
				h.logger.Error("rejection query failed", logging.Error(err))
				http.Error(w, "history query failed", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, nonNil(entries))
			return
		}
		h.writeHistory(w, r, journal.Query{PlayerID: player, Status: r.URL.Query().Get("status"), Limit: queryInt(r, "limit")})
	}
}

func (h *HandlerSet) writeHistory(w http.ResponseWriter, r *http.Request, q journal.Query) {
	if h.history == nil {
		http.Error(w, "action history is unavailable", http.StatusServiceUnavailable)
		return
	}
	entries, err := h.history.Actions(r.Context(), q)
	if err != nil {
		h.logger.Error("history query failed", logging.Error(err))
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// PendingHandler lists a player's in-flight actions in completion order.
func (h *HandlerSet) PendingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.pending == nil {
			http.Error(w, "pending actions are unavailable", http.StatusServiceUnavailable)
			return
		}
		pending := h.pending.Pending(world.PlayerID(r.PathValue("id")))
		if pending == nil {
			pending = []actions.InFlight{}
		}
		writeJSON(w, http.StatusOK, pending)
	}
}

type adminFunc func(w http.ResponseWriter, r *http.Request, logger *logging.Logger)

func (h *HandlerSet) admin(name string, next adminFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", name),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("admin request denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("admin request denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			if hinted, ok := h.rateLimiter.(interface{ RetryAfter() time.Duration }); ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(hinted.RetryAfter().Seconds()))))
			}
			reqLogger.Warn("admin request denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r, reqLogger)
	}
}

func (h *HandlerSet) replayFlush(w http.ResponseWriter, _ *http.Request, logger *logging.Logger) {
	if h.replay == nil {
		logger.Warn("replay flush denied: recording disabled")
		http.Error(w, "replay recording is unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := h.replay.Flush(); err != nil {
		logger.Error("replay flush failed", logging.Error(err))
		http.Error(w, "failed to flush replay", http.StatusInternalServerError)
		return
	}
	logger.Info("replay flushed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (h *HandlerSet) despawn(w http.ResponseWriter, r *http.Request, logger *logging.Logger) {
	if h.despawner == nil {
		http.Error(w, "despawn is unavailable", http.StatusServiceUnavailable)
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("entity_id"))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		http.Error(w, "entity_id must be a positive integer", http.StatusBadRequest)
		return
	}
	if err := h.despawner.Despawn(r.Context(), world.EntityID(id)); err != nil {
		var rejected *actions.RejectedError
		switch {
		case errors.As(err, &rejected):
			http.Error(w, rejected.Reason, http.StatusNotFound)
		case errors.Is(err, world.ErrStateUnavailable):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			logger.Error("despawn failed", logging.Error(err))
			http.Error(w, "despawn failed", http.StatusInternalServerError)
		}
		return
	}
	logger.Info("despawn accepted", logging.Uint64("entity_id", id))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "entity_id": id})
}

func (h *HandlerSet) issueToken(w http.ResponseWriter, r *http.Request, logger *logging.Logger) {
	if h.tokens == nil {
		http.Error(w, "player tokens are not configured", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		PlayerID   string `json:"player_id"`
		Name       string `json:"name"`
		TTLSeconds int    `json:"ttl_seconds"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ttl := time.Duration(body.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := h.tokens.Issue(body.PlayerID, body.Name, ttl)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.Info("player token issued", logging.String("player_id", body.PlayerID))
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": h.now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func nonNil(entries []journal.Entry) []journal.Entry {
	if entries == nil {
		return []journal.Entry{}
	}
	return entries
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
