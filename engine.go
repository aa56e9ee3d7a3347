package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"campfire/engine/internal/actions"
	"campfire/engine/internal/auth"
	configpkg "campfire/engine/internal/config"
	"campfire/engine/internal/events"
	"campfire/engine/internal/gameplay"
	grpcapi "campfire/engine/internal/grpc"
	"campfire/engine/internal/httpapi"
	"campfire/engine/internal/input"
	"campfire/engine/internal/intake"
	"campfire/engine/internal/journal"
	"campfire/engine/internal/logging"
	"campfire/engine/internal/replay"
	"campfire/engine/internal/simulation"
	"campfire/engine/internal/tick"
	"campfire/engine/internal/world"
)

var errTickLoopStopped = errors.New("tick loop stopped")

// engine owns every long-lived component of one process.
type engine struct {
	cfg     *configpkg.Config
	log     *logging.Logger
	balance gameplay.Balance
	started time.Time
	now     func() time.Time

	store     *world.Store
	processor *tick.Processor
	intake    *intake.Service
	gate      *input.Gate
	hub       *events.Hub
	monitor   *simulation.TickMonitor
	scheduler *simulation.Scheduler
	gateway   *Gateway
	verifier  *auth.TokenVerifier

	journal  *journal.Journal
	recorder *replay.Recorder
	cleaner  *replay.Cleaner
}

// newEngine wires the store, tick pipeline and transports from cfg. Nothing
// runs until start is called.
func newEngine(cfg *configpkg.Config, logger *logging.Logger) (*engine, error) {
	if logger == nil {
		logger = logging.L()
	}
	balance, err := gameplay.Load(cfg.BalancePath)
	if err != nil {
		return nil, err
	}
	e := &engine{cfg: cfg, log: logger, balance: balance, now: time.Now}

	//1.- Optional sinks: the action journal and the replay recorder.
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, journal.Options{Logger: logger.With(logging.String("component", "journal"))})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		e.journal = j
	}
	if cfg.ReplayDir != "" {
		if err := e.openReplay(); err != nil {
			e.closeSinks()
			return nil, err
		}
	}

	//2.- The world and the single tick pipeline that mutates it.
	e.store = world.NewStore(gameplay.NewWorld(balance))
	e.hub = events.NewHub(events.Config{})
	opts := tick.Options{
		Balance:    balance,
		MaxPlayers: cfg.MaxPlayers,
		EmptyTicks: cfg.EmptyTickPolicy,
		Logger:     logger.With(logging.String("component", "tick")),
		Emitters:   []tick.Emitter{e.hub},
	}
	if e.recorder != nil {
		opts.Emitters = append(opts.Emitters, e.recorder)
		opts.Inputs = e.recorder
	}
	if e.journal != nil {
		opts.Emitters = append(opts.Emitters, e.journal)
	}
	e.processor = tick.NewProcessor(e.store, opts)

	resolver, err := actions.NewDefaultResolver(balance)
	if err != nil {
		e.closeSinks()
		return nil, err
	}
	e.gate = input.NewGate(input.Config{Rate: cfg.SubmitRate, Burst: cfg.SubmitBurst}, logger)
	intakeOpts := intake.Options{Gate: e.gate, Logger: logger.With(logging.String("component", "intake"))}
	if e.journal != nil {
		intakeOpts.Observers = append(intakeOpts.Observers, e.journal)
	}
	e.intake = intake.New(e.store, resolver, e.processor, intakeOpts)

	e.monitor = simulation.NewTickMonitor()
	e.scheduler = simulation.NewScheduler(func(ctx context.Context) error {
		_, err := e.processor.Step(ctx)
		return err
	}, simulation.Options{
		Interval:   cfg.TickInterval,
		Policy:     cfg.OverrunPolicy,
		MaxCatchUp: cfg.MaxCatchUpTicks,
		Monitor:    e.monitor,
		Logger:     logger.With(logging.String("component", "scheduler")),
	})

	//3.- Player-facing realtime transport.
	authenticator := websocketAuthenticator(anonymousAuthenticator{})
	if cfg.AuthSecret != "" {
		verifier, err := newTokenVerifier(cfg.AuthSecret)
		if err != nil {
			e.closeSinks()
			return nil, err
		}
		e.verifier = verifier
		authenticator = newJWTWebsocketAuthenticator(verifier)
	}
	e.gateway, err = NewGateway(GatewayOptions{
		Intake:          e.intake,
		ChangeSets:      e.hub,
		World:           e.store.Read,
		Authenticator:   authenticator,
		Logger:          logger,
		PingInterval:    cfg.PingInterval,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		MaxClients:      cfg.MaxClients,
		AllowedOrigins:  cfg.AllowedOrigins,
	})
	if err != nil {
		e.closeSinks()
		return nil, err
	}
	return e, nil
}

func (e *engine) openReplay() error {
	writer, _, err := replay.NewWriter(e.cfg.ReplayDir, "engine", e.now)
	if err != nil {
		return fmt.Errorf("open replay: %w", err)
	}
	writer.SetHeader(replay.Header{
		Balance:    e.balance,
		MaxPlayers: e.cfg.MaxPlayers,
		EmptyTicks: e.cfg.EmptyTickPolicy,
	})
	recorder, err := replay.NewRecorder(writer, e.log.With(logging.String("component", "replay")))
	if err != nil {
		_ = writer.Close()
		return err
	}
	e.recorder = recorder
	e.cleaner = replay.NewCleaner(e.cfg.ReplayDir, replay.RetentionPolicy{
		MaxRuns: e.cfg.ReplayMaxRuns,
		MaxAge:  e.cfg.ReplayMaxAge,
	}, writer.Directory, e.log.With(logging.String("component", "replay_cleaner")))
	return nil
}

// start launches the tick loop.
func (e *engine) start(ctx context.Context) {
	e.started = e.now()
	e.scheduler.Start(ctx)
}

// Ready implements httpapi.ReadinessProvider.
func (e *engine) Ready() error {
	if e.started.IsZero() {
		return errors.New("tick loop not started")
	}
	select {
	case <-e.scheduler.Done():
		if err := e.scheduler.Err(); err != nil {
			return fmt.Errorf("%w: %v", errTickLoopStopped, err)
		}
		return errTickLoopStopped
	default:
		return nil
	}
}

// Uptime implements httpapi.ReadinessProvider.
func (e *engine) Uptime() time.Duration {
	if e.started.IsZero() {
		return 0
	}
	return e.now().Sub(e.started)
}

func (e *engine) metrics() httpapi.Metrics {
	intakeStats := e.intake.Stats()
	published, lagged := e.hub.Stats()
	m := httpapi.Metrics{
		Tick:        e.processor.Stats(),
		Timing:      e.monitor.Snapshot(),
		Accepted:    intakeStats.Accepted,
		Rejected:    intakeStats.Rejected,
		InputDrops:  e.gate.Totals(),
		Published:   published,
		Lagged:      lagged,
		Subscribers: e.hub.Subscribers(),
		Clients:     e.gateway.Clients(),
	}
	if e.journal != nil {
		written, dropped := e.journal.Stats()
		m.Journal = &httpapi.JournalStats{Written: written, Dropped: dropped}
	}
	if e.recorder != nil {
		snapshot := e.recorder.Snapshot()
		m.Replay = &snapshot
	}
	return m
}

// handler assembles the HTTP surface: websocket, read APIs and admin routes.
func (e *engine) handler() http.Handler {
	opts := httpapi.Options{
		Logger:      e.log.With(logging.String("component", "http")),
		Readiness:   e,
		Metrics:     e.metrics,
		Pending:     e.processor,
		World:       e.store.Read,
		Despawner:   e.intake,
		AdminToken:  e.cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(e.cfg.AdminWindow, e.cfg.AdminBurst, e.now),
	}
	if e.journal != nil {
		opts.History = e.journal
	}
	if e.recorder != nil {
		opts.Replay = e.recorder
	}
	if e.verifier != nil {
		opts.Tokens = e.verifier
	}

	mux := http.NewServeMux()
	httpapi.NewHandlerSet(opts).Register(mux)
	registerActionCatalog(mux, e.balance)
	mux.Handle("GET /ws", e.gateway)
	return logging.HTTPTraceMiddleware(e.log)(mux)
}

// grpcServer builds the service-to-service endpoint with the configured security.
func (e *engine) grpcServer() (*grpc.Server, error) {
	security, err := configureGRPCSecurity(e.cfg, e.log)
	if err != nil {
		return nil, err
	}
	svc, err := grpcapi.NewService(e.intake, e.hub, grpcapi.WithLogger(e.log.With(logging.String("component", "grpc"))))
	if err != nil {
		return nil, err
	}
	opts := append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, security...)
	server := grpc.NewServer(opts...)
	grpcapi.RegisterEngineServer(server, svc)
	return server, nil
}

// shutdown stops intake, lets the in-flight tick finish, closes the store and
// flushes the sinks. Safe to call once.
func (e *engine) shutdown() error {
	e.intake.Close()
	e.scheduler.Stop()
	e.store.Close()
	e.gateway.Close()
	e.hub.Close()
	return e.closeSinks()
}

func (e *engine) closeSinks() error {
	var errs []error
	if e.recorder != nil {
		if err := e.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close replay: %w", err))
		}
	}
	if e.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.journal.Flush(ctx); err != nil && !errors.Is(err, journal.ErrClosed) {
			errs = append(errs, fmt.Errorf("flush journal: %w", err))
		}
		cancel()
		if err := e.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}
