package simulation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"campfire/engine/internal/config"
	"campfire/engine/internal/logging"
)

// StepFunc processes exactly one tick. A returned error is fatal and halts
// the scheduler.
type StepFunc func(ctx context.Context) error

// Ticker abstracts time.Ticker so tests can drive the loop by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

func newRealTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

// Options tune a Scheduler.
type Options struct {
	Interval   time.Duration
	Policy     config.OverrunPolicy
	MaxCatchUp int
	Monitor    *TickMonitor
	Logger     *logging.Logger
	NewTicker  TickerFactory
	Now        func() time.Time
	Tracer     trace.Tracer
}

// Scheduler invokes the tick step at a fixed wall-clock interval. Only one
// step runs at a time; a step that outlasts the interval is handled by the
// configured overrun policy.
type Scheduler struct {
	step     StepFunc
	interval time.Duration
	policy   config.OverrunPolicy
	catchUp  int
	monitor  *TickMonitor
	log      *logging.Logger
	ticker   TickerFactory
	now      func() time.Time
	tracer   trace.Tracer

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
}

// NewScheduler configures a scheduler around step.
func NewScheduler(step StepFunc, opts Options) *Scheduler {
	if step == nil {
		step = func(context.Context) error { return nil }
	}
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultTickInterval
	}
	if opts.Policy == "" {
		opts.Policy = config.OverrunDefer
	}
	if opts.MaxCatchUp <= 0 {
		opts.MaxCatchUp = config.DefaultMaxCatchUpTicks
	}
	if opts.NewTicker == nil {
		opts.NewTicker = newRealTicker
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("campfire/engine/simulation")
	}
	return &Scheduler{
		step:     step,
		interval: opts.Interval,
		policy:   opts.Policy,
		catchUp:  opts.MaxCatchUp,
		monitor:  opts.Monitor,
		log:      opts.Logger,
		ticker:   opts.NewTicker,
		now:      opts.Now,
		tracer:   opts.Tracer,
		done:     make(chan struct{}),
	}
}

// Start begins ticking until ctx is cancelled, Stop is invoked or a step fails.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	ticker := s.ticker(s.interval)
	go s.run(ctx, ticker)
}

func (s *Scheduler) run(ctx context.Context, ticker Ticker) {
	defer close(s.done)
	defer ticker.Stop()
	s.log.Info("tick scheduler started",
		logging.Duration("interval", s.interval),
		logging.String("overrun_policy", string(s.policy)),
	)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("tick scheduler stopped")
			return
		case <-ticker.C():
			//1.- Run the due tick and measure it against the interval.
			elapsed, err := s.runStep(ctx)
			if err != nil {
				s.fail(err)
				return
			}
			if elapsed <= s.interval {
				continue
			}
			//2.- Apply the overrun policy to the intervals the slow tick swallowed.
			missed := int(elapsed / s.interval)
			caughtUp := 0
			if s.policy == config.OverrunCatchUp {
				for caughtUp < missed && caughtUp < s.catchUp {
					if ctx.Err() != nil {
						return
					}
					if _, err := s.runStep(ctx); err != nil {
						s.fail(err)
						return
					}
					caughtUp++
				}
			}
			//3.- Drop any tick that queued up meanwhile so the next one lands on a fresh boundary.
			drain(ticker.C())
			skipped := missed - caughtUp
			s.monitor.ObserveOverrun(skipped, caughtUp)
			s.log.Warn("tick overran interval",
				logging.Duration("elapsed", elapsed),
				logging.Duration("interval", s.interval),
				logging.Int("skipped", skipped),
				logging.Int("caught_up", caughtUp),
			)
		}
	}
}

func (s *Scheduler) runStep(ctx context.Context) (time.Duration, error) {
	ctx, span := s.tracer.Start(ctx, "simulation.tick")
	defer span.End()
	started := s.now()
	err := s.step(ctx)
	elapsed := s.now().Sub(started)
	s.monitor.Observe(elapsed)
	span.SetAttributes(attribute.Int64("tick.elapsed_us", elapsed.Microseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tick step failed")
	}
	return elapsed, err
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Error("tick scheduler halted", logging.Error(err))
}

func drain(c <-chan time.Time) {
	for {
		select {
		case <-c:
		default:
			return
		}
	}
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel, started := s.cancel, s.started
	s.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-s.done
}

// Done is closed once the loop has exited for any reason.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal step error that halted the loop, if any.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Interval exposes the configured tick length.
func (s *Scheduler) Interval() time.Duration {
	if s == nil {
		return 0
	}
	return s.interval
}

// ErrHalted is returned by Wait when the loop stopped because a step failed.
var ErrHalted = errors.New("tick scheduler halted")

// Wait blocks until the loop exits or ctx is done and reports a fatal step error.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
	}
	if err := s.Err(); err != nil {
		return errors.Join(ErrHalted, err)
	}
	return nil
}
