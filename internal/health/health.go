// Package health runs the periodic connection check against the router.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/matrixctl/internal/events"
	"github.com/danmuck/matrixctl/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const source = "health"

var (
	ErrInvalidSchedule = errors.New("health: invalid schedule")
	ErrStopTimeout     = errors.New("health: running check did not finish in time")
)

// Prober reports whether the router answers a status request.
type Prober interface {
	Probe(ctx context.Context) bool
}

type Config struct {
	Schedule     string
	InitialDelay time.Duration
	StopTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Schedule:     "@every 10s",
		InitialDelay: 100 * time.Millisecond,
		StopTimeout:  2 * time.Second,
	}
}

// Checker probes the router on a cron schedule and publishes
// connection.changed whenever the result flips.
type Checker struct {
	prober Prober
	bus    *events.Bus
	cfg    Config
	log    zerolog.Logger
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	known     bool
	connected bool
	lastCheck time.Time
	started   bool
}

func New(p Prober, bus *events.Bus, cfg Config) (*Checker, error) {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	logger := log.With().Str("component", source).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Checker{
		prober: p,
		bus:    bus,
		cfg:    cfg,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})))
	if _, err := c.cron.AddFunc(cfg.Schedule, func() { c.Check(c.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, cfg.Schedule, err)
	}
	return c, nil
}

// Start runs an initial check after InitialDelay and then follows the
// schedule. Starting twice is a no-op.
func (c *Checker) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(c.cfg.InitialDelay)
		defer timer.Stop()
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}
		c.Check(c.ctx)
	}()
	c.cron.Start()
	c.log.Info().Str("schedule", c.cfg.Schedule).Msg("health check started")
}

// Stop halts the schedule and waits for a running check, bounded by
// StopTimeout.
func (c *Checker) Stop() error {
	c.cancel()
	cronDone := c.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		c.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		c.log.Info().Msg("health check stopped")
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Check probes once and records the result.
func (c *Checker) Check(ctx context.Context) bool {
	if ctx.Err() != nil {
		return c.Connected()
	}
	ok := c.prober.Probe(ctx)
	if ctx.Err() != nil {
		// cancelled mid-probe, the result says nothing about the router
		return c.Connected()
	}

	c.mu.Lock()
	changed := !c.known || c.connected != ok
	c.known = true
	c.connected = ok
	c.lastCheck = time.Now()
	c.mu.Unlock()

	observability.SetRouterConnected(ok)
	if changed {
		c.log.Info().Bool("connected", ok).Msg("router connection changed")
		c.bus.Publish(events.ConnectionChanged, source, events.ConnectionData{Connected: ok})
	}
	return ok
}

func (c *Checker) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastCheck is zero until the first probe completes.
func (c *Checker) LastCheck() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCheck
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
