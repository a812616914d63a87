package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/matrixctl/internal/events"
	"github.com/danmuck/matrixctl/internal/matrix"
	"github.com/danmuck/matrixctl/internal/observability"
	"github.com/danmuck/matrixctl/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const source = "poller"

var (
	ErrInvalidInterval = errors.New("poller: interval must be positive")
	ErrInvalidKind     = errors.New("poller: kind cannot be polled")
	ErrStopTimeout     = errors.New("poller: loop did not exit in time")
)

// Querier is the subset of the protocol client the poller drives.
type Querier interface {
	Status(ctx context.Context) (matrix.Status, error)
	MatrixTelemetry(ctx context.Context, card, slot int) (string, error)
	ChassisTelemetry(ctx context.Context) (matrix.Chassis, error)
}

type Config struct {
	Interval    time.Duration
	Kinds       []events.Kind
	Card        int
	Slot        int
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		Kinds:       []events.Kind{events.KindStatus},
		StopTimeout: 2 * time.Second,
	}
}

// run is one Start..Stop lifetime of the loop.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

// Poller periodically queries the enabled telemetry kinds and publishes what
// comes back. Only one loop runs at a time.
type Poller struct {
	q   Querier
	bus *events.Bus
	log zerolog.Logger

	mu          sync.Mutex
	interval    time.Duration
	kinds       map[events.Kind]bool
	card        int
	slot        int
	stopTimeout time.Duration
	current     *run

	trigger  chan struct{}
	reconfig chan struct{}
}

func New(q Querier, bus *events.Bus, cfg Config) (*Poller, error) {
	def := DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.Kinds == nil {
		cfg.Kinds = def.Kinds
	}
	p := &Poller{
		q:           q,
		bus:         bus,
		log:         log.With().Str("component", source).Logger(),
		card:        cfg.Card,
		slot:        cfg.Slot,
		stopTimeout: cfg.StopTimeout,
		trigger:     make(chan struct{}, 1),
		reconfig:    make(chan struct{}, 1),
	}
	if err := p.SetInterval(cfg.Interval); err != nil {
		return nil, err
	}
	if err := p.SetKinds(cfg.Kinds...); err != nil {
		return nil, err
	}
	return p, nil
}

// Start launches the loop. Starting a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r := &run{ctx: loopCtx, cancel: cancel, done: make(chan struct{})}
	p.current = r
	go p.loop(r)
	p.log.Info().Dur("interval", p.interval).Strs("kinds", kindNames(p.kindsLocked())).Msg("poller started")
}

// Stop cancels the loop and waits for it to exit, bounded by the stop
// timeout. No events are published once Stop returns, even on timeout.
func (p *Poller) Stop() error {
	p.mu.Lock()
	r := p.current
	p.current = nil
	timeout := p.stopTimeout
	p.mu.Unlock()
	if r == nil {
		return nil
	}

	r.cancel()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		p.log.Info().Msg("poller stopped")
		return nil
	case <-timer.C:
		p.log.Warn().Dur("timeout", timeout).Msg("poller stop timed out; in-flight exchange left to finish")
		return ErrStopTimeout
	}
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval changes the wait between cycles. A running loop re-evaluates
// its current wait immediately.
func (p *Poller) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, d)
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
	signal(p.reconfig)
	return nil
}

// SetKinds replaces the enabled kinds. An empty set leaves the loop idle.
func (p *Poller) SetKinds(kinds ...events.Kind) error {
	next := make(map[events.Kind]bool, len(kinds))
	for _, k := range kinds {
		if !pollable(k) {
			return fmt.Errorf("%w: %q", ErrInvalidKind, k)
		}
		next[k] = true
	}
	p.mu.Lock()
	p.kinds = next
	p.mu.Unlock()
	return nil
}

func (p *Poller) Kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kindsLocked()
}

// SetCardSlot selects the card and slot used for MATRIX telemetry.
func (p *Poller) SetCardSlot(card, slot int) error {
	if _, err := frame.MatrixTelemetry(card, slot); err != nil {
		return err
	}
	p.mu.Lock()
	p.card, p.slot = card, slot
	p.mu.Unlock()
	return nil
}

func (p *Poller) CardSlot() (card, slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.card, p.slot
}

// Trigger wakes the loop for an immediate cycle.
func (p *Poller) Trigger() {
	signal(p.trigger)
}

func (p *Poller) kindsLocked() []events.Kind {
	out := make([]events.Kind, 0, len(p.kinds))
	for _, k := range events.PollKinds {
		if p.kinds[k] {
			out = append(out, k)
		}
	}
	return out
}

func (p *Poller) loop(r *run) {
	defer close(r.done)
	for {
		p.cycle(r)
		last := time.Now()
	wait:
		for {
			remaining := time.Until(last.Add(p.Interval()))
			if remaining <= 0 {
				break
			}
			timer := time.NewTimer(remaining)
			select {
			case <-r.ctx.Done():
				timer.Stop()
				return
			case <-p.trigger:
				timer.Stop()
				break wait
			case <-p.reconfig:
				timer.Stop()
			case <-timer.C:
				break wait
			}
		}
		if r.ctx.Err() != nil {
			return
		}
	}
}

// Poller cycle: each enabled kind once, in a fixed order.
func (p *Poller) cycle(r *run) {
	p.mu.Lock()
	kinds := p.kindsLocked()
	card, slot := p.card, p.slot
	p.mu.Unlock()

	for _, kind := range kinds {
		if r.ctx.Err() != nil {
			return
		}
		var err error
		switch kind {
		case events.KindStatus:
			err = p.pollStatus(r)
		case events.KindMatrix:
			err = p.pollMatrix(r, card, slot)
		case events.KindChassis:
			err = p.pollChassis(r)
		}
		p.report(r, kind, err)
	}
}

func (p *Poller) pollStatus(r *run) error {
	observedAt := time.Now()
	st, err := p.q.Status(r.ctx)
	if st.Raw != "" {
		p.publish(r, events.TelemetrySample, events.TelemetryData{
			Kind:   events.KindStatus,
			Raw:    st.Raw,
			Routes: st.Routes,
		})
	}
	if err != nil {
		return err
	}
	p.publish(r, events.StatusUpdate, events.StatusData{
		Routes:     st.Routes,
		Origin:     events.OriginPoll,
		ObservedAt: observedAt,
	})
	return nil
}

func (p *Poller) pollMatrix(r *run, card, slot int) error {
	raw, err := p.q.MatrixTelemetry(r.ctx, card, slot)
	if err != nil {
		return err
	}
	p.publish(r, events.TelemetrySample, events.TelemetryData{Kind: events.KindMatrix, Raw: raw})
	return nil
}

func (p *Poller) pollChassis(r *run) error {
	ch, err := p.q.ChassisTelemetry(r.ctx)
	if err != nil {
		return err
	}
	data := events.TelemetryData{Kind: events.KindChassis, Raw: ch.Raw}
	if ch.Parsed {
		readings := ch.Readings
		data.Chassis = &readings
	}
	p.publish(r, events.TelemetrySample, data)
	return nil
}

// report logs a query outcome. Silent replies stay quiet; anything else that
// failed becomes an error event.
func (p *Poller) report(r *run, kind events.Kind, err error) {
	switch {
	case err == nil:
		observability.RecordPoll(string(kind), "ok")
	case errors.Is(err, matrix.ErrNoReply):
		observability.RecordPoll(string(kind), "no_reply")
		p.log.Debug().Str("kind", string(kind)).Err(err).Msg("poll got no usable reply")
	case r.ctx.Err() != nil:
		// stopping
	default:
		observability.RecordPoll(string(kind), "error")
		p.log.Warn().Str("kind", string(kind)).Err(err).Msg("poll failed")
		p.publish(r, events.Error, events.ErrorData{
			Message: fmt.Sprintf("%s poll: %v", kind, err),
			Source:  source,
		})
	}
}

func (p *Poller) publish(r *run, t events.Type, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	p.bus.Publish(t, source, data)
}

func pollable(k events.Kind) bool {
	for _, pk := range events.PollKinds {
		if pk == k {
			return true
		}
	}
	return false
}

func kindNames(kinds []events.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
