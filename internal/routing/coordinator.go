package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/matrixctl/internal/crosspoint"
	"github.com/danmuck/matrixctl/internal/events"
	"github.com/danmuck/matrixctl/internal/matrix"
	"github.com/danmuck/matrixctl/internal/observability"
	"github.com/danmuck/matrixctl/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const source = "routing"

var (
	ErrClosed       = errors.New("routing: coordinator closed")
	ErrEmptyBatch   = errors.New("routing: batch has no routes")
	ErrCloseTimeout = errors.New("routing: in-flight work did not finish in time")
)

// Router is the subset of the protocol client the coordinator drives.
type Router interface {
	Route(ctx context.Context, input, output int) (matrix.RouteOutcome, error)
	Status(ctx context.Context) (matrix.Status, error)
}

type Config struct {
	ConfirmDelay time.Duration
	BatchSpacing time.Duration
	CloseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfirmDelay: 500 * time.Millisecond,
		BatchSpacing: 100 * time.Millisecond,
		CloseTimeout: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = def.ConfirmDelay
	}
	if c.BatchSpacing < 0 {
		c.BatchSpacing = def.BatchSpacing
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	return c
}

type BatchResult struct {
	Successes int                      `json:"successes"`
	Total     int                      `json:"total"`
	Outcomes  []events.RouteResultData `json:"outcomes"`
}

// Coordinator applies routes optimistically and reconciles them against
// router status: after a single route, after a batch, and on every poll.
type Coordinator struct {
	router Router
	bus    *events.Bus
	table  *Table
	cfg    Config
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	refreshTimer *time.Timer

	batchMu     sync.Mutex
	unsubscribe func()
}

func New(router Router, bus *events.Bus, cfg Config) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		router: router,
		bus:    bus,
		table:  NewTable(),
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", source).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	c.unsubscribe = bus.Subscribe(c.onStatus, events.StatusUpdate)
	return c
}

func (c *Coordinator) Table() *Table { return c.table }

// Route sends one route in the background. It only fails synchronously on
// invalid numbers or a closed coordinator.
func (c *Coordinator) Route(input, output int) error {
	if err := frame.ValidateCrosspoint(input, output); err != nil {
		return err
	}
	if !c.track() {
		return ErrClosed
	}
	go func() {
		defer c.wg.Done()
		_, _ = c.RouteSync(c.ctx, input, output)
	}()
	return nil
}

// RouteSync sends one route and waits for the transport result. Invalid
// numbers are rejected without touching the wire or the bus.
func (c *Coordinator) RouteSync(ctx context.Context, input, output int) (matrix.RouteOutcome, error) {
	if c.isClosed() {
		return matrix.RouteOutcome{Input: input, Output: output}, ErrClosed
	}
	if err := frame.ValidateCrosspoint(input, output); err != nil {
		return matrix.RouteOutcome{Input: input, Output: output}, err
	}
	out, err := c.routeOnce(ctx, input, output)
	if err == nil {
		c.scheduleRefresh()
	}
	return out, err
}

// Batch runs routes in the background, one at a time with spacing.
func (c *Coordinator) Batch(routes []crosspoint.Crosspoint) error {
	if len(routes) == 0 {
		return ErrEmptyBatch
	}
	if !c.track() {
		return ErrClosed
	}
	routes = append([]crosspoint.Crosspoint(nil), routes...)
	go func() {
		defer c.wg.Done()
		_, _ = c.BatchSync(c.ctx, routes)
	}()
	return nil
}

// BatchSync runs routes sequentially with BatchSpacing between commands,
// publishes one route.batch event, then schedules one refresh.
func (c *Coordinator) BatchSync(ctx context.Context, routes []crosspoint.Crosspoint) (BatchResult, error) {
	if len(routes) == 0 {
		return BatchResult{}, ErrEmptyBatch
	}
	if c.isClosed() {
		return BatchResult{}, ErrClosed
	}
	c.batchMu.Lock()
	defer c.batchMu.Unlock()

	res := BatchResult{Total: len(routes), Outcomes: make([]events.RouteResultData, 0, len(routes))}
	for i, cp := range routes {
		if i > 0 && c.cfg.BatchSpacing > 0 {
			if err := sleep(ctx, c.cfg.BatchSpacing); err != nil {
				break
			}
		}
		out, err := c.routeOnce(ctx, cp.Input, cp.Output)
		data := resultData(cp.Input, cp.Output, out, err)
		res.Outcomes = append(res.Outcomes, data)
		if err == nil {
			res.Successes++
		}
	}
	c.bus.Publish(events.RouteBatch, source, events.RouteBatchData{Successes: res.Successes, Total: res.Total})
	c.log.Info().Int("successes", res.Successes).Int("total", res.Total).Msg("batch complete")
	c.scheduleRefresh()
	return res, ctx.Err()
}

// Refresh queries status now and reconciles the table against it.
func (c *Coordinator) Refresh(ctx context.Context) (crosspoint.Map, error) {
	observedAt := time.Now()
	st, err := c.router.Status(ctx)
	if err != nil {
		return nil, err
	}
	c.reconcile(st.Routes, observedAt)
	view := c.table.View()
	c.bus.Publish(events.StatusUpdate, source, events.StatusData{
		Routes:     view,
		Origin:     events.OriginRefresh,
		ObservedAt: observedAt,
	})
	return view, nil
}

// Close cancels scheduled refreshes and waits for background work.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.refreshTimer != nil && c.refreshTimer.Stop() {
		c.wg.Done()
	}
	c.refreshTimer = nil
	c.mu.Unlock()

	c.unsubscribe()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(c.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrCloseTimeout
	}
}

func (c *Coordinator) routeOnce(ctx context.Context, input, output int) (matrix.RouteOutcome, error) {
	out, err := c.router.Route(ctx, input, output)
	observability.RecordRoute(err == nil, out.Acknowledged)
	data := resultData(input, output, out, err)
	if err != nil {
		c.log.Warn().Err(err).Int("input", input).Int("output", output).Msg("route failed")
		c.bus.Publish(events.RouteResult, source, data)
		c.bus.PublishError(source, err)
		return out, err
	}
	c.table.Assert(output, input)
	c.bus.Publish(events.RouteResult, source, data)
	c.bus.Publish(events.StatusUpdate, source, events.StatusData{
		Routes: c.table.View(),
		Origin: events.OriginAssert,
	})
	return out, nil
}

// scheduleRefresh arms the confirmation refresh. A route landing while one
// is already armed joins it, so every route is confirmed at most
// ConfirmDelay after it was sent.
func (c *Coordinator) scheduleRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.refreshTimer != nil {
		return
	}
	c.wg.Add(1)
	c.refreshTimer = time.AfterFunc(c.cfg.ConfirmDelay, c.confirm)
}

func (c *Coordinator) confirm() {
	defer c.wg.Done()
	c.mu.Lock()
	c.refreshTimer = nil
	c.mu.Unlock()

	if _, err := c.Refresh(c.ctx); err != nil {
		if c.ctx.Err() != nil || errors.Is(err, matrix.ErrNoReply) {
			c.log.Debug().Err(err).Msg("confirmation refresh got no data")
			return
		}
		c.log.Warn().Err(err).Msg("confirmation refresh failed")
		c.bus.PublishError(source, err)
	}
}

func (c *Coordinator) onStatus(e events.Event) {
	data, ok := e.Data.(events.StatusData)
	if !ok || data.Origin != events.OriginPoll {
		return
	}
	c.reconcile(data.Routes, data.ObservedAt)
}

func (c *Coordinator) reconcile(confirmed crosspoint.Map, observedAt time.Time) {
	for _, corr := range c.table.Reconcile(confirmed, observedAt) {
		observability.RecordCorrection()
		c.log.Info().
			Int("output", corr.Output).
			Int("asserted", corr.Asserted).
			Int("confirmed", corr.Confirmed).
			Msg("route corrected by router status")
		c.bus.Publish(events.RouteCorrected, source, events.RouteCorrectedData{
			Output:    corr.Output,
			Asserted:  corr.Asserted,
			Confirmed: corr.Confirmed,
		})
	}
}

func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func resultData(input, output int, out matrix.RouteOutcome, err error) events.RouteResultData {
	data := events.RouteResultData{
		Input:        input,
		Output:       output,
		Success:      err == nil,
		Acknowledged: out.Acknowledged,
	}
	if err != nil {
		data.Error = err.Error()
	}
	return data
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
