// Package controller wires the protocol client, poller, route coordinator,
// and their supporting services into one runtime.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/matrixctl/internal/api"
	"github.com/danmuck/matrixctl/internal/config"
	"github.com/danmuck/matrixctl/internal/events"
	"github.com/danmuck/matrixctl/internal/health"
	"github.com/danmuck/matrixctl/internal/journal"
	"github.com/danmuck/matrixctl/internal/matrix"
	"github.com/danmuck/matrixctl/internal/observability"
	"github.com/danmuck/matrixctl/internal/poller"
	"github.com/danmuck/matrixctl/internal/protocol/session"
	"github.com/danmuck/matrixctl/internal/protocol/trace"
	"github.com/danmuck/matrixctl/internal/routing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const heartbeatInterval = time.Minute

// Controller owns every long-lived component for one router endpoint.
type Controller struct {
	cfg       config.Config
	transport *session.Transport
	client    *matrix.Client
	bus       *events.Bus
	routes    *routing.Coordinator
	poller    *poller.Poller
	health    *health.Checker
	journal   *journal.Journal
	trace     *trace.Recorder
	log       zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds the runtime from cfg. Nothing touches the network until Start.
func New(cfg config.Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sess := cfg.Session()
	transport, err := session.NewTransport(sess)
	if err != nil {
		return nil, err
	}
	transport.AddObserver(observability.ExchangeMetrics{})

	c := &Controller{
		cfg:       cfg,
		transport: transport,
		client:    matrix.New(transport, sess),
		bus:       events.NewBus(),
		log:       log.With().Str("component", "controller").Logger(),
	}

	if cfg.Trace.Path != "" {
		rec, err := trace.Open(cfg.Trace.Path)
		if err != nil {
			return nil, err
		}
		c.trace = rec
		transport.AddObserver(rec)
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			c.closeSinks()
			return nil, err
		}
		c.journal = j
		j.Attach(c.bus)
	}

	c.routes = routing.New(c.client, c.bus, cfg.RoutingConfig())
	c.poller, err = poller.New(c.client, c.bus, cfg.PollerConfig())
	if err != nil {
		_ = c.routes.Close()
		c.closeSinks()
		return nil, err
	}
	if cfg.Health.Enabled {
		c.health, err = health.New(c.client, c.bus, cfg.HealthConfig())
		if err != nil {
			_ = c.routes.Close()
			c.closeSinks()
			return nil, err
		}
	}
	return c, nil
}

// Start launches the background poller and health check as configured.
func (c *Controller) Start(ctx context.Context) {
	if c.cfg.Poller.Enabled {
		c.poller.Start(ctx)
	}
	if c.health != nil {
		c.health.Start()
	}
	c.log.Info().
		Str("router", c.cfg.Session().Endpoint.Address()).
		Bool("poller", c.cfg.Poller.Enabled).
		Bool("health", c.health != nil).
		Bool("journal", c.journal != nil).
		Bool("trace", c.trace != nil).
		Msg("controller started")
}

// Serve starts the controller and the HTTP API and blocks until ctx is done
// or the API fails. The controller is closed on return.
func (c *Controller) Serve(ctx context.Context) error {
	c.Start(ctx)
	defer c.Close()

	srv := api.New(c.APIDeps(), api.Config{CorsOrigins: c.cfg.API.CorsOrigins, Token: c.cfg.API.Token})
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- srv.Run(ctx, c.cfg.API.Addr)
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("controller shutdown")
			return <-apiErr
		case err := <-apiErr:
			return err
		case <-ticker.C:
			c.heartbeat()
		}
	}
}

func (c *Controller) heartbeat() {
	event := c.log.Info().
		Bool("poller_running", c.poller.Running()).
		Int("routes", len(c.routes.Table().View())).
		Int("pending", c.routes.Table().Pending()).
		Int("subscribers", c.bus.Subscribers())
	if c.health != nil {
		event = event.Bool("connected", c.health.Connected())
	}
	event.Msg("controller heartbeat")
}

// Close stops background work before closing the journal and trace files.
// It is safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.poller.Stop(); err != nil {
			errs = append(errs, err)
		}
		if c.health != nil {
			if err := c.health.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.routes.Close(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, c.closeSinks())
		c.closeErr = errors.Join(errs...)
		if c.closeErr != nil {
			c.log.Warn().Err(c.closeErr).Msg("controller closed with errors")
		}
	})
	return c.closeErr
}

func (c *Controller) closeSinks() error {
	var errs []error
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	if c.trace != nil {
		if err := c.trace.Close(); err != nil {
			errs = append(errs, fmt.Errorf("trace: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) Config() config.Config        { return c.cfg }
func (c *Controller) Client() *matrix.Client       { return c.client }
func (c *Controller) Bus() *events.Bus             { return c.bus }
func (c *Controller) Routes() *routing.Coordinator { return c.routes }
func (c *Controller) Poller() *poller.Poller       { return c.poller }

// Health is nil when the health check is disabled.
func (c *Controller) Health() *health.Checker { return c.health }

// Journal is nil when no journal path is configured.
func (c *Controller) Journal() *journal.Journal { return c.journal }

// APIDeps adapts the controller for the HTTP API. Disabled services stay nil
// interfaces rather than typed nils.
func (c *Controller) APIDeps() api.Deps {
	deps := api.Deps{
		Device: c.client,
		Routes: c.routes,
		Poller: c.poller,
		Bus:    c.bus,
	}
	if c.health != nil {
		deps.Health = c.health
	}
	if c.journal != nil {
		deps.Journal = c.journal
	}
	return deps
}
