// Package api exposes the controller over HTTP and a websocket event stream.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/matrixctl/internal/events"
	"github.com/danmuck/matrixctl/internal/journal"
	"github.com/danmuck/matrixctl/internal/matrix"
	"github.com/danmuck/matrixctl/internal/observability"
	"github.com/danmuck/matrixctl/internal/poller"
	"github.com/danmuck/matrixctl/internal/protocol/reply"
	"github.com/danmuck/matrixctl/internal/routing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	serviceName = "matrixctl"
	version     = "0.1.0"
)

// Device is the query side of the protocol client.
type Device interface {
	DeviceInfo(ctx context.Context) (reply.DeviceInfo, error)
	MatrixSize(ctx context.Context) (reply.MatrixSize, error)
	Status(ctx context.Context) (matrix.Status, error)
	MatrixTelemetry(ctx context.Context, card, slot int) (string, error)
	OutputTelemetry(ctx context.Context, card, slot int) (string, error)
	InputTelemetry(ctx context.Context, card, slot int) (string, error)
	ChassisTelemetry(ctx context.Context) (matrix.Chassis, error)
}

// Connection reports the health checker's view of the router.
type Connection interface {
	Connected() bool
	LastCheck() time.Time
}

// History reads the route journal.
type History interface {
	History(ctx context.Context, limit int) ([]journal.Record, error)
}

// Deps are the controller parts the API serves. Health and Journal may be nil.
type Deps struct {
	Device  Device
	Routes  *routing.Coordinator
	Poller  *poller.Poller
	Health  Connection
	Journal History
	Bus     *events.Bus
}

type Config struct {
	CorsOrigins []string
	// RequestTimeout bounds each device call made on behalf of a request.
	RequestTimeout time.Duration
	// Token guards the mutating endpoints when set.
	Token string
}

type Server struct {
	deps    Deps
	cfg     Config
	router  *gin.Engine
	started time.Time
	log     zerolog.Logger
}

func New(deps Deps, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.With().Str("component", "api").Logger()))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "PUT"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		router:  r,
		started: time.Now(),
		log:     log.With().Str("component", "api").Logger(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// event streams end with ctx; Shutdown does not close hijacked connections
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
