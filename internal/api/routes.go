package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/matrixctl/internal/auth"
	"github.com/danmuck/matrixctl/internal/crosspoint"
	"github.com/danmuck/matrixctl/internal/events"
	"github.com/danmuck/matrixctl/internal/matrix"
	"github.com/danmuck/matrixctl/internal/protocol/frame"
	"github.com/danmuck/matrixctl/internal/protocol/session"
	"github.com/danmuck/matrixctl/internal/routing"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": serviceName,
			"version": version,
		})
	})
	r.GET("/ready", s.handleReady)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	device := r.Group("/device")
	device.GET("/info", s.handleDeviceInfo)
	device.GET("/size", s.handleMatrixSize)

	routes := r.Group("/routes")
	routes.GET("", s.handleRoutes)
	routes.POST("", s.requireToken(), s.handleRoute)
	routes.POST("/batch", s.requireToken(), s.handleBatch)
	routes.POST("/refresh", s.requireToken(), s.handleRefresh)
	routes.GET("/export.csv", s.handleExport)
	routes.GET("/history", s.handleHistory)

	r.GET("/telemetry/:kind", s.handleTelemetry)
	r.GET("/poller", s.handlePoller)
	r.PUT("/poller", s.requireToken(), s.handleUpdatePoller)
	r.GET("/events", s.handleEvents)
}

// requireToken rejects requests without the configured bearer token. With no
// token configured every request passes.
func (s *Server) requireToken() gin.HandlerFunc {
	if s.cfg.Token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	v := auth.StaticToken{Token: s.cfg.Token}
	return func(c *gin.Context) {
		if err := auth.CheckHeader(v, c.GetHeader("Authorization")); err != nil {
			s.log.Warn().Str("path", c.FullPath()).Str("client", c.ClientIP()).Msg("rejected control request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}

// respondError maps controller errors onto status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, matrix.ErrNoReply):
		c.JSON(http.StatusOK, gin.H{"available": false})
	case errors.Is(err, session.ErrUnreachable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "available": false})
	case errors.Is(err, frame.ErrCrosspointRange),
		errors.Is(err, frame.ErrCardSlotRange),
		errors.Is(err, frame.ErrInvalidContent),
		errors.Is(err, crosspoint.ErrInvalidPair),
		errors.Is(err, routing.ErrEmptyBatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, routing.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"ready": true, "health_check": false})
		return
	}
	connected := s.deps.Health.Connected()
	status := http.StatusOK
	if !connected {
		status = http.StatusServiceUnavailable
	}
	body := gin.H{"ready": connected, "connected": connected, "health_check": true}
	if last := s.deps.Health.LastCheck(); !last.IsZero() {
		body["last_check"] = last
	}
	c.JSON(status, body)
}

func (s *Server) handleDeviceInfo(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	info, err := s.deps.Device.DeviceInfo(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available":   true,
		"model":       info.Model,
		"version":     info.Version,
		"description": info.String(),
	})
}

func (s *Server) handleMatrixSize(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	size, err := s.deps.Device.MatrixSize(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": true, "inputs": size.Inputs, "outputs": size.Outputs})
}

func (s *Server) handleRoutes(c *gin.Context) {
	table := s.deps.Routes.Table()
	c.JSON(http.StatusOK, gin.H{
		"routes":    table.View(),
		"confirmed": table.Confirmed(),
		"entries":   table.Entries(),
		"pending":   table.Pending(),
	})
}

type routeRequest struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

func (s *Server) handleRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid route body: "+err.Error())
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()
	out, err := s.deps.Routes.RouteSync(ctx, req.Input, req.Output)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"input":        out.Input,
		"output":       out.Output,
		"success":      true,
		"acknowledged": out.Acknowledged,
		"reply":        out.Reply,
	})
}

type batchRequest struct {
	Routes []routeRequest `json:"routes"`
	// Pairs accepts "out:in" strings as an alternative to Routes.
	Pairs []string `json:"pairs"`
}

func (s *Server) handleBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid batch body: "+err.Error())
		return
	}
	routes := make([]crosspoint.Crosspoint, 0, len(req.Routes)+len(req.Pairs))
	for _, r := range req.Routes {
		routes = append(routes, crosspoint.Crosspoint{Input: r.Input, Output: r.Output})
	}
	for _, raw := range req.Pairs {
		cp, err := crosspoint.ParsePair(raw)
		if err != nil {
			respondError(c, err)
			return
		}
		routes = append(routes, cp)
	}
	for _, cp := range routes {
		if err := frame.ValidateCrosspoint(cp.Input, cp.Output); err != nil {
			respondError(c, err)
			return
		}
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	res, err := s.deps.Routes.BatchSync(ctx, routes)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRefresh(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	view, err := s.deps.Routes.Refresh(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": true, "routes": view})
}

func (s *Server) handleExport(c *gin.Context) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="routes.csv"`)
	c.Status(http.StatusOK)
	if err := crosspoint.WriteCSV(c.Writer, s.deps.Routes.Table().View()); err != nil {
		s.log.Warn().Err(err).Msg("csv export failed")
	}
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "route journal disabled"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.deps.Journal.History(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) handleTelemetry(c *gin.Context) {
	kind, err := events.ParseKind(c.Param("kind"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	card, slot, ok := cardSlot(c)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext(c)
	defer cancel()

	body := gin.H{"available": true, "kind": kind}
	switch kind {
	case events.KindStatus:
		st, err := s.deps.Device.Status(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		body["raw"] = st.Raw
		body["routes"] = st.Routes
	case events.KindChassis:
		ch, err := s.deps.Device.ChassisTelemetry(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		body["raw"] = ch.Raw
		if ch.Parsed {
			body["chassis"] = ch.Readings
			body["rows"] = ch.Readings.Rows()
		}
	default:
		query := map[events.Kind]func(context.Context, int, int) (string, error){
			events.KindMatrix: s.deps.Device.MatrixTelemetry,
			events.KindOutput: s.deps.Device.OutputTelemetry,
			events.KindInput:  s.deps.Device.InputTelemetry,
		}[kind]
		raw, err := query(ctx, card, slot)
		if err != nil {
			respondError(c, err)
			return
		}
		body["raw"] = raw
		body["card"] = card
		body["slot"] = slot
	}
	c.JSON(http.StatusOK, body)
}

func cardSlot(c *gin.Context) (card, slot int, ok bool) {
	parse := func(name string) (int, bool) {
		raw := c.Query(name)
		if raw == "" {
			return 0, true
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > frame.MaxCardSlot {
			badRequest(c, name+" must be in 0..99")
			return 0, false
		}
		return n, true
	}
	if card, ok = parse("card"); !ok {
		return 0, 0, false
	}
	if slot, ok = parse("slot"); !ok {
		return 0, 0, false
	}
	return card, slot, true
}

func (s *Server) pollerState() gin.H {
	p := s.deps.Poller
	card, slot := p.CardSlot()
	return gin.H{
		"running":  p.Running(),
		"interval": p.Interval().String(),
		"kinds":    p.Kinds(),
		"card":     card,
		"slot":     slot,
	}
}

func (s *Server) handlePoller(c *gin.Context) {
	c.JSON(http.StatusOK, s.pollerState())
}

type pollerRequest struct {
	Interval *string  `json:"interval"`
	Kinds    []string `json:"kinds"`
	Card     *int     `json:"card"`
	Slot     *int     `json:"slot"`
	Running  *bool    `json:"running"`
	Trigger  bool     `json:"trigger"`
}

func (s *Server) handleUpdatePoller(c *gin.Context) {
	var req pollerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid poller body: "+err.Error())
		return
	}
	p := s.deps.Poller

	// SetKinds is the only setter that can still fail; it runs first
	var interval time.Duration
	if req.Interval != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*req.Interval))
		if err != nil || d <= 0 {
			badRequest(c, "interval must be a positive duration")
			return
		}
		interval = d
	}
	var kinds []events.Kind
	if req.Kinds != nil {
		kinds = make([]events.Kind, 0, len(req.Kinds))
		for _, raw := range req.Kinds {
			k, err := events.ParseKind(raw)
			if err != nil {
				badRequest(c, err.Error())
				return
			}
			kinds = append(kinds, k)
		}
	}
	card, slot := p.CardSlot()
	if req.Card != nil {
		card = *req.Card
	}
	if req.Slot != nil {
		slot = *req.Slot
	}
	if _, err := frame.MatrixTelemetry(card, slot); err != nil {
		respondError(c, err)
		return
	}

	if kinds != nil {
		if err := p.SetKinds(kinds...); err != nil {
			badRequest(c, err.Error())
			return
		}
	}
	if interval > 0 {
		_ = p.SetInterval(interval)
	}
	_ = p.SetCardSlot(card, slot)
	if req.Running != nil {
		if *req.Running {
			// the loop outlives the request
			p.Start(context.Background())
		} else if err := p.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("poller stop timed out")
		}
	}
	if req.Trigger {
		p.Trigger()
	}
	c.JSON(http.StatusOK, s.pollerState())
}
