package api

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/matrixctl/internal/events"
	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBuffer       = 256
	streamWriteTimeout = 5 * time.Second
)

// parseTypes reads a comma separated types= filter. Empty means every type.
func parseTypes(raw string) ([]events.Type, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, true
	}
	known := make(map[events.Type]bool, len(events.AllTypes))
	for _, t := range events.AllTypes {
		known[t] = true
	}
	var out []events.Type
	for _, part := range strings.Split(raw, ",") {
		t := events.Type(strings.TrimSpace(part))
		if t == "" {
			continue
		}
		if !known[t] {
			return nil, false
		}
		out = append(out, t)
	}
	return out, true
}

// handleEvents streams bus events as JSON text messages. Slow clients lose
// events rather than stalling publishers.
func (s *Server) handleEvents(c *gin.Context) {
	types, ok := parseTypes(c.Query("types"))
	if !ok {
		badRequest(c, "unknown event type in types filter")
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.CorsOrigins),
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ch, cancel := s.deps.Bus.Channel(streamBuffer, types...)
	defer cancel()

	// CloseRead discards client messages and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(c.Request.Context())
	s.log.Debug().Int("types", len(types)).Msg("event stream opened")

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				s.log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

// originPatterns turns CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range normalizeOrigins(origins) {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
