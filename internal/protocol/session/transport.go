package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/matrixctl/internal/protocol/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUnreachable = errors.New("session: router unreachable")

// Exchanger performs one framed request/response cycle.
type Exchanger interface {
	Exchange(ctx context.Context, cmd frame.Command, timing Timing) ([]byte, error)
}

type dialFunc func(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error)

func netDial(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, network, address)
}

// Transport is the TCP Exchanger. A single wire lock spans the full
// dial/write/read/close sequence of every exchange.
type Transport struct {
	cfg  Config
	lock chan struct{}
	dial dialFunc
	log  zerolog.Logger

	obsMu     sync.RWMutex
	observers []Observer
}

func NewTransport(cfg Config) (*Transport, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Endpoint.Validate(); err != nil {
		return nil, err
	}
	return &Transport{
		cfg:  cfg,
		lock: make(chan struct{}, 1),
		dial: netDial,
		log:  log.With().Str("component", "transport").Str("addr", cfg.Endpoint.Address()).Logger(),
	}, nil
}

func (t *Transport) Config() Config { return t.cfg }

// AddObserver registers o for every subsequent exchange.
func (t *Transport) AddObserver(o Observer) {
	if o == nil {
		return
	}
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Exchange sends cmd and returns whatever bytes arrived before the reply
// completed, the peer hung up, or timing ran out. An empty reply is not an
// error; only a failed dial or write returns ErrUnreachable.
func (t *Transport) Exchange(ctx context.Context, cmd frame.Command, timing Timing) ([]byte, error) {
	select {
	case t.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.lock }()

	if timing.Overall <= 0 {
		timing = t.cfg.QueryTiming()
	}
	start := time.Now()
	reply, err := t.exchange(ctx, cmd.Wire(), timing)
	rec := Record{
		ID:       uuid.New(),
		Command:  cmd,
		Reply:    reply,
		Err:      err,
		Start:    start,
		Duration: time.Since(start),
	}
	t.log.Debug().
		Str("command", cmd.Content).
		Str("outcome", rec.Outcome()).
		Int("reply_bytes", len(reply)).
		Dur("took", rec.Duration).
		Msg("exchange")
	t.notify(rec)
	return reply, err
}

func (t *Transport) exchange(ctx context.Context, wire []byte, timing Timing) ([]byte, error) {
	addr := t.cfg.Endpoint.Address()
	// Overall covers the connect as well as the reply.
	deadline := time.Now().Add(timing.Overall)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := t.dial(dialCtx, "tcp", addr, time.Until(deadline))
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(wire); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrUnreachable, addr, err)
	}
	return readReply(conn, deadline, timing.PerRead, t.cfg.MaxReplyBytes), nil
}

// readReply accumulates bytes until a closing brace shows up. Timeouts, EOF,
// and resets all end the loop with whatever was collected.
func readReply(conn net.Conn, deadline time.Time, perRead time.Duration, limit int) []byte {
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 4096)
	for len(buf) < limit {
		readDeadline := deadline
		if perRead > 0 {
			if d := time.Now().Add(perRead); d.Before(readDeadline) {
				readDeadline = d
			}
		}
		_ = conn.SetReadDeadline(readDeadline)
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if frame.Complete(buf) {
				break
			}
		}
		if err != nil {
			break
		}
	}
	if len(buf) > limit {
		buf = buf[:limit]
	}
	return buf
}

func (t *Transport) notify(rec Record) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.ObserveExchange(rec)
	}
}
