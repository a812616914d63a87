package session

import (
	"time"

	"github.com/danmuck/matrixctl/internal/protocol/frame"
	"github.com/google/uuid"
)

// Record describes one finished exchange.
type Record struct {
	ID       uuid.UUID
	Command  frame.Command
	Reply    []byte
	Err      error
	Start    time.Time
	Duration time.Duration
}

// Outcome labels the record for metrics: "reply", "silent", or "unreachable".
func (r Record) Outcome() string {
	switch {
	case r.Err != nil:
		return "unreachable"
	case len(r.Reply) == 0:
		return "silent"
	default:
		return "reply"
	}
}

// Observer receives a Record after every exchange, while the wire lock is
// still held. Implementations must not call back into the transport.
type Observer interface {
	ObserveExchange(Record)
}

type ObserverFunc func(Record)

func (f ObserverFunc) ObserveExchange(r Record) { f(r) }
