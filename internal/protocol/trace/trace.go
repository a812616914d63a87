// Package trace records every router exchange to a CBOR file and reads it
// back for offline inspection.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/danmuck/matrixctl/internal/protocol/frame"
	"github.com/danmuck/matrixctl/internal/protocol/session"
	"github.com/fxamacker/cbor/v2"
)

// Entry is one traced exchange. CBOR encoding uses integer keys.
type Entry struct {
	ID       string        `cbor:"1,keyasint" json:"id"`
	Time     time.Time     `cbor:"2,keyasint" json:"time"`
	Family   string        `cbor:"3,keyasint" json:"family"`
	Command  string        `cbor:"4,keyasint" json:"command"`
	Checksum byte          `cbor:"5,keyasint" json:"checksum"`
	Reply    []byte        `cbor:"6,keyasint,omitempty" json:"reply,omitempty"`
	Error    string        `cbor:"7,keyasint,omitempty" json:"error,omitempty"`
	Duration time.Duration `cbor:"8,keyasint" json:"duration_ns"`
}

// Outcome mirrors session.Record.Outcome.
func (e Entry) Outcome() string {
	switch {
	case e.Error != "":
		return "unreachable"
	case len(e.Reply) == 0:
		return "silent"
	default:
		return "reply"
	}
}

// String renders the entry as one line for dumps.
func (e Entry) String() string {
	reply := frame.DecodeText(e.Reply)
	if e.Error != "" {
		reply = "error: " + e.Error
	} else if reply == "" {
		reply = "<silent>"
	}
	return fmt.Sprintf("%s %-9s {%s}%c -> %s (%v)",
		e.Time.Format(time.RFC3339Nano), e.Family, e.Command, e.Checksum, reply, e.Duration)
}

func fromRecord(r session.Record) Entry {
	e := Entry{
		ID:       r.ID.String(),
		Time:     r.Start.UTC(),
		Family:   r.Command.Family,
		Command:  r.Command.Content,
		Checksum: r.Command.Checksum,
		Reply:    r.Reply,
		Duration: r.Duration,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	return e
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: cbor decoder mode: %v", err))
	}
}

// Recorder appends exchanges to a trace file. It is safe for concurrent use
// and implements session.Observer.
type Recorder struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
	count   int
}

// Open appends to path, creating it with 0644 if needed.
func Open(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	return &Recorder{file: f, encoder: encMode.NewEncoder(f)}, nil
}

func (r *Recorder) ObserveExchange(rec session.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// a failed trace write must not affect the exchange
	if err := r.encoder.Encode(fromRecord(rec)); err == nil {
		r.count++
	}
}

// Count is the number of entries written since Open.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close is safe to call more than once. Later exchanges are ignored.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

var _ session.Observer = (*Recorder)(nil)

// ReadAll decodes every entry in r. A truncated final entry is reported
// together with the entries read before it.
func ReadAll(r io.Reader) ([]Entry, error) {
	dec := decMode.NewDecoder(r)
	var out []Entry
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("trace: entry %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
}

// ReadFile opens path and decodes it with ReadAll.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}
