// Package journal keeps a SQLite history of routing activity taken from the
// event bus.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/matrixctl/internal/events"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	KindRoute      = "route"
	KindBatch      = "batch"
	KindCorrection = "correction"

	DefaultHistoryLimit = 100
	maxHistoryLimit     = 10000

	// writeBuffer is how many events may queue behind a slow disk before the
	// bus starts dropping them for the journal.
	writeBuffer = 256
)

var ErrClosed = errors.New("journal: closed")

const schema = `
CREATE TABLE IF NOT EXISTS route_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      INTEGER NOT NULL,
	kind    TEXT    NOT NULL,
	input   INTEGER NOT NULL DEFAULT 0,
	output  INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	detail  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS route_events_at ON route_events(at);
`

// Record is one journal row. For batches Input holds the success count and
// Output the total; for corrections Input is the confirmed input.
type Record struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Input   int       `json:"input"`
	Output  int       `json:"output"`
	Success bool      `json:"success"`
	Detail  string    `json:"detail,omitempty"`
}

type Journal struct {
	conn *sql.DB
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	closed  bool
	detach  func()
	drained chan struct{}
}

// Open creates the database and schema at path. ":memory:" is accepted for
// tests.
func Open(path string) (*Journal, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal: create directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	// one writer; also keeps ":memory:" on a single database
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return &Journal{
		conn: conn,
		path: path,
		log:  log.With().Str("component", "journal").Logger(),
	}, nil
}

func (j *Journal) Path() string { return j.path }

// Attach subscribes the journal to routing events on bus. Rows are written
// by a background writer so publishers never wait on the database. Calling
// it again replaces the previous subscription.
func (j *Journal) Attach(bus *events.Bus) {
	ch, cancel := bus.Channel(writeBuffer, events.RouteResult, events.RouteBatch, events.RouteCorrected)
	drained := make(chan struct{})
	go j.write(ch, drained)

	j.mu.Lock()
	prev, prevDrained := j.detach, j.drained
	j.detach, j.drained = cancel, drained
	j.mu.Unlock()
	if prev != nil {
		prev()
		<-prevDrained
	}
}

func (j *Journal) write(ch <-chan events.Event, drained chan struct{}) {
	defer close(drained)
	for e := range ch {
		j.handle(e)
	}
}

func (j *Journal) handle(e events.Event) {
	rec, ok := recordFor(e)
	if !ok {
		return
	}
	if err := j.Append(context.Background(), rec); err != nil && !errors.Is(err, ErrClosed) {
		j.log.Warn().Err(err).Str("type", string(e.Type)).Msg("journal write failed")
	}
}

func recordFor(e events.Event) (Record, bool) {
	switch d := e.Data.(type) {
	case events.RouteResultData:
		return Record{At: e.Time, Kind: KindRoute, Input: d.Input, Output: d.Output, Success: d.Success, Detail: d.Error}, true
	case events.RouteBatchData:
		return Record{
			At:      e.Time,
			Kind:    KindBatch,
			Input:   d.Successes,
			Output:  d.Total,
			Success: d.Successes == d.Total,
			Detail:  fmt.Sprintf("%d/%d routes", d.Successes, d.Total),
		}, true
	case events.RouteCorrectedData:
		return Record{
			At:     e.Time,
			Kind:   KindCorrection,
			Input:  d.Confirmed,
			Output: d.Output,
			Detail: fmt.Sprintf("asserted input %d", d.Asserted),
		}, true
	default:
		return Record{}, false
	}
}

func (j *Journal) Append(ctx context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := j.conn.ExecContext(ctx,
		`INSERT INTO route_events (at, kind, input, output, success, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.At.UnixNano(), rec.Kind, rec.Input, rec.Output, rec.Success, rec.Detail)
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// History returns up to limit records, newest first. A non-positive limit
// uses DefaultHistoryLimit.
func (j *Journal) History(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	rows, err := j.conn.QueryContext(ctx,
		`SELECT id, at, kind, input, output, success, detail FROM route_events ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec Record
			at  int64
		)
		if err := rows.Scan(&rec.ID, &at, &rec.Kind, &rec.Input, &rec.Output, &rec.Success, &rec.Detail); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		rec.At = time.Unix(0, at).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close detaches from the bus, writes what was already queued, and closes
// the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	detach, drained := j.detach, j.drained
	j.detach, j.drained = nil, nil
	j.mu.Unlock()

	if detach != nil {
		detach()
		<-drained
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()
	return j.conn.Close()
}
