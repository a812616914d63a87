package matrix

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/matrixctl/internal/crosspoint"
	"github.com/danmuck/matrixctl/internal/protocol/frame"
	"github.com/danmuck/matrixctl/internal/protocol/session"
	"github.com/danmuck/matrixctl/internal/testutil/fakerouter"
	"github.com/danmuck/matrixctl/internal/testutil/testlog"
)

// scripted answers by command content.
type scripted struct {
	mu      sync.Mutex
	replies map[string]string
	err     error
	timings []session.Timing
}

func (s *scripted) Exchange(_ context.Context, cmd frame.Command, timing session.Timing) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timings = append(s.timings, timing)
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.replies[cmd.Content]), nil
}

func newScripted(replies map[string]string) (*scripted, *Client) {
	s := &scripted{replies: replies}
	return s, New(s, session.DefaultConfig())
}

func TestQueriesParseReplies(t *testing.T) {
	testlog.Start(t)

	_, c := newScripted(map[string]string{
		"*BI":        "{BBI,Vortex,2.1}x",
		"ABM?":       "{BAM?,32,16}x",
		"AB?":        "{BASTATUS,3,1,,7}x",
		"ABcC,00,00": "{BAcC,00,00,OSO+320O+300O+291OOO20460O06060O06150O06150O22485O}x",
	})
	ctx := context.Background()

	info, err := c.DeviceInfo(ctx)
	if err != nil || info.String() != "Vortex - 2.1" {
		t.Fatalf("device info = %+v, %v", info, err)
	}
	size, err := c.MatrixSize(ctx)
	if err != nil || size.Inputs != 32 || size.Outputs != 16 {
		t.Fatalf("matrix size = %+v, %v", size, err)
	}
	status, err := c.Status(ctx)
	if err != nil || !reflect.DeepEqual(status.Routes, crosspoint.Map{1: 3, 2: 1, 4: 7}) {
		t.Fatalf("status = %+v, %v", status, err)
	}
	chassis, err := c.ChassisTelemetry(ctx)
	if err != nil || !chassis.Parsed || chassis.Readings.Door() != "Shut" {
		t.Fatalf("chassis = %+v, %v", chassis, err)
	}
}

func TestQueriesWithoutReplyAreNoData(t *testing.T) {
	testlog.Start(t)

	_, c := newScripted(map[string]string{"AB?": "garbage"})
	ctx := context.Background()

	if _, err := c.DeviceInfo(ctx); !errors.Is(err, ErrNoReply) || !IsNoData(err) {
		t.Fatalf("expected ErrNoReply, got %v", err)
	}
	if _, err := c.Status(ctx); !errors.Is(err, ErrNoReply) {
		t.Fatalf("garbled status must be no data, got %v", err)
	}
	if _, err := c.MatrixTelemetry(ctx, 0, 0); !errors.Is(err, ErrNoReply) {
		t.Fatalf("empty telemetry must be no data, got %v", err)
	}
}

func TestQueriesUnreachableAreNoData(t *testing.T) {
	testlog.Start(t)

	s, c := newScripted(nil)
	s.err = fmt.Errorf("%w: refused", session.ErrUnreachable)
	if _, err := c.MatrixSize(context.Background()); !IsNoData(err) {
		t.Fatalf("unreachable query must be no data, got %v", err)
	}
	if c.Probe(context.Background()) {
		t.Fatalf("probe must fail while unreachable")
	}
}

func TestTelemetryCardSlotValidation(t *testing.T) {
	testlog.Start(t)

	_, c := newScripted(map[string]string{"ABcO,02,03,01": "{BAcO,02,03,xyz}"})
	raw, err := c.OutputTelemetry(context.Background(), 2, 3)
	if err != nil || raw != "{BAcO,02,03,xyz}" {
		t.Fatalf("output telemetry = %q, %v", raw, err)
	}
	if _, err := c.InputTelemetry(context.Background(), -1, 0); !errors.Is(err, ErrInvalidCardSlot) {
		t.Fatalf("expected ErrInvalidCardSlot, got %v", err)
	}
	if IsNoData(ErrInvalidCardSlot) {
		t.Fatalf("invalid arguments are not no-data")
	}
}

func TestRouteOutcomes(t *testing.T) {
	testlog.Start(t)

	s, c := newScripted(map[string]string{"ABs,007,003": "{BAs?}x"})
	ctx := context.Background()

	out, err := c.Route(ctx, 3, 7)
	if err != nil || !out.Acknowledged {
		t.Fatalf("acknowledged route = %+v, %v", out, err)
	}
	out, err = c.Route(ctx, 4, 7)
	if err != nil || out.Acknowledged {
		t.Fatalf("silent route must succeed unacknowledged: %+v, %v", out, err)
	}
	if got := s.timings[len(s.timings)-1]; got != session.DefaultConfig().RouteTiming() {
		t.Fatalf("route must use the short timing, got %+v", got)
	}
	if _, err := c.Route(ctx, 0, 7); !errors.Is(err, frame.ErrCrosspointRange) {
		t.Fatalf("expected range error, got %v", err)
	}

	s.err = fmt.Errorf("%w: refused", session.ErrUnreachable)
	if _, err := c.Route(ctx, 3, 7); !errors.Is(err, session.ErrUnreachable) {
		t.Fatalf("unreachable route must fail, got %v", err)
	}
}

func TestRawAndProbe(t *testing.T) {
	testlog.Start(t)

	_, c := newScripted(map[string]string{"ABJ": "{BAJ,ok}", "AB?": "{BASTATUS}"})
	if got, err := c.Raw(context.Background(), "ABJ"); err != nil || got != "{BAJ,ok}" {
		t.Fatalf("raw = %q, %v", got, err)
	}
	if _, err := c.Raw(context.Background(), "A}B"); !errors.Is(err, frame.ErrInvalidContent) {
		t.Fatalf("expected invalid content, got %v", err)
	}
	if !c.Probe(context.Background()) {
		t.Fatalf("probe must succeed on a braced reply")
	}
}

func TestClientAgainstRouterNeverInterleaves(t *testing.T) {
	testlog.Start(t)

	router := fakerouter.Start(t)
	router.Reply("AB?", "{BASTATUS,1,2,3}x")
	router.ReplyPrefix("ABs,", "{BAs?}x")
	router.SetDelay(5 * time.Millisecond)

	cfg := session.DefaultConfig()
	cfg.Endpoint = session.Endpoint{Host: router.Host(), Port: router.Port(), Timeout: time.Second}
	tr, err := session.NewTransport(cfg)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	c := New(tr, cfg)

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := c.Status(context.Background()); err != nil {
				t.Errorf("status: %v", err)
			}
		}()
		go func(i int) {
			defer wg.Done()
			if out, err := c.Route(context.Background(), i, i); err != nil || !out.Acknowledged {
				t.Errorf("route %d: %+v %v", i, out, err)
			}
		}(i)
	}
	wg.Wait()

	if router.Overlaps() != 0 {
		t.Fatalf("router saw %d overlapping sessions", router.Overlaps())
	}
	if router.Sessions() != 16 {
		t.Fatalf("expected 16 sessions, got %d", router.Sessions())
	}
}
