package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/matrixctl/internal/testutil/testlog"
)

func TestSubscribeFiltersByType(t *testing.T) {
	testlog.Start(t)

	bus := NewBus()
	var mu sync.Mutex
	var all, routes []Event
	bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		all = append(all, e)
	})
	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		routes = append(routes, e)
	}, RouteResult, RouteBatch)

	bus.Publish(RouteResult, "test", RouteResultData{Input: 1, Output: 2, Success: true})
	bus.Publish(StatusUpdate, "test", StatusData{Origin: OriginPoll})
	unsub()
	unsub()
	bus.Publish(RouteBatch, "test", RouteBatchData{Successes: 1, Total: 2})

	if len(all) != 3 || len(routes) != 1 {
		t.Fatalf("unexpected deliveries: all=%d routes=%d", len(all), len(routes))
	}
	if all[0].Seq >= all[1].Seq || all[1].Seq >= all[2].Seq {
		t.Fatalf("sequence must increase: %d %d %d", all[0].Seq, all[1].Seq, all[2].Seq)
	}
	if all[0].Time.IsZero() || all[0].Source != "test" {
		t.Fatalf("event not stamped: %+v", all[0])
	}
	if bus.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.Subscribers())
	}
}

func TestChannelDropsWhenFull(t *testing.T) {
	testlog.Start(t)

	bus := NewBus()
	ch, cancel := bus.Channel(2, Error)
	for i := 0; i < 5; i++ {
		bus.PublishError("poller", errors.New("boom"))
	}
	bus.Publish(RouteResult, "test", RouteResultData{})
	if len(ch) != 2 {
		t.Fatalf("expected 2 buffered events, got %d", len(ch))
	}
	e := <-ch
	data, ok := e.Data.(ErrorData)
	if !ok || data.Message != "boom" || data.Source != "poller" {
		t.Fatalf("unexpected error event: %+v", e)
	}
	cancel()
	cancel()
	bus.PublishError("poller", errors.New("after cancel"))
	<-ch
	if _, open := <-ch; open {
		t.Fatalf("channel must be closed after cancel")
	}
}

func TestHandlerMayPublish(t *testing.T) {
	testlog.Start(t)

	bus := NewBus()
	var got []Type
	bus.Subscribe(func(e Event) {
		got = append(got, e.Type)
		if e.Type == RouteResult {
			bus.Publish(StatusUpdate, "nested", StatusData{Origin: OriginAssert})
		}
	})
	bus.Publish(RouteResult, "test", RouteResultData{})
	if len(got) != 2 || got[1] != StatusUpdate {
		t.Fatalf("nested publish not delivered: %v", got)
	}
}

func TestParseKind(t *testing.T) {
	testlog.Start(t)

	for raw, want := range map[string]Kind{"status": KindStatus, " Chassis ": KindChassis, "INPUT": KindInput} {
		got, err := ParseKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseKind("fans"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
