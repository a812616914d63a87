package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/matrixctl/internal/events"
	"github.com/danmuck/matrixctl/internal/journal"
	"github.com/danmuck/matrixctl/internal/matrix"
	"github.com/danmuck/matrixctl/internal/poller"
	"github.com/danmuck/matrixctl/internal/protocol/session"
	"github.com/danmuck/matrixctl/internal/routing"
	"github.com/danmuck/matrixctl/internal/testutil/fakerouter"
	"github.com/danmuck/matrixctl/internal/testutil/testlog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const chassisReply = "{BAcC,00,00,OSO+320O+300O+291OOO20460O06060O00000O06150O22485O}k"

type fakeHealth struct{ connected bool }

func (f fakeHealth) Connected() bool      { return f.connected }
func (f fakeHealth) LastCheck() time.Time { return time.Time{} }

type harness struct {
	server  *Server
	router  *fakerouter.Router
	bus     *events.Bus
	routes  *routing.Coordinator
	journal *journal.Journal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fr := fakerouter.Start(t)
	fr.Reply("*BI", "{BBI,Vortex 64,2.10}")
	fr.Reply("ABM?", "{BAM?,16,32}")
	fr.Reply("AB?", "{BASTATUS,3,1,,7}")
	fr.Reply("ABcC,00,00", chassisReply)
	fr.Reply("ABcO,01,02,01", "{BAcO,01,02,01,OK}")
	fr.ReplyPrefix("ABs,", "{BAs?}")

	cfg := session.DefaultConfig()
	cfg.Endpoint = session.Endpoint{Host: fr.Host(), Port: fr.Port(), Timeout: 300 * time.Millisecond}
	cfg.RouteTimeout = 300 * time.Millisecond
	cfg.RouteReadTimeout = 200 * time.Millisecond
	tr, err := session.NewTransport(cfg)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	client := matrix.New(tr, cfg)

	bus := events.NewBus()
	coord := routing.New(client, bus, routing.Config{ConfirmDelay: 20 * time.Millisecond, BatchSpacing: time.Millisecond})
	t.Cleanup(func() { _ = coord.Close() })

	p, err := poller.New(client, bus, poller.Config{Interval: time.Hour})
	if err != nil {
		t.Fatalf("poller: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop() })

	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	j.Attach(bus)
	t.Cleanup(func() { _ = j.Close() })

	srv := New(Deps{
		Device:  client,
		Routes:  coord,
		Poller:  p,
		Health:  fakeHealth{connected: true},
		Journal: j,
		Bus:     bus,
	}, Config{RequestTimeout: 5 * time.Second})
	return &harness{server: srv, router: fr, bus: bus, routes: coord, journal: j}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)

	var decoded map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, decoded
}

func TestHealthReadyAndMetrics(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	rr, body := h.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK || body["status"] != "ok" || body["service"] != "matrixctl" {
		t.Fatalf("unexpected health: %d %v", rr.Code, body)
	}
	rr, body = h.do(t, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusOK || body["ready"] != true {
		t.Fatalf("unexpected ready: %d %v", rr.Code, body)
	}

	h.server.deps.Health = fakeHealth{connected: false}
	rr, _ = h.do(t, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when disconnected, got %d", rr.Code)
	}

	rr, _ = h.do(t, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "matrixctl_http_requests_total") {
		t.Fatalf("metrics missing http counter: %d", rr.Code)
	}
}

func TestDeviceQueries(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	rr, body := h.do(t, http.MethodGet, "/device/info", nil)
	if rr.Code != http.StatusOK || body["model"] != "Vortex 64" || body["description"] != "Vortex 64 - 2.10" {
		t.Fatalf("unexpected info: %d %v", rr.Code, body)
	}
	rr, body = h.do(t, http.MethodGet, "/device/size", nil)
	if rr.Code != http.StatusOK || body["inputs"] != float64(16) || body["outputs"] != float64(32) {
		t.Fatalf("unexpected size: %d %v", rr.Code, body)
	}
}

func TestTelemetryKinds(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	rr, body := h.do(t, http.MethodGet, "/telemetry/status", nil)
	routes, _ := body["routes"].(map[string]any)
	if rr.Code != http.StatusOK || routes["1"] != float64(3) || routes["4"] != float64(7) || len(routes) != 3 {
		t.Fatalf("unexpected status telemetry: %d %v", rr.Code, body)
	}

	rr, body = h.do(t, http.MethodGet, "/telemetry/chassis", nil)
	rows, _ := body["rows"].([]any)
	if rr.Code != http.StatusOK || len(rows) != 9 {
		t.Fatalf("unexpected chassis telemetry: %d %v", rr.Code, body)
	}

	rr, body = h.do(t, http.MethodGet, "/telemetry/output?card=1&slot=2", nil)
	if rr.Code != http.StatusOK || body["raw"] != "{BAcO,01,02,01,OK}" {
		t.Fatalf("unexpected output telemetry: %d %v", rr.Code, body)
	}

	// no canned reply: the device stays silent
	rr, body = h.do(t, http.MethodGet, "/telemetry/input", nil)
	if rr.Code != http.StatusOK || body["available"] != false {
		t.Fatalf("expected unavailable input telemetry, got %d %v", rr.Code, body)
	}

	rr, _ = h.do(t, http.MethodGet, "/telemetry/voltage", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rr.Code)
	}
	rr, _ = h.do(t, http.MethodGet, "/telemetry/matrix?card=100", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for card out of range, got %d", rr.Code)
	}
}

func TestRouteLifecycle(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	rr, body := h.do(t, http.MethodPost, "/routes", map[string]int{"input": 3, "output": 1})
	if rr.Code != http.StatusOK || body["acknowledged"] != true {
		t.Fatalf("unexpected route response: %d %v", rr.Code, body)
	}
	if got := h.router.Count("ABs,001,003"); got != 1 {
		t.Fatalf("expected one route command on the wire, got %d", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.routes.Table().Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	rr, body = h.do(t, http.MethodGet, "/routes", nil)
	routes, _ := body["routes"].(map[string]any)
	if rr.Code != http.StatusOK || routes["1"] != float64(3) || body["pending"] != float64(0) {
		t.Fatalf("unexpected routes: %d %v", rr.Code, body)
	}

	rr, _ = h.do(t, http.MethodGet, "/routes/export.csv", nil)
	if rr.Code != http.StatusOK || !strings.HasPrefix(rr.Body.String(), "Output,Input\n1,3\n") {
		t.Fatalf("unexpected csv: %d %q", rr.Code, rr.Body.String())
	}

	var records []any
	deadline = time.Now().Add(2 * time.Second)
	for len(records) == 0 && time.Now().Before(deadline) {
		rr, body = h.do(t, http.MethodGet, "/routes/history?limit=10", nil)
		records, _ = body["records"].([]any)
		time.Sleep(5 * time.Millisecond)
	}
	if rr.Code != http.StatusOK || len(records) != 1 {
		t.Fatalf("unexpected history: %d %v", rr.Code, body)
	}

	rr, _ = h.do(t, http.MethodPost, "/routes", map[string]int{"input": 0, "output": 1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for input 0, got %d", rr.Code)
	}
	rr, _ = h.do(t, http.MethodGet, "/routes/history?limit=x", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestBatchAndRefresh(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	rr, body := h.do(t, http.MethodPost, "/routes/batch", map[string]any{
		"routes": []map[string]int{{"input": 1, "output": 2}},
		"pairs":  []string{"5:2", "6:2"},
	})
	if rr.Code != http.StatusOK || body["successes"] != float64(3) || body["total"] != float64(3) {
		t.Fatalf("unexpected batch: %d %v", rr.Code, body)
	}
	for _, content := range []string{"ABs,002,001", "ABs,005,002", "ABs,006,002"} {
		if h.router.Count(content) != 1 {
			t.Fatalf("missing %s on the wire", content)
		}
	}

	rr, _ = h.do(t, http.MethodPost, "/routes/batch", map[string]any{"pairs": []string{"5-2"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed pair, got %d", rr.Code)
	}
	rr, _ = h.do(t, http.MethodPost, "/routes/batch", map[string]any{"routes": []map[string]int{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty batch, got %d", rr.Code)
	}

	// outputs 5 and 6 are not in the router status, so refresh drops them
	rr, body = h.do(t, http.MethodPost, "/routes/refresh", nil)
	routes, _ := body["routes"].(map[string]any)
	if rr.Code != http.StatusOK || len(routes) != 3 || routes["2"] != float64(1) {
		t.Fatalf("unexpected refresh: %d %v", rr.Code, body)
	}
}

func TestPollerControl(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	rr, body := h.do(t, http.MethodGet, "/poller", nil)
	if rr.Code != http.StatusOK || body["running"] != false || body["interval"] != "1h0m0s" {
		t.Fatalf("unexpected poller state: %d %v", rr.Code, body)
	}

	rr, body = h.do(t, http.MethodPut, "/poller", map[string]any{
		"interval": "2s",
		"kinds":    []string{"status", "chassis"},
		"card":     4,
		"running":  true,
	})
	if rr.Code != http.StatusOK || body["running"] != true || body["interval"] != "2s" || body["card"] != float64(4) {
		t.Fatalf("unexpected poller update: %d %v", rr.Code, body)
	}
	kinds, _ := body["kinds"].([]any)
	if len(kinds) != 2 || kinds[0] != "STATUS" || kinds[1] != "CHASSIS" {
		t.Fatalf("unexpected kinds: %v", body["kinds"])
	}

	rr, _ = h.do(t, http.MethodPut, "/poller", map[string]any{"kinds": []string{"OUTPUT"}, "interval": "9s"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-pollable kind, got %d", rr.Code)
	}
	if h.server.deps.Poller.Interval() != 2*time.Second {
		t.Fatalf("rejected update must not change the interval")
	}
	rr, _ = h.do(t, http.MethodPut, "/poller", map[string]any{"interval": "-1s"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative interval, got %d", rr.Code)
	}

	rr, body = h.do(t, http.MethodPut, "/poller", map[string]any{"running": false})
	if rr.Code != http.StatusOK || body["running"] != false {
		t.Fatalf("unexpected stop: %d %v", rr.Code, body)
	}
}

func TestUnreachableRouter(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	h.router.Close()

	rr, _ := h.do(t, http.MethodGet, "/device/info", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	rr, _ = h.do(t, http.MethodPost, "/routes", map[string]int{"input": 1, "output": 1})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for failed route, got %d", rr.Code)
	}
	if len(h.routes.Table().View()) != 0 {
		t.Fatalf("failed route must not be asserted")
	}
}

func TestEventStream(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?types=route.batch,connection.changed"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for h.bus.Subscribers() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.bus.Publish(events.RouteResult, "test", events.RouteResultData{Input: 1, Output: 1, Success: true})
	h.bus.Publish(events.ConnectionChanged, "test", events.ConnectionData{Connected: true})

	var got struct {
		Type events.Type           `json:"type"`
		Data events.ConnectionData `json:"data"`
	}
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != events.ConnectionChanged || !got.Data.Connected {
		t.Fatalf("unexpected streamed event: %+v", got)
	}

	rr, _ := h.do(t, http.MethodGet, "/events?types=bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rr.Code)
	}
}

func TestControlEndpointsRequireToken(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t)
	h.server = New(h.server.deps, Config{RequestTimeout: 5 * time.Second, Token: "s3cret"})

	rr, _ := h.do(t, http.MethodPost, "/routes", map[string]int{"input": 3, "output": 1})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr, _ = h.do(t, http.MethodPut, "/poller", map[string]any{"running": true})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for poller update, got %d", rr.Code)
	}
	if n := h.router.Sessions(); n != 0 {
		t.Fatalf("rejected request reached the router: %d sessions", n)
	}
	if h.server.deps.Poller.Running() {
		t.Fatalf("rejected request started the poller")
	}

	rr, _ = h.do(t, http.MethodGet, "/routes", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("reads stay open, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/routes", strings.NewReader(`{"input":3,"output":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer s3cret")
	resp := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK && resp.Code != http.StatusAccepted {
		t.Fatalf("expected route accepted with token, got %d %s", resp.Code, resp.Body.String())
	}
}
