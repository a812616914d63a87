package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/matrixctl/internal/crosspoint"
	"github.com/danmuck/matrixctl/internal/protocol/reply"
)

type Type string

const (
	RouteResult       Type = "route.result"
	RouteBatch        Type = "route.batch"
	RouteCorrected    Type = "route.corrected"
	TelemetrySample   Type = "telemetry.sample"
	StatusUpdate      Type = "status.update"
	ConnectionChanged Type = "connection.changed"
	Error             Type = "error"
)

// AllTypes lists every type the bus carries.
var AllTypes = []Type{RouteResult, RouteBatch, RouteCorrected, TelemetrySample, StatusUpdate, ConnectionChanged, Error}

// Event is one published notification. Data holds one of the *Data structs below.
type Event struct {
	Seq    uint64    `json:"seq"`
	Type   Type      `json:"type"`
	Time   time.Time `json:"time"`
	Source string    `json:"source"`
	Data   any       `json:"data"`
}

// Kind names a telemetry query.
type Kind string

const (
	KindStatus  Kind = "STATUS"
	KindMatrix  Kind = "MATRIX"
	KindChassis Kind = "CHASSIS"
	KindOutput  Kind = "OUTPUT"
	KindInput   Kind = "INPUT"
)

// PollKinds are the kinds the background poller can cycle through.
var PollKinds = []Kind{KindStatus, KindMatrix, KindChassis}

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(raw)))
	switch k {
	case KindStatus, KindMatrix, KindChassis, KindOutput, KindInput:
		return k, nil
	default:
		return "", fmt.Errorf("events: unknown telemetry kind %q", raw)
	}
}

// Status update origins.
const (
	OriginPoll    = "poll"
	OriginRefresh = "refresh"
	OriginAssert  = "assert"
)

type RouteResultData struct {
	Input        int    `json:"input"`
	Output       int    `json:"output"`
	Success      bool   `json:"success"`
	Acknowledged bool   `json:"acknowledged"`
	Error        string `json:"error,omitempty"`
}

type RouteBatchData struct {
	Successes int `json:"successes"`
	Total     int `json:"total"`
}

type TelemetryData struct {
	Kind    Kind           `json:"kind"`
	Raw     string         `json:"raw"`
	Routes  crosspoint.Map `json:"routes,omitempty"`
	Chassis *reply.Chassis `json:"chassis,omitempty"`
}

// StatusData carries a routing map. ObservedAt is when the status request
// was issued; zero for locally asserted views.
type StatusData struct {
	Routes     crosspoint.Map `json:"routes"`
	Origin     string         `json:"origin"`
	ObservedAt time.Time      `json:"observed_at,omitempty"`
}

// RouteCorrectedData reports an asserted route the router disagreed with.
type RouteCorrectedData struct {
	Output    int `json:"output"`
	Asserted  int `json:"asserted"`
	Confirmed int `json:"confirmed"`
}

type ConnectionData struct {
	Connected bool `json:"connected"`
}

type ErrorData struct {
	Message string `json:"message"`
	Source  string `json:"source"`
}
