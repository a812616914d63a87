package matrix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/matrixctl/internal/crosspoint"
	"github.com/danmuck/matrixctl/internal/protocol/frame"
	"github.com/danmuck/matrixctl/internal/protocol/reply"
	"github.com/danmuck/matrixctl/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoReply         = errors.New("matrix: no usable reply")
	ErrInvalidCardSlot = frame.ErrCardSlotRange
)

// IsNoData reports whether err means "outcome unknown" rather than a bad request.
func IsNoData(err error) bool {
	return errors.Is(err, ErrNoReply) || errors.Is(err, session.ErrUnreachable)
}

// Status is a decoded AB? reply.
type Status struct {
	Raw    string         `json:"raw"`
	Routes crosspoint.Map `json:"routes"`
}

// Chassis is a chassis telemetry reply. Parsed is false when the text did not
// match the chassis grammar; Raw is still populated.
type Chassis struct {
	Raw      string        `json:"raw"`
	Parsed   bool          `json:"parsed"`
	Readings reply.Chassis `json:"readings"`
}

// RouteOutcome reports a route that was not refused at the transport level.
type RouteOutcome struct {
	Input        int    `json:"input"`
	Output       int    `json:"output"`
	Acknowledged bool   `json:"acknowledged"`
	Reply        string `json:"reply,omitempty"`
}

// Client issues catalogue commands through one Exchanger.
type Client struct {
	ex    session.Exchanger
	query session.Timing
	route session.Timing
	log   zerolog.Logger
}

func New(ex session.Exchanger, cfg session.Config) *Client {
	cfg = cfg.WithDefaults()
	return &Client{
		ex:    ex,
		query: cfg.QueryTiming(),
		route: cfg.RouteTiming(),
		log:   log.With().Str("component", "matrix").Logger(),
	}
}

func (c *Client) send(ctx context.Context, cmd frame.Command) (string, error) {
	raw, err := c.ex.Exchange(ctx, cmd, c.query)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoReply, cmd.Content)
	}
	return frame.DecodeText(raw), nil
}

func (c *Client) DeviceInfo(ctx context.Context) (reply.DeviceInfo, error) {
	text, err := c.send(ctx, frame.DeviceInfo())
	if err != nil {
		return reply.DeviceInfo{}, err
	}
	info, ok := reply.ParseDeviceInfo(text)
	if !ok {
		return reply.DeviceInfo{}, fmt.Errorf("%w: device info %q", ErrNoReply, text)
	}
	return info, nil
}

func (c *Client) MatrixSize(ctx context.Context) (reply.MatrixSize, error) {
	text, err := c.send(ctx, frame.MatrixSize())
	if err != nil {
		return reply.MatrixSize{}, err
	}
	size, ok := reply.ParseMatrixSize(text)
	if !ok {
		return reply.MatrixSize{}, fmt.Errorf("%w: matrix size %q", ErrNoReply, text)
	}
	return size, nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	text, err := c.send(ctx, frame.Status())
	if err != nil {
		return Status{}, err
	}
	routes, ok := reply.ParseStatus(text)
	if !ok {
		return Status{Raw: text}, fmt.Errorf("%w: status %q", ErrNoReply, text)
	}
	return Status{Raw: text, Routes: routes}, nil
}

func (c *Client) MatrixTelemetry(ctx context.Context, card, slot int) (string, error) {
	cmd, err := frame.MatrixTelemetry(card, slot)
	if err != nil {
		return "", err
	}
	return c.send(ctx, cmd)
}

func (c *Client) OutputTelemetry(ctx context.Context, card, slot int) (string, error) {
	cmd, err := frame.OutputTelemetry(card, slot)
	if err != nil {
		return "", err
	}
	return c.send(ctx, cmd)
}

func (c *Client) InputTelemetry(ctx context.Context, card, slot int) (string, error) {
	cmd, err := frame.InputTelemetry(card, slot)
	if err != nil {
		return "", err
	}
	return c.send(ctx, cmd)
}

func (c *Client) ChassisTelemetry(ctx context.Context) (Chassis, error) {
	text, err := c.send(ctx, frame.ChassisTelemetry())
	if err != nil {
		return Chassis{}, err
	}
	readings, ok := reply.ParseChassis(text)
	return Chassis{Raw: text, Parsed: ok, Readings: readings}, nil
}

// Route sends output<-input. A reply carrying the ack marker, no reply at
// all, or any other reply counts as success; only a refused or failed
// connection is reported as an error.
func (c *Client) Route(ctx context.Context, input, output int) (RouteOutcome, error) {
	out := RouteOutcome{Input: input, Output: output}
	cmd, err := frame.Route(output, input)
	if err != nil {
		return out, err
	}
	raw, err := c.ex.Exchange(ctx, cmd, c.route)
	if err != nil {
		c.log.Warn().Err(err).Int("input", input).Int("output", output).Msg("route failed")
		return out, err
	}
	if len(raw) > 0 {
		out.Reply = frame.DecodeText(raw)
		out.Acknowledged = reply.IsRouteAck(out.Reply)
	}
	c.log.Debug().
		Int("input", input).
		Int("output", output).
		Bool("acknowledged", out.Acknowledged).
		Msg("route sent")
	return out, nil
}

// Raw sends arbitrary content with the generic checksum.
func (c *Client) Raw(ctx context.Context, content string) (string, error) {
	cmd, err := frame.Raw(content)
	if err != nil {
		return "", err
	}
	return c.send(ctx, cmd)
}

// Probe reports whether the router answers a status query with framed data.
func (c *Client) Probe(ctx context.Context) bool {
	raw, err := c.ex.Exchange(ctx, frame.Status(), c.query)
	if err != nil || len(raw) == 0 {
		return false
	}
	return strings.ContainsRune(frame.DecodeText(raw), rune(frame.Open))
}
