package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort             = 4000
	DefaultTimeout          = 5 * time.Second
	DefaultRouteTimeout     = 2 * time.Second
	DefaultRouteReadTimeout = 1 * time.Second
	DefaultMaxReplyBytes    = 64 * 1024
)

var ErrInvalidEndpoint = errors.New("session: invalid endpoint")

// Endpoint is the router address plus the timeout applied to query exchanges.
type Endpoint struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%w: host required", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidEndpoint)
	}
	return nil
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(strings.TrimSpace(e.Host), strconv.Itoa(e.Port))
}

// Timing bounds one exchange. Overall covers dial, write, and the whole read
// loop; PerRead, when set, bounds each individual read.
type Timing struct {
	Overall time.Duration
	PerRead time.Duration
}

// Config defines transport timing and memory limits.
type Config struct {
	Endpoint         Endpoint
	RouteTimeout     time.Duration
	RouteReadTimeout time.Duration
	MaxReplyBytes    int
}

func DefaultConfig() Config {
	return Config{
		Endpoint: Endpoint{
			Port:    DefaultPort,
			Timeout: DefaultTimeout,
		},
		RouteTimeout:     DefaultRouteTimeout,
		RouteReadTimeout: DefaultRouteReadTimeout,
		MaxReplyBytes:    DefaultMaxReplyBytes,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Endpoint.Port == 0 {
		c.Endpoint.Port = def.Endpoint.Port
	}
	if c.Endpoint.Timeout <= 0 {
		c.Endpoint.Timeout = def.Endpoint.Timeout
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = def.RouteTimeout
	}
	if c.RouteReadTimeout <= 0 {
		c.RouteReadTimeout = def.RouteReadTimeout
	}
	if c.MaxReplyBytes <= 0 {
		c.MaxReplyBytes = def.MaxReplyBytes
	}
	return c
}

// QueryTiming is used for every non-routing command.
func (c Config) QueryTiming() Timing {
	return Timing{Overall: c.Endpoint.Timeout, PerRead: c.Endpoint.Timeout}
}

// RouteTiming is shorter because routers often never answer a route.
func (c Config) RouteTiming() Timing {
	return Timing{Overall: c.RouteTimeout, PerRead: c.RouteReadTimeout}
}
