package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/matrixctl/internal/events"
	"github.com/danmuck/matrixctl/internal/health"
	"github.com/danmuck/matrixctl/internal/poller"
	"github.com/danmuck/matrixctl/internal/protocol/session"
	"github.com/danmuck/matrixctl/internal/routing"
)

// TokenEnv overrides [api] token so the secret can live in the
// environment or a .env file instead of the config.
const TokenEnv = "MATRIXCTL_API_TOKEN"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Router  RouterConfig
	Poller  PollerConfig
	Routing RoutingConfig
	Health  HealthConfig
	API     APIConfig
	Journal JournalConfig
	Trace   TraceConfig
}

type RouterConfig struct {
	Host             string
	Port             int
	Timeout          time.Duration
	RouteTimeout     time.Duration
	RouteReadTimeout time.Duration
	MaxReplyBytes    int
}

type PollerConfig struct {
	Enabled  bool
	Interval time.Duration
	Kinds    []events.Kind
	Card     int
	Slot     int
}

type RoutingConfig struct {
	ConfirmDelay time.Duration
	BatchSpacing time.Duration
}

type HealthConfig struct {
	Enabled  bool
	Schedule string
}

// APIConfig.Token, when set, is required as a bearer token on every
// request that changes router or poller state.
type APIConfig struct {
	Addr        string
	CorsOrigins []string
	Token       string
}

// JournalConfig and TraceConfig are disabled when Path is empty.
type JournalConfig struct {
	Path string
}

type TraceConfig struct {
	Path string
}

func Default() Config {
	sess := session.DefaultConfig()
	pc := poller.DefaultConfig()
	rc := routing.DefaultConfig()
	hc := health.DefaultConfig()
	return Config{
		Router: RouterConfig{
			Host:             "127.0.0.1",
			Port:             sess.Endpoint.Port,
			Timeout:          sess.Endpoint.Timeout,
			RouteTimeout:     sess.RouteTimeout,
			RouteReadTimeout: sess.RouteReadTimeout,
			MaxReplyBytes:    sess.MaxReplyBytes,
		},
		Poller: PollerConfig{
			Enabled:  true,
			Interval: pc.Interval,
			Kinds:    append([]events.Kind(nil), pc.Kinds...),
		},
		Routing: RoutingConfig{
			ConfirmDelay: rc.ConfirmDelay,
			BatchSpacing: rc.BatchSpacing,
		},
		Health: HealthConfig{
			Enabled:  true,
			Schedule: hc.Schedule,
		},
		API: APIConfig{
			Addr:        ":8480",
			CorsOrigins: []string{"http://localhost:3000"},
		},
		Journal: JournalConfig{Path: "data/journal.db"},
	}
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv() {
	if token := strings.TrimSpace(os.Getenv(TokenEnv)); token != "" {
		c.API.Token = token
	}
}

// Load decodes path over Default and validates the result. Keys absent from
// the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}

	d := durationSetter{meta: meta}

	if meta.IsDefined("router", "host") {
		cfg.Router.Host = strings.TrimSpace(raw.Router.Host)
	}
	if meta.IsDefined("router", "port") {
		cfg.Router.Port = raw.Router.Port
	}
	d.set(&cfg.Router.Timeout, raw.Router.Timeout, "router", "timeout")
	d.set(&cfg.Router.RouteTimeout, raw.Router.RouteTimeout, "router", "route_timeout")
	d.set(&cfg.Router.RouteReadTimeout, raw.Router.RouteReadTimeout, "router", "route_read_timeout")
	if meta.IsDefined("router", "max_reply_bytes") {
		cfg.Router.MaxReplyBytes = raw.Router.MaxReplyBytes
	}

	if meta.IsDefined("poller", "enabled") {
		cfg.Poller.Enabled = raw.Poller.Enabled
	}
	d.set(&cfg.Poller.Interval, raw.Poller.Interval, "poller", "interval")
	if meta.IsDefined("poller", "kinds") {
		kinds := make([]events.Kind, 0, len(raw.Poller.Kinds))
		for _, k := range raw.Poller.Kinds {
			kind, err := events.ParseKind(k)
			if err != nil {
				return Config{}, fmt.Errorf("%w: poller.kinds: %v", ErrInvalid, err)
			}
			kinds = append(kinds, kind)
		}
		cfg.Poller.Kinds = kinds
	}
	if meta.IsDefined("poller", "card") {
		cfg.Poller.Card = raw.Poller.Card
	}
	if meta.IsDefined("poller", "slot") {
		cfg.Poller.Slot = raw.Poller.Slot
	}

	d.set(&cfg.Routing.ConfirmDelay, raw.Routing.ConfirmDelay, "routing", "confirm_delay")
	d.set(&cfg.Routing.BatchSpacing, raw.Routing.BatchSpacing, "routing", "batch_spacing")

	if meta.IsDefined("health", "enabled") {
		cfg.Health.Enabled = raw.Health.Enabled
	}
	if meta.IsDefined("health", "schedule") {
		cfg.Health.Schedule = strings.TrimSpace(raw.Health.Schedule)
	}

	if meta.IsDefined("api", "addr") {
		cfg.API.Addr = strings.TrimSpace(raw.API.Addr)
	}
	if meta.IsDefined("api", "cors_origins") {
		cfg.API.CorsOrigins = normalizeList(raw.API.CorsOrigins)
	}
	if meta.IsDefined("api", "token") {
		cfg.API.Token = strings.TrimSpace(raw.API.Token)
	}
	if meta.IsDefined("journal", "path") {
		cfg.Journal.Path = strings.TrimSpace(raw.Journal.Path)
	}
	if meta.IsDefined("trace", "path") {
		cfg.Trace.Path = strings.TrimSpace(raw.Trace.Path)
	}

	if d.err != nil {
		return Config{}, d.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Session().Endpoint.Validate(); err != nil {
		return fmt.Errorf("%w: router: %w", ErrInvalid, err)
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"router.timeout", c.Router.Timeout},
		{"router.route_timeout", c.Router.RouteTimeout},
		{"router.route_read_timeout", c.Router.RouteReadTimeout},
		{"poller.interval", c.Poller.Interval},
		{"routing.confirm_delay", c.Routing.ConfirmDelay},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, p.name)
		}
	}
	if c.Routing.BatchSpacing < 0 {
		return fmt.Errorf("%w: routing.batch_spacing must not be negative", ErrInvalid)
	}
	if c.Router.MaxReplyBytes < 0 {
		return fmt.Errorf("%w: router.max_reply_bytes must not be negative", ErrInvalid)
	}
	for _, k := range c.Poller.Kinds {
		if !pollable(k) {
			return fmt.Errorf("%w: poller.kinds: %s cannot be polled", ErrInvalid, k)
		}
	}
	if c.Poller.Card < 0 || c.Poller.Card > 99 || c.Poller.Slot < 0 || c.Poller.Slot > 99 {
		return fmt.Errorf("%w: poller card/slot must be in 0..99", ErrInvalid)
	}
	if c.Health.Enabled && c.Health.Schedule == "" {
		return fmt.Errorf("%w: health.schedule is required when health is enabled", ErrInvalid)
	}
	return nil
}

// Session is the transport configuration for the router endpoint.
func (c Config) Session() session.Config {
	return session.Config{
		Endpoint: session.Endpoint{
			Host:    c.Router.Host,
			Port:    c.Router.Port,
			Timeout: c.Router.Timeout,
		},
		RouteTimeout:     c.Router.RouteTimeout,
		RouteReadTimeout: c.Router.RouteReadTimeout,
		MaxReplyBytes:    c.Router.MaxReplyBytes,
	}.WithDefaults()
}

func (c Config) PollerConfig() poller.Config {
	cfg := poller.DefaultConfig()
	cfg.Interval = c.Poller.Interval
	cfg.Kinds = append([]events.Kind{}, c.Poller.Kinds...)
	cfg.Card = c.Poller.Card
	cfg.Slot = c.Poller.Slot
	return cfg
}

func (c Config) RoutingConfig() routing.Config {
	cfg := routing.DefaultConfig()
	cfg.ConfirmDelay = c.Routing.ConfirmDelay
	cfg.BatchSpacing = c.Routing.BatchSpacing
	return cfg
}

func (c Config) HealthConfig() health.Config {
	cfg := health.DefaultConfig()
	cfg.Schedule = c.Health.Schedule
	return cfg
}

type durationSetter struct {
	meta toml.MetaData
	err  error
}

func (d *durationSetter) set(dst *time.Duration, raw string, key ...string) {
	if d.err != nil || !d.meta.IsDefined(key...) {
		return
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		d.err = fmt.Errorf("%w: parse %s: %v", ErrInvalid, strings.Join(key, "."), err)
		return
	}
	*dst = v
}

func pollable(k events.Kind) bool {
	for _, pk := range events.PollKinds {
		if pk == k {
			return true
		}
	}
	return false
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
