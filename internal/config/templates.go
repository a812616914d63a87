package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the on-disk shape. Durations are Go duration strings.
type fileConfig struct {
	Router  routerFile  `toml:"router"`
	Poller  pollerFile  `toml:"poller"`
	Routing routingFile `toml:"routing"`
	Health  healthFile  `toml:"health"`
	API     apiFile     `toml:"api"`
	Journal journalFile `toml:"journal"`
	Trace   traceFile   `toml:"trace"`
}

type routerFile struct {
	Host             string `toml:"host" comment:"router address; the protocol listens on TCP 4000"`
	Port             int    `toml:"port"`
	Timeout          string `toml:"timeout" comment:"connect and read timeout for queries"`
	RouteTimeout     string `toml:"route_timeout"`
	RouteReadTimeout string `toml:"route_read_timeout"`
	MaxReplyBytes    int    `toml:"max_reply_bytes"`
}

type pollerFile struct {
	Enabled  bool     `toml:"enabled"`
	Interval string   `toml:"interval"`
	Kinds    []string `toml:"kinds" comment:"any of STATUS, MATRIX, CHASSIS"`
	Card     int      `toml:"card"`
	Slot     int      `toml:"slot"`
}

type routingFile struct {
	ConfirmDelay string `toml:"confirm_delay"`
	BatchSpacing string `toml:"batch_spacing"`
}

type healthFile struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule" comment:"cron spec, e.g. @every 10s"`
}

type apiFile struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token" comment:"bearer token for control requests; empty leaves them open"`
}

type journalFile struct {
	Path string `toml:"path" comment:"sqlite route history; empty disables"`
}

type traceFile struct {
	Path string `toml:"path" comment:"CBOR wire trace; empty disables"`
}

func toFile(c Config) fileConfig {
	kinds := make([]string, len(c.Poller.Kinds))
	for i, k := range c.Poller.Kinds {
		kinds[i] = string(k)
	}
	return fileConfig{
		Router: routerFile{
			Host:             c.Router.Host,
			Port:             c.Router.Port,
			Timeout:          c.Router.Timeout.String(),
			RouteTimeout:     c.Router.RouteTimeout.String(),
			RouteReadTimeout: c.Router.RouteReadTimeout.String(),
			MaxReplyBytes:    c.Router.MaxReplyBytes,
		},
		Poller: pollerFile{
			Enabled:  c.Poller.Enabled,
			Interval: c.Poller.Interval.String(),
			Kinds:    kinds,
			Card:     c.Poller.Card,
			Slot:     c.Poller.Slot,
		},
		Routing: routingFile{
			ConfirmDelay: c.Routing.ConfirmDelay.String(),
			BatchSpacing: c.Routing.BatchSpacing.String(),
		},
		Health:  healthFile{Enabled: c.Health.Enabled, Schedule: c.Health.Schedule},
		API:     apiFile{Addr: c.API.Addr, CorsOrigins: c.API.CorsOrigins, Token: c.API.Token},
		Journal: journalFile{Path: c.Journal.Path},
		Trace:   traceFile{Path: c.Trace.Path},
	}
}

// Marshal renders cfg as TOML that Load reads back unchanged.
func Marshal(cfg Config) ([]byte, error) {
	out, err := toml.Marshal(toFile(cfg))
	if err != nil {
		return nil, fmt.Errorf("config render failed: %w", err)
	}
	return out, nil
}

// Template is the default configuration as TOML.
func Template() ([]byte, error) {
	return Marshal(Default())
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, template, 0o600)
}
