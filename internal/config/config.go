// Package config loads tunnelctl settings from YAML and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/1ureka/tunnelctl/internal/forward"
)

// DefaultPath is read when it exists and no -config flag is given.
const DefaultPath = "tunnelctl.yaml"

// Config holds every setting of the controller and the peer.
type Config struct {
	Listen string   `yaml:"listen"` // controller WebSocket address
	Token  string   `yaml:"token"`  // shared secret; generated when empty
	STUN   []string `yaml:"stun"`

	Log struct {
		Level string `yaml:"level"` // debug, info, warn, error, off
		File  string `yaml:"file"`  // rotated log file; stderr when empty
	} `yaml:"log"`

	Agent struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"agent"`

	BufferSize    int      `yaml:"buffer_size"`    // tunnel read size in bytes
	StatsInterval string   `yaml:"stats_interval"` // "0" disables the reporter
	Forwards      []string `yaml:"forwards"`       // "[lhost:]lport rhost:rport", set up per session
	Socks         []string `yaml:"socks"`          // "[lhost:]lport", set up per session

	Peer struct {
		URL         string `yaml:"url"`          // controller URL, ws:// or wss://
		WebRTC      bool   `yaml:"webrtc"`       // move onto a DataChannel after connecting
		DialTimeout string `yaml:"dial_timeout"` // per-target connect timeout
	} `yaml:"peer"`
}

// Default returns the built-in settings.
func Default() *Config {
	c := &Config{
		Listen:        "127.0.0.1:8765",
		BufferSize:    16 * 1024,
		StatsInterval: "10s",
	}
	c.Log.Level = "info"
	c.Agent.Name = "tunnelctl"
	c.Agent.Version = "dev"
	c.Peer.URL = "ws://127.0.0.1:8765"
	c.Peer.DialTimeout = "10s"
	return c
}

// Load reads path over the defaults. A missing DefaultPath is not an error.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// RegisterFlags binds the command-line overrides to c. Call before fs.Parse.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", c.Listen, "Controller WebSocket address")
	fs.StringVar(&c.Token, "token", c.Token, "Shared secret peers must present")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level: debug, info, warn, error, off")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "Write logs to a rotated file")
	fs.IntVar(&c.BufferSize, "buffer-size", c.BufferSize, "Tunnel read size in bytes")
	fs.StringVar(&c.StatsInterval, "stats-interval", c.StatsInterval, "Traffic report interval, 0 to disable")
	fs.StringVar(&c.Peer.URL, "url", c.Peer.URL, "Controller URL (peer only)")
	fs.BoolVar(&c.Peer.WebRTC, "webrtc", c.Peer.WebRTC, "Use a WebRTC DataChannel (peer only)")
	fs.Func("forward", "Forward \"[lhost:]lport rhost:rport\" for every session (repeatable)", func(s string) error {
		c.Forwards = append(c.Forwards, s)
		return nil
	})
	fs.Func("socks", "SOCKS5 proxy on \"[lhost:]lport\" for every session (repeatable)", func(s string) error {
		c.Socks = append(c.Socks, s)
		return nil
	})
}

// Validate checks values that can be checked without side effects.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "off":
	default:
		errs = append(errs, fmt.Errorf("log level %q", c.Log.Level))
	}
	if c.BufferSize < 512 || c.BufferSize > 60*1024 {
		errs = append(errs, fmt.Errorf("buffer size %d must be within 512..61440", c.BufferSize))
	}
	if _, err := c.Stats(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PeerDialTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ForwardSpecs(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SocksSpecs(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Stats returns the stats reporter interval; zero disables it.
func (c *Config) Stats() (time.Duration, error) {
	if c.StatsInterval == "" || c.StatsInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.StatsInterval)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("stats interval %q", c.StatsInterval)
	}
	return d, nil
}

// PeerDialTimeout returns the peer's connect timeout.
func (c *Config) PeerDialTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Peer.DialTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("dial timeout %q", c.Peer.DialTimeout)
	}
	return d, nil
}

// ForwardSpecs parses Forwards.
func (c *Config) ForwardSpecs() ([]forward.Spec, error) {
	specs := make([]forward.Spec, 0, len(c.Forwards))
	for _, f := range c.Forwards {
		spec, err := forward.ParseHostPorts(f)
		if err != nil {
			return nil, fmt.Errorf("forward: %w", err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// SocksEndpoint is a local SOCKS5 listen address.
type SocksEndpoint struct {
	Host string
	Port uint16
}

// SocksSpecs parses Socks.
func (c *Config) SocksSpecs() ([]SocksEndpoint, error) {
	out := make([]SocksEndpoint, 0, len(c.Socks))
	for _, s := range c.Socks {
		host, port, err := forward.ParseListenAddr(s)
		if err != nil {
			return nil, fmt.Errorf("socks %q: %w", s, err)
		}
		out = append(out, SocksEndpoint{Host: host, Port: port})
	}
	return out, nil
}

// Parse loads the file named by -config (DefaultPath when absent), applies
// the flags in args over it and validates the result.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	path := DefaultPath
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(strings.TrimLeft(args[i], "-"), "=")
		if !strings.HasPrefix(args[i], "-") || name != "config" {
			continue
		}
		if !hasValue && i+1 < len(args) {
			value = args[i+1]
		}
		path = value
		break
	}

	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	fs.String("config", DefaultPath, "YAML configuration file")
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
