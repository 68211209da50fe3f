// Package server provides configuration helpers that define runtime defaults,
// layered loading (file, environment, flags) and validation for the relay.
package server

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/wsrelay/internal/logging"
)

// Config holds the relay configuration.
type Config struct {
	Port            string          `yaml:"port"`
	SendTimeout     time.Duration   `yaml:"send_timeout"`
	EchoToSender    bool            `yaml:"echo_to_sender"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	MaxMessageSize  int64           `yaml:"max_message_size"`
	SendQueueSize   int             `yaml:"send_queue_size"`
	PingInterval    time.Duration   `yaml:"ping_interval"`
	PongWait        time.Duration   `yaml:"pong_wait"`
	WriteWait       time.Duration   `yaml:"write_wait"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	HelloPort       string          `yaml:"hello_port"`
	StatsSchedule   string          `yaml:"stats_schedule"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	Log             logging.Config  `yaml:"log"`
}

const (
	defaultPort            = "8080"
	defaultMaxMessageSize  = 64 * 1024
	defaultSendQueueSize   = 256
	defaultPongWait        = 60 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultStatsSchedule   = "@every 1m"
)

// DefaultConfig returns a Config populated with default values for all
// settings. Echo to sender is on, matching a relay that includes the sender in
// its own fan-out.
func DefaultConfig() Config {
	return Config{
		Port:            defaultPort,
		EchoToSender:    true,
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  defaultMaxMessageSize,
		SendQueueSize:   defaultSendQueueSize,
		PingInterval:    (defaultPongWait * 9) / 10,
		PongWait:        defaultPongWait,
		WriteWait:       defaultWriteWait,
		StatsSchedule:   defaultStatsSchedule,
		ShutdownTimeout: defaultShutdownTimeout,
		Log: logging.Config{
			Level:  "info",
			Format: string(logging.FormatConsole),
		},
	}
}

// withDefaults fills zero-valued sizes and intervals. SendTimeout and
// RateLimit keep their zero meaning.
func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = (c.PongWait * 9) / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// Addr returns the listen address for the relay port.
func (c Config) Addr() string { return listenAddr(c.Port) }

// HelloAddr returns the listen address for the hello endpoint, or "" when it
// is disabled.
func (c Config) HelloAddr() string {
	if strings.TrimSpace(c.HelloPort) == "" {
		return ""
	}
	return listenAddr(c.HelloPort)
}

func listenAddr(port string) string {
	port = strings.TrimSpace(port)
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if err := validatePort("port", c.Port); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.HelloPort) != "" {
		if err := validatePort("hello_port", c.HelloPort); err != nil {
			errs = append(errs, err)
		}
	}
	durations := map[string]time.Duration{
		"send_timeout":        c.SendTimeout,
		"ping_interval":       c.PingInterval,
		"pong_wait":           c.PongWait,
		"write_wait":          c.WriteWait,
		"shutdown_timeout":    c.ShutdownTimeout,
		"rate_limit.interval": c.RateLimit.Interval,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: duration must be >= 0, got %s", name, d))
		}
	}
	if c.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("max_message_size: must be >= 0, got %d", c.MaxMessageSize))
	}
	if c.SendQueueSize < 0 {
		errs = append(errs, fmt.Errorf("send_queue_size: must be >= 0, got %d", c.SendQueueSize))
	}
	if c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.burst: must be >= 0, got %d", c.RateLimit.Burst))
	}
	return errors.Join(errs...)
}

func validatePort(field, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%s: required", field)
	}
	_, port, err := net.SplitHostPort(listenAddr(value))
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%s: invalid port %q", field, port)
	}
	return nil
}

// LoadFile overlays the YAML file at path onto cfg. ${VAR} references are
// expanded from the environment before parsing.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is usually
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, set func(int64)) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			set(n)
		}
	}

	str("RELAY_PORT", &cfg.Port)
	str("HELLO_PORT", &cfg.HelloPort)
	str("STATS_SCHEDULE", &cfg.StatsSchedule)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	dur("RELAY_SEND_TIMEOUT", &cfg.SendTimeout)
	dur("RATE_LIMIT_INTERVAL", &cfg.RateLimit.Interval)
	dur("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	integer("MAX_MESSAGE_SIZE", func(n int64) { cfg.MaxMessageSize = n })
	integer("SEND_QUEUE_SIZE", func(n int64) { cfg.SendQueueSize = int(n) })
	integer("RATE_LIMIT_BURST", func(n int64) { cfg.RateLimit.Burst = int(n) })

	if v, ok := lookup("RELAY_ECHO"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_ECHO: %w", err))
		} else {
			cfg.EchoToSender = b
		}
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.AllowedOrigins = parseOrigins(v)
	}
	return errors.Join(errs...)
}

// parseDuration accepts Go duration strings and bare integers as seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Source remembers where a configuration came from so it can be rebuilt with
// the same layering after the config file changes.
type Source struct {
	// Path is the YAML config file, empty when none was given.
	Path string

	overrides func(*Config)
}

// Reload rebuilds the configuration: defaults, the YAML file at Path, the
// environment, then the command line flags that were set at startup.
func (s Source) Reload() (Config, error) {
	cfg := DefaultConfig()
	if s.Path != "" {
		if err := LoadFile(s.Path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if s.overrides != nil {
		s.overrides(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg.withDefaults(), nil
}

// Load builds the effective configuration: defaults, then the YAML file named
// by -config, then the environment (a .env file in the working directory is
// loaded first), then the remaining command line flags. The returned Source
// rebuilds the same layering on reload.
func Load(args []string, stderr io.Writer) (Config, Source, error) {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	port := fs.String("port", "", "relay listen port")
	sendTimeout := fs.Duration("send-timeout", 0, "per-send timeout (0 fails immediately on a full queue)")
	echo := fs.Bool("echo", true, "deliver messages back to their sender")
	helloPort := fs.String("hello-port", "", "port for the hello endpoint (empty disables it)")
	logLevel := fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, Source{}, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, Source{}, fmt.Errorf("load .env: %w", err)
	}

	var set []string
	fs.Visit(func(f *flag.Flag) { set = append(set, f.Name) })

	src := Source{
		Path: *configPath,
		overrides: func(cfg *Config) {
			for _, name := range set {
				switch name {
				case "port":
					cfg.Port = *port
				case "send-timeout":
					cfg.SendTimeout = *sendTimeout
				case "echo":
					cfg.EchoToSender = *echo
				case "hello-port":
					cfg.HelloPort = *helloPort
				case "log-level":
					cfg.Log.Level = *logLevel
				}
			}
		},
	}

	cfg, err := src.Reload()
	if err != nil {
		return Config{}, Source{}, err
	}
	return cfg, src, nil
}
