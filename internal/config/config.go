package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opentalon/toolbroker/internal/toolclient"
	"github.com/opentalon/toolbroker/internal/workflow"
)

type Config struct {
	Servers   map[string]ServerConfig `yaml:"servers"`
	Client    ClientConfig            `yaml:"client"`
	State     StateConfig             `yaml:"state"`
	Discovery DiscoveryConfig         `yaml:"discovery"`
	Intent    IntentConfig            `yaml:"intent"`
	Workflows WorkflowsConfig         `yaml:"workflows"`
	Janitor   JanitorConfig           `yaml:"janitor"`
	Metrics   MetricsConfig           `yaml:"metrics"`
}

// ServerConfig overrides or adds a tool server launch recipe. Empty fields
// keep the built-in value.
type ServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     []string          `yaml:"env"`
	Set     map[string]string `yaml:"set"`
}

type ClientConfig struct {
	HandshakeTimeout string `yaml:"handshake_timeout"`
	CallTimeout      string `yaml:"call_timeout"` // empty = no deadline
	StopGrace        string `yaml:"stop_grace"`
	// RespawnCooldown holds back reconnects to a server whose last connect
	// failed. Off when initial is empty.
	RespawnCooldown CooldownConfig `yaml:"respawn_cooldown"`
}

type CooldownConfig struct {
	Initial    string `yaml:"initial"`
	Max        string `yaml:"max"`
	Multiplier int    `yaml:"multiplier"`
}

type StateConfig struct {
	Driver  string `yaml:"driver"` // sqlite (default) or postgres
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
}

type DiscoveryConfig struct {
	Cache string      `yaml:"cache"` // memory (default), redis or none
	TTL   string      `yaml:"ttl"`
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type IntentConfig struct {
	// Preparer is a Lua script run on every utterance before routing.
	Preparer string `yaml:"preparer"`
}

type WorkflowsConfig struct {
	DatabaseImage    string `yaml:"database_image"`
	CacheImage       string `yaml:"cache_image"`
	NamePrefix       string `yaml:"name_prefix"`
	DatabasePassword string `yaml:"database_password"`
}

type JanitorConfig struct {
	Schedule string `yaml:"schedule"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStopGrace        = 5 * time.Second
	DefaultDiscoveryTTL     = 10 * time.Minute
	DefaultJanitorSchedule  = "@every 1h"
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

func expandEnvInConfig(cfg *Config) {
	for name, s := range cfg.Servers {
		s.Command = expandEnv(s.Command)
		for i, a := range s.Args {
			s.Args[i] = expandEnv(a)
		}
		for k, v := range s.Set {
			s.Set[k] = expandEnv(v)
		}
		cfg.Servers[name] = s
	}
	cfg.State.DataDir = expandEnv(cfg.State.DataDir)
	cfg.State.DSN = expandEnv(cfg.State.DSN)
	cfg.Discovery.Redis.Addr = expandEnv(cfg.Discovery.Redis.Addr)
	cfg.Discovery.Redis.Password = expandEnv(cfg.Discovery.Redis.Password)
	cfg.Intent.Preparer = expandEnv(cfg.Intent.Preparer)
	cfg.Workflows.DatabasePassword = expandEnv(cfg.Workflows.DatabasePassword)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes data, expands ${VAR} references and applies defaults. An
// empty document yields the default configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandEnvInConfig(&cfg)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.State.Driver == "" {
		cfg.State.Driver = "sqlite"
	}
	if cfg.State.DataDir == "" {
		cfg.State.DataDir = DefaultDataDir()
	}
	if cfg.Discovery.Cache == "" {
		cfg.Discovery.Cache = "memory"
	}
	if cfg.Janitor.Schedule == "" {
		cfg.Janitor.Schedule = DefaultJanitorSchedule
	}
}

// DefaultDataDir is $HOME/.toolbroker, or .toolbroker when HOME is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".toolbroker"
	}
	return filepath.Join(home, ".toolbroker")
}

func (c *Config) validate() error {
	for _, d := range []struct {
		field, value string
	}{
		{"client.handshake_timeout", c.Client.HandshakeTimeout},
		{"client.call_timeout", c.Client.CallTimeout},
		{"client.stop_grace", c.Client.StopGrace},
		{"client.respawn_cooldown.initial", c.Client.RespawnCooldown.Initial},
		{"client.respawn_cooldown.max", c.Client.RespawnCooldown.Max},
		{"discovery.ttl", c.Discovery.TTL},
	} {
		if _, err := parseDuration(d.value, 0); err != nil {
			return fmt.Errorf("config %s: %w", d.field, err)
		}
	}
	switch c.State.Driver {
	case "sqlite":
	case "postgres":
		if c.State.DSN == "" {
			return fmt.Errorf("config state.dsn: required for postgres")
		}
	default:
		return fmt.Errorf("config state.driver: unknown driver %q", c.State.Driver)
	}
	switch c.Discovery.Cache {
	case "memory", "none":
	case "redis":
		if c.Discovery.Redis.Addr == "" {
			return fmt.Errorf("config discovery.redis.addr: required for redis cache")
		}
	default:
		return fmt.Errorf("config discovery.cache: unknown cache %q", c.Discovery.Cache)
	}
	for name, s := range c.Servers {
		if _, known := toolclient.KnownDescriptors()[name]; !known && s.Command == "" {
			return fmt.Errorf("config servers.%s: command is required", name)
		}
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// Durations have been validated by Parse; the accessors fall back to the
// default when called on a hand-built Config with a bad value.

func (c ClientConfig) HandshakeTimeoutDuration() time.Duration {
	d, err := parseDuration(c.HandshakeTimeout, DefaultHandshakeTimeout)
	if err != nil {
		return DefaultHandshakeTimeout
	}
	return d
}

// CallTimeoutDuration returns 0 when calls have no deadline.
func (c ClientConfig) CallTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.CallTimeout, 0)
	return d
}

func (c ClientConfig) StopGraceDuration() time.Duration {
	d, err := parseDuration(c.StopGrace, DefaultStopGrace)
	if err != nil {
		return DefaultStopGrace
	}
	return d
}

// Cooldown converts the respawn cooldown; a zero Initial means disabled.
// Unset max and multiplier take the toolclient defaults.
func (c ClientConfig) Cooldown() toolclient.CooldownConfig {
	def := toolclient.DefaultCooldownConfig()
	initial, _ := parseDuration(c.RespawnCooldown.Initial, 0)
	maxWait, err := parseDuration(c.RespawnCooldown.Max, def.Max)
	if err != nil {
		maxWait = def.Max
	}
	mult := c.RespawnCooldown.Multiplier
	if mult <= 0 {
		mult = def.Multiplier
	}
	return toolclient.CooldownConfig{Initial: initial, Max: maxWait, Multiplier: mult}
}

func (c DiscoveryConfig) TTLDuration() time.Duration {
	d, err := parseDuration(c.TTL, DefaultDiscoveryTTL)
	if err != nil {
		return DefaultDiscoveryTTL
	}
	return d
}

// Descriptors merges the configured servers over the built-in ones.
func (c *Config) Descriptors() map[string]toolclient.Descriptor {
	descs := toolclient.KnownDescriptors()
	for name, s := range c.Servers {
		d := descs[name]
		d.Name = name
		if s.Command != "" {
			d.Command = s.Command
		}
		if s.Args != nil {
			d.Args = s.Args
		}
		if s.Env != nil {
			d.Env = s.Env
		}
		if s.Set != nil {
			d.Set = s.Set
		}
		descs[name] = d
	}
	return descs
}

func (w WorkflowsConfig) Settings() workflow.Settings {
	return workflow.Settings{
		DatabaseImage:    w.DatabaseImage,
		CacheImage:       w.CacheImage,
		NamePrefix:       w.NamePrefix,
		DatabasePassword: w.DatabasePassword,
	}
}
