// Package config loads and validates linkback service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/linkback/internal/site"
)

// EnvPrefix is prepended to every environment override, e.g.
// LINKBACK_SITE_ORIGIN for site.origin.
const EnvPrefix = "LINKBACK"

// Supported outbound protocols, in their default discovery order.
var knownProtocols = []string{"pingback", "trackback"}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Site      SiteConfig       `mapstructure:"site"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Backlinks BacklinksConfig  `mapstructure:"backlinks"`
	DB        DBConfig         `mapstructure:"db"`
	Pingback  PingbackConfig   `mapstructure:"pingback"`
	Client    ClientConfig     `mapstructure:"client"`
	Resources []ResourceConfig `mapstructure:"resources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig guards the moderation and outbound ping API. The protocol
// endpoints stay open.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SiteConfig identifies this site. An empty origin falls back to the Host
// of each request, for the hosts in AllowedHosts only.
type SiteConfig struct {
	Origin       string   `mapstructure:"origin"`
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FetchConfig bounds every remote fetch.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxReadBytes   int    `mapstructure:"max_read_bytes"`
	UserAgent      string `mapstructure:"user_agent"`
	// PerHostRPS paces fetches to each remote host. Zero disables pacing.
	PerHostRPS float64 `mapstructure:"per_host_rps"`
	Burst      int     `mapstructure:"burst"`
}

// BacklinksConfig tunes how backlinks are derived.
type BacklinksConfig struct {
	MaxExcerptWords int `mapstructure:"max_excerpt_words"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory
// stores.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	Migrate                bool   `mapstructure:"migrate"`
}

// PingbackConfig places the XML-RPC endpoint.
type PingbackConfig struct {
	Path string `mapstructure:"path"`
	// AbsoluteURI overrides the advertised endpoint URI.
	AbsoluteURI string `mapstructure:"absolute_uri"`
}

// ClientConfig selects the outbound protocols in discovery order.
type ClientConfig struct {
	Protocols []string `mapstructure:"protocols"`
}

// ResourceConfig declares one kind of local resource that accepts pings.
// Pattern is a chi route with a single parameter holding the resource ID.
type ResourceConfig struct {
	Kind    string   `mapstructure:"kind"`
	Pattern string   `mapstructure:"pattern"`
	Closed  []string `mapstructure:"closed"`
}

// Load builds a Config from a .env file, disk, and the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit file, look for linkback.{yaml,toml,json} in the
		// usual places and carry on with defaults when there is none.
		v.SetConfigName("linkback")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/linkback/")
		v.AddConfigPath("$HOME/.linkback")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv exports the variables in path without overriding ones already
// set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("site.origin", "")
	v.SetDefault("site.allowed_hosts", []string{"localhost", "127.0.0.1", "::1"})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_read_bytes", 8192)
	v.SetDefault("fetch.user_agent", "linkback/1.0")
	v.SetDefault("fetch.per_host_rps", 0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("backlinks.max_excerpt_words", 32)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.migrate", true)
	v.SetDefault("pingback.path", "/pingback")
	v.SetDefault("pingback.absolute_uri", "")
	v.SetDefault("client.protocols", knownProtocols)
	v.SetDefault("resources", []map[string]any{
		{"kind": "entry", "pattern": "/entries/{id}/"},
	})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Site.Origin) == "" && len(c.Site.AllowedHosts) == 0 {
		return errors.New("site.origin or site.allowed_hosts must be set")
	}
	if c.Site.Origin != "" && site.NormalizeOrigin(c.Site.Origin) == "" {
		return fmt.Errorf("site.origin %q is not an http or https origin", c.Site.Origin)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return errors.New("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxReadBytes <= 0 {
		return errors.New("fetch.max_read_bytes must be > 0")
	}
	if c.Fetch.PerHostRPS < 0 {
		return errors.New("fetch.per_host_rps must be >= 0")
	}
	if c.Backlinks.MaxExcerptWords <= 0 {
		return errors.New("backlinks.max_excerpt_words must be > 0")
	}
	if !strings.HasPrefix(c.Pingback.Path, "/") {
		return fmt.Errorf("pingback.path %q must start with /", c.Pingback.Path)
	}
	if c.DB.DSN != "" && c.DB.MinConns > c.DB.MaxConns {
		return errors.New("db.min_conns must not exceed db.max_conns")
	}
	if len(c.Client.Protocols) == 0 {
		return errors.New("client.protocols must name at least one protocol")
	}
	for _, p := range c.Client.Protocols {
		if !slices.Contains(knownProtocols, p) {
			return fmt.Errorf("client.protocols: unknown protocol %q", p)
		}
	}
	if len(c.Resources) == 0 {
		return errors.New("resources must declare at least one resource kind")
	}
	kinds := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		if r.Kind == "" || !strings.HasPrefix(r.Pattern, "/") {
			return fmt.Errorf("resources[%d] needs a kind and a pattern starting with /", i)
		}
		if kinds[r.Kind] {
			return fmt.Errorf("resources: kind %q declared twice", r.Kind)
		}
		kinds[r.Kind] = true
	}
	return nil
}

// FetchTimeout converts the fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// ShutdownTimeout is how long in-flight requests get to finish.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// MaxConnLifetime converts the pool connection lifetime into a duration.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeMinutes) * time.Minute
}
