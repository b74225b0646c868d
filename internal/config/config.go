// Package config loads the agent configuration from a YAML file, overlays
// environment variables and validates the result.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/leonardcser/offline-agent/internal/invalidation"
	"github.com/leonardcser/offline-agent/internal/router"
	"github.com/leonardcser/offline-agent/internal/transport"
)

// Environment variables recognised by Load.
const (
	EnvConfig   = "OFFLINE_AGENT_CONFIG"
	EnvUpstream = "OFFLINE_AGENT_UPSTREAM"
	EnvListen   = "OFFLINE_AGENT_LISTEN"
	EnvSocket   = "OFFLINE_AGENT_SOCK"
	EnvDB       = "OFFLINE_AGENT_DB"
	EnvVersion  = "OFFLINE_AGENT_CACHE_VERSION"
)

type Config struct {
	Upstream      string        `yaml:"upstream" validate:"required,url"`
	Listen        string        `yaml:"listen" validate:"required"`
	Socket        string        `yaml:"socket" validate:"required"`
	DBPath        string        `yaml:"db_path" validate:"required"`
	CacheVersion  string        `yaml:"cache_version" validate:"required,alphanum"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`

	Static     Namespace `yaml:"static"`
	API        Namespace `yaml:"api"`
	Navigation Namespace `yaml:"navigation"`

	APIPrefixes     []string `yaml:"api_prefixes" validate:"dive,startswith=/"`
	BackendKeywords []string `yaml:"backend_keywords" validate:"dive,required"`

	Precache Precache `yaml:"precache"`
	Probe    Probe    `yaml:"probe"`
	Breaker  Breaker  `yaml:"breaker"`

	// Invalidation replaces the default domain rules when non-empty.
	Invalidation map[string]invalidation.Rule `yaml:"invalidation"`
}

// Namespace limits one versioned cache. A zero TTL never expires.
type Namespace struct {
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
	MaxSize int           `yaml:"max_size" validate:"gte=0"`
}

type Precache struct {
	Paths    []string `yaml:"paths" validate:"dive,startswith=/"`
	Discover bool     `yaml:"discover"`
}

type Probe struct {
	Path     string        `yaml:"path" validate:"startswith=/"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

type Breaker struct {
	MaxRequests      uint32        `yaml:"max_requests" validate:"gte=1"`
	Interval         time.Duration `yaml:"interval" validate:"gte=0"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gt=0,lte=1"`
	MinRequests      uint32        `yaml:"min_requests" validate:"gte=1"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	b := transport.DefaultBreakerConfig()
	return &Config{
		Upstream:      "http://127.0.0.1:3000",
		Listen:        "127.0.0.1:8787",
		Socket:        defaultPath("agent.sock"),
		DBPath:        defaultPath("agent.bbolt"),
		CacheVersion:  "v1",
		SweepInterval: time.Minute,
		Static:        Namespace{TTL: 24 * time.Hour, MaxSize: 100},
		API:           Namespace{TTL: 5 * time.Minute, MaxSize: 50},
		Navigation:    Namespace{TTL: time.Hour, MaxSize: 20},
		APIPrefixes:   []string{"/api/", "/rest/v1/"},
		BackendKeywords: []string{
			"supabase",
		},
		Precache: Precache{
			Paths: []string{"/", "/index.html", "/manifest.json"},
		},
		Probe: Probe{Path: "/", Interval: 15 * time.Second},
		Breaker: Breaker{
			MaxRequests:      b.MaxRequests,
			Interval:         b.Interval,
			Timeout:          b.Timeout,
			FailureThreshold: b.FailureThreshold,
			MinRequests:      b.MinRequests,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path falls back to OFFLINE_AGENT_CONFIG; a missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvUpstream); v != "" {
		c.Upstream = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvSocket); v != "" {
		c.Socket = v
	}
	if v := os.Getenv(EnvDB); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(EnvVersion); v != "" {
		c.CacheVersion = v
	}
	if v := os.Getenv("OFFLINE_AGENT_PRECACHE_DISCOVER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Precache.Discover = b
		}
	}
}

var validate = validator.New()

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	u, err := url.Parse(c.Upstream)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("upstream must be an http or https URL")
	}
	for domain, rule := range c.Invalidation {
		if len(rule.Namespaces) == 0 && len(rule.Collections) == 0 {
			return fmt.Errorf("invalidation rule %q is empty", domain)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatFieldError(e))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Namespace())
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "alphanum":
		return fmt.Sprintf("%s must be alphanumeric", field)
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "gte", "gt", "lte":
		return fmt.Sprintf("%s is out of range (%s %s)", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// Namespaces returns the versioned namespace names.
func (c *Config) Namespaces() router.Namespaces {
	return router.VersionedNamespaces(c.CacheVersion)
}

// Router converts the cache settings for router.New.
func (c *Config) Router() router.Config {
	var base string
	if u, err := c.UpstreamURL(); err == nil {
		base = u.Path
	}
	return router.Config{
		BasePath:        base,
		Namespaces:      c.Namespaces(),
		Static:          router.Limits(c.Static),
		API:             router.Limits(c.API),
		Navigation:      router.Limits(c.Navigation),
		APIPrefixes:     c.APIPrefixes,
		BackendKeywords: c.BackendKeywords,
	}
}

// BreakerConfig converts the breaker settings for transport.New.
func (c *Config) BreakerConfig() transport.BreakerConfig {
	return transport.BreakerConfig{
		Name:             "upstream",
		MaxRequests:      c.Breaker.MaxRequests,
		Interval:         c.Breaker.Interval,
		Timeout:          c.Breaker.Timeout,
		FailureThreshold: c.Breaker.FailureThreshold,
		MinRequests:      c.Breaker.MinRequests,
	}
}

// Rules returns the configured invalidation rules, or the defaults for the
// API namespace.
func (c *Config) Rules() map[string]invalidation.Rule {
	if len(c.Invalidation) > 0 {
		return c.Invalidation
	}
	return invalidation.DefaultRules(c.Namespaces().API)
}

// UpstreamURL parses Upstream. It only fails on configs that skipped Validate.
func (c *Config) UpstreamURL() (*url.URL, error) {
	return url.Parse(c.Upstream)
}

func defaultPath(name string) string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".cache", "offline-agent", name)
}
