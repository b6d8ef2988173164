// Package config loads runtime configuration from a TOML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Version is the software version, reported by NodeInfo and sent in
// the User-Agent of federation requests.
const Version = "1.0.0"

// Registration types recognized by the instance.
const (
	RegistrationOpen   = "open"
	RegistrationInvite = "invite"
)

// Config holds all recognized options. Field names mirror the option
// names in the configuration file.
type Config struct {
	DatabaseURL      string   `toml:"database_url"`
	StorageDir       string   `toml:"storage_dir"`
	HTTPHost         string   `toml:"http_host"`
	HTTPPort         int      `toml:"http_port"`
	HTTPCorsAllow    []string `toml:"http_cors_allowlist"`
	LogLevel         string   `toml:"log_level"`
	InstanceURI      string   `toml:"instance_uri"`
	InstanceTitle    string   `toml:"instance_title"`
	InstanceShort    string   `toml:"instance_short_description"`
	InstanceDesc     string   `toml:"instance_description"`
	LoginMessage     string   `toml:"login_message"`
	BlockedInstances []string `toml:"blocked_instances"`

	Registration Registration `toml:"registration"`
	Limits       Limits       `toml:"limits"`
	Retention    Retention    `toml:"retention"`
	Federation   Federation   `toml:"federation"`
}

type Registration struct {
	Type        string `toml:"type"`
	DefaultRole string `toml:"default_role"`
}

type Limits struct {
	Media MediaLimits `toml:"media"`
	Posts PostLimits  `toml:"posts"`
}

type MediaLimits struct {
	FileSizeLimit  int64 `toml:"file_size_limit"`
	EmojiSizeLimit int64 `toml:"emoji_size_limit"`
}

type PostLimits struct {
	CharacterLimit int `toml:"character_limit"`
}

type Retention struct {
	// Ages in days after which unreferenced remote rows are purged.
	ExtraneousPosts int `toml:"extraneous_posts"`
	EmptyProfiles   int `toml:"empty_profiles"`
}

type Federation struct {
	Enabled          bool   `toml:"enabled"`
	FetcherTimeout   int    `toml:"fetcher_timeout"`   // seconds
	DelivererTimeout int    `toml:"deliverer_timeout"` // seconds
	ProxyURL         string `toml:"proxy_url"`
	OnionProxyURL    string `toml:"onion_proxy_url"`
	I2PProxyURL      string `toml:"i2p_proxy_url"`
}

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		DatabaseURL: "wren.db",
		StorageDir:  "files",
		HTTPHost:    "127.0.0.1",
		HTTPPort:    8380,
		LogLevel:    "info",
		InstanceURI: "http://localhost:8380",
		Registration: Registration{
			Type:        RegistrationInvite,
			DefaultRole: "NormalUser",
		},
		Limits: Limits{
			Media: MediaLimits{
				FileSizeLimit:  20 * 1024 * 1024,
				EmojiSizeLimit: 500 * 1024,
			},
			Posts: PostLimits{CharacterLimit: 5000},
		},
		Retention: Retention{
			ExtraneousPosts: 30,
			EmptyProfiles:   30,
		},
		Federation: Federation{
			Enabled:          true,
			FetcherTimeout:   300,
			DelivererTimeout: 30,
		},
	}
}

// Load reads the TOML file at path (if it exists), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WREN_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("WREN_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("WREN_HTTP_HOST"); v != "" {
		c.HTTPHost = v
	}
	if v := os.Getenv("WREN_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = p
		}
	}
	if v := os.Getenv("WREN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WREN_INSTANCE_URI"); v != "" {
		c.InstanceURI = v
	}
	if v := os.Getenv("WREN_FEDERATION_ENABLED"); v != "" {
		c.Federation.Enabled = v != "false"
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.InstanceURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("instance_uri must be an absolute URL: %q", c.InstanceURI)
	}
	switch c.Registration.Type {
	case RegistrationOpen, RegistrationInvite:
	default:
		return fmt.Errorf("registration.type must be open or invite: %q", c.Registration.Type)
	}
	if c.Federation.FetcherTimeout <= 0 || c.Federation.DelivererTimeout <= 0 {
		return fmt.Errorf("federation timeouts must be positive")
	}
	return nil
}

// Origin returns the instance origin URL without a trailing slash.
func (c *Config) Origin() string {
	return strings.TrimRight(c.InstanceURI, "/")
}

// Hostname returns the instance hostname.
func (c *Config) Hostname() string {
	u, _ := url.Parse(c.InstanceURI)
	if u == nil {
		return ""
	}
	return u.Hostname()
}

// BaseURL constructs an absolute URL from a path.
func (c *Config) BaseURL(path string) string {
	return c.Origin() + path
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return c.HTTPHost + ":" + strconv.Itoa(c.HTTPPort)
}

// FetcherTimeout returns the fetcher deadline as a duration.
func (c *Config) FetcherTimeout() time.Duration {
	return time.Duration(c.Federation.FetcherTimeout) * time.Second
}

// DelivererTimeout returns the deliverer deadline as a duration.
func (c *Config) DelivererTimeout() time.Duration {
	return time.Duration(c.Federation.DelivererTimeout) * time.Second
}

// UserAgent identifies this instance to its peers, in the form other
// fediverse software uses: product, version, origin.
func (c *Config) UserAgent() string {
	return "wren/" + Version + "; +" + c.Origin()
}

// IsBlockedInstance reports whether a hostname matches the blocklist.
// An entry matches the hostname itself and all of its subdomains.
func (c *Config) IsBlockedInstance(hostname string) bool {
	for _, blocked := range c.BlockedInstances {
		if hostname == blocked || strings.HasSuffix(hostname, "."+blocked) {
			return true
		}
	}
	return false
}
