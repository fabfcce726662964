// Package config handles bridge configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

// knownWeakSecrets must never be accepted as a JWT secret.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
	"arena-dev-secret-do-not-use-in-production": true,
}

// GenerateRandomSecret returns a random 64-character hex string suitable
// for auth.jwt_secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level bridge configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Gateway   GatewayConfig   `json:"gateway"`
	Packages  PackagesConfig  `json:"packages"`
	Session   SessionConfig   `json:"session"`
	Storage   StorageConfig   `json:"storage"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the HTTP/WebSocket listener browsers connect to.
type ServerConfig struct {
	Addr              string   `json:"addr" envconfig:"ADDR"`
	TLSCert           string   `json:"tls_cert,omitempty" envconfig:"TLS_CERT"`
	TLSKey            string   `json:"tls_key,omitempty" envconfig:"TLS_KEY"`
	UIStaticDir       string   `json:"ui_static_dir,omitempty" envconfig:"UI_STATIC_DIR"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty" envconfig:"ALLOWED_ORIGINS"` // default ["*"]
	MaxBodyBytes      int64    `json:"max_body_bytes,omitempty"`                              // default 1MB
	MaxClientMsgBytes int64    `json:"max_client_msg_bytes,omitempty"`                        // default 64KB
	MaxClients        int      `json:"max_clients,omitempty"`                                 // 0 = unlimited
}

// GatewayConfig defines the single upstream link to the agent gateway.
type GatewayConfig struct {
	URL              string   `json:"url" envconfig:"URL"`
	Token            string   `json:"token" envconfig:"TOKEN"`
	ClientID         string   `json:"client_id,omitempty" envconfig:"CLIENT_ID"`
	DisplayName      string   `json:"display_name,omitempty"`
	Platform         string   `json:"platform,omitempty"`
	ProtocolVersion  int      `json:"protocol_version,omitempty"`
	TLSSkipVerify    bool     `json:"tls_skip_verify,omitempty"` // dev only
	ReconnectDelay   Duration `json:"reconnect_delay,omitempty" envconfig:"RECONNECT_DELAY"`
	RequestTimeout   Duration `json:"request_timeout,omitempty" envconfig:"REQUEST_TIMEOUT"`
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty"`
	PingInterval     Duration `json:"ping_interval,omitempty"`
}

// PackagesConfig locates the agent package directory.
type PackagesConfig struct {
	Dir   string `json:"dir" envconfig:"DIR"`
	Watch bool   `json:"watch,omitempty" envconfig:"WATCH"`
}

// SessionConfig controls how client sessions map onto gateway sessions.
type SessionConfig struct {
	Scope           string `json:"scope,omitempty"`
	HistoryLimit    int    `json:"history_limit,omitempty"`
	MaxHistoryLimit int    `json:"max_history_limit,omitempty"`
}

// StorageConfig defines the signup/audit database.
type StorageConfig struct {
	Driver    string   `json:"driver" envconfig:"DRIVER"` // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn" envconfig:"DSN"`
	Retention Duration `json:"retention,omitempty" envconfig:"RETENTION"` // audit event retention
	// PurgeSchedule is a cron expression ("@hourly", "15 3 * * *") for the
	// retention purge.
	PurgeSchedule string `json:"purge_schedule,omitempty" envconfig:"PURGE_SCHEDULE"`
}

// AuthConfig defines admin authentication. Admin routes are disabled when
// neither a password hash nor a JWKS URL is configured.
type AuthConfig struct {
	JWTSecret         string   `json:"jwt_secret,omitempty" envconfig:"JWT_SECRET"`
	JWTExpiry         Duration `json:"jwt_expiry,omitempty"`
	AdminPasswordHash string   `json:"admin_password_hash,omitempty" envconfig:"ADMIN_PASSWORD_HASH"`
	JWKSURL           string   `json:"jwks_url,omitempty" envconfig:"JWKS_URL"`
	JWKSIssuer        string   `json:"jwks_issuer,omitempty" envconfig:"JWKS_ISSUER"`
}

// AdminEnabled reports whether any admin credential is configured.
func (a AuthConfig) AdminEnabled() bool {
	return a.AdminPasswordHash != "" || a.JWKSURL != ""
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting for the public write routes.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 1
	Burst             int     `json:"burst,omitempty"`               // default 5
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s" or
// a number of seconds).
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Decode lets envconfig set a Duration from an environment variable.
func (d *Duration) Decode(value string) error {
	dur, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	d.Duration = dur
	return nil
}

// Load reads a config file, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	sections := []struct {
		prefix string
		target any
	}{
		{"ARENA_SERVER", &c.Server},
		{"ARENA_GATEWAY", &c.Gateway},
		{"ARENA_PACKAGES", &c.Packages},
		{"ARENA_STORAGE", &c.Storage},
		{"ARENA_AUTH", &c.Auth},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.target); err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(s.prefix), err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("gateway.url must start with ws:// or wss://")
	}
	if c.Packages.Dir == "" {
		return fmt.Errorf("packages.dir is required")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}
	if _, err := cron.ParseStandard(c.Storage.PurgeSchedule); err != nil {
		return fmt.Errorf("storage.purge_schedule: %w", err)
	}
	if c.Session.MaxHistoryLimit < c.Session.HistoryLimit {
		return fmt.Errorf("session.max_history_limit must be >= session.history_limit")
	}
	if c.Auth.AdminPasswordHash != "" {
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters when admin login is enabled")
		}
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.MaxClientMsgBytes == 0 {
		c.Server.MaxClientMsgBytes = 64 * 1024
	}
	if c.Gateway.ClientID == "" {
		c.Gateway.ClientID = "gateway-client"
	}
	if c.Gateway.DisplayName == "" {
		c.Gateway.DisplayName = "Agent Arena"
	}
	if c.Gateway.Platform == "" {
		c.Gateway.Platform = runtime.GOOS
	}
	if c.Gateway.ProtocolVersion == 0 {
		c.Gateway.ProtocolVersion = 3
	}
	if c.Gateway.ReconnectDelay.Duration == 0 {
		c.Gateway.ReconnectDelay.Duration = 3 * time.Second
	}
	if c.Gateway.RequestTimeout.Duration == 0 {
		c.Gateway.RequestTimeout.Duration = 10 * time.Second
	}
	if c.Gateway.HandshakeTimeout.Duration == 0 {
		c.Gateway.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Gateway.PingInterval.Duration == 0 {
		c.Gateway.PingInterval.Duration = 30 * time.Second
	}
	if c.Packages.Dir == "" {
		c.Packages.Dir = "./packages"
	}
	if c.Session.Scope == "" {
		c.Session.Scope = "arena"
	}
	if c.Session.HistoryLimit == 0 {
		c.Session.HistoryLimit = 50
	}
	if c.Session.MaxHistoryLimit == 0 {
		c.Session.MaxHistoryLimit = 500
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "arena.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 90 * 24 * time.Hour
	}
	if c.Storage.PurgeSchedule == "" {
		c.Storage.PurgeSchedule = "@hourly"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 12 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 1
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
}

// Default returns a config populated with defaults for the given gateway URL
// and packages directory. Used by the init wizard.
func Default(gatewayURL, packagesDir string) *Config {
	cfg := &Config{
		Gateway:  GatewayConfig{URL: gatewayURL},
		Packages: PackagesConfig{Dir: packagesDir},
	}
	cfg.applyDefaults()
	return cfg
}

// Save writes the config as indented JSON with owner-only permissions.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
