package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for schoolmsg.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	Identity   IdentityConfig   `json:"identity" yaml:"identity"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Connection ConnectionConfig `json:"connection" yaml:"connection"`
	Messaging  MessagingConfig  `json:"messaging" yaml:"messaging"`
	Archive    ArchiveConfig    `json:"archive" yaml:"archive"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// IdentityConfig is who the local user is. The token is opaque and is never
// parsed for identity.
type IdentityConfig struct {
	UserID string `json:"userId" yaml:"userId"`
	Role   string `json:"role" yaml:"role"` // "guardian" | "staff"
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
}

type ServerConfig struct {
	APIBase        string  `json:"apiBase" yaml:"apiBase"`
	WebSocketURL   string  `json:"websocketUrl" yaml:"websocketUrl"`
	TimeoutSeconds int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	RateLimit      float64 `json:"rateLimit" yaml:"rateLimit"` // requests/second, 0 = unlimited
	Burst          int     `json:"burst" yaml:"burst"`
	MaxRetries     int     `json:"maxRetries" yaml:"maxRetries"` // idempotent requests only
}

type ConnectionConfig struct {
	ReconnectBaseSeconds int     `json:"reconnectBaseSeconds" yaml:"reconnectBaseSeconds"`
	ReconnectMaxSeconds  int     `json:"reconnectMaxSeconds" yaml:"reconnectMaxSeconds"`
	ReconnectJitter      float64 `json:"reconnectJitter" yaml:"reconnectJitter"`
	DialTimeoutSeconds   int     `json:"dialTimeoutSeconds" yaml:"dialTimeoutSeconds"`
	PingIntervalSeconds  int     `json:"pingIntervalSeconds" yaml:"pingIntervalSeconds"` // 0 = no keepalive
}

type MessagingConfig struct {
	TypingDebounceMs int    `json:"typingDebounceMs" yaml:"typingDebounceMs"`
	PageSize         int    `json:"pageSize" yaml:"pageSize"`
	TemplatesDir     string `json:"templatesDir,omitempty" yaml:"templatesDir,omitempty"`
}

type ArchiveConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	DBPath       string `json:"dbPath" yaml:"dbPath"`
	HistoryLimit int    `json:"historyLimit" yaml:"historyLimit"`
}

// MetricsConfig configures the Prometheus endpoint served by `schoolmsg listen`.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// --- Durations ---

func (s ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (c ConnectionConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseSeconds) * time.Second
}

func (c ConnectionConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxSeconds) * time.Second
}

func (c ConnectionConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

func (c ConnectionConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

func (m MessagingConfig) TypingDebounce() time.Duration {
	return time.Duration(m.TypingDebounceMs) * time.Millisecond
}

// DefaultConfigDir returns the default config directory (~/.schoolmsg).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".schoolmsg"
	}
	return filepath.Join(home, ".schoolmsg")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML (by extension) config file on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Archive.DBPath = ExpandPath(cfg.Archive.DBPath)
	cfg.Messaging.TemplatesDir = ExpandPath(cfg.Messaging.TemplatesDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// The file may carry the auth token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values and reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Identity.Role {
	case "guardian", "staff":
	default:
		errs = append(errs, "identity.role must be one of: guardian, staff")
	}

	if err := checkURL(cfg.Server.APIBase, "http", "https"); err != nil {
		errs = append(errs, "server.apiBase "+err.Error())
	}
	if err := checkURL(cfg.Server.WebSocketURL, "ws", "wss"); err != nil {
		errs = append(errs, "server.websocketUrl "+err.Error())
	}
	if cfg.Server.TimeoutSeconds < 1 || cfg.Server.TimeoutSeconds > 600 {
		errs = append(errs, "server.timeoutSeconds must be between 1 and 600")
	}
	if cfg.Server.RateLimit < 0 {
		errs = append(errs, "server.rateLimit must be >= 0")
	}
	if cfg.Server.MaxRetries < 0 || cfg.Server.MaxRetries > 10 {
		errs = append(errs, "server.maxRetries must be between 0 and 10")
	}

	if cfg.Connection.ReconnectBaseSeconds < 1 {
		errs = append(errs, "connection.reconnectBaseSeconds must be >= 1")
	}
	if cfg.Connection.ReconnectMaxSeconds < cfg.Connection.ReconnectBaseSeconds {
		errs = append(errs, "connection.reconnectMaxSeconds must be >= connection.reconnectBaseSeconds")
	}
	if cfg.Connection.ReconnectJitter < 0 || cfg.Connection.ReconnectJitter > 1 {
		errs = append(errs, "connection.reconnectJitter must be between 0 and 1")
	}
	if cfg.Connection.DialTimeoutSeconds < 1 {
		errs = append(errs, "connection.dialTimeoutSeconds must be >= 1")
	}
	if cfg.Connection.PingIntervalSeconds < 0 {
		errs = append(errs, "connection.pingIntervalSeconds must be >= 0")
	}

	if cfg.Messaging.TypingDebounceMs < 100 || cfg.Messaging.TypingDebounceMs > 60000 {
		errs = append(errs, "messaging.typingDebounceMs must be between 100 and 60000")
	}
	if cfg.Messaging.PageSize < 1 || cfg.Messaging.PageSize > 100 {
		errs = append(errs, "messaging.pageSize must be between 1 and 100")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.DBPath == "" {
			errs = append(errs, "archive.dbPath is required when the archive is enabled")
		}
		if cfg.Archive.HistoryLimit < 1 {
			errs = append(errs, "archive.historyLimit must be >= 1")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}
	if cfg.Metrics.Endpoint != "" && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("is not a valid URL: %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("must use one of the schemes %s", strings.Join(schemes, ", "))
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
