package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/chatrelay/pkg/ratelimit"
)

// ServerConfig holds the resolved runtime configuration
type ServerConfig struct {
	Host     string
	TCPPort  int
	HTTPPort int // <= 0 disables the HTTP API and WebSocket endpoint
	SSHPort  int // <= 0 disables the SSH listener

	SSHHostKeyPath string

	Limits        ratelimit.Config
	MaxNameLength int
	WriteTimeout  time.Duration

	// AcceptRate limits new connections per second; 0 means unlimited
	AcceptRate  float64
	AcceptBurst int

	StatsInterval time.Duration

	ChatLogPath string // empty disables the transcript
	AuditDBPath string // empty disables the audit store

	// AuditRetention bounds how long audit events are kept; 0 keeps them forever
	AuditRetention time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:           "127.0.0.1",
		TCPPort:        5000,
		HTTPPort:       8080,
		SSHPort:        0,
		SSHHostKeyPath: "~/.chatrelay/ssh_host_key",
		Limits:         ratelimit.DefaultConfig(),
		MaxNameLength:  DefaultMaxNameLength,
		WriteTimeout:   DefaultWriteTimeout,
		AcceptRate:     0,
		AcceptBurst:    50,
		StatsInterval:  30 * time.Second,
		ChatLogPath:    "logs/chat_server.log",
		AuditDBPath:    "",
		AuditRetention: 30 * 24 * time.Hour,
	}
}

// Validate checks the configuration before the server starts
func (c ServerConfig) Validate() error {
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp port %d out of range", c.TCPPort)
	}
	if c.HTTPPort > 65535 || c.SSHPort > 65535 {
		return fmt.Errorf("port out of range (http=%d ssh=%d)", c.HTTPPort, c.SSHPort)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("accept rate must not be negative")
	}
	if c.AuditRetention < 0 {
		return fmt.Errorf("audit retention must not be negative")
	}
	return nil
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Logging LoggingSection `toml:"logging"`
	HTTP    HTTPSection    `toml:"http"`
	SSH     SSHSection     `toml:"ssh"`
	Audit   AuditSection   `toml:"audit"`
}

type ServerSection struct {
	Host                string `toml:"host"`
	TCPPort             int    `toml:"tcp_port"`
	MaxNameLength       int    `toml:"max_name_length"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	StatsIntervalSecs   int    `toml:"stats_interval_seconds"`
}

type LimitsSection struct {
	FastWindowSeconds   int     `toml:"fast_window_seconds"`
	FastMax             int     `toml:"fast_max"`
	SevereWindowSeconds int     `toml:"severe_window_seconds"`
	SevereMax           int     `toml:"severe_max"`
	MuteSeconds         int     `toml:"mute_seconds"`
	AcceptRate          float64 `toml:"accept_rate"`
	AcceptBurst         int     `toml:"accept_burst"`
}

type LoggingSection struct {
	ChatLog string `toml:"chat_log"`
	Debug   bool   `toml:"debug"`
}

type HTTPSection struct {
	Port int `toml:"port"`
}

type SSHSection struct {
	Port    int    `toml:"port"`
	HostKey string `toml:"host_key"`
}

type AuditSection struct {
	DatabasePath  string `toml:"database_path"`
	RetentionDays int    `toml:"retention_days"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Host:                d.Host,
			TCPPort:             d.TCPPort,
			MaxNameLength:       d.MaxNameLength,
			WriteTimeoutSeconds: int(d.WriteTimeout / time.Second),
			StatsIntervalSecs:   int(d.StatsInterval / time.Second),
		},
		Limits: LimitsSection{
			FastWindowSeconds:   int(d.Limits.FastWindow / time.Second),
			FastMax:             d.Limits.FastMax,
			SevereWindowSeconds: int(d.Limits.SevereWindow / time.Second),
			SevereMax:           d.Limits.SevereMax,
			MuteSeconds:         int(d.Limits.MuteDuration / time.Second),
			AcceptBurst:         d.AcceptBurst,
		},
		Logging: LoggingSection{
			ChatLog: d.ChatLogPath,
		},
		HTTP: HTTPSection{
			Port: d.HTTPPort,
		},
		SSH: SSHSection{
			Port:    d.SSHPort,
			HostKey: d.SSHHostKeyPath,
		},
		Audit: AuditSection{
			RetentionDays: int(d.AuditRetention / (24 * time.Hour)),
		},
	}
}

// ExpandPath replaces a leading ~/ with the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Unwritable locations still run with defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Chat relay server configuration
# Generated with default values; edit and restart the server to apply.
# A negative port disables the HTTP API ([http]) or the SSH listener ([ssh]).
# The SSH listener is off unless [ssh] port is set.
# An empty [audit] database_path disables the audit store.
# A negative [audit] retention_days keeps audit events forever.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the default.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.MaxNameLength != 0 {
		cfg.MaxNameLength = c.Server.MaxNameLength
	}
	if c.Server.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = seconds(c.Server.WriteTimeoutSeconds)
	}
	if c.Server.StatsIntervalSecs != 0 {
		cfg.StatsInterval = seconds(c.Server.StatsIntervalSecs)
	}

	if c.Limits.FastWindowSeconds != 0 {
		cfg.Limits.FastWindow = seconds(c.Limits.FastWindowSeconds)
	}
	if c.Limits.FastMax != 0 {
		cfg.Limits.FastMax = c.Limits.FastMax
	}
	if c.Limits.SevereWindowSeconds != 0 {
		cfg.Limits.SevereWindow = seconds(c.Limits.SevereWindowSeconds)
	}
	if c.Limits.SevereMax != 0 {
		cfg.Limits.SevereMax = c.Limits.SevereMax
	}
	if c.Limits.MuteSeconds != 0 {
		cfg.Limits.MuteDuration = seconds(c.Limits.MuteSeconds)
	}
	if c.Limits.AcceptRate != 0 {
		cfg.AcceptRate = c.Limits.AcceptRate
	}
	if c.Limits.AcceptBurst != 0 {
		cfg.AcceptBurst = c.Limits.AcceptBurst
	}

	if strings.TrimSpace(c.Logging.ChatLog) != "" {
		cfg.ChatLogPath = c.Logging.ChatLog
	}

	if c.HTTP.Port != 0 {
		cfg.HTTPPort = c.HTTP.Port
	}

	if c.SSH.Port != 0 {
		cfg.SSHPort = c.SSH.Port
	}
	if strings.TrimSpace(c.SSH.HostKey) != "" {
		cfg.SSHHostKeyPath = c.SSH.HostKey
	}

	if strings.TrimSpace(c.Audit.DatabasePath) != "" {
		cfg.AuditDBPath = c.Audit.DatabasePath
	}
	switch {
	case c.Audit.RetentionDays < 0:
		cfg.AuditRetention = 0
	case c.Audit.RetentionDays > 0:
		cfg.AuditRetention = time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
	}

	return cfg
}
