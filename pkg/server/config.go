package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/darkroom/pkg/crypto"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Auth    AuthSection    `toml:"auth"`
	History HistorySection `toml:"history"`
	Admin   AdminSection   `toml:"admin"`
}

type ServerSection struct {
	TCPPort             int    `toml:"tcp_port"`
	SSHPort             int    `toml:"ssh_port"`
	HTTPPort            int    `toml:"http_port"`
	MetricsPort         int    `toml:"metrics_port"`
	SSHHostKey          string `toml:"ssh_host_key"`
	DatabasePath        string `toml:"database_path"`
	FrameSize           int    `toml:"frame_size"`
	WelcomeMessage      string `toml:"welcome_message"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
}

type AuthSection struct {
	Protected         bool   `toml:"protected"`
	Password          string `toml:"password"`
	PasswordHash      string `toml:"password_hash"`
	MaxLoginAttempts  int    `toml:"max_login_attempts"`
	MaxNicknameLength int    `toml:"max_nickname_length"`
}

type HistorySection struct {
	Enabled       bool `toml:"enabled"`
	FileFragments bool `toml:"file_fragments"`
}

type AdminSection struct {
	CommandsEnabled bool     `toml:"commands_enabled"`
	AdminUsers      []string `toml:"admin_users"`
	DefaultBanHours int      `toml:"default_ban_hours"`
	MaxHistory      int      `toml:"max_history"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:             5000,
			SSHPort:             0,
			HTTPPort:            0,
			MetricsPort:         9090,
			SSHHostKey:          "~/.darkroom/ssh_host_key",
			DatabasePath:        "~/.darkroom/darkroom.db",
			FrameSize:           crypto.DefaultBits,
			WelcomeMessage:      "Welcome to Dark Room!",
			WriteTimeoutSeconds: 10,
		},
		Auth: AuthSection{
			Protected:         false,
			MaxLoginAttempts:  3,
			MaxNicknameLength: 20,
		},
		History: HistorySection{
			Enabled:       true,
			FileFragments: true,
		},
		Admin: AdminSection{
			CommandsEnabled: true,
			DefaultBanHours: 24,
			MaxHistory:      100,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides. Keys missing from the file
// keep their defaults.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// If we can't write, just return defaults without error
		// (might be a permissions issue, but we can still run)
		writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: DARKROOM_SECTION_KEY
// Example: DARKROOM_SERVER_TCP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envInt("DARKROOM_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("DARKROOM_SERVER_SSH_PORT", &config.Server.SSHPort)
	envInt("DARKROOM_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("DARKROOM_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("DARKROOM_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envString("DARKROOM_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envInt("DARKROOM_SERVER_FRAME_SIZE", &config.Server.FrameSize)
	envString("DARKROOM_SERVER_WELCOME_MESSAGE", &config.Server.WelcomeMessage)
	envInt("DARKROOM_SERVER_WRITE_TIMEOUT_SECONDS", &config.Server.WriteTimeoutSeconds)

	// Auth section
	envBool("DARKROOM_AUTH_PROTECTED", &config.Auth.Protected)
	envString("DARKROOM_AUTH_PASSWORD", &config.Auth.Password)
	envString("DARKROOM_AUTH_PASSWORD_HASH", &config.Auth.PasswordHash)
	envInt("DARKROOM_AUTH_MAX_LOGIN_ATTEMPTS", &config.Auth.MaxLoginAttempts)
	envInt("DARKROOM_AUTH_MAX_NICKNAME_LENGTH", &config.Auth.MaxNicknameLength)

	// History section
	envBool("DARKROOM_HISTORY_ENABLED", &config.History.Enabled)
	envBool("DARKROOM_HISTORY_FILE_FRAGMENTS", &config.History.FileFragments)

	// Admin section
	envBool("DARKROOM_ADMIN_COMMANDS_ENABLED", &config.Admin.CommandsEnabled)
	if val := os.Getenv("DARKROOM_ADMIN_ADMIN_USERS"); val != "" {
		// Parse comma-separated list of admin nicknames
		var adminUsers []string
		for _, user := range strings.Split(val, ",") {
			if user = strings.TrimSpace(user); user != "" {
				adminUsers = append(adminUsers, user)
			}
		}
		config.Admin.AdminUsers = adminUsers
	}
	envInt("DARKROOM_ADMIN_DEFAULT_BAN_HOURS", &config.Admin.DefaultBanHours)
	envInt("DARKROOM_ADMIN_MAX_HISTORY", &config.Admin.MaxHistory)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# Dark Room Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# DARKROOM_SECTION_KEY (e.g., DARKROOM_SERVER_TCP_PORT=8080)

[server]
# Port for TCP connections
tcp_port = 5000

# Port for SSH connections (0 = disabled)
ssh_port = 0

# Port for WebSocket clients at /ws (0 = disabled)
http_port = 0

# Internal port for /metrics and /health (0 = disabled)
metrics_port = 9090

# Path to SSH host key file
ssh_host_key = "~/.darkroom/ssh_host_key"

# Path to SQLite database file
database_path = "~/.darkroom/darkroom.db"

# RSA modulus size in bits, announced to clients as the frame size
frame_size = 2048

# Sent to every participant after joining
welcome_message = "Welcome to Dark Room!"

# A recipient that cannot take a frame within this many seconds is dropped
write_timeout_seconds = 10

[auth]
# Require a room password
protected = false

# Room password (hashed at load). password_hash (hex SHA-256) wins if set.
# password = ""
# password_hash = ""

# Wrong passwords allowed before the connection is closed
max_login_attempts = 3

# Maximum nickname length in characters
max_nickname_length = 20

[history]
# Persist chat, join and leave messages
enabled = true

# Also persist file start, chunk and end frames
file_fragments = true

[admin]
# Allow /admin commands from admin users
commands_enabled = true

# Nicknames granted admin rights at startup
# admin_users = ["admin"]

# Ban duration in hours (0 = permanent)
default_ban_hours = 24

# Upper bound for /admin history <n>
max_history = 100
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	cfg.TCPPort = c.Server.TCPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if c.Server.FrameSize != 0 {
		cfg.FrameSize = c.Server.FrameSize
	}
	cfg.WelcomeMessage = c.Server.WelcomeMessage
	if c.Server.WriteTimeoutSeconds >= 0 {
		cfg.WriteTimeout = time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
	}

	cfg.Protected = c.Auth.Protected
	switch {
	case strings.TrimSpace(c.Auth.PasswordHash) != "":
		cfg.PasswordHash = strings.ToLower(strings.TrimSpace(c.Auth.PasswordHash))
	default:
		cfg.PasswordHash = crypto.HashPassword(c.Auth.Password)
	}
	if c.Auth.MaxLoginAttempts > 0 {
		cfg.MaxLoginAttempts = c.Auth.MaxLoginAttempts
	}
	if c.Auth.MaxNicknameLength > 0 {
		cfg.MaxNicknameLength = c.Auth.MaxNicknameLength
	}

	cfg.HistoryEnabled = c.History.Enabled
	cfg.HistoryFileFragments = c.History.FileFragments

	cfg.AdminCommandsEnabled = c.Admin.CommandsEnabled
	if len(c.Admin.AdminUsers) > 0 {
		cfg.AdminUsers = c.Admin.AdminUsers
	}
	cfg.DefaultBanHours = c.Admin.DefaultBanHours
	if c.Admin.MaxHistory > 0 {
		cfg.MaxHistory = c.Admin.MaxHistory
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
