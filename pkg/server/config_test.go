package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aeolun/darkroom/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	// the written file parses back to the defaults
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
tcp_port = 7000
welcome_message = "hi"

[auth]
protected = true
password = "hunter2"

[admin]
admin_users = ["root", "ops"]
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.TCPPort)
	assert.Equal(t, "hi", cfg.Server.WelcomeMessage)
	assert.Equal(t, 9090, cfg.Server.MetricsPort, "missing keys keep defaults")
	assert.True(t, cfg.Auth.Protected)
	assert.Equal(t, []string{"root", "ops"}, cfg.Admin.AdminUsers)

	sc := cfg.ToServerConfig()
	assert.Equal(t, 7000, sc.TCPPort)
	assert.True(t, sc.Protected)
	assert.Equal(t, crypto.HashPassword("hunter2"), sc.PasswordHash)
	assert.Equal(t, 10*time.Second, sc.WriteTimeout)
	assert.True(t, sc.HistoryFileFragments, "file frames are persisted by default")
	assert.Equal(t, []string{"root", "ops"}, sc.AdminUsers)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DARKROOM_SERVER_TCP_PORT", "6000")
	t.Setenv("DARKROOM_SERVER_FRAME_SIZE", "4096")
	t.Setenv("DARKROOM_AUTH_PROTECTED", "true")
	t.Setenv("DARKROOM_HISTORY_ENABLED", "false")
	t.Setenv("DARKROOM_HISTORY_FILE_FRAGMENTS", "false")
	t.Setenv("DARKROOM_ADMIN_ADMIN_USERS", " root , ,ops")
	t.Setenv("DARKROOM_ADMIN_MAX_HISTORY", "not-a-number")

	cfg := applyEnvOverrides(DefaultTOMLConfig())
	assert.Equal(t, 6000, cfg.Server.TCPPort)
	assert.Equal(t, 4096, cfg.Server.FrameSize)
	assert.True(t, cfg.Auth.Protected)
	assert.False(t, cfg.History.Enabled)
	assert.False(t, cfg.History.FileFragments)
	assert.Equal(t, []string{"root", "ops"}, cfg.Admin.AdminUsers)
	assert.Equal(t, 100, cfg.Admin.MaxHistory, "unparseable values are ignored")
}

func TestPasswordHashWins(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Auth.Password = "plain"
	cfg.Auth.PasswordHash = "  ABCDEF0123  "

	sc := cfg.ToServerConfig()
	assert.Equal(t, "abcdef0123", sc.PasswordHash)
}

func TestToServerConfigKeepsDefaultsForZeroes(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.FrameSize = 0
	cfg.Server.SSHHostKey = " "
	cfg.Auth.MaxLoginAttempts = 0
	cfg.Admin.MaxHistory = 0
	cfg.Admin.DefaultBanHours = 0

	sc := cfg.ToServerConfig()
	def := DefaultConfig()
	assert.Equal(t, def.FrameSize, sc.FrameSize)
	assert.Equal(t, def.SSHHostKeyPath, sc.SSHHostKeyPath)
	assert.Equal(t, def.MaxLoginAttempts, sc.MaxLoginAttempts)
	assert.Equal(t, def.MaxHistory, sc.MaxHistory)
	assert.Equal(t, 0, sc.DefaultBanHours, "zero means permanent")
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := expandHome("~/.darkroom/darkroom.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".darkroom", "darkroom.db"), got)

	got, err = expandHome("/var/lib/darkroom.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/darkroom.db", got)

	cfg := DefaultTOMLConfig()
	dbPath, err := cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".darkroom", "darkroom.db"), dbPath)
}
