package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(false)
	require.NoError(t, err)

	require.Equal(t, "parley.db", cfg.DBFile)
	require.Equal(t, 24*time.Hour, cfg.SessionTTL)
	require.Equal(t, 8*time.Second, cfg.TypingTimeout)
	require.Equal(t, 256, cfg.SendBuffer)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PARLEY_DB", "/tmp/chat.db")
	t.Setenv("PARLEY_TYPING_TIMEOUT", "0")
	t.Setenv("PARLEY_MESSAGE_RATE", "5")
	t.Setenv("PARLEY_LOG_LEVEL", "debug")
	t.Setenv("PARLEY_LOG_FORMAT", "json")

	cfg, err := Load(false)
	require.NoError(t, err)

	require.Equal(t, "/tmp/chat.db", cfg.DBFile)
	require.Zero(t, cfg.TypingTimeout)
	require.Equal(t, 5, cfg.MessageRate)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"Bad duration", "PARLEY_SESSION_TTL", "soon"},
		{"Zero TTL", "PARLEY_SESSION_TTL", "0s"},
		{"Bad int", "PARLEY_SEND_BUFFER", "many"},
		{"Zero buffer", "PARLEY_SEND_BUFFER", "0"},
		{"Pong before ping", "PARLEY_PONG_WAIT", "1s"},
		{"Half VAPID pair", "PARLEY_VAPID_PUBLIC_KEY", "abc"},
		{"Bad log level", "PARLEY_LOG_LEVEL", "loud"},
		{"Bad log format", "PARLEY_LOG_FORMAT", "xml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(false)
			require.Error(t, err)
		})
	}
}

func TestLoadCLIMode(t *testing.T) {
	t.Setenv("PARLEY_SEND_BUFFER", "0")

	cfg, err := Load(true)
	require.NoError(t, err)
	require.Equal(t, "localhost:8081", cfg.AdminAddr)
}
