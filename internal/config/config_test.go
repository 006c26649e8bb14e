package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TICK_INTERVAL_MS", "")
	t.Setenv("CONNECT_ATTEMPTS", "")
	t.Setenv("BACKEND_URL", "")

	cfg := Load()
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, "http://localhost:5001/api", cfg.BackendURL)
	assert.Equal(t, "cumulative", cfg.TimeSpentMode)
	assert.Equal(t, 5, cfg.ConnectAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://api.example.com/api/")
	t.Setenv("AUTO_SUBMIT_RETRIES", "5")
	t.Setenv("MAX_DB_CONNS", "not-a-number")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example.com, ,https://b.example.com ")

	cfg := Load()
	assert.Equal(t, "https://api.example.com/api", cfg.BackendURL)
	assert.Equal(t, 5, cfg.AutoSubmitRetries)
	assert.Equal(t, int32(8), cfg.MaxDBConns)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestParseOrigins_Empty(t *testing.T) {
	assert.Nil(t, parseOrigins(""))
}
