package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "127.0.0.1"
  allowed_origins: ["https://studio.example"]
  public_url: "https://track.studio.example"

meta:
  pixel_id: "123456"
  access_token: "file-token"
  api_version: "v20.0"
  timeout_seconds: 5

delivery:
  max_attempts: 4
  base_delay_millis: 500
  max_delay_seconds: 60
  workers: 2

cookies:
  domain: ".studio.example"
  secure: true

logging:
  level: debug
  redact_pii: false

business:
  whatsapp_number: "+55 (11) 98765-4321"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, []string{"https://studio.example"}, cfg.Server.AllowedOrigins)

	assert.Equal(t, "123456", cfg.Meta.PixelID)
	assert.Equal(t, 5*time.Second, cfg.Meta.Timeout())
	assert.Equal(t, "https://graph.facebook.com/v20.0/123456/events", cfg.Meta.EventsURL())

	assert.Equal(t, 4, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Delivery.BaseDelay())
	assert.Equal(t, time.Minute, cfg.Delivery.MaxDelay())
	assert.Equal(t, 2, cfg.Delivery.Workers)

	assert.Equal(t, ".studio.example", cfg.Cookies.Domain)
	assert.True(t, cfg.Cookies.Secure)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Redact())
	assert.Equal(t, "https://wa.me/5511987654321", cfg.Business.WhatsAppURL())
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("meta:\n  pixel_id: \"1\"\n"), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Meta.Timeout())
	assert.Equal(t, 6, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Delivery.BaseDelay())
	assert.Equal(t, 5*time.Minute, cfg.Delivery.MaxDelay())
	assert.Equal(t, time.Second, cfg.Delivery.PollInterval())
	assert.Equal(t, "_ext_id", cfg.Cookies.ExternalIDName)
	assert.Equal(t, 365*24*time.Hour, cfg.Cookies.ExternalIDTTL())
	assert.Equal(t, "_fbc", cfg.Cookies.ClickIDName)
	assert.Equal(t, 90*24*time.Hour, cfg.Cookies.ClickIDTTL())
	assert.Equal(t, "_fbp", cfg.Cookies.BrowserIDName)
	assert.Equal(t, "capi:retry", cfg.Redis.QueueKey)
	assert.False(t, cfg.Redis.Enabled())
	assert.True(t, cfg.Logging.Redact())
	assert.Equal(t, "", cfg.Business.WhatsAppURL())
}

func TestLoadFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("meta:\n  pixel_id: \"file-pixel\"\n  access_token: \"file-token\"\n"), 0644))

	t.Setenv("META_ACCESS_TOKEN", "env-token")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("PORT", "7070")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "file-pixel", cfg.Meta.PixelID)
	assert.Equal(t, "env-token", cfg.Meta.AccessToken)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pixel_id")
	assert.Contains(t, err.Error(), "access_token")
}
