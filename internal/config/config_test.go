package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/relay/internal/access"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, access.ModeOff, cfg.Auth.AllowlistMode)
	assert.Equal(t, 30*time.Second, cfg.Auth.ChallengeTTL)
	assert.Equal(t, 3, cfg.Dispute.PanelSize)
	assert.Equal(t, float64(1), cfg.Limits.MessagesPerSecond)
	assert.Equal(t, 1, cfg.Limits.Burst, "no free burst beyond the per-second budget")
	assert.False(t, cfg.TLSEnabled())
}

func TestLoad_YAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  name: relay-test
  port: 9999
auth:
  allowlist_mode: strict
captcha:
  enabled: true
  policy: lurk
dispute:
  panel_size: 5
  filing_fee: 20
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "relay-test", cfg.Server.Name)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, access.ModeStrict, cfg.Auth.AllowlistMode)
	assert.True(t, cfg.Captcha.Enabled)
	assert.Equal(t, "lurk", cfg.Captcha.Policy)
	assert.Equal(t, 5, cfg.Dispute.PanelSize)
	assert.Equal(t, 20, cfg.Dispute.FilingFee)
	// Untouched sections keep their defaults.
	assert.Equal(t, 25, cfg.Dispute.ArbiterStake)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("ADMIN_KEY", "hunter2")
	t.Setenv("DATA_DIR", "/tmp/agentchat-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "hunter2", cfg.Auth.AdminKey)
	assert.Equal(t, "/tmp/agentchat-test", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:7777", cfg.Addr())
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("ALLOWLIST_MODE", "sometimes")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_TLSPairRequired(t *testing.T) {
	t.Setenv("TLS_CERT", "/etc/cert.pem")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("TLS_KEY", "/etc/key.pem")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.TLSEnabled())
}
