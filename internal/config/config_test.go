// ABOUTME: Tests for configuration loading, defaults and validation
// ABOUTME: Covers env expansion and duration parsing

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wagate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/wagate.db"
protocol:
  connect_timeout: "10s"
  reconnect_backoff: "1s"
  resume_grace: "500ms"
broadcast:
  default_delay_ms: 2000
  default_jitter_ms: 800
  failure_backoff_floor_ms: 2500
  country_prefix: "49"
media:
  dir: "/tmp/media"
  base_url: "http://localhost:8080/media"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/wagate.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Second, cfg.Protocol.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.Protocol.ReconnectBackoff)
	assert.Equal(t, 500*time.Millisecond, cfg.Protocol.ResumeGrace)
	assert.Equal(t, 2000, cfg.Broadcast.DefaultDelayMs)
	assert.Equal(t, 800, cfg.Broadcast.DefaultJitterMs)
	assert.Equal(t, 2500, cfg.Broadcast.FailureBackoffFloorMs)
	assert.Equal(t, "49", cfg.Broadcast.CountryPrefix)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/wagate.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.Protocol.ConnectTimeout)
	assert.Equal(t, 3*time.Second, cfg.Protocol.ReconnectBackoff)
	assert.Equal(t, 2*time.Second, cfg.Protocol.ResumeGrace)
	assert.Equal(t, 1000, cfg.Broadcast.DefaultDelayMs)
	assert.Equal(t, 500, cfg.Broadcast.DefaultJitterMs)
	assert.Equal(t, 1200, cfg.Broadcast.FailureBackoffFloorMs)
	assert.Equal(t, "62", cfg.Broadcast.CountryPrefix)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("WAGATE_TEST_DB", "/data/from-env.db")

	path := writeConfig(t, `
database:
  path: "${WAGATE_TEST_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/from-env.db", cfg.Database.Path)
}

func TestValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
logging:
  level: "info"
`))
	assert.ErrorContains(t, err, "database.path is required")

	_, err = Load(writeConfig(t, `
database:
  path: "/tmp/x.db"
broadcast:
  default_delay_ms: 3000
  failure_backoff_floor_ms: 1500
`))
	assert.ErrorContains(t, err, "failure_backoff_floor_ms")
}

func TestBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  path: "/tmp/x.db"
protocol:
  connect_timeout: "banana"
`))
	assert.ErrorContains(t, err, "connect_timeout")
}
