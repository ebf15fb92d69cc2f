package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.OpsPort)
	assert.Equal(t, "rekognition", cfg.Provider.Kind)
	assert.Equal(t, int64(20*1024*1024), cfg.Upload.MaxFileSize)
	assert.Equal(t, 4000, cfg.Upload.NormalizeMaxDim)
	assert.Equal(t, 90, cfg.Upload.NormalizeQuality)
	assert.Equal(t, 50.0, cfg.RateLimit.TPS)
	assert.Equal(t, 0.9, cfg.RateLimit.SafetyFactor)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.ThrottlePenalty())
	assert.Equal(t, 30*24*time.Hour, cfg.Cleanup.Retention())
	assert.Equal(t, 10, cfg.Cleanup.BatchSize)
	assert.Equal(t, 8, cfg.Backoff.MaxAttempts)
	assert.Equal(t, "object-created-pipeline", cfg.PubSub.UploadSubscription)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  ops_port: 8088
database:
  url: postgres://pipeline@localhost/pipeline
provider:
  kind: selfhosted
  detector_url: http://detector:8000
ratelimit:
  tps: 10
  safety_factor: 0.5
cleanup:
  retention_days: 7
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.OpsPort)
	assert.Equal(t, "postgres://pipeline@localhost/pipeline", cfg.Database.URL)
	assert.Equal(t, "selfhosted", cfg.Provider.Kind)
	assert.Equal(t, "http://detector:8000", cfg.Provider.DetectorURL)
	assert.Equal(t, 10.0, cfg.RateLimit.TPS)
	assert.Equal(t, 7*24*time.Hour, cfg.Cleanup.Retention())
	// untouched sections still get defaults
	assert.Equal(t, int64(5*1024*1024), cfg.Provider.MaxBytes)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file@localhost/pipeline
`)
	t.Setenv("DATABASE_URL", "postgres://env@localhost/pipeline")
	t.Setenv("PROVIDER_KIND", "selfhosted")
	t.Setenv("OPS_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env@localhost/pipeline", cfg.Database.URL)
	assert.Equal(t, "selfhosted", cfg.Provider.Kind)
	assert.Equal(t, 7070, cfg.Server.OpsPort)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
