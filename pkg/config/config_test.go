package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdalboni/reportportal-manager/pkg/models"
)

const sampleConfig = `
endpoint: https://rp.example.com/
project: web_team
token: 0123456789abcdef
battery: regression
product: Shop
version: 2.3.1
browser: firefox
os: linux
mode: debug
attributes:
  build: "1234"
timeout: 5s
tls:
  insecure_skip_verify: true
metrics:
  textfile: /tmp/rp.prom
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rpmanager.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(NewViper(writeConfig(t, sampleConfig)))
	require.NoError(t, err)

	assert.Equal(t, "https://rp.example.com", cfg.Endpoint)
	assert.Equal(t, "web_team", cfg.Project)
	assert.Equal(t, "regression", cfg.Battery)
	assert.Equal(t, "2.3.1", cfg.Version)
	assert.Equal(t, models.LaunchModeDebug, cfg.LaunchMode())
	assert.Equal(t, map[string]string{"build": "1234"}, cfg.Attributes)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.True(t, cfg.TLS.InsecureSkipVerify)
	assert.Equal(t, "/tmp/rp.prom", cfg.Metrics.Textfile)
	assert.Equal(t, "rpmanager", cfg.Metrics.Job)
	assert.True(t, cfg.SystemAttributes)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("RP_PROJECT", "mobile_team")
	t.Setenv("RP_API_KEY", "from-env-token")
	t.Setenv("RP_LAUNCH_UUID", "4f1c")
	t.Setenv("RP_METRICS_JOB", "nightly")

	cfg, err := Load(NewViper(writeConfig(t, sampleConfig)))
	require.NoError(t, err)

	assert.Equal(t, "mobile_team", cfg.Project)
	assert.Equal(t, "from-env-token", cfg.Token)
	assert.Equal(t, "4f1c", cfg.LaunchUUID)
	assert.Equal(t, "nightly", cfg.Metrics.Job)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := Load(NewViper(""))
	require.NoError(t, err)

	assert.Equal(t, models.LaunchModeDefault, cfg.LaunchMode())
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Error(t, cfg.Validate())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestValidate(t *testing.T) {
	valid := Config{Endpoint: "http://localhost:8080", Project: "p", Token: "t"}
	assert.NoError(t, valid.Validate())

	tests := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"missing endpoint": {func(c *Config) { c.Endpoint = "" }, "endpoint is required"},
		"bad scheme":       {func(c *Config) { c.Endpoint = "ftp://rp" }, "must be an http(s) URL"},
		"missing project":  {func(c *Config) { c.Project = "" }, "project is required"},
		"missing token":    {func(c *Config) { c.Token = "" }, "token is required"},
		"bad mode":         {func(c *Config) { c.Mode = "LOUD" }, "must be DEFAULT or DEBUG"},
		"negative timeout": {func(c *Config) { c.Timeout = -time.Second }, "timeout must not be negative"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestMasked(t *testing.T) {
	cfg := Config{Token: "0123456789abcdef"}
	assert.Equal(t, "****cdef", cfg.Masked().Token)
	assert.Equal(t, "0123456789abcdef", cfg.Token, "original must be untouched")
	assert.Equal(t, "****", MaskToken("abc"))
	assert.Equal(t, "", MaskToken(""))
}
