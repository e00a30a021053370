package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noEnv(string) string { return "" }

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, noEnv)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 6, cfg.HoursPerDay)
	require.Equal(t, 330, cfg.TZOffsetMin)
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planner.yaml")
	body := strings.TrimSpace(`
addr: 0.0.0.0:9000
workers: 2
poll: 1s
work_hours_per_day: 8
generator:
  model: gemini-pro
  api_key: from-file
  timeout: 10s
`)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	env := func(k string) string {
		if k == EnvAPIKey {
			return "from-env"
		}
		return ""
	}
	cfg, err := Load([]string{"-config", path, "-workers", "9"}, env)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Addr)
	require.Equal(t, 9, cfg.Workers)
	require.Equal(t, time.Second, cfg.Poll)
	require.Equal(t, 8, cfg.HoursPerDay)
	require.Equal(t, "gemini-pro", cfg.Generator.Model)
	require.Equal(t, 10*time.Second, cfg.Generator.Timeout)
	require.Equal(t, "from-env", cfg.Generator.APIKey)
	// untouched file keys keep their defaults
	require.Equal(t, Default().DBPath, cfg.DBPath)
}

func TestLoadFlagBeatsEnv(t *testing.T) {
	env := func(string) string { return "from-env" }
	cfg, err := Load([]string{"-api-key", "from-flag"}, env)
	require.NoError(t, err)
	require.Equal(t, "from-flag", cfg.Generator.APIKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")}, noEnv)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Workers = 0
	cfg.HoursPerDay = -1
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "workers")
	require.Contains(t, err.Error(), "work_hours_per_day")
}
