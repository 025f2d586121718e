package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/dberr"
)

func TestDefaults(t *testing.T) {
	cfg := Default("/opt/quarry")

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 15, cfg.Projects.RecentMax)
	assert.Equal(t, 30, cfg.Remote.TimeoutSecs)
	assert.Equal(t, filepath.Join("/opt/quarry", "schema", "azure.sql"), cfg.Schema.AzureScript)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "/base")
	require.NoError(t, err)
	assert.Equal(t, Default("/base"), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: json
workers:
  count: 8
projects:
  recent_max: 5
`), 0o644))

	cfg, err := Load(path, "/base")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Workers.Count)
	assert.Equal(t, 5, cfg.Projects.RecentMax)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.Remote.TimeoutSecs)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [not, a, mapping"), 0o644))

	_, err := Load(path, "/base")
	assert.True(t, dberr.IsValidation(err))
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative workers", "workers:\n  count: -1\n"},
		{"zero recent cap", "projects:\n  recent_max: 0\n"},
		{"zero timeout", "remote:\n  timeout_secs: 0\n"},
		{"bad log format", "logging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := Load(path, "/base")
			assert.True(t, dberr.IsValidation(err))
		})
	}
}
