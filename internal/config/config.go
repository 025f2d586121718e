// Package config loads the application configuration from a YAML file,
// falling back to defaults when the file is absent.
package config

import (
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/quarryhq/quarry/internal/dberr"
)

// Config is the top-level application configuration.
type Config struct {
	Logging  Logging  `yaml:"logging"`
	Workers  Workers  `yaml:"workers"`
	Projects Projects `yaml:"projects"`
	Schema   Schema   `yaml:"schema"`
	Remote   Remote   `yaml:"remote"`
}

// Logging mirrors the logger package's knobs.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Workers tunes the background execution pool.
type Workers struct {
	// Count is the fixed pool size for blocking database work.
	Count int `yaml:"count"`
}

// Projects controls the recent-projects list.
type Projects struct {
	// RecentFile is where the recent-projects list is persisted.
	RecentFile string `yaml:"recent_file"`
	// RecentMax caps the list length; oldest entries fall off.
	RecentMax int `yaml:"recent_max"`
}

// Schema points at the DDL scripts the validator and deployer consume.
type Schema struct {
	AzureScript  string `yaml:"azure_script"`
	SQLiteScript string `yaml:"sqlite_script"`
}

// Remote holds defaults for SQL Server connections.
type Remote struct {
	// TimeoutSecs is the default connection timeout when a project does
	// not override it.
	TimeoutSecs int `yaml:"timeout_secs"`
}

// Default returns the configuration used when no file is present. Paths
// are resolved relative to baseDir, normally the executable's data dir.
func Default(baseDir string) *Config {
	return &Config{
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
		Workers: Workers{
			Count: 4,
		},
		Projects: Projects{
			RecentFile: filepath.Join(baseDir, "recent_projects.json"),
			RecentMax:  15,
		},
		Schema: Schema{
			AzureScript:  filepath.Join(baseDir, "schema", "azure.sql"),
			SQLiteScript: filepath.Join(baseDir, "schema", "sqlite.sql"),
		},
		Remote: Remote{
			TimeoutSecs: 30,
		},
	}
}

// Load reads the YAML file at path over the defaults for baseDir. A
// missing file yields the defaults; a malformed file is an error rather
// than a silent fallback.
func Load(path, baseDir string) (*Config, error) {
	cfg := Default(baseDir)

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, dberr.Wrap(dberr.KindOperational, "reading config file", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, dberr.Wrap(dberr.KindValidation, "parsing config file", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Workers.Count < 0 {
		return dberr.New(dberr.KindValidation, "workers.count must not be negative")
	}
	if c.Projects.RecentMax <= 0 {
		return dberr.New(dberr.KindValidation, "projects.recent_max must be positive")
	}
	if c.Remote.TimeoutSecs <= 0 {
		return dberr.New(dberr.KindValidation, "remote.timeout_secs must be positive")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return dberr.Newf(dberr.KindValidation, "unsupported logging format %q", c.Logging.Format)
	}
	return nil
}
