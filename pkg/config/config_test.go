package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/provisioner/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provisioner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DriverBolt, cfg.Store.Driver)
	assert.Equal(t, "data", cfg.Store.DataDir)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 250, cfg.Jobs.TaskSize)
	assert.Equal(t, "provisioner.jobs", cfg.Jobs.Topic)
	assert.True(t, cfg.Reconciler.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Reconciler.Interval)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  json: true
store:
  driver: memory
  unique_keys:
    access_grant: [user, setup_role]
jobs:
  workers: 8
reconciler:
  interval: 30s
catalog:
  access_grant__c: access_grant
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, []string{"user", "setup_role"}, cfg.Store.UniqueKeys["access_grant"])
	assert.Equal(t, 8, cfg.Jobs.Workers)
	// Untouched keys keep their defaults
	assert.Equal(t, 250, cfg.Jobs.TaskSize)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.Interval)
	assert.Equal(t, map[string]string{"access_grant__c": "access_grant"}, cfg.Catalog)

	assert.Equal(t, log.Config{Level: log.DebugLevel, JSONOutput: true}, cfg.LoggerConfig())
	assert.Equal(t, []string{"user", "setup_role"}, cfg.Schema().UniqueKeys["access_grant"])
}

func TestLoadPathFromEnv(t *testing.T) {
	path := writeFile(t, "metrics:\n  addr: \":9999\"\n")
	t.Setenv(PathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "jobs:\n  workers: 8\n")
	t.Setenv("PROVISIONER_JOBS__WORKERS", "2")
	t.Setenv("PROVISIONER_STORE__DATA_DIR", "/var/lib/provisioner")
	t.Setenv("PROVISIONER_RECONCILER__ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, "/var/lib/provisioner", cfg.Store.DataDir)
	assert.False(t, cfg.Reconciler.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "postgres" }, wantErr: "Store.Driver"},
		{name: "bolt without data dir", mutate: func(c *Config) { c.Store.DataDir = "" }, wantErr: "Store.DataDir"},
		{name: "memory without data dir", mutate: func(c *Config) {
			c.Store.Driver = DriverMemory
			c.Store.DataDir = ""
		}},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "verbose" }, wantErr: "Log.Level"},
		{name: "zero workers", mutate: func(c *Config) { c.Jobs.Workers = 0 }, wantErr: "Jobs.Workers"},
		{name: "task size above page size", mutate: func(c *Config) { c.Jobs.TaskSize = 501 }, wantErr: "Jobs.TaskSize"},
		{name: "zero interval", mutate: func(c *Config) { c.Reconciler.Interval = 0 }, wantErr: "Reconciler.Interval"},
		{name: "empty unique key", mutate: func(c *Config) {
			c.Store.UniqueKeys = map[string][]string{"access_grant": {}}
		}, wantErr: "Store.UniqueKeys"},
		{name: "empty catalog label", mutate: func(c *Config) {
			c.Catalog = map[string]string{"access_grant__c": ""}
		}, wantErr: "Catalog"},
		{name: "catalog object without unique key", mutate: func(c *Config) {
			c.Catalog = map[string]string{"access_grant__c": "access_grant", "badge__c": "badge"}
			c.Store.UniqueKeys = map[string][]string{"badge": {"user"}}
		}, wantErr: "missing for catalog objects access_grant"},
		{name: "catalog object with unique key", mutate: func(c *Config) {
			c.Catalog = map[string]string{"access_grant__c": "access_grant"}
			c.Store.UniqueKeys = map[string][]string{"access_grant": {"user", "setup_role"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRejectsCatalogWithoutUniqueKey(t *testing.T) {
	path := writeFile(t, `
store:
  driver: memory
catalog:
  access_grant__c: access_grant
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Store.UniqueKeys: missing for catalog objects access_grant")
}

func TestCheckCatalog(t *testing.T) {
	cfg := Default()
	cfg.Store.UniqueKeys = map[string][]string{"access_grant": {"user", "setup_role"}}

	assert.NoError(t, cfg.CheckCatalog(map[string]string{"access_grant__c": "access_grant"}))
	err := cfg.CheckCatalog(map[string]string{"b__c": "badge", "a__c": "alias", "b2__c": "badge"})
	require.Error(t, err)
	assert.Equal(t, "Store.UniqueKeys: missing for catalog objects alias, badge", err.Error())
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "store.data_dir", envKey("PROVISIONER_STORE__DATA_DIR"))
	assert.Equal(t, "jobs.rate_per_second", envKey("PROVISIONER_JOBS__RATE_PER_SECOND"))
}
