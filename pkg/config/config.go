package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cuemby/provisioner/pkg/jobqueue"
	"github.com/cuemby/provisioner/pkg/log"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: PROVISIONER_JOBS__TASK_SIZE sets jobs.task_size.
const EnvPrefix = "PROVISIONER_"

// PathEnvVar names a config file when no path is given
const PathEnvVar = EnvPrefix + "CONFIG"

// Store drivers
const (
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the complete process configuration
type Config struct {
	Log        LogConfig         `koanf:"log"`
	Store      StoreConfig       `koanf:"store"`
	Jobs       jobqueue.Config   `koanf:"jobs"`
	Reconciler ReconcilerConfig  `koanf:"reconciler"`
	Metrics    MetricsConfig     `koanf:"metrics"`
	Catalog    map[string]string `koanf:"catalog" validate:"dive,keys,required,endkeys,required"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// StoreConfig selects the record store backend
type StoreConfig struct {
	Driver  string `koanf:"driver" validate:"oneof=bolt memory"`
	DataDir string `koanf:"data_dir" validate:"required_if=Driver bolt"`
	// UniqueKeys lists, per object, the fields whose combined value must be unique
	UniqueKeys map[string][]string `koanf:"unique_keys" validate:"dive,min=1,dive,required"`
}

type ReconcilerConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Store: StoreConfig{
			Driver:  DriverBolt,
			DataDir: "data",
		},
		Jobs: jobqueue.DefaultConfig(),
		Reconciler: ReconcilerConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load layers defaults, the YAML file at path and PROVISIONER_ environment
// variables, in that order, then validates the result. An empty path falls
// back to PROVISIONER_CONFIG; with neither, no file is read.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps PROVISIONER_STORE__DATA_DIR to store.data_dir
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks every section against its constraints. Every object the
// catalog names needs a unique key; without one a refresh duplicates its
// records.
func (c *Config) Validate() error {
	var msgs []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
		}
	}
	if err := c.CheckCatalog(c.Catalog); err != nil {
		msgs = append(msgs, err.Error())
	}
	if len(msgs) == 0 {
		return nil
	}
	return errors.New(strings.Join(msgs, "; "))
}

// CheckCatalog reports the catalog labels without a unique key
func (c *Config) CheckCatalog(catalog map[string]string) error {
	var missing []string
	for _, label := range catalog {
		if label == "" || len(c.Store.UniqueKeys[label]) > 0 || slices.Contains(missing, label) {
			continue
		}
		missing = append(missing, label)
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("Store.UniqueKeys: missing for catalog objects %s", strings.Join(missing, ", "))
}

// LoggerConfig returns the logger settings
func (c *Config) LoggerConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}

// Schema returns the record store uniqueness rules
func (c *Config) Schema() storage.Schema {
	return storage.Schema{UniqueKeys: c.Store.UniqueKeys}
}
