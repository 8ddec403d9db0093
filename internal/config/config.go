package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const EnvPrefix = "DEVFLOW"

type Config struct {
	DataDir      string   `mapstructure:"data_dir"`
	DBPath       string   `mapstructure:"db_path"`
	WorkflowDirs []string `mapstructure:"workflow_dirs"`

	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`

	Status struct {
		// Backend is "sqlite" or "redis".
		Backend string `mapstructure:"backend"`
		Retries int    `mapstructure:"retries"`
		Redis   struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Prefix   string `mapstructure:"prefix"`
		} `mapstructure:"redis"`
	} `mapstructure:"status"`
}

// Load resolves configuration from, lowest precedence first: defaults,
// config.yaml in the data directory, DEVFLOW_* environment variables, and any
// flags already bound to v.
func Load(v *viper.Viper) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v.SetDefault("data_dir", filepath.Join(homeDir, ".devflow"))
	v.SetDefault("db_path", "")
	v.SetDefault("workflow_dirs", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("status.backend", "sqlite")
	v.SetDefault("status.retries", 3)
	v.SetDefault("status.redis.addr", "localhost:6379")
	v.SetDefault("status.redis.password", "")
	v.SetDefault("status.redis.db", 0)
	v.SetDefault("status.redis.prefix", "devflow")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(filepath.Join(v.GetString("data_dir"), "config.yaml"))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "devflow.db")
	}
	if c.Log.File == "" {
		c.Log.File = filepath.Join(c.DataDir, "devflow.log")
	}
	if len(c.WorkflowDirs) == 0 {
		// Project workflows come last so they override user-wide ones.
		c.WorkflowDirs = []string{c.UserWorkflowDir(), filepath.Join(".devflow", "workflows")}
	}

	switch c.Status.Backend {
	case "sqlite", "redis":
	default:
		return nil, fmt.Errorf("unknown status backend %q (want sqlite or redis)", c.Status.Backend)
	}

	return &c, nil
}

func (c *Config) UserWorkflowDir() string {
	return filepath.Join(c.DataDir, "workflows")
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.UserWorkflowDir(), 0755)
}
