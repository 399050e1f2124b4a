package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig drives the familysync-client daemon and CLI.
type ClientConfig struct {
	ServerURL       string        `yaml:"server_url"`
	Token           string        `yaml:"token"`
	DBPath          string        `yaml:"db_path"`
	DefaultListName string        `yaml:"default_list_name"`
	Interval        time.Duration `yaml:"interval"`
	IntervalJitter  float64       `yaml:"interval_jitter"`
	Offline         bool          `yaml:"offline"`
	WatchDB         bool          `yaml:"watch_db"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	Timeout         time.Duration `yaml:"timeout"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:       "http://127.0.0.1:3001",
		DBPath:          defaultDBPath(),
		DefaultListName: "Family list",
		Interval:        30 * time.Second,
		IntervalJitter:  0.2,
		WatchDB:         true,
		Timeout:         15 * time.Second,
	}
}

// LoadClient layers defaults, the YAML file at path (if it exists), and
// FAMILYSYNC_* environment variables, in that order.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return ClientConfig{}, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return ClientConfig{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, cfg.Validate()
}

func (c *ClientConfig) applyEnv() error {
	c.ServerURL = getenvDefault("FAMILYSYNC_SERVER_URL", c.ServerURL)
	c.Token = getenvDefault("FAMILYSYNC_TOKEN", c.Token)
	c.DBPath = getenvDefault("FAMILYSYNC_DB_PATH", c.DBPath)
	c.DefaultListName = getenvDefault("FAMILYSYNC_DEFAULT_LIST", c.DefaultListName)
	c.MetricsAddr = getenvDefault("FAMILYSYNC_METRICS_ADDR", c.MetricsAddr)
	c.Offline = getenvBool("FAMILYSYNC_OFFLINE", c.Offline)
	c.WatchDB = getenvBool("FAMILYSYNC_WATCH_DB", c.WatchDB)

	var err error
	if c.Interval, err = getenvDuration("FAMILYSYNC_INTERVAL", c.Interval); err != nil {
		return err
	}
	if c.Timeout, err = getenvDuration("FAMILYSYNC_TIMEOUT", c.Timeout); err != nil {
		return err
	}
	if c.IntervalJitter, err = getenvFloat("FAMILYSYNC_INTERVAL_JITTER", c.IntervalJitter); err != nil {
		return err
	}
	return nil
}

func (c ClientConfig) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db_path is required")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.IntervalJitter < 0 || c.IntervalJitter > 1 {
		return fmt.Errorf("interval_jitter must be within [0,1] (got %g)", c.IntervalJitter)
	}
	return nil
}

func defaultDBPath() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "familysync", "familysync.db")
	}
	return "familysync.db"
}
