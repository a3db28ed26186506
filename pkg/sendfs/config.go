package sendfs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/jsonfile"
)

const defaultConfigPath = "/etc/zsendfs.json"

type Config struct {
	Pool              string `json:"pool"`       // "tank" or "tank/backups"
	MountPath         string `json:"mount_path"` // "/mnt/zsend"
	ZfsBinary         string `json:"zfs_binary"`
	MaxSessions       int    `json:"max_sessions"`   // 0 = unlimited
	EstimateCacheSize int    `json:"estimate_cache"` // 0 = no caching
	AllowOther        bool   `json:"allow_other"`
	UnmountFirst      bool   `json:"unmount_first"`
	MetricsAddr       string `json:"metrics_addr,omitempty"` // empty = no metrics server
}

func DefaultConfig() Config {
	return Config{
		ZfsBinary:         "zfs",
		MaxSessions:       16,
		EstimateCacheSize: 256,
		AllowOther:        true,
	}
}

// starts from defaults. explicitly given path must exist, the default path need not.
func ReadConfig(path string) (*Config, error) {
	conf := DefaultConfig()

	if path == "" {
		exists, err := fileexists.Exists(defaultConfigPath)
		if err != nil {
			return nil, err
		}

		if !exists {
			return &conf, nil
		}

		path = defaultConfigPath
	}

	if err := jsonfile.Read(path, &conf, true); err != nil {
		return nil, fmt.Errorf("ReadConfig: %w", err)
	}

	return &conf, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Pool == "":
		return errors.New("pool not set")
	case strings.ContainsAny(c.Pool, "@#"):
		return fmt.Errorf("pool must be a dataset, not a snapshot or bookmark: %s", c.Pool)
	case c.MountPath == "":
		return errors.New("mount path not set")
	case c.ZfsBinary == "":
		return errors.New("zfs binary not set")
	case c.MaxSessions < 0:
		return fmt.Errorf("max sessions cannot be negative: %d", c.MaxSessions)
	case c.EstimateCacheSize < 0:
		return fmt.Errorf("estimate cache size cannot be negative: %d", c.EstimateCacheSize)
	default:
		return nil
	}
}
