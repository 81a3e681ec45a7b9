package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type TLSConfig struct {
	Enable   bool   `json:"enable" yaml:"enable"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
}

// ServerConfig configures the operator control server.
type ServerConfig struct {
	Addr        string    `json:"addr" yaml:"addr"`
	TLS         TLSConfig `json:"tls" yaml:"tls"`
	ClientToken string    `json:"client_token" yaml:"client_token"`
	DBPath      string    `json:"db_path" yaml:"db_path"`
	StaticDir   string    `json:"static_dir" yaml:"static_dir"`
	// An agent whose last heartbeat is older than this is marked inactive.
	HeartbeatTimeoutSecs int `json:"heartbeat_timeout_secs" yaml:"heartbeat_timeout_secs"`
	CleanupIntervalSecs  int `json:"cleanup_interval_secs" yaml:"cleanup_interval_secs"`
}

func (c ServerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSecs) * time.Second
}

func (c ServerConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSecs) * time.Second
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:                 ":8000",
		DBPath:               "data/remotectl.db",
		StaticDir:            "",
		HeartbeatTimeoutSecs: 90,
		CleanupIntervalSecs:  30,
	}
}

// LoadServerConfig reads an optional JSON or YAML file, then applies env overrides.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	// file optional
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeFile(path, b, &cfg); err != nil {
				return cfg, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// env overrides
	if v := os.Getenv("REMOTECTL_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("REMOTECTL_TLS_ENABLE"); v != "" {
		cfg.TLS.Enable = parseBool(v)
	}
	if v := os.Getenv("REMOTECTL_TLS_CERT"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("REMOTECTL_TLS_KEY"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("REMOTECTL_CLIENT_TOKEN"); v != "" {
		cfg.ClientToken = v
	}
	if v := os.Getenv("REMOTECTL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REMOTECTL_STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if n, err := strconv.Atoi(os.Getenv("REMOTECTL_HEARTBEAT_TIMEOUT_SECS")); err == nil && n > 0 {
		cfg.HeartbeatTimeoutSecs = n
	}
	if n, err := strconv.Atoi(os.Getenv("REMOTECTL_CLEANUP_INTERVAL_SECS")); err == nil && n > 0 {
		cfg.CleanupIntervalSecs = n
	}

	if cfg.HeartbeatTimeoutSecs <= 0 {
		cfg.HeartbeatTimeoutSecs = defaultServerConfig().HeartbeatTimeoutSecs
	}
	if cfg.CleanupIntervalSecs <= 0 {
		cfg.CleanupIntervalSecs = defaultServerConfig().CleanupIntervalSecs
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
