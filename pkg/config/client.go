package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"timeglass/remotectl/pkg/proto"
)

// CommandPolicy is the static allow-list of command kinds this device accepts.
type CommandPolicy struct {
	LockScreenEnabled bool `json:"lock_screen_enabled" yaml:"lock_screen_enabled"`
	ShutdownEnabled   bool `json:"shutdown_enabled" yaml:"shutdown_enabled"`
}

// Allows reports whether kind may execute. Unknown kinds are never allowed.
func (p CommandPolicy) Allows(kind proto.CommandKind) bool {
	switch kind {
	case proto.KindLockScreen:
		return p.LockScreenEnabled
	case proto.KindShutdown:
		return p.ShutdownEnabled
	default:
		return false
	}
}

// DisabledMessage is the result text reported for a command rejected by the policy.
func DisabledMessage(kind proto.CommandKind) string {
	switch kind {
	case proto.KindLockScreen:
		return "lock screen command disabled"
	case proto.KindShutdown:
		return "shutdown command disabled"
	default:
		return fmt.Sprintf("%s command disabled", kind)
	}
}

// ClientConfig is fixed for the lifetime of one client instance. Pass it by value.
type ClientConfig struct {
	Enabled           bool
	ServerURL         string
	AuthToken         string
	ClientID          string
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	Policy            CommandPolicy
	// DNSServers, when set, are used instead of the system resolver to find the server host.
	DNSServers []string
}

// clientFile is the on-disk shape of ClientConfig (intervals in seconds).
type clientFile struct {
	Enabled               *bool          `json:"enabled" yaml:"enabled"`
	ServerURL             string         `json:"server_url" yaml:"server_url"`
	AuthToken             string         `json:"auth_token" yaml:"auth_token"`
	ClientID              string         `json:"client_id" yaml:"client_id"`
	ReconnectIntervalSecs uint64         `json:"reconnect_interval_secs" yaml:"reconnect_interval_secs"`
	HeartbeatIntervalSecs uint64         `json:"heartbeat_interval_secs" yaml:"heartbeat_interval_secs"`
	Commands              *CommandPolicy `json:"commands" yaml:"commands"`
	DNSServers            []string       `json:"dns_servers" yaml:"dns_servers"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Enabled:           true,
		ServerURL:         "ws://localhost:8000/ws",
		AuthToken:         "default-auth-token",
		ClientID:          "",
		ReconnectInterval: 30 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Policy: CommandPolicy{
			LockScreenEnabled: true,
			ShutdownEnabled:   true,
		},
	}
}

// DefaultClientConfigPath is config/client.json beside the executable, so a
// service started from another working directory still finds it.
func DefaultClientConfigPath() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("config", "client.json")
	}
	return filepath.Join(filepath.Dir(exe), "config", "client.json")
}

// LoadClientConfig reads path (default config/client.json, JSON or YAML by
// extension), applies REMOTECTL_* env overrides and fills the client id from
// the host identifier when none is configured. A missing file is not an error.
func LoadClientConfig(path string) (ClientConfig, error) {
	if path == "" {
		path = DefaultClientConfigPath()
	}
	cfg := DefaultClientConfig()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f clientFile
		if err := decodeFile(path, b, &f); err != nil {
			return cfg, err
		}
		f.apply(&cfg)
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	applyClientEnv(&cfg)

	// normalize
	cfg.ServerURL = strings.TrimSpace(cfg.ServerURL)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.DNSServers = splitCSV(strings.Join(cfg.DNSServers, ","))
	if cfg.ClientID == "" {
		cfg.ClientID = HostIdentifier()
	}
	return cfg, nil
}

func (f clientFile) apply(cfg *ClientConfig) {
	if f.Enabled != nil {
		cfg.Enabled = *f.Enabled
	}
	if f.ServerURL != "" {
		cfg.ServerURL = f.ServerURL
	}
	if f.AuthToken != "" {
		cfg.AuthToken = f.AuthToken
	}
	if f.ClientID != "" {
		cfg.ClientID = f.ClientID
	}
	if f.ReconnectIntervalSecs > 0 {
		cfg.ReconnectInterval = time.Duration(f.ReconnectIntervalSecs) * time.Second
	}
	if f.HeartbeatIntervalSecs > 0 {
		cfg.HeartbeatInterval = time.Duration(f.HeartbeatIntervalSecs) * time.Second
	}
	if f.Commands != nil {
		cfg.Policy = *f.Commands
	}
	if len(f.DNSServers) > 0 {
		cfg.DNSServers = f.DNSServers
	}
}

func applyClientEnv(cfg *ClientConfig) {
	if v := os.Getenv("REMOTECTL_ENABLED"); v != "" {
		cfg.Enabled = parseBool(v)
	}
	if v := os.Getenv("REMOTECTL_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("REMOTECTL_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("REMOTECTL_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if d, ok := envSeconds("REMOTECTL_RECONNECT_SECS"); ok {
		cfg.ReconnectInterval = d
	}
	if d, ok := envSeconds("REMOTECTL_HEARTBEAT_SECS"); ok {
		cfg.HeartbeatInterval = d
	}
	if v := os.Getenv("REMOTECTL_LOCK_SCREEN_ENABLED"); v != "" {
		cfg.Policy.LockScreenEnabled = parseBool(v)
	}
	if v := os.Getenv("REMOTECTL_SHUTDOWN_ENABLED"); v != "" {
		cfg.Policy.ShutdownEnabled = parseBool(v)
	}
	if v := os.Getenv("REMOTECTL_DNS_SERVERS"); v != "" {
		if out := splitCSV(v); len(out) > 0 {
			cfg.DNSServers = out
		}
	}
}

// Validate checks the fields the connection engine depends on.
func (c ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("missing server_url")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server_url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server_url has no host")
	}
	if c.ClientID == "" {
		return errors.New("missing client_id")
	}
	if c.ReconnectInterval <= 0 {
		return errors.New("reconnect interval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	return nil
}

// decodeFile unmarshals b as JSON or YAML depending on the extension of path.
func decodeFile(path string, b []byte, v any) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		if err := json.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	return nil
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}

func envSeconds(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
