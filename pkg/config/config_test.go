package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeglass/remotectl/pkg/proto"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "ws://localhost:8000/ws", cfg.ServerURL)
	assert.Equal(t, "default-auth-token", cfg.AuthToken)
	assert.Equal(t, 30*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.Policy.LockScreenEnabled)
	assert.True(t, cfg.Policy.ShutdownEnabled)
	assert.NotEmpty(t, cfg.ClientID, "client id falls back to the host identifier")
	require.NoError(t, cfg.Validate())
}

func TestLoadClientConfigJSON(t *testing.T) {
	p := writeFile(t, "client.json", `{
		"enabled": false,
		"server_url": " wss://ctl.example.com/ws ",
		"auth_token": "secret",
		"client_id": "lab-01",
		"reconnect_interval_secs": 5,
		"heartbeat_interval_secs": 10,
		"commands": {"lock_screen_enabled": true, "shutdown_enabled": false},
		"dns_servers": [" 10.0.0.53 ", ""]
	}`)
	cfg, err := LoadClientConfig(p)
	require.NoError(t, err)

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "wss://ctl.example.com/ws", cfg.ServerURL)
	assert.Equal(t, "secret", cfg.AuthToken)
	assert.Equal(t, "lab-01", cfg.ClientID)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, CommandPolicy{LockScreenEnabled: true, ShutdownEnabled: false}, cfg.Policy)
	assert.Equal(t, []string{"10.0.0.53"}, cfg.DNSServers)
}

func TestLoadClientConfigYAML(t *testing.T) {
	p := writeFile(t, "client.yaml", `
server_url: ws://10.1.1.1:8000/ws
client_id: lab-02
heartbeat_interval_secs: 15
commands:
  lock_screen_enabled: false
  shutdown_enabled: true
`)
	cfg, err := LoadClientConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "ws://10.1.1.1:8000/ws", cfg.ServerURL)
	assert.Equal(t, "lab-02", cfg.ClientID)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.ReconnectInterval)
	assert.False(t, cfg.Policy.LockScreenEnabled)
	assert.True(t, cfg.Policy.ShutdownEnabled)
}

func TestLoadClientConfigEnvOverrides(t *testing.T) {
	t.Setenv("REMOTECTL_SERVER_URL", "ws://env-host/ws")
	t.Setenv("REMOTECTL_CLIENT_ID", "env-id")
	t.Setenv("REMOTECTL_RECONNECT_SECS", "7")
	t.Setenv("REMOTECTL_HEARTBEAT_SECS", "bogus")
	t.Setenv("REMOTECTL_SHUTDOWN_ENABLED", "false")
	t.Setenv("REMOTECTL_DNS_SERVERS", "1.1.1.1, 8.8.8.8:53")

	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Equal(t, "ws://env-host/ws", cfg.ServerURL)
	assert.Equal(t, "env-id", cfg.ClientID)
	assert.Equal(t, 7*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.False(t, cfg.Policy.ShutdownEnabled)
	assert.Equal(t, []string{"1.1.1.1", "8.8.8.8:53"}, cfg.DNSServers)
}

func TestLoadClientConfigBadFile(t *testing.T) {
	_, err := LoadClientConfig(writeFile(t, "client.json", `{not json`))
	require.Error(t, err)

	_, err = LoadClientConfig(writeFile(t, "client.toml", `a = 1`))
	require.ErrorContains(t, err, "unsupported config extension")
}

func TestValidate(t *testing.T) {
	base := DefaultClientConfig()
	base.ClientID = "x"
	require.NoError(t, base.Validate())

	cases := map[string]func(c *ClientConfig){
		"empty url":     func(c *ClientConfig) { c.ServerURL = "" },
		"http scheme":   func(c *ClientConfig) { c.ServerURL = "http://host/ws" },
		"no host":       func(c *ClientConfig) { c.ServerURL = "ws:///ws" },
		"no client id":  func(c *ClientConfig) { c.ClientID = "" },
		"zero reconn":   func(c *ClientConfig) { c.ReconnectInterval = 0 },
		"neg heartbeat": func(c *ClientConfig) { c.HeartbeatInterval = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}

func TestPolicy(t *testing.T) {
	p := CommandPolicy{LockScreenEnabled: true}
	assert.True(t, p.Allows(proto.KindLockScreen))
	assert.False(t, p.Allows(proto.KindShutdown))
	assert.False(t, p.Allows(proto.CommandKind("Reboot")))

	assert.Equal(t, "shutdown command disabled", DisabledMessage(proto.KindShutdown))
	assert.Equal(t, "lock screen command disabled", DisabledMessage(proto.KindLockScreen))
}

func TestLoadServerConfig(t *testing.T) {
	p := writeFile(t, "server.yaml", `
addr: 127.0.0.1:9000
client_token: abc
heartbeat_timeout_secs: 45
tls:
  enable: true
  cert_file: c.pem
  key_file: k.pem
`)
	t.Setenv("REMOTECTL_DB_PATH", "/tmp/x.db")
	cfg, err := LoadServerConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "abc", cfg.ClientToken)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout())
	assert.Equal(t, 30*time.Second, cfg.CleanupInterval())
	assert.True(t, cfg.TLS.Enable)
	assert.Equal(t, "c.pem", cfg.TLS.CertFile)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
}

func TestHostIdentifier(t *testing.T) {
	assert.NotEmpty(t, HostIdentifier())
}

func TestDefaultClientConfigPathBesideExecutable(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(exe), "config", "client.json"), DefaultClientConfigPath())
}
