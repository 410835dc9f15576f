package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"MESH_HOME", "MESH_LISTEN_ADDR", "MESH_MAX_CONNECTIONS", "MESH_COMPUTE_INTERVAL_SEC", "MESH_BOOTSTRAP_ADDRS", "MESH_DEBUG"} {
		t.Setenv(k, "")
	}
	c := FromEnv()
	if c.ListenAddr != defaultListenAddr {
		t.Fatalf("expected default listen addr, got %q", c.ListenAddr)
	}
	if c.MaxConnections != defaultMaxConnections || c.ComputeInterval != defaultComputeInterval {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.HandshakeTimeout != 20*time.Second {
		t.Fatalf("expected 20s handshake timeout, got %v", c.HandshakeTimeout)
	}
	if len(c.BootstrapAddrs) != 0 || c.Debug {
		t.Fatalf("unexpected bootstrap/debug: %+v", c)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MESH_HOME", home)
	t.Setenv("MESH_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("MESH_MAX_CONNECTIONS", "8")
	t.Setenv("MESH_DIAL_INTERVAL_MS", "250")
	t.Setenv("MESH_COMPUTE_INTERVAL_SEC", "5")
	t.Setenv("MESH_BOOTSTRAP_ADDRS", " quic://10.0.0.1:4242, ,quic://10.0.0.2:4242")
	t.Setenv("MESH_METRICS_ADDR", "127.0.0.1:9100")
	t.Setenv("MESH_ACCEPT_RATE", "0")
	t.Setenv("MESH_DEBUG", "1")

	c := FromEnv()
	if c.Home != home || c.ListenAddr != "127.0.0.1:9000" || c.MaxConnections != 8 {
		t.Fatalf("unexpected overrides: %+v", c)
	}
	if c.DialInterval != 250*time.Millisecond || c.ComputeInterval != 5*time.Second {
		t.Fatalf("unexpected intervals: %v %v", c.DialInterval, c.ComputeInterval)
	}
	if len(c.BootstrapAddrs) != 2 || c.BootstrapAddrs[1] != "quic://10.0.0.2:4242" {
		t.Fatalf("unexpected bootstrap list: %v", c.BootstrapAddrs)
	}
	if c.MetricsAddr != "127.0.0.1:9100" || c.AcceptRate != 0 || !c.Debug {
		t.Fatalf("unexpected misc: %+v", c)
	}
	if c.StatusPath() != filepath.Join(home, "status.json") {
		t.Fatalf("unexpected status path %q", c.StatusPath())
	}
}

func TestFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("MESH_MAX_CONNECTIONS", "lots")
	t.Setenv("MESH_SEND_INTERVAL_MS", "-3")
	c := FromEnv()
	if c.MaxConnections != defaultMaxConnections || c.SendInterval != defaultSendInterval {
		t.Fatalf("garbage should fall back to defaults: %+v", c)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MESH_TEST_DOTENV=from-file\n"), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Chdir(dir)
	os.Unsetenv("MESH_TEST_DOTENV")
	t.Cleanup(func() { os.Unsetenv("MESH_TEST_DOTENV") })
	if err := LoadDotEnv(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("MESH_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("expected value from .env, got %q", got)
	}
}
