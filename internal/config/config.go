package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr       = "0.0.0.0:4242"
	defaultMaxConnections   = 32
	defaultDialInterval     = 1 * time.Second
	defaultAcceptInterval   = 1 * time.Second
	defaultSendInterval     = 1 * time.Second
	defaultReceiveInterval  = 1 * time.Second
	defaultComputeInterval  = 30 * time.Second
	defaultHandshakeTimeout = 20 * time.Second
	defaultAcceptRate       = 20
	defaultMaxConnsPerIP    = 8
	defaultRecvBytesPerSec  = 1 << 20
)

// Config is the node's runtime configuration.
type Config struct {
	Home             string
	ListenAddr       string
	AdvertiseAddrs   []string
	MaxConnections   int
	DialInterval     time.Duration
	AcceptInterval   time.Duration
	SendInterval     time.Duration
	ReceiveInterval  time.Duration
	ComputeInterval  time.Duration
	HandshakeTimeout time.Duration
	BootstrapAddrs   []string
	MetricsAddr      string
	// PprofAddr enables the profiling endpoint when set.
	PprofAddr       string
	Debug           bool
	AcceptRate      float64
	MaxConnsPerIP   int
	RecvBytesPerSec int
}

func DefaultHome() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".meshcdn")
}

func (c Config) StatusPath() string   { return filepath.Join(c.Home, "status.json") }
func (c Config) TagStorePath() string { return filepath.Join(c.Home, "tags.db") }
func (c Config) NodeBookPath() string { return filepath.Join(c.Home, "nodes.jsonl") }

// LoadDotEnv reads .env from the working directory when present. Variables
// already set in the environment win.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// FromEnv builds a Config from MESH_* variables over the defaults.
func FromEnv() Config {
	c := Config{
		Home:             DefaultHome(),
		ListenAddr:       defaultListenAddr,
		MaxConnections:   defaultMaxConnections,
		DialInterval:     defaultDialInterval,
		AcceptInterval:   defaultAcceptInterval,
		SendInterval:     defaultSendInterval,
		ReceiveInterval:  defaultReceiveInterval,
		ComputeInterval:  defaultComputeInterval,
		HandshakeTimeout: defaultHandshakeTimeout,
		AcceptRate:       defaultAcceptRate,
		MaxConnsPerIP:    defaultMaxConnsPerIP,
		RecvBytesPerSec:  defaultRecvBytesPerSec,
	}
	if v, ok := envString("MESH_HOME"); ok {
		c.Home = v
	}
	if v, ok := envString("MESH_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	c.AdvertiseAddrs = envList("MESH_ADVERTISE_ADDRS")
	if v, ok := envInt("MESH_MAX_CONNECTIONS"); ok && v > 0 {
		c.MaxConnections = v
	}
	if v, ok := envInt("MESH_DIAL_INTERVAL_MS"); ok && v > 0 {
		c.DialInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("MESH_ACCEPT_INTERVAL_MS"); ok && v > 0 {
		c.AcceptInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("MESH_SEND_INTERVAL_MS"); ok && v > 0 {
		c.SendInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("MESH_RECEIVE_INTERVAL_MS"); ok && v > 0 {
		c.ReceiveInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := envInt("MESH_COMPUTE_INTERVAL_SEC"); ok && v > 0 {
		c.ComputeInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("MESH_HANDSHAKE_TIMEOUT_SEC"); ok && v > 0 {
		c.HandshakeTimeout = time.Duration(v) * time.Second
	}
	c.BootstrapAddrs = envList("MESH_BOOTSTRAP_ADDRS")
	if v, ok := envString("MESH_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := envString("MESH_PPROF_ADDR"); ok {
		c.PprofAddr = v
	}
	c.Debug = os.Getenv("MESH_DEBUG") == "1"
	if v, ok := envInt("MESH_ACCEPT_RATE"); ok && v >= 0 {
		c.AcceptRate = float64(v)
	}
	if v, ok := envInt("MESH_MAX_CONNS_PER_IP"); ok && v >= 0 {
		c.MaxConnsPerIP = v
	}
	if v, ok := envInt("MESH_RECV_BYTES_PER_SEC"); ok && v >= 0 {
		c.RecvBytesPerSec = v
	}
	return c
}

func envString(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return "", false
	}
	return raw, true
}

func envInt(key string) (int, bool) {
	raw, ok := envString(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envList splits a comma separated variable, dropping blanks.
func envList(key string) []string {
	raw, ok := envString(key)
	if !ok {
		return nil
	}
	return SplitList(raw)
}

func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
