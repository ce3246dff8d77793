package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// RuntimeEnvironment represents the execution environment
type RuntimeEnvironment string

const (
	RuntimeKubernetes RuntimeEnvironment = "kubernetes"
	RuntimeContainer  RuntimeEnvironment = "container"
	RuntimeVM         RuntimeEnvironment = "vm"
)

// ForwardMode selects where decrypted bytes go
type ForwardMode string

const (
	ForwardEcho    ForwardMode = "echo"
	ForwardBackend ForwardMode = "backend"
)

// DiscoveryMode represents backend discovery strategy
type DiscoveryMode string

const (
	DiscoveryKubernetes DiscoveryMode = "kubernetes"
	DiscoveryStatic     DiscoveryMode = "static"
)

// TLSMode represents TLS certificate source
type TLSMode string

const (
	TLSModeFile       TLSMode = "file"
	TLSModeKubernetes TLSMode = "kubernetes"
	TLSModeMemory     TLSMode = "memory"
	TLSModeRedis      TLSMode = "redis"
)

// Config holds all application configuration
type Config struct {
	// Core
	Debug     bool   `env:"DEBUG" envDefault:"false"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Runtime
	Runtime   RuntimeEnvironment
	Namespace string // Only for Kubernetes runtime

	// Server
	TunnelListenPort string        `env:"TUNNEL_LISTEN_PORT" envDefault:"4433"`
	StatusServerPort string        `env:"STATUS_SERVER_PORT" envDefault:"8080"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Session
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT" envDefault:"0s"`
	RelayBufferSize  int           `env:"RELAY_BUFFER_SIZE" envDefault:"4096"`
	ProxyProtocol    bool          `env:"PROXY_PROTOCOL" envDefault:"true"`

	// Send the PROXY header as soon as the backend is dialed, for upstreams
	// that speak first. Backend mode only.
	ProxyHeaderOnConnect bool `env:"PROXY_HEADER_ON_CONNECT" envDefault:"false"`

	// Forwarding
	ForwardMode        ForwardMode
	BackendDialTimeout time.Duration `env:"BACKEND_DIAL_TIMEOUT" envDefault:"5s"`

	// Backend Discovery
	DiscoveryMode  DiscoveryMode
	StaticBackends string `env:"STATIC_BACKENDS"`
	KubeConfigPath string `env:"KUBECONFIG"`
	KubeContext    string `env:"KUBE_CONTEXT"`

	// TLS Configuration
	TLSMode                 TLSMode
	TLSMinVersion           string   `env:"TLS_MIN_VERSION" envDefault:"1.2"`
	TLSALPN                 []string `env:"TLS_ALPN" envSeparator:","`
	TLSCertFile             string   `env:"TLS_CERT_FILE"`
	TLSKeyFile              string   `env:"TLS_KEY_FILE"`
	TLSSecretName           string   `env:"TLS_SECRET_NAME"`
	TLSCertPEM              string   `env:"TLS_CERT_PEM"`
	TLSKeyPEM               string   `env:"TLS_KEY_PEM"`
	TLSRedisKeyPrefix       string   `env:"TLS_REDIS_KEY_PREFIX" envDefault:"xtls-tunnel:tls"`
	TLSRenewalThresholdDays int      `env:"TLS_RENEWAL_THRESHOLD_DAYS" envDefault:"30"`

	// Redis (TLS_MODE=redis)
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// Runtime - Auto-detect or explicit
	cfg.Runtime = determineRuntime()
	cfg.Namespace = determineNamespace()

	cfg.ForwardMode = determineForwardMode()
	cfg.DiscoveryMode = determineDiscoveryMode()
	cfg.TLSMode = determineTLSMode()

	// Validation
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ListenAddr is the TLS listener address.
func (c *Config) ListenAddr() string { return ":" + c.TunnelListenPort }

// StatusAddr is the status server address.
func (c *Config) StatusAddr() string { return ":" + c.StatusServerPort }

// MinTLSVersion maps TLS_MIN_VERSION to a crypto/tls constant.
func (c *Config) MinTLSVersion() uint16 {
	if c.TLSMinVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// NeedsKubernetes reports whether any component talks to the API server.
func (c *Config) NeedsKubernetes() bool {
	return c.TLSMode == TLSModeKubernetes ||
		(c.ForwardMode == ForwardBackend && c.DiscoveryMode == DiscoveryKubernetes)
}

// validate ensures configuration is coherent
func (c *Config) validate() error {
	for name, port := range map[string]string{
		"TUNNEL_LISTEN_PORT": c.TunnelListenPort,
		"STATUS_SERVER_PORT": c.StatusServerPort,
	} {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("invalid %s: %q", name, port)
		}
	}
	if c.TunnelListenPort == c.StatusServerPort {
		return fmt.Errorf("TUNNEL_LISTEN_PORT and STATUS_SERVER_PORT must differ")
	}

	if c.RelayBufferSize <= 0 {
		return fmt.Errorf("RELAY_BUFFER_SIZE must be positive, got %d", c.RelayBufferSize)
	}
	if c.HandshakeTimeout < 0 || c.IdleTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported LOG_FORMAT: %s (supported: text, json)", c.LogFormat)
	}

	switch c.TLSMinVersion {
	case "1.2", "1.3":
	default:
		return fmt.Errorf("unsupported TLS_MIN_VERSION: %s (supported: 1.2, 1.3)", c.TLSMinVersion)
	}

	switch c.TLSMode {
	case TLSModeFile:
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set when using file-based TLS")
		}
	case TLSModeKubernetes:
		if c.TLSSecretName == "" {
			return fmt.Errorf("TLS_SECRET_NAME must be set when using kubernetes TLS mode")
		}
	case TLSModeMemory:
		if c.TLSCertPEM == "" || c.TLSKeyPEM == "" {
			return fmt.Errorf("TLS_CERT_PEM and TLS_KEY_PEM must be set when using memory TLS mode")
		}
	case TLSModeRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR must be set when using redis TLS mode")
		}
	default:
		return fmt.Errorf("unknown TLS mode: %s", c.TLSMode)
	}

	if c.ForwardMode == ForwardBackend {
		if c.DiscoveryMode == DiscoveryStatic && c.StaticBackends == "" {
			return fmt.Errorf("static discovery requires STATIC_BACKENDS")
		}
	}
	if c.ProxyHeaderOnConnect && c.ForwardMode != ForwardBackend {
		return fmt.Errorf("PROXY_HEADER_ON_CONNECT requires FORWARD_MODE=backend")
	}

	// Validate discovery mode
	if c.NeedsKubernetes() && c.Runtime == RuntimeContainer && c.KubeConfigPath == "" {
		return fmt.Errorf("kubernetes access in container runtime requires KUBECONFIG path")
	}

	return nil
}

func determineRuntime() RuntimeEnvironment {
	// Explicit runtime setting
	if runtime := os.Getenv("RUNTIME"); runtime != "" {
		switch strings.ToLower(runtime) {
		case "kubernetes", "k8s":
			return RuntimeKubernetes
		case "container", "docker":
			return RuntimeContainer
		case "vm", "virtual-machine", "bare-metal":
			return RuntimeVM
		}
	}

	// Auto-detect: Check if running in Kubernetes
	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount"); err == nil {
		return RuntimeKubernetes
	}

	// Auto-detect: Check if running in container
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return RuntimeContainer
	}

	// Default to VM
	return RuntimeVM
}

func determineNamespace() string {
	// Explicit namespace
	if ns := os.Getenv("NAMESPACE"); ns != "" {
		return ns
	}

	// Kubernetes downward API
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}

	// Read from service account (in-cluster)
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return strings.TrimSpace(string(data))
	}

	return "default"
}

func determineForwardMode() ForwardMode {
	// Explicit mode
	if mode := os.Getenv("FORWARD_MODE"); mode != "" {
		switch strings.ToLower(mode) {
		case "backend", "proxy", "forward":
			return ForwardBackend
		}
		return ForwardEcho
	}

	// Auto-detect: forward if backends are configured
	if os.Getenv("STATIC_BACKENDS") != "" {
		return ForwardBackend
	}

	return ForwardEcho
}

func determineDiscoveryMode() DiscoveryMode {
	// Explicit mode
	if mode := os.Getenv("DISCOVERY_MODE"); mode != "" {
		if strings.ToLower(mode) == "static" {
			return DiscoveryStatic
		}
		return DiscoveryKubernetes
	}

	// Auto-detect: Static if STATIC_BACKENDS is set
	if os.Getenv("STATIC_BACKENDS") != "" {
		return DiscoveryStatic
	}

	return DiscoveryKubernetes
}

func determineTLSMode() TLSMode {
	// Explicit mode
	if mode := os.Getenv("TLS_MODE"); mode != "" {
		switch strings.ToLower(mode) {
		case "file", "filesystem":
			return TLSModeFile
		case "kubernetes", "k8s", "secret":
			return TLSModeKubernetes
		case "memory", "in-memory", "env":
			return TLSModeMemory
		case "redis":
			return TLSModeRedis
		}
		return TLSMode(strings.ToLower(mode))
	}

	// Auto-detect based on configuration
	if os.Getenv("TLS_CERT_FILE") != "" {
		return TLSModeFile
	}

	if os.Getenv("TLS_SECRET_NAME") != "" {
		return TLSModeKubernetes
	}

	if os.Getenv("REDIS_ADDR") != "" {
		return TLSModeRedis
	}

	return TLSModeMemory
}
