package config

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var knownVars = []string{
	"DEBUG", "LOG_FORMAT", "RUNTIME", "NAMESPACE", "POD_NAMESPACE",
	"TUNNEL_LISTEN_PORT", "STATUS_SERVER_PORT", "SHUTDOWN_TIMEOUT",
	"HANDSHAKE_TIMEOUT", "IDLE_TIMEOUT", "RELAY_BUFFER_SIZE", "PROXY_PROTOCOL", "PROXY_HEADER_ON_CONNECT",
	"FORWARD_MODE", "BACKEND_DIAL_TIMEOUT", "DISCOVERY_MODE", "STATIC_BACKENDS",
	"KUBECONFIG", "KUBE_CONTEXT", "TLS_MODE", "TLS_MIN_VERSION", "TLS_ALPN",
	"TLS_CERT_FILE", "TLS_KEY_FILE", "TLS_SECRET_NAME", "TLS_CERT_PEM", "TLS_KEY_PEM",
	"TLS_REDIS_KEY_PREFIX", "TLS_RENEWAL_THRESHOLD_DAYS",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
}

// cleanEnv blanks every variable the loader reads, then applies vars.
func cleanEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, k := range knownVars {
		t.Setenv(k, "")
	}
	t.Setenv("RUNTIME", "vm")
	t.Setenv("NAMESPACE", "tunnel")
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t, map[string]string{
		"TLS_CERT_PEM": "cert",
		"TLS_KEY_PEM":  "key",
	})

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "4433", cfg.TunnelListenPort)
	assert.Equal(t, "8080", cfg.StatusServerPort)
	assert.Equal(t, ":4433", cfg.ListenAddr())
	assert.Equal(t, ":8080", cfg.StatusAddr())
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, time.Duration(0), cfg.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 4096, cfg.RelayBufferSize)
	assert.True(t, cfg.ProxyProtocol)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, ForwardEcho, cfg.ForwardMode)
	assert.Equal(t, TLSModeMemory, cfg.TLSMode)
	assert.Equal(t, RuntimeVM, cfg.Runtime)
	assert.Equal(t, "tunnel", cfg.Namespace)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinTLSVersion())
	assert.False(t, cfg.NeedsKubernetes())
}

func TestLoadOverrides(t *testing.T) {
	cleanEnv(t, map[string]string{
		"DEBUG":              "true",
		"LOG_FORMAT":         "json",
		"TUNNEL_LISTEN_PORT": "443",
		"STATUS_SERVER_PORT": "9090",
		"HANDSHAKE_TIMEOUT":  "3s",
		"IDLE_TIMEOUT":       "2m",
		"RELAY_BUFFER_SIZE":  "16384",
		"PROXY_PROTOCOL":     "false",
		"TLS_MIN_VERSION":    "1.3",
		"TLS_ALPN":           "h2,http/1.1",
		"TLS_CERT_FILE":      "/etc/tls/tls.crt",
		"TLS_KEY_FILE":       "/etc/tls/tls.key",
	})

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":443", cfg.ListenAddr())
	assert.Equal(t, 3*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 16384, cfg.RelayBufferSize)
	assert.False(t, cfg.ProxyProtocol)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinTLSVersion())
	assert.Equal(t, []string{"h2", "http/1.1"}, cfg.TLSALPN)
	assert.Equal(t, TLSModeFile, cfg.TLSMode)
}

func TestStaticBackendsSelectBackendMode(t *testing.T) {
	cleanEnv(t, map[string]string{
		"STATIC_BACKENDS": "*=127.0.0.1:9000",
		"TLS_CERT_PEM":    "cert",
		"TLS_KEY_PEM":     "key",
	})

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ForwardBackend, cfg.ForwardMode)
	assert.Equal(t, DiscoveryStatic, cfg.DiscoveryMode)
	assert.False(t, cfg.NeedsKubernetes())
	assert.False(t, cfg.ProxyHeaderOnConnect)
}

func TestProxyHeaderOnConnect(t *testing.T) {
	cleanEnv(t, map[string]string{
		"STATIC_BACKENDS":         "*=127.0.0.1:9000",
		"PROXY_HEADER_ON_CONNECT": "true",
		"TLS_CERT_PEM":            "cert",
		"TLS_KEY_PEM":             "key",
	})

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.ProxyHeaderOnConnect)
}

func TestKubernetesModes(t *testing.T) {
	cleanEnv(t, map[string]string{
		"FORWARD_MODE":    "backend",
		"TLS_SECRET_NAME": "xtls-tunnel-cert",
	})

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, TLSModeKubernetes, cfg.TLSMode)
	assert.Equal(t, DiscoveryKubernetes, cfg.DiscoveryMode)
	assert.True(t, cfg.NeedsKubernetes())
}

func TestRedisModeDetected(t *testing.T) {
	cleanEnv(t, map[string]string{"REDIS_ADDR": "127.0.0.1:6379"})

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, TLSModeRedis, cfg.TLSMode)
	assert.Equal(t, "xtls-tunnel:tls", cfg.TLSRedisKeyPrefix)
}

func TestValidationErrors(t *testing.T) {
	pem := map[string]string{"TLS_CERT_PEM": "cert", "TLS_KEY_PEM": "key"}
	with := func(kv ...string) map[string]string {
		out := map[string]string{}
		for k, v := range pem {
			out[k] = v
		}
		for i := 0; i+1 < len(kv); i += 2 {
			out[kv[i]] = kv[i+1]
		}
		return out
	}

	cases := map[string]map[string]string{
		"bad port":         with("TUNNEL_LISTEN_PORT", "70000"),
		"same ports":       with("TUNNEL_LISTEN_PORT", "8080"),
		"zero buffer":      with("RELAY_BUFFER_SIZE", "0"),
		"negative timeout": with("IDLE_TIMEOUT", "-1s"),
		"log format":       with("LOG_FORMAT", "xml"),
		"tls version":      with("TLS_MIN_VERSION", "1.0"),
		"memory no pem":    {"TLS_MODE": "memory"},
		"file without key": with("TLS_MODE", "file", "TLS_CERT_FILE", "/tmp/c"),
		"secret name":      with("TLS_MODE", "kubernetes"),
		"redis addr":       with("TLS_MODE", "redis"),
		"unknown tls mode": with("TLS_MODE", "vault"),
		"static empty":     with("FORWARD_MODE", "backend", "DISCOVERY_MODE", "static"),
		"container kube":   with("FORWARD_MODE", "backend", "RUNTIME", "docker"),
		"unparseable bool": with("PROXY_PROTOCOL", "maybe"),
		"early hdr echo":   with("PROXY_HEADER_ON_CONNECT", "true"),
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			cleanEnv(t, vars)
			_, err := LoadFromEnv()
			assert.Error(t, err)
		})
	}
}
