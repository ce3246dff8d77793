package factory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	k8s "k8s.io/client-go/kubernetes"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/config"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/discovery/memory"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/storage/filesystem"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/storage/redis"
)

// TLSFactory creates credential stores based on configuration
type TLSFactory struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  core.Clock
}

// NewTLSFactory creates a new TLS factory
func NewTLSFactory(cfg *config.Config, logger *slog.Logger, clock core.Clock) *TLSFactory {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &TLSFactory{cfg: cfg, logger: logger, clock: clock}
}

// Create creates a credential store based on configuration
func (f *TLSFactory) Create(ctx context.Context, clientset k8s.Interface) (core.CredentialStore, error) {
	switch f.cfg.TLSMode {
	case config.TLSModeFile:
		return f.createFileStore(), nil
	case config.TLSModeKubernetes:
		return f.createKubernetesStore(clientset)
	case config.TLSModeMemory:
		return f.createMemoryStore(ctx)
	case config.TLSModeRedis:
		return f.createRedisStore(ctx)
	default:
		return nil, fmt.Errorf("unknown TLS mode: %s", f.cfg.TLSMode)
	}
}

func (f *TLSFactory) createFileStore() core.CredentialStore {
	f.logger.Info("Creating File-based Credential Store",
		"cert", f.cfg.TLSCertFile,
		"key", f.cfg.TLSKeyFile)
	return filesystem.NewFileCredentialStore(f.cfg.TLSCertFile, f.cfg.TLSKeyFile)
}

func (f *TLSFactory) createKubernetesStore(clientset k8s.Interface) (core.CredentialStore, error) {
	if clientset == nil {
		return nil, fmt.Errorf("kubernetes TLS mode requires kubernetes client (provide KUBECONFIG or run in-cluster)")
	}

	f.logger.Info("Creating Kubernetes Credential Store",
		"namespace", f.cfg.Namespace,
		"secret", f.cfg.TLSSecretName)

	return kubernetes.NewSecretStore(clientset, f.cfg.Namespace, f.cfg.TLSSecretName), nil
}

// createMemoryStore seeds the store with the PEM pair from the environment.
func (f *TLSFactory) createMemoryStore(ctx context.Context) (core.CredentialStore, error) {
	f.logger.Info("Creating Memory Credential Store")
	store := memory.NewMemoryCredentialStore()
	if f.cfg.TLSCertPEM != "" || f.cfg.TLSKeyPEM != "" {
		if err := store.Store(ctx, []byte(f.cfg.TLSCertPEM), []byte(f.cfg.TLSKeyPEM)); err != nil {
			return nil, fmt.Errorf("failed to load TLS_CERT_PEM/TLS_KEY_PEM: %w", err)
		}
	}
	return store, nil
}

func (f *TLSFactory) createRedisStore(ctx context.Context) (core.CredentialStore, error) {
	f.logger.Info("Creating Redis Credential Store",
		"addr", f.cfg.RedisAddr,
		"db", f.cfg.RedisDB,
		"prefix", f.cfg.TLSRedisKeyPrefix)
	client, err := redis.Dial(ctx, f.cfg.RedisAddr, f.cfg.RedisPassword, f.cfg.RedisDB)
	if err != nil {
		return nil, err
	}
	return redis.NewCredentialStore(client, f.cfg.TLSRedisKeyPrefix), nil
}

// LoadCertificate fetches the certificate the tunnel serves for its whole
// lifetime. Expiry only produces a warning; the tunnel never rotates or
// generates certificates itself.
func (f *TLSFactory) LoadCertificate(ctx context.Context, store core.CredentialStore) (*tls.Certificate, error) {
	cert, err := store.GetCertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	expiring, notAfter, err := ValidateCertificateExpiry(cert, f.cfg.TLSRenewalThresholdDays, f.clock.Now())
	if err != nil {
		return nil, err
	}
	if expiring {
		f.logger.Warn("Certificate is expiring soon", "not_after", notAfter, "threshold_days", f.cfg.TLSRenewalThresholdDays)
	}

	f.logger.Info("Certificate loaded and validated successfully", "not_after", notAfter)
	return cert, nil
}

// ValidateCertificateExpiry checks if certificate is expiring soon, or
// already expired, relative to now.
func ValidateCertificateExpiry(cert *tls.Certificate, thresholdDays int, now time.Time) (bool, time.Time, error) {
	if cert == nil || len(cert.Certificate) == 0 {
		return false, time.Time{}, fmt.Errorf("%w: empty certificate chain", core.ErrCertificateNotFound)
	}

	leaf := cert.Leaf
	if leaf == nil {
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return false, time.Time{}, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}

	threshold := now.AddDate(0, 0, thresholdDays)
	isExpiring := leaf.NotAfter.Before(threshold)

	return isExpiring, leaf.NotAfter, nil
}
