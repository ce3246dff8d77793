package memory

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
)

// MemoryCredentialStore keeps the certificate in process memory. It is fed
// through Store, e.g. from PEM passed in the environment.
type MemoryCredentialStore struct {
	cert *tls.Certificate
	mu   sync.RWMutex
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (p *MemoryCredentialStore) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cert == nil {
		return nil, core.ErrCertificateNotFound
	}
	return p.cert, nil
}

func (p *MemoryCredentialStore) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cert = &cert
	return nil
}
