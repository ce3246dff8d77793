package filesystem

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
)

// FileCredentialStore loads the certificate from a PEM certificate/key pair on disk.
type FileCredentialStore struct {
	CertFile string
	KeyFile  string
}

func NewFileCredentialStore(certFile, keyFile string) *FileCredentialStore {
	return &FileCredentialStore{
		CertFile: certFile,
		KeyFile:  keyFile,
	}
}

func (p *FileCredentialStore) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s, %s", core.ErrCertificateNotFound, p.CertFile, p.KeyFile)
		}
		return nil, fmt.Errorf("failed to load key pair from %s, %s: %w", p.CertFile, p.KeyFile, err)
	}
	return &cert, nil
}

func (p *FileCredentialStore) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	for _, path := range []string{p.CertFile, p.KeyFile} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	if err := os.WriteFile(p.CertFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write cert file: %w", err)
	}
	if err := os.WriteFile(p.KeyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
