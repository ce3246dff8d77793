// Package redis keeps the tunnel certificate in Redis so several tunnel
// instances can share one key pair.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
)

const DefaultKeyPrefix = "xtls-tunnel:tls"

// CredentialStore reads the PEM pair from "<prefix>:cert" and "<prefix>:key".
type CredentialStore struct {
	client goredis.Cmdable
	prefix string
}

// Dial connects to Redis and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

func NewCredentialStore(client goredis.Cmdable, prefix string) *CredentialStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &CredentialStore{client: client, prefix: prefix}
}

func (s *CredentialStore) CertKey() string { return s.prefix + ":cert" }
func (s *CredentialStore) KeyKey() string  { return s.prefix + ":key" }

func (s *CredentialStore) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	vals, err := s.client.MGet(ctx, s.CertKey(), s.KeyKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	certPEM, keyPEM, err := pemPair(vals)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse x509 key pair: %w", err)
	}
	return &cert, nil
}

func (s *CredentialStore) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return fmt.Errorf("refusing to store invalid key pair: %w", err)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.CertKey(), certPEM, 0)
		pipe.Set(ctx, s.KeyKey(), keyPEM, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func pemPair(vals []interface{}) ([]byte, []byte, error) {
	if len(vals) != 2 {
		return nil, nil, errors.New("redis mget: unexpected reply length")
	}
	out := make([][]byte, 2)
	for i, v := range vals {
		switch v := v.(type) {
		case nil:
			return nil, nil, core.ErrCertificateNotFound
		case string:
			out[i] = []byte(v)
		case []byte:
			out[i] = v
		default:
			return nil, nil, fmt.Errorf("redis mget: unexpected value type %T", v)
		}
	}
	return out[0], out[1], nil
}
