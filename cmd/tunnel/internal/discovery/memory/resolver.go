package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
)

// DefaultKey matches any server name without an explicit mapping.
const DefaultKey = "*"

type Resolver struct {
	backends map[string]string
	mu       sync.RWMutex
}

// NewResolver creates a new memory resolver from a comma-separated string
// Format: "server_name=host:port,...,*=host:port"
// Example: "api.example.com=10.0.0.10:8080,*=10.0.0.20:8080"
// A single bare "host:port" is shorthand for "*=host:port".
func NewResolver(mappingStr string) (*Resolver, error) {
	backends := make(map[string]string)
	if mappingStr == "" {
		return &Resolver{backends: backends}, nil
	}

	pairs := strings.Split(mappingStr, ",")
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, "=") {
			if _, dup := backends[DefaultKey]; dup {
				return nil, fmt.Errorf("duplicate default backend: %s", pair)
			}
			backends[DefaultKey] = pair
			continue
		}
		parts := strings.Split(pair, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid mapping format: %s", pair)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		addr := strings.TrimSpace(parts[1])
		if key == "" || addr == "" {
			return nil, fmt.Errorf("invalid mapping format: %s", pair)
		}
		backends[key] = addr
	}

	return &Resolver{backends: backends}, nil
}

// Set adds or replaces the backend for a server name.
func (r *Resolver) Set(serverName, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[strings.ToLower(serverName)] = addr
}

func (r *Resolver) Resolve(ctx context.Context, metadata core.RoutingMetadata) (string, error) {
	serverName := strings.ToLower(metadata[core.MetadataServerName])

	r.mu.RLock()
	defer r.mu.RUnlock()

	if serverName != "" {
		if addr, ok := r.backends[serverName]; ok {
			return addr, nil
		}
	}
	if addr, ok := r.backends[DefaultKey]; ok {
		return addr, nil
	}
	return "", fmt.Errorf("backend not found for server name: %q", serverName)
}
