package factory

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/config"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/discovery/memory"
)

// ResolverFactory creates backend resolvers based on configuration
type ResolverFactory struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewResolverFactory creates a new resolver factory
func NewResolverFactory(cfg *config.Config, logger *slog.Logger) *ResolverFactory {
	return &ResolverFactory{cfg: cfg, logger: logger}
}

// Create creates a backend resolver based on configuration. Echo mode needs
// none and gets nil.
func (f *ResolverFactory) Create(ctx context.Context, clientset k8s.Interface) (core.BackendResolver, error) {
	if f.cfg.ForwardMode != config.ForwardBackend {
		return nil, nil
	}
	switch f.cfg.DiscoveryMode {
	case config.DiscoveryStatic:
		return f.createStaticResolver()
	case config.DiscoveryKubernetes:
		return f.createKubernetesResolver(ctx, clientset)
	default:
		return nil, fmt.Errorf("unknown discovery mode: %s", f.cfg.DiscoveryMode)
	}
}

func (f *ResolverFactory) createStaticResolver() (core.BackendResolver, error) {
	f.logger.Info("Creating Static Backend Resolver", "backends", f.cfg.StaticBackends)

	resolver, err := memory.NewResolver(f.cfg.StaticBackends)
	if err != nil {
		return nil, fmt.Errorf("failed to create static resolver: %w", err)
	}

	return resolver, nil
}

func (f *ResolverFactory) createKubernetesResolver(ctx context.Context, clientset k8s.Interface) (core.BackendResolver, error) {
	if clientset == nil {
		return nil, fmt.Errorf("kubernetes discovery requires kubernetes client")
	}
	namespace := ""
	if f.cfg.Runtime == config.RuntimeKubernetes {
		namespace = f.cfg.Namespace
	}
	f.logger.Info("Creating Kubernetes Backend Resolver", "namespace", namespace)

	resolver, err := kubernetes.NewResolver(ctx, clientset, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes resolver: %w", err)
	}
	f.logger.Info("Kubernetes resolver created successfully")
	return resolver, nil
}

// NewKubernetesClient builds a clientset from KUBECONFIG/KUBE_CONTEXT, falling
// back to in-cluster configuration.
func NewKubernetesClient(cfg *config.Config, logger *slog.Logger) (k8s.Interface, error) {
	logger.Info("Creating Kubernetes client",
		"runtime", cfg.Runtime,
		"kubeconfig", cfg.KubeConfigPath,
		"context", cfg.KubeContext)

	kubeconfig := cfg.KubeConfigPath

	// For non-Kubernetes runtime, kubeconfig is required
	if cfg.Runtime != config.RuntimeKubernetes && kubeconfig == "" {
		if home := os.Getenv("HOME"); home != "" {
			kubeconfig = home + "/.kube/config"
		}
	}

	configOverrides := &clientcmd.ConfigOverrides{}
	if cfg.KubeContext != "" {
		configOverrides.CurrentContext = cfg.KubeContext
		logger.Info("Using specific Kubernetes context", "context", cfg.KubeContext)
	}

	var restConfig *rest.Config
	var err error

	// Try kubeconfig first (for VM/Container runtime or explicit config)
	if kubeconfig != "" {
		restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
			configOverrides,
		).ClientConfig()

		if err != nil {
			logger.Warn("Failed to load kubeconfig, will try in-cluster config", "error", err)
		}
	}

	// Fallback to in-cluster config (for Kubernetes runtime)
	if restConfig == nil {
		logger.Info("Attempting in-cluster Kubernetes configuration")
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config (tried kubeconfig and in-cluster): %w", err)
		}
	}

	clientset, err := k8s.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}
