package kubernetes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
)

// Service labels read by the resolver.
const (
	LabelEnabled         = "xtls-tunnel-enabled"
	LabelServerName      = "xtls-tunnel-server-name"
	LabelDefault         = "xtls-tunnel-default"
	LabelDestinationPort = "xtls-tunnel-destination-port"
)

const resyncPeriod = 10 * time.Minute

// Resolver maps the TLS server name of a session to a labelled Service.
type Resolver struct {
	store         cache.Store
	clusterDomain string
}

// NewResolver starts a Service informer (limited to namespace unless it is
// empty) and blocks until its cache is synced. The informer stops with ctx.
func NewResolver(ctx context.Context, clientset kubernetes.Interface, namespace string) (*Resolver, error) {
	var opts []informers.SharedInformerOption
	if namespace != "" {
		opts = append(opts, informers.WithNamespace(namespace))
	}
	factory := informers.NewSharedInformerFactoryWithOptions(clientset, resyncPeriod, opts...)
	serviceInformer := factory.Core().V1().Services().Informer()

	factory.Start(ctx.Done())
	for typ, synced := range factory.WaitForCacheSync(ctx.Done()) {
		if !synced {
			return nil, fmt.Errorf("informer cache for %v did not sync", typ)
		}
	}

	return &Resolver{
		store:         serviceInformer.GetStore(),
		clusterDomain: "cluster.local",
	}, nil
}

func (r *Resolver) Resolve(ctx context.Context, metadata core.RoutingMetadata) (string, error) {
	serverName := strings.ToLower(metadata[core.MetadataServerName])

	// Scan services for matching labels
	var fallback []*corev1.Service
	for _, obj := range r.store.List() {
		svc, ok := obj.(*corev1.Service)
		if !ok {
			continue
		}

		labels := svc.Labels
		if labels[LabelEnabled] != "true" {
			continue
		}

		if serverName != "" && strings.ToLower(labels[LabelServerName]) == serverName {
			if addr, ok := r.address(svc); ok {
				return addr, nil
			}
			continue
		}

		if labels[LabelDefault] == "true" {
			fallback = append(fallback, svc)
		}
	}

	// Several defaults: first by namespace/name so the choice is stable.
	sort.Slice(fallback, func(i, j int) bool {
		if fallback[i].Namespace != fallback[j].Namespace {
			return fallback[i].Namespace < fallback[j].Namespace
		}
		return fallback[i].Name < fallback[j].Name
	})
	for _, svc := range fallback {
		if addr, ok := r.address(svc); ok {
			return addr, nil
		}
	}

	return "", fmt.Errorf("service not found for server_name='%s'", serverName)
}

// address picks the port named or numbered by the destination-port label,
// otherwise the first port of the Service.
func (r *Resolver) address(svc *corev1.Service) (string, bool) {
	if len(svc.Spec.Ports) == 0 {
		return "", false
	}
	port := svc.Spec.Ports[0].Port
	if want, ok := svc.Labels[LabelDestinationPort]; ok {
		port = 0
		num, _ := strconv.Atoi(want)
		for _, p := range svc.Spec.Ports {
			if p.Name == want || int(p.Port) == num {
				port = p.Port
				break
			}
		}
	}
	if port == 0 {
		return "", false
	}
	return fmt.Sprintf("%s.%s.svc.%s:%d", svc.Name, svc.Namespace, r.clusterDomain, port), true
}
