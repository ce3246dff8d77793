package kubernetes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/utils"
)

func service(ns, name string, labels map[string]string, ports ...corev1.ServicePort) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels},
		Spec:       corev1.ServiceSpec{Ports: ports},
	}
}

func port(name string, n int32) corev1.ServicePort {
	return corev1.ServicePort{Name: name, Port: n}
}

func newResolver(t *testing.T, namespace string, objs ...*corev1.Service) *Resolver {
	t.Helper()
	clientset := fake.NewSimpleClientset()
	for _, svc := range objs {
		_, err := clientset.CoreV1().Services(svc.Namespace).Create(context.Background(), svc, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r, err := NewResolver(ctx, clientset, namespace)
	require.NoError(t, err)
	return r
}

func resolve(r *Resolver, serverName string) (string, error) {
	return r.Resolve(context.Background(), core.RoutingMetadata{core.MetadataServerName: serverName})
}

func TestResolverMatchesServerName(t *testing.T) {
	r := newResolver(t, "",
		service("apps", "api", map[string]string{
			LabelEnabled:    "true",
			LabelServerName: "api.example.com",
		}, port("http", 8080)),
		service("apps", "web", map[string]string{
			LabelEnabled: "true",
			LabelDefault: "true",
		}, port("http", 80)),
	)

	addr, err := resolve(r, "API.example.com")
	require.NoError(t, err)
	assert.Equal(t, "api.apps.svc.cluster.local:8080", addr)

	addr, err = resolve(r, "unknown.example.com")
	require.NoError(t, err)
	assert.Equal(t, "web.apps.svc.cluster.local:80", addr)
}

func TestResolverSkipsDisabledServices(t *testing.T) {
	r := newResolver(t, "",
		service("apps", "api", map[string]string{
			LabelServerName: "api.example.com",
			LabelDefault:    "true",
		}, port("http", 8080)),
	)

	_, err := resolve(r, "api.example.com")
	assert.Error(t, err)
}

func TestResolverDestinationPortLabel(t *testing.T) {
	r := newResolver(t, "",
		service("apps", "named", map[string]string{
			LabelEnabled:         "true",
			LabelServerName:      "named.example.com",
			LabelDestinationPort: "tls",
		}, port("metrics", 9090), port("tls", 8443)),
		service("apps", "numbered", map[string]string{
			LabelEnabled:         "true",
			LabelServerName:      "numbered.example.com",
			LabelDestinationPort: "7000",
		}, port("a", 6000), port("b", 7000)),
		service("apps", "missing", map[string]string{
			LabelEnabled:         "true",
			LabelServerName:      "missing.example.com",
			LabelDestinationPort: "nope",
		}, port("a", 6000)),
	)

	addr, err := resolve(r, "named.example.com")
	require.NoError(t, err)
	assert.Equal(t, "named.apps.svc.cluster.local:8443", addr)

	addr, err = resolve(r, "numbered.example.com")
	require.NoError(t, err)
	assert.Equal(t, "numbered.apps.svc.cluster.local:7000", addr)

	_, err = resolve(r, "missing.example.com")
	assert.Error(t, err)
}

func TestResolverNamespaceScope(t *testing.T) {
	r := newResolver(t, "tunnel",
		service("other", "api", map[string]string{
			LabelEnabled:    "true",
			LabelServerName: "api.example.com",
		}, port("http", 8080)),
		service("tunnel", "fallback", map[string]string{
			LabelEnabled: "true",
			LabelDefault: "true",
		}, port("http", 8081)),
	)

	addr, err := resolve(r, "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "fallback.tunnel.svc.cluster.local:8081", addr)
}

func TestSecretStoreRoundTrip(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	store := NewSecretStore(clientset, "tunnel", "xtls-tunnel-cert")
	ctx := context.Background()

	_, err := store.GetCertificate(ctx)
	assert.ErrorIs(t, err, core.ErrCertificateNotFound)

	certPEM, keyPEM, err := utils.GenerateSelfSignedCert()
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, certPEM, keyPEM))

	secret, err := clientset.CoreV1().Secrets("tunnel").Get(ctx, "xtls-tunnel-cert", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.SecretTypeTLS, secret.Type)
	assert.Equal(t, certPEM, secret.Data[corev1.TLSCertKey])

	cert, err := store.GetCertificate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	// second Store updates the existing secret
	certPEM2, keyPEM2, err := utils.GenerateSelfSignedCert()
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, certPEM2, keyPEM2))

	secret, err = clientset.CoreV1().Secrets("tunnel").Get(ctx, "xtls-tunnel-cert", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, certPEM2, secret.Data[corev1.TLSCertKey])
}

func TestSecretStoreRejectsIncompleteSecret(t *testing.T) {
	clientset := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "partial", Namespace: "tunnel"},
		Data:       map[string][]byte{corev1.TLSCertKey: []byte("x")},
	})
	store := NewSecretStore(clientset, "tunnel", "partial")

	_, err := store.GetCertificate(context.Background())
	assert.ErrorIs(t, err, core.ErrCertificateNotFound)

	assert.Error(t, store.Store(context.Background(), []byte("bad"), []byte("bad")))
}
