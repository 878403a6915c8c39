package credentials

import (
	"context"
	"fmt"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultClientTimeout bounds every request made by a resolved client.
const DefaultClientTimeout = 15 * time.Second

// KubeconfigSource resolves credential references to Kubernetes clients.
// The kubeconfig is parsed in memory and never touches disk.
type KubeconfigSource struct {
	store   Store
	timeout time.Duration
}

// NewKubeconfigSource creates a source reading blobs from store.
func NewKubeconfigSource(store Store) *KubeconfigSource {
	return &KubeconfigSource{store: store, timeout: DefaultClientTimeout}
}

// Resolve builds a client for ref. The caller should drop the client after
// the poll it was resolved for.
func (s *KubeconfigSource) Resolve(ctx context.Context, ref string) (kubernetes.Interface, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrCredentialUnavailable)
	}
	blob, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}
	defer clear(blob)

	cfg, err := clientcmd.RESTConfigFromKubeConfig(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: parse kubeconfig: %w", ErrCredentialUnavailable, err)
	}
	cfg.Timeout = s.timeout

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: build client: %w", ErrCredentialUnavailable, err)
	}
	return client, nil
}
