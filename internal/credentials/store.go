// Package credentials stores cluster kubeconfigs and turns a stored
// reference back into a short-lived Kubernetes client.
package credentials

import (
	"context"
	"errors"
	"strings"
)

// ErrCredentialUnavailable is returned when a credential reference cannot
// be resolved or the stored material cannot be turned into a client.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Store persists opaque credential blobs. Put returns a reference that Get
// and Delete accept; callers must not interpret it.
type Store interface {
	Put(ctx context.Context, name string, blob []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) (bool, error)
}

// SecretName is the storage name used for a cluster's kubeconfig.
func SecretName(workspace, cluster string) string {
	name := "kubeconfig-" + workspace + "-" + cluster
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}
