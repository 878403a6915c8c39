package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

const (
	// SecretDataKey is the data key holding the kubeconfig bytes.
	SecretDataKey = "kubeconfig"

	labelManagedBy = "managed-by"
	labelType      = "type"
	managedByValue = "tim8"
	typeKubeconfig = "kubeconfig"
)

// KubeSecretStore keeps kubeconfigs as Secrets in the gateway's own cluster.
// References have the form "<namespace>/<name>".
type KubeSecretStore struct {
	client    kubernetes.Interface
	namespace string
	log       *slog.Logger
}

// NewKubeSecretStore creates a store writing Secrets into namespace.
func NewKubeSecretStore(client kubernetes.Interface, namespace string) *KubeSecretStore {
	return &KubeSecretStore{
		client:    client,
		namespace: namespace,
		log:       slog.Default().With("component", "kube-secret-store"),
	}
}

// Put creates the Secret, replacing an existing one with the same name.
func (s *KubeSecretStore) Put(ctx context.Context, name string, blob []byte) (string, error) {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: s.namespace,
			Labels: map[string]string{
				labelManagedBy: managedByValue,
				labelType:      typeKubeconfig,
			},
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{SecretDataKey: blob},
	}

	secrets := s.client.CoreV1().Secrets(s.namespace)
	_, err := secrets.Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		s.log.Debug("secret exists, replacing", "name", name)
		existing, getErr := secrets.Get(ctx, name, metav1.GetOptions{})
		if getErr != nil {
			return "", fmt.Errorf("get existing secret %s: %w", name, getErr)
		}
		existing.Labels = secret.Labels
		existing.Data = secret.Data
		_, err = secrets.Update(ctx, existing, metav1.UpdateOptions{})
	}
	if err != nil {
		return "", fmt.Errorf("store secret %s: %w", name, err)
	}
	return s.namespace + "/" + name, nil
}

// Get returns the kubeconfig bytes behind ref.
func (s *KubeSecretStore) Get(ctx context.Context, ref string) ([]byte, error) {
	ns, name, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	secret, err := s.client.CoreV1().Secrets(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get secret %s: %w", ErrCredentialUnavailable, ref, err)
	}
	blob, ok := secret.Data[SecretDataKey]
	if !ok || len(blob) == 0 {
		return nil, fmt.Errorf("%w: secret %s has no %q key", ErrCredentialUnavailable, ref, SecretDataKey)
	}
	return blob, nil
}

// Delete removes the Secret. A missing Secret reports false without error.
func (s *KubeSecretStore) Delete(ctx context.Context, ref string) (bool, error) {
	ns, name, err := splitRef(ref)
	if err != nil {
		return false, err
	}
	err = s.client.CoreV1().Secrets(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete secret %s: %w", ref, err)
	}
	return true, nil
}

// List returns the references of every kubeconfig Secret this gateway manages.
func (s *KubeSecretStore) List(ctx context.Context) ([]string, error) {
	selector := labels.SelectorFromSet(labels.Set{
		labelManagedBy: managedByValue,
		labelType:      typeKubeconfig,
	})
	list, err := s.client.CoreV1().Secrets(s.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	refs := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		refs = append(refs, item.Namespace+"/"+item.Name)
	}
	return refs, nil
}

func splitRef(ref string) (string, string, error) {
	ns, name, ok := strings.Cut(ref, "/")
	if !ok || ns == "" || name == "" {
		return "", "", fmt.Errorf("%w: malformed reference %q", ErrCredentialUnavailable, ref)
	}
	return ns, name, nil
}
