package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"
	_ "modernc.org/sqlite"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: edge
  cluster:
    server: https://127.0.0.1:6443
    insecure-skip-tls-verify: true
users:
- name: poller
  user:
    token: abc123
contexts:
- name: edge
  context:
    cluster: edge
    user: poller
current-context: edge
`

func TestSecretName(t *testing.T) {
	assert.Equal(t, "kubeconfig-acme-edge-01", SecretName("acme", "edge_01"))
	assert.Equal(t, "kubeconfig-acme-prod", SecretName("ACME", "Prod"))
}

func TestKubeSecretStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset()
	s := NewKubeSecretStore(client, "tim8")

	ref, err := s.Put(ctx, "kubeconfig-acme-edge", []byte("v1"))
	require.NoError(t, err)
	assert.Equal(t, "tim8/kubeconfig-acme-edge", ref)

	secret, err := client.CoreV1().Secrets("tim8").Get(ctx, "kubeconfig-acme-edge", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tim8", secret.Labels["managed-by"])
	assert.Equal(t, "kubeconfig", secret.Labels["type"])

	// second put replaces
	_, err = s.Put(ctx, "kubeconfig-acme-edge", []byte("v2"))
	require.NoError(t, err)
	blob, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)

	refs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ref}, refs)

	deleted, err := s.Delete(ctx, ref)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, ref)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Get(ctx, ref)
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestKubeSecretStoreMalformedRef(t *testing.T) {
	s := NewKubeSecretStore(fake.NewSimpleClientset(), "tim8")
	_, err := s.Get(context.Background(), "no-namespace")
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestKubeSecretStoreDeleteError(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("delete", "secrets", func(ktesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "secrets"}, "x", errors.New("rbac"))
	})
	s := NewKubeSecretStore(client, "tim8")
	_, err := s.Delete(context.Background(), "tim8/x")
	assert.Error(t, err)
}

func newSealedDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE sealed_credentials (
		name TEXT PRIMARY KEY,
		sealed TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	require.NoError(t, err)
	return db
}

func testKey(b byte) *[32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return &k
}

func TestSealedStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newSealedDB(t)
	s := NewSealedStore(db, testKey(7))

	ref, err := s.Put(ctx, "kubeconfig-acme-edge", []byte(testKubeconfig))
	require.NoError(t, err)
	assert.Equal(t, "sealed/kubeconfig-acme-edge", ref)

	var stored string
	require.NoError(t, db.Get(&stored, `SELECT sealed FROM sealed_credentials WHERE name = ?`, "kubeconfig-acme-edge"))
	assert.NotContains(t, stored, "abc123")

	blob, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, testKubeconfig, string(blob))

	_, err = s.Put(ctx, "kubeconfig-acme-edge", []byte("replaced"))
	require.NoError(t, err)
	blob, err = s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(blob))

	ok, err := s.Delete(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Delete(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSealedStoreWrongKey(t *testing.T) {
	ctx := context.Background()
	db := newSealedDB(t)
	ref, err := NewSealedStore(db, testKey(1)).Put(ctx, "c", []byte("secret"))
	require.NoError(t, err)

	_, err = NewSealedStore(db, testKey(2)).Get(ctx, ref)
	assert.ErrorIs(t, err, ErrCredentialUnavailable)
}

func TestParseSealKey(t *testing.T) {
	raw := make([]byte, 32)
	raw[0] = 9
	key, err := ParseSealKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, byte(9), key[0])

	_, err = ParseSealKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
	_, err = ParseSealKey("%%%")
	assert.Error(t, err)
}

type mapStore map[string][]byte

func (m mapStore) Put(_ context.Context, name string, blob []byte) (string, error) {
	m[name] = blob
	return name, nil
}

func (m mapStore) Get(_ context.Context, ref string) ([]byte, error) {
	blob, ok := m[ref]
	if !ok {
		return nil, errors.New("missing")
	}
	return append([]byte(nil), blob...), nil
}

func (m mapStore) Delete(_ context.Context, ref string) (bool, error) {
	_, ok := m[ref]
	delete(m, ref)
	return ok, nil
}

func TestKubeconfigSourceResolve(t *testing.T) {
	store := mapStore{"edge": []byte(testKubeconfig), "junk": []byte("apiVersion: v1\nkind: Config\n")}
	src := NewKubeconfigSource(store)

	client, err := src.Resolve(context.Background(), "edge")
	require.NoError(t, err)
	assert.NotNil(t, client)

	_, err = src.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCredentialUnavailable)

	_, err = src.Resolve(context.Background(), "junk")
	assert.ErrorIs(t, err, ErrCredentialUnavailable)

	_, err = src.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrCredentialUnavailable)

	assert.Equal(t, testKubeconfig, string(store["edge"]), "stored blob untouched by zeroing the fetched copy")
}
