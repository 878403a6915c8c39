package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerbelle-io/tim8-gateway/internal/config"
	"github.com/tinkerbelle-io/tim8-gateway/internal/credentials"
	"github.com/tinkerbelle-io/tim8-gateway/internal/incident"
	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

func TestVersionCommand(t *testing.T) {
	rootCmd.Version = "1.2.3"
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "tim8-gateway 1.2.3\n", out.String())
}

func TestEnrollCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TIM8_DB_DRIVER", "sqlite")
	t.Setenv("TIM8_DB_DSN", filepath.Join(dir, "tim8.db"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"enroll", "--config", filepath.Join(dir, "none.yaml"), "--workspace", "acme", "--ttl", "10m"})
	require.NoError(t, rootCmd.Execute())

	var resp protocol.EnrollResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "acme", resp.Workspace)
	assert.NotEmpty(t, resp.Token)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), resp.ExpiresAt, time.Minute)
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	flagConfig = filepath.Join(t.TempDir(), "none.yaml")
	flagLogLevel = "debug"
	flagLogFormat = "json"
	t.Cleanup(func() { flagConfig, flagLogLevel, flagLogFormat = "", "", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	flagLogFormat = "xml"
	_, err = loadConfig()
	assert.Error(t, err)
}

func TestSummarizerSelection(t *testing.T) {
	cc := config.Default().Collaborators
	assert.IsType(t, incident.DigestSummarizer{}, summarizer(cc))

	cc.Summarizer = "http://summarizer:8000"
	assert.IsType(t, &incident.HTTPSummarizer{}, summarizer(cc))
}

func TestConnectNATSDisabled(t *testing.T) {
	nc, ns, err := connectNATS(config.Default().NATS)
	require.NoError(t, err)
	assert.Nil(t, nc)
	assert.Nil(t, ns)
}

func TestConnectNATSEmbedded(t *testing.T) {
	cfg := config.Default().NATS
	cfg.Embedded = true
	cfg.Listen = "127.0.0.1:-1"

	nc, ns, err := connectNATS(cfg)
	require.NoError(t, err)
	defer ns.Shutdown()
	defer nc.Close()
	assert.True(t, nc.IsConnected())
}

func TestOpenCredentialsOutsideCluster(t *testing.T) {
	t.Setenv("KUBERNETES_SERVICE_HOST", "")
	t.Setenv("KUBERNETES_SERVICE_PORT", "")

	creds, err := openCredentials(config.Default(), nil)
	require.NoError(t, err)
	assert.Nil(t, creds)

	cfg := config.Default()
	cfg.Credentials.Kubeconfig = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = openCredentials(cfg, nil)
	assert.Error(t, err)
}

func TestOpenCredentialsSealed(t *testing.T) {
	st, err := store.Open(context.Background(), store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer st.Close()

	cfg := config.Default()
	cfg.Credentials.SealKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	creds, err := openCredentials(cfg, st)
	require.NoError(t, err)
	assert.IsType(t, &credentials.SealedStore{}, creds)
}
