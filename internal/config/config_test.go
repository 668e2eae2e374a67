package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  address: \"0.0.0.0:9443\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9443", cfg.Listen.Address)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, Default().Queues.DefaultTimeout, cfg.Queues.DefaultTimeout)
}

func TestLoadTrustRootFromFixture(t *testing.T) {
	root, err := LoadTrustRoot("../../certs/trust-root.json")
	require.NoError(t, err)
	require.Equal(t, uint32(1), root.KeyID)
	require.Len(t, root.PublicKey, 32)
	require.Len(t, root.PrivateKey, 64)
}

func TestLoadZKParamsFromFixture(t *testing.T) {
	params, err := LoadZKParams("../../certs/zk-params.json")
	require.NoError(t, err)
	require.NotEmpty(t, params.Raw)
}

func TestLoadTrustRootRejectsBadKeySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust-root.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"keyId":1,"publicKey":"AA==","privateKey":"AA=="}`), 0o600))

	_, err := LoadTrustRoot(path)
	require.Error(t, err)
}
