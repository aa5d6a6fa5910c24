package cmd

import (
	"path/filepath"
	"testing"

	"baotun/internal/config"
	"baotun/pkg/key"

	"github.com/stretchr/testify/require"
)

func TestApplyFlags(t *testing.T) {
	require.NoError(t, runCmd.ParseFlags([]string{"--tun", "utun9", "--mark", "7", "--no-mitm"}))
	t.Cleanup(func() { noMITM = false })

	cfg := config.Default()
	applyFlags(runCmd, cfg)
	require.Equal(t, "utun9", cfg.Tun.Name)
	require.Equal(t, 7, cfg.Proxy.Mark)
	require.False(t, cfg.MITM.Enabled)
	// untouched flags keep the file values
	require.Equal(t, "10.1.10.1", cfg.Tun.Address)
	require.Equal(t, "root.crt", cfg.MITM.CertPath)
}

func TestGenerateCA(t *testing.T) {
	dir := t.TempDir()
	crt, pk := filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
	rootCmd.SetArgs([]string{"ca", "-c", crt, "-k", pk, "--name", "test root"})
	require.NoError(t, rootCmd.Execute())

	ca, err := key.LoadCertificateFromFile(crt)
	require.NoError(t, err)
	require.True(t, ca.X509().IsCA)
	require.Equal(t, "test root", ca.X509().Subject.CommonName)
	_, err = key.LoadPKFromFile(pk)
	require.NoError(t, err)
}
