package key

import (
	"crypto/x509"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueLeaf(t *testing.T) {
	caKey, err := NewECKey()
	require.NoError(t, err)
	ca, err := GenerateCA("baotun test CA", caKey)
	require.NoError(t, err)
	require.True(t, ca.X509().IsCA)

	leafKey, err := NewECKey()
	require.NoError(t, err)
	for _, host := range []string{"example.com", "10.0.0.7"} {
		leaf, err := CertificateForKey(host, leafKey, ca, caKey)
		require.NoError(t, err)
		require.False(t, leaf.Expired(time.Now()))

		roots := x509.NewCertPool()
		roots.AddCert(ca.X509())
		_, err = leaf.X509().Verify(x509.VerifyOptions{DNSName: host, Roots: roots})
		require.NoError(t, err, host)
	}
}

func TestPEMRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, gen := range []func() (*PrivateKey, error){NewECKey, func() (*PrivateKey, error) { return NewRSAKey(1024) }} {
		pk, err := gen()
		require.NoError(t, err)
		ca, err := GenerateCA("ca", pk)
		require.NoError(t, err)

		certPath := filepath.Join(dir, "root.crt")
		keyPath := filepath.Join(dir, "root.key")
		require.NoError(t, WriteFiles(ca, pk, certPath, keyPath))

		loadedCert, err := LoadCertificateFromFile(certPath)
		require.NoError(t, err)
		require.Equal(t, ca.DER(), loadedCert.DER())

		loadedKey, err := LoadPKFromFile(keyPath)
		require.NoError(t, err)
		der, err := loadedKey.DER()
		require.NoError(t, err)
		back, err := PrivateKeyFromDER(der)
		require.NoError(t, err)
		require.Equal(t, pk.PEMEncoded(), back.PEMEncoded())
	}
}

func TestParseErrors(t *testing.T) {
	_, err := ParsePK([]byte("not pem"))
	require.Error(t, err)
	_, err = ParseCertificate([]byte("not pem"))
	require.Error(t, err)
	_, err = LoadPKFromFile(filepath.Join(t.TempDir(), "missing.key"))
	require.Error(t, err)
}
