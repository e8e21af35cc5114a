package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestCA generates a self-signed CA certificate and writes it to dir as
// <name>.pem, returning the certificate and its private key for use by test
// SMIME signing fixtures.
func newTestCA(t *testing.T, dir, name string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Country: []string{"EU"}, Organization: []string{"GridCA"}, CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".pem"), pemBytes, 0o644))

	return cert, priv
}

func Test_NewStore(t *testing.T) {
	t.Run("loads pem certificates", func(t *testing.T) {
		dir := t.TempDir()
		newTestCA(t, dir, "ca1")
		newTestCA(t, dir, "ca2")

		store, err := NewStore(dir)
		require.NoError(t, err)
		require.Len(t, store.Certificates(), 2)
	})

	t.Run("empty directory fails", func(t *testing.T) {
		dir := t.TempDir()
		_, err := NewStore(dir)
		require.Error(t, err)
	})

	t.Run("missing directory fails", func(t *testing.T) {
		_, err := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
		require.Error(t, err)
	})
}

func Test_EnsureCABundleAndPool(t *testing.T) {
	dir := t.TempDir()
	newTestCA(t, dir, "ca1")

	dest := filepath.Join(t.TempDir(), "bundle.pem")
	require.NoError(t, EnsureCABundle(dest, dir))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	pool, err := CABundlePool(dest)
	require.NoError(t, err)
	require.NotNil(t, pool)
}
