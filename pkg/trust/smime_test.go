package trust

import (
	"crypto/ecdsa"
	"crypto/x509"
	"testing"

	"github.com/digitorus/pkcs7"
	"github.com/stretchr/testify/require"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
)

// signPayload builds a PKCS#7/SMIME envelope over payload, signed by
// cert/key, the same shape a HEPiX endorser publishes.
func signPayload(t *testing.T, payload []byte, cert *x509.Certificate, key *ecdsa.PrivateKey) []byte {
	t.Helper()

	sd, err := pkcs7.NewSignedData(payload)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))

	signed, err := sd.Finish()
	require.NoError(t, err)
	return signed
}

func Test_Verify(t *testing.T) {
	dir := t.TempDir()
	cert, key := newTestCA(t, dir, "endorser")

	store, err := NewStore(dir)
	require.NoError(t, err)
	verifier := NewVerifier(store)

	payload := []byte(`{"hv:imagelist":{}}`)
	signed := signPayload(t, payload, cert, key)

	t.Run("valid signature verifies", func(t *testing.T) {
		signer, content, err := verifier.Verify(signed)
		require.NoError(t, err)
		require.Equal(t, payload, content)
		require.Contains(t, signer.DN, "CN=endorser")
	})

	t.Run("garbage input fails", func(t *testing.T) {
		_, _, err := verifier.Verify([]byte("not pkcs7"))
		require.Error(t, err)
		var smimeErr *atropeerrors.SMIMEValidationError
		require.ErrorAs(t, err, &smimeErr)
	})

	t.Run("untrusted signer fails chain verification", func(t *testing.T) {
		otherDir := t.TempDir()
		otherCert, otherKey := newTestCA(t, otherDir, "other")
		otherSigned := signPayload(t, payload, otherCert, otherKey)

		_, _, err := verifier.Verify(otherSigned)
		require.Error(t, err)
	})
}
