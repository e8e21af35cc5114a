package trust

import (
	"bytes"
	"crypto/x509/pkix"
	"fmt"

	"github.com/digitorus/pkcs7"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
	"github.com/hepix-sync/atrope/pkg/endorser"
)

// Verifier validates PKCS#7/SMIME-signed HEPiX list documents against a
// Store. Every failure is reported as *atropeerrors.SMIMEValidationError.
type Verifier struct {
	store *Store
}

// NewVerifier builds a Verifier backed by store.
func NewVerifier(store *Store) *Verifier {
	return &Verifier{store: store}
}

// Verify validates raw, the bytes fetched over HTTP for a list source, as
// a PKCS#7 signed-data message against the trust store. On success it
// returns the signer's (subject, issuer) as an endorser.Signer and the
// verified payload.
func (v *Verifier) Verify(raw []byte) (endorser.Signer, []byte, error) {
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return endorser.Signer{}, nil, &atropeerrors.SMIMEValidationError{Reason: "no data found: " + err.Error()}
	}

	if len(p7.Certificates) == 0 {
		return endorser.Signer{}, nil, &atropeerrors.SMIMEValidationError{Reason: "no certificates found"}
	}

	if err := p7.VerifyWithChain(v.store.Pool()); err != nil {
		return endorser.Signer{}, nil, &atropeerrors.SMIMEValidationError{Reason: "chain verification failed: " + err.Error()}
	}

	// p7.Content is the payload the verified signature covers. Re-read the
	// enclosed data from raw and require it to match byte for byte.
	payload := p7.Content
	reread, err := pkcs7.Parse(raw)
	if err != nil || !bytes.Equal(reread.Content, payload) {
		return endorser.Signer{}, nil, &atropeerrors.SMIMEValidationError{Reason: "verified payload does not match enclosed data"}
	}

	signerCert := p7.Certificates[0]
	signer := endorser.NewSigner(dnComponents(signerCert.Subject), dnComponents(signerCert.Issuer))

	return signer, payload, nil
}

// dnComponents renders an X.509 pkix.Name as the ordered list of
// "KEY=VALUE" components the grid DN convention expects (country,
// organization, organizational unit, common name), for endorser.NewSigner
// to join into a "/"-separated DN string.
func dnComponents(name pkix.Name) []string {
	var parts []string
	for _, c := range name.Country {
		parts = append(parts, fmt.Sprintf("C=%s", c))
	}
	for _, o := range name.Organization {
		parts = append(parts, fmt.Sprintf("O=%s", o))
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, fmt.Sprintf("OU=%s", ou))
	}
	if name.CommonName != "" {
		parts = append(parts, fmt.Sprintf("CN=%s", name.CommonName))
	}
	return parts
}
