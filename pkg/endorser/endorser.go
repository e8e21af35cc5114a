// Package endorser holds the Endorser and Signer value types: the
// natural/legal identity that vouches for a HEPiX image list, and the X.509
// identity that actually signed its SMIME envelope.
package endorser

import (
	"strings"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
)

// Endorser is the structured representation of the endorser DN/CA/email/name
// parsed from an image list's `hv:x509` metadata block. It is
// constructed only from verified list metadata and is immutable once built.
type Endorser struct {
	Name  string
	DN    string
	CA    string
	Email string
}

// x509Fields lists the mandatory keys of the hv:x509 endorser block.
var x509Fields = []string{"dc:creator", "hv:ca", "hv:dn", "hv:email"}

// New builds an Endorser from the `hv:x509` sub-object of a list's endorser
// metadata. Every field is mandatory; a missing one fails with
// InvalidImageList.
func New(x509 map[string]any) (*Endorser, error) {
	for _, field := range x509Fields {
		if _, ok := x509[field]; !ok {
			return nil, &atropeerrors.InvalidImageList{Reason: "endorser missing required field " + field}
		}
	}

	name, _ := x509["dc:creator"].(string)
	ca, _ := x509["hv:ca"].(string)
	dn, _ := x509["hv:dn"].(string)
	email, _ := x509["hv:email"].(string)

	return &Endorser{
		Name:  name,
		DN:    dn,
		CA:    ca,
		Email: email,
	}, nil
}

// Signer is the X.509 identity actually used to sign the SMIME envelope
// (subject, issuer), normalized to the same `/`-separated DN representation
// the endorser block uses, so the two are directly comparable.
type Signer struct {
	DN string
	CA string
}

// NewSigner builds a Signer from an X.509 certificate's subject and issuer
// name components, joining them in the conventional `/C=.../O=.../CN=...`
// order the grid PKI DN convention uses.
func NewSigner(subjectParts, issuerParts []string) Signer {
	return Signer{
		DN: joinDN(subjectParts),
		CA: joinDN(issuerParts),
	}
}

func joinDN(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return "/" + strings.Join(parts, "/")
}
