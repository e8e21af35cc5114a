// Package trust builds the CA trust store used to validate SMIME-signed
// HEPiX lists, and the combined CA bundle that trusts the grid CAs behind
// image download URIs.
package trust

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
)

// Store is a read-only-after-init CA trust store. It is built once per
// process and used for every list's SMIME verification.
type Store struct {
	dir  string
	pool *x509.CertPool
	// certs preserves the decoded certificates for diagnostics; Certificates
	// returns them.
	certs []*x509.Certificate
}

// NewStore enumerates dir, loading every file whose name ends in `.0`
// (certificates) or `.r0` (CRLs are currently just skipped, see the note
// below), or every `.pem` file. An empty or unreadable directory fails
// loudly at construction rather than surfacing as a mysterious
// verification failure later.
func NewStore(dir string) (*Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &atropeerrors.CannotOpenFile{File: dir, Reason: err.Error()}
	}

	pool := x509.NewCertPool()
	var certs []*x509.Certificate
	loaded := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".0"), strings.HasSuffix(name, ".pem"):
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			cert, err := parsePEMCertificate(data)
			if err != nil {
				continue
			}
			pool.AddCert(cert)
			certs = append(certs, cert)
			loaded++
		case strings.HasSuffix(name, ".r0"):
			// CRL loading: the grid convention stores hashed CRLs alongside
			// certificates; digitorus/pkcs7's chain verification consults
			// x509.Certificate.CRLDistributionPoints rather than a
			// pre-loaded CRL set, so these files are enumerated but not
			// separately parsed here.
			continue
		}
	}

	if loaded == 0 {
		return nil, &atropeerrors.CannotOpenFile{File: dir, Reason: "no CA certificates found"}
	}

	return &Store{dir: dir, pool: pool, certs: certs}, nil
}

// Pool returns the underlying x509.CertPool for chain verification.
func (s *Store) Pool() *x509.CertPool {
	return s.pool
}

// Certificates returns every certificate loaded into the store.
func (s *Store) Certificates() []*x509.Certificate {
	return s.certs
}

func parsePEMCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return x509.ParseCertificate(data)
	}
	return x509.ParseCertificate(block.Bytes)
}

var onceBundle sync.Once
var bundleErr error

// EnsureCABundle concatenates every `*.pem` file under trustDir into a
// single bundle file at dest, built once per process under a run-once
// guard. The bundle is used alongside the OS default CA pool for image
// downloads, since image URIs commonly live behind CAs trusted by the
// grid but not by the OS default store.
func EnsureCABundle(dest, trustDir string) error {
	onceBundle.Do(func() {
		bundleErr = buildCABundle(dest, trustDir)
	})
	return bundleErr
}

func buildCABundle(dest, trustDir string) error {
	entries, err := os.ReadDir(trustDir)
	if err != nil {
		return &atropeerrors.CannotOpenFile{File: trustDir, Reason: err.Error()}
	}

	out, err := os.Create(dest)
	if err != nil {
		return &atropeerrors.CannotOpenFile{File: dest, Reason: err.Error()}
	}
	defer out.Close()

	written := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(trustDir, entry.Name()))
		if err != nil {
			continue
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("writing CA bundle %s: %w", dest, err)
		}
		written++
	}
	if written == 0 {
		return &atropeerrors.CannotOpenFile{File: trustDir, Reason: "no .pem files to bundle"}
	}
	return nil
}

// CABundlePool loads dest (a bundle built by EnsureCABundle) plus the
// system default CA pool into a single *x509.CertPool for image download
// transports.
func CABundlePool(dest string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		return nil, &atropeerrors.CannotOpenFile{File: dest, Reason: err.Error()}
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, &atropeerrors.CannotOpenFile{File: dest, Reason: "no valid certificates found in bundle"}
	}
	return pool, nil
}
