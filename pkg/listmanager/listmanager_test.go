package listmanager

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
	"github.com/hepix-sync/atrope/pkg/cache"
	"github.com/hepix-sync/atrope/pkg/config"
	"github.com/hepix-sync/atrope/pkg/dispatcher"
	"github.com/hepix-sync/atrope/pkg/image"
	"github.com/hepix-sync/atrope/pkg/listsource"
	"github.com/hepix-sync/atrope/pkg/trust"
)

// recordingSink mirrors pkg/dispatcher's test fake; kept local since
// pkg/dispatcher's is unexported.
type recordingSink struct {
	dispatched []*image.Record
}

func (s *recordingSink) Dispatch(_ context.Context, _ string, img *image.Record, _ bool, _ map[string]string) error {
	s.dispatched = append(s.dispatched, img)
	return nil
}

func (s *recordingSink) Sync(context.Context, *listsource.ListSource) error { return nil }

// newSignerCA generates a self-signed signing certificate; its issuer DN
// equals its subject DN, so the test document declares the same DN for both
// hv:dn and hv:ca.
func newSignerCA(t *testing.T, dir, name string) (*x509.Certificate, *ecdsa.PrivateKey) {
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

// Test_Sync_EndToEndHappyPath exercises the happy path: a single list whose
// endorser matches, whose signature verifies, and whose one image's bytes
// hash correctly. The image should land in the cache and reach the
// dispatcher exactly once.
func Test_Sync_EndToEndHappyPath(t *testing.T) {
	trustDir := t.TempDir()
	cert, key := newSignerCA(t, trustDir, "endorser")

	store, err := trust.NewStore(trustDir)
	require.NoError(t, err)
	verifier := trust.NewVerifier(store)

	imageBytes := []byte("vm image bytes")
	sum := sha512.Sum512(imageBytes)
	hexSum := hex.EncodeToString(sum[:])

	imageServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(imageBytes)
	}))
	defer imageServer.Close()

	docJSON := []byte(`{
		"hv:imagelist": {
			"dc:date:created": "2024-01-01T00:00:00Z",
			"dc:date:expires": "2099-01-01T00:00:00Z",
			"hv:endorser": {"hv:x509": {
				"dc:creator": "EGI Foundation",
				"hv:ca": "/C=EU/O=GridCA/CN=endorser",
				"hv:dn": "/C=EU/O=GridCA/CN=endorser",
				"hv:email": "ops@egi.eu"
			}},
			"dc:identifier": "list-uuid-1",
			"dc:description": "desc",
			"dc:title": "title",
			"dc:source": "https://example/list",
			"hv:version": "1",
			"hv:uri": "https://example/list",
			"hv:images": [{
				"hv:image": {
					"ad:group": "vo.example.org",
					"ad:mpuri": "https://marketplace.example/img-1",
					"ad:user:fullname": "Jane Doe",
					"ad:user:guid": "abc-123",
					"ad:user:uri": "https://example.org/users/jane",
					"dc:description": "a test image",
					"dc:identifier": "img-1",
					"dc:title": "img-1",
					"hv:hypervisor": "KVM",
					"hv:format": "qcow2",
					"hv:size": "1024",
					"hv:uri": "` + imageServer.URL + `",
					"hv:version": "1",
					"sl:arch": "x86_64",
					"sl:checksum:sha512": "` + hexSum + `",
					"sl:comments": "",
					"sl:os": "linux",
					"sl:osname": "CentOS",
					"sl:osversion": "7"
				}
			}]
		}
	}`)

	sd, err := pkcs7.NewSignedData(docJSON)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))
	signed, err := sd.Finish()
	require.NoError(t, err)

	listServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(signed)
	}))
	defer listServer.Close()

	cacheFS := memfs.New()
	cacheMgr := cache.NewManager(cacheFS, http.DefaultClient)
	sink := &recordingSink{}
	dispatcherMgr := dispatcher.NewManager("", sink)

	cfg := &config.Config{CacheDir: "", CacheFS: cacheFS}
	mgr := New(cfg, verifier, http.DefaultClient, cacheMgr, dispatcherMgr)

	require.NoError(t, mgr.Add(&listsource.ListSource{
		Name:             "list-1",
		URL:              listServer.URL,
		Enabled:          true,
		ExpectedEndorser: listsource.ExpectedEndorser{DN: "/C=EU/O=GridCA/CN=endorser", CA: "/C=EU/O=GridCA/CN=endorser"},
	}, false))

	require.NoError(t, mgr.Sync(context.Background()))

	l := mgr.Get("list-1")
	assert.True(t, l.Verified)
	assert.True(t, l.Trusted)
	assert.False(t, l.Expired)
	assert.Nil(t, l.Error)

	_, err = cacheFS.Stat("list-1/images/img-1")
	require.NoError(t, err)

	require.Len(t, sink.dispatched, 1)
	assert.Equal(t, "img-1", sink.dispatched[0].Identifier)
}

func Test_Add_DuplicateWithoutForceFails(t *testing.T) {
	cacheFS := memfs.New()
	mgr := New(&config.Config{CacheFS: cacheFS}, nil, nil, cache.NewManager(cacheFS, nil), dispatcher.NewManager(""))

	l := &listsource.ListSource{Name: "list-1"}
	require.NoError(t, mgr.Add(l, false))

	err := mgr.Add(&listsource.ListSource{Name: "list-1"}, false)
	require.Error(t, err)
	var dup *atropeerrors.DuplicatedImageList
	require.ErrorAs(t, err, &dup)

	require.NoError(t, mgr.Add(&listsource.ListSource{Name: "list-1"}, true))
}

func Test_FetchList_UnknownListFails(t *testing.T) {
	cacheFS := memfs.New()
	mgr := New(&config.Config{CacheFS: cacheFS}, nil, nil, cache.NewManager(cacheFS, nil), dispatcher.NewManager(""))

	err := mgr.FetchList(context.Background(), "no-such-list")
	require.Error(t, err)
	var notFetched *atropeerrors.ImageListNotFetched
	require.ErrorAs(t, err, &notFetched)
}
