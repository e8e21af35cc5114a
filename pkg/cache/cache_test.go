package cache

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hepix-sync/atrope/pkg/image"
	"github.com/hepix-sync/atrope/pkg/imagelist"
	"github.com/hepix-sync/atrope/pkg/listsource"
)

func newReadyList(t *testing.T, name, uri, sha512hex string) *listsource.ListSource {
	t.Helper()
	img := &image.Record{Identifier: "img-1", URI: uri, SHA512: sha512hex, Format: "qcow2"}
	doc := &imagelist.Document{Images: []*image.Record{img}}
	return &listsource.ListSource{
		Name: name, Enabled: true, Verified: true, Trusted: true, Document: doc,
	}
}

func Test_Sync_HappyPath(t *testing.T) {
	content := []byte("vm image bytes")
	sum := sha512.Sum512(content)
	hexSum := hex.EncodeToString(sum[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	fs := memfs.New()
	mgr := NewManager(fs, server.Client())

	l := newReadyList(t, "list-1", server.URL, hexSum)

	require.NoError(t, mgr.Sync(context.Background(), []*listsource.ListSource{l}))

	exists, err := fs.Stat("list-1/images/img-1")
	require.NoError(t, err)
	assert.False(t, exists.IsDir())
	assert.True(t, l.Document.Images[0].Verified)
}

func Test_Sync_UnrelatedFileRemoved(t *testing.T) {
	content := []byte("vm image bytes")
	sum := sha512.Sum512(content)
	hexSum := hex.EncodeToString(sum[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	fs := memfs.New()
	mgr := NewManager(fs, server.Client())
	l := newReadyList(t, "list-1", server.URL, hexSum)

	require.NoError(t, fs.MkdirAll("list-1/images", 0o755))
	garbage, err := fs.Create("list-1/images/garbage.bin")
	require.NoError(t, err)
	require.NoError(t, garbage.Close())

	require.NoError(t, mgr.Sync(context.Background(), []*listsource.ListSource{l}))

	_, err = fs.Stat("list-1/images/garbage.bin")
	assert.Error(t, err)
	_, err = fs.Stat("list-1/images/img-1")
	assert.NoError(t, err)
}

func Test_Sync_DisabledListSubdirRemoved(t *testing.T) {
	fs := memfs.New()
	mgr := NewManager(fs, http.DefaultClient)

	require.NoError(t, fs.MkdirAll("list-1/images", 0o755))
	f, err := fs.Create("list-1/images/stale-img")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l := &listsource.ListSource{Name: "list-1", Enabled: false}
	require.NoError(t, mgr.Sync(context.Background(), []*listsource.ListSource{l}))

	_, err = fs.Stat("list-1")
	assert.Error(t, err)
}

func Test_Sync_CorruptedImageReDownloaded(t *testing.T) {
	content := []byte("vm image bytes")
	sum := sha512.Sum512(content)
	hexSum := hex.EncodeToString(sum[:])

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	fs := memfs.New()
	mgr := NewManager(fs, server.Client())

	l1 := newReadyList(t, "list-1", server.URL, hexSum)
	require.NoError(t, mgr.Sync(context.Background(), []*listsource.ListSource{l1}))

	f, err := fs.OpenFile("list-1/images/img-1", 0x2 /* write */, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("corrupted"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2 := newReadyList(t, "list-1", server.URL, hexSum)
	require.NoError(t, mgr.Sync(context.Background(), []*listsource.ListSource{l2}))

	assert.True(t, l2.Document.Images[0].Verified)
}
