// Package cache reconciles the on-disk image cache with the set of
// currently valid lists/images: creating missing directories, triggering
// downloads, and removing paths no longer referenced by any ready list.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"

	"github.com/go-git/go-billy/v5"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
	"github.com/hepix-sync/atrope/pkg/filesystem"
	"github.com/hepix-sync/atrope/pkg/image"
	"github.com/hepix-sync/atrope/pkg/listsource"
	"github.com/hepix-sync/atrope/pkg/logger"
)

// root is the sentinel path WalkDir/Manager use to mean "the cache root
// itself", matching billy's "." convention for a filesystem's own root.
const root = "."

// Manager reconciles a billy.Filesystem-rooted cache directory. It assumes
// it is the sole writer to that filesystem for the duration of a run; two
// processes must not share a cache root; no locking is done.
type Manager struct {
	fs     billy.Filesystem
	client *http.Client
}

// NewManager builds a Manager rooted at fs, downloading images with client
// (expected to trust the combined CA bundle the image endpoints need).
func NewManager(fs billy.Filesystem, client *http.Client) *Manager {
	return &Manager{fs: fs, client: client}
}

// Sync reconciles the whole cache root against every list in lists. Ready
// lists' subscribed images are downloaded; everything else under the cache
// root that isn't currently valid is removed.
func (m *Manager) Sync(ctx context.Context, lists []*listsource.ListSource) error {
	valid := map[string]bool{root: true}

	for _, l := range lists {
		m.downloadList(ctx, l, valid)
	}

	return m.reconcile(root, valid)
}

// SyncOne is Sync scoped to a single list's subdirectory: useful for
// re-running a list whose fetch previously failed without rewalking the
// whole cache.
func (m *Manager) SyncOne(ctx context.Context, l *listsource.ListSource) error {
	valid := map[string]bool{}
	m.downloadList(ctx, l, valid)
	return m.reconcile(l.Name, valid)
}

// downloadList adds l's currently-valid paths to valid and triggers
// downloads for its ready, subscribed images. Per-image failures
// (verification or transport) are logged and swallowed so one bad image
// never blocks its siblings.
func (m *Manager) downloadList(ctx context.Context, l *listsource.ListSource, valid map[string]bool) {
	if l.Enabled {
		valid[l.Name] = true
	}
	if !l.Ready() {
		return
	}

	imgDir := filepath.Join(l.Name, "images")
	valid[imgDir] = true
	if err := m.fs.MkdirAll(imgDir, 0o755); err != nil {
		logger.Log(slog.LevelError, "cannot create image directory", slog.String("list", l.Name), logger.Err(err))
		return
	}

	imgs, err := l.GetSubscribedImages()
	if err != nil {
		logger.Log(slog.LevelError, "cannot read subscribed images", slog.String("list", l.Name), logger.Err(err))
		return
	}

	for _, img := range imgs {
		if err := image.Download(ctx, img, m.fs, imgDir, m.client); err != nil {
			var alreadyDownloaded *atropeerrors.ImageAlreadyDownloaded
			if errors.As(err, &alreadyDownloaded) {
				// Harmless: an earlier subscription already downloaded this
				// identifier this run; its Location is already valid.
			} else {
				var verifyErr *atropeerrors.ImageVerificationFailed
				var downloadErr *atropeerrors.ImageDownloadFailed
				if errors.As(err, &verifyErr) || errors.As(err, &downloadErr) {
					logger.Log(slog.LevelWarn, "image download failed, leaving cache unchanged",
						slog.String("list", l.Name), slog.String("image", img.Identifier), logger.Err(err))
				} else {
					logger.Log(slog.LevelError, "unexpected error downloading image",
						slog.String("list", l.Name), slog.String("image", img.Identifier), logger.Err(err))
				}
				continue
			}
		}
		if img.Location != "" {
			valid[img.Location] = true
		}
	}
}

// reconcile walks base (the cache root, or a single list's subdirectory
// for SyncOne) and removes every path not present in valid. ENOENT during
// removal is not an error.
func (m *Manager) reconcile(base string, valid map[string]bool) error {
	var invalid []string
	err := filesystem.WalkDir(m.fs, base, func(_ billy.Filesystem, p string, _ bool) error {
		if valid[p] {
			return nil
		}
		invalid = append(invalid, p)
		return nil
	})
	if err != nil {
		return err
	}

	// Remove deepest paths first so a RemoveAll on a shallower invalid
	// directory doesn't need to race the (now redundant) removal of its
	// own children.
	sort.Slice(invalid, func(i, j int) bool { return len(invalid[i]) > len(invalid[j]) })

	for _, p := range invalid {
		logger.Log(slog.LevelInfo, "removing invalid cache path", slog.String("path", p))
		if err := filesystem.RemoveAll(m.fs, p); err != nil {
			return err
		}
	}
	return nil
}
