// Package image holds the per-image Record type: the 19 HEPiX image
// fields, the idempotent streaming downloader with SHA-512 verification,
// and the OVA-aware disk accessor used by dispatchers.
package image

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
	"github.com/hepix-sync/atrope/pkg/filesystem"
	"github.com/hepix-sync/atrope/pkg/ovf"
)

// blockSize bounds every read/write during streaming and re-hashing.
const blockSize = 1 << 20

// requiredFields lists the 19 `ad:*`, `dc:*`, `hv:*`, `sl:*` keys a
// `hv:image` block must carry. Order documents the wire format; it has no
// semantic meaning.
var requiredFields = []string{
	"ad:group",
	"ad:mpuri",
	"ad:user:fullname",
	"ad:user:guid",
	"ad:user:uri",
	"dc:description",
	"dc:identifier",
	"dc:title",
	"hv:hypervisor",
	"hv:format",
	"hv:size",
	"hv:uri",
	"hv:version",
	"sl:arch",
	"sl:checksum:sha512",
	"sl:comments",
	"sl:os",
	"sl:osname",
	"sl:osversion",
}

// Record is a single subscribed image belonging to an ImageListDocument.
// It is mutable: Location and Verified are lifecycle attributes set only
// once Download succeeds.
type Record struct {
	Identifier string
	URI        string
	SHA512     string
	Format     string
	Arch       string
	OSName     string
	OSVersion  string
	Description string
	MPURI      string
	Title      string

	Hypervisor   string
	Size         string
	Version      string
	Group        string
	UserFullName string
	UserGUID     string
	UserURI      string
	OS           string
	Comments     string

	// ApplianceAttributes preserves the hv:image metadata mapping verbatim.
	ApplianceAttributes map[string]any

	// Location is the path (relative to the filesystem passed to Download)
	// the image was downloaded to, empty until a download succeeds.
	Location string
	// Verified is true only once Location's contents were checksum-matched.
	Verified bool
}

// fieldSetters maps each wire key to the Record field it populates.
var fieldSetters = map[string]func(*Record, string){
	"ad:group":           func(r *Record, v string) { r.Group = v },
	"ad:mpuri":           func(r *Record, v string) { r.MPURI = v },
	"ad:user:fullname":   func(r *Record, v string) { r.UserFullName = v },
	"ad:user:guid":       func(r *Record, v string) { r.UserGUID = v },
	"ad:user:uri":        func(r *Record, v string) { r.UserURI = v },
	"dc:description":     func(r *Record, v string) { r.Description = v },
	"dc:identifier":      func(r *Record, v string) { r.Identifier = v },
	"dc:title":           func(r *Record, v string) { r.Title = v },
	"hv:hypervisor":      func(r *Record, v string) { r.Hypervisor = v },
	"hv:format":          func(r *Record, v string) { r.Format = v },
	"hv:size":            func(r *Record, v string) { r.Size = v },
	"hv:uri":             func(r *Record, v string) { r.URI = v },
	"hv:version":         func(r *Record, v string) { r.Version = v },
	"sl:arch":            func(r *Record, v string) { r.Arch = v },
	"sl:checksum:sha512": func(r *Record, v string) { r.SHA512 = strings.ToLower(v) },
	"sl:comments":        func(r *Record, v string) { r.Comments = v },
	"sl:os":              func(r *Record, v string) { r.OS = v },
	"sl:osname":          func(r *Record, v string) { r.OSName = v },
	"sl:osversion":       func(r *Record, v string) { r.OSVersion = v },
}

// New parses a single `hv:image` metadata mapping into a Record. Missing
// any of the 19 required fields fails with InvalidImageList.
func New(meta map[string]any) (*Record, error) {
	raw, ok := meta["hv:image"].(map[string]any)
	if !ok {
		return nil, &atropeerrors.InvalidImageList{Reason: "image definition missing hv:image block"}
	}

	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return nil, &atropeerrors.InvalidImageList{Reason: "invalid image definition: missing " + field}
		}
	}

	r := &Record{ApplianceAttributes: raw}
	for field, set := range fieldSetters {
		set(r, toString(raw[field]))
	}
	return r, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Download fetches the image into basedir/<identifier> on fs, verifying it
// against SHA512. It is idempotent across process runs (a matching file
// already on disk is revalidated, not re-fetched) but fails with
// ImageAlreadyDownloaded if called twice on the same Record within one run.
func Download(ctx context.Context, r *Record, fs billy.Filesystem, basedir string, client *http.Client) error {
	if r.Location != "" {
		return &atropeerrors.ImageAlreadyDownloaded{Location: r.Location}
	}

	target := filepath.Join(basedir, r.Identifier)

	exists, err := filesystem.PathExists(fs, target)
	if err != nil {
		return err
	}
	if exists {
		if ok, _ := checksumMatches(r, fs, target); ok {
			r.Location = target
			r.Verified = true
			return nil
		}
		// Mismatch: fall through and re-download, overwriting the stale file.
	}

	if err := streamDownload(ctx, r, fs, target, client); err != nil {
		return err
	}

	ok, obtained := checksumMatches(r, fs, target)
	if !ok {
		_ = filesystem.RemoveAll(fs, target)
		return &atropeerrors.ImageVerificationFailed{ID: r.Identifier, Expected: r.SHA512, Obtained: obtained}
	}

	r.Location = target
	r.Verified = true
	return nil
}

func streamDownload(ctx context.Context, r *Record, fs billy.Filesystem, target string, client *http.Client) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URI, nil)
	if err != nil {
		return &atropeerrors.ImageDownloadFailed{Code: 0, Reason: err.Error()}
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &atropeerrors.ImageDownloadFailed{Code: 0, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &atropeerrors.ImageDownloadFailed{Code: resp.StatusCode, Reason: resp.Status}
	}

	dst, err := filesystem.CreateFileAndDirs(fs, target)
	if err != nil {
		return &atropeerrors.ImageDownloadFailed{Code: 0, Reason: err.Error()}
	}
	defer dst.Close()

	buf := make([]byte, blockSize)
	for {
		if err := ctx.Err(); err != nil {
			_ = filesystem.RemoveAll(fs, target)
			return err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				_ = filesystem.RemoveAll(fs, target)
				return &atropeerrors.ImageDownloadFailed{Code: 0, Reason: writeErr.Error()}
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			_ = filesystem.RemoveAll(fs, target)
			return &atropeerrors.ImageDownloadFailed{Code: 0, Reason: readErr.Error()}
		}
	}
}

// checksumMatches re-hashes path from disk in blockSize chunks and compares
// it against r.SHA512, returning the obtained hex digest either way.
func checksumMatches(r *Record, fs billy.Filesystem, path string) (bool, string) {
	f, err := fs.Open(path)
	if err != nil {
		return false, ""
	}
	defer f.Close()

	h := sha512.New()
	buf := make([]byte, blockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, ""
		}
	}
	obtained := hex.EncodeToString(h.Sum(nil))
	return strings.EqualFold(obtained, r.SHA512), obtained
}

// GetDisk returns the disk format string and an open stream over the
// image's actual disk contents: for "ova" images this means reaching into
// the OVA tar container, parsing its .ovf descriptor, and extracting the
// referenced disk file. For any other format it is simply the
// downloaded file.
func GetDisk(r *Record, fs billy.Filesystem) (string, io.ReadCloser, error) {
	if r.Location == "" {
		return "", nil, &atropeerrors.ImageNotFoundOnDisk{Location: r.Identifier}
	}

	if !strings.EqualFold(r.Format, "ova") {
		f, err := fs.Open(r.Location)
		if err != nil {
			return "", nil, &atropeerrors.ImageNotFoundOnDisk{Location: r.Location}
		}
		return r.Format, f, nil
	}

	data, err := readAll(fs, r.Location)
	if err != nil {
		return "", nil, &atropeerrors.ImageNotFoundOnDisk{Location: r.Location}
	}

	_, ovfContents, err := ovf.GetOVF(data)
	if err != nil {
		return "", nil, err
	}

	diskFormat, diskFile, err := ovf.GetDiskName(ovfContents)
	if err != nil {
		return "", nil, err
	}

	diskBytes, err := ovf.ExtractFile(data, diskFile)
	if err != nil {
		return "", nil, err
	}

	return diskFormat, io.NopCloser(bytes.NewReader(diskBytes)), nil
}

func readAll(fs billy.Filesystem, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
