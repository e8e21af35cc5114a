// Package ovf parses OVA archives: tar containers wrapping an OVF XML
// descriptor plus one or more disk files.
package ovf

import (
	"archive/tar"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
)

// formatSpecs maps an OVF disk-section format URI to a short disk-format
// name.
var formatSpecs = map[string]string{
	"http://www.vmware.com/interfaces/specifications/vmdk.html": "vmdk",
	"https://people.gnome.org/~markmc/qcow-image-format.html":   "qcow",
}

// envelope is the subset of the OVF XML schema needed to locate the disk
// file referenced by the (only) disk section.
type envelope struct {
	XMLName     xml.Name    `xml:"Envelope"`
	References  references  `xml:"References"`
	DiskSection diskSection `xml:"DiskSection"`
}

type references struct {
	Files []fileRef `xml:"File"`
}

type fileRef struct {
	ID   string `xml:"id,attr"`
	Href string `xml:"href,attr"`
}

type diskSection struct {
	Disks []disk `xml:"Disk"`
}

type disk struct {
	FileRef string `xml:"fileRef,attr"`
	Format  string `xml:"format,attr"`
}

// GetOVF returns the name and contents of the first `*.ovf` file found in
// the tar archive ova. With multiple `.ovf` files the first one wins.
func GetOVF(ova []byte) (name string, contents []byte, err error) {
	tr := tar.NewReader(bytes.NewReader(ova))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, &atropeerrors.InvalidImageList{Reason: "corrupt OVA tar archive: " + err.Error()}
		}
		if strings.HasSuffix(hdr.Name, ".ovf") {
			data, err := io.ReadAll(tr)
			if err != nil {
				return "", nil, err
			}
			return hdr.Name, data, nil
		}
	}
	return "", nil, &atropeerrors.InvalidImageList{Reason: "no .ovf descriptor found in OVA archive"}
}

// ExtractFile extracts the named file from the tar archive ova.
func ExtractFile(ova []byte, filename string) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(ova))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &atropeerrors.InvalidImageList{Reason: "corrupt OVA tar archive: " + err.Error()}
		}
		if hdr.Name == filename {
			return io.ReadAll(tr)
		}
	}
	return nil, &atropeerrors.InvalidImageList{Reason: fmt.Sprintf("file %s not found in OVA archive", filename)}
}

// GetDiskName parses ovfContents and returns the disk-format string and the
// archive-relative filename of the first referenced disk, mapping the
// Disk's format URI through formatSpecs. An unrecognized format URI fails.
func GetDiskName(ovfContents []byte) (diskFormat, diskFile string, err error) {
	var env envelope
	if err := xml.Unmarshal(ovfContents, &env); err != nil {
		return "", "", &atropeerrors.InvalidImageList{Reason: "invalid OVF XML: " + err.Error()}
	}
	if len(env.DiskSection.Disks) == 0 {
		return "", "", &atropeerrors.InvalidImageList{Reason: "OVF descriptor has no DiskSection/Disk entries"}
	}

	d := env.DiskSection.Disks[0]
	formatURL, _, _ := strings.Cut(d.Format, "#")
	format, ok := formatSpecs[formatURL]
	if !ok {
		return "", "", &atropeerrors.ImageListSpecIsBorken{Format: d.Format}
	}

	for _, f := range env.References.Files {
		if f.ID == d.FileRef {
			return format, f.Href, nil
		}
	}
	return "", "", &atropeerrors.InvalidImageList{Reason: "OVF disk fileRef has no matching <File> reference"}
}
