// Package atropeerrors defines the typed error taxonomy of the pipeline:
// each failure mode is its own struct satisfying error, checkable via
// errors.As.
package atropeerrors

import "fmt"

// SMIMEValidationError means the SMIME/PKCS#7 signature failed to validate:
// no data found, no certificates found, chain verification failed, or the
// verified payload didn't match the re-read enclosed data.
type SMIMEValidationError struct {
	Reason string
}

func (e *SMIMEValidationError) Error() string {
	return fmt.Sprintf("SMIME validation failed: %s", e.Reason)
}

// InvalidImageList means the list document is missing mandatory fields,
// isn't valid JSON, or has an invalid endorser block.
type InvalidImageList struct {
	Reason string
}

func (e *InvalidImageList) Error() string {
	return fmt.Sprintf("invalid image list: %s", e.Reason)
}

// ImageListDownloadFailed is a transport failure fetching the list document itself.
type ImageListDownloadFailed struct {
	Code   int
	Reason string
}

func (e *ImageListDownloadFailed) Error() string {
	return fmt.Sprintf("failed to download image list (code %d): %s", e.Code, e.Reason)
}

// ImageDownloadFailed is a transport failure fetching an individual image body.
type ImageDownloadFailed struct {
	Code   int
	Reason string
}

func (e *ImageDownloadFailed) Error() string {
	return fmt.Sprintf("failed to download image (code %d): %s", e.Code, e.Reason)
}

// ImageVerificationFailed means the downloaded bytes did not hash to the
// expected SHA-512.
type ImageVerificationFailed struct {
	ID       string
	Expected string
	Obtained string
}

func (e *ImageVerificationFailed) Error() string {
	return fmt.Sprintf("checksum mismatch for image %s: expected %s, obtained %s", e.ID, e.Expected, e.Obtained)
}

// ImageAlreadyDownloaded means download() was invoked a second time on an
// ImageRecord that already has a location set within the same run.
type ImageAlreadyDownloaded struct {
	Location string
}

func (e *ImageAlreadyDownloaded) Error() string {
	return fmt.Sprintf("image already downloaded at %s", e.Location)
}

// ImageNotFoundOnDisk means a checksum was requested against a location that
// does not exist on disk.
type ImageNotFoundOnDisk struct {
	Location string
}

func (e *ImageNotFoundOnDisk) Error() string {
	return fmt.Sprintf("image not found on disk at %s", e.Location)
}

// DuplicatedImageList means add() was called with a name already present in
// the list manager without force=true.
type DuplicatedImageList struct {
	ID string
}

func (e *DuplicatedImageList) Error() string {
	return fmt.Sprintf("image list %q is already configured", e.ID)
}

// DuplicatedImage means the dispatcher sink found more than one candidate
// image matching tag=atrope & appdb_id=identifier.
type DuplicatedImage struct {
	Images []string
}

func (e *DuplicatedImage) Error() string {
	return fmt.Sprintf("found %d duplicated images in the dispatcher sink: %v", len(e.Images), e.Images)
}

// ImageListNotFetched means a caller tried to read document fields before
// fetch() succeeded for this list. The list manager also returns it for a
// name that has no configured list.
type ImageListNotFetched struct {
	ID string
}

func (e *ImageListNotFetched) Error() string {
	return fmt.Sprintf("image list %q has not been fetched yet", e.ID)
}

// MissingMandatoryFieldImageList means operator input (e.g. interactive add)
// was missing a required field.
type MissingMandatoryFieldImageList struct {
	Field string
}

func (e *MissingMandatoryFieldImageList) Error() string {
	return fmt.Sprintf("missing mandatory field %q", e.Field)
}

// CannotOpenFile is a config-layer I/O failure.
type CannotOpenFile struct {
	File   string
	Reason string
}

func (e *CannotOpenFile) Error() string {
	return fmt.Sprintf("cannot open file %s: %s", e.File, e.Reason)
}

// MetadataOverwriteNotSupported means a dispatcher caller tried to shadow a
// reserved metadata key (sha512, appdb_id, image_list, ...).
type MetadataOverwriteNotSupported struct {
	Key string
}

func (e *MetadataOverwriteNotSupported) Error() string {
	return fmt.Sprintf("metadata key %q is reserved and cannot be overwritten", e.Key)
}

// GlanceMissingConfiguration means the image-catalog dispatcher was
// constructed without the OpenStack credentials/endpoint it needs.
type GlanceMissingConfiguration struct {
	Flags []string
}

func (e *GlanceMissingConfiguration) Error() string {
	return fmt.Sprintf("image catalog dispatcher missing required configuration: %v", e.Flags)
}

// ImageListSpecIsBorken means an OVF descriptor declares a disk format URI
// that is not in the known format table.
type ImageListSpecIsBorken struct {
	Format string
}

func (e *ImageListSpecIsBorken) Error() string {
	return fmt.Sprintf("cannot map unknown image format %q to a disk/container format pair", e.Format)
}
