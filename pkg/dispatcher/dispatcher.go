// Package dispatcher defines the pluggable sink interface that receives
// dispatched images and reconciles sink-side removals, plus a fan-out
// manager and two concrete sinks: a no-op (for tests) and an
// OpenStack-Glance-style image catalog.
package dispatcher

import (
	"context"

	"github.com/hepix-sync/atrope/pkg/image"
	"github.com/hepix-sync/atrope/pkg/listsource"
)

// Dispatcher publishes images to a downstream sink and reconciles removal
// of images the sink holds for a list that are no longer valid.
type Dispatcher interface {
	// Dispatch publishes one image under imageName, with metadata merged
	// into whatever reserved properties the sink sets itself (sha512,
	// appdb_id, ...). Overwriting a reserved key fails with
	// MetadataOverwriteNotSupported.
	Dispatch(ctx context.Context, imageName string, img *image.Record, isPublic bool, metadata map[string]string) error
	// Sync removes sink-side images belonging to list that are no longer
	// among its currently valid subscribed images. Called strictly after
	// every Dispatch call for list has completed.
	Sync(ctx context.Context, list *listsource.ListSource) error
}
