package dispatcher

import (
	"context"
	"log/slog"

	"github.com/hepix-sync/atrope/pkg/image"
	"github.com/hepix-sync/atrope/pkg/listsource"
	"github.com/hepix-sync/atrope/pkg/logger"
)

// Noop is the dummy dispatcher used in tests and whenever no downstream
// image catalog is configured.
type Noop struct{}

// Dispatch logs and does nothing else.
func (Noop) Dispatch(_ context.Context, imageName string, img *image.Record, isPublic bool, metadata map[string]string) error {
	logger.Log(slog.LevelInfo, "dispatching image (noop)",
		slog.String("image_name", imageName), slog.String("identifier", img.Identifier),
		slog.Bool("is_public", isPublic), slog.Any("metadata", metadata))
	return nil
}

// Sync logs and does nothing else.
func (Noop) Sync(_ context.Context, list *listsource.ListSource) error {
	logger.Log(slog.LevelInfo, "syncing dispatcher (noop)", slog.String("list", list.Name))
	return nil
}
