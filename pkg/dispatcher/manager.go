package dispatcher

import (
	"context"
	"log/slog"

	"github.com/hepix-sync/atrope/pkg/image"
	"github.com/hepix-sync/atrope/pkg/listsource"
	"github.com/hepix-sync/atrope/pkg/logger"
)

// Manager fans a list's dispatch-and-sync cycle out over every configured
// sink, never letting one sink's failure abort another's.
type Manager struct {
	Dispatchers []Dispatcher
	// Prefix is prepended to every dispatched image name ahead of the
	// list's own Prefix.
	Prefix string
	// VOProjects maps a list document's VO tag to the tenant project its
	// images should be shared with. A list's own Project, when set, takes
	// precedence over the mapping.
	VOProjects map[string]string
}

// NewManager builds a Manager fanning out to sinks.
func NewManager(prefix string, sinks ...Dispatcher) *Manager {
	return &Manager{Dispatchers: sinks, Prefix: prefix}
}

// DispatchListAndSync dispatches every one of list's valid subscribed
// images, then syncs every sink for list. Sync runs strictly after every
// dispatch call for the list has completed.
func (m *Manager) DispatchListAndSync(ctx context.Context, list *listsource.ListSource) error {
	if err := m.DispatchList(ctx, list); err != nil {
		return err
	}
	for _, d := range m.Dispatchers {
		if err := d.Sync(ctx, list); err != nil {
			logger.Log(slog.LevelError, "dispatcher sync failed", slog.String("list", list.Name), logger.Err(err))
		}
	}
	return nil
}

// DispatchList dispatches every valid subscribed image of list to every
// configured sink.
func (m *Manager) DispatchList(ctx context.Context, list *listsource.ListSource) error {
	imgs, err := list.GetValidSubscribedImages()
	if err != nil {
		return err
	}

	isPublic := list.Token == ""

	metadata := map[string]string{
		"image_list": list.Name,
	}
	if list.Project != "" {
		metadata["project"] = list.Project
	}
	if list.Document != nil && list.Document.VO != "" {
		metadata["vo"] = list.Document.VO
		if project, ok := m.VOProjects[list.Document.VO]; ok && metadata["project"] == "" {
			metadata["project"] = project
		}
	}

	for _, img := range imgs {
		name := m.Prefix + list.Prefix + img.Title
		m.dispatchImage(ctx, name, img, isPublic, metadata)
	}
	return nil
}

// dispatchImage dispatches one image to every sink, logging (never
// raising) a sink's individual failure.
func (m *Manager) dispatchImage(ctx context.Context, imageName string, img *image.Record, isPublic bool, metadata map[string]string) {
	for _, d := range m.Dispatchers {
		if err := d.Dispatch(ctx, imageName, img, isPublic, metadata); err != nil {
			logger.Log(slog.LevelError, "dispatch failed", slog.String("identifier", img.Identifier), logger.Err(err))
		}
	}
}
