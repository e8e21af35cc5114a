// Package listmanager orchestrates the full pipeline: it owns the set of
// configured list sources, persists them to the list-sources config file,
// and drives fetch, cache sync, and dispatch for one list or for all of
// them.
package listmanager

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/hepix-sync/atrope/pkg/atropeerrors"
	"github.com/hepix-sync/atrope/pkg/cache"
	"github.com/hepix-sync/atrope/pkg/config"
	"github.com/hepix-sync/atrope/pkg/dispatcher"
	"github.com/hepix-sync/atrope/pkg/filesystem"
	"github.com/hepix-sync/atrope/pkg/listsource"
	"github.com/hepix-sync/atrope/pkg/logger"
	"github.com/hepix-sync/atrope/pkg/trust"
)

// sourceEntry is the on-disk shape of one configured list.
type sourceEntry struct {
	URL               string   `yaml:"url"`
	EndorserDN        string   `yaml:"endorser_dn"`
	EndorserCA        string   `yaml:"endorser_ca"`
	Token             string   `yaml:"token,omitempty"`
	Enabled           bool     `yaml:"enabled"`
	Prefix            string   `yaml:"prefix,omitempty"`
	Project           string   `yaml:"project,omitempty"`
	SubscribedImages  []string `yaml:"subscribed images,omitempty"`
}

// sourcesFile is the top-level shape of the list-sources config file: a
// name-keyed entry map.
type sourcesFile map[string]sourceEntry

// Manager owns every configured ListSource and the collaborators needed
// to fetch, cache and dispatch them.
type Manager struct {
	cfg           *config.Config
	verifier      *trust.Verifier
	httpClient    *http.Client
	cacheMgr      *cache.Manager
	dispatcherMgr *dispatcher.Manager

	lists map[string]*listsource.ListSource
	order []string
}

// New builds an empty Manager around its collaborators; use Load to
// populate it from the configured list-sources file.
func New(cfg *config.Config, verifier *trust.Verifier, httpClient *http.Client, cacheMgr *cache.Manager, dispatcherMgr *dispatcher.Manager) *Manager {
	return &Manager{
		cfg:           cfg,
		verifier:      verifier,
		httpClient:    httpClient,
		cacheMgr:      cacheMgr,
		dispatcherMgr: dispatcherMgr,
		lists:         map[string]*listsource.ListSource{},
	}
}

// Load reads the list-sources config file into m, replacing whatever was
// previously loaded. An empty path or a missing file is treated as "no
// lists configured" rather than an error.
func (m *Manager) Load() error {
	m.lists = map[string]*listsource.ListSource{}
	m.order = nil

	if m.cfg.ListSourcesPath == "" {
		return nil
	}
	if _, err := os.Stat(m.cfg.ListSourcesPath); os.IsNotExist(err) {
		return nil
	}

	raw, err := filesystem.LoadYamlFile[sourcesFile](m.cfg.ListSourcesPath, true)
	if err != nil {
		return fmt.Errorf("loading list sources from %s: %w", m.cfg.ListSourcesPath, err)
	}
	if raw == nil {
		return nil
	}

	names := make([]string, 0, len(*raw))
	for name := range *raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := (*raw)[name]
		m.lists[name] = &listsource.ListSource{
			Name:               name,
			URL:                entry.URL,
			ExpectedEndorser:   listsource.ExpectedEndorser{DN: entry.EndorserDN, CA: entry.EndorserCA},
			Token:              entry.Token,
			Enabled:            entry.Enabled,
			Prefix:             entry.Prefix,
			Project:            entry.Project,
			SubscribedImageIDs: entry.SubscribedImages,
		}
		m.order = append(m.order, name)
	}
	return nil
}

// Add registers a new list source under name, failing with
// DuplicatedImageList unless force is set.
func (m *Manager) Add(l *listsource.ListSource, force bool) error {
	if _, exists := m.lists[l.Name]; exists && !force {
		return &atropeerrors.DuplicatedImageList{ID: l.Name}
	}
	if _, exists := m.lists[l.Name]; !exists {
		m.order = append(m.order, l.Name)
	}
	m.lists[l.Name] = l
	return nil
}

// Write persists every configured list back to the list-sources config
// file as a name-keyed map; the encoder sorts map keys, so entries appear
// in name order rather than load/add order.
func (m *Manager) Write() error {
	out := sourcesFile{}
	for name, l := range m.lists {
		out[name] = sourceEntry{
			URL:              l.URL,
			EndorserDN:       l.ExpectedEndorser.DN,
			EndorserCA:       l.ExpectedEndorser.CA,
			Token:            l.Token,
			Enabled:          l.Enabled,
			Prefix:           l.Prefix,
			Project:          l.Project,
			SubscribedImages: l.SubscribedImageIDs,
		}
	}

	file, err := filesystem.CreateAndOpenYamlFile(m.cfg.ListSourcesPath, true)
	if err != nil {
		return err
	}
	defer file.Close()

	return filesystem.UpdateYamlFile(file, out)
}

// List returns every configured list, in load/add order.
func (m *Manager) List() []*listsource.ListSource {
	out := make([]*listsource.ListSource, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.lists[name])
	}
	return out
}

// Get returns the list source named name, or nil if none is configured
// under that name.
func (m *Manager) Get(name string) *listsource.ListSource {
	return m.lists[name]
}

// FetchLists runs FetchList for every configured list, logging (never
// aborting on) a single list's failure. Workers=1 (the default) runs
// strictly sequentially in insertion order; Workers>1 fans fetches out
// across a semaphore-bounded pool. Each ListSource is only ever touched by
// one worker at a time since every goroutine owns a distinct name.
func (m *Manager) FetchLists(ctx context.Context) {
	if m.cfg.Workers <= 1 {
		for _, name := range m.order {
			m.FetchList(ctx, name)
		}
		return
	}

	semaphore := make(chan struct{}, m.cfg.Workers)
	var wg sync.WaitGroup

	for _, name := range m.order {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(name string) {
			defer wg.Done()
			defer func() { <-semaphore }()
			m.FetchList(ctx, name)
		}(name)
	}

	wg.Wait()
}

// FetchList fetches a single named list, logging any failure.
func (m *Manager) FetchList(ctx context.Context, name string) error {
	l, ok := m.lists[name]
	if !ok {
		return &atropeerrors.ImageListNotFetched{ID: name}
	}
	if err := l.Fetch(ctx, m.httpClient, m.verifier); err != nil {
		logger.Log(slog.LevelError, "fetching list failed", slog.String("list", name), logger.Err(err))
		return err
	}
	return nil
}

// Cache runs a full cache sync against every currently loaded list.
func (m *Manager) Cache(ctx context.Context) error {
	return m.cacheMgr.Sync(ctx, m.List())
}

// CacheOne runs a cache sync scoped to a single list.
func (m *Manager) CacheOne(ctx context.Context, name string) error {
	l, ok := m.lists[name]
	if !ok {
		return &atropeerrors.ImageListNotFetched{ID: name}
	}
	return m.cacheMgr.SyncOne(ctx, l)
}

// Sync runs the complete fetch, cache, and dispatch cycle for every
// configured list. Per-list failures are logged and do not prevent the
// remaining lists from running.
func (m *Manager) Sync(ctx context.Context) error {
	m.FetchLists(ctx)

	if err := m.Cache(ctx); err != nil {
		return err
	}

	for _, name := range m.order {
		if err := m.dispatchOne(ctx, name); err != nil {
			logger.Log(slog.LevelError, "dispatching list failed", slog.String("list", name), logger.Err(err))
		}
	}
	return nil
}

// SyncOne runs the complete cycle for a single named list.
func (m *Manager) SyncOne(ctx context.Context, name string) error {
	if err := m.FetchList(ctx, name); err != nil {
		return err
	}
	if err := m.CacheOne(ctx, name); err != nil {
		return err
	}
	return m.dispatchOne(ctx, name)
}

func (m *Manager) dispatchOne(ctx context.Context, name string) error {
	l, ok := m.lists[name]
	if !ok {
		return &atropeerrors.ImageListNotFetched{ID: name}
	}
	if !l.Ready() {
		logger.Log(slog.LevelInfo, "skipping dispatch for list not ready", slog.String("list", name))
		return nil
	}
	return m.dispatcherMgr.DispatchListAndSync(ctx, l)
}
