// Package config provides the explicit, dependency-injected configuration
// for atrope: a Config struct built once by Load and passed directly to
// every constructor that needs it. There is no package-level singleton and
// no context.Value lookup.
package config

import (
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5"
	"gopkg.in/yaml.v3"

	"github.com/hepix-sync/atrope/pkg/filesystem"
)

// Config holds every dependency the pipeline's constructors need. It is
// built once per process run and threaded explicitly from main.go down.
type Config struct {
	// CacheDir is the root of the on-disk image cache.
	CacheDir string
	// CacheFS is a filesystem rooted at CacheDir.
	CacheFS billy.Filesystem
	// TrustDir is the CA trust directory.
	TrustDir string
	// ListSourcesPath is the persistent list-sources config file.
	ListSourcesPath string
	// Workers bounds the list-level worker pool; 1 means strictly sequential.
	Workers int
	// Dispatchers names the configured dispatcher sinks, in order, e.g. ["noop"] or ["glance"].
	Dispatchers []string
	// VOProjects maps a VO tag to an OpenStack project/tenant id for image sharing.
	VOProjects map[string]string
	// Glance holds the OpenStack credentials for the "glance" dispatcher,
	// taken from the dispatchers file's glance block; they are used only
	// when Dispatchers includes "glance".
	Glance GlanceAuth
}

// GlanceAuth is the on-disk shape of the OpenStack credentials the
// "glance" dispatcher authenticates with. Kept here, rather than
// in pkg/dispatcher, so config stays the single place that parses
// on-disk configuration; pkg/dispatcher only consumes already-parsed
// values.
type GlanceAuth struct {
	Username   string `yaml:"username"`
	UserID     string `yaml:"user_id"`
	Password   string `yaml:"password"`
	TenantName string `yaml:"tenant_name"`
	TenantID   string `yaml:"tenant_id"`
	AuthURL    string `yaml:"auth_url"`
	Endpoint   string `yaml:"endpoint"`
}

// dispatchersFile is the on-disk shape of the dispatcher/VO-mapping config.
type dispatchersFile struct {
	Dispatchers []string          `yaml:"dispatchers"`
	VOProjects  map[string]string `yaml:"vo_projects"`
	Glance      GlanceAuth        `yaml:"glance"`
}

// Load builds a Config from the given paths, creating cacheDir if needed.
// None of the files has to pre-exist: a missing dispatchers file leaves the
// defaults in place, and the list-sources path is only recorded here (the
// list manager reads it).
func Load(cacheDir, trustDir, listSourcesPath, dispatchersPath string, workers int) (*Config, error) {
	if workers < 1 {
		workers = 1
	}

	cacheFS := filesystem.GetFilesystem(cacheDir)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create cache directory %s: %w", cacheDir, err)
	}

	cfg := &Config{
		CacheDir:        cacheDir,
		CacheFS:         cacheFS,
		TrustDir:        trustDir,
		ListSourcesPath: listSourcesPath,
		Workers:         workers,
		Dispatchers:     []string{"noop"},
		VOProjects:      map[string]string{},
		Glance:          GlanceAuth{},
	}

	if dispatchersPath == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(dispatchersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read dispatchers config %s: %w", dispatchersPath, err)
	}

	var df dispatchersFile
	if err := yaml.Unmarshal(raw, &df); err != nil {
		return nil, fmt.Errorf("cannot parse dispatchers config %s: %w", dispatchersPath, err)
	}
	if len(df.Dispatchers) > 0 {
		cfg.Dispatchers = df.Dispatchers
	}
	if df.VOProjects != nil {
		cfg.VOProjects = df.VOProjects
	}
	cfg.Glance = df.Glance
	return cfg, nil
}
