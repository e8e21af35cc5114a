package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli"

	"github.com/hepix-sync/atrope/pkg/cache"
	"github.com/hepix-sync/atrope/pkg/config"
	"github.com/hepix-sync/atrope/pkg/dispatcher"
	"github.com/hepix-sync/atrope/pkg/listmanager"
	"github.com/hepix-sync/atrope/pkg/logger"
	"github.com/hepix-sync/atrope/pkg/rest"
	"github.com/hepix-sync/atrope/pkg/trust"
)

const (
	// defaultLogLevelEnvironmentVariable is the environment variable that
	// controls pkg/logger's level.
	defaultLogLevelEnvironmentVariable = "ATROPE_LOG"
	// caBundleFileName is the well-known name of the assembled CA bundle,
	// written under the temporary directory so it never collides with the
	// cache reconciler's view of the cache root.
	caBundleFileName = "atrope-ca-bundle.pem"
)

var (
	// Version represents the current version of atrope.
	Version = "v0.0.0-dev"
	// GitCommit represents the latest commit when building this binary.
	GitCommit = "HEAD"

	// CacheDir is the root of the on-disk image cache.
	CacheDir string
	// TrustDir is the CA trust directory.
	TrustDir string
	// ListSourcesPath is the list-sources config file.
	ListSourcesPath string
	// DispatchersPath is the dispatcher/VO-mapping config file.
	DispatchersPath string
	// Workers bounds the list-level worker pool.
	Workers int
	// ShowContents, when set on verify, prints the fetched document contents.
	ShowContents bool
)

func init() {
	tintOptions := &tint.Options{
		AddSource:  true,
		TimeFormat: "15:04:05",
	}

	switch os.Getenv(defaultLogLevelEnvironmentVariable) {
	case "DEBUG":
		tintOptions.Level = slog.LevelDebug
	case "WARN":
		tintOptions.Level = slog.LevelWarn
	case "ERROR":
		tintOptions.Level = slog.LevelError
	default:
		tintOptions.Level = slog.LevelInfo
	}

	newLogger := slog.New(tint.NewHandler(os.Stderr, tintOptions))
	slog.SetDefault(newLogger)
}

func main() {
	app := cli.NewApp()
	app.Name = "atrope"
	app.Version = fmt.Sprintf("%s (%s)", Version, GitCommit)
	app.Usage = "Synchronize a local image catalog against signed HEPiX virtual machine image lists"

	cacheFlag := cli.StringFlag{
		Name:        "cache-dir",
		Usage:       "Root directory of the on-disk image cache",
		Destination: &CacheDir,
		Value:       config.PathCacheDir,
	}
	trustFlag := cli.StringFlag{
		Name:        "trust-dir",
		Usage:       "CA trust directory used for SMIME verification and image download",
		Destination: &TrustDir,
		Value:       config.PathTrustDir,
	}
	listsFlag := cli.StringFlag{
		Name:        "lists",
		Usage:       "Path to the list-sources configuration file",
		Destination: &ListSourcesPath,
		Value:       config.PathListSourcesYaml,
	}
	dispatchersFlag := cli.StringFlag{
		Name:        "dispatchers",
		Usage:       "Path to the dispatcher/VO-mapping configuration file",
		Destination: &DispatchersPath,
		Value:       config.PathDispatchersYaml,
	}
	workersFlag := cli.IntFlag{
		Name:        "workers",
		Usage:       "Number of lists fetched concurrently (1 = strictly sequential)",
		Destination: &Workers,
		Value:       1,
	}

	app.Flags = []cli.Flag{cacheFlag, trustFlag, listsFlag, dispatchersFlag, workersFlag}

	app.Commands = []cli.Command{
		{
			Name:   "index",
			Usage:  "List configured image sources",
			Action: index,
		},
		{
			Name:  "verify",
			Usage: "Fetch and verify one or all configured lists, printing their status",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:        "contents",
					Usage:       "Also print the verified document contents",
					Destination: &ShowContents,
				},
			},
			Action: verify,
		},
		{
			Name:   "cache",
			Usage:  "Fetch all lists and reconcile the on-disk image cache",
			Action: runCache,
		},
		{
			Name:   "sync",
			Usage:  "Fetch, cache, and dispatch all configured lists",
			Action: runSync,
		},
		{
			Name:  "version",
			Usage: "Print the build version",
			Action: func(c *cli.Context) error {
				fmt.Println(app.Version)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err.Error())
	}
}

// bootstrap builds every collaborator main.go's commands need: the
// trust store, SMIME verifier, CA-bundle-backed HTTP client, cache
// manager, dispatcher fan-out, and the list manager itself, loaded from
// ListSourcesPath.
func bootstrap(ctx context.Context) (*listmanager.Manager, error) {
	cfg, err := config.Load(CacheDir, TrustDir, ListSourcesPath, DispatchersPath, Workers)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	store, err := trust.NewStore(cfg.TrustDir)
	if err != nil {
		return nil, fmt.Errorf("loading trust store: %w", err)
	}
	verifier := trust.NewVerifier(store)

	bundlePath := filepath.Join(os.TempDir(), caBundleFileName)
	var extraCAs *x509.CertPool
	if err := trust.EnsureCABundle(bundlePath, cfg.TrustDir); err != nil {
		logger.Log(slog.LevelWarn, "could not assemble CA bundle, falling back to system trust only", logger.Err(err))
	} else if pool, err := trust.CABundlePool(bundlePath); err == nil {
		extraCAs = pool
	}
	httpClient := rest.ClientWithCABundle(extraCAs)

	cacheMgr := cache.NewManager(cfg.CacheFS, httpClient)

	sinks, err := buildDispatchers(cfg)
	if err != nil {
		return nil, err
	}
	dispatcherMgr := dispatcher.NewManager("", sinks...)
	dispatcherMgr.VOProjects = cfg.VOProjects

	mgr := listmanager.New(cfg, verifier, httpClient, cacheMgr, dispatcherMgr)
	if err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("loading list sources: %w", err)
	}

	logger.LogContext(ctx, slog.LevelInfo, "atrope bootstrap complete",
		slog.String("cache_dir", cfg.CacheDir), slog.String("trust_dir", cfg.TrustDir),
		slog.Int("lists", len(mgr.List())))

	return mgr, nil
}

// buildDispatchers resolves cfg.Dispatchers into concrete sinks. An
// unrecognized name fails the run rather than silently dropping a
// configured sink.
func buildDispatchers(cfg *config.Config) ([]dispatcher.Dispatcher, error) {
	var sinks []dispatcher.Dispatcher
	for _, name := range cfg.Dispatchers {
		switch name {
		case "noop", "":
			sinks = append(sinks, dispatcher.Noop{})
		case "glance":
			g, err := dispatcher.NewGlance(dispatcher.GlanceConfig{
				Username:   cfg.Glance.Username,
				UserID:     cfg.Glance.UserID,
				Password:   cfg.Glance.Password,
				TenantName: cfg.Glance.TenantName,
				TenantID:   cfg.Glance.TenantID,
				AuthURL:    cfg.Glance.AuthURL,
				Endpoint:   cfg.Glance.Endpoint,
			}, cfg.CacheFS)
			if err != nil {
				return nil, fmt.Errorf("configuring glance dispatcher: %w", err)
			}
			sinks = append(sinks, g)
		default:
			return nil, fmt.Errorf("unknown dispatcher %q", name)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, dispatcher.Noop{})
	}
	return sinks, nil
}

func index(c *cli.Context) error {
	ctx := context.Background()
	mgr, err := bootstrap(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "NAME\tENABLED\tURL\tPREFIX")
	for _, l := range mgr.List() {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", l.Name, l.Enabled, l.URL, l.Prefix)
	}
	return nil
}

func verify(c *cli.Context) error {
	ctx := context.Background()
	mgr, err := bootstrap(ctx)
	if err != nil {
		return err
	}

	name := c.Args().First()
	runID := uuid.New().String()

	var targets []string
	if name != "" {
		if mgr.Get(name) == nil {
			return fmt.Errorf("no such list %q", name)
		}
		targets = []string{name}
	} else {
		for _, l := range mgr.List() {
			targets = append(targets, l.Name)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "NAME\tVERIFIED\tTRUSTED\tEXPIRED\tERROR")

	for _, n := range targets {
		_ = mgr.FetchList(ctx, n)
		l := mgr.Get(n)
		errMsg := ""
		if l.Error != nil {
			errMsg = l.Error.Error()
		}
		fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%s\n", l.Name, l.Verified, l.Trusted, l.Expired, errMsg)
		if ShowContents && l.Document != nil {
			fmt.Printf("  %s: %s (expires %s)\n", l.Name, l.Document.Description, l.Document.Expires)
		}
	}

	logger.LogContext(ctx, slog.LevelInfo, "verify complete", slog.String("run_id", runID), slog.Int("lists", len(targets)))
	return nil
}

func runCache(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mgr, err := bootstrap(ctx)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	mgr.FetchLists(ctx)
	if err := mgr.Cache(ctx); err != nil {
		if ctx.Err() != nil {
			logger.LogContext(ctx, slog.LevelWarn, "cache interrupted", slog.String("run_id", runID))
			return nil
		}
		return fmt.Errorf("cache reconciliation failed: %w", err)
	}
	logger.LogContext(ctx, slog.LevelInfo, "cache complete", slog.String("run_id", runID))
	return nil
}

func runSync(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mgr, err := bootstrap(ctx)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	if err := mgr.Sync(ctx); err != nil {
		if ctx.Err() != nil {
			logger.LogContext(ctx, slog.LevelWarn, "sync interrupted", slog.String("run_id", runID))
			return nil
		}
		return fmt.Errorf("sync failed: %w", err)
	}
	logger.LogContext(ctx, slog.LevelInfo, "sync complete", slog.String("run_id", runID))
	return nil
}
