// apisync mirrors records from remote JSON REST APIs into a local SQLite
// store, on demand over HTTP or on a per-collection schedule.
//
// Usage:
//
//	apisync setup [--config <path>]                    # interactive first-run wizard
//	apisync serve [--config <path>] [--verbose]        # HTTP API + auto-sync schedulers
//	apisync sync-once [--collection <name>] [--parent <id>]
//	apisync status [--ping]                            # show config and sync state
//	apisync set-token --collection <name> --token <t>  # rotate a bearer token
//	apisync version                                    # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/apisync/internal/apiclient"
	"github.com/njoerd114/apisync/internal/config"
	"github.com/njoerd114/apisync/internal/httpapi"
	"github.com/njoerd114/apisync/internal/settings"
	"github.com/njoerd114/apisync/internal/setup"
	"github.com/njoerd114/apisync/internal/state"
	syncp "github.com/njoerd114/apisync/internal/sync"
	"github.com/njoerd114/apisync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the requested subcommand.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "setup":
		return runSetup(os.Args[2:])
	case "serve":
		return runServe(os.Args[2:])
	case "sync-once":
		return runSyncOnce(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "set-token":
		return runSetToken(os.Args[2:])
	case "version":
		fmt.Println("apisync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'apisync help' for usage", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "apisync: mirror remote REST collections into a local store")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  apisync setup [--config ...]                 Interactive first-run configuration")
	fmt.Fprintln(os.Stderr, "  apisync serve [--config ...]                 Run the HTTP API and auto-sync schedulers")
	fmt.Fprintln(os.Stderr, "  apisync sync-once [--collection ...]         Run one sync pass per collection then exit")
	fmt.Fprintln(os.Stderr, "  apisync status [--ping]                      Show configuration and last sync state")
	fmt.Fprintln(os.Stderr, "  apisync set-token --collection c --token t   Rotate the bearer token of a collection")
	fmt.Fprintln(os.Stderr, "  apisync version                              Print version")
}

// commonFlags registers the flags shared by every subcommand.
func commonFlags(fs *flag.FlagSet) (cfgPath *string, verbose *bool) {
	defaultCfg, _ := config.DefaultPath()
	cfgPath = fs.String("config", defaultCfg, "path to config.yaml")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return cfgPath, verbose
}

// --- setup -------------------------------------------------------------------

func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return setup.NewWizard(os.Stdin, os.Stdout, logger).Run(ctx, *cfgPath)
}

// --- Runtime -----------------------------------------------------------------

// runtime holds what every subcommand needs once the config is loaded.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *state.Store
	settings *settings.Store
	closers  []func()
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// open loads the config, starts telemetry when configured, and opens the
// SQLite store. The caller must call close.
func open(cfgPath string, verbose bool) (*runtime, error) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"listen_addr", cfg.ListenAddr,
		"collections", len(cfg.Collections),
	)

	rt := &runtime{cfg: cfg, logger: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
			SampleRatio:    cfg.Telemetry.SampleRatio,
			MetricInterval: cfg.Telemetry.MetricInterval,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.NewLogHandler(logger.Handler(), "apisync"))
			slog.SetDefault(logger)
			rt.logger = logger
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			rt.closers = append(rt.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- Store ---------------------------------------------------------------

	dbPath := cfg.DBPath
	if dbPath == "" {
		if dbPath, err = state.DefaultDBPath(); err != nil {
			rt.close()
			return nil, fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	store, err := state.Open(dbPath)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	rt.closers = append(rt.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("closing state DB", "error", err)
		}
	})
	logger.Info("state DB opened", "path", dbPath)

	rt.store = store
	rt.settings = settings.New(store)
	return rt, nil
}

// newRegistry builds the registry and initialises every collection named in
// the config or already present in the settings store.
func (rt *runtime) newRegistry(ctx context.Context, manual bool) (*syncp.Registry, error) {
	reg := syncp.NewRegistry(syncp.Deps{
		Documents: rt.store,
		Settings:  rt.settings,
		Logger:    rt.logger,
		Stream: syncp.StreamOptions{
			BatchSize:  rt.cfg.Stream.BatchSize,
			BatchDelay: rt.cfg.Stream.BatchDelay,
		},
		Timeout: rt.cfg.RequestTimeout,
	}, func(collection string, err error) {
		rt.logger.Error("auto-sync tick failed", "collection", collection, "error", err)
	})
	if manual {
		reg.DisableSchedulers()
	}

	for _, name := range rt.cfg.CollectionNames() {
		seed := rt.cfg.Collections[name].SyncConfig(name)
		if _, err := reg.Initialize(ctx, name, &seed); err != nil {
			return nil, fmt.Errorf("initialising collection %q: %w", name, err)
		}
	}

	stored, err := rt.settings.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing stored collections: %w", err)
	}
	for _, name := range stored {
		if _, ok := reg.Get(name); ok {
			continue
		}
		if _, err := reg.Initialize(ctx, name, nil); err != nil {
			// Invalid stored documents are skipped.
			rt.logger.Warn("skipping stored collection", "collection", name, "error", err)
		}
	}
	return reg, nil
}

// --- Subcommands -------------------------------------------------------------

// runServe runs the HTTP API and the auto-sync schedulers until SIGINT/SIGTERM.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := open(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	reg, err := rt.newRegistry(gctx, false)
	if err != nil {
		return err
	}
	if len(reg.Names()) == 0 {
		logger.Warn("no collections configured; add a collections block to the config file")
	}

	srv := &http.Server{
		Addr: rt.cfg.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.RouterConfig{
			Services:  reg,
			Settings:  rt.settings,
			Documents: rt.store,
			Logger:    logger,
			APIKey:    rt.cfg.AdminAPIKey,
			Version:   version,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr, "collections", reg.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		reg.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// runSyncOnce runs one managed pass for each selected collection.
func runSyncOnce(args []string) error {
	fs := flag.NewFlagSet("sync-once", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	collection := fs.String("collection", "", "sync only this collection")
	parent := fs.String("parent", "", "contractor or album id to filter by (requires --collection)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *parent != "" && *collection == "" {
		return fmt.Errorf("--parent requires --collection")
	}

	rt, err := open(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	reg, err := rt.newRegistry(ctx, true)
	if err != nil {
		return err
	}

	names := reg.Names()
	if *collection != "" {
		names = []string{*collection}
	}

	var failed int
	for _, name := range names {
		svc, err := reg.Lookup(name)
		if err != nil {
			return err
		}
		result, err := svc.Run(ctx, syncp.Filter{ParentID: *parent})
		if err != nil {
			return fmt.Errorf("syncing %q: %w", name, err)
		}
		logger.Info("sync complete",
			"collection", name,
			"processed", result.RecordsProcessed,
			"created", result.RecordsCreated,
			"updated", result.RecordsUpdated,
			"errors", len(result.Errors),
		)
		for _, msg := range result.Errors {
			logger.Warn("sync error", "collection", name, "error", msg)
		}
		if !result.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d collections finished with errors", failed, len(names))
	}
	return nil
}

// runStatus prints the configuration and the persisted sync state.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	ping := fs.Bool("ping", false, "check that each remote endpoint is reachable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*cfgPath); err != nil {
		fmt.Printf("  Config:    not found (%s), run 'apisync setup'\n", *cfgPath)
		return nil
	}
	rt, err := open(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	fmt.Println("apisync status")
	fmt.Println("──────────────")
	fmt.Printf("  Config:    %s\n", *cfgPath)
	fmt.Printf("  Listen:    %s\n", rt.cfg.ListenAddr)

	reg, err := rt.newRegistry(ctx, true)
	if err != nil {
		return err
	}
	for _, name := range reg.Names() {
		doc, err := rt.settings.Read(ctx, name)
		if err != nil {
			fmt.Printf("  %-10s unreadable settings: %v\n", name+":", err)
			continue
		}
		cfg := doc.Config()
		fmt.Printf("\n  %s\n", name)
		fmt.Printf("    Remote:    %s\n", apiclient.JoinURL(cfg.APIURL, cfg.Endpoint))
		fmt.Printf("    Token:     %s\n", tokenState(cfg.BearerToken != ""))
		if cfg.AutoSyncEnabled() {
			fmt.Printf("    Auto-sync: every %s\n", cfg.SyncInterval)
		} else {
			fmt.Printf("    Auto-sync: off\n")
		}
		fmt.Printf("    Status:    %s", doc.Status())
		if doc.LastSync != nil {
			fmt.Printf(" at %s", doc.LastSync.Local().Format(time.DateTime))
		}
		fmt.Println()
		if doc.LastSyncError != nil {
			fmt.Printf("    Error:     %s\n", *doc.LastSyncError)
		}
		fmt.Printf("    Records:   %d total, last run %d processed (%d created, %d updated)\n",
			doc.SyncStats.TotalRecords, doc.SyncStats.LastRecordsProcessed,
			doc.SyncStats.LastRecordsCreated, doc.SyncStats.LastRecordsUpdated)

		if *ping {
			svc, _ := reg.Get(name)
			if err := svc.Ping(ctx); err != nil {
				fmt.Printf("    Ping:      failed: %v\n", err)
			} else {
				fmt.Printf("    Ping:      ok\n")
			}
		}
	}

	if dbPath := rt.cfg.DBPath; dbPath != "" {
		printDBSize(dbPath)
	} else if dbPath, err := state.DefaultDBPath(); err == nil {
		printDBSize(dbPath)
	}
	return nil
}

// runSetToken rotates a bearer token in the settings store. A running server
// picks it up on the next pass.
func runSetToken(args []string) error {
	fs := flag.NewFlagSet("set-token", flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	collection := fs.String("collection", "", "collection whose token to rotate")
	token := fs.String("token", "", "new bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *collection == "" || *token == "" {
		return fmt.Errorf("--collection and --token are required")
	}

	rt, err := open(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.settings.SetToken(context.Background(), *collection, *token); err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return fmt.Errorf("collection %q has no settings yet; run 'apisync sync-once' or 'apisync serve' first: %w", *collection, err)
		}
		return fmt.Errorf("saving token: %w", err)
	}
	fmt.Printf("Token updated for %s\n", *collection)
	return nil
}

// --- Helpers -----------------------------------------------------------------

func printDBSize(path string) {
	if info, err := os.Stat(path); err == nil {
		fmt.Printf("\n  State DB:  %s (%s)\n", path, humanSize(info.Size()))
	} else {
		fmt.Printf("\n  State DB:  not found\n")
	}
}

func tokenState(b bool) string {
	if b {
		return "set"
	}
	return "not set"
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
