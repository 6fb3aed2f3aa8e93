package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/apisync/internal/apiclient"
	"github.com/njoerd114/apisync/internal/config"
	"github.com/njoerd114/apisync/internal/model"
)

// pingTimeout bounds the connection test of each collection.
const pingTimeout = 10 * time.Second

// defaultEndpoints are offered per kind when adding a collection.
var defaultEndpoints = map[model.Kind]string{
	model.KindBookings: "api/v1/Bookings/GetBookingsByContractor",
	model.KindPhotos:   "photos",
}

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
}

// Run walks the user through server settings and one or more collections,
// tests each remote endpoint, and writes the result to cfgPath.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) error {
	fmt.Fprintf(wiz.w, "\nWelcome to apisync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes %s.\n\n", cfgPath)

	if _, statErr := os.Stat(cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 1: server.
	fmt.Fprintf(wiz.w, "Step 1/3: HTTP server\n")
	cfg := &config.Config{
		ListenAddr:  wiz.prompt.String("Listen address", config.DefaultListenAddr),
		AdminAPIKey: wiz.prompt.Optional("Admin API key for /api routes"),
		Collections: make(map[string]config.CollectionConfig),
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 2: collections.
	fmt.Fprintf(wiz.w, "Step 2/3: Collections\n")
	for {
		name, col, err := wiz.collection(ctx, len(cfg.Collections) == 0)
		if err != nil {
			return err
		}
		if name == "" {
			break
		}
		cfg.Collections[name] = col
		fmt.Fprintf(wiz.w, "  ✓ Added %q (%s %s)\n\n", name, col.Kind, apiclient.JoinURL(col.APIURL, col.Endpoint))
		if !wiz.prompt.Confirm("Add another collection?", false) {
			break
		}
	}
	if len(cfg.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	fmt.Fprintf(wiz.w, "\n")

	// Step 3: write.
	fmt.Fprintf(wiz.w, "Step 3/3: Save configuration\n")
	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)
	fmt.Fprintf(wiz.w, "Next steps:\n")
	fmt.Fprintf(wiz.w, "  apisync sync-once   # first pass now\n")
	fmt.Fprintf(wiz.w, "  apisync serve       # HTTP API and auto-sync\n\n")
	return nil
}

// collection prompts for one collection. An empty name means the user is done.
func (wiz *Wizard) collection(ctx context.Context, first bool) (string, config.CollectionConfig, error) {
	var col config.CollectionConfig

	kinds := []model.Kind{model.KindBookings, model.KindPhotos}
	idx, err := wiz.prompt.Select("Record kind", []string{"bookings", "photos"})
	if err != nil {
		return "", col, fmt.Errorf("selecting kind: %w", err)
	}
	kind := kinds[idx]

	defaultName := ""
	if first {
		defaultName = string(kind)
	}
	name := wiz.prompt.String("Collection name", defaultName)
	for name != "" {
		err := model.ValidateCollectionName(name)
		if err == nil {
			break
		}
		fmt.Fprintf(wiz.w, "  (%v)\n", err)
		name = wiz.prompt.String("Collection name", defaultName)
	}

	col.Kind = string(kind)
	col.APIURL = wiz.prompt.String("API base URL", "https://api.example.com")
	col.Endpoint = wiz.prompt.String("Endpoint", defaultEndpoints[kind])
	col.BearerToken = wiz.prompt.Optional("Bearer token")

	fmt.Fprintf(wiz.w, "  Testing %s...", apiclient.JoinURL(col.APIURL, col.Endpoint))
	if err := wiz.ping(ctx, col); err != nil {
		fmt.Fprintf(wiz.w, " ✗\n  %v\n", err)
		if !wiz.prompt.Confirm("Keep this collection anyway?", false) {
			return "", col, fmt.Errorf("connection test failed for %q: %w", name, err)
		}
	} else {
		fmt.Fprintf(wiz.w, " ✓\n")
	}

	col.AutoSync = wiz.prompt.Confirm("Enable auto-sync?", false)
	col.SyncInterval = config.DefaultSyncInterval
	if col.AutoSync {
		col.SyncInterval = wiz.prompt.Duration("Sync interval", config.DefaultSyncInterval)
	}
	col.RetryAttempts = config.DefaultRetryAttempts
	col.RetryDelay = config.DefaultRetryDelay
	return name, col, nil
}

func (wiz *Wizard) ping(ctx context.Context, col config.CollectionConfig) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	client := apiclient.New(apiclient.Options{
		BaseURL:       col.APIURL,
		Endpoint:      col.Endpoint,
		Token:         col.BearerToken,
		Timeout:       pingTimeout,
		RetryAttempts: 1,
		Logger:        wiz.logger,
	})
	return client.Ping(ctx)
}
