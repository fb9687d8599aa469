package main

import (
	"context"
	"fmt"

	"gilfond_flats/internal/app"
	"gilfond_flats/internal/config"
	"gilfond_flats/internal/discovery"
	"gilfond_flats/internal/notifications"
	"gilfond_flats/internal/portal"
	"gilfond_flats/internal/seen"
	"gilfond_flats/internal/sheets"

	"github.com/rs/zerolog/log"
)

// initializeNotificationClient creates the notification client for the configured transports.
func initializeNotificationClient(cfg app.Config) *notifications.Client {
	transports := cfg.Transports()

	log.Debug().
		Bool("ntfy", cfg.Ntfy.Enabled).
		Bool("telegram", cfg.Telegram.Token != "").
		Msg("Initializing notification client")

	client := notifications.NewClient(config.DefaultResilienceConfig.Notification, transports...)

	if client.Enabled() {
		log.Info().Int("transports", len(transports)).Msg("Notifications enabled")
	} else {
		log.Debug().Msg("Notifications disabled")
	}
	return client
}

// initializeLedger returns nil when no spreadsheet is configured.
func initializeLedger(ctx context.Context, cfg app.Config) (discovery.Ledger, error) {
	if cfg.Sheets.SpreadsheetID == "" {
		log.Debug().Msg("Sheets ledger disabled")
		return nil, nil
	}

	client, err := sheets.NewClient(ctx, cfg.Sheets.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %w", err)
	}

	log.Info().Str("range", cfg.Sheets.Range).Msg("Sheets ledger enabled")
	return sheets.NewLedger(client, cfg.Sheets.SpreadsheetID, cfg.Sheets.Range, config.DefaultResilienceConfig.SheetAppend), nil
}

func openSeenStore(ctx context.Context, cfg app.Config) (*seen.Store, error) {
	backend, err := seen.OpenBackend(ctx, cfg.SeenLocation())
	if err != nil {
		return nil, fmt.Errorf("failed to open seen store: %w", err)
	}
	return seen.NewStore(backend, cfg.SeenTTL), nil
}

func launchPortal(ctx context.Context, cfg app.Config) (*portal.Portal, error) {
	log.Debug().
		Str("base_url", cfg.BaseURL).
		Bool("headless", cfg.Headless).
		Msg("Launching browser")

	return portal.Launch(ctx, portal.Config{
		BaseURL:        cfg.BaseURL,
		Program:        cfg.Program,
		Headless:       cfg.Headless,
		ChromeBin:      cfg.ChromeBin,
		DiagnosticsDir: cfg.DiagnosticsDir,
		Launch:         config.DefaultResilienceConfig.BrowserLaunch,
	})
}
