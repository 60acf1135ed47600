package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"salonreach/internal/browser"
	"salonreach/internal/bus"
	"salonreach/internal/campaign"
	"salonreach/internal/config"
	"salonreach/internal/history"
	"salonreach/internal/notify"
	"salonreach/internal/phone"
	"salonreach/internal/sender"
	"salonreach/internal/session"
	"salonreach/internal/web"

	"github.com/spf13/cobra"
)

const pruneInterval = 6 * time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control API",
		Long: `Starts the control API. The browser is not launched until a client calls
POST /whatsapp/initialize. Press Ctrl+C to stop; the browser is closed on exit.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadOrDefaults(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(logger)
	selectors := browser.WhatsAppSelectors().WithOverrides(cfg.Browser.Selectors)
	t := cfg.Timeouts

	bridge := browser.NewBridge(browser.BridgeConfig{
		ProfileDir: cfg.Browser.ProfileDir,
		ExecPath:   cfg.Browser.ExecPath,
		Logger:     logger,
	})
	manager := session.NewManager(session.Config{
		Launcher:  bridge,
		Selectors: selectors,
		Headless:  cfg.Browser.Headless,
		Timeouts: session.Timeouts{
			Launch:     config.Ms(t.LaunchMs),
			Navigation: config.Ms(t.NavigationMs),
			QRInit:     config.Ms(t.QRInitMs),
			QRRestart:  config.Ms(t.QRRestartMs),
			Probe:      config.Ms(t.ProbeMs),
		},
		Events: events,
		Logger: logger,
	})
	snd := sender.New(sender.Config{
		Session:    manager,
		Selectors:  selectors,
		Normalizer: phone.NewHeuristic(cfg.Phone.CountryCode, cfg.Phone.AreaCode),
		Timeouts: sender.Timeouts{
			Navigation:   config.Ms(t.NavigationMs),
			Compose:      config.Ms(t.ComposeMs),
			PreSubmit:    config.Ms(t.PreSubmitMs),
			PostSubmit:   config.Ms(t.PostSubmitMs),
			Confirmation: config.Ms(t.ConfirmationMs),
		},
		Logger: logger,
	})
	dispatcher := campaign.NewDispatcher(campaign.Config{
		Sender:       snd,
		Session:      manager,
		RetryBackoff: config.Ms(cfg.Campaign.RetryBackoffMs),
		Events:       events,
		Logger:       logger,
	})

	var store web.HistoryStore
	if cfg.History.Enabled {
		hs, err := history.Open(cfg.History.DBPath, logger)
		if err != nil {
			return fmt.Errorf("history store: %w", err)
		}
		defer hs.Close()
		store = hs

		events.On(bus.EventSessionStateChanged, sessionLogger(hs))
		retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
		go pruneHistory(ctx, hs, retention)
	} else {
		logger.Info("campaign history disabled")
	}

	if tc := cfg.Notify.Telegram; tc.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:     tc.Token,
			ChatIDs:   tc.ChatIDs,
			ParseMode: tc.ParseMode,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("telegram notifier: %w", err)
		}
		detach := tg.Attach(events)
		defer detach()
		go func() {
			if err := tg.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram notifier stopped", "err", err)
			}
		}()
		logger.Info("telegram notifications enabled", "chats", len(tc.ChatIDs))
	}

	rl := cfg.Server.RateLimit
	srv := web.NewServer(web.Config{
		Addr:      cfg.Server.Addr(),
		Session:   manager,
		Campaigns: dispatcher,
		History:   store,
		Events:    events,
		CampaignDefaults: campaign.Options{
			DelayBetweenMessages: config.Ms(cfg.Campaign.DelayBetweenMessagesMs),
			MaxRetries:           cfg.Campaign.MaxRetries,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit: web.RateLimit{
			Enabled: rl.Enabled,
			Window:  time.Duration(rl.WindowSeconds) * time.Second,
			General: rl.GeneralRequests,
			Strict:  rl.StrictRequests,
		},
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		HistoryLimit:    cfg.History.ListLimit,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownSeconds) * time.Second,
		Logger:          logger,
	})

	logger.Info("salonreach starting", "version", version, "config", cfgPath, "headless", cfg.Browser.Headless)
	serveErr := srv.Start(ctx)

	// Close Chrome even when the listener failed.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := manager.Stop(stopCtx); err != nil {
		logger.Warn("session stop on shutdown", "err", err)
	}
	logger.Info("shutdown complete")
	return serveErr
}

// sessionLogger records lifecycle transitions in the history database.
func sessionLogger(hs *history.Store) bus.EventHandler {
	return func(e bus.Event) {
		to, _ := e.Payload["to"].(string)
		from, _ := e.Payload["from"].(string)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := hs.LogSession(ctx, to, "from "+from); err != nil {
			logger.Warn("session log write failed", "state", to, "err", err)
		}
	}
}

func pruneHistory(ctx context.Context, hs *history.Store, retention time.Duration) {
	if retention <= 0 {
		return
	}
	prune := func() {
		if _, err := hs.Prune(ctx, retention); err != nil && ctx.Err() == nil {
			logger.Warn("history prune failed", "err", err)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
