package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/garage/internal/alert"
	"github.com/zulandar/garage/internal/alert/discord"
	"github.com/zulandar/garage/internal/alert/slack"
	"github.com/zulandar/garage/internal/api"
	"github.com/zulandar/garage/internal/config"
	"github.com/zulandar/garage/internal/db"
	"github.com/zulandar/garage/internal/logging"
	"github.com/zulandar/garage/internal/orders"
	"github.com/zulandar/garage/internal/whatsapp"
	"github.com/zulandar/garage/internal/whatsapp/browser"
	"golang.org/x/sync/errgroup"
)

// closeTimeout bounds how long shutdown waits for browsers to exit.
const closeTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		noRestore  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging API and WhatsApp sessions",
		Long: `Starts the messaging API and restores every session that was connected
when the process last stopped. Runs until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, noRestore)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to garage config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides http.port)")
	cmd.Flags().BoolVar(&noRestore, "no-restore", false, "do not restore persisted sessions at startup")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, noRestore bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	store, err := whatsapp.NewGormStore(gormDB)
	if err != nil {
		return err
	}
	lookup, err := orders.New(orders.Opts{DB: gormDB, TTL: cfg.Orders.CacheTTL(), Logger: logger})
	if err != nil {
		return err
	}
	defer lookup.Close()

	notifier, err := newNotifier(cfg.Alerts, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.WhatsApp.SessionDir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	drivers := browser.Factory{
		Root: cfg.WhatsApp.SessionDir,
		Base: browser.Options{
			WebURL:       cfg.WhatsApp.Browser.WebURL,
			RemoteURL:    cfg.WhatsApp.Browser.RemoteURL,
			Headless:     *cfg.WhatsApp.Browser.Headless,
			PollInterval: cfg.WhatsApp.Browser.PollInterval(),
			Logger:       logger,
		},
	}

	reg, err := whatsapp.NewRegistry(whatsapp.RegistryOpts{
		Store:    store,
		Drivers:  drivers.New,
		Orders:   lookup,
		Notifier: notifier,
		Normalizer: whatsapp.PhoneNormalizer{
			CountryCode:  cfg.WhatsApp.DefaultCountryCode,
			MobileMarker: *cfg.WhatsApp.MobileMarker,
		},
		HeartbeatInterval: cfg.WhatsApp.HeartbeatInterval(),
		RestartDelay:      cfg.WhatsApp.RestartDelay(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	if port == 0 {
		port = cfg.HTTP.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Start(gctx, api.StartOpts{
			Registry: reg,
			DB:       gormDB,
			Port:     port,
			Logger:   logger,
			Out:      cmd.OutOrStdout(),
		})
	})
	if *cfg.WhatsApp.RestoreOnStart && !noRestore {
		g.Go(func() error {
			if _, err := reg.Restore(gctx); err != nil {
				logger.Error("serve: restore sessions", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("serve: shutting down")
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		reg.Close(closeCtx)
		return nil
	})
	return g.Wait()
}

// newNotifier builds the staff alert channel named by cfg.Platform.
func newNotifier(cfg config.AlertsConfig, logger *slog.Logger) (alert.Notifier, error) {
	switch cfg.Platform {
	case "slack":
		return slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Channel})
	case "discord":
		return discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Channel, Logger: logger})
	case "":
		return alert.Nop{}, nil
	}
	return nil, fmt.Errorf("alerts: unsupported platform %q", cfg.Platform)
}
