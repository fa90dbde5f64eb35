package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rj8b0000/gsb-admin-backend/internal/api"
	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/config"
	"github.com/rj8b0000/gsb-admin-backend/internal/db"
	"github.com/rj8b0000/gsb-admin-backend/internal/realtime"
	"github.com/rj8b0000/gsb-admin-backend/internal/storage"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the support chat API and live channel",
		Long: `Starts the HTTP API and websocket gateway. Migrates the schema and
seeds handlers on startup, then fans lifecycle events out to live
clients, the message broker and the team chat channel as configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to GSB config file")
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	log := newLogger(cfg.Log, cmd.ErrOrStderr())

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedHandlers(gormDB, cfg.Handlers); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	uploader, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	store, err := chat.NewStore(chat.StoreOpts{DB: gormDB})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(realtime.HubOpts{
		GapTimeout: time.Duration(cfg.Realtime.GapTimeoutMs) * time.Millisecond,
		Logger:     log,
	})

	sinks, err := newEventSinks(ctx, cfg, hub, log)
	if err != nil {
		return err
	}
	defer sinks.Close()
	if sinks.relay != nil {
		go func() {
			if err := sinks.relay.Run(ctx); err != nil {
				log.Error().Err(err).Msg("redis relay stopped")
			}
		}()
	}

	closeNotify, err := startNotify(ctx, cfg.Notify, store, sinks.fanout, log)
	if err != nil {
		return err
	}
	defer closeNotify()

	svc, err := chat.NewService(chat.ServiceOpts{
		Store:          store,
		Uploader:       uploader,
		Publisher:      sinks.fanout,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	rt, err := realtime.NewServer(realtime.ServerOpts{
		Hub:            hub,
		Ingestor:       svc,
		Conversations:  store,
		Broadcaster:    sinks.live,
		SendBuffer:     cfg.Realtime.SendBuffer,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		CheckOrigin:    originChecker(cfg.Server.AllowedOrigins),
		Logger:         log,
	})
	if err != nil {
		return err
	}

	var mediaDir string
	if disk, ok := uploader.(*storage.DiskUploader); ok {
		mediaDir = disk.Dir()
	}

	log.Info().
		Int("port", cfg.Server.Port).
		Str("env", cfg.Server.Env).
		Str("database", cfg.Database.Driver).
		Str("storage", cfg.Storage.Backend).
		Int("sinks", sinks.fanout.Len()).
		Msg("gsb starting")

	return api.Start(ctx, api.StartOpts{
		RouterOpts: api.RouterOpts{
			Service:        svc,
			DB:             gormDB,
			Realtime:       rt,
			MediaDir:       mediaDir,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			Logger:         log,
		},
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
}
