package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.io/infrasutra/mailgate/internal/blob"
	"github.io/infrasutra/mailgate/internal/botrelay"
	"github.io/infrasutra/mailgate/internal/config"
	"github.io/infrasutra/mailgate/internal/forward"
	"github.io/infrasutra/mailgate/internal/ingest"
	"github.io/infrasutra/mailgate/internal/store"
)

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "mailgate",
		Usage: "mail ingestion gateway with shareable previews",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML or TOML configuration `FILE`",
				EnvVars: []string{"MAILGATE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			ingestCommand(),
			migrateCommand(),
			tokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("mailgate", "error", err)
		os.Exit(1)
	}
}

// env is what every command starts from: the loaded configuration, a logger
// and an open, migrated store.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	db     *store.Store
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Logging)

	db, err := store.Open(c.Context, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(c.Context); err != nil {
		db.Close()
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, db: db}, nil
}

// seed writes the configured delivery settings when the database has none
// and makes sure the admin user exists.
func (e *env) seed(ctx context.Context) error {
	snap, err := e.cfg.Settings()
	if err != nil {
		return fmt.Errorf("delivery settings: %w", err)
	}
	seeded, err := e.db.SeedSettings(ctx, snap)
	if err != nil {
		return err
	}
	if seeded {
		e.logger.Info("seeded delivery settings", "receive", snap.Receive, "attachments", snap.AttachmentScope)
	}
	if e.cfg.Admin != "" {
		if _, err := e.db.UpsertUser(ctx, e.cfg.Admin, time.Now()); err != nil {
			return fmt.Errorf("admin user: %w", err)
		}
	}
	return nil
}

// pipeline assembles the ingestion pipeline and the forwarder its transports
// use. Optional collaborators stay nil when unconfigured.
func (e *env) pipeline(ctx context.Context, hub ingest.Broadcaster) (*ingest.Pipeline, forward.Forwarder, error) {
	p := &ingest.Pipeline{
		Store:     e.db,
		Hub:       hub,
		Log:       e.logger,
		Admin:     e.cfg.Admin,
		TaskLimit: e.cfg.Delivery.TaskLimit,
		ChunkSize: e.cfg.SMTP.ChunkSize,
	}

	if bc := e.cfg.Blob(); bc.Configured() {
		blobs, err := blob.New(bc)
		if err != nil {
			return nil, nil, err
		}
		p.Blobs = blobs
	} else {
		e.logger.Warn("object storage not configured; attachments are not stored")
	}

	if e.cfg.Bot.Token != "" {
		bot := botrelay.New(e.cfg.Bot.Token)
		if e.cfg.Bot.BaseURL != "" {
			bot.BaseURL = e.cfg.Bot.BaseURL
		}
		p.Bot = bot
	}

	fwd, err := e.forwarder(ctx)
	if err != nil {
		return nil, nil, err
	}
	return p, fwd, nil
}

func (e *env) forwarder(ctx context.Context) (forward.Forwarder, error) {
	switch e.cfg.Forward.Mode {
	case "":
		return nil, nil
	case "smtp":
		return forward.NewRelay(e.cfg.Relay())
	case "ses":
		return forward.NewSES(ctx, e.cfg.SES())
	default:
		return nil, fmt.Errorf("unknown forward mode %q", e.cfg.Forward.Mode)
	}
}

// setupLogger configures the default slog logger from the logging section.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
