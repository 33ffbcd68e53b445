package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.io/infrasutra/mailgate/internal/auth"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the schema and seed settings from the configuration",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "replace stored delivery settings with the configured ones",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.db.Close()

			if c.Bool("overwrite") {
				snap, err := e.cfg.Settings()
				if err != nil {
					return fmt.Errorf("delivery settings: %w", err)
				}
				if err := e.db.SaveSettings(c.Context, snap); err != nil {
					return err
				}
			}
			if err := e.seed(c.Context); err != nil {
				return err
			}
			e.logger.Info("database ready", "path", e.cfg.Database.Path)
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token for the management API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "email",
				Usage:    "user `ADDR`, created when missing",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.db.Close()
			if e.cfg.Auth.Secret == "" {
				return cli.Exit("AUTH_SECRET must be set to issue tokens a server will accept", 1)
			}

			email, err := auth.NormalizeEmail(c.String("email"))
			if err != nil {
				return err
			}
			now := time.Now()
			id, err := e.db.UpsertUser(c.Context, email, now)
			if err != nil {
				return err
			}
			manager, err := auth.New(e.cfg.Auth.Secret, e.cfg.Auth.TTL)
			if err != nil {
				return err
			}
			token, err := manager.Issue(id, email, now)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}
