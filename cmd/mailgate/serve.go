package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/urfave/cli/v2"

	"github.io/infrasutra/mailgate/internal/api"
	"github.io/infrasutra/mailgate/internal/auth"
	"github.io/infrasutra/mailgate/internal/preview"
	"github.io/infrasutra/mailgate/internal/smtpserver"
	"github.io/infrasutra/mailgate/internal/sse"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the SMTP and HTTP servers",
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.db.Close()
	cfg, logger := e.cfg, e.logger

	ctx := c.Context
	if err := e.seed(ctx); err != nil {
		return err
	}

	authManager, err := auth.New(cfg.Auth.Secret, cfg.Auth.TTL)
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		logger.Warn("AUTH_SECRET not set; bearer tokens reset on restart")
	}

	hub := sse.NewHub()
	pipeline, fwd, err := e.pipeline(ctx, hub)
	if err != nil {
		return err
	}
	if fwd != nil {
		logger.Info("forwarding enabled", "forwarder", fwd.Name())
	}

	smtpAuth := smtpserver.AuthConfig{
		Enabled:  cfg.SMTP.AuthEnabled,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	}
	if !smtpAuth.Enabled {
		logger.Warn("smtp auth disabled; server accepts unauthenticated connections")
	}
	smtpSrv := smtpserver.New(pipeline, fwd, logger, smtpserver.Options{
		Addr:            fmt.Sprintf(":%d", cfg.SMTP.Port),
		Domain:          cfg.SMTP.Domain,
		Auth:            smtpAuth,
		MaxMessageBytes: cfg.SMTP.MaxMessageBytes,
		MaxRecipients:   cfg.SMTP.MaxRecipients,
		ChunkSize:       cfg.SMTP.ChunkSize,
	})

	issuer := &preview.Issuer{Store: e.db}
	apiServer := api.NewServer(api.Deps{
		Store:   e.db,
		Auth:    authManager,
		Hub:     hub,
		Gateway: &preview.Gateway{Store: e.db},
		Grants: &preview.Service{
			Store:   e.db,
			Issuer:  issuer,
			Admin:   cfg.Admin,
			Domains: cfg.Domains,
		},
		Logger:  logger,
		Preview: cfg.Preview,
	})

	httpAddr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := smtpSrv.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			logger.Error("smtp server stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if err := smtpSrv.Close(); err != nil {
		logger.Error("shutdown smtp", "error", err)
	}
	return nil
}
