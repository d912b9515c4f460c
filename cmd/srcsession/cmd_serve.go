// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/srcsession/pkg/logging"
	"github.com/AleutianAI/srcsession/services/srcsession"
	"github.com/AleutianAI/srcsession/services/srcsession/config"
	"github.com/AleutianAI/srcsession/services/srcsession/telemetry"
)

// shutdownTimeout bounds the drain of HTTP requests, open documents and
// compile jobs on exit.
const shutdownTimeout = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.loadSettings(cmd)
			if err != nil {
				return err
			}
			if debug {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, settings)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable gin debug mode")
	return cmd
}

// server is a fully wired session service behind an http.Server.
type server struct {
	http     *http.Server
	svc      *srcsession.Service
	built    *srcsession.Built
	shutdown func(context.Context) error
	logger   *logging.Logger
}

// newServer wires logging, telemetry, the collaborators, the service and
// the router from settings. Nothing is listening yet.
func newServer(ctx context.Context, settings config.Settings) (_ *server, err error) {
	level, err := logging.ParseLevel(settings.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  settings.Logging.Dir,
		Service: "srcsession",
		JSON:    settings.Logging.JSON,
	})
	if err != nil {
		return nil, err
	}
	logger.SetDefault()

	s := &server{logger: logger}
	defer func() {
		if err != nil {
			s.close(context.Background())
		}
	}()

	tcfg := telemetry.FromSettings(settings.Telemetry)
	tcfg.ServiceVersion = srcsession.ServiceVersion
	s.shutdown, err = telemetry.Init(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	s.built, err = srcsession.BuildFromSettings(ctx, settings, logger.Slog())
	if err != nil {
		return nil, err
	}
	s.svc, err = srcsession.NewService(s.built.Config, s.built.Deps)
	if err != nil {
		return nil, err
	}

	s.http = &http.Server{
		Addr:              settings.Server.Addr,
		Handler:           srcsession.NewRouter(s.svc, "srcsession"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// close stops the service, then the collaborators, then telemetry and the
// log file. Locks are released before the marker board closes.
func (s *server) close(ctx context.Context) error {
	var errs []error
	if s.svc != nil {
		errs = append(errs, s.svc.Shutdown(ctx))
	}
	if s.built != nil {
		errs = append(errs, s.built.Close())
	}
	if s.shutdown != nil {
		errs = append(errs, s.shutdown(ctx))
	}
	if s.logger != nil {
		errs = append(errs, s.logger.Close())
	}
	return errors.Join(errs...)
}

func runServe(ctx context.Context, settings config.Settings) error {
	s, err := newServer(ctx, settings)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting srcsession server",
			slog.String("address", settings.Server.Addr),
			slog.String("version", srcsession.ServiceVersion))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err = <-serveErr:
		if err != nil {
			slog.Error("Server failed", slog.String("error", err.Error()))
		}
	case <-ctx.Done():
		slog.Info("Shutting down srcsession server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	errs = append(errs, err)
	if herr := s.http.Shutdown(shutdownCtx); herr != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", herr))
	}
	errs = append(errs, s.close(shutdownCtx))
	return errors.Join(errs...)
}
