// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package srcsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/srcsession/services/srcsession/compile"
	"github.com/AleutianAI/srcsession/services/srcsession/config"
	"github.com/AleutianAI/srcsession/services/srcsession/lock"
	"github.com/AleutianAI/srcsession/services/srcsession/session"
	badgerstore "github.com/AleutianAI/srcsession/services/srcsession/storage/badger"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer/gcs"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer/mirror"
)

// Built holds everything BuildFromSettings assembled.
//
// Description:
//
//	Close releases the resources the collaborators own (marker files,
//	the marker database, the storage client). Call it after
//	Service.Shutdown so that lock releases still reach the marker board.
type Built struct {
	Config ServiceConfig
	Deps   Deps

	closers []func() error
}

// Close releases the collaborators' resources in reverse order of creation.
func (b *Built) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// BuildFromSettings creates the service configuration and collaborators
// described by settings.
//
// Description:
//
//	Selects the transfer gateway (mirror or gcs), the marker backend (file
//	or badger), loads the compile command registry and creates an exec
//	runner around the configured runner argv. On error, everything created
//	so far is closed.
//
// Inputs:
//
//	ctx - Context for storage client creation and registry loading.
//	settings - Validated settings.
//	logger - Logger for the collaborators (nil uses slog.Default).
//
// Outputs:
//
//	*Built - Configuration, dependencies and their closers.
//	error - ErrUnknownBackend or a collaborator construction failure.
func BuildFromSettings(ctx context.Context, settings config.Settings, logger *slog.Logger) (_ *Built, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := session.ParseLockPolicy(settings.LockPolicy)
	if err != nil {
		return nil, err
	}

	b := &Built{
		Config: ServiceConfig{
			LockPolicy: policy,
			Compile: compile.Config{
				MaxConcurrent: settings.Compile.MaxConcurrent,
				RatePerSecond: settings.Compile.RatePerSecond,
				Burst:         settings.Compile.Burst,
			},
			WatchDebounce: DefaultServiceConfig().WatchDebounce,
		},
		Deps: Deps{Logger: logger},
	}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	var commands *config.CompileRegistry
	if settings.CompileCommandsFile != "" {
		commands, err = config.LoadCompileRegistry(ctx, settings.CompileCommandsFile)
	} else {
		commands, err = config.GetCompileRegistry(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("loading compile commands: %w", err)
	}
	b.Deps.Commands = commands

	gateway, err := b.buildGateway(ctx, settings)
	if err != nil {
		return nil, err
	}
	b.Deps.Gateway = gateway

	marker, err := b.buildMarker(settings, logger)
	if err != nil {
		return nil, err
	}
	b.Deps.Marker = marker

	runner, err := compile.NewExecRunner(commands, compile.ExecConfig{
		Argv: settings.Compile.Runner,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating compile runner: %w", err)
	}
	b.Deps.Runner = runner

	logger.Info("Session dependencies built",
		"gateway", settings.Gateway.Kind,
		"marker", settings.Marker.Backend,
		"compile_commands", commands.Source(),
		"lock_policy", policy.String())
	return b, nil
}

func (b *Built) buildGateway(ctx context.Context, settings config.Settings) (transfer.Gateway, error) {
	switch settings.Gateway.Kind {
	case "mirror":
		g, err := mirror.New(settings.Gateway.MirrorRoot, settings.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("creating mirror gateway: %w", err)
		}
		return g, nil
	case "gcs":
		g, err := gcs.NewGateway(ctx,
			settings.Gateway.Bucket,
			settings.Gateway.Prefix,
			settings.Gateway.CredentialsFile,
			settings.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("creating gcs gateway: %w", err)
		}
		b.closers = append(b.closers, g.Close)
		return g, nil
	default:
		return nil, fmt.Errorf("%w: gateway %q", ErrUnknownBackend, settings.Gateway.Kind)
	}
}

func (b *Built) buildMarker(settings config.Settings, logger *slog.Logger) (lock.Marker, error) {
	m, closer, err := OpenMarker(settings, logger)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, closer)
	return m, nil
}

// OpenMarker opens the marker backend named by settings.Marker.
//
// Description:
//
//	Both backends also implement lock.Inspector and lock.Board, which the
//	locks subcommands use to list and prune markers without starting a
//	service.
//
// Outputs:
//
//	lock.Marker - The marker board.
//	func() error - Releases the backend. Call it after the last use.
//	error - ErrUnknownBackend or an open failure.
func OpenMarker(settings config.Settings, logger *slog.Logger) (lock.Marker, func() error, error) {
	switch settings.Marker.Backend {
	case "file":
		m, err := lock.NewFileMarker(lock.FileMarkerConfig{
			Dir: settings.Marker.Dir,
			TTL: settings.Marker.TTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating file marker: %w", err)
		}
		return m, m.Close, nil
	case "badger":
		cfg := badgerstore.DefaultConfig(settings.Marker.DBPath)
		cfg.Logger = logger
		db, err := badgerstore.OpenDB(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("opening marker database: %w", err)
		}
		return lock.NewBadgerMarker(db, lock.NewSessionID(), settings.Marker.TTL), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: marker %q", ErrUnknownBackend, settings.Marker.Backend)
	}
}
