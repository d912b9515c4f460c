// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Lock failure policies.
const (
	// LockPolicyReadOnly keeps a document open read-only when its lock
	// cannot be acquired.
	LockPolicyReadOnly = "read_only"

	// LockPolicyAbort discards the cache and fails the open.
	LockPolicyAbort = "abort"
)

// Settings is the srcsession daemon configuration.
type Settings struct {
	// CacheDir holds materialized artifacts.
	CacheDir string `yaml:"cache_dir" validate:"required"`

	// LockPolicy selects what Open does when the lock cannot be acquired.
	LockPolicy string `yaml:"lock_policy" validate:"oneof=read_only abort"`

	Marker    MarkerSettings    `yaml:"marker"`
	Gateway   GatewaySettings   `yaml:"gateway"`
	Compile   CompileSettings   `yaml:"compile"`
	Server    ServerSettings    `yaml:"server"`
	Telemetry TelemetrySettings `yaml:"telemetry"`
	Logging   LoggingSettings   `yaml:"logging"`

	// CompileCommandsFile overrides the embedded compile command registry.
	CompileCommandsFile string `yaml:"compile_commands_file,omitempty"`
}

// MarkerSettings selects and configures the exclusive-marker board.
type MarkerSettings struct {
	Backend string        `yaml:"backend" validate:"oneof=file badger"`
	Dir     string        `yaml:"dir" validate:"required_if=Backend file"`
	DBPath  string        `yaml:"db_path" validate:"required_if=Backend badger"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// GatewaySettings selects and configures the transfer gateway.
type GatewaySettings struct {
	Kind            string `yaml:"kind" validate:"oneof=mirror gcs"`
	MirrorRoot      string `yaml:"mirror_root" validate:"required_if=Kind mirror"`
	Bucket          string `yaml:"bucket" validate:"required_if=Kind gcs"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentials_file" validate:"required_if=Kind gcs"`
}

// CompileSettings configures the compile dispatcher and runner.
type CompileSettings struct {
	// MaxConcurrent bounds compiles running at once across all identities.
	MaxConcurrent int64 `yaml:"max_concurrent" validate:"gte=1,lte=64"`

	// RatePerSecond throttles compile starts. Zero disables throttling.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `yaml:"burst" validate:"gte=0"`

	// Runner is the argv prefix; the expanded command is appended as the
	// final argument.
	Runner []string `yaml:"runner" validate:"min=1,dive,required"`
}

// ServerSettings configures the HTTP adapter.
type ServerSettings struct {
	Addr string `yaml:"addr" validate:"required"`
}

// TelemetrySettings configures OpenTelemetry export.
type TelemetrySettings struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp prometheus"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// LoggingSettings configures the process logger.
type LoggingSettings struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

// DefaultSettings returns settings that work on a single workstation with a
// mirrored host filesystem under ./mirror.
func DefaultSettings() Settings {
	base, err := os.UserCacheDir()
	if err != nil {
		base = "."
	}
	root := filepath.Join(base, "srcsession")

	return Settings{
		CacheDir:   filepath.Join(root, "cache"),
		LockPolicy: LockPolicyReadOnly,
		Marker: MarkerSettings{
			Backend: "file",
			Dir:     filepath.Join(root, "locks"),
			DBPath:  filepath.Join(root, "markers.db"),
			TTL:     12 * time.Hour,
		},
		Gateway: GatewaySettings{
			Kind:       "mirror",
			MirrorRoot: "./mirror",
		},
		Compile: CompileSettings{
			MaxConcurrent: 4,
			RatePerSecond: 2,
			Burst:         4,
			Runner:        []string{"ssh", "ibmi", "system"},
		},
		Server:    ServerSettings{Addr: "127.0.0.1:8095"},
		Telemetry: TelemetrySettings{Exporter: "none"},
		Logging:   LoggingSettings{Level: "info"},
	}
}

// LoadSettings builds settings from defaults, an optional YAML file and
// SRCSESSION_* environment variables, in that order, then validates them.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - path: YAML file, or "" for defaults and environment only.
//
// # Outputs
//
//   - Settings: The merged settings.
//   - error: Read, parse or validation failure. Validation failures wrap
//     ErrInvalidSettings.
func LoadSettings(ctx context.Context, path string) (Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := ReadYAMLFile(ctx, path)
		if err != nil {
			return Settings{}, fmt.Errorf("loading settings: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parsing settings %s: %w", path, err)
		}
	}

	if err := s.applyEnv(os.LookupEnv); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// applyEnv overlays SRCSESSION_* variables.
func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SRCSESSION_CACHE_DIR":       &s.CacheDir,
		"SRCSESSION_LOCK_POLICY":     &s.LockPolicy,
		"SRCSESSION_MARKER_BACKEND":  &s.Marker.Backend,
		"SRCSESSION_MARKER_DIR":      &s.Marker.Dir,
		"SRCSESSION_MARKER_DB":       &s.Marker.DBPath,
		"SRCSESSION_GATEWAY":         &s.Gateway.Kind,
		"SRCSESSION_MIRROR_ROOT":     &s.Gateway.MirrorRoot,
		"SRCSESSION_GCS_BUCKET":      &s.Gateway.Bucket,
		"SRCSESSION_GCS_PREFIX":      &s.Gateway.Prefix,
		"SRCSESSION_GCS_CREDENTIALS": &s.Gateway.CredentialsFile,
		"SRCSESSION_ADDR":            &s.Server.Addr,
		"SRCSESSION_OTEL_EXPORTER":   &s.Telemetry.Exporter,
		"SRCSESSION_OTEL_ENDPOINT":   &s.Telemetry.Endpoint,
		"SRCSESSION_LOG_LEVEL":       &s.Logging.Level,
		"SRCSESSION_LOG_DIR":         &s.Logging.Dir,
		CompileCommandsEnv:           &s.CompileCommandsFile,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("SRCSESSION_MARKER_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: SRCSESSION_MARKER_TTL: %v", ErrInvalidSettings, err)
		}
		s.Marker.TTL = d
	}
	if v, ok := lookup("SRCSESSION_COMPILE_MAX_CONCURRENT"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: SRCSESSION_COMPILE_MAX_CONCURRENT: %v", ErrInvalidSettings, err)
		}
		s.Compile.MaxConcurrent = n
	}
	if v, ok := lookup("SRCSESSION_COMPILE_RUNNER"); ok && v != "" {
		s.Compile.Runner = strings.Fields(v)
	}
	if v, ok := lookup("SRCSESSION_LOG_JSON"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: SRCSESSION_LOG_JSON: %v", ErrInvalidSettings, err)
		}
		s.Logging.JSON = b
	}
	return nil
}

var settingsValidate = validator.New()

// Validate checks settings against their struct tags.
func (s Settings) Validate() error {
	err := settingsValidate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
}

// ReadOnlyOnLockFailure reports whether the policy keeps documents open
// read-only when their lock cannot be acquired.
func (s Settings) ReadOnlyOnLockFailure() bool {
	return s.LockPolicy != LockPolicyAbort
}
