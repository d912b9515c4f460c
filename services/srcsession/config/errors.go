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

import "errors"

// Sentinel errors for configuration loading and lookup.
var (
	// ErrConfigurationMissing indicates no compile commands are bound to a
	// language or extension. Compiling is disabled for such documents.
	ErrConfigurationMissing = errors.New("no compile commands configured")

	// ErrInvalidSettings indicates settings failed validation.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrFileTooLarge indicates a configuration file exceeds MaxYAMLFileSize.
	ErrFileTooLarge = errors.New("configuration file too large")

	// ErrUnknownCommand indicates a command name with no template.
	ErrUnknownCommand = errors.New("unknown compile command")
)
