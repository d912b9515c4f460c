// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads srcsession settings and the compile command registry.
//
// Thread Safety:
//
//	All exported functions and types are safe for concurrent use. Registries
//	are read-only once loaded.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/language"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxYAMLFileSize is the maximum accepted configuration file size (1MB).
	MaxYAMLFileSize = 1024 * 1024

	// MaxCommandsPerType bounds the command list of one extension.
	MaxCommandsPerType = 32

	// CompileCommandsEnv names an external compile command file.
	CompileCommandsEnv = "SRCSESSION_COMPILE_COMMANDS"
)

//go:embed compile_commands.yaml
var defaultCompileCommandsYAML []byte

// =============================================================================
// Metrics and tracing
// =============================================================================

var (
	commandResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "srcsession_compile_command_resolutions_total",
		Help: "Compile command lookups by language and the table that answered",
	}, []string{"language", "source"})

	registryLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srcsession_compile_registry_load_errors_total",
		Help: "Total compile command registry load errors",
	})

	registryLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "srcsession_compile_registry_load_duration_seconds",
		Help:    "Duration of compile command registry loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})
)

var registryTracer = otel.Tracer("srcsession.config.compile")

// =============================================================================
// Types
// =============================================================================

// compileCommandsYAML is the root structure of compile_commands.yaml.
type compileCommandsYAML struct {
	Commands  map[string]string        `yaml:"commands"`
	Types     map[string]typeEntryYAML `yaml:"types"`
	Languages map[string][]string      `yaml:"languages"`
}

type typeEntryYAML struct {
	Default  string   `yaml:"default,omitempty"`
	Commands []string `yaml:"commands"`
}

type typeEntry struct {
	defaultCmd string
	commands   []string
}

// Scope is the kind of identity a command template can compile.
type Scope int

const (
	// ScopeAny templates use no class-specific variable.
	ScopeAny Scope = iota
	// ScopeMember templates use &OPENLIB, &OPENSPF or &OPENMBR.
	ScopeMember
	// ScopeStream templates use &FULLPATH.
	ScopeStream
)

// String returns the scope name shown by the CLI.
func (s Scope) String() string {
	switch s {
	case ScopeMember:
		return "member"
	case ScopeStream:
		return "stream"
	default:
		return "any"
	}
}

// Accepts reports whether a template of this scope can compile an identity
// of class c. Local files are never compiled remotely.
func (s Scope) Accepts(c identity.SystemClass) bool {
	switch c {
	case identity.ContainerHost:
		return s != ScopeStream
	case identity.HierarchicalFS:
		return s != ScopeMember
	default:
		return false
	}
}

// templateScope derives a template's scope from the variables it uses.
func templateScope(tmpl string) (Scope, error) {
	member := strings.Contains(tmpl, "&OPENLIB") || strings.Contains(tmpl, "&OPENSPF") ||
		strings.Contains(tmpl, "&OPENMBR")
	stream := strings.Contains(tmpl, "&FULLPATH")
	switch {
	case member && stream:
		return ScopeAny, fmt.Errorf("template mixes member and stream file variables")
	case member:
		return ScopeMember, nil
	case stream:
		return ScopeStream, nil
	default:
		return ScopeAny, nil
	}
}

// CompileRegistry maps extensions and languages to compile commands, and
// command names to command templates.
//
// Thread Safety: Safe for concurrent use after loading.
type CompileRegistry struct {
	templates map[string]string
	scopes    map[string]Scope
	types     map[string]typeEntry
	languages map[language.Tag][]string
	source    string
	loadedAt  int64
}

// =============================================================================
// Singleton registry
// =============================================================================

var (
	registryMu      sync.Mutex
	cachedRegistry  *CompileRegistry
	registryLoadErr error
	registryLoaded  bool
)

// GetCompileRegistry returns the process-wide compile command registry.
//
// Description:
//
//	Loads the registry on first call from the file named by
//	SRCSESSION_COMPILE_COMMANDS, ./config/compile_commands.yaml or
//	./.srcsession/compile_commands.yaml, falling back to the embedded default, and
//	caches the result.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//
// Outputs:
//
//	*CompileRegistry - The loaded registry.
//	error - Non-nil if loading failed.
func GetCompileRegistry(ctx context.Context) (*CompileRegistry, error) {
	if ctx == nil {
		return nil, fmt.Errorf("GetCompileRegistry: ctx must not be nil")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if !registryLoaded {
		cachedRegistry, registryLoadErr = LoadCompileRegistry(ctx, externalRegistryPath())
		registryLoaded = true
	}
	return cachedRegistry, registryLoadErr
}

// ResetCompileRegistry clears the cached registry. Intended for tests.
func ResetCompileRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	cachedRegistry = nil
	registryLoadErr = nil
	registryLoaded = false
}

// =============================================================================
// Loading
// =============================================================================

// LoadCompileRegistry loads a registry from path, or from the embedded
// default when path is empty.
//
// Description:
//
//	An external file that cannot be read or is too large is logged and the
//	embedded default is used instead. A file that reads but does not parse
//	is an error: silently ignoring a broken override would hide it.
//
// Inputs:
//
//	ctx - Context for tracing.
//	path - External YAML file, or "".
//
// Outputs:
//
//	*CompileRegistry - The loaded registry.
//	error - Non-nil if the YAML is malformed or references unknown commands.
func LoadCompileRegistry(ctx context.Context, path string) (*CompileRegistry, error) {
	ctx, span := registryTracer.Start(ctx, "compileregistry.Load")
	defer span.End()

	startTime := time.Now()
	defer func() {
		registryLoadDuration.Observe(time.Since(startTime).Seconds())
	}()

	data := defaultCompileCommandsYAML
	source := "embedded"
	if path != "" {
		external, err := ReadYAMLFile(ctx, path)
		if err == nil {
			data = external
			source = path
			slog.Info("Loaded compile commands from external file", slog.String("path", path))
		} else {
			slog.Warn("External compile commands not available, using embedded default",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
	}
	span.SetAttributes(
		attribute.String("source", source),
		attribute.Int("yaml_size", len(data)),
	)

	reg, err := ParseCompileRegistry(ctx, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		registryLoadErrors.Inc()
		return nil, fmt.Errorf("parsing compile commands from %s: %w", source, err)
	}
	reg.source = source

	slog.Debug("Compile command registry loaded",
		slog.Int("command_count", len(reg.templates)),
		slog.Int("type_count", len(reg.types)),
		slog.String("source", source))
	return reg, nil
}

// externalRegistryPath returns the configured external registry file, or "".
func externalRegistryPath() string {
	if path := os.Getenv(CompileCommandsEnv); path != "" {
		return path
	}
	for _, loc := range []string{"./config/compile_commands.yaml", "./.srcsession/compile_commands.yaml"} {
		if _, err := os.Stat(loc); err == nil {
			abs, _ := filepath.Abs(loc)
			return abs
		}
	}
	return ""
}

// ReadYAMLFile reads a configuration file, refusing anything larger than
// MaxYAMLFileSize.
func ReadYAMLFile(ctx context.Context, path string) ([]byte, error) {
	_, span := registryTracer.Start(ctx, "config.ReadYAMLFile",
		trace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", absPath)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, info.Size(), MaxYAMLFileSize)
	}
	span.SetAttributes(attribute.Int64("file_size", info.Size()))

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// ParseCompileRegistry parses and validates registry YAML.
//
// Extension keys are upper-cased. Every command named by a type or language
// must have a template, and a type's default must appear in its list.
func ParseCompileRegistry(ctx context.Context, data []byte) (*CompileRegistry, error) {
	_, span := registryTracer.Start(ctx, "compileregistry.Parse")
	defer span.End()

	var raw compileCommandsYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}

	reg := &CompileRegistry{
		templates: make(map[string]string, len(raw.Commands)),
		scopes:    make(map[string]Scope, len(raw.Commands)),
		types:     make(map[string]typeEntry, len(raw.Types)),
		languages: make(map[language.Tag][]string, len(raw.Languages)),
		loadedAt:  time.Now().UnixMilli(),
	}

	for name, tmpl := range raw.Commands {
		name = strings.TrimSpace(name)
		if name == "" || strings.TrimSpace(tmpl) == "" {
			return nil, fmt.Errorf("command %q has an empty name or template", name)
		}
		scope, err := templateScope(tmpl)
		if err != nil {
			return nil, fmt.Errorf("command %s: %w", name, err)
		}
		reg.templates[name] = tmpl
		reg.scopes[name] = scope
	}

	for ext, entry := range raw.Types {
		ext = normalizeExt(ext)
		if len(entry.Commands) > MaxCommandsPerType {
			return nil, fmt.Errorf("type %s has too many commands: %d (max %d)",
				ext, len(entry.Commands), MaxCommandsPerType)
		}
		if err := reg.checkKnown("type "+ext, entry.Commands); err != nil {
			return nil, err
		}
		if entry.Default != "" && !contains(entry.Commands, entry.Default) {
			return nil, fmt.Errorf("type %s: default %s is not in its command list", ext, entry.Default)
		}
		reg.types[ext] = typeEntry{defaultCmd: entry.Default, commands: entry.Commands}
	}

	for name, cmds := range raw.Languages {
		tag, ok := language.ParseTag(name)
		if !ok || tag == language.None {
			return nil, fmt.Errorf("unknown language %q", name)
		}
		if err := reg.checkKnown("language "+name, cmds); err != nil {
			return nil, err
		}
		reg.languages[tag] = cmds
	}

	span.SetAttributes(
		attribute.Int("command_count", len(reg.templates)),
		attribute.Int("type_count", len(reg.types)),
	)
	return reg, nil
}

func (r *CompileRegistry) checkKnown(owner string, cmds []string) error {
	for _, c := range cmds {
		if _, ok := r.templates[c]; !ok {
			return fmt.Errorf("%s: %w: %s", owner, ErrUnknownCommand, c)
		}
	}
	return nil
}

// =============================================================================
// Lookups
// =============================================================================

// ResolveCompileCommands returns the commands bound to a language, in order.
// The result is empty when none are configured.
func (r *CompileRegistry) ResolveCompileCommands(tag language.Tag) []string {
	cmds := r.languages[tag]
	source := "language"
	if len(cmds) == 0 {
		source = "none"
	}
	commandResolutions.WithLabelValues(tag.String(), source).Inc()
	return append([]string(nil), cmds...)
}

// CommandsForExtension returns every command configured for an extension,
// whatever identity class it needs: the extension's own list if it has one,
// otherwise its language's list.
func (r *CompileRegistry) CommandsForExtension(extension string) []string {
	ext := normalizeExt(extension)
	if entry, ok := r.types[ext]; ok && len(entry.commands) > 0 {
		commandResolutions.WithLabelValues(language.Classify(ext).String(), "type").Inc()
		return append([]string(nil), entry.commands...)
	}
	return r.ResolveCompileCommands(language.Classify(ext))
}

// CommandsFor returns the commands that can compile id, in order.
//
// Description:
//
//	The extension's commands are filtered by template scope, so members are
//	only offered member templates and stream files only stream templates.
//	Local files get none.
func (r *CompileRegistry) CommandsFor(id identity.Identity) []string {
	all := r.CommandsForExtension(id.Extension)
	out := all[:0]
	for _, name := range all {
		if r.scopes[name].Accepts(id.Class) {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DefaultCommand returns the command used when a compile of id names none.
//
// Outputs:
//
//	string - The extension's explicit default when it can compile id, else
//	         the first command offered for id.
//	error - ErrConfigurationMissing when no command can compile id.
func (r *CompileRegistry) DefaultCommand(id identity.Identity) (string, error) {
	cmds := r.CommandsFor(id)
	if len(cmds) == 0 {
		return "", fmt.Errorf("%w: %s %s", ErrConfigurationMissing, id.Class, normalizeExt(id.Extension))
	}
	if def := r.ExtensionDefault(id.Extension); def != "" && contains(cmds, def) {
		return def, nil
	}
	return cmds[0], nil
}

// ExtensionDefault returns the explicit default of an extension, or "".
func (r *CompileRegistry) ExtensionDefault(extension string) string {
	return r.types[normalizeExt(extension)].defaultCmd
}

// Scope returns the identity class a command's template needs.
func (r *CompileRegistry) Scope(name string) Scope {
	return r.scopes[name]
}

// Template returns the template for a command name.
func (r *CompileRegistry) Template(name string) (string, bool) {
	t, ok := r.templates[name]
	return t, ok
}

// Commands returns every command name, sorted.
func (r *CompileRegistry) Commands() []string {
	out := make([]string, 0, len(r.templates))
	for name := range r.templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Extensions returns every extension with its own command list, sorted.
func (r *CompileRegistry) Extensions() []string {
	out := make([]string, 0, len(r.types))
	for ext := range r.types {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Source returns "embedded" or the path the registry was loaded from.
func (r *CompileRegistry) Source() string {
	return r.source
}

// LoadedAt returns when the registry was parsed, in Unix milliseconds UTC.
func (r *CompileRegistry) LoadedAt() int64 {
	return r.loadedAt
}

func normalizeExt(extension string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(extension), "."))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
