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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/language"
)

func TestGetCompileRegistry_Singleton(t *testing.T) {
	ResetCompileRegistry()
	defer ResetCompileRegistry()
	t.Setenv(CompileCommandsEnv, "")

	reg1, err := GetCompileRegistry(context.Background())
	require.NoError(t, err)
	reg2, err := GetCompileRegistry(context.Background())
	require.NoError(t, err)
	assert.Same(t, reg1, reg2)
	assert.Equal(t, "embedded", reg1.Source())
	assert.NotZero(t, reg1.LoadedAt())
}

func TestGetCompileRegistry_NilContext(t *testing.T) {
	_, err := GetCompileRegistry(nil)
	assert.Error(t, err)
}

func mustMember(t *testing.T, ext string) identity.Identity {
	t.Helper()
	id, err := identity.NewMember("LIB1", "QSRC", "PGM1", ext)
	require.NoError(t, err)
	return id
}

func mustStream(t *testing.T, p string) identity.Identity {
	t.Helper()
	id, err := identity.NewStreamFile(p)
	require.NoError(t, err)
	return id
}

func TestEmbeddedRegistry_Lookups(t *testing.T) {
	reg, err := LoadCompileRegistry(context.Background(), "")
	require.NoError(t, err)

	t.Run("extension list in configured order", func(t *testing.T) {
		assert.Equal(t, []string{"CRTBNDRPG", "CRTRPGMOD", "CRTBNDRPG_STMF"}, reg.CommandsForExtension("rpgle"))
		assert.Equal(t, []string{"CRTSQLRPGI", "CRTSQLRPGI_MOD", "CRTSQLRPGI_STMF"}, reg.CommandsForExtension(".SQLRPGLE"))
	})

	t.Run("language fallback", func(t *testing.T) {
		// CBLLE has its own list; COBOL falls back to the language.
		assert.Equal(t, []string{"CRTBNDCBL", "CRTBNDCBL_STMF"}, reg.CommandsForExtension("COBOL"))
		assert.Equal(t, []string{"CRTBNDRPG", "CRTBNDRPG_STMF"}, reg.ResolveCompileCommands(language.RPG))
	})

	t.Run("members get member templates", func(t *testing.T) {
		id := mustMember(t, "RPGLE")
		assert.Equal(t, []string{"CRTBNDRPG", "CRTRPGMOD"}, reg.CommandsFor(id))
		cmd, err := reg.DefaultCommand(id)
		require.NoError(t, err)
		assert.Equal(t, "CRTBNDRPG", cmd)
	})

	t.Run("stream files get stream templates", func(t *testing.T) {
		id := mustStream(t, "/home/dev/util.rpgle")
		assert.Equal(t, []string{"CRTBNDRPG_STMF"}, reg.CommandsFor(id))
		cmd, err := reg.DefaultCommand(id)
		require.NoError(t, err)
		assert.Equal(t, "CRTBNDRPG_STMF", cmd, "member default is skipped for stream files")

		assert.Equal(t, []string{"RUNSQLSTM_STMF"}, reg.CommandsFor(mustStream(t, "/sql/create.sql")))
		assert.Equal(t, []string{"CRTBNDCBL_STMF"}, reg.CommandsFor(mustStream(t, "/src/pay.cobol")))
	})

	t.Run("every extension has a command for both classes", func(t *testing.T) {
		for _, ext := range reg.Extensions() {
			for _, name := range reg.CommandsForExtension(ext) {
				_, ok := reg.Template(name)
				assert.True(t, ok, "%s lists unknown %s", ext, name)
			}
			if ext == "CL" {
				// CL is stream-only source.
				assert.Empty(t, reg.CommandsFor(mustMember(t, ext)))
				continue
			}
			assert.NotEmpty(t, reg.CommandsFor(mustMember(t, ext)), "member %s", ext)
		}
	})

	t.Run("local files are never compiled", func(t *testing.T) {
		id, err := identity.NewLocal(filepath.Join(t.TempDir(), "x.rpgle"))
		require.NoError(t, err)
		assert.Empty(t, reg.CommandsFor(id))
		_, err = reg.DefaultCommand(id)
		assert.ErrorIs(t, err, ErrConfigurationMissing)
	})

	t.Run("no commands disables compile", func(t *testing.T) {
		assert.Empty(t, reg.CommandsForExtension("PY"))
		assert.Empty(t, reg.ResolveCompileCommands(language.Python))
		assert.Empty(t, reg.CommandsFor(mustMember(t, "TXT")))

		_, err := reg.DefaultCommand(mustStream(t, "/home/dev/tool.py"))
		assert.ErrorIs(t, err, ErrConfigurationMissing)
	})

	t.Run("defaults", func(t *testing.T) {
		cmd, err := reg.DefaultCommand(mustMember(t, "CPP"))
		require.NoError(t, err)
		assert.Equal(t, "CRTBNDCPP", cmd, "explicit default wins over list order")

		cmd, err = reg.DefaultCommand(mustMember(t, "clle"))
		require.NoError(t, err)
		assert.Equal(t, "CRTBNDCL", cmd)

		cmd, err = reg.DefaultCommand(mustStream(t, "/src/main.cpp"))
		require.NoError(t, err)
		assert.Equal(t, "CRTBNDCPP_STMF", cmd)
	})

	t.Run("results are copies", func(t *testing.T) {
		id := mustMember(t, "RPGLE")
		cmds := reg.CommandsFor(id)
		cmds[0] = "MUTATED"
		assert.Equal(t, "CRTBNDRPG", reg.CommandsFor(id)[0])
		assert.Equal(t, "CRTBNDRPG", reg.CommandsForExtension("RPGLE")[0])
	})

	t.Run("templates", func(t *testing.T) {
		tmpl, ok := reg.Template("CRTBNDRPG")
		require.True(t, ok)
		assert.Contains(t, tmpl, "&OPENLIB/&OPENMBR")
		_, ok = reg.Template("NOPE")
		assert.False(t, ok)
		assert.Contains(t, reg.Commands(), "RUNSQLSTM")
		assert.Contains(t, reg.Extensions(), "RPGLE")
		assert.Equal(t, ScopeMember, reg.Scope("CRTBNDRPG"))
		assert.Equal(t, ScopeStream, reg.Scope("CRTBNDRPG_STMF"))
	})
}

func TestTemplateScope(t *testing.T) {
	tests := []struct {
		tmpl    string
		want    Scope
		wantErr bool
	}{
		{"CRTBNDRPG PGM(&OPENLIB/&OPENMBR)", ScopeMember, false},
		{"RUNSQLSTM SRCFILE(QGPL/&OPENSPF)", ScopeMember, false},
		{"CRTBNDRPG SRCSTMF('&FULLPATH')", ScopeStream, false},
		{"DSPJOBLOG OUTPUT(*PRINT) NAME(&NAME)", ScopeAny, false},
		{"CRTBNDRPG PGM(&OPENLIB/&NAME) SRCSTMF('&FULLPATH')", ScopeAny, true},
	}
	for _, tt := range tests {
		got, err := templateScope(tt.tmpl)
		if tt.wantErr {
			assert.Error(t, err, tt.tmpl)
			continue
		}
		require.NoError(t, err, tt.tmpl)
		assert.Equal(t, tt.want, got, tt.tmpl)
	}

	assert.True(t, ScopeAny.Accepts(identity.ContainerHost))
	assert.True(t, ScopeAny.Accepts(identity.HierarchicalFS))
	assert.False(t, ScopeAny.Accepts(identity.LocalFS))
	assert.False(t, ScopeMember.Accepts(identity.HierarchicalFS))
	assert.False(t, ScopeStream.Accepts(identity.ContainerHost))
	assert.Equal(t, "stream", ScopeStream.String())
}

func TestEveryTypeClassifies(t *testing.T) {
	reg, err := LoadCompileRegistry(context.Background(), "")
	require.NoError(t, err)
	for _, ext := range reg.Extensions() {
		assert.NotEqual(t, language.None, language.Classify(ext), "extension %s has commands but no language", ext)
	}
}

func TestParseCompileRegistry_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"malformed", "commands: [", "unmarshaling"},
		{"unknown command", "commands: {A: x}\ntypes: {RPGLE: {commands: [B]}}", "unknown compile command"},
		{"default not listed", "commands: {A: x, B: y}\ntypes: {RPGLE: {default: B, commands: [A]}}", "default B"},
		{"unknown language", "commands: {A: x}\nlanguages: {fortran: [A]}", "unknown language"},
		{"empty template", "commands: {A: ''}", "empty name or template"},
		{"mixed template", "commands: {A: \"X F(&OPENLIB) S('&FULLPATH')\"}", "mixes member and stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCompileRegistry(context.Background(), []byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := ParseCompileRegistry(context.Background(), []byte("commands: {A: x}\ntypes: {RPGLE: {commands: [B]}}"))
	assert.True(t, errors.Is(err, ErrUnknownCommand))
}

func TestLoadCompileRegistry_External(t *testing.T) {
	dir := t.TempDir()

	t.Run("override replaces embedded", func(t *testing.T) {
		path := filepath.Join(dir, "commands.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"commands:\n  MYCRT: \"CRTBNDRPG PGM(DEV/&OPENMBR)\"\ntypes:\n  RPGLE:\n    commands: [MYCRT]\n"), 0644))

		reg, err := LoadCompileRegistry(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, path, reg.Source())
		assert.Equal(t, []string{"MYCRT"}, reg.CommandsForExtension("RPGLE"))
		assert.Empty(t, reg.CommandsForExtension("CLLE"))
	})

	t.Run("missing file falls back", func(t *testing.T) {
		reg, err := LoadCompileRegistry(context.Background(), filepath.Join(dir, "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "embedded", reg.Source())
	})

	t.Run("oversized file falls back", func(t *testing.T) {
		path := filepath.Join(dir, "huge.yaml")
		require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("#", MaxYAMLFileSize+1)), 0644))

		_, err := ReadYAMLFile(context.Background(), path)
		assert.ErrorIs(t, err, ErrFileTooLarge)

		reg, err := LoadCompileRegistry(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, "embedded", reg.Source())
	})

	t.Run("broken override is an error", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("types: {RPGLE: {commands: [GHOST]}}"), 0644))

		_, err := LoadCompileRegistry(context.Background(), path)
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("env selects file", func(t *testing.T) {
		path := filepath.Join(dir, "commands.yaml")
		t.Setenv(CompileCommandsEnv, path)
		assert.Equal(t, path, externalRegistryPath())
	})
}
