// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package language

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Table(t *testing.T) {
	tests := []struct {
		ext  string
		want Tag
	}{
		{"RPG", RPG},
		{"RPGLE", RPG},
		{"SQLRPGLE", RPG},
		{"CL", CL},
		{"CLLE", CL},
		{"CLP", CL},
		{"CMD", CL},
		{"CPP", CPP},
		{"C", CPP},
		{"SQL", SQL},
		{"CBL", COBOL},
		{"COBOL", COBOL},
		{"CBLLE", COBOL},
		{"PYTHON", Python},
		{"PY", Python},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ext))
			assert.Equal(t, tt.want, Classify(strings.ToLower(tt.ext)), "lowercase")
			assert.Equal(t, tt.want, Classify("."+strings.ToLower(tt.ext)), "dotted suffix")
		})
	}
}

func TestClassify_UnknownIsNone(t *testing.T) {
	for _, ext := range []string{"", " ", "TXT", "rpg2", "..rpg", "DSPF", "ÄÖÜ", "\x00"} {
		assert.Equal(t, None, Classify(ext), "extension %q", ext)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	inputs := []string{"rpgle", "Clle", "unknown", "py", ""}
	for _, in := range inputs {
		first := Classify(in)
		for i := 0; i < 100; i++ {
			if got := Classify(in); got != first {
				t.Fatalf("Classify(%q) changed from %v to %v", in, first, got)
			}
		}
	}
}

func TestTag_StringAndParse(t *testing.T) {
	for tag := range tagNames {
		parsed, ok := ParseTag(tag.String())
		assert.True(t, ok)
		assert.Equal(t, tag, parsed)
	}

	_, ok := ParseTag("fortran")
	assert.False(t, ok)
	assert.Equal(t, "unknown", Tag(42).String())
}

func TestExtensions(t *testing.T) {
	assert.Equal(t, []string{"RPG", "RPGLE", "SQLRPGLE"}, Extensions(RPG))
	assert.Equal(t, []string{"CBL", "CBLLE", "COBOL"}, Extensions(COBOL))
	assert.Empty(t, Extensions(None))
}
