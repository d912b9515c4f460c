// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package language binds source extensions to language tags.
//
// The classifier is a fixed, case-insensitive lookup table. It has no state
// and performs no I/O, so it is safe for concurrent use.
package language

import (
	"sort"
	"strings"
)

// Tag identifies the language a document is edited as.
type Tag int

const (
	// None is returned for every extension the table does not know.
	None Tag = iota
	RPG
	CL
	CPP
	SQL
	COBOL
	Python
)

var tagNames = map[Tag]string{
	None:   "none",
	RPG:    "rpg",
	CL:     "cl",
	CPP:    "cpp",
	SQL:    "sql",
	COBOL:  "cobol",
	Python: "python",
}

// String returns the lowercase language name.
func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalText renders the tag as its name so it reads well in JSON and YAML.
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// extensionTable maps upper-cased extension tokens to tags. Source member
// types and stream file suffixes share the table, so "RPGLE" and "RPG" both
// land on RPG.
var extensionTable = map[string]Tag{
	"RPG":      RPG,
	"RPGLE":    RPG,
	"SQLRPGLE": RPG,
	"CL":       CL,
	"CLLE":     CL,
	"CLP":      CL,
	"CMD":      CL,
	"CPP":      CPP,
	"C":        CPP,
	"SQL":      SQL,
	"CBL":      COBOL,
	"COBOL":    COBOL,
	"CBLLE":    COBOL,
	"PYTHON":   Python,
	"PY":       Python,
}

// Classify returns the language tag for an extension token.
//
// # Description
//
// The lookup ignores case, surrounding whitespace and a single leading dot,
// so "rpgle", " RPGLE" and ".rpgle" all classify as RPG. Unknown or empty
// tokens yield None. Classify never fails.
//
// # Inputs
//
//   - extension: Member type or file suffix.
//
// # Outputs
//
//   - Tag: The bound language, or None.
func Classify(extension string) Tag {
	token := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(extension), "."))
	if tag, ok := extensionTable[token]; ok {
		return tag
	}
	return None
}

// ParseTag resolves a language name (as produced by Tag.String) back to a tag.
// The second result is false for names that are not in the table.
func ParseTag(name string) (Tag, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for tag, n := range tagNames {
		if n == name {
			return tag, true
		}
	}
	return None, false
}

// Extensions lists the upper-cased extension tokens bound to tag, sorted.
func Extensions(tag Tag) []string {
	var out []string
	for ext, t := range extensionTable {
		if t == tag {
			out = append(out, ext)
		}
	}
	sort.Strings(out)
	return out
}
