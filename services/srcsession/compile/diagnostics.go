// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// messageLine matches job log style messages:
//
//	RNF7030 30 line 12: The name or indicator FOO is not defined.
//	CPD0712 20 Record length 112 not valid.
var messageLine = regexp.MustCompile(`^\s*([A-Z]{3}[0-9A-F]{4})\s+(\d{1,2})\s+(?:line\s+(\d+):?\s+)?(.+?)\s*$`)

// ParseDiagnostics extracts compiler messages from runner output.
//
// # Description
//
// Two formats are recognised: event file ERROR records, and job log lines
// of the form "<msgid> <severity> [line <n>:] <text>". Numeric severities
// of 30 and above are errors, 10 to 29 warnings, and the rest informational.
// Lines in neither format are ignored.
func ParseDiagnostics(output string) []Diagnostic {
	var out []Diagnostic
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		if d, ok := parseEventRecord(line); ok {
			out = append(out, d)
			continue
		}
		if m := messageLine.FindStringSubmatch(line); m != nil {
			sev, _ := strconv.Atoi(m[2])
			ln, _ := strconv.Atoi(m[3])
			out = append(out, Diagnostic{
				Severity: severityOf(sev),
				ID:       m[1],
				Line:     ln,
				Message:  m[4],
			})
		}
	}
	return out
}

// parseEventRecord parses an event file ERROR record:
//
//	ERROR 0 001 1 000012 000012 001 000012 003 RNF7030 S 30 045 The name ...
//
// Field 5 is the start line, field 9 the message ID, field 11 the numeric
// severity and fields 13 onward the message text.
func parseEventRecord(line string) (Diagnostic, bool) {
	fields := strings.Fields(line)
	if len(fields) < 14 || fields[0] != "ERROR" {
		return Diagnostic{}, false
	}
	ln, err := strconv.Atoi(fields[5])
	if err != nil {
		return Diagnostic{}, false
	}
	sev, err := strconv.Atoi(fields[11])
	if err != nil {
		return Diagnostic{}, false
	}
	return Diagnostic{
		Severity: severityOf(sev),
		ID:       fields[9],
		Line:     ln,
		Message:  strings.Join(fields[13:], " "),
	}, true
}

func severityOf(n int) Severity {
	switch {
	case n >= 30:
		return SeverityError
	case n >= 10:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
