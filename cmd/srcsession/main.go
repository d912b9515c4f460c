// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command srcsession serves editor sessions over remote source members and
// provides maintenance tools for the lock board and compile commands.
//
// Usage:
//
//	srcsession serve --config srcsession.yaml
//	srcsession classify RPGLE SQLRPGLE CLP
//	srcsession commands RPGLE --member LIB1/QRPGLESRC/PGM1
//	srcsession locks list
//	srcsession locks cleanup
//
// Example requests against a running server:
//
//	# Health check
//	curl http://127.0.0.1:8095/v1/srcsession/health
//
//	# Open a member
//	curl -X POST http://127.0.0.1:8095/v1/srcsession/documents \
//	  -H "Content-Type: application/json" \
//	  -d '{"identity": {"class": "qsys", "qualifier": "LIB1", "object": "QRPGLESRC", "member": "PGM1", "extension": "RPGLE"}}'
//
//	# Queue a compile with the default command
//	curl -X POST http://127.0.0.1:8095/v1/srcsession/documents/qsys:LIB1%2FQRPGLESRC%2FPGM1/compile
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
