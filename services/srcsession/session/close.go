// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import "context"

// CloseHandler reacts to a document leaving the shell's active set.
//
// # Description
//
// OnClosed always releases the lock first when the document holds one, and
// then removes the document from the registry, even when the release
// reports a soft failure. A closed document that still holds its lock and
// is still registered is therefore unreachable.
//
// # Thread Safety
//
// Safe for concurrent use.
type CloseHandler struct {
	registry *Registry
}

// CloseHandler returns the close handler bound to r.
func (r *Registry) CloseHandler() *CloseHandler {
	return &CloseHandler{registry: r}
}

// OnClosed releases and deregisters doc.
//
// # Outputs
//
//   - CloseOutcome: Closed, or NotOpen when doc is no longer the registered
//     document for its key (already closed, or replaced by a later Open).
func (h *CloseHandler) OnClosed(ctx context.Context, doc *Document) CloseOutcome {
	if doc == nil {
		return NotOpen
	}
	unlock := h.registry.keys.lock(doc.Key())
	defer unlock()
	return h.registry.closeLocked(ctx, doc)
}
