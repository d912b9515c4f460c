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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/srcsession/services/srcsession/config"
	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/lock"
	"github.com/AleutianAI/srcsession/services/srcsession/session"
	"github.com/AleutianAI/srcsession/services/srcsession/telemetry"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer"
)

// Handlers contains the HTTP handlers for the session service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleOpen handles POST /v1/srcsession/documents.
//
// Description:
//
//	Opens a document, or returns the one already open for the identity.
//	A document opened read-only because another session holds its lock is
//	a success with outcome "created_readonly".
//
// Request Body:
//
//	OpenRequest
//
// Response:
//
//	200 OK: OpenResponse (already_open)
//	201 Created: OpenResponse (created, created_readonly)
//	400 Bad Request: Invalid identity
//	403 Forbidden: Permission denied on the remote artifact
//	404 Not Found: Remote artifact absent
//	409 Conflict: Lock held by another session (abort policy)
//	502 Bad Gateway: Network failure
func (h *Handlers) HandleOpen(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleOpen")

	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	id := req.Identity.Normalize()
	if req.LocalPath != "" {
		bound, err := id.WithLocalPath(req.LocalPath)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		id = bound
	}

	doc, outcome, err := h.svc.OpenDocument(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Document open",
		"identity_key", doc.Key(),
		"outcome", outcome.String())

	status := http.StatusCreated
	if outcome == session.AlreadyOpen {
		status = http.StatusOK
	}
	c.JSON(status, OpenResponse{Outcome: outcome, Document: doc.Info()})
}

// HandleListDocuments handles GET /v1/srcsession/documents.
//
// Response:
//
//	200 OK: DocumentsResponse
func (h *Handlers) HandleListDocuments(c *gin.Context) {
	resp := DocumentsResponse{Documents: h.svc.Documents()}
	if active, ok := h.svc.Active(); ok {
		resp.Active = active.Key()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetDocument handles GET /v1/srcsession/documents/:key.
//
// Response:
//
//	200 OK: session.Info
//	404 Not Found: Document not open
func (h *Handlers) HandleGetDocument(c *gin.Context) {
	key := c.Param("key")
	doc, ok := h.svc.Document(key)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "document not open: " + key,
			Code:  "NOT_OPEN",
		})
		return
	}
	c.JSON(http.StatusOK, doc.Info())
}

// HandleClose handles DELETE /v1/srcsession/documents/:key.
//
// Description:
//
//	Releases the document's lock and removes it. Closing a key that is not
//	open succeeds with outcome "not_open".
//
// Response:
//
//	200 OK: CloseResponse
func (h *Handlers) HandleClose(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	key := c.Param("key")

	outcome := h.svc.CloseDocument(c.Request.Context(), key)
	slog.Info("Document close",
		"request_id", requestID,
		"identity_key", key,
		"outcome", outcome.String())

	c.JSON(http.StatusOK, CloseResponse{Key: key, Outcome: outcome})
}

// HandleDirty handles POST /v1/srcsession/documents/:key/dirty.
//
// Request Body:
//
//	DirtyRequest
//
// Response:
//
//	200 OK: session.Info
//	400 Bad Request: Missing dirty flag
//	404 Not Found: Document not open
func (h *Handlers) HandleDirty(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleDirty")
	key := c.Param("key")

	var req DirtyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	var err error
	if *req.Dirty {
		err = h.svc.MarkDirty(key)
	} else {
		err = h.svc.MarkSaved(key)
	}
	if err != nil {
		writeError(c, logger, err)
		return
	}
	h.respondInfo(c, key)
}

// HandleSave handles POST /v1/srcsession/documents/:key/save.
//
// Response:
//
//	200 OK: session.Info
//	404 Not Found: Document not open
//	409 Conflict: Document is read-only
//	502 Bad Gateway: Upload failed on the network
func (h *Handlers) HandleSave(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleSave")
	key := c.Param("key")

	if err := h.svc.SaveDocument(c.Request.Context(), key); err != nil {
		writeError(c, logger, err)
		return
	}
	h.respondInfo(c, key)
}

// HandleFocus handles POST /v1/srcsession/focus.
//
// Response:
//
//	200 OK: session.Info of the focused document
//	404 Not Found: Document not open
func (h *Handlers) HandleFocus(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleFocus")

	var req FocusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := h.svc.Focus(req.Key); err != nil {
		writeError(c, logger, err)
		return
	}
	h.respondInfo(c, req.Key)
}

// HandleCommands handles GET /v1/srcsession/documents/:key/commands.
//
// Description:
//
//	Returns the compile commands offered for the document. An empty list
//	is not an error; it means compile is disabled for the document.
//
// Response:
//
//	200 OK: CommandsResponse
//	404 Not Found: Document not open
func (h *Handlers) HandleCommands(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleCommands")
	key := c.Param("key")

	cmds, err := h.svc.CompileCommands(key)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	resp := CommandsResponse{Key: key, Commands: cmds, Enabled: len(cmds) > 0}
	if resp.Enabled {
		if def, err := h.svc.DefaultCompileCommand(key); err == nil {
			resp.Default = def
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCompile handles POST /v1/srcsession/documents/:key/compile.
//
// Description:
//
//	Queues a compile and returns immediately. The outcome is delivered as
//	a compile_result event, never in this response.
//
// Request Body:
//
//	CompileRequest (optional)
//
// Response:
//
//	202 Accepted: CompileResponse
//	400 Bad Request: Command not offered for the document
//	404 Not Found: Document not open
//	422 Unprocessable Entity: Compile disabled for the document
func (h *Handlers) HandleCompile(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := requestLogger(c, requestID, "HandleCompile")
	key := c.Param("key")

	var req CompileRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("Invalid request body", "error", err)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid request body",
				Code:  "INVALID_REQUEST",
			})
			return
		}
	}

	handle, err := h.svc.SubmitCompile(c.Request.Context(), key, req.Command)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Compile queued",
		"identity_key", key,
		"job_id", handle.ID(),
		"command", handle.Job().Command,
		"position", handle.Position())

	c.JSON(http.StatusAccepted, CompileResponse{
		JobID:    handle.ID(),
		Key:      key,
		Command:  handle.Job().Command,
		Position: handle.Position(),
	})
}

// HandleHealth handles GET /v1/srcsession/health.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       ServiceVersion,
		OpenDocuments: len(h.svc.Documents()),
		HeldLocks:     len(h.svc.HeldLocks()),
	})
}

func (h *Handlers) respondInfo(c *gin.Context, key string) {
	doc, ok := h.svc.Document(key)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "document not open: " + key,
			Code:  "NOT_OPEN",
		})
		return
	}
	c.JSON(http.StatusOK, doc.Info())
}

// writeError maps the service error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	statusCode := http.StatusInternalServerError
	errCode := "INTERNAL"
	cause := ""

	switch {
	case errors.Is(err, identity.ErrInvalidIdentity), errors.Is(err, identity.ErrLocalPathBound):
		statusCode = http.StatusBadRequest
		errCode = "INVALID_IDENTITY"
	case errors.Is(err, session.ErrNotOpen):
		statusCode = http.StatusNotFound
		errCode = "NOT_OPEN"
	case errors.Is(err, session.ErrReadOnly):
		statusCode = http.StatusConflict
		errCode = "READ_ONLY"
	case errors.Is(err, lock.ErrAlreadyLockedByOther):
		statusCode = http.StatusConflict
		errCode = "LOCKED_BY_OTHER"
	case errors.Is(err, config.ErrConfigurationMissing):
		statusCode = http.StatusUnprocessableEntity
		errCode = "COMPILE_DISABLED"
	case errors.Is(err, config.ErrUnknownCommand):
		statusCode = http.StatusBadRequest
		errCode = "UNKNOWN_COMMAND"
	case errors.Is(err, ErrServiceShutdown):
		statusCode = http.StatusServiceUnavailable
		errCode = "SHUTTING_DOWN"
	default:
		var openErr *session.OpenError
		var transferErr *transfer.Error
		switch {
		case errors.As(err, &transferErr):
			tc := transfer.CauseOf(err)
			cause = tc.String()
			switch tc {
			case transfer.CauseNotFound:
				statusCode = http.StatusNotFound
				errCode = "NOT_FOUND"
			case transfer.CausePermission:
				statusCode = http.StatusForbidden
				errCode = "PERMISSION_DENIED"
			default:
				statusCode = http.StatusBadGateway
				errCode = "NETWORK_FAILURE"
			}
		case errors.As(err, &openErr) && openErr.Outcome == session.LockFailed:
			statusCode = http.StatusConflict
			errCode = "LOCK_FAILED"
		}
	}

	if statusCode >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "code", errCode)
	} else {
		logger.Warn("Request rejected", "error", err, "code", errCode)
	}
	c.JSON(statusCode, ErrorResponse{Error: err.Error(), Code: errCode, Cause: cause})
}

// getOrCreateRequestID returns the X-Request-ID header or a new UUID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// requestLogger returns the default logger tagged with the request ID, the
// handler name and the trace of the request span.
func requestLogger(c *gin.Context, requestID, handler string) *slog.Logger {
	return telemetry.LoggerWithTrace(c.Request.Context(), slog.Default()).
		With("request_id", requestID, "handler", handler)
}
