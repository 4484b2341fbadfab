// Package server provides HTTP handlers and server setup for the streaming gateway.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"elley/internal/core"
	"elley/internal/relay"
)

// Streamer runs one relay session, writing the answer to w as it arrives.
type Streamer interface {
	Stream(ctx context.Context, query string, w io.Writer) error
}

// Handler holds the HTTP handlers
type Handler struct {
	streamer Streamer
	logger   *slog.Logger
}

// NewHandler creates a new handler relaying through streamer
func NewHandler(streamer Streamer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		streamer: streamer,
		logger:   logger,
	}
}

// AskStream handles POST /ask-stream
//
// The body must be {"query": <string>}. Validation failures are answered
// with 422 before any backend connection is made. After that the response is
// committed and the answer text is streamed as it is produced.
func (h *Handler) AskStream(c echo.Context) error {
	var req core.QueryRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewValidationError("invalid request body: query must be a string", err))
	}
	if req.Query == nil {
		return handleError(c, core.NewValidationError("query field is required", nil))
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream; charset=utf-8")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	err := h.streamer.Stream(c.Request().Context(), *req.Query, res)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, relay.ErrMalformedFragment):
		// Drop the connection so the client sees a broken stream, not a clean end.
		panic(http.ErrAbortHandler)
	default:
		// Client went away; headers are already sent and there is nobody to tell.
		h.logger.Debug("stream ended early", "request_id", core.GetRequestID(c.Request().Context()), "error", err)
		return nil
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	return c.JSON(http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
