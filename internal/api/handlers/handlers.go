// Package handlers provides core API handler functionality for the gateway
// server. It includes the shared error response types, the mapping from
// session error kinds to HTTP statuses, and the send-with-retry helper used
// by every endpoint that talks to the upstream chat.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/web-gemini/GeminiWebGateway/internal/config"
	"github.com/web-gemini/GeminiWebGateway/internal/session"
)

// ErrorResponse represents a standard error response format for the API.
// It contains a single ErrorDetail field.
type ErrorResponse struct {
	// Error contains detailed information about the error that occurred.
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides specific information about an error that occurred.
// It includes a human-readable message, an error type, and an optional error code.
type ErrorDetail struct {
	// Message is a human-readable message providing more details about the error.
	Message string `json:"message"`

	// Type is the category of error that occurred (e.g., "invalid_request_error").
	Type string `json:"type"`

	// Code is a short code identifying the error, if applicable.
	Code string `json:"code,omitempty"`
}

// BaseAPIHandler carries the shared state every endpoint handler needs: the
// configuration and the session manager that owns the upstream conversations.
type BaseAPIHandler struct {
	// Cfg holds the current application configuration.
	Cfg *config.Config

	// Sessions owns all upstream conversations.
	Sessions *session.Manager
}

// NewBaseAPIHandler creates the shared handler state.
func NewBaseAPIHandler(cfg *config.Config, sessions *session.Manager) *BaseAPIHandler {
	return &BaseAPIHandler{Cfg: cfg, Sessions: sessions}
}

// UpdateConfig swaps the configuration after a hot reload.
func (h *BaseAPIHandler) UpdateConfig(cfg *config.Config) {
	h.Cfg = cfg
}

// GenerateResult is the outcome of one upstream round trip.
type GenerateResult struct {
	Reply *session.Reply

	// SessionKey is the key the conversation is stored under; for requests
	// without a session id this is the generated ephemeral key.
	SessionKey string
}

// Generate acquires the session for key, sends the prompt, and releases the
// session. A transport failure is retried with a forced-fresh handle up to
// the configured retry count; authentication failures are never retried.
func (h *BaseAPIHandler) Generate(ctx context.Context, key, model string, fresh bool, prompt string) (GenerateResult, error) {
	result, err := h.generateOnce(ctx, key, model, fresh, prompt)
	for attempt := 0; err != nil && errors.Is(err, session.ErrUpstreamUnavailable) && attempt < h.Cfg.RequestRetry; attempt++ {
		log.Warnf("upstream unavailable, retrying with a fresh conversation: %v", err)
		retryKey := key
		if retryKey == "" && result.SessionKey != "" {
			retryKey = result.SessionKey
		}
		result, err = h.generateOnce(ctx, retryKey, model, true, prompt)
	}
	return result, err
}

func (h *BaseAPIHandler) generateOnce(ctx context.Context, key, model string, fresh bool, prompt string) (GenerateResult, error) {
	s, err := h.Sessions.Acquire(ctx, key, model, fresh)
	if err != nil {
		return GenerateResult{}, err
	}
	defer s.Release()

	reply, err := s.Handle().Send(ctx, prompt)
	if err != nil {
		return GenerateResult{SessionKey: s.Key()}, err
	}
	return GenerateResult{Reply: reply, SessionKey: s.Key()}, nil
}

// StatusForError maps a session error kind to an HTTP status.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorTypeFor picks the OpenAI-style error type string for a failure.
func errorTypeFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusBadRequest:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// WriteErrorResponse renders err as a JSON error body with the right status.
func (h *BaseAPIHandler) WriteErrorResponse(c *gin.Context, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("request failed: %v", err)
	}
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Message: err.Error(),
			Type:    errorTypeFor(status),
		},
	})
}

// WriteBadRequest renders a 400 with an OpenAI-style body.
func (h *BaseAPIHandler) WriteBadRequest(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Message: fmt.Sprintf(format, args...),
			Type:    "invalid_request_error",
		},
	})
}
