package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied text. Requirements flow into
// prompts and a TEXT column, so a single oversized body must not be able
// to blow up either.
const (
	MinRequirementsLen = 10
	MaxRequirementsLen = 64 * 1024 // 64 KB
)

// ValidateRequirements checks the requirement text a session starts from.
func ValidateRequirements(text string) error {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < MinRequirementsLen {
		return fmt.Errorf("requirements must be at least %d characters", MinRequirementsLen)
	}
	if len(text) > MaxRequirementsLen {
		return fmt.Errorf("requirements exceeds maximum length of %d bytes", MaxRequirementsLen)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// StartSessionRequest is the request body for POST /v1/sessions.
type StartSessionRequest struct {
	Requirements string `json:"requirements"`
}

// StartSessionResponse is the response for POST /v1/sessions.
type StartSessionResponse struct {
	SessionID uuid.UUID     `json:"session_id"`
	Phase     Phase         `json:"phase"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// CheckpointsResponse is the response for GET /v1/sessions/{id}/checkpoints.
// ChainValid reports whether the snapshot hash chain verified end to end;
// ChainError carries the first break when it did not.
type CheckpointsResponse struct {
	SessionID   uuid.UUID    `json:"session_id"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	ChainValid  bool         `json:"chain_valid"`
	ChainError  string       `json:"chain_error,omitempty"`
}

// CancelSessionResponse is the response for POST /v1/sessions/{id}/cancel.
// Cancellation is cooperative, so the session settles shortly after.
type CancelSessionResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	Status    string    `json:"status"`
}

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Store          string `json:"store"`
	BufferDepth    int    `json:"buffer_depth"`
	BufferStatus   string `json:"buffer_status"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// VersionResponse is the response for GET /version.
type VersionResponse struct {
	Version string `json:"version"`
}
