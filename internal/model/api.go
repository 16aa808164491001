package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the language-neutral error taxonomy surfaced to callers.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input"
	KindNotFound     ErrorKind = "not_found"
	KindStorage      ErrorKind = "storage_error"
	KindChain        ErrorKind = "chain_error"
	KindCancelled    ErrorKind = "cancelled"
	KindUnavailable  ErrorKind = "unavailable"
	KindUnauthorized ErrorKind = "unauthorized"
	KindRateLimited  ErrorKind = "rate_limited"
	KindInternal     ErrorKind = "internal_error"
)

// Error is a kinded error carried across component boundaries. Underlying
// storage diagnostics are redacted to message-only before reaching callers.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// InvalidInput returns a caller-visible invalid-input error.
func InvalidInput(msg string) error {
	return &Error{Kind: KindInvalidInput, Message: msg}
}

// NotFound returns a caller-visible not-found error.
func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// StorageError wraps a persistence failure, keeping the cause for logs but
// exposing only the message.
func StorageError(msg string, cause error) error {
	return &Error{Kind: KindStorage, Message: msg, wrapped: cause}
}

// Unavailable reports a capability that is not configured.
func Unavailable(msg string) error {
	return &Error{Kind: KindUnavailable, Message: msg}
}

// Cancelled reports an operation aborted by shutdown or timeout.
func Cancelled(msg string) error {
	return &Error{Kind: KindCancelled, Message: msg}
}

// Unauthorized reports a missing or insufficient credential.
func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// KindOf extracts the error kind, defaulting to internal_error for
// unclassified errors and cancelled for context errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// ErrorDetail is the wire form of an error inside a response envelope.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ToolResponse is the envelope for POST /api/tools/<name> responses.
type ToolResponse struct {
	Success    bool         `json:"success"`
	Result     any          `json:"result,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	DurationMs int64        `json:"duration"`
}

// ToolInfo describes one registered operation for GET /api/tools.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// PersistenceHealth reports the storage backend's status for /health.
type PersistenceHealth struct {
	Status       string   `json:"status"` // connected | disconnected | none
	Backend      string   `json:"backend,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ChainHealth reports chain manager status for /health.
type ChainHealth struct {
	Initialized bool  `json:"initialized"`
	HeadSlot    int64 `json:"head_slot"`
	Pending     int   `json:"pending"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status      string            `json:"status"` // healthy | degraded | unhealthy
	Identity    string            `json:"identity"`
	Version     string            `json:"version"`
	Persistence PersistenceHealth `json:"persistence"`
	Chain       *ChainHealth      `json:"chain,omitempty"`
	Search      string            `json:"search,omitempty"` // connected | disconnected, when Qdrant is configured
	SSEClients  int               `json:"sse_clients"`
	Uptime      int64             `json:"uptime_seconds"`
}
