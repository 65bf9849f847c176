// Package envelope defines the uniform response shape shared by the
// Commands-Server and the cloud API: {success, data?, error?, metadata}.
// Clients switch on error codes, never on messages.
package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/netpilot-net/netpilot/pkg/util"
)

// Error codes carried on the wire. These are stable; messages are not.
const (
	CodeUnauthenticated = "Unauthenticated"
	CodeAuthIncomplete  = "AuthIncomplete"
	CodeForbidden       = "Forbidden"
	CodeBadRequest      = "BadRequest"
	CodeConflict        = "Conflict"
	CodeNotFound        = "NotFound"
	CodeNoFreePort      = "NoFreePort"
	CodeTunnelDown      = "TunnelDown"
	CodeUnknownRouter   = "UnknownRouter"
	CodeUnknownSession  = "UnknownSession"
	CodeAuthFailed      = "AuthFailed"
	CodeTimeout         = "Timeout"
	CodeCommandFailed   = "CommandFailed"
	CodeAccountLocked   = "AccountLocked"
	CodeInternal        = "Internal"
)

// Error is the wire error payload.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Metadata identifies the command the envelope answers.
type Metadata struct {
	RouterID   string `json:"routerId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Envelope is the uniform response shape.
type Envelope struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *Error          `json:"error,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

// OK builds a success envelope around data.
func OK(data interface{}, md Metadata) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Success: true, Data: raw, Metadata: md}, nil
}

// Fail builds a failure envelope from an error, deriving the wire code
// from the util sentinel wrapped inside it.
func Fail(err error, md Metadata) *Envelope {
	return &Envelope{
		Success: false,
		Error: &Error{
			Code:      CodeForError(err),
			Message:   err.Error(),
			Retryable: Retryable(err),
		},
		Metadata: md,
	}
}

// DecodeData unmarshals the envelope data into out. Fails on error envelopes.
func (e *Envelope) DecodeData(out interface{}) error {
	if !e.Success {
		return e.Err()
	}
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

// Err converts a failure envelope back into a sentinel-wrapped error so
// callers can use errors.Is across the HTTP boundary. Returns nil for
// success envelopes.
func (e *Envelope) Err() error {
	if e.Success || e.Error == nil {
		return nil
	}
	return &RemoteError{Code: e.Error.Code, Message: e.Error.Message}
}

// RemoteError is an error received from a downstream component.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	if s, ok := sentinelByCode[e.Code]; ok {
		return s
	}
	return nil
}

var sentinelByCode = map[string]error{
	CodeUnauthenticated: util.ErrUnauthenticated,
	CodeAuthIncomplete:  util.ErrAuthIncomplete,
	CodeForbidden:       util.ErrForbidden,
	CodeBadRequest:      util.ErrBadRequest,
	CodeConflict:        util.ErrConflict,
	CodeNotFound:        util.ErrNotFound,
	CodeNoFreePort:      util.ErrNoFreePort,
	CodeTunnelDown:      util.ErrTunnelDown,
	CodeUnknownRouter:   util.ErrUnknownRouter,
	CodeUnknownSession:  util.ErrUnknownSession,
	CodeAuthFailed:      util.ErrAuthFailed,
	CodeTimeout:         util.ErrTimeout,
	CodeCommandFailed:   util.ErrCommandFailed,
	CodeAccountLocked:   util.ErrAccountLocked,
}

// CodeForError maps a sentinel-wrapped error to its wire code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, util.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, util.ErrAuthIncomplete):
		return CodeAuthIncomplete
	case errors.Is(err, util.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, util.ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, util.ErrConflict):
		return CodeConflict
	case errors.Is(err, util.ErrNoFreePort):
		return CodeNoFreePort
	case errors.Is(err, util.ErrTunnelDown):
		return CodeTunnelDown
	case errors.Is(err, util.ErrUnknownRouter):
		return CodeUnknownRouter
	case errors.Is(err, util.ErrUnknownSession):
		return CodeUnknownSession
	case errors.Is(err, util.ErrAuthFailed):
		return CodeAuthFailed
	case errors.Is(err, util.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, util.ErrCommandFailed):
		return CodeCommandFailed
	case errors.Is(err, util.ErrAccountLocked):
		return CodeAccountLocked
	case errors.Is(err, util.ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

// Retryable reports whether a failed command may be safely retried by the
// caller. Timeouts on mutating commands are never retryable; the dispatcher
// decides per operation, this is the conservative default.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, util.ErrTunnelDown):
		return true
	case errors.Is(err, util.ErrUnknownSession):
		return false
	case errors.Is(err, util.ErrTimeout):
		return false
	default:
		return false
	}
}

// HTTPStatus maps a wire code to the HTTP status the APIs answer with.
func HTTPStatus(code string) int {
	switch code {
	case CodeUnauthenticated, CodeAuthIncomplete:
		return 401
	case CodeForbidden:
		return 403
	case CodeBadRequest:
		return 400
	case CodeConflict:
		return 409
	case CodeNotFound, CodeUnknownRouter, CodeUnknownSession:
		return 404
	case CodeAccountLocked:
		return 423
	case CodeNoFreePort:
		return 503
	case CodeTunnelDown:
		return 502
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}

// Now is the envelope timestamp source, overridable in tests.
var Now = time.Now

// Since returns elapsed milliseconds for Metadata.DurationMs.
func Since(start time.Time) int64 {
	return Now().Sub(start).Milliseconds()
}
