// Package audit records user actions dispatched by the cloud API: who did
// what to which router, and how it ended.
package audit

import (
	"fmt"
	"time"
)

// Event is one auditable user action.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"userId"`
	SessionID  string    `json:"sessionId,omitempty"`
	RouterID   string    `json:"routerId,omitempty"`
	Operation  string    `json:"operation"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	DurationMs int64     `json:"durationMs"`
	ClientIP   string    `json:"clientIp,omitempty"`
}

// Filter defines criteria for querying audit events.
type Filter struct {
	UserID      string
	RouterID    string
	Operation   string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent starts an event for a user action.
func NewEvent(userID, sessionID, operation string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		UserID:    userID,
		SessionID: sessionID,
		Operation: operation,
	}
}

// WithRouter sets the target router.
func (e *Event) WithRouter(routerID string) *Event {
	e.RouterID = routerID
	return e
}

// WithClientIP sets the caller's address.
func (e *Event) WithClientIP(ip string) *Event {
	e.ClientIP = ip
	return e
}

// WithSuccess marks the event as successful.
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed, keeping the stable error code
// alongside the message.
func (e *Event) WithError(code string, err error) *Event {
	e.Success = false
	e.ErrorCode = code
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration.
func (e *Event) WithDuration(d time.Duration) *Event {
	e.DurationMs = d.Milliseconds()
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
