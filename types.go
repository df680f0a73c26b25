package livesync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNoCredential is returned when no bearer credential is stored.
	ErrNoCredential = errors.New("no credential stored")
	// ErrNotConnected is returned when emitting on a connection without a live transport.
	ErrNotConnected = errors.New("not connected")
	// ErrSyncConflict wraps remote failures after an optimistic change was rolled back.
	ErrSyncConflict = errors.New("notification state rejected by server")
	// ErrCredentialNotFound is returned by credential stores for missing keys.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrAutoConnectDenied is returned when the auto-connect policy rejects the session.
	ErrAutoConnectDenied = errors.New("auto-connect not permitted for this session")
)

// APIError represents an error returned by the notification REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// ErrorDetail is the structured form of a connection failure.
type ErrorDetail struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ConnectionError reports a failed handshake or reconnect attempt.
type ConnectionError struct {
	Detail ErrorDetail
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Detail.Code != "" {
		return "connection failed (" + e.Detail.Code + "): " + e.Detail.Message
	}
	return "connection failed: " + e.Detail.Message
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ============================================================================
// Wire Types
// ============================================================================

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Notification Types
// ============================================================================

// Severity classifies a notification for transient alerting. It is
// independent of the read state.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// NotificationItem is a single entry of the notification center.
type NotificationItem struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
	Read      bool            `json:"read"`
}

// UnmarshalJSON accepts the REST API's field spellings (numeric ids,
// type/created_at/is_read) alongside the canonical ones.
func (n *NotificationItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        json.RawMessage `json:"id"`
		Title     string          `json:"title"`
		Message   string          `json:"message"`
		Event     string          `json:"event"`
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload"`
		Data      json.RawMessage `json:"data"`
		Timestamp string          `json:"timestamp"`
		CreatedAt string          `json:"created_at"`
		Read      *bool           `json:"read"`
		IsRead    *bool           `json:"is_read"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*n = NotificationItem{
		ID:        rawID(raw.ID),
		Title:     raw.Title,
		Message:   raw.Message,
		Event:     firstNonEmpty(raw.Event, raw.Type),
		Payload:   raw.Payload,
		Timestamp: firstNonEmpty(raw.Timestamp, raw.CreatedAt),
	}
	if len(n.Payload) == 0 {
		n.Payload = raw.Data
	}
	switch {
	case raw.Read != nil:
		n.Read = *raw.Read
	case raw.IsRead != nil:
		n.Read = *raw.IsRead
	}
	return nil
}

func rawID(b json.RawMessage) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(b, &s) == nil {
		return s
	}
	var num json.Number
	if json.Unmarshal(b, &num) == nil {
		if i, err := num.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return num.String()
	}
	return strings.Trim(string(b), `"`)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
