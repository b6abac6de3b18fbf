package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrQueryInProgress is returned when a query page is requested while the
	// same kind of page is already loading.
	ErrQueryInProgress = errors.New("chatsync: query already in progress")

	// ErrOffline is returned when a message without pending uploads is sent
	// while the session is offline. The message stays in SyncNeeded.
	ErrOffline = errors.New("chatsync: offline")

	// ErrSendCancelled is returned by a send that was waiting on uploads when
	// the orchestrator's jobs were cancelled.
	ErrSendCancelled = errors.New("chatsync: send cancelled")

	// ErrMessageNotFound is returned when a message lookup that must succeed
	// finds nothing.
	ErrMessageNotFound = errors.New("chatsync: message not found")

	// ErrSessionClosed is returned by operations on a cleared session.
	ErrSessionClosed = errors.New("chatsync: session closed")
)

// UploadError reports that at least one attachment of a message failed to
// upload. The message is kept locally with its attachment states.
type UploadError struct {
	MessageID  string
	Attachment string
	Reason     string
}

func (e *UploadError) Error() string {
	if e.Attachment != "" {
		return fmt.Sprintf("chatsync: attachment %s of message %s failed to upload: %s", e.Attachment, e.MessageID, e.Reason)
	}
	return fmt.Sprintf("chatsync: attachments of message %s failed to upload", e.MessageID)
}

// APIError is a non-2xx answer from the remote service.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chatsync: api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chatsync: api error %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return e.StatusCode >= 500 && e.StatusCode != http.StatusNotImplemented
}

type temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err, or anything it wraps, is a temporary
// failure.
func IsTemporary(err error) bool {
	var t temporary
	return errors.As(err, &t) && t.Temporary()
}
