package models

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindChannelUnavailable
	KindUnauthenticated
	KindEmptyInput
	KindNoCounterparty
	KindFetchFailed
	KindPersistenceFailed
	KindInvalidInput
	KindRejected
)

var kindNames = map[ErrorKind]string{
	KindUnknown:            "unknown",
	KindChannelUnavailable: "channel_unavailable",
	KindUnauthenticated:    "unauthenticated",
	KindEmptyInput:         "empty_input",
	KindNoCounterparty:     "no_counterparty",
	KindFetchFailed:        "fetch_failed",
	KindPersistenceFailed:  "persistence_failed",
	KindInvalidInput:       "invalid_input",
	KindRejected:           "rejected",
}

func (k ErrorKind) String() string {
	return kindNames[k]
}

// Sentinels for errors.Is matching on kind alone.
var (
	ErrChannelUnavailable = &Error{Kind: KindChannelUnavailable}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated}
	ErrEmptyInput         = &Error{Kind: KindEmptyInput}
	ErrNoCounterparty     = &Error{Kind: KindNoCounterparty}
	ErrFetchFailed        = &Error{Kind: KindFetchFailed}
	ErrPersistenceFailed  = &Error{Kind: KindPersistenceFailed}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrRejected           = &Error{Kind: KindRejected}
)

// Error is the recoverable failure type shared by the sync components.
// Scope names what failed, usually a counterparty id or "bookings".
// Notice overrides the generic reason for the kind.
type Error struct {
	Kind   ErrorKind
	Scope  string
	Notice string
	Err    error
}

func NewError(kind ErrorKind, scope string, err error) *Error {
	return &Error{Kind: kind, Scope: scope, Err: err}
}

// NewRejection reports a request the server refused. notice is shown when
// the server gave no message of its own.
func NewRejection(scope, notice string, err error) *Error {
	return &Error{Kind: KindRejected, Scope: scope, Notice: notice, Err: err}
}

// serverMessager is implemented by transport errors that carry the
// server's own explanation.
type serverMessager interface {
	ServerMessage() string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Scope != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Scope)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Scope == "" || t.Scope == e.Scope) && t.Err == nil
}

// KindOf extracts the kind from any wrapped *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Reason returns the inline notice shown next to the composer or list.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindChannelUnavailable:
		return "Socket not connected."
	case KindUnauthenticated:
		return "You must be logged in to send messages."
	case KindEmptyInput:
		return "Type a message first."
	case KindNoCounterparty:
		return "Select a conversation first."
	case KindFetchFailed:
		return "Could not load the latest data. Showing what is cached."
	case KindPersistenceFailed:
		return "Message delivered but not saved."
	case KindInvalidInput:
		var e *Error
		if errors.As(err, &e) && e.Err != nil {
			return e.Err.Error()
		}
		return "Invalid input."
	case KindRejected:
		var sm serverMessager
		if errors.As(err, &sm) && sm.ServerMessage() != "" {
			return sm.ServerMessage()
		}
		var e *Error
		if errors.As(err, &e) && e.Notice != "" {
			return e.Notice
		}
		return "The server rejected the request."
	}
	return err.Error()
}

// UnavailableNotice is the persistent banner shown while the channel is down.
const UnavailableNotice = "Chat is unavailable. Please make sure you are logged in and connected."
