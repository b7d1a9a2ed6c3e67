package adapter

import (
	"context"
	"errors"
	"fmt"

	"claude-chat/internal/anthropic"
)

// Kind classifies adapter failures.
type Kind string

const (
	KindCredentialFormat Kind = "credential_format"
	KindUnauthorized     Kind = "unauthorized"
	KindAPI              Kind = "api"
	KindNotConfigured    Kind = "not_configured"
	KindInvalidRequest   Kind = "invalid_request"
)

// Error is the typed failure returned by every adapter operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an adapter error, or "" for other errors.
func KindOf(err error) Kind {
	var adErr *Error
	if errors.As(err, &adErr) {
		return adErr.Kind
	}
	return ""
}

var (
	errNotConfigured   = &Error{Kind: KindNotConfigured, Message: "API key has not been provided or is invalid"}
	errEmptyTranscript = &Error{Kind: KindInvalidRequest, Message: "conversation has no user message to send"}
	errStreamConsumed  = &Error{Kind: KindInvalidRequest, Message: "stream has already been consumed"}
)

func classify(err error) error {
	if err == nil {
		return nil
	}
	var adErr *Error
	if errors.As(err, &adErr) {
		return adErr
	}
	if anthropic.IsUnauthorized(err) {
		return &Error{Kind: KindUnauthorized, Message: "API key is not authorized", Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindAPI, Message: "request aborted", Err: err}
	}
	return &Error{Kind: KindAPI, Message: "API error", Err: err}
}
