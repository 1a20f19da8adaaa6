package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the session core.
type ErrorKind string

const (
	InvalidCredential    ErrorKind = "invalid_credential"
	PaymentRequired      ErrorKind = "payment_required"
	SessionEjected       ErrorKind = "session_ejected"
	ProviderError        ErrorKind = "provider_error"
	PersistenceReadError ErrorKind = "persistence_read_error"
	InvalidGoalInput     ErrorKind = "invalid_goal_input"
	InvalidSessionInput  ErrorKind = "invalid_session_input"
)

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// UserMessage returns the text shown to a person for this failure.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case SessionEjected:
		return "Session was ended unexpectedly. Please try starting a new session."
	case PaymentRequired:
		return "Payment required. Visit the provider dashboard to add payment details and continue."
	case InvalidCredential:
		if e.Message == MissingCredentialMessage {
			return e.Message
		}
		return "API key is invalid. Please check your API key."
	case ProviderError:
		if e.Message != "" {
			return e.Message
		}
		return "An error occurred during the session"
	default:
		return e.Message
	}
}

const MissingCredentialMessage = "Please enter your voice provider API key first"

func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind of a domain error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
