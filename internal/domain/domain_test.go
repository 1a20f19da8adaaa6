package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewMoodBounds(t *testing.T) {
	cases := []struct {
		value int
		label string
		ok    bool
	}{
		{0, "", false},
		{1, "Very Low", true},
		{5, "Neutral", true},
		{10, "Outstanding", true},
		{11, "", false},
	}
	for _, c := range cases {
		m, err := NewMood(c.value)
		if c.ok != (err == nil) {
			t.Fatalf("NewMood(%d) err=%v, want ok=%v", c.value, err, c.ok)
		}
		if !c.ok {
			if !IsKind(err, InvalidSessionInput) {
				t.Fatalf("NewMood(%d) kind=%q", c.value, KindOf(err))
			}
			continue
		}
		if m.Label != c.label || m.Value != c.value {
			t.Fatalf("NewMood(%d)=%+v, want label %q", c.value, m, c.label)
		}
	}
	if len(MoodScale()) != 10 {
		t.Fatalf("expected 10 mood levels")
	}
}

func TestErrorKindSurvivesWrapping(t *testing.T) {
	base := NewError(PaymentRequired, "card details missing")
	wrapped := fmt.Errorf("connect: %w", base)
	if !IsKind(wrapped, PaymentRequired) {
		t.Fatalf("expected wrapped error to keep its kind")
	}
	if IsKind(errors.New("plain"), PaymentRequired) {
		t.Fatalf("plain errors have no kind")
	}
}

func TestUserMessages(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: InvalidCredential, Message: "status 401"}, "API key is invalid. Please check your API key."},
		{&Error{Kind: InvalidCredential, Message: MissingCredentialMessage}, MissingCredentialMessage},
		{&Error{Kind: ProviderError}, "An error occurred during the session"},
		{&Error{Kind: ProviderError, Message: "socket closed"}, "socket closed"},
	}
	for _, c := range cases {
		if got := c.err.UserMessage(); got != c.want {
			t.Fatalf("UserMessage(%+v)=%q, want %q", c.err, got, c.want)
		}
	}
}
