package voice

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"stillpoint/internal/domain"
)

var paymentMarkers = []string{"card details", "payment", "billing"}

// Classify maps a provider failure onto the error taxonomy. The checks run in
// priority order: ejection, payment text, credential status codes, then the raw message.
func Classify(f Failure) *domain.Error {
	msg := strings.TrimSpace(f.Message)
	lowered := strings.ToLower(msg)
	switch {
	case f.Type == "ejected":
		return &domain.Error{Kind: domain.SessionEjected, Message: msg, StatusCode: f.StatusCode}
	case containsAny(lowered, paymentMarkers):
		return &domain.Error{Kind: domain.PaymentRequired, Message: msg, StatusCode: f.StatusCode}
	case f.StatusCode == http.StatusUnauthorized || f.StatusCode == http.StatusForbidden:
		return &domain.Error{Kind: domain.InvalidCredential, Message: msg, StatusCode: f.StatusCode}
	default:
		if msg == "" {
			msg = "An error occurred during the session"
		}
		return &domain.Error{Kind: domain.ProviderError, Message: msg, StatusCode: f.StatusCode}
	}
}

func failureFromError(err error) Failure {
	var f *Failure
	if errors.As(err, &f) {
		return *f
	}
	return Failure{Message: err.Error()}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// CheckCredential rejects empty tokens and JWT-shaped tokens that have expired.
// Tokens that are not JWTs are passed through untouched.
func CheckCredential(token string, now time.Time) error {
	if strings.TrimSpace(token) == "" {
		return &domain.Error{Kind: domain.InvalidCredential, Message: domain.MissingCredentialMessage}
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !exp.Time.After(now) {
		return &domain.Error{Kind: domain.InvalidCredential, Message: "access token expired at " + exp.Time.UTC().Format(time.RFC3339)}
	}
	return nil
}
