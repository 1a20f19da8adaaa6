package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig guards the API. With neither field set the API is open, which
// is the default for a local single-user workspace.
type AuthConfig struct {
	JWTSecret string
	APIKey    string
}

func (c AuthConfig) enabled() bool {
	return strings.TrimSpace(c.JWTSecret) != "" || strings.TrimSpace(c.APIKey) != ""
}

type principal struct {
	Subject string
	Source  string
}

func authenticateJWT(token string, secret string) (principal, error) {
	if strings.TrimSpace(secret) == "" {
		return principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return principal{}, err
	}
	if !parsed.Valid {
		return principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return principal{}, errors.New("subject claim required")
	}
	return principal{Subject: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(key, expected string) (principal, error) {
	if strings.TrimSpace(expected) == "" {
		return principal{}, errors.New("api key not configured")
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
		return principal{}, errors.New("api key mismatch")
	}
	return principal{Subject: "api-key", Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Docs and the OpenAPI document stay public.
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			var (
				p   principal
				err error
			)
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				p, err = authenticateJWT(token, cfg.JWTSecret)
			case apiKey != "":
				p, err = authenticateAPIKey(apiKey, cfg.APIKey)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				logger.Debug("auth rejected", "path", req.URL.Path, "error", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			logger.Debug("auth accepted", "subject", p.Subject, "source", p.Source)
			next.ServeHTTP(w, req)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
