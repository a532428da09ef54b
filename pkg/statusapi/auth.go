package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest HMAC secret accepted for operator tokens.
const MinSecretLength = 32

var (
	ErrShortSecret  = fmt.Errorf("statusapi: token secret must be at least %d bytes", MinSecretLength)
	ErrMissingToken = errors.New("statusapi: missing bearer token")
	ErrInvalidToken = errors.New("statusapi: invalid token")
)

type operatorKey struct{}

// Option customises New.
type Option func(*Server)

// WithTokenSecret requires an HS256 bearer token signed with secret on every
// route that changes state. Read-only routes stay open.
func WithTokenSecret(secret []byte) Option {
	return func(s *Server) {
		if len(secret) > 0 {
			s.secret = secret
		}
	}
}

// IssueToken signs an operator token for subject that expires after ttl.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLength {
		return "", ErrShortSecret
	}
	if subject == "" {
		return "", errors.New("statusapi: token subject cannot be empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("statusapi: failed to sign token: %w", err)
	}
	return signed, nil
}

// verifyToken returns the subject of a valid token.
func verifyToken(secret []byte, raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return sub, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrMissingToken
	}
	return parts[1], nil
}

// requireOperator rejects requests without a valid token when a secret is
// configured, and records the token subject on the request context.
func (s *Server) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret == nil {
			next(w, r)
			return
		}
		raw, err := bearerToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		sub, err := verifyToken(s.secret, raw)
		if err != nil {
			s.logger.Warn("statusapi: rejected token", "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			respondError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, sub)))
	}
}

func operatorFrom(ctx context.Context) string {
	sub, _ := ctx.Value(operatorKey{}).(string)
	return sub
}
