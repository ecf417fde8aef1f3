package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/studycircle/studycircle-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// BEARER AUTHENTICATION
// The token subject is the caller account. Only HS256 is accepted.
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// AuthConfig configures token verification.
type AuthConfig struct {
	Secret []byte
	// Issuer is checked when non-empty.
	Issuer string
	// TokenTTL is used by Issue.
	TokenTTL time.Duration
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// Authenticator verifies bearer tokens and resolves the caller.
type Authenticator struct {
	cfg    AuthConfig
	parser *jwt.Parser
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. The secret must be at least
// 32 bytes.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("auth: secret must be at least 32 bytes, got %d", len(cfg.Secret))
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Authenticator{
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		now:    time.Now,
	}, nil
}

// Issue signs a token for account. Used by the CLI and tests.
func (a *Authenticator) Issue(account shared.AccountID) (string, error) {
	if _, err := shared.NewAccountID(account.String()); err != nil {
		return "", err
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   account.String(),
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
}

// Verify parses a raw token and returns its subject as the caller.
func (a *Authenticator) Verify(raw string) (shared.AccountID, error) {
	var claims jwt.RegisteredClaims
	_, err := a.parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	caller, err := shared.NewAccountID(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	return caller, nil
}

// Authenticate reads the Authorization header of r.
func (a *Authenticator) Authenticate(r *http.Request) (shared.AccountID, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", ErrMissingToken
	}
	return a.Verify(strings.TrimSpace(raw))
}

// Middleware rejects requests without a valid token and stores the caller
// in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="studycircle"`)
			code := "InvalidToken"
			if errors.Is(err, ErrMissingToken) {
				code = "MissingToken"
			}
			writeJSONError(w, r, http.StatusUnauthorized, code, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

type callerKey struct{}

func withCaller(ctx context.Context, caller shared.AccountID) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller stored by Middleware.
func CallerFrom(ctx context.Context) (shared.AccountID, bool) {
	caller, ok := ctx.Value(callerKey{}).(shared.AccountID)
	return caller, ok && caller != ""
}
