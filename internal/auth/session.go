package auth

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "clinsalud"
	secretEnvVariable = "CLINSALUD_SESSION_SECRET"

	// DefaultSessionTTL bounds a session between sliding refreshes.
	DefaultSessionTTL = 30 * time.Minute
)

var (
	errMissingSecret = errors.New("session secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// SessionClaims is the JWT shape of a Claim. The custom fields are exactly
// the ones the claim-propagation contract copies onto the token at issue
// time and back out at parse time.
type SessionClaims struct {
	DisplayName        string `json:"name,omitempty"`
	Role               string `json:"role"`
	SystemUserID       string `json:"system_user_id,omitempty"`
	MustChangePassword bool   `json:"must_change_password"`
	jwt.RegisteredClaims
}

// IssueSessionToken signs a session token carrying the claim, HS256 over
// the environment secret. Called once, when Authorize has just produced a
// claim; existing sessions are never re-derived, only refreshed.
func IssueSessionToken(claim Claim, ttl time.Duration) (string, error) {
	if strings.TrimSpace(claim.IdentityID) == "" {
		return "", errors.New("claim identity id is required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := SessionClaims{
		DisplayName:        claim.DisplayName,
		Role:               string(claim.Role),
		SystemUserID:       claim.SystemUserID,
		MustChangePassword: claim.MustChangePassword,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   claim.IdentityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secretBytes)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// ParseSessionToken verifies the token and rehydrates the claim for the
// current request.
func ParseSessionToken(token string) (Claim, error) {
	claims, err := parseSessionClaims(token)
	if err != nil {
		return Claim{}, err
	}
	return Claim{
		IdentityID:         claims.Subject,
		DisplayName:        claims.DisplayName,
		Role:               NormalizeRole(claims.Role),
		SystemUserID:       claims.SystemUserID,
		MustChangePassword: claims.MustChangePassword,
	}, nil
}

// RefreshSessionToken implements the sliding window: it validates the
// incoming token and re-signs the same claim with a fresh expiry. The
// claim fields pass through untouched; no store lookup happens here.
func RefreshSessionToken(token string, ttl time.Duration) (string, error) {
	claim, err := ParseSessionToken(token)
	if err != nil {
		return "", err
	}
	return IssueSessionToken(claim, ttl)
}

func parseSessionClaims(token string) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(token, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secretBytes, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Role) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func loadSecret() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret.ready {
		return secret.value, secret.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		secret.err = errMissingSecret
		secret.ready = true
		return nil, secret.err
	}
	secret.value = []byte(raw)
	secret.err = nil
	secret.ready = true
	return secret.value, nil
}

// ResetSecretForTests clears the cached secret value. Only intended for
// test use.
func ResetSecretForTests() {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{}
}
