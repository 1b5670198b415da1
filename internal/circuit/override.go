package circuit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EmergencyOverride forces the circuit closed for a bounded duration,
// regardless of failure count or budget state, per spec.md §4.3: "a signed
// code with bounded duration ... forces closed for its lifetime; on expiry
// the circuit re-evaluates against current budget state."
type EmergencyOverride struct {
	IssuedBy  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type overrideClaims struct {
	IssuedBy string `json:"issued_by"`
	jwt.RegisteredClaims
}

// OverrideIssuer signs and verifies emergency override codes with an HMAC
// secret, following the teacher's JWTService pattern (internal/auth/jwt.go).
type OverrideIssuer struct {
	secret []byte
}

// NewOverrideIssuer builds an issuer with the given signing secret.
func NewOverrideIssuer(secret string) *OverrideIssuer {
	return &OverrideIssuer{secret: []byte(secret)}
}

// Issue signs a bounded-duration override code for the given operator.
func (o *OverrideIssuer) Issue(issuedBy string, duration time.Duration) (string, error) {
	if o == nil || len(o.secret) == 0 {
		return "", errors.New("override issuer not configured")
	}
	if strings.TrimSpace(issuedBy) == "" {
		return "", errors.New("issuedBy required")
	}
	if duration <= 0 {
		return "", errors.New("duration must be positive")
	}
	now := time.Now()
	claims := overrideClaims{
		IssuedBy: issuedBy,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "circuit-emergency-override",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(o.secret)
}

// Verify parses and validates an override code, returning the decoded
// override if it is well-formed and not expired (jwt.ParseWithClaims itself
// enforces exp).
func (o *OverrideIssuer) Verify(code string) (*EmergencyOverride, error) {
	if o == nil || len(o.secret) == 0 {
		return nil, errors.New("override issuer not configured")
	}
	parsed, err := jwt.ParseWithClaims(code, &overrideClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return o.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid override code: %w", err)
	}
	claims, ok := parsed.Claims.(*overrideClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid override code")
	}
	return &EmergencyOverride{
		IssuedBy:  claims.IssuedBy,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// ApplyOverride verifies and installs an emergency override on the breaker.
func (b *Breaker) ApplyOverride(issuer *OverrideIssuer, code string) error {
	ov, err := issuer.Verify(code)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides = append(b.overrides, ov)
	return nil
}

// activeOverrideLocked returns the first still-valid override, pruning
// expired ones as a side effect. Callers must hold b.mu.
func (b *Breaker) activeOverrideLocked(now time.Time) *EmergencyOverride {
	b.pruneExpiredOverridesLocked(now)
	if len(b.overrides) == 0 {
		return nil
	}
	return b.overrides[len(b.overrides)-1]
}

func (b *Breaker) pruneExpiredOverridesLocked(now time.Time) {
	if len(b.overrides) == 0 {
		return
	}
	live := b.overrides[:0]
	for _, ov := range b.overrides {
		if now.Before(ov.ExpiresAt) {
			live = append(live, ov)
		}
	}
	b.overrides = live
}
