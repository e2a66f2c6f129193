package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrStateInvalid = errors.New("oauth state invalid")
	ErrStateExpired = errors.New("oauth state expired")
)

// StateClaims is the payload of an OAuth authorization state parameter.
type StateClaims struct {
	SyncFromDays int `json:"sfd"`
	jwt.RegisteredClaims
}

// StateSigner issues and verifies signed, time-boxed OAuth state tokens. Signing only proves
// the state came from this server; single use is enforced by the caller's server-side store
// keyed on the token ID.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns the encoded state and its unique ID.
func (s *StateSigner) Issue(syncFromDays int) (token, id string, expiresAt time.Time, err error) {
	now := s.now()
	id = uuid.NewString()
	expiresAt = now.Add(s.ttl)
	claims := StateClaims{
		SyncFromDays: syncFromDays,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, id, expiresAt, err
}

// Verify checks signature and expiry. An expired but authentic state still returns its
// claims alongside ErrStateExpired so the caller can consume it.
func (s *StateSigner) Verify(token string) (*StateClaims, error) {
	var claims StateClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	switch {
	case err == nil:
		return &claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return &claims, ErrStateExpired
	default:
		return nil, ErrStateInvalid
	}
}
