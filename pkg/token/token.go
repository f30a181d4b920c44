// Package token issues and verifies the short-lived handshake tokens that carry
// a tenant handle through the backend redirect and callback round trip.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"linkgate/pkg/problems"
)

// DefaultTTL is the fixed handshake token lifetime.
const DefaultTTL = time.Hour

var (
	ErrNoSigningKey = errors.New("handshake signing key not configured")
	ErrEmptyHandle  = errors.New("handle is required")
)

// Key is one HMAC signing key version.
type Key struct {
	ID     string
	Secret []byte
}

// Claims binds a handshake token to a tenant handle and, when known, the
// local user who started the link. ExpiresAtMs is the exact deadline; the
// registered exp claim only has whole-second precision and is rounded up.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string `json:"uid,omitempty"`
	ExpiresAtMs int64  `json:"exp_ms,omitempty"`
}

// Result is the outcome of Verify. Reason is set only when Valid is false.
type Result struct {
	Valid    bool
	Handle   string
	UserID   string
	IssuedAt time.Time
	Reason   problems.Kind
}

// Err converts a failed Result into a problems error (nil when valid).
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	switch r.Reason {
	case problems.TokenExpired:
		return problems.New(problems.TokenExpired, "handshake token expired")
	case problems.InvalidPayload:
		return problems.New(problems.InvalidPayload, "handshake token has no subject")
	default:
		return problems.New(problems.InvalidSignature, "handshake token signature invalid")
	}
}

// Service signs with the active key and verifies against the active key plus
// any explicitly accepted older versions. Anything else is a retired key.
type Service struct {
	active   Key
	accepted map[string][]byte
	ttl      time.Duration
	clock    clockwork.Clock
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithAcceptedKey keeps an older key version verifiable during an overlap window.
func WithAcceptedKey(k Key) Option {
	return func(s *Service) {
		if k.ID != "" && len(k.Secret) > 0 {
			s.accepted[k.ID] = k.Secret
		}
	}
}

func NewService(active Key, opts ...Option) *Service {
	s := &Service{
		active:   active,
		accepted: map[string][]byte{},
		ttl:      DefaultTTL,
		clock:    clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	if active.ID != "" && len(active.Secret) > 0 {
		s.accepted[active.ID] = active.Secret
	}
	return s
}

// TTL reports the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue signs a token for handle valid for the configured TTL.
func (s *Service) Issue(handle string) (string, error) {
	return s.IssueFor(handle, "")
}

// IssueFor is Issue with the initiating local user id carried in the uid claim.
func (s *Service) IssueFor(handle, userID string) (string, error) {
	if len(s.active.Secret) == 0 {
		return "", ErrNoSigningKey
	}
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", ErrEmptyHandle
	}
	now := s.clock.Now()
	deadline := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   handle,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(ceilTo(deadline, time.Second)),
		},
		UserID:      strings.TrimSpace(userID),
		ExpiresAtMs: ceilTo(deadline, time.Millisecond).UnixMilli(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = s.active.ID
	signed, err := tok.SignedString(s.active.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign handshake token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm, key version and expiry. It fails closed
// and never returns an error or panics past this boundary.
func (s *Service) Verify(raw string) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{Reason: problems.InvalidSignature}
		}
	}()
	if strings.TrimSpace(raw) == "" {
		return Result{Reason: problems.InvalidSignature}
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Result{Reason: problems.TokenExpired}
		}
		return Result{Reason: problems.InvalidSignature}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Result{Reason: problems.InvalidSignature}
	}
	if claims.ExpiresAtMs != 0 && s.clock.Now().UnixMilli() >= claims.ExpiresAtMs {
		return Result{Reason: problems.TokenExpired}
	}
	if claims.Subject == "" {
		return Result{Reason: problems.InvalidPayload}
	}
	out := Result{Valid: true, Handle: claims.Subject, UserID: claims.UserID}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out
}

func (s *Service) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	kid, _ := t.Header["kid"].(string)
	secret, ok := s.accepted[kid]
	if !ok {
		return nil, jwt.ErrTokenUnverifiable
	}
	return secret, nil
}

func ceilTo(t time.Time, d time.Duration) time.Time {
	if r := t.Truncate(d); !r.Equal(t) {
		return r.Add(d)
	}
	return t
}
