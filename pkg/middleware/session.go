package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"linkgate/pkg/config"
)

// RoleLinkAdmin gates the /admin link routes.
const RoleLinkAdmin = "link_admin"

var ErrNoSessionKey = errors.New("session signing key not configured")

// Principal is the authenticated client behind a request.
type Principal struct {
	UserID string
	Handle string
	Role   string
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}

// Sessions mints and verifies locally signed client session tokens (HS256).
type Sessions struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clockwork.Clock
}

func NewSessions(cfg config.Config, clock clockwork.Clock) *Sessions {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	iss := strings.TrimRight(cfg.BasePublicURL, "/")
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Sessions{secret: []byte(cfg.SessionSecret), issuer: iss, ttl: ttl, clock: clock}
}

func (s *Sessions) Enabled() bool { return s != nil && len(s.secret) > 0 }

// Mint signs a session for p and returns it with its expiry.
func (s *Sessions) Mint(p Principal) (string, time.Time, error) {
	if !s.Enabled() {
		return "", time.Time{}, ErrNoSessionKey
	}
	now := s.clock.Now().UTC()
	exp := now.Add(s.ttl)
	b := jwt.NewBuilder().
		Issuer(s.issuer).
		Subject(p.UserID).
		IssuedAt(now).
		Expiration(exp)
	if p.Handle != "" {
		b = b.Claim("handle", p.Handle)
	}
	if p.Role != "" {
		b = b.Claim("role", p.Role)
	}
	tok, err := b.Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build session: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return string(signed), exp.Truncate(time.Second), nil
}

// Verify parses a locally signed session.
func (s *Sessions) Verify(raw string) (Principal, error) {
	if !s.Enabled() {
		return Principal{}, ErrNoSessionKey
	}
	jt, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, s.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(s.issuer),
		jwt.WithClock(jwt.ClockFunc(s.clock.Now)),
	)
	if err != nil {
		return Principal{}, err
	}
	return principalFromToken(jt), nil
}

func principalFromToken(jt jwt.Token) Principal {
	p := Principal{UserID: jt.Subject()}
	if v, ok := jt.Get("handle"); ok {
		p.Handle, _ = v.(string)
	}
	if v, ok := jt.Get("role"); ok {
		p.Role, _ = v.(string)
	}
	return p
}
