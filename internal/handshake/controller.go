// Package handshake implements account linking: token initiation, the backend
// callback that mints a connect token, and the continuation lookup.
package handshake

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"linkgate/pkg/config"
	"linkgate/pkg/events"
	"linkgate/pkg/linkstore"
	"linkgate/pkg/metrics"
	"linkgate/pkg/middleware"
	"linkgate/pkg/problems"
	"linkgate/pkg/token"
)

// acceptConnectionQuery opens the backend's accept-connection page; the token is appended.
const acceptConnectionQuery = "?f=layout&module=BlueHive&name=AI_Accept_Connection&authToken="

// handles become a hostname label in the backend URL template
var handlePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

type Controller struct {
	cfg           config.Config
	tokens        *token.Service
	store         linkstore.Store
	sessions      *middleware.Sessions
	bus           *events.Bus
	log           *zap.SugaredLogger
	clock         clockwork.Clock
	connectTokens func() (string, error)
}

type Option func(*Controller)

func WithClock(c clockwork.Clock) Option { return func(ct *Controller) { ct.clock = c } }

// WithConnectTokens replaces the connect-token generator.
func WithConnectTokens(fn func() (string, error)) Option {
	return func(ct *Controller) { ct.connectTokens = fn }
}

func NewController(cfg config.Config, tokens *token.Service, store linkstore.Store, sessions *middleware.Sessions, bus *events.Bus, log *zap.SugaredLogger, opts ...Option) *Controller {
	c := &Controller{
		cfg:           cfg,
		tokens:        tokens,
		store:         store,
		sessions:      sessions,
		bus:           bus,
		log:           log,
		clock:         clockwork.NewRealClock(),
		connectTokens: NewConnectToken,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Initiation is handed to the client, which sends the user to RedirectURL.
type Initiation struct {
	Token       string    `json:"token"`
	RedirectURL string    `json:"redirectUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Initiate issues a handshake token for handle on behalf of userID, which the
// callback binds to the new link. Nothing is persisted.
func (c *Controller) Initiate(handle, userID string) (Initiation, error) {
	handle = strings.TrimSpace(handle)
	if !handlePattern.MatchString(handle) {
		return Initiation{}, problems.New(problems.InvalidPayload, "a valid handle is required")
	}
	now := c.clock.Now().UTC()
	tok, err := c.tokens.IssueFor(handle, userID)
	if err != nil {
		if errors.Is(err, token.ErrNoSigningKey) {
			return Initiation{}, problems.Wrap(problems.Internal, "handshake signing key not configured", err)
		}
		return Initiation{}, problems.Wrap(problems.InvalidPayload, "cannot issue handshake token", err)
	}
	return Initiation{
		Token:       tok,
		RedirectURL: c.cfg.BackendBaseURL(handle) + acceptConnectionQuery + url.QueryEscape(tok),
		ExpiresAt:   now.Add(c.tokens.TTL()).Truncate(time.Second),
	}, nil
}

// Continuation is the client-facing view of a completed link.
type Continuation struct {
	Handle        string     `json:"handle"`
	Linked        bool       `json:"linked"`
	UserID        string     `json:"userId"`
	BackendUserID string     `json:"backendUserId"`
	SessionToken  string     `json:"sessionToken,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Continue looks up the link for handle and mints a client session for it.
// Only the local user the link belongs to may continue it; anyone else sees
// the same not-authorized result as a missing link.
func (c *Controller) Continue(ctx context.Context, p middleware.Principal, handle string) (Continuation, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Continuation{}, problems.New(problems.InvalidPayload, "practice is required")
	}
	rec, err := c.store.Get(ctx, handle)
	if errors.Is(err, linkstore.ErrNotFound) || (err == nil && !rec.Valid) {
		return Continuation{}, problems.New(problems.NotAuthorized, "no active link for handle")
	}
	if err != nil {
		return Continuation{}, problems.Wrap(problems.StoreFailure, "link lookup failed", err)
	}
	if p.UserID == "" || p.UserID != rec.UserID {
		c.log.Warnw("continuation refused for non-owner", "handle", handle, "user_id", p.UserID)
		return Continuation{}, problems.New(problems.NotAuthorized, "no active link for handle")
	}
	out := Continuation{Handle: rec.Handle, Linked: true, UserID: rec.UserID, BackendUserID: rec.BackendUserID}
	if c.sessions.Enabled() {
		tok, exp, err := c.sessions.Mint(middleware.Principal{UserID: rec.UserID, Handle: rec.Handle, Role: p.Role})
		if err != nil {
			return Continuation{}, problems.Wrap(problems.Internal, "cannot mint session", err)
		}
		out.SessionToken = tok
		out.ExpiresAt = &exp
	} else {
		c.log.Warnw("SESSION_SECRET not set; continuation without session token", "handle", handle)
	}
	return out, nil
}

// persist runs after the callback acknowledgement has been flushed. Its
// outcome is only observable through logs, metrics and events.
func (c *Controller) persist(ctx context.Context, u linkstore.Update) {
	timeout := c.cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	rec, created, err := c.store.Upsert(ctx, u)
	if err != nil {
		metrics.LinkUpserts.WithLabelValues("failed").Inc()
		c.log.Errorw("link upsert failed after acknowledgement", "handle", u.Handle, "err", err)
		c.bus.Publish(events.LinkPersistFailed, events.LinkEvent{Handle: u.Handle, Err: err})
		return
	}
	result := "updated"
	if created {
		result = "created"
	} else if u.UserID != "" && u.UserID != rec.UserID {
		c.log.Warnw("relink by a different user keeps the original owner", "handle", rec.Handle, "owner", rec.UserID, "initiator", u.UserID)
	}
	metrics.LinkUpserts.WithLabelValues(result).Inc()
	c.log.Infow("link persisted", "handle", rec.Handle, "user_id", rec.UserID, "result", result)
	c.bus.Publish(events.LinkPersisted, events.LinkEvent{Handle: rec.Handle, UserID: rec.UserID, Created: created})
}
