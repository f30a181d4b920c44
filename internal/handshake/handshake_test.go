package handshake_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkgate/internal/handshake"
	"linkgate/internal/proxy"
	"linkgate/pkg/config"
	"linkgate/pkg/events"
	"linkgate/pkg/linkstore"
	"linkgate/pkg/middleware"
	"linkgate/pkg/token"
)

var (
	start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	key   = token.Key{ID: "v1", Secret: []byte("handshake-secret-for-tests")}
)

type fixture struct {
	cfg      config.Config
	clock    *clockwork.FakeClock
	tokens   *token.Service
	store    linkstore.Store
	sessions *middleware.Sessions
	bus      *events.Bus
	ctrl     *handshake.Controller
	router   chi.Router
	acks     int
	failed   []events.LinkEvent
}

func testConfig() config.Config {
	return config.Config{
		BasePublicURL:        "https://app.test",
		ContinuationBaseURL:  "https://app.test",
		BackendURLTemplate:   "https://{handle}.backend.test/webchart.cgi",
		TrustedOriginHeaders: []string{"CF-Connecting-IP", "X-Forwarded-For"},
		SessionSecret:        "session-secret-for-tests",
		SessionTTL:           time.Hour,
		StoreTimeout:         5 * time.Second,
	}
}

func newFixture(t *testing.T, store linkstore.Store, opts ...handshake.Option) *fixture {
	t.Helper()
	return newFixtureWith(t, testConfig(), store, opts...)
}

func newFixtureWith(t *testing.T, cfg config.Config, store linkstore.Store, opts ...handshake.Option) *fixture {
	t.Helper()
	f := &fixture{cfg: cfg, clock: clockwork.NewFakeClockAt(start), store: store, bus: events.New()}
	f.tokens = token.NewService(key, token.WithClock(f.clock))
	f.sessions = middleware.NewSessions(cfg, f.clock)
	n := 0
	base := []handshake.Option{
		handshake.WithClock(f.clock),
		handshake.WithConnectTokens(func() (string, error) {
			n++
			return fmt.Sprintf("ct-%d", n), nil
		}),
	}
	f.ctrl = handshake.NewController(cfg, f.tokens, store, f.sessions, f.bus, zap.NewNop().Sugar(), append(base, opts...)...)
	require.NoError(t, f.bus.Subscribe(events.LinkAcknowledged, func(events.LinkEvent) { f.acks++ }))
	require.NoError(t, f.bus.Subscribe(events.LinkPersistFailed, func(ev events.LinkEvent) { f.failed = append(f.failed, ev) }))
	log := zap.NewNop().Sugar()
	f.router = chi.NewRouter()
	f.ctrl.PublicRoutes(f.router)
	f.router.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(cfg, f.sessions, log))
		f.ctrl.ClientRoutes(r)
	})
	return f
}

// bearer mints a client session for userID.
func (f *fixture) bearer(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := f.sessions.Mint(middleware.Principal{UserID: userID})
	require.NoError(t, err)
	return "Bearer " + tok
}

// client sends a request to a session-protected route; authz may be empty.
func (f *fixture) client(method, target, body, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

// initiate starts a link for handle as userID and returns the handshake token.
func (f *fixture) initiate(t *testing.T, handle, userID string) string {
	t.Helper()
	rr := f.client(http.MethodPost, "/v1/link/initiate", fmt.Sprintf(`{"handle":%q}`, handle), f.bearer(t, userID))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out handshake.Initiation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out.Token
}

func callbackBody(tok, handle string) string {
	return fmt.Sprintf(`{"authToken":%q,"user":{"username":"jdoe","user_id":17},"app":{"handle":%q}}`, tok, handle)
}

type statusBody struct {
	Status       int    `json:"status"`
	Message      string `json:"message"`
	ConnectToken string `json:"connectToken"`
	AuthURL      string `json:"authUrl"`
}

func (f *fixture) callback(t *testing.T, rr *httptest.ResponseRecorder, method, body string) statusBody {
	t.Helper()
	req := httptest.NewRequest(method, "/auth", strings.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	f.router.ServeHTTP(rr, req)
	var out statusBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	assert.Equal(t, rr.Code, out.Status)
	return out
}

func TestInitiate(t *testing.T) {
	f := newFixture(t, linkstore.NewMemory())

	out, err := f.ctrl.Initiate("acme", "user-1")
	require.NoError(t, err)
	assert.Equal(t,
		"https://acme.backend.test/webchart.cgi?f=layout&module=BlueHive&name=AI_Accept_Connection&authToken="+out.Token,
		out.RedirectURL)
	assert.Equal(t, start.Add(time.Hour), out.ExpiresAt)

	res := f.tokens.Verify(out.Token)
	assert.True(t, res.Valid)
	assert.Equal(t, "acme", res.Handle)
	assert.Equal(t, "user-1", res.UserID)

	for _, bad := range []string{"", "   ", "has space", "../etc"} {
		_, err := f.ctrl.Initiate(bad, "user-1")
		assert.Error(t, err, bad)
	}

	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "initiation persists nothing")
}

func TestInitiate_HTTP(t *testing.T) {
	f := newFixture(t, linkstore.NewMemory())
	rr := f.client(http.MethodPost, "/v1/link/initiate", `{"handle":"acme"}`, f.bearer(t, "user-x"))
	require.Equal(t, http.StatusOK, rr.Code)
	var out handshake.Initiation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.NotEmpty(t, out.Token)
	assert.Equal(t, "user-x", f.tokens.Verify(out.Token).UserID)

	rr = f.client(http.MethodPost, "/v1/link/initiate", `{"handle":""}`, f.bearer(t, "user-x"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid-payload")

	rr = f.client(http.MethodPost, "/v1/link/initiate", `{"handle":"acme"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCallback_LinksAccount(t *testing.T) {
	f := newFixture(t, linkstore.NewMemory())
	tok := f.initiate(t, "acme", "user-x")

	rr := httptest.NewRecorder()
	out := f.callback(t, rr, http.MethodPost, callbackBody(tok, "acme"))
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "Account linked successfully!", out.Message)
	assert.Equal(t, "ct-1", out.ConnectToken)
	assert.Equal(t, "https://app.test/callback?practice=acme", out.AuthURL)
	assert.Equal(t, 1, f.acks)

	rec, err := f.store.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "17", rec.BackendUserID)
	assert.Equal(t, "jdoe", rec.Username)
	assert.Equal(t, "ct-1", rec.ConnectToken)
	assert.Equal(t, "203.0.113.5", rec.Origin)
	assert.Equal(t, "https://acme.backend.test/webchart.cgi", rec.BaseURL)
	assert.True(t, rec.Valid)
	assert.Equal(t, "user-x", rec.UserID, "link belongs to the initiating user")
}

func TestCallback_WithoutInitiatorMintsUser(t *testing.T) {
	f := newFixture(t, linkstore.NewMemory())
	tok, err := f.tokens.Issue("acme")
	require.NoError(t, err)

	f.callback(t, httptest.NewRecorder(), http.MethodPost, callbackBody(tok, "acme"))
	rec, err := f.store.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.UserID)
}

func TestLinkedUserCanUseProxy(t *testing.T) {
	ctx := context.Background()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "17", r.URL.Query().Get("user_id"))
		assert.Equal(t, "Bearer ct-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"meta":{"status":"200","msg":"OK"},"db":[{"user_id":"17"}]}`))
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig()
	cfg.BackendURLTemplate = upstream.URL
	cfg.ProxyTimeout = 2 * time.Second
	cfg.EnvelopeStatusPath = "meta.status"
	cfg.EnvelopeMessagePath = "meta.msg"
	cfg.ForwardParams = []string{"user_id"}
	f := newFixtureWith(t, cfg, linkstore.NewMemory())

	tok := f.initiate(t, "acme", "user-x")
	out := f.callback(t, httptest.NewRecorder(), http.MethodPost, callbackBody(tok, "acme"))
	require.Equal(t, http.StatusOK, out.Status)

	d, err := proxy.NewDispatcher(cfg, f.store, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	raw, err := d.Call(ctx, proxy.LinkKey{UserID: "user-x"}, proxy.Request{
		Method:   "GET",
		Endpoint: "db/users",
		Params:   json.RawMessage(`{"user_id":"17"}`),
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"user_id":"17"`)
}

func TestCallback_RejectionsLeaveStoreUntouched(t *testing.T) {
	f := newFixture(t, linkstore.NewMemory())
	good, err := f.tokens.Issue("acme")
	require.NoError(t, err)
	foreign, err := token.NewService(token.Key{ID: "v1", Secret: []byte("other")}, token.WithClock(f.clock)).Issue("acme")
	require.NoError(t, err)
	expired, err := f.tokens.Issue("acme")
	require.NoError(t, err)
	oddHandle := "evil.test/x?y="
	odd, err := f.tokens.Issue(oddHandle)
	require.NoError(t, err)

	cases := []struct {
		name   string
		method string
		body   string
		status int
		setup  func()
	}{
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed, nil},
		{"put", http.MethodPut, callbackBody(good, "acme"), http.StatusMethodNotAllowed, nil},
		{"invalid json", http.MethodPost, `{"authToken":`, http.StatusBadRequest, nil},
		{"missing token", http.MethodPost, `{"user":{"user_id":"1"},"app":{"handle":"acme"}}`, http.StatusBadRequest, nil},
		{"missing user", http.MethodPost, fmt.Sprintf(`{"authToken":%q,"app":{"handle":"acme"}}`, good), http.StatusBadRequest, nil},
		{"missing user id", http.MethodPost, fmt.Sprintf(`{"authToken":%q,"user":{"username":"x"},"app":{"handle":"acme"}}`, good), http.StatusBadRequest, nil},
		{"missing app", http.MethodPost, fmt.Sprintf(`{"authToken":%q,"user":{"user_id":"1"}}`, good), http.StatusBadRequest, nil},
		{"invalid handle", http.MethodPost, callbackBody(odd, oddHandle), http.StatusBadRequest, nil},
		{"foreign key", http.MethodPost, callbackBody(foreign, "acme"), http.StatusUnauthorized, nil},
		{"mutated", http.MethodPost, callbackBody(good+"x", "acme"), http.StatusUnauthorized, nil},
		{"handle mismatch", http.MethodPost, callbackBody(good, "other"), http.StatusUnauthorized, nil},
		{"expired", http.MethodPost, callbackBody(expired, "acme"), http.StatusUnauthorized, func() { f.clock.Advance(time.Hour) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			rr := httptest.NewRecorder()
			out := f.callback(t, rr, tc.method, tc.body)
			assert.Equal(t, tc.status, out.Status)
			assert.Empty(t, out.ConnectToken)
		})
	}

	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, f.acks)
}

func TestCallback_ReplayRotatesConnectToken(t *testing.T) {
	f := newFixture(t, linkstore.NewMemory())
	tok, err := f.tokens.Issue("acme")
	require.NoError(t, err)

	first := f.callback(t, httptest.NewRecorder(), http.MethodPost, callbackBody(tok, "acme"))
	before, err := f.store.Get(context.Background(), "acme")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	second := f.callback(t, httptest.NewRecorder(), http.MethodPost, callbackBody(tok, "acme"))
	assert.Equal(t, http.StatusOK, second.Status)
	assert.NotEqual(t, first.ConnectToken, second.ConnectToken)

	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1, "one record per handle")
	assert.Equal(t, second.ConnectToken, all[0].ConnectToken)
	assert.Equal(t, before.UserID, all[0].UserID)
	assert.True(t, all[0].CreatedAt.Equal(before.CreatedAt))
}

// orderStore records what the client had already received when Upsert ran.
type orderStore struct {
	linkstore.Store
	rr          *httptest.ResponseRecorder
	sawFlushed  bool
	sawResponse string
	err         error
}

func (s *orderStore) Upsert(ctx context.Context, u linkstore.Update) (linkstore.Record, bool, error) {
	s.sawFlushed = s.rr.Flushed
	s.sawResponse = s.rr.Body.String()
	if s.err != nil {
		return linkstore.Record{}, false, s.err
	}
	return s.Store.Upsert(ctx, u)
}

func TestCallback_AcknowledgesBeforeUpsert(t *testing.T) {
	rr := httptest.NewRecorder()
	st := &orderStore{Store: linkstore.NewMemory(), rr: rr}
	f := newFixture(t, st)
	tok, err := f.tokens.Issue("acme")
	require.NoError(t, err)

	f.callback(t, rr, http.MethodPost, callbackBody(tok, "acme"))
	assert.True(t, st.sawFlushed, "response flushed before upsert")
	assert.Contains(t, st.sawResponse, `"connectToken":"ct-1"`)
}

func TestCallback_UpsertFailureDoesNotChangeResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	st := &orderStore{Store: linkstore.NewMemory(), rr: rr, err: errors.New("db down")}
	f := newFixture(t, st)
	tok, err := f.tokens.Issue("acme")
	require.NoError(t, err)

	out := f.callback(t, rr, http.MethodPost, callbackBody(tok, "acme"))
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "ct-1", out.ConnectToken)
	require.Len(t, f.failed, 1)
	assert.Equal(t, "acme", f.failed[0].Handle)

	_, err = st.Store.Get(context.Background(), "acme")
	assert.ErrorIs(t, err, linkstore.ErrNotFound)
}

func TestCallback_InternalErrorIs500(t *testing.T) {
	f := newFixture(t, linkstore.NewMemory(), handshake.WithConnectTokens(func() (string, error) {
		panic("entropy exhausted")
	}))
	tok, err := f.tokens.Issue("acme")
	require.NoError(t, err)

	out := f.callback(t, httptest.NewRecorder(), http.MethodPost, callbackBody(tok, "acme"))
	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.Equal(t, "Internal server error", out.Message)
}

func TestContinue(t *testing.T) {
	f := newFixture(t, linkstore.NewMemory())
	tok := f.initiate(t, "acme", "user-x")
	f.callback(t, httptest.NewRecorder(), http.MethodPost, callbackBody(tok, "acme"))
	owner := f.bearer(t, "user-x")

	rr := f.client(http.MethodGet, "/callback?practice=acme", "", owner)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "ct-1", "connect token never returned")
	var out handshake.Continuation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.True(t, out.Linked)
	assert.Equal(t, "user-x", out.UserID)
	assert.Equal(t, "17", out.BackendUserID)

	p, err := f.sessions.Verify(out.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "acme", p.Handle)
	assert.Equal(t, "user-x", p.UserID)

	rr = f.client(http.MethodGet, "/callback?practice=nobody", "", owner)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.client(http.MethodGet, "/callback", "", owner)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	require.NoError(t, f.store.SetValid(context.Background(), "acme", false))
	rr = f.client(http.MethodGet, "/callback?practice=acme", "", owner)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "not-authorized")
}

func TestContinue_OnlyOwnerGetsSession(t *testing.T) {
	f := newFixture(t, linkstore.NewMemory())
	tok := f.initiate(t, "acme", "user-x")
	f.callback(t, httptest.NewRecorder(), http.MethodPost, callbackBody(tok, "acme"))

	rr := f.client(http.MethodGet, "/callback?practice=acme", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotContains(t, rr.Body.String(), "sessionToken")

	rr = f.client(http.MethodGet, "/callback?practice=acme", "", f.bearer(t, "user-y"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotContains(t, rr.Body.String(), "sessionToken")

	_, err := f.ctrl.Continue(context.Background(), middleware.Principal{}, "acme")
	assert.Error(t, err)
}

func TestOriginFrom(t *testing.T) {
	trusted := []string{"CF-Connecting-IP", "X-Forwarded-For"}

	req := httptest.NewRequest(http.MethodPost, "/auth", nil)
	req.Header.Set("X-Forwarded-For", " 198.51.100.1 , 10.0.0.1")
	assert.Equal(t, "198.51.100.1", handshake.OriginFrom(req, trusted))

	req.Header.Set("CF-Connecting-IP", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", handshake.OriginFrom(req, trusted))

	bare := httptest.NewRequest(http.MethodPost, "/auth", nil)
	bare.RemoteAddr = "192.0.2.4:5555"
	assert.Equal(t, "192.0.2.4", handshake.OriginFrom(bare, trusted))
}

func TestNewConnectToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		tok, err := handshake.NewConnectToken()
		require.NoError(t, err)
		assert.NotContains(t, tok, "/")
		assert.NotContains(t, tok, "+")
		assert.NotContains(t, tok, "=")
		assert.GreaterOrEqual(t, len(tok), 32)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}
