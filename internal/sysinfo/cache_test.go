package sysinfo_test

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"linkgate/internal/sysinfo"
	"linkgate/pkg/config"
	"linkgate/pkg/problems"
)

var logoBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 'l', 'o', 'g', 'o'}

// discovery fakes both the HandleLookup service and the tenant logo stream.
type discovery struct {
	*httptest.Server
	lookups   atomic.Int32
	logos     atomic.Int32
	logoFails atomic.Bool
	status    atomic.Int32
	gate      chan struct{}
	rc        string
}

func newDiscovery(t *testing.T) *discovery {
	d := &discovery{rc: "RC201906"}
	d.status.Store(200)
	mux := http.NewServeMux()
	mux.HandleFunc("/webchart.cgi", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("name") != "HandleLookup" || q.Get("apikey") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		d.lookups.Add(1)
		if d.gate != nil {
			<-d.gate
		}
		w.Header().Set("Content-Type", "application/json")
		if d.status.Load() != 200 {
			_, _ = io.WriteString(w, `{"status":404,"message":"Unknown handle"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":200,"name":"Acme Clinic","handle":"`+q.Get("handle")+`","url":"`+d.URL+`/tenant/webchart.cgi"}`)
	})
	mux.HandleFunc("/tenant/webchart.cgi", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch q.Get("f") {
		case "fsstream":
			d.logos.Add(1)
			if d.logoFails.Load() || q.Get("sysfile") != "System Logo" {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, _ = w.Write(logoBytes)
		case "wcrelease":
			_, _ = io.WriteString(w, `{"wcrelease":{"rc":"`+d.rc+`"}}`)
		}
	})
	d.Server = httptest.NewServer(mux)
	t.Cleanup(d.Close)
	return d
}

func newCache(d *discovery, clock clockwork.Clock) *sysinfo.Cache {
	cfg := config.Config{
		DiscoveryURL:     d.URL + "/webchart.cgi",
		DiscoveryAPIKey:  "test-key",
		DiscoveryTimeout: 2 * time.Second,
	}
	return sysinfo.NewCache(cfg, zap.NewNop().Sugar(), sysinfo.WithClock(clock))
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestLookup_FreshWindow(t *testing.T) {
	d := newDiscovery(t)
	clock := clockwork.NewFakeClockAt(t0)
	c := newCache(d, clock)
	ctx := context.Background()

	info, err := c.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Clinic", info["name"])
	assert.Equal(t, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(logoBytes), info["clientLogo"])

	clock.Advance(time.Minute + 59*time.Second)
	_, err = c.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 1, d.lookups.Load(), "second lookup inside two minutes is served from cache")

	clock.Advance(2 * time.Second) // 2m1s after the first fetch
	_, err = c.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 2, d.lookups.Load())
	assert.EqualValues(t, 2, d.logos.Load())
}

func TestLookup_ExactlyTwoMinutesIsMiss(t *testing.T) {
	d := newDiscovery(t)
	clock := clockwork.NewFakeClockAt(t0)
	c := newCache(d, clock)

	_, err := c.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	clock.Advance(sysinfo.FreshFor)
	_, err = c.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 2, d.lookups.Load())
}

func TestLookup_HandlesAreIndependent(t *testing.T) {
	d := newDiscovery(t)
	c := newCache(d, clockwork.NewFakeClockAt(t0))

	a, err := c.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	b, err := c.Lookup(context.Background(), "mie")
	require.NoError(t, err)
	assert.Equal(t, "acme", a["handle"])
	assert.Equal(t, "mie", b["handle"])
	assert.EqualValues(t, 2, d.lookups.Load())
}

func TestLookup_LogoFailureCachesMetadata(t *testing.T) {
	d := newDiscovery(t)
	d.logoFails.Store(true)
	clock := clockwork.NewFakeClockAt(t0)
	c := newCache(d, clock)

	info, err := c.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Clinic", info["name"])
	assert.NotContains(t, info, "clientLogo")

	clock.Advance(30 * time.Second)
	_, err = c.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 1, d.lookups.Load())
	assert.EqualValues(t, 1, d.logos.Load(), "metadata-only entry is not refetched inside the window")
}

func TestLookup_DiscoveryFailureNotCached(t *testing.T) {
	d := newDiscovery(t)
	d.status.Store(404)
	c := newCache(d, clockwork.NewFakeClockAt(t0))

	_, err := c.Lookup(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, problems.DiscoveryFailure, problems.KindOf(err))
	var pe *problems.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Unknown handle", pe.Message)

	_, err = c.Lookup(context.Background(), "ghost")
	require.Error(t, err)
	assert.EqualValues(t, 2, d.lookups.Load())
}

func TestLookup_Unreachable(t *testing.T) {
	d := newDiscovery(t)
	c := newCache(d, clockwork.NewFakeClockAt(t0))
	d.Close()

	_, err := c.Lookup(context.Background(), "acme")
	assert.Equal(t, problems.DiscoveryFailure, problems.KindOf(err))
}

func TestLookup_EmptyHandle(t *testing.T) {
	d := newDiscovery(t)
	c := newCache(d, clockwork.NewFakeClockAt(t0))
	_, err := c.Lookup(context.Background(), "  ")
	assert.Equal(t, problems.InvalidPayload, problems.KindOf(err))
	assert.Zero(t, d.lookups.Load())
}

func TestLookup_ConcurrentMissesCollapse(t *testing.T) {
	d := newDiscovery(t)
	d.gate = make(chan struct{})
	c := newCache(d, clockwork.NewFakeClockAt(t0))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Lookup(context.Background(), "acme")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return d.lookups.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(d.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, d.lookups.Load())
}

func TestLookup_ReturnsCopies(t *testing.T) {
	d := newDiscovery(t)
	c := newCache(d, clockwork.NewFakeClockAt(t0))

	info, err := c.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	info["name"] = "mutated"

	again, err := c.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Clinic", again["name"])
}

func TestCheckRelease(t *testing.T) {
	d := newDiscovery(t)
	c := newCache(d, clockwork.NewFakeClockAt(t0))
	tenant := d.URL + "/tenant/webchart.cgi"

	cases := []struct {
		rc   string
		kind problems.Kind
	}{
		{"RC201906", ""},
		{"RC202304-2", ""},
		{"RC201812", problems.UnsupportedRelease},
		{"", problems.InvalidPayload},
		{"8.2", problems.InvalidPayload},
	}
	for _, tc := range cases {
		d.rc = tc.rc
		rc, err := c.CheckRelease(context.Background(), tenant)
		if tc.kind == "" {
			require.NoError(t, err, tc.rc)
			assert.Equal(t, tc.rc, rc)
			continue
		}
		assert.Equal(t, tc.kind, problems.KindOf(err), tc.rc)
	}

	for _, bad := range []string{"", "not a url", "ftp://files.example.com", "https://"} {
		_, err := c.CheckRelease(context.Background(), bad)
		assert.Equal(t, problems.InvalidPayload, problems.KindOf(err), bad)
	}

	// The lookup endpoint answers without a wcrelease object.
	_, err := c.CheckRelease(context.Background(), d.URL+"/webchart.cgi")
	assert.Error(t, err)
}

func TestRoutes(t *testing.T) {
	d := newDiscovery(t)
	c := newCache(d, clockwork.NewFakeClockAt(t0))
	r := chi.NewRouter()
	c.Routes(r)

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		return rr
	}

	rr := get("/v1/systems/acme")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"Acme Clinic"`)
	assert.Contains(t, rr.Body.String(), `"clientLogo":"data:image/jpeg;base64,`)

	rr = get("/v1/systems/release?url=" + d.URL + "/tenant/webchart.cgi")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"ok":true,"release":"RC201906"}`, rr.Body.String())

	rr = get("/v1/systems/release")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	d.rc = "RC201801"
	rr = get("/v1/systems/release?url=" + d.URL + "/tenant/webchart.cgi")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), `"kind":"unsupported-release"`)
}
