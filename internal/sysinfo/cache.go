// Package sysinfo looks up tenant system metadata through the discovery
// service and keeps each answer for a short freshness window.
package sysinfo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"linkgate/pkg/config"
	"linkgate/pkg/metrics"
	"linkgate/pkg/middleware"
	"linkgate/pkg/problems"
)

// FreshFor is how long a cached entry is served. Entries aged FreshFor or
// more are misses.
const FreshFor = 2 * time.Minute

const (
	userAgent    = "linkgate (sysinfo)"
	maxLogoBytes = 4 << 20
)

// Info is the discovery payload as returned by the backend, plus clientLogo
// when the logo fetch succeeded.
type Info map[string]any

func (i Info) clone() Info {
	out := make(Info, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

type entry struct {
	cachedAt time.Time
	info     Info
}

type Cache struct {
	discoveryURL string
	apiKey       string
	timeout      time.Duration
	http         *http.Client
	clock        clockwork.Clock
	log          *zap.SugaredLogger

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

type Option func(*Cache)

func WithClock(c clockwork.Clock) Option { return func(s *Cache) { s.clock = c } }

func WithHTTPClient(hc *http.Client) Option { return func(s *Cache) { s.http = hc } }

func NewCache(cfg config.Config, log *zap.SugaredLogger, opts ...Option) *Cache {
	timeout := cfg.DiscoveryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Cache{
		discoveryURL: strings.TrimRight(cfg.DiscoveryURL, "/"),
		apiKey:       cfg.DiscoveryAPIKey,
		timeout:      timeout,
		http:         middleware.NewHTTPClient(timeout),
		clock:        clockwork.NewRealClock(),
		log:          log,
		entries:      map[string]entry{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup serves a fresh cached entry for handle or runs discovery. Concurrent
// misses for one handle share a single discovery round trip.
func (c *Cache) Lookup(ctx context.Context, handle string) (Info, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, problems.New(problems.InvalidPayload, "handle is required")
	}
	if info, ok := c.fresh(handle); ok {
		metrics.SysinfoLookups.WithLabelValues("hit").Inc()
		return info.clone(), nil
	}
	v, err, _ := c.group.Do(handle, func() (any, error) {
		if info, ok := c.fresh(handle); ok {
			return info, nil
		}
		// Shared by every waiter, so one caller going away must not fail the rest.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		info, err := c.discover(dctx, handle)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[handle] = entry{cachedAt: c.clock.Now(), info: info}
		c.mu.Unlock()
		return info, nil
	})
	if err != nil {
		metrics.SysinfoLookups.WithLabelValues("error").Inc()
		c.log.Warnw("system info discovery failed", "handle", handle, "err", err)
		return nil, err
	}
	metrics.SysinfoLookups.WithLabelValues("miss").Inc()
	return v.(Info).clone(), nil
}

func (c *Cache) fresh(handle string) (Info, bool) {
	c.mu.RLock()
	e, ok := c.entries[handle]
	c.mu.RUnlock()
	if !ok || c.clock.Since(e.cachedAt) >= FreshFor {
		return nil, false
	}
	return e.info, true
}

// discover fetches metadata, then the tenant logo. A failed logo fetch keeps
// the metadata result.
func (c *Cache) discover(ctx context.Context, handle string) (Info, error) {
	lookup := c.discoveryURL + "?f=layoutnouser&name=HandleLookup&raw&json&apikey=" +
		url.QueryEscape(c.apiKey) + "&handle=" + url.QueryEscape(handle)
	status, body, err := c.get(ctx, lookup, 1<<20)
	if err != nil {
		return nil, problems.Wrap(problems.DiscoveryFailure, "Error fetching handle data.", err)
	}
	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, problems.Wrap(problems.DiscoveryFailure, "Error fetching handle data.",
			fmt.Errorf("HTTP %d: decode lookup response: %w", status, err))
	}
	if !statusIs200(info["status"]) {
		msg, _ := info["message"].(string)
		if msg == "" {
			msg = "Error fetching handle data."
		}
		return nil, problems.New(problems.DiscoveryFailure, msg)
	}

	base, _ := info["url"].(string)
	if base == "" {
		return info, nil
	}
	_, logo, err := c.get(ctx, strings.TrimRight(base, "/")+"?f=fsstream&sysfile=System+Logo&rawdata", maxLogoBytes)
	if err != nil {
		c.log.Infow("system logo unavailable, caching metadata only", "handle", handle, "err", err)
		return info, nil
	}
	info["clientLogo"] = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(logo)
	return info, nil
}

// get returns the body of a 2xx response; other statuses are errors.
func (c *Cache) get(ctx context.Context, target string, limit int64) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, b, fmt.Errorf("unexpected HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, b, nil
}

func statusIs200(v any) bool {
	switch s := v.(type) {
	case float64:
		return s == 200
	case string:
		return strings.TrimSpace(s) == "200"
	}
	return false
}
