// Package proxy dispatches authenticated calls to a tenant's backend API on
// behalf of a linked user.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"linkgate/internal/policy"
	"linkgate/pkg/config"
	"linkgate/pkg/linkstore"
	"linkgate/pkg/metrics"
	"linkgate/pkg/problems"
)

// LinkKey selects a link record by tenant handle or, when Handle is empty,
// by local user id.
type LinkKey struct {
	Handle string
	UserID string
}

// Request is a proxied call as received from the client.
type Request struct {
	Method   string          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Params   json.RawMessage `json:"params,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

type Dispatcher struct {
	store    linkstore.Store
	policy   *policy.Engine
	envelope *Envelope
	allow    []string
	timeout  time.Duration
	log      *zap.SugaredLogger
}

func NewDispatcher(cfg config.Config, store linkstore.Store, engine *policy.Engine, log *zap.SugaredLogger) (*Dispatcher, error) {
	env, err := NewEnvelope(cfg.EnvelopeStatusPath, cfg.EnvelopeMessagePath)
	if err != nil {
		return nil, err
	}
	timeout := cfg.ProxyTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	allow := cfg.ForwardParams
	if allow == nil {
		allow = []string{}
	}
	return &Dispatcher{store: store, policy: engine, envelope: env, allow: allow, timeout: timeout, log: log}, nil
}

// Call validates req, resolves the link for key and forwards the call. Every
// validation failure is returned before any network or store access that it
// does not depend on.
func (d *Dispatcher) Call(ctx context.Context, key LinkKey, req Request) (json.RawMessage, error) {
	method, err := ParseMethod(req.Method)
	if err != nil {
		return nil, err
	}
	endpoint, err := cleanEndpoint(req.Endpoint)
	if err != nil {
		return nil, err
	}
	params, err := ParseParams(req.Params)
	if err != nil {
		return nil, err
	}
	body, err := checkBody(method, req.Body)
	if err != nil {
		return nil, err
	}
	rec, err := d.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	dec := d.policy.Evaluate(ctx, policy.Input{Method: string(method), Endpoint: endpoint, Handle: rec.Handle})
	if !dec.Allowed {
		d.log.Infow("proxy call denied by policy", "handle", rec.Handle, "method", method, "endpoint", endpoint, "reasons", dec.Reasons)
		return nil, problems.Newf(problems.NotAuthorized, "endpoint %s %s not permitted", method, endpoint)
	}
	return d.dispatch(ctx, rec, method, endpoint, params.Shape(d.allow), body)
}

// TestConnection issues GET db/users for the record's backend user.
func (d *Dispatcher) TestConnection(ctx context.Context, key LinkKey) error {
	rec, err := d.resolve(ctx, key)
	if err != nil {
		return err
	}
	_, err = d.dispatch(ctx, rec, MethodGet, "db/users", Params{{Key: "user_id", Value: rec.BackendUserID}}, nil)
	return err
}

func (d *Dispatcher) resolve(ctx context.Context, key LinkKey) (linkstore.Record, error) {
	var (
		rec linkstore.Record
		err error
	)
	switch {
	case key.Handle != "":
		rec, err = d.store.Get(ctx, key.Handle)
	case key.UserID != "":
		rec, err = d.store.GetByUser(ctx, key.UserID)
	default:
		return linkstore.Record{}, problems.New(problems.NotAuthorized, "no linked account for caller")
	}
	if errors.Is(err, linkstore.ErrNotFound) {
		return linkstore.Record{}, problems.New(problems.NotAuthorized, "no linked account for caller")
	}
	if err != nil {
		return linkstore.Record{}, problems.Wrap(problems.StoreFailure, "link lookup failed", err)
	}
	if !rec.Valid {
		return linkstore.Record{}, problems.New(problems.NotAuthorized, "link has been revoked")
	}
	return rec, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, rec linkstore.Record, m Method, endpoint string, params Params, body json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	status, raw, err := newUpstream(rec, d.timeout).do(ctx, m, endpoint, params, body)
	metrics.ProxyLatency.WithLabelValues(string(m)).Observe(time.Since(start).Seconds())
	if err != nil {
		d.log.Warnw("upstream call failed", "handle", rec.Handle, "method", m, "endpoint", endpoint, "err", err)
		metrics.ProxyCalls.WithLabelValues(string(m), string(problems.APIFailure)).Inc()
		return nil, problems.Wrap(problems.APIFailure, "backend unreachable", err)
	}
	// a non-2xx transport status fails the call even when the envelope claims success
	ok, msg, perr := d.envelope.Check(raw)
	httpOK := status >= http.StatusOK && status < http.StatusMultipleChoices
	if perr != nil || !ok || !httpOK {
		if ok || msg == "" {
			msg = fmt.Sprintf("backend returned HTTP %d", status)
		}
		d.log.Warnw("upstream call rejected", "handle", rec.Handle, "method", m, "endpoint", endpoint, "status", status, "msg", msg)
		metrics.ProxyCalls.WithLabelValues(string(m), string(problems.APIFailure)).Inc()
		return nil, problems.Wrap(problems.APIFailure, msg, perr)
	}
	metrics.ProxyCalls.WithLabelValues(string(m), "ok").Inc()
	return raw, nil
}

func cleanEndpoint(s string) (string, error) {
	e := strings.TrimLeft(strings.TrimSpace(s), "/")
	if e == "" {
		return "", problems.New(problems.InvalidPayload, "endpoint is required")
	}
	if strings.Contains(e, "://") {
		return "", problems.New(problems.InvalidPayload, "endpoint must be a path relative to the backend")
	}
	return e, nil
}

// checkBody requires a JSON object for POST; PUT bodies are optional but must
// be valid JSON; GET bodies are ignored.
func checkBody(m Method, raw json.RawMessage) (json.RawMessage, error) {
	b := bytes.TrimSpace(raw)
	empty := len(b) == 0 || bytes.Equal(b, []byte("null"))
	switch m {
	case MethodPost:
		if empty || b[0] != '{' || !json.Valid(b) {
			return nil, problems.New(problems.InvalidBody, "POST requires a JSON object body")
		}
		return b, nil
	case MethodPut:
		if empty {
			return nil, nil
		}
		if !json.Valid(b) {
			return nil, problems.New(problems.InvalidBody, "PUT body must be valid JSON")
		}
		return b, nil
	case MethodGet:
		return nil, nil
	}
	return nil, nil
}
