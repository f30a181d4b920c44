package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"linkgate/pkg/linkstore"
	"linkgate/pkg/middleware"
)

const maxUpstreamBody = 8 << 20

// upstream is built per call from a link record; nothing on it is shared
// between calls or tenants.
type upstream struct {
	baseURL       string
	connectToken  string
	backendUserID string
	origin        string
	http          *http.Client
}

func newUpstream(rec linkstore.Record, timeout time.Duration) *upstream {
	return &upstream{
		baseURL:       strings.TrimRight(rec.BaseURL, "/"),
		connectToken:  rec.ConnectToken,
		backendUserID: rec.BackendUserID,
		origin:        rec.Origin,
		http:          middleware.NewHTTPClient(timeout),
	}
}

func (u *upstream) do(ctx context.Context, m Method, endpoint string, params Params, body json.RawMessage) (int, []byte, error) {
	full := u.baseURL + "/" + endpoint
	if q := params.Encode(); q != "" {
		full += "?" + q
	}
	var rdr io.Reader
	if m.sendsBody() && len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, string(m), full, rdr)
	if err != nil {
		return 0, nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+u.connectToken)
	req.Header.Set("X-User-Id", u.backendUserID)
	if u.origin != "" {
		req.Header.Set("X-Forwarded-For", u.origin)
	}
	req.Header.Set("Accept", "application/json")
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read upstream body: %w", err)
	}
	return resp.StatusCode, b, nil
}
