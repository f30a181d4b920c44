package handshake

import (
	"crypto/rand"
	"encoding/base64"
	"net"
	"net/http"
	"strings"
)

// OriginFrom returns the caller address from the first trusted header that is
// set (first comma-separated value), falling back to the peer address.
func OriginFrom(r *http.Request, trusted []string) string {
	for _, h := range trusted {
		v := r.Header.Get(h)
		if v == "" {
			continue
		}
		if first := strings.TrimSpace(strings.Split(v, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewConnectToken returns 32 random bytes, base64 encoded with '/', '+' and
// '=' removed so the token is safe in headers and query strings.
func NewConnectToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.NewReplacer("/", "", "+", "", "=", "").Replace(base64.StdEncoding.EncodeToString(b)), nil
}
