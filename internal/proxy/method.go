package proxy

import (
	"net/http"
	"strings"

	"linkgate/pkg/problems"
)

// Method is the closed set of verbs the backend proxy forwards.
type Method string

const (
	MethodGet  Method = http.MethodGet
	MethodPost Method = http.MethodPost
	MethodPut  Method = http.MethodPut
)

// ParseMethod normalizes s to upper case and rejects anything else.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodGet, MethodPost, MethodPut:
		return m, nil
	default:
		return "", problems.Newf(problems.InvalidMethod, "unsupported method %q; use GET, POST or PUT", s)
	}
}

// sendsBody reports whether a request body is forwarded for m.
func (m Method) sendsBody() bool {
	switch m {
	case MethodPost, MethodPut:
		return true
	case MethodGet:
		return false
	}
	return false
}
