package proxy

import (
	"encoding/json"
	"fmt"
	"strconv"

	jmes "github.com/jmespath/go-jmespath"
)

// Envelope reads the backend's status envelope from a JSON response body.
type Envelope struct {
	status  *jmes.JMESPath
	message *jmes.JMESPath
}

func NewEnvelope(statusPath, messagePath string) (*Envelope, error) {
	st, err := jmes.Compile(statusPath)
	if err != nil {
		return nil, fmt.Errorf("envelope status path %q: %w", statusPath, err)
	}
	msg, err := jmes.Compile(messagePath)
	if err != nil {
		return nil, fmt.Errorf("envelope message path %q: %w", messagePath, err)
	}
	return &Envelope{status: st, message: msg}, nil
}

// Check reports whether body carries a success status (200 as string or
// number) and returns the envelope message when one is present.
func (e *Envelope) Check(body []byte) (ok bool, msg string, err error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return false, "", fmt.Errorf("response is not JSON: %w", err)
	}
	if m, _ := e.message.Search(doc); m != nil {
		msg = fmt.Sprint(m)
	}
	st, _ := e.status.Search(doc)
	switch v := st.(type) {
	case string:
		n, convErr := strconv.Atoi(v)
		return convErr == nil && n == 200, msg, nil
	case float64:
		return v == 200, msg, nil
	}
	return false, msg, nil
}
