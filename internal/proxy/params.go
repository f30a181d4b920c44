package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"linkgate/pkg/problems"
)

type Param struct {
	Key   string
	Value string
}

// Params is an ordered key/value list; JSON object key order is preserved so
// the upstream query string matches what the caller sent.
type Params []Param

func (p *Params) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("params must be an object")
	}
	out := Params{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := kt.(string)
		vt, err := dec.Token()
		if err != nil {
			return err
		}
		var val string
		switch v := vt.(type) {
		case nil:
		case string:
			val = v
		case json.Number:
			val = v.String()
		case bool:
			val = fmt.Sprint(v)
		default:
			return fmt.Errorf("param %q must be a scalar", key)
		}
		out = append(out, Param{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	*p = out
	return nil
}

// ParseParams decodes a raw JSON params value. Absent or null is empty.
func ParseParams(raw json.RawMessage) (Params, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, problems.Wrap(problems.InvalidPayload, "params must be an object of scalar values", err)
	}
	return p, nil
}

// Shape keeps allow-listed keys with non-empty values, in caller order.
// A nil allow list keeps every key.
func (p Params) Shape(allow []string) Params {
	var allowed map[string]bool
	if allow != nil {
		allowed = make(map[string]bool, len(allow))
		for _, k := range allow {
			allowed[k] = true
		}
	}
	var out Params
	for _, kv := range p {
		if kv.Value == "" {
			continue
		}
		if allowed != nil && !allowed[kv.Key] {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// Encode renders p as a query string without reordering.
func (p Params) Encode() string {
	parts := make([]string, 0, len(p))
	for _, kv := range p {
		parts = append(parts, url.QueryEscape(kv.Key)+"="+url.QueryEscape(kv.Value))
	}
	return strings.Join(parts, "&")
}
