// Package policy gates proxied backend endpoints with an optional Rego module.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/rego"
)

// Query is the rule every endpoint policy must define.
const Query = "data.linkgate.allow"

// Input is the document exposed to the policy as `input`.
type Input struct {
	Method   string `json:"method"`
	Endpoint string `json:"endpoint"`
	Handle   string `json:"handle"`
}

func (in Input) asMap() map[string]any {
	return map[string]any{"method": in.Method, "endpoint": in.Endpoint, "handle": in.Handle}
}

type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Engine holds a prepared query. A nil *Engine allows everything.
type Engine struct {
	query  rego.PreparedEvalQuery
	source string
}

// Load reads and compiles the policy at path. An empty path returns a nil
// engine (no policy configured).
func Load(ctx context.Context, path string) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	mod, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Compile(ctx, path, string(mod))
}

func Compile(ctx context.Context, name, module string) (*Engine, error) {
	pq, err := rego.New(
		rego.Query(Query),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return &Engine{query: pq, source: name}, nil
}

// Source names the loaded module ("" when no policy is configured).
func (e *Engine) Source() string {
	if e == nil {
		return ""
	}
	return e.source
}

// Evaluate fails closed: evaluation errors, undefined results and non-boolean
// results all deny.
func (e *Engine) Evaluate(ctx context.Context, in Input) Decision {
	if e == nil {
		return Decision{Allowed: true}
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(in.asMap()))
	if err != nil {
		return Decision{Reasons: []string{"policy_error"}}
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Reasons: []string{"policy_undefined"}}
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return Decision{Reasons: []string{"policy_not_boolean"}}
	}
	if !allowed {
		return Decision{Reasons: []string{"endpoint_denied"}}
	}
	return Decision{Allowed: true}
}
