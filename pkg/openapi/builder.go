package openapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Operation represents a single HTTP operation to surface in OpenAPI.
type Operation struct {
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Public      bool           `json:"-"` // no bearer session required
	Role        string         `json:"x-required-role,omitempty"`
	RequestBody any            `json:"requestBody,omitempty"`
	Responses   map[string]any `json:"responses"`
}

// Registry holds the operations mounted by the server.
type Registry struct {
	mu  sync.RWMutex
	ops []Operation
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(ops ...Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		op.Method = strings.ToLower(op.Method)
		if op.Responses == nil {
			op.Responses = map[string]any{"200": map[string]any{"description": "OK"}}
		}
		r.ops = append(r.ops, op)
	}
}

// Build produces an OpenAPI 3.1 document of the registered operations.
// Components/schemas are kept inline for brevity.
func (r *Registry) Build(serviceName, version string) map[string]any {
	r.mu.RLock()
	ops := append([]Operation(nil), r.ops...)
	r.mu.RUnlock()
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Path < ops[j].Path })

	paths := map[string]any{}
	for _, op := range ops {
		if _, ok := paths[op.Path]; !ok {
			paths[op.Path] = map[string]any{}
		}
		m := map[string]any{
			"summary":   op.Summary,
			"tags":      op.Tags,
			"responses": op.Responses,
		}
		if op.Description != "" {
			m["description"] = op.Description
		}
		if op.Public {
			m["security"] = []map[string]any{}
		}
		if op.Role != "" {
			m["x-required-role"] = op.Role
		}
		if op.RequestBody != nil {
			m["requestBody"] = op.RequestBody
		}
		paths[op.Path].(map[string]any)[op.Method] = m
	}
	return map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": serviceName, "version": version},
		"paths":   paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"session": map[string]any{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "JWT",
				},
			},
		},
		"security": []map[string]any{{"session": []string{}}},
	}
}

// JSONBody is a requestBody stanza for an inline JSON schema.
func JSONBody(schema map[string]any) map[string]any {
	return map[string]any{
		"required": true,
		"content":  map[string]any{"application/json": map[string]any{"schema": schema}},
	}
}

// ServeHandler returns an HTTP handler that serves the built OpenAPI JSON.
func (r *Registry) ServeHandler(serviceName, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Build(serviceName, version))
	}
}
