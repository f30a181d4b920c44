package sysinfo

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"linkgate/pkg/problems"
)

// Routes mounts the system info endpoints behind the caller's session auth.
func (c *Cache) Routes(r chi.Router) {
	r.Get("/v1/systems/release", c.handleRelease)
	r.Get("/v1/systems/{handle}", c.handleLookup)
}

func (c *Cache) handleLookup(w http.ResponseWriter, r *http.Request) {
	info, err := c.Lookup(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		problems.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func (c *Cache) handleRelease(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		problems.Write(w, problems.New(problems.InvalidPayload, "url is required"))
		return
	}
	rc, err := c.CheckRelease(r.Context(), target)
	if err != nil {
		problems.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "release": rc})
}
