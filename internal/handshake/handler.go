package handshake

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"linkgate/pkg/middleware"
	"linkgate/pkg/problems"
)

// PublicRoutes mounts the backend-facing callback.
func (c *Controller) PublicRoutes(r chi.Router) {
	// every method reaches Callback so non-POST gets the backend's 405 shape
	r.HandleFunc("/auth", c.Callback)
}

// ClientRoutes mounts routes that sit behind SessionAuth.
func (c *Controller) ClientRoutes(r chi.Router) {
	r.Post("/v1/link/initiate", c.handleInitiate)
	r.Get("/callback", c.handleContinue)
}

func (c *Controller) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Handle string `json:"handle"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			problems.Write(w, problems.New(problems.InvalidPayload, "invalid JSON body"))
			return
		}
	}
	p, _ := middleware.PrincipalFrom(r.Context())
	if in.Handle == "" {
		in.Handle = p.Handle
	}
	out, err := c.Initiate(in.Handle, p.UserID)
	if err != nil {
		c.log.Warnw("initiate failed", "handle", in.Handle, "err", err)
		problems.Write(w, err)
		return
	}
	c.log.Infow("handshake token issued", "handle", in.Handle, "expires_at", out.ExpiresAt)
	writeJSON(w, out, http.StatusOK)
}

func (c *Controller) handleContinue(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFrom(r.Context())
	out, err := c.Continue(r.Context(), p, r.URL.Query().Get("practice"))
	if err != nil {
		if problems.Is(err, problems.NotAuthorized) {
			problems.WriteStatus(w, http.StatusNotFound, err)
			return
		}
		if problems.Is(err, problems.StoreFailure) {
			c.log.Errorw("continuation lookup failed", "err", err)
		}
		problems.Write(w, err)
		return
	}
	writeJSON(w, out, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
