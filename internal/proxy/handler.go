package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"linkgate/pkg/middleware"
	"linkgate/pkg/problems"
)

// Routes mounts the proxy and connection-test endpoints; both expect a
// Principal from SessionAuth.
func (d *Dispatcher) Routes(r chi.Router) {
	r.Post("/v1/api", d.handleCall)
	r.Post("/v1/link/test", d.handleTest)
}

func linkKeyFrom(r *http.Request) (LinkKey, bool) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		return LinkKey{}, false
	}
	return LinkKey{Handle: p.Handle, UserID: p.UserID}, true
}

func (d *Dispatcher) handleCall(w http.ResponseWriter, r *http.Request) {
	key, ok := linkKeyFrom(r)
	if !ok {
		problems.Write(w, problems.New(problems.NotAuthorized, "no session"))
		return
	}
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		problems.Write(w, problems.New(problems.InvalidPayload, "invalid JSON body"))
		return
	}
	out, err := d.Call(r.Context(), key, req)
	if err != nil {
		problems.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (d *Dispatcher) handleTest(w http.ResponseWriter, r *http.Request) {
	key, ok := linkKeyFrom(r)
	if !ok {
		problems.Write(w, problems.New(problems.NotAuthorized, "no session"))
		return
	}
	if err := d.TestConnection(r.Context(), key); err != nil {
		problems.Write(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "message": "Connection test successful."})
}
