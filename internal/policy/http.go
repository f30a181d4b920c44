package policy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"linkgate/pkg/problems"
)

// RegisterHTTP mounts a dry-run endpoint for operators.
// POST /policy/dry-run  body: { method, endpoint, handle }
func RegisterHTTP(r chi.Router, engine *Engine) {
	r.Post("/policy/dry-run", func(w http.ResponseWriter, req *http.Request) {
		var in Input
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			problems.Write(w, problems.New(problems.InvalidPayload, "invalid JSON body"))
			return
		}
		in.Method = strings.ToUpper(strings.TrimSpace(in.Method))
		dec := engine.Evaluate(req.Context(), in)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"source":   engine.Source(),
			"decision": dec,
		})
	})
}
