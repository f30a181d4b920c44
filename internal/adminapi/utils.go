package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"linkgate/pkg/linkstore"
)

// linkView is a record as shown to operators; the connect-token is masked.
type linkView struct {
	linkstore.Record
	ConnectToken string `json:"connect_token"`
}

func viewOf(rec linkstore.Record) linkView {
	return linkView{Record: rec, ConnectToken: redact(rec.ConnectToken)}
}

// redact keeps the last four characters of long tokens so operators can tell
// rotations apart.
func redact(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) < 16 {
		return strings.Repeat("*", 8)
	}
	return strings.Repeat("*", 8) + tok[len(tok)-4:]
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nowUTC() time.Time { return time.Now().UTC() }
