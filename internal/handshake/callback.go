package handshake

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"

	"linkgate/pkg/events"
	"linkgate/pkg/linkstore"
	"linkgate/pkg/metrics"
	"linkgate/pkg/problems"
)

const maxCallbackBody = 1 << 20

// flexID accepts a JSON string or number; the backend sends user_id as either.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type callbackUser struct {
	Username string `json:"username"`
	UserID   flexID `json:"user_id"`
}

type callbackApp struct {
	Handle string `json:"handle"`
}

type callbackPayload struct {
	AuthToken string        `json:"authToken"`
	User      *callbackUser `json:"user"`
	App       *callbackApp  `json:"app"`
}

// statusBody is the callback wire shape; the backend expects {status, message}.
type statusBody struct {
	Status       int    `json:"status"`
	Message      string `json:"message"`
	ConnectToken string `json:"connectToken,omitempty"`
	AuthURL      string `json:"authUrl,omitempty"`
}

// Callback handles the backend's POST /auth. The 200 acknowledgement is
// written and flushed before the link record is upserted.
func (c *Controller) Callback(w http.ResponseWriter, r *http.Request) {
	acked := false
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Errorw("callback panic", "err", rec, "stack", string(debug.Stack()))
			if !acked {
				c.reply(w, statusBody{Status: http.StatusInternalServerError, Message: "Internal server error"})
			}
		}
	}()

	if r.Method != http.MethodPost {
		c.reply(w, statusBody{Status: http.StatusMethodNotAllowed, Message: "Method Not Allowed"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		c.reply(w, statusBody{Status: http.StatusBadRequest, Message: "Unable to read request body"})
		return
	}
	var p callbackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.reply(w, statusBody{Status: http.StatusBadRequest, Message: "Invalid JSON in request body"})
		return
	}
	if strings.TrimSpace(p.AuthToken) == "" || p.User == nil || p.User.UserID == "" ||
		p.App == nil || strings.TrimSpace(p.App.Handle) == "" {
		c.reply(w, statusBody{Status: http.StatusBadRequest, Message: "Invalid payload. authToken, user.user_id and app.handle are required."})
		return
	}
	handle := strings.TrimSpace(p.App.Handle)
	if !handlePattern.MatchString(handle) {
		c.reply(w, statusBody{Status: http.StatusBadRequest, Message: "Invalid payload. app.handle is not a valid handle."})
		return
	}

	res := c.tokens.Verify(p.AuthToken)
	if !res.Valid {
		c.log.Warnw("callback rejected", "handle", handle, "reason", res.Reason)
		c.reply(w, statusBody{Status: http.StatusUnauthorized, Message: rejectMessage(res.Reason)})
		return
	}
	if res.Handle != handle {
		c.log.Warnw("callback rejected", "handle", handle, "reason", "handle mismatch")
		c.reply(w, statusBody{Status: http.StatusUnauthorized, Message: "Invalid token"})
		return
	}

	connectToken, err := c.connectTokens()
	if err != nil {
		c.log.Errorw("connect token generation failed", "err", err)
		c.reply(w, statusBody{Status: http.StatusInternalServerError, Message: "Internal server error"})
		return
	}
	origin := OriginFrom(r, c.cfg.TrustedOriginHeaders)

	c.reply(w, statusBody{
		Status:       http.StatusOK,
		Message:      "Account linked successfully!",
		ConnectToken: connectToken,
		AuthURL:      strings.TrimRight(c.cfg.ContinuationBaseURL, "/") + "/callback?practice=" + url.QueryEscape(handle),
	})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	acked = true
	c.bus.Publish(events.LinkAcknowledged, events.LinkEvent{Handle: handle})

	c.persist(r.Context(), linkstore.Update{
		Handle:        handle,
		UserID:        res.UserID,
		Username:      p.User.Username,
		BackendUserID: string(p.User.UserID),
		BaseURL:       c.cfg.BackendBaseURL(handle),
		Origin:        origin,
		ConnectToken:  connectToken,
		At:            c.clock.Now(),
	})
}

func rejectMessage(kind problems.Kind) string {
	switch kind {
	case problems.TokenExpired:
		return "Token expired"
	case problems.InvalidPayload:
		return "Invalid token payload"
	default:
		return "Invalid token"
	}
}

// reply writes a complete body with Content-Length so a flushed
// acknowledgement is final for the caller.
func (c *Controller) reply(w http.ResponseWriter, body statusBody) {
	b, err := json.Marshal(body)
	if err != nil {
		b = []byte(`{"status":500,"message":"Internal server error"}`)
		body.Status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(body.Status)
	_, _ = w.Write(b)
	metrics.Callbacks.WithLabelValues(strconv.Itoa(body.Status)).Inc()
}
