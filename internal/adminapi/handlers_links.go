package adminapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"linkgate/pkg/events"
	"linkgate/pkg/linkstore"
	"linkgate/pkg/middleware"
	"linkgate/pkg/problems"
)

func (a *App) listLinks(w http.ResponseWriter, r *http.Request) {
	recs, err := a.store.List(r.Context())
	if err != nil {
		a.log.Errorw("list links failed", "err", err)
		problems.Write(w, problems.Wrap(problems.StoreFailure, "list links failed", err))
		return
	}
	out := make([]linkView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	writeJSON(w, map[string]any{"links": out}, http.StatusOK)
}

func (a *App) getLink(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, viewOf(rec), http.StatusOK)
}

func (a *App) revokeLink(w http.ResponseWriter, r *http.Request) {
	a.setValid(w, r, false)
}

func (a *App) restoreLink(w http.ResponseWriter, r *http.Request) {
	a.setValid(w, r, true)
}

// setValid flips the validity flag. Revocation is the only way besides a new
// callback to change it.
func (a *App) setValid(w http.ResponseWriter, r *http.Request, valid bool) {
	handle := chi.URLParam(r, "handle")
	if err := a.store.SetValid(r.Context(), handle, valid); err != nil {
		a.writeStoreErr(w, handle, err)
		return
	}
	rec, ok := a.load(w, r)
	if !ok {
		return
	}
	topic := events.LinkRevoked
	if valid {
		topic = events.LinkRestored
	}
	actor := ""
	if p, ok := middleware.PrincipalFrom(r.Context()); ok {
		actor = p.Handle
	}
	a.log.Infow("link validity changed", "handle", handle, "valid", valid, "actor", actor)
	a.bus.Publish(topic, events.LinkEvent{Handle: rec.Handle, UserID: rec.UserID, At: nowUTC()})
	writeJSON(w, viewOf(rec), http.StatusOK)
}

func (a *App) load(w http.ResponseWriter, r *http.Request) (linkstore.Record, bool) {
	handle := chi.URLParam(r, "handle")
	rec, err := a.store.Get(r.Context(), handle)
	if err != nil {
		a.writeStoreErr(w, handle, err)
		return linkstore.Record{}, false
	}
	return rec, true
}

func (a *App) writeStoreErr(w http.ResponseWriter, handle string, err error) {
	if errors.Is(err, linkstore.ErrNotFound) {
		problems.WriteStatus(w, http.StatusNotFound, problems.Newf(problems.NotAuthorized, "no link for handle %q", handle))
		return
	}
	a.log.Errorw("link store failed", "handle", handle, "err", err)
	problems.Write(w, problems.Wrap(problems.StoreFailure, "link store unavailable", err))
}
