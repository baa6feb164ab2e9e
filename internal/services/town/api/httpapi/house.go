package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/elizatown/town/internal/platform/httpx"
	"github.com/elizatown/town/internal/services/house/ceremony"
	"github.com/elizatown/town/internal/services/house/registry"
)

type ceremonyStepRequest struct {
	SessionID   string               `json:"sessionId"`
	Participant ceremony.Participant `json:"participant"`
	Commit      string               `json:"commit,omitempty"`
	Reveal      string               `json:"reveal,omitempty"`
}

func (a *api) ceremonyCommit(w http.ResponseWriter, r *http.Request) {
	var req ceremonyStepRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	view, err := a.Ceremonies.Commit(r.Context(), req.SessionID, req.Participant, req.Commit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"session": view})
}

func (a *api) ceremonyReveal(w http.ResponseWriter, r *http.Request) {
	var req ceremonyStepRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	view, err := a.Ceremonies.Reveal(r.Context(), req.SessionID, req.Participant, req.Reveal)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"session": view})
}

func (a *api) ceremonyGet(w http.ResponseWriter, r *http.Request) {
	view, err := a.Ceremonies.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"session": view})
}

func (a *api) houseNonce(w http.ResponseWriter, r *http.Request) {
	nonce, err := a.Houses.IssueNonce(r.Context())
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{
		"nonce":     nonce.Value,
		"expiresAt": nonce.ExpiresAt,
	})
}

func (a *api) houseInit(w http.ResponseWriter, r *http.Request) {
	var in registry.InitInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	meta, err := a.Houses.Init(r.Context(), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	writeMeta(w, r, meta)
}

func (a *api) houseMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := a.Houses.Meta(r.Context(), pathHouseID(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	writeMeta(w, r, meta)
}

func (a *api) houseMetaUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Unlock json.RawMessage `json:"unlock"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	meta, err := a.Houses.UpdateUnlock(r.Context(), authenticated(r), req.Unlock)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	writeMeta(w, r, meta)
}

// writeMeta flattens the house metadata into the success envelope.
func writeMeta(w http.ResponseWriter, r *http.Request, meta registry.Meta) {
	raw, err := json.Marshal(meta)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, fields)
}

func (a *api) logAppend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Author     string `json:"author"`
		Ciphertext string `json:"ciphertext"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	entry, err := a.Logs.Append(r.Context(), authenticated(r), req.Author, req.Ciphertext)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"entry": entry})
}

func (a *api) logList(w http.ResponseWriter, r *http.Request) {
	entries, err := a.Logs.List(r.Context(), authenticated(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{
		"entries":    entries,
		"maxEntries": a.Logs.Capacity(),
	})
}
