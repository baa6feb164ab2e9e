package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/httpx"
	"github.com/elizatown/town/internal/services/house/houseauth"
	"github.com/elizatown/town/internal/services/pony/envelope"
	"github.com/elizatown/town/internal/services/pony/policy"
	"github.com/elizatown/town/internal/services/pony/postage"
	"github.com/elizatown/town/internal/services/pony/relay"
	"github.com/elizatown/town/internal/services/pony/vault"
)

type sendRequest struct {
	FromHouseID string              `json:"fromHouseId,omitempty"`
	ToHouseID   string              `json:"toHouseId,omitempty"`
	ToErc8004ID string              `json:"toErc8004Id,omitempty"`
	Ciphertext  envelope.Ciphertext `json:"ciphertext"`
	Transport   envelope.Transport  `json:"transport"`
	Postage     *postage.Postage    `json:"postage,omitempty"`
}

// ponySend accepts anonymous sends and, when the caller names a sender or
// presents credentials, verifies house auth for that sender first.
func (a *api) ponySend(w http.ResponseWriter, r *http.Request) {
	raw, err := httpx.ReadBody(r, httpx.DefaultMaxBodyBytes)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req sendRequest
	if err := httpx.DecodeJSONBytes(raw, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	from := strings.TrimSpace(req.FromHouseID)
	headerID := strings.TrimSpace(r.Header.Get(houseauth.HeaderHouseID))
	if from == "" {
		from = headerID
	}
	if headerID != "" && headerID != from {
		httpx.WriteError(w, r, apperrors.New(apperrors.CodeUnauthorized, "unauthorized"))
		return
	}
	if from != "" || houseauth.HasCredentials(r) {
		if a.Auth == nil || from == "" {
			httpx.WriteError(w, r, apperrors.New(apperrors.CodeUnauthorized, "unauthorized"))
			return
		}
		err := a.Auth.Verify(r.Context(), houseauth.Signed{
			HouseID:   from,
			Timestamp: r.Header.Get(houseauth.HeaderTimestamp),
			Auth:      r.Header.Get(houseauth.HeaderAuth),
			Method:    r.Method,
			Path:      r.URL.RequestURI(),
			Body:      raw,
		})
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
	}

	msg, err := a.Relay.Send(r.Context(), relay.SendInput{
		FromHouseID: from,
		ToHouseID:   req.ToHouseID,
		ToErc8004ID: req.ToErc8004ID,
		Ciphertext:  req.Ciphertext,
		Transport:   req.Transport,
		Postage:     req.Postage,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{
		"id":      msg.ID,
		"status":  msg.Status,
		"message": msg,
	})
}

func (a *api) ponyResolve(w http.ResponseWriter, r *http.Request) {
	houseID, err := a.Relay.ResolveAnchor(r.Context(), r.URL.Query().Get("erc8004Id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"houseId": houseID})
}

func (a *api) ponyInbox(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status := envelope.Status(r.URL.Query().Get("status"))
	msgs, err := a.Relay.Inbox(r.Context(), authenticated(r), status, limit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []envelope.Message{}
	}
	httpx.WriteOK(w, map[string]any{"messages": msgs})
}

func (a *api) ponyAccept(w http.ResponseWriter, r *http.Request) {
	msg, err := a.Relay.Accept(r.Context(), authenticated(r), chi.URLParam(r, "messageId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"id": msg.ID, "status": msg.Status, "message": msg})
}

func (a *api) ponyReject(w http.ResponseWriter, r *http.Request) {
	msg, err := a.Relay.Reject(r.Context(), authenticated(r), chi.URLParam(r, "messageId"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"id": msg.ID, "status": msg.Status, "message": msg})
}

func (a *api) policyGet(w http.ResponseWriter, r *http.Request) {
	p, err := a.Policies.Get(r.Context(), authenticated(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"policy": p})
}

func (a *api) policyGetPublic(w http.ResponseWriter, r *http.Request) {
	houseID := houseauth.QueryOrHeader(r)
	if houseID == "" {
		httpx.WriteError(w, r, apperrors.New(apperrors.CodeInvalidRequest, "houseId is required"))
		return
	}
	p, err := a.Policies.Get(r.Context(), houseID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"policy": p})
}

func (a *api) policyUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HouseID string `json:"houseId,omitempty"`
		policy.Patch
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := checkBodyHouse(r, req.HouseID); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := a.Policies.Update(r.Context(), authenticated(r), req.Patch)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"policy": p})
}

func (a *api) vaultAppend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HouseID    string              `json:"houseId,omitempty"`
		Ciphertext envelope.Ciphertext `json:"ciphertext"`
		Refs       []string            `json:"refs"`
		RefsMeta   []json.RawMessage   `json:"refsMeta"`
		Postage    *postage.Postage    `json:"postage,omitempty"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := checkBodyHouse(r, req.HouseID); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	entry, err := a.Vault.Append(r.Context(), vault.AppendInput{
		HouseID:    authenticated(r),
		Ciphertext: req.Ciphertext,
		Refs:       req.Refs,
		RefsMeta:   req.RefsMeta,
		Postage:    req.Postage,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"entry": entry, "head": entry.Hash})
}

func (a *api) vaultList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	page, err := a.Vault.List(r.Context(), authenticated(r), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	fields := map[string]any{"entries": page.Entries, "head": page.Head}
	if page.NextCursor != "" {
		fields["nextCursor"] = page.NextCursor
	}
	httpx.WriteOK(w, fields)
}

func (a *api) vaultVerify(w http.ResponseWriter, r *http.Request) {
	head, err := a.Vault.VerifyChain(r.Context(), authenticated(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"head": head.Hash, "seq": head.Seq})
}

func (a *api) aliasRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HouseID string `json:"houseId,omitempty"`
		Alias   string `json:"alias"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := checkBodyHouse(r, req.HouseID); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	alias, err := a.Relay.RegisterAlias(r.Context(), authenticated(r), req.Alias)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"alias": alias})
}

func (a *api) aliasList(w http.ResponseWriter, r *http.Request) {
	aliases, err := a.Relay.Aliases(r.Context(), authenticated(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if aliases == nil {
		aliases = []relay.Alias{}
	}
	httpx.WriteOK(w, map[string]any{"aliases": aliases})
}

func (a *api) friends(w http.ResponseWriter, r *http.Request) {
	friends, err := a.Relay.Friends(r.Context(), authenticated(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteOK(w, map[string]any{"friends": friends})
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, apperrors.New(apperrors.CodeInvalidRequest, "limit must be a non-negative integer")
	}
	return limit, nil
}
