// Package httpapi exposes town's house and Pony operations over HTTP.
//
// Every response is a JSON envelope: {"ok":true,...} on success and
// {"ok":false,"error":CODE,...} on failure, with the status taken from the
// error code.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/elizatown/town/internal/platform/errors"
	"github.com/elizatown/town/internal/platform/httpx"
	"github.com/elizatown/town/internal/services/house/ceremony"
	"github.com/elizatown/town/internal/services/house/houseauth"
	"github.com/elizatown/town/internal/services/house/logbook"
	"github.com/elizatown/town/internal/services/house/registry"
	"github.com/elizatown/town/internal/services/pony/envelope"
	"github.com/elizatown/town/internal/services/pony/policy"
	"github.com/elizatown/town/internal/services/pony/relay"
	"github.com/elizatown/town/internal/services/pony/vault"
)

// Ceremonies runs commit–reveal sessions.
type Ceremonies interface {
	Commit(ctx context.Context, sessionID string, participant ceremony.Participant, commit string) (ceremony.View, error)
	Reveal(ctx context.Context, sessionID string, participant ceremony.Participant, reveal string) (ceremony.View, error)
	Get(ctx context.Context, sessionID string) (ceremony.View, error)
}

// Houses registers houses and serves their metadata.
type Houses interface {
	IssueNonce(ctx context.Context) (registry.Nonce, error)
	Init(ctx context.Context, in registry.InitInput) (registry.Meta, error)
	Meta(ctx context.Context, houseID string) (registry.Meta, error)
	UpdateUnlock(ctx context.Context, houseID string, unlock json.RawMessage) (registry.Meta, error)
}

// Logs serves the bounded append log.
type Logs interface {
	Append(ctx context.Context, houseID, author, ciphertext string) (logbook.Entry, error)
	List(ctx context.Context, houseID string) ([]logbook.Entry, error)
	Capacity() int
}

// Relay runs Pony messaging.
type Relay interface {
	Send(ctx context.Context, in relay.SendInput) (envelope.Message, error)
	Accept(ctx context.Context, houseID, messageID string) (envelope.Message, error)
	Reject(ctx context.Context, houseID, messageID string) (envelope.Message, error)
	Inbox(ctx context.Context, houseID string, status envelope.Status, limit int) ([]envelope.Message, error)
	RegisterAlias(ctx context.Context, houseID, alias string) (relay.Alias, error)
	Aliases(ctx context.Context, houseID string) ([]relay.Alias, error)
	Friends(ctx context.Context, houseID string) ([]relay.Friend, error)
	ResolveAnchor(ctx context.Context, externalID string) (string, error)
}

// Policies reads and writes receiver policies.
type Policies interface {
	Get(ctx context.Context, houseID string) (policy.Policy, error)
	Update(ctx context.Context, houseID string, patch policy.Patch) (policy.Policy, error)
}

// Vault serves hash-chained vaults.
type Vault interface {
	Append(ctx context.Context, in vault.AppendInput) (vault.Entry, error)
	List(ctx context.Context, houseID string, limit int, cursor string) (vault.Page, error)
	VerifyChain(ctx context.Context, houseID string) (vault.Head, error)
}

// Deps are the services the handler routes to.
type Deps struct {
	Auth       *houseauth.Verifier
	Ceremonies Ceremonies
	Houses     Houses
	Logs       Logs
	Relay      Relay
	Policies   Policies
	Vault      Vault
	// PublicPolicyReads lets anyone read a house's policy by houseId.
	PublicPolicyReads bool
	// Ready reports whether backing stores answer; nil means always ready.
	Ready func(context.Context) error
}

type api struct {
	Deps
}

// NewHandler builds the router.
func NewHandler(deps Deps) http.Handler {
	a := &api{Deps: deps}

	r := chi.NewRouter()
	r.Use(httpx.RequestID(), httpx.RecoverPanic(), httpx.AccessLog())
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, apperrors.New(apperrors.CodeNotFound, "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, apperrors.New(apperrors.CodeInvalidRequest, "method not allowed"))
	})

	r.Get("/healthz", a.healthz)

	r.Route("/ceremony", func(r chi.Router) {
		r.Post("/commit", a.ceremonyCommit)
		r.Post("/reveal", a.ceremonyReveal)
		r.Get("/{sessionId}", a.ceremonyGet)
	})

	r.Route("/house", func(r chi.Router) {
		r.Get("/nonce", a.houseNonce)
		r.Post("/init", a.houseInit)
		r.Get("/{id}/meta", a.houseMeta)
		r.Group(func(r chi.Router) {
			r.Use(a.requireHouse(pathHouseID))
			r.Post("/{id}/meta", a.houseMetaUpdate)
			r.Post("/{id}/append", a.logAppend)
			r.Get("/{id}/log", a.logList)
		})
	})

	r.Route("/pony", func(r chi.Router) {
		r.Post("/send", a.ponySend)
		r.Get("/resolve", a.ponyResolve)
		if a.PublicPolicyReads {
			r.Get("/policy", a.policyGetPublic)
		}
		r.Group(func(r chi.Router) {
			r.Use(a.requireHouse(queryHeaderOrBody))
			r.Get("/inbox", a.ponyInbox)
			r.Post("/inbox/{messageId}/accept", a.ponyAccept)
			r.Post("/inbox/{messageId}/reject", a.ponyReject)
			if !a.PublicPolicyReads {
				r.Get("/policy", a.policyGet)
			}
			r.Post("/policy", a.policyUpdate)
			r.Post("/vault/append", a.vaultAppend)
			r.Get("/vault", a.vaultList)
			r.Get("/vault/verify", a.vaultVerify)
			r.Get("/alias", a.aliasList)
			r.Post("/alias", a.aliasRegister)
			r.Get("/friends", a.friends)
		})
	})
	return r
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.Ready != nil {
		if err := a.Ready(r.Context()); err != nil {
			httpx.WriteError(w, r, apperrors.Wrap(apperrors.CodeInternal, "not ready", err))
			return
		}
	}
	httpx.WriteOK(w, nil)
}

func (a *api) requireHouse(resolve houseauth.HouseIDFunc) func(http.Handler) http.Handler {
	if a.Auth == nil {
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				httpx.WriteError(w, r, apperrors.New(apperrors.CodeUnauthorized, "house auth is not configured"))
			})
		}
	}
	return a.Auth.Require(resolve)
}

// authenticated returns the house id placed on the context by requireHouse.
func authenticated(r *http.Request) string {
	id, _ := houseauth.HouseIDFromContext(r.Context())
	return id
}

// checkBodyHouse rejects bodies that name a different house than the one
// that signed the request.
func checkBodyHouse(r *http.Request, bodyHouseID string) error {
	if bodyHouseID != "" && bodyHouseID != authenticated(r) {
		return apperrors.New(apperrors.CodeForbidden, "houseId does not match the authenticated house")
	}
	return nil
}
