package handler

import (
	"context"
	"net/http"

	"roomrelay/internal/app/chat"
	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/room"
	"roomrelay/internal/app/store"
	"roomrelay/internal/configs"
	"roomrelay/internal/pkg/auth/jwt"
	"roomrelay/internal/pkg/errs"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AppDeps carries everything the HTTP layer needs. It is built once in main.
type AppDeps struct {
	Config      *configs.AppConfig
	Coordinator *chat.Coordinator
	Resolver    *identity.Resolver
	Directory   *room.Directory
	Users       store.UserStore
	Store       Pinger

	// Ctx ends the background work started by the router, such as rate limiter sweeps.
	Ctx context.Context
}

// requireIdentity resolves the request credential and fails ErrUnauthorized when there is none.
func (d *AppDeps) requireIdentity(r *http.Request) (identity.Identity, error) {
	credential := jwt.CredentialFromContext(r.Context())
	if credential == "" {
		return nil, errs.NewError(errs.ErrUnauthorized)
	}
	res, err := d.Resolver.Resolve(r.Context(), credential)
	if err != nil {
		return nil, err
	}
	return res.Identity, nil
}

// resolveOrMint resolves the request credential, minting a guest named displayName when the
// request carries none.
func (d *AppDeps) resolveOrMint(r *http.Request, displayName string) (*identity.Resolution, error) {
	credential := jwt.CredentialFromContext(r.Context())
	if credential == "" {
		return d.Resolver.NewGuest(r.Context(), displayName)
	}
	return d.Resolver.Resolve(r.Context(), credential)
}
