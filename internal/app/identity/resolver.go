package identity

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/auth/jwt"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/randx"
)

// MaxDisplayNameLength bounds display names in runes.
const MaxDisplayNameLength = 32

// Store is the part of the backing store the Resolver reads and writes.
type Store interface {
	store.SessionStore
	GetUserByID(ctx context.Context, id string) (*store.User, error)
}

// Resolution is the outcome of resolving a credential.
type Resolution struct {
	Identity Identity

	// Token is set when a new guest was created and carries its credential.
	Token string

	// Created reports whether a guest session was minted by this resolution.
	Created bool
}

// Resolver turns inbound credentials into identities.
type Resolver struct {
	store    Store
	secret   string
	guestTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewResolver builds a Resolver signing guest tokens with secret, valid for guestTTL.
func NewResolver(st Store, secret string, guestTTL time.Duration) *Resolver {
	if guestTTL <= 0 {
		guestTTL = jwt.GuestSessionExpiration
	}
	return &Resolver{
		store:    st,
		secret:   secret,
		guestTTL: guestTTL,
		now:      time.Now,
		logger:   logx.Component("identity"),
	}
}

// Resolve maps credential to an Identity.
//
// An empty credential mints a new guest. A guest token must match a live guest session
// (InvalidSession otherwise); a user token must name an existing account (UserNotFound).
// Tokens failing signature or expiry verification yield InvalidCredential, except expired
// guest tokens, which yield InvalidSession.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Resolution, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return r.NewGuest(ctx, "")
	}

	payload, err := jwt.ParseToken(credential, r.secret)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && payload != nil && payload.IsGuest() {
			return nil, errs.NewError(errs.ErrInvalidSession)
		}
		return nil, errs.NewError(errs.ErrInvalidCredential)
	}
	if payload.ID == "" {
		return nil, errs.NewError(errs.ErrInvalidCredential)
	}

	switch payload.UserType {
	case jwt.UserTypeGuest:
		sess, err := r.store.GetGuestSessionByToken(ctx, credential)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, errs.NewError(errs.ErrInvalidSession)
			}
			return nil, storeError(err)
		}
		if sess.Expired(r.now()) || sess.ID != payload.ID {
			return nil, errs.NewError(errs.ErrInvalidSession)
		}
		return &Resolution{Identity: Guest{SessionID: sess.ID, Name: sess.DisplayName, ExpiresAt: sess.ExpiresAt}}, nil

	case jwt.UserTypeRegistered:
		u, err := r.store.GetUserByID(ctx, payload.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, errs.NewError(errs.ErrUserNotFound)
			}
			return nil, storeError(err)
		}
		return &Resolution{Identity: RegisteredUser{UserID: u.ID, Name: u.DisplayName}}, nil
	}

	return nil, errs.NewError(errs.ErrInvalidCredential)
}

// NewGuest mints a guest session named displayName, or Guest_xxxxxx when it is blank, and signs
// its token.
func (r *Resolver) NewGuest(ctx context.Context, displayName string) (*Resolution, error) {
	name, ok := NormalizeDisplayName(displayName)
	if !ok {
		return nil, errs.NewError(errs.ErrInvalidParams)
	}
	if name == "" {
		generated, err := randx.GuestName()
		if err != nil {
			return nil, errs.Wrap(errs.ErrUnknown, err)
		}
		name = generated
	}

	now := r.now()
	sess := store.GuestSession{
		ID:          randx.NewID(),
		DisplayName: name,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.guestTTL),
	}

	token, err := jwt.GenerateTokenAt(&jwt.Payload{
		ID:       sess.ID,
		UserType: jwt.UserTypeGuest,
		Nickname: name,
	}, r.secret, now, r.guestTTL)
	if err != nil {
		return nil, errs.Wrap(errs.ErrUnknown, err)
	}
	sess.Token = token

	if err := r.store.CreateGuestSession(ctx, sess); err != nil {
		return nil, storeError(err)
	}

	r.logger.Debug().Str("guest_id", sess.ID).Msg("guest session created")

	return &Resolution{
		Identity: Guest{SessionID: sess.ID, Name: name, ExpiresAt: sess.ExpiresAt},
		Token:    token,
		Created:  true,
	}, nil
}

// IssueUserToken signs a registered-user token for u.
func (r *Resolver) IssueUserToken(u *store.User) (string, error) {
	return jwt.GenerateTokenAt(&jwt.Payload{
		ID:       u.ID,
		UserType: jwt.UserTypeRegistered,
		Nickname: u.DisplayName,
	}, r.secret, r.now(), jwt.UserIdentityExpiration)
}

// NormalizeDisplayName trims name and reports whether it fits MaxDisplayNameLength.
// An empty result means "use the default".
func NormalizeDisplayName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", false
	}
	return name, true
}

func storeError(err error) error {
	return errs.Wrap(errs.ErrStoreUnavailable, err)
}
