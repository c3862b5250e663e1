/*
Package handler contains the relay's HTTP surface: the REST endpoints around rooms and identities
and the WebSocket upgrade that hands connections to the chat Coordinator.
*/
package handler

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/randx"
	"roomrelay/internal/pkg/req"
	"roomrelay/internal/pkg/resp"
)

var usernameRegex = regexp.MustCompile(`^[a-z0-9_]{4,20}$`)

const (
	minPasswordLength = 6
	maxPasswordLength = 50
)

type RegisterInput struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

type LoginInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type GuestInput struct {
	DisplayName string `json:"displayName,omitempty"`
}

// IdentityResponse is returned by every endpoint that issues a credential.
type IdentityResponse struct {
	Token    string        `json:"token"`
	Identity identity.View `json:"identity"`
}

// HandleRegister creates an account and returns a user token.
func HandleRegister(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input RegisterInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		username := strings.ToLower(strings.TrimSpace(input.Username))
		if !usernameRegex.MatchString(username) {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidUsername))
			return
		}

		passwordLen := utf8.RuneCountInString(input.Password)
		if passwordLen < minPasswordLength || passwordLen > maxPasswordLength {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidPassword))
			return
		}

		displayName, ok := identity.NormalizeDisplayName(input.DisplayName)
		if !ok {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}
		if displayName == "" {
			displayName = username
		}

		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			resp.RespondError(w, r, errs.Wrap(errs.ErrUnknown, err))
			return
		}

		user := store.User{
			ID:           randx.NewID(),
			Username:     username,
			PasswordHash: string(hashedPassword),
			DisplayName:  displayName,
			CreatedAt:    time.Now().UTC(),
		}
		if err := deps.Users.CreateUser(r.Context(), user); err != nil {
			if errors.Is(err, store.ErrConflict) {
				logx.Warn("registration conflict: username already exists", "username", username)
				resp.RespondError(w, r, errs.NewError(errs.ErrUserAlreadyExists))
				return
			}
			logx.Error(err, "failed to create user")
			resp.RespondError(w, r, errs.Wrap(errs.ErrStoreUnavailable, err))
			return
		}

		respondUserToken(deps, w, r, &user, http.StatusCreated)
	}
}

// HandleLogin verifies a username and password and returns a user token.
func HandleLogin(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input LoginInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		username := strings.ToLower(strings.TrimSpace(input.Username))
		user, err := deps.Users.GetUserByUsername(r.Context(), username)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logx.Error(err, "login: user fetch failed", "username", username)
				resp.RespondError(w, r, errs.Wrap(errs.ErrStoreUnavailable, err))
				return
			}
			logx.Warn("login: unknown username", "username", username)
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidCredentials))
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); err != nil {
			logx.Warn("login: password mismatch", "username", username)
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidCredentials))
			return
		}

		respondUserToken(deps, w, r, user, http.StatusOK)
	}
}

// HandleGuest mints a guest session without joining a room.
func HandleGuest(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input GuestInput
		if customErr := req.BindOptionalJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		res, err := deps.Resolver.NewGuest(r.Context(), input.DisplayName)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		resp.RespondStatus(w, r, http.StatusCreated, IdentityResponse{
			Token:    res.Token,
			Identity: identity.ViewOf(res.Identity),
		})
	}
}

func respondUserToken(deps *AppDeps, w http.ResponseWriter, r *http.Request, user *store.User, status int) {
	token, err := deps.Resolver.IssueUserToken(user)
	if err != nil {
		logx.Error(err, "failed to sign user token", "user_id", user.ID)
		resp.RespondError(w, r, errs.Wrap(errs.ErrUnknown, err))
		return
	}

	resp.RespondStatus(w, r, status, IdentityResponse{
		Token:    token,
		Identity: identity.ViewOf(identity.RegisteredUser{UserID: user.ID, Name: user.DisplayName}),
	})
}
