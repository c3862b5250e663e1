package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/req"
	"roomrelay/internal/pkg/resp"
)

type CreateRoomInput struct {
	// Kind is "pair" or "group". "private" and "p2p" are accepted for pair.
	Kind            string `json:"kind"`
	PreserveHistory bool   `json:"preserveHistory,omitempty"`
	DisplayName     string `json:"displayName,omitempty"`
}

type JoinRoomInput struct {
	Code        string `json:"code"`
	DisplayName string `json:"displayName,omitempty"`
}

type PreserveInput struct {
	PreserveHistory *bool `json:"preserveHistory"`
}

// RoomResponse is returned by create and join. Token and Identity are set when a guest was
// minted for the request.
type RoomResponse struct {
	Room        *store.Room    `json:"room"`
	MemberCount int            `json:"memberCount"`
	Token       string         `json:"token,omitempty"`
	Identity    *identity.View `json:"identity,omitempty"`
}

// RoomDetailResponse is returned by the room lookup.
type RoomDetailResponse struct {
	Room        *store.Room        `json:"room"`
	MemberCount int                `json:"memberCount"`
	Members     []store.Membership `json:"members"`
}

type MessagesResponse struct {
	Messages []store.Message `json:"messages"`
}

// HandleCreateRoom creates a room whose creator is the caller. A caller without a credential
// becomes a new guest.
func HandleCreateRoom(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input CreateRoomInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		kind, ok := store.ParseRoomKind(input.Kind)
		if !ok {
			resp.RespondError(w, r, errs.NewError(errs.ErrRoomTypeInvalid))
			return
		}

		res, err := deps.resolveOrMint(r, input.DisplayName)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		created, err := deps.Coordinator.CreateRoom(r.Context(), res.Identity, kind, input.DisplayName, input.PreserveHistory)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		resp.RespondStatus(w, r, http.StatusCreated, roomResponse(created, 1, res))
	}
}

// HandleJoinRoom opens a membership for the caller. A caller without a credential becomes a new guest.
func HandleJoinRoom(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input JoinRoomInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		res, err := deps.resolveOrMint(r, input.DisplayName)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		joined, count, err := deps.Coordinator.JoinByIdentity(r.Context(), res.Identity, input.Code, input.DisplayName)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, roomResponse(joined, count, res))
	}
}

// HandleGetRoom returns a room with its open members.
func HandleGetRoom(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		found, err := deps.Directory.Lookup(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		members, err := deps.Directory.Members(r.Context(), found.Code)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, RoomDetailResponse{Room: found, MemberCount: len(members), Members: members})
	}
}

// HandleHistory returns up to ?limit persisted messages in ascending order.
func HandleHistory(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, customErr := req.QueryInt(r, "limit", 0)
		if customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		msgs, err := deps.Directory.History(r.Context(), chi.URLParam(r, "code"), limit)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, MessagesResponse{Messages: msgs})
	}
}

// HandleSetPreserve toggles history retention. Creator only.
func HandleSetPreserve(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := deps.requireIdentity(r)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		var input PreserveInput
		if customErr := req.BindJSON(w, r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}
		if input.PreserveHistory == nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		updated, err := deps.Coordinator.SetPreserveHistory(r.Context(), who, chi.URLParam(r, "code"), *input.PreserveHistory)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, map[string]any{"room": updated})
	}
}

// HandleDeleteRoom deletes a room. Creator only.
func HandleDeleteRoom(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := deps.requireIdentity(r)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		code := chi.URLParam(r, "code")
		if err := deps.Coordinator.DeleteRoom(r.Context(), who, code); err != nil {
			resp.RespondError(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, nil)
	}
}

// HandleLeaveRoom closes the caller's membership in the room.
func HandleLeaveRoom(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := deps.requireIdentity(r)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		if err := deps.Coordinator.LeaveByIdentity(r.Context(), who, chi.URLParam(r, "code")); err != nil {
			resp.RespondError(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, nil)
	}
}

func roomResponse(r *store.Room, count int, res *identity.Resolution) RoomResponse {
	out := RoomResponse{Room: r, MemberCount: count}
	if res.Created {
		view := identity.ViewOf(res.Identity)
		out.Token = res.Token
		out.Identity = &view
	}
	return out
}
