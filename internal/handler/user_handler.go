package handler

import (
	"net/http"

	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/resp"
)

// MeResponse describes the caller and the rooms where it holds an open membership.
type MeResponse struct {
	Identity identity.View       `json:"identity"`
	Rooms    []store.RoomSummary `json:"rooms"`
}

// HandleMe returns the resolved identity of the caller with its open rooms.
func HandleMe(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := deps.requireIdentity(r)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		rooms, err := deps.Directory.RoomsFor(r.Context(), who)
		if err != nil {
			resp.RespondError(w, r, err)
			return
		}

		resp.RespondSuccess(w, r, MeResponse{Identity: identity.ViewOf(who), Rooms: rooms})
	}
}
