package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"roomrelay/internal/app/chat"
	"roomrelay/internal/pkg/auth/jwt"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/limiter"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/resp"
)

// HandleWebSocket upgrades the request and runs a chat client until the connection ends. The
// credential may arrive as a bearer header or a ?token= query parameter; without one the identity
// is resolved on the first join.
func HandleWebSocket(deps *AppDeps, upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rateLimiter.Allow(r) {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", limiter.ClientIP(r))
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Warn("Failed to upgrade connection to WebSocket", "error", err.Error())
			return
		}

		client := chat.NewClient(deps.Coordinator, conn)
		logx.Info("WebSocket connection established", "conn_id", client.ID())

		client.Serve(jwt.CredentialFromContext(r.Context()))
	}
}
