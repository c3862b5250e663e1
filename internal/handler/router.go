package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"roomrelay/internal/configs"
	"roomrelay/internal/pkg/auth/jwt"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/limiter"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/metrics"
	"roomrelay/internal/pkg/resp"
)

const (
	CreateRate  = 0.05
	CreateBurst = 2
	JoinRate    = 0.2
	JoinBurst   = 5

	healthTimeout = 2 * time.Second
)

// Router sets up the main HTTP routing table for the relay.
// Rate limiters live until deps.Ctx is done.
func Router(deps *AppDeps) http.Handler {
	ctx := deps.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	createLimiter := limiter.NewIPRateLimiter(ctx, rate.Limit(CreateRate), CreateBurst)
	joinLimiter := limiter.NewIPRateLimiter(ctx, rate.Limit(JoinRate), JoinBurst)

	r := chi.NewRouter()
	r.Use(cors.New(corsOptions(deps.Config)).Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := deps.Store.Ping(pingCtx); err != nil {
			logx.Error(err, "Health check failed: store unreachable")
			resp.RespondError(w, r, errs.Wrap(errs.ErrStoreUnavailable, err))
			return
		}

		resp.RespondSuccess(w, r, map[string]string{
			"status":  "ok",
			"service": "roomrelay",
		})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(jwt.CredentialMiddleware)

		api.Route("/auth", func(auth chi.Router) {
			auth.Post("/register", HandleRegister(deps))
			auth.Post("/login", HandleLogin(deps))
			auth.Post("/guest", HandleGuest(deps))
		})

		api.Get("/users/me", HandleMe(deps))

		api.Route("/rooms", func(rooms chi.Router) {
			rooms.With(createLimiter.Middleware).Post("/", HandleCreateRoom(deps))
			rooms.With(joinLimiter.Middleware).Post("/join", HandleJoinRoom(deps))

			rooms.Route("/{code}", func(one chi.Router) {
				one.Get("/", HandleGetRoom(deps))
				one.Delete("/", HandleDeleteRoom(deps))
				one.Get("/messages", HandleHistory(deps))
				one.Put("/preserve", HandleSetPreserve(deps))
				one.Post("/leave", HandleLeaveRoom(deps))
			})
		})
	})

	r.With(jwt.CredentialMiddleware).Get("/ws", HandleWebSocket(deps, newUpgrader(deps.Config), joinLimiter))

	return r
}

// newUpgrader accepts any origin in development and only the configured origins otherwise.
func newUpgrader(cfg *configs.AppConfig) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = struct{}{}
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.IsDevelopment() {
				return true
			}
			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; ok {
				return true
			}
			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}
}

func corsOptions(cfg *configs.AppConfig) cors.Options {
	origins := cfg.AllowedOrigins
	if cfg.IsDevelopment() {
		origins = []string{"*"}
	}

	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}
