package logx

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// quietPaths are logged at Debug when they succeed.
var quietPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// anonymizeIP zeroes the last IPv4 octet or keeps only the first half of an IPv6 address.
func anonymizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	ip := net.ParseIP(addr)
	switch {
	case ip == nil:
		return "unknown_ip"
	case ip.IsLoopback():
		return "127.0.0.1"
	case ip.To4() != nil:
		return ip.To4().Mask(net.CIDRMask(24, 32)).String()
	default:
		return ip.Mask(net.CIDRMask(64, 128)).String()
	}
}

// RequestLogger returns a middleware that logs one line per request and stores a
// request-scoped logger in the request context. The token query parameter of WebSocket
// handshakes is never logged.
func RequestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			logger := Logger().With().
				Str("component", "http").
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_ip", anonymizeIP(r.RemoteAddr)).
				Str("request_method", r.Method).
				Str("request_path", r.URL.Path).
				Logger()

			r = r.WithContext(logger.WithContext(r.Context()))
			next.ServeHTTP(ww, r)

			status := ww.Status()
			evt := levelFor(&logger, r.URL.Path, status)

			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				evt = evt.Str("route", rctx.RoutePattern())
			}
			if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
				evt = evt.Bool("websocket", true)
			}

			evt.Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("latency", time.Since(start)).
				Msg("Request completed")
		})
	}
}

func levelFor(logger *zerolog.Logger, path string, status int) *zerolog.Event {
	switch {
	case status >= 500:
		return logger.Error()
	case status >= 400:
		return logger.Warn()
	}
	if _, ok := quietPaths[path]; ok {
		return logger.Debug()
	}
	return logger.Info()
}
