package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs the handshake as it arrives and again when the
// handler returns. The websocket handler lives as long as the socket, so the
// second line doubles as a session record and carries the user identity the
// auth middleware resolved further down the chain.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}
			logger.Info("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)

			start := time.Now()
			next.ServeHTTP(w, r)

			var userID string
			if ok {
				userID = reqMeta.UserID
			}
			logger.Info("Request finished",
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.String("userID", userID),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
