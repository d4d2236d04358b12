package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/finance-engine/ledger"
)

// OwnerHeader carries the authenticated user id. Authentication itself
// happens upstream; the engine trusts this header.
const OwnerHeader = "X-User-ID"

type ctxKey int

const ownerKey ctxKey = iota

// NewStructuredLogger logs one line per request with slog.
func NewStructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			start := time.Now()
			defer func() {
				status := ww.Status()

				requestAttrs := slog.Group("request",
					slog.String("id", middleware.GetReqID(r.Context())),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				responseAttrs := slog.Group("response",
					slog.Int("status", status),
					slog.Int("bytes", ww.BytesWritten()),
					slog.String("latency", time.Since(start).String()),
				)

				if status >= 500 {
					logger.Error("server error", requestAttrs, responseAttrs)
				} else {
					logger.Info("request completed", requestAttrs, responseAttrs)
				}
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// RequireOwner rejects requests without a well-formed X-User-ID header and
// stores the parsed owner in the request context.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(OwnerHeader)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+OwnerHeader+" header", nil)
			return
		}
		owner, err := ledger.ParseOwnerID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+OwnerHeader+" header", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}

// ownerFrom returns the owner stored by RequireOwner.
func ownerFrom(ctx context.Context) ledger.OwnerID {
	owner, _ := ctx.Value(ownerKey).(ledger.OwnerID)
	return owner
}
