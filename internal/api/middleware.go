package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/org/partnerlock/internal/auth"
	"github.com/org/partnerlock/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/unrolled/secure"
)

const tokenHeader = "X-Partnerlock-Token"

// requestIDMiddleware attaches a UUID request ID to each request, keeping
// one supplied by a proxy.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func bearerToken(r *http.Request) string {
	if t := r.Header.Get(tokenHeader); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// authMiddleware validates the caller's token and attaches it to the context.
func authMiddleware(tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := bearerToken(r)
			if plaintext == "" {
				writeError(w, http.StatusUnauthorized, "missing "+tokenHeader+" header")
				return
			}
			token, err := tokens.ValidateToken(r.Context(), plaintext)
			if err != nil {
				writeError(w, http.StatusForbidden, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(withToken(r.Context(), token)))
		})
	}
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t := tokenFromCtx(r.Context()); t == nil || !t.Admin {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureHeaders(tlsEnabled bool) func(http.Handler) http.Handler {
	return secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		STSSeconds:            stsSeconds(tlsEnabled),
		STSIncludeSubdomains:  tlsEnabled,
	}).Handler
}

func stsSeconds(tlsEnabled bool) int64 {
	if tlsEnabled {
		return 31536000
	}
	return 0
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// Flush lets event streams push through the recorder.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	LogRequest(ctx context.Context, entry *models.AuditEntry)
}

// auditMiddleware records every request and its response code.
func auditMiddleware(auditor AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			// auth runs inside the route group, so the token is read back
			// through this holder once the handler returns.
			holder := &tokenHolder{}
			next.ServeHTTP(rr, r.WithContext(withTokenHolder(r.Context(), holder)))

			entry := &models.AuditEntry{
				RequestID:      requestIDFromCtx(r.Context()),
				PrincipalID:    holder.principalID,
				Operation:      r.Method,
				Path:           r.URL.Path,
				Status:         http.StatusText(rr.statusCode),
				ResponseCode:   rr.statusCode,
				ResponseTimeMs: time.Since(start).Milliseconds(),
				ClientIP:       r.RemoteAddr,
			}
			if rr.statusCode >= http.StatusInternalServerError {
				log.Warn().Str("request_id", entry.RequestID).Str("path", entry.Path).Int("status", rr.statusCode).Msg("request returned server error")
			}
			auditor.LogRequest(r.Context(), entry)
		})
	}
}
