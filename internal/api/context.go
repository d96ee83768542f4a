package api

import (
	"context"

	"github.com/org/partnerlock/pkg/models"
)

type contextKey string

const (
	ctxKeyToken     contextKey = "token"
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyHolder    contextKey = "token_holder"
)

// tokenHolder carries the authenticated principal back out to middleware
// that wraps the auth layer.
type tokenHolder struct {
	principalID string
}

func withTokenHolder(ctx context.Context, h *tokenHolder) context.Context {
	return context.WithValue(ctx, ctxKeyHolder, h)
}

func withToken(ctx context.Context, t *models.Token) context.Context {
	if h, ok := ctx.Value(ctxKeyHolder).(*tokenHolder); ok {
		h.principalID = t.PrincipalID
	}
	return context.WithValue(ctx, ctxKeyToken, t)
}

func tokenFromCtx(ctx context.Context) *models.Token {
	t, _ := ctx.Value(ctxKeyToken).(*models.Token)
	return t
}

// principalFromCtx returns the caller's principal id, or "" before auth.
func principalFromCtx(ctx context.Context) string {
	if t := tokenFromCtx(ctx); t != nil {
		return t.PrincipalID
	}
	return ""
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
