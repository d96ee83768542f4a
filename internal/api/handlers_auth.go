package api

import (
	"net/http"
	"time"
)

// TokenCreateHandler handles POST /v1/auth/token/create. Admin only.
func (s *Server) TokenCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrincipalID string `json:"principal_id" validate:"required,max=128"`
		DisplayName string `json:"display_name" validate:"max=128"`
		Admin       bool   `json:"admin"`
		TTL         string `json:"ttl"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		var err error
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil || ttl < 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl format")
			return
		}
	}
	if req.DisplayName == "" {
		req.DisplayName = req.PrincipalID
	}

	tok, plaintext, err := s.core.Tokens.CreateToken(r.Context(), req.PrincipalID, req.DisplayName, req.Admin, ttl)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"auth": map[string]any{
			"client_token":   plaintext,
			"accessor":       tok.ID,
			"principal_id":   tok.PrincipalID,
			"admin":          tok.Admin,
			"lease_duration": int(tok.TTL.Seconds()),
		},
	})
}

// TokenRevokeHandler handles POST /v1/auth/token/revoke. With an empty body
// it revokes the caller's own token.
func (s *Server) TokenRevokeHandler(w http.ResponseWriter, r *http.Request) {
	caller := tokenFromCtx(r.Context())
	var req struct {
		Token string `json:"token"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	target := caller
	if req.Token != "" {
		tok, err := s.core.Tokens.ValidateToken(r.Context(), req.Token)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if !caller.Admin && tok.PrincipalID != caller.PrincipalID {
			writeError(w, http.StatusForbidden, "permission denied")
			return
		}
		target = tok
	}

	if err := s.core.Tokens.RevokeToken(r.Context(), target.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TokenLookupSelfHandler handles GET /v1/auth/token/lookup-self
func (s *Server) TokenLookupSelfHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	data := map[string]any{
		"id":            token.ID,
		"principal_id":  token.PrincipalID,
		"display_name":  token.DisplayName,
		"admin":         token.Admin,
		"ttl":           int(token.TTL.Seconds()),
		"creation_time": token.CreatedAt.Unix(),
	}
	if !token.ExpiresAt.IsZero() {
		data["expire_time"] = token.ExpiresAt.Unix()
	}
	writeData(w, http.StatusOK, data)
}
