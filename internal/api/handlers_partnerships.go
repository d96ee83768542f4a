package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// PartnershipInviteHandler handles POST /v1/partnerships/invite
func (s *Server) PartnershipInviteHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	var req struct {
		ApproverEmail string `json:"approver_email" validate:"required,email"`
		ApproverName  string `json:"approver_name" validate:"max=128"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	p, code, err := s.core.Partnerships.Invite(r.Context(), token.PrincipalID, token.DisplayName, req.ApproverEmail, req.ApproverName)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	// The code is only ever returned here.
	writeData(w, http.StatusCreated, map[string]any{
		"partnership": p,
		"invite_code": code,
	})
}

// PartnershipAcceptHandler handles POST /v1/partnerships/accept
func (s *Server) PartnershipAcceptHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())
	var req struct {
		Code             string `json:"code" validate:"required"`
		ApproverName     string `json:"approver_name" validate:"max=128"`
		OverridePassword string `json:"override_password" validate:"omitempty,min=8,max=72"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	name := req.ApproverName
	if name == "" {
		name = token.DisplayName
	}

	p, err := s.core.Partnerships.Accept(r.Context(), req.Code, token.PrincipalID, name, req.OverridePassword)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

// PartnershipRejectHandler handles POST /v1/partnerships/reject
func (s *Server) PartnershipRejectHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code" validate:"required"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	p, err := s.core.Partnerships.Reject(r.Context(), req.Code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

// PartnershipRevokeHandler handles POST /v1/partnerships/{id}/revoke
func (s *Server) PartnershipRevokeHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.core.Partnerships.Revoke(r.Context(), chi.URLParam(r, "id"), principalFromCtx(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

// PartnershipSelfHandler handles GET /v1/partnerships/self
func (s *Server) PartnershipSelfHandler(w http.ResponseWriter, r *http.Request) {
	ps, err := s.core.Partnerships.ForPrincipal(r.Context(), principalFromCtx(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(ps))
}

// PartnershipVerifyPasswordHandler handles POST /v1/partnerships/verify-password.
// The requester proves they hold the override password their partner set.
func (s *Server) PartnershipVerifyPasswordHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password" validate:"required"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	ok, err := s.core.Partnerships.VerifyOverridePassword(r.Context(), principalFromCtx(r.Context()), req.Password)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"valid": ok})
}
