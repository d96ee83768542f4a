package api

import (
	"errors"
	"net/http"

	"github.com/org/partnerlock/internal/storage"
	"github.com/org/partnerlock/pkg/models"
)

// ChannelSetHandler handles PUT /v1/channels/self
func (s *Server) ChannelSetHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind    models.ChannelKind `json:"kind" validate:"required,oneof=redis webhook log"`
		Address string             `json:"address" validate:"required,max=2048"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Kind == models.ChannelWebhook {
		if err := s.validate.Var(req.Address, "url"); err != nil {
			writeError(w, http.StatusBadRequest, "address: webhook address must be a URL")
			return
		}
	}

	ch := &models.NotificationChannel{
		PrincipalID: principalFromCtx(r.Context()),
		Kind:        req.Kind,
		Address:     req.Address,
		UpdatedAt:   s.core.Clock.Now().UTC(),
	}
	if err := s.core.Store.SetChannel(r.Context(), ch); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ch)
}

// ChannelGetHandler handles GET /v1/channels/self
func (s *Server) ChannelGetHandler(w http.ResponseWriter, r *http.Request) {
	ch, err := s.core.Store.GetChannel(r.Context(), principalFromCtx(r.Context()))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no notification channel registered")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ch)
}

// BlocklistSetHandler handles PUT /v1/blocklist
func (s *Server) BlocklistSetHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Patterns []string `json:"patterns" validate:"max=256,dive,required,max=512"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	bl, err := s.core.Blocklist.Set(r.Context(), principalFromCtx(r.Context()), req.Patterns)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, bl)
}

// BlocklistGetHandler handles GET /v1/blocklist
func (s *Server) BlocklistGetHandler(w http.ResponseWriter, r *http.Request) {
	bl, err := s.core.Blocklist.Get(r.Context(), principalFromCtx(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, bl)
}
