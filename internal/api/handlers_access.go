package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/pkg/models"
)

// AccessStateHandler handles GET /v1/access/{requesterID}
func (s *Server) AccessStateHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := s.accessSubject(w, r)
	if !ok {
		return
	}
	state, err := s.core.Grants.State(r.Context(), requesterID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, state)
}

// AccessCheckHandler handles GET /v1/access/{requesterID}/check?resource=
func (s *Server) AccessCheckHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := s.accessSubject(w, r)
	if !ok {
		return
	}
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		writeError(w, http.StatusBadRequest, "resource is required")
		return
	}
	d, err := s.core.Blocklist.Check(r.Context(), requesterID, resource)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, d)
}

// AccessRevokeHandler handles POST /v1/access/revoke. The requester ends
// their own access early; their approver may end it for them.
func (s *Server) AccessRevokeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID string `json:"requester_id"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = principalFromCtx(r.Context())
	}
	if err := s.authorizeAccess(r.Context(), req.RequesterID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	if err := s.core.Grants.Revoke(r.Context(), req.RequesterID, models.RevokeManualEarlyRevoke); err != nil {
		writeServiceError(w, r, err)
		return
	}
	state, err := s.core.Grants.State(r.Context(), req.RequesterID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, state)
}

// AccessEventsHandler handles GET /v1/access/{requesterID}/events. Enforcement
// agents hold it open to learn when access turns on or off.
func (s *Server) AccessEventsHandler(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := s.accessSubject(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	updates := make(chan models.AccessState, 4)
	cancel, err := s.core.Hub.SubscribeAccess(ctx, requesterID, s.core.Grants.State, func(st models.AccessState) {
		select {
		case updates <- st:
		case <-ctx.Done():
		}
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer cancel()

	es := startStream(w, "access")
	defer es.close("access")
	keepAlive := s.core.Clock.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.streams.Done():
			return
		case <-keepAlive.C:
			if es.ping() != nil {
				return
			}
		case st := <-updates:
			if es.send("access", st) != nil {
				return
			}
		}
	}
}

func (s *Server) accessSubject(w http.ResponseWriter, r *http.Request) (string, bool) {
	requesterID := chi.URLParam(r, "requesterID")
	if err := s.authorizeAccess(r.Context(), requesterID); err != nil {
		writeServiceError(w, r, err)
		return "", false
	}
	return requesterID, true
}

// authorizeAccess allows the requester, their current approver and admins.
func (s *Server) authorizeAccess(ctx context.Context, requesterID string) error {
	token := tokenFromCtx(ctx)
	if token.Admin || token.PrincipalID == requesterID {
		return nil
	}
	p, err := s.core.Partnerships.ActiveForRequester(ctx, requesterID)
	if err == nil && p.ApproverID == token.PrincipalID {
		return nil
	}
	return accesserr.ErrForbidden
}
