package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/lifecycle"
	"github.com/org/partnerlock/internal/notify"
	"github.com/org/partnerlock/pkg/models"
)

// RequestCreateHandler handles POST /v1/requests
func (s *Server) RequestCreateHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFromCtx(r.Context())

	var req struct {
		ApproverID      string `json:"approver_id"`
		Resource        string `json:"resource" validate:"max=512"`
		Reason          string `json:"reason" validate:"max=1024"`
		DurationMinutes int    `json:"duration_minutes"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	approverID := req.ApproverID
	if approverID == "" {
		p, err := s.core.Partnerships.ActiveForRequester(r.Context(), token.PrincipalID)
		if err == nil {
			approverID = p.ApproverID
		}
	}

	ar, err := s.core.Engine.Create(r.Context(), lifecycle.CreateParams{
		RequesterID:     token.PrincipalID,
		RequesterName:   token.DisplayName,
		ApproverID:      approverID,
		Resource:        req.Resource,
		Reason:          req.Reason,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, ar)
}

// RequestGetHandler handles GET /v1/requests/{id}
func (s *Server) RequestGetHandler(w http.ResponseWriter, r *http.Request) {
	ar, ok := s.visibleRequest(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, ar)
}

// RequestRespondHandler handles POST /v1/requests/{id}/respond
func (s *Server) RequestRespondHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision models.Decision `json:"decision" validate:"required,oneof=approve deny"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	ar, err := s.core.Engine.Respond(r.Context(), chi.URLParam(r, "id"), principalFromCtx(r.Context()), req.Decision)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, ar)
}

// RequestPendingHandler handles GET /v1/requests/pending
func (s *Server) RequestPendingHandler(w http.ResponseWriter, r *http.Request) {
	rs, err := s.core.Engine.ListPending(r.Context(), principalFromCtx(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(rs))
}

// RequestHistoryHandler handles GET /v1/requests/history
func (s *Server) RequestHistoryHandler(w http.ResponseWriter, r *http.Request) {
	rs, err := s.core.Engine.History(r.Context(), principalFromCtx(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nonNil(rs))
}

// RequestEventsHandler handles GET /v1/requests/{id}/events. It streams the
// request's current state and then each status change, and ends once the
// request can no longer change.
func (s *Server) RequestEventsHandler(w http.ResponseWriter, r *http.Request) {
	ar, ok := s.visibleRequest(w, r)
	if !ok {
		return
	}

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	updates := make(chan *models.AccessRequest, 4)
	cancel, err := s.core.Engine.Subscribe(ctx, ar.ID, func(u *models.AccessRequest) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer cancel()

	es := startStream(w, "request")
	defer es.close("request")
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
		case u := <-updates:
			if es.send("request", u) != nil || notify.FinalStatus(u.Status) {
				return
			}
		}
	}
}

// visibleRequest loads the {id} request and checks the caller is one of
// its two parties. It writes the error response itself.
func (s *Server) visibleRequest(w http.ResponseWriter, r *http.Request) (*models.AccessRequest, bool) {
	ar, err := s.core.Engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	token := tokenFromCtx(r.Context())
	if !token.Admin && token.PrincipalID != ar.RequesterID && token.PrincipalID != ar.ApproverID {
		writeServiceError(w, r, accesserr.ErrNotFound)
		return nil, false
	}
	return ar, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
