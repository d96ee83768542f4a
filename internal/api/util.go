package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/org/partnerlock/internal/accesserr"
	"github.com/org/partnerlock/internal/auth"
	"github.com/org/partnerlock/internal/blocklist"
	"github.com/org/partnerlock/internal/storage"
	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeData(w http.ResponseWriter, code int, v any) {
	writeJSON(w, code, map[string]any{"data": v})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"errors": []string{msg}})
}

// decodeBody decodes the JSON body into dst and runs struct validation. An
// empty body leaves dst at its zero value.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"errors": msgs})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeServiceError maps a service error onto a status code and message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, accesserr.ErrAlreadyResolved),
		errors.Is(err, accesserr.ErrAlreadyGranted),
		errors.Is(err, accesserr.ErrInvalidState):
		writeError(w, http.StatusConflict, accesserr.Message(err))
	case errors.Is(err, accesserr.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, accesserr.ErrForbidden):
		writeError(w, http.StatusForbidden, accesserr.Message(err))
	case errors.Is(err, blocklist.ErrBadPattern):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired), errors.Is(err, auth.ErrTokenRevoked):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		log.Error().Err(err).
			Str("request_id", requestIDFromCtx(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, accesserr.Message(err))
	}
}
