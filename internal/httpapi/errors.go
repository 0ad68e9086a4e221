package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/park285/connect4-arena/internal/rules"
	"github.com/park285/connect4-arena/internal/scheduler"
	"github.com/park285/connect4-arena/internal/session"
	"github.com/park285/connect4-arena/internal/store"
	"github.com/park285/connect4-arena/pkg/arenadto"
)

var errBadRequest = errors.New("bad request")

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{scheduler.ErrInvalidConfig, http.StatusBadRequest, "invalid_config"},
	{scheduler.ErrInvalidMatch, http.StatusBadRequest, "invalid_match"},
	{rules.ErrInvalidMove, http.StatusBadRequest, "invalid_move"},
	{store.ErrNotFound, http.StatusNotFound, "not_found"},
	{scheduler.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{scheduler.ErrNotRecoverable, http.StatusConflict, "not_recoverable"},
	{session.ErrNotHumanTurn, http.StatusConflict, "not_human_turn"},
	{store.ErrMatchNotActive, http.StatusConflict, "match_not_active"},
	{store.ErrStaleMove, http.StatusConflict, "stale_move"},
	{store.ErrDuplicate, http.StatusConflict, "duplicate"},
}

func classify(err error) (int, arenadto.Error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, arenadto.Error{
				Code:      m.code,
				Message:   err.Error(),
				Retryable: errors.Is(err, store.ErrStaleMove),
			}
		}
	}
	return http.StatusInternalServerError, arenadto.Error{Code: "internal", Message: "internal error", Retryable: true}
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("http_handler_failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
