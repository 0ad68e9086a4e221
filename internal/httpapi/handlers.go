package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/park285/connect4-arena/internal/adapter/arenapresenter"
	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/notify"
	"github.com/park285/connect4-arena/internal/scheduler"
	"github.com/park285/connect4-arena/pkg/arenadto"
)

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.Ready != nil {
		if err := a.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOModels(a.Registry.List(), a.Agents))
}

// ---- tournaments ----

func (a *api) createTournament(w http.ResponseWriter, r *http.Request) {
	var req arenadto.CreateTournamentRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	t, err := a.Scheduler.Create(r.Context(), scheduler.CreateRequest{
		Name:         req.Name,
		Mode:         domain.PairingMode(strings.TrimSpace(req.Mode)),
		Target:       req.Target,
		Participants: req.Participants,
		Rounds:       req.Rounds,
		Concurrency:  req.Concurrency,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, arenapresenter.ToDTOTournament(t))
}

func (a *api) currentTournament(w http.ResponseWriter, r *http.Request) {
	t, err := a.Scheduler.Current(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOTournament(t))
}

func (a *api) getTournament(w http.ResponseWriter, r *http.Request) {
	t, err := a.Scheduler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOTournament(t))
}

type controlFunc func(ctx context.Context, id string) (*domain.Tournament, error)

func (a *api) control(fn controlFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, arenapresenter.ToDTOTournament(t))
	}
}

func (a *api) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req arenadto.UpdateConfigRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	t, err := a.Scheduler.UpdateConfig(r.Context(), chi.URLParam(r, "id"), req.Concurrency)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOTournament(t))
}

// ---- matches ----

func (a *api) createMatch(w http.ResponseWriter, r *http.Request) {
	var req arenadto.CreateMatchRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	m, err := a.Scheduler.CreateMatch(r.Context(), req.Side1, req.Side2)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, arenapresenter.ToDTOMatch(m))
}

func (a *api) activeMatches(w http.ResponseWriter, r *http.Request) {
	list, err := a.Scheduler.ActiveMatches(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOSummaries(list))
}

func (a *api) pendingHuman(w http.ResponseWriter, r *http.Request) {
	list, err := a.Scheduler.PendingHuman(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOSummaries(list))
}

func (a *api) matchHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	list, err := a.Stats.Recent(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOSummaries(list))
}

func (a *api) getMatch(w http.ResponseWriter, r *http.Request) {
	m, err := a.Scheduler.Match(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOMatch(m))
}

func (a *api) humanMove(w http.ResponseWriter, r *http.Request) {
	var req arenadto.MoveRequest
	if err := decode(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Column == nil {
		a.fail(w, r, fmt.Errorf("%w: column is required", errBadRequest))
		return
	}
	m, err := a.Scheduler.HumanMove(r.Context(), chi.URLParam(r, "id"), *req.Column)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOMatch(m))
}

func (a *api) recoverMatch(w http.ResponseWriter, r *http.Request) {
	m, err := a.Scheduler.Recover(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, arenapresenter.ToDTOMatch(m))
}

func (a *api) boardPNG(w http.ResponseWriter, r *http.Request) {
	m, err := a.Scheduler.Match(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	img, err := a.Renderer.RenderPNG(r.Context(), arenapresenter.BoardOf(m), arenapresenter.Caption(m, a.Agents))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(img)
}

func (a *api) watch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.Scheduler.Match(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.WS.Serve(w, r, id, func(ctx context.Context) (notify.Event, error) {
		m, err := a.Scheduler.Match(ctx, id)
		if err != nil {
			return notify.Event{}, err
		}
		return notify.Snapshot(m), nil
	})
}

// ---- stats ----

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	rows, err := a.Stats.Leaderboard(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOLeaderboard(rows, a.Agents))
}

func (a *api) ratingHistory(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimSpace(r.URL.Query().Get("agent"))
	if agentID == "" {
		a.fail(w, r, fmt.Errorf("%w: agent is required", errBadRequest))
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	hist, err := a.Stats.History(r.Context(), agentID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOHistory(hist))
}

func (a *api) matrix(w http.ResponseWriter, r *http.Request) {
	m, err := a.Stats.HeadToHead(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, arenapresenter.ToDTOMatrix(m))
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, key)
	}
	return n, nil
}
