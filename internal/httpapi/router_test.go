package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/connect4-arena/internal/agent"
	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/notify"
	"github.com/park285/connect4-arena/internal/registry"
	"github.com/park285/connect4-arena/internal/scheduler"
	"github.com/park285/connect4-arena/internal/session"
	"github.com/park285/connect4-arena/internal/stats"
	"github.com/park285/connect4-arena/internal/store"
	"github.com/park285/connect4-arena/pkg/arenadto"
)

const testModels = `
models:
  alpha:
    provider: random
    label: Alpha
  beta:
    provider: random
    label: Beta
  gamma:
    provider: openai
    label: Gamma
`

type fixture struct {
	srv   *httptest.Server
	st    store.Store
	hub   *notify.Hub
	sched *scheduler.Scheduler
}

// newFixture wires the API over the in-memory store. The random agents are
// re-registered with fixed seeds; gamma has no key and stays unavailable.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.Parse([]byte(testModels))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	dir, err := agent.NewDirectory(reg, agent.Credentials{})
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	dir.Register("alpha", agent.NewRandom(1))
	dir.Register("beta", agent.NewRandom(2))

	st := store.NewMemory()
	hub := notify.NewHub(32)
	sched := scheduler.New(scheduler.Deps{Store: st, Agents: dir, Publisher: hub, Pricing: reg}, scheduler.Config{
		Session:      session.Config{AgentTimeout: time.Second, LeaseTTL: time.Minute},
		TickInterval: 20 * time.Millisecond,
	})
	h := NewRouter(Deps{
		Scheduler: sched,
		Stats:     stats.NewService(st),
		Registry:  reg,
		Agents:    dir,
		WS:        &notify.WSHandler{Hub: hub},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Close(ctx)
	})
	return &fixture{srv: srv, st: st, hub: hub, sched: sched}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rdr *bytes.Reader
	if s, ok := body.(string); ok {
		rdr = bytes.NewReader([]byte(s))
	} else if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestTournamentLifecycle(t *testing.T) {
	f := newFixture(t)

	if code := f.do(t, http.MethodGet, "/tournaments/current", nil, nil); code != http.StatusNoContent {
		t.Fatalf("current before create = %d", code)
	}

	var tour arenadto.Tournament
	code := f.do(t, http.MethodPost, "/tournaments", arenadto.CreateTournamentRequest{
		Name: "Nightly", Participants: []string{"alpha", "beta"}, Concurrency: 1,
	}, &tour)
	if code != http.StatusCreated || tour.Total != 2 || tour.Status != "SETUP" {
		t.Fatalf("create = %d %+v", code, tour)
	}

	if code := f.do(t, http.MethodPost, "/tournaments", arenadto.CreateTournamentRequest{
		Participants: []string{"alpha", "gamma"},
	}, nil); code != http.StatusBadRequest {
		t.Fatalf("unavailable participant = %d", code)
	}
	if code := f.do(t, http.MethodPost, "/tournaments", `{"participants":`, nil); code != http.StatusBadRequest {
		t.Fatalf("malformed body = %d", code)
	}
	if code := f.do(t, http.MethodGet, "/tournaments/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown tournament = %d", code)
	}
	if code := f.do(t, http.MethodPost, "/tournaments/"+tour.ID+"/resume", nil, nil); code != http.StatusConflict {
		t.Fatalf("resume from setup = %d", code)
	}

	var updated arenadto.Tournament
	if code := f.do(t, http.MethodPatch, "/tournaments/"+tour.ID+"/config", arenadto.UpdateConfigRequest{Concurrency: 2}, &updated); code != http.StatusOK || updated.Concurrency != 2 {
		t.Fatalf("config = %d %+v", code, updated)
	}
	if code := f.do(t, http.MethodPost, "/tournaments/"+tour.ID+"/start", nil, nil); code != http.StatusOK {
		t.Fatalf("start = %d", code)
	}
	if code := f.do(t, http.MethodPatch, "/tournaments/"+tour.ID+"/config", arenadto.UpdateConfigRequest{Concurrency: 1}, nil); code != http.StatusConflict {
		t.Fatalf("config while running = %d", code)
	}

	var cur arenadto.Tournament
	if code := f.do(t, http.MethodGet, "/tournaments/current", nil, &cur); code != http.StatusOK || cur.ID != tour.ID {
		t.Fatalf("current = %d %+v", code, cur)
	}
	if code := f.do(t, http.MethodPost, "/tournaments/"+tour.ID+"/stop", nil, nil); code != http.StatusOK {
		t.Fatalf("stop = %d", code)
	}
}

func TestStandaloneHumanMatch(t *testing.T) {
	f := newFixture(t)

	var m arenadto.Match
	if code := f.do(t, http.MethodPost, "/matches", arenadto.CreateMatchRequest{Side1: domain.Human, Side2: "alpha"}, &m); code != http.StatusCreated {
		t.Fatalf("create match = %d", code)
	}
	if m.Turn != 1 || m.Actor != domain.Human || len(m.Board) != 6 {
		t.Fatalf("match = %+v", m)
	}

	if code := f.do(t, http.MethodPost, "/matches/"+m.ID+"/moves", `{}`, nil); code != http.StatusBadRequest {
		t.Fatalf("missing column = %d", code)
	}
	if code := f.do(t, http.MethodPost, "/matches/"+m.ID+"/moves", `{"column":9}`, nil); code != http.StatusBadRequest {
		t.Fatalf("out of range column = %d", code)
	}

	var after arenadto.Match
	if code := f.do(t, http.MethodPost, "/matches/"+m.ID+"/moves", `{"column":3}`, &after); code != http.StatusOK {
		t.Fatalf("move = %d", code)
	}
	if len(after.Moves) != 1 || after.Board[5][3] != 1 {
		t.Fatalf("after move = %+v", after)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var pending []arenadto.MatchSummary
		f.do(t, http.MethodGet, "/matches/pending-human", nil, &pending)
		if len(pending) == 1 && pending[0].MoveCount == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent never replied: %+v", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(f.srv.URL + "/matches/" + m.ID + "/board.png")
	if err != nil {
		t.Fatalf("board.png: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("board.png = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	if code := f.do(t, http.MethodPost, "/matches", arenadto.CreateMatchRequest{Side1: "alpha", Side2: "alpha"}, nil); code != http.StatusBadRequest {
		t.Fatalf("self play = %d", code)
	}
	if code := f.do(t, http.MethodGet, "/matches/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown match = %d", code)
	}
}

func TestWatch_StreamsSnapshot(t *testing.T) {
	f := newFixture(t)
	var m arenadto.Match
	f.do(t, http.MethodPost, "/matches", arenadto.CreateMatchRequest{Side1: domain.Human, Side2: "beta"}, &m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/matches/" + m.ID + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first notify.Event
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.MatchID != m.ID || first.Type != notify.EventUpdate {
		t.Fatalf("snapshot = %+v", first)
	}

	if _, err := f.sched.HumanMove(ctx, m.ID, 0); err != nil {
		t.Fatalf("HumanMove: %v", err)
	}
	var next notify.Event
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if next.MatchID != m.ID || next.LastMove == nil {
		t.Fatalf("event = %+v", next)
	}
}

func TestStatsAndModels(t *testing.T) {
	f := newFixture(t)

	var models []arenadto.Model
	if code := f.do(t, http.MethodGet, "/models", nil, &models); code != http.StatusOK || len(models) != 3 {
		t.Fatalf("models = %d %+v", code, models)
	}
	for _, m := range models {
		if want := m.Key != "gamma"; m.Available != want {
			t.Fatalf("model %s available = %v", m.Key, m.Available)
		}
	}

	var rows []arenadto.LeaderboardRow
	if code := f.do(t, http.MethodGet, "/stats/leaderboard", nil, &rows); code != http.StatusOK || len(rows) != 0 {
		t.Fatalf("leaderboard = %d %+v", code, rows)
	}
	if code := f.do(t, http.MethodGet, "/stats/history", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("history without agent = %d", code)
	}
	if code := f.do(t, http.MethodGet, "/stats/history?agent=alpha&limit=x", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", code)
	}
	var matrix arenadto.Matrix
	if code := f.do(t, http.MethodGet, "/stats/matrix", nil, &matrix); code != http.StatusOK {
		t.Fatalf("matrix = %d", code)
	}
	if code := f.do(t, http.MethodGet, "/matches/history?limit=5", nil, nil); code != http.StatusOK {
		t.Fatalf("match history = %d", code)
	}
	if code := f.do(t, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
}

func TestClassify(t *testing.T) {
	cases := map[error]int{
		scheduler.ErrInvalidConfig:     http.StatusBadRequest,
		store.ErrNotFound:              http.StatusNotFound,
		session.ErrNotHumanTurn:        http.StatusConflict,
		scheduler.ErrInvalidTransition: http.StatusConflict,
		errors.New("db down"):          http.StatusInternalServerError,
	}
	for err, want := range cases {
		wrapped := errors.Join(errors.New("ctx"), err)
		if got, _ := classify(wrapped); got != want {
			t.Fatalf("%v: status = %d, want %d", err, got, want)
		}
	}
	if _, body := classify(store.ErrStaleMove); !body.Retryable {
		t.Fatalf("stale move should be retryable")
	}
}
