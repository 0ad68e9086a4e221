package stats

import (
	"context"
	"testing"
	"time"

	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/rating"
	"github.com/park285/connect4-arena/internal/store"
)

func seedFinished(t *testing.T, st store.Store, e *rating.Engine, id, a, b string, winner int) {
	t.Helper()
	ctx := context.Background()
	m := &domain.Match{
		ID: id, Side1: a, Side2: b, Status: domain.MatchInProgress,
		Moves: []domain.Move{
			{Seq: 1, Side: 1, Actor: a, Column: 3, InputTokens: 300, OutputTokens: 100, Duration: 2 * time.Second, CostUSD: 0.01},
			{Seq: 2, Side: 2, Actor: b, Column: 3, IsFallback: true, Duration: time.Second},
		},
	}
	if err := st.CreateMatch(ctx, m); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	status := domain.MatchCompleted
	if winner == 0 {
		status = domain.MatchDraw
	}
	if _, err := st.FinishMatch(ctx, id, status, winner, time.Now()); err != nil {
		t.Fatalf("FinishMatch: %v", err)
	}
	got, err := st.GetMatch(ctx, id)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if _, err := e.ApplyMatch(ctx, got); err != nil {
		t.Fatalf("ApplyMatch: %v", err)
	}
}

func TestLeaderboard_DerivedAverages(t *testing.T) {
	st := store.NewMemory()
	e := rating.NewEngine(st)
	seedFinished(t, st, e, "m1", "a", "b", 1)
	seedFinished(t, st, e, "m2", "b", "a", 0)

	rows, err := NewService(st).Leaderboard(context.Background())
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(rows) != 2 || rows[0].Agent != "a" || rows[0].Rank != 1 || rows[1].Rank != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	a := rows[0]
	if a.WinRate != 0.5 {
		t.Fatalf("win rate = %v", a.WinRate)
	}
	// a moved first in m1 and second in m2: one real move and one fallback
	if a.Moves != 2 || a.FallbackRate != 0.5 {
		t.Fatalf("moves = %d fallback rate = %v", a.Moves, a.FallbackRate)
	}
	if a.TokensPerMove != 200 {
		t.Fatalf("tokens per move = %v", a.TokensPerMove)
	}
	if a.ThinkTimePerMove != 1500*time.Millisecond {
		t.Fatalf("think per move = %v", a.ThinkTimePerMove)
	}
	if a.CostPerMatch != 0.005 {
		t.Fatalf("cost per match = %v", a.CostPerMatch)
	}
}

func TestHeadToHead(t *testing.T) {
	st := store.NewMemory()
	e := rating.NewEngine(st)
	seedFinished(t, st, e, "m1", "a", "b", 1)
	seedFinished(t, st, e, "m2", "b", "a", 1)
	seedFinished(t, st, e, "m3", "a", "c", 0)
	seedFinished(t, st, e, "h1", "a", domain.Human, 2)

	m, err := NewService(st).HeadToHead(context.Background())
	if err != nil {
		t.Fatalf("HeadToHead: %v", err)
	}
	if len(m.Agents) != 3 {
		t.Fatalf("agents = %v", m.Agents)
	}
	ab := m.Get("a", "b")
	if ab.Wins != 1 || ab.Losses != 1 || ab.Played() != 2 {
		t.Fatalf("a vs b = %+v", ab)
	}
	if ca := m.Get("c", "a"); ca.Draws != 1 {
		t.Fatalf("c vs a = %+v", ca)
	}
	if bc := m.Get("b", "c"); bc.Played() != 0 {
		t.Fatalf("b vs c = %+v", bc)
	}
	if _, ok := m.Records[domain.Human]; ok {
		t.Fatalf("human matches counted")
	}
}

func TestRecent_NewestFirst(t *testing.T) {
	st := store.NewMemory()
	e := rating.NewEngine(st)
	seedFinished(t, st, e, "m1", "a", "b", 1)
	seedFinished(t, st, e, "m2", "a", "b", 2)

	list, err := NewService(st).Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(list) != 1 || list[0].ID != "m2" {
		t.Fatalf("recent = %+v", list)
	}
}
