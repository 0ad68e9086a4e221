package rating

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/store"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestUpdate_EqualRatings(t *testing.T) {
	if e := Expected(1200, 1200); !near(e, 0.5) {
		t.Fatalf("expected = %v", e)
	}
	ra, rb := Update(1200, 1200, 1, 32)
	if !near(ra, 1216) || !near(rb, 1184) {
		t.Fatalf("win = %v/%v", ra, rb)
	}
	ra, rb = Update(1200, 1200, 0.5, 32)
	if !near(ra, 1200) || !near(rb, 1200) {
		t.Fatalf("draw = %v/%v", ra, rb)
	}
}

func TestUpdate_ConservesPointsAndFavoursUnderdog(t *testing.T) {
	ra, rb := Update(1400, 1200, 0, 32)
	if !near(ra+rb, 2600) {
		t.Fatalf("sum = %v", ra+rb)
	}
	gain := rb - 1200
	if gain <= 16 {
		t.Fatalf("upset gain = %v, want > 16", gain)
	}
}

func finished(id, a, b string, winner int) *domain.Match {
	status := domain.MatchCompleted
	if winner == 0 {
		status = domain.MatchDraw
	}
	return &domain.Match{
		ID: id, Side1: a, Side2: b, Status: status, Winner: winner,
		Moves: []domain.Move{
			{Seq: 1, Side: 1, Actor: a, InputTokens: 100, OutputTokens: 20, CostUSD: 0.002, Duration: time.Second},
			{Seq: 2, Side: 2, Actor: b, InputTokens: 50, OutputTokens: 10, IsFallback: true},
		},
	}
}

func TestApplyMatch_Idempotent(t *testing.T) {
	st := store.NewMemory()
	e := NewEngine(st)
	ctx := context.Background()
	m := finished("m1", "a", "b", 1)

	ok, err := e.ApplyMatch(ctx, m)
	if err != nil || !ok {
		t.Fatalf("first apply ok=%v err=%v", ok, err)
	}
	ok, err = e.ApplyMatch(ctx, m)
	if err != nil || ok {
		t.Fatalf("second apply ok=%v err=%v", ok, err)
	}

	ratings, _ := st.ListRatings(ctx)
	if len(ratings) != 2 {
		t.Fatalf("ratings = %+v", ratings)
	}
	a, b := ratings[0], ratings[1]
	if a.Agent != "a" || !near(a.Rating, 1216) || a.Wins != 1 || a.MatchesPlayed != 1 {
		t.Fatalf("a = %+v", a)
	}
	if !near(b.Rating, 1184) || b.Losses != 1 || b.FallbackMoves != 1 || b.Moves != 1 {
		t.Fatalf("b = %+v", b)
	}
	if a.InputTokens != 100 || a.OutputTokens != 20 || !near(a.CostUSD, 0.002) || a.ThinkTime != time.Second {
		t.Fatalf("a counters = %+v", a)
	}
	hist, _ := st.RatingHistory(ctx, "a", 0)
	if len(hist) != 1 {
		t.Fatalf("history = %+v", hist)
	}
}

func TestApplyMatch_SkipsHumansAndUnfinished(t *testing.T) {
	st := store.NewMemory()
	e := NewEngine(st)
	ctx := context.Background()

	human := finished("h", "a", domain.Human, 1)
	if ok, _ := e.ApplyMatch(ctx, human); ok {
		t.Fatalf("rated a human match")
	}
	open := finished("o", "a", "b", 0)
	open.Status = domain.MatchInProgress
	if ok, _ := e.ApplyMatch(ctx, open); ok {
		t.Fatalf("rated an unfinished match")
	}
	if ratings, _ := st.ListRatings(ctx); len(ratings) != 0 {
		t.Fatalf("ratings = %+v", ratings)
	}
}

func TestApplyMatch_ConcurrentCompletionsSerialize(t *testing.T) {
	st := store.NewMemory()
	e := NewEngine(st, WithK(16))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := finished("m"+string(rune('a'+i)), "a", "b", 0)
			if _, err := e.ApplyMatch(ctx, m); err != nil {
				t.Errorf("apply: %v", err)
			}
			// duplicate delivery
			_, _ = e.ApplyMatch(ctx, m)
		}(i)
	}
	wg.Wait()

	ratings, _ := st.ListRatings(ctx)
	for _, r := range ratings {
		if r.MatchesPlayed != 20 || r.Draws != 20 || !near(r.Rating, 1200) {
			t.Fatalf("rating = %+v", r)
		}
	}
	if hist, _ := st.RatingHistory(ctx, "b", 0); len(hist) != 20 {
		t.Fatalf("history = %d", len(hist))
	}
}

func TestBackfill_RatesMissingMatches(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	m := &domain.Match{ID: "m1", Side1: "a", Side2: "b", Status: domain.MatchInProgress}
	if err := st.CreateMatch(ctx, m); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if _, err := st.FinishMatch(ctx, "m1", domain.MatchCompleted, 2, time.Now()); err != nil {
		t.Fatalf("FinishMatch: %v", err)
	}
	e := NewEngine(st)
	n, err := e.Backfill(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("backfill n=%d err=%v", n, err)
	}
	if n, _ := e.Backfill(ctx, 10); n != 0 {
		t.Fatalf("second backfill n=%d", n)
	}
}
