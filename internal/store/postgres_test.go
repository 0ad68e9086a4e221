package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/park285/connect4-arena/internal/domain"
)

// newTestPostgres connects to DATABASE_URL and skips when it is unset.
// Rows created by a test are keyed by a fresh id and removed on cleanup.
func newTestPostgres(t *testing.T) (*Postgres, string) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	p, err := NewPostgres(url)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	ctx := context.Background()
	if err := p.EnsureSchema(ctx); err != nil {
		_ = p.Close()
		t.Fatalf("EnsureSchema: %v", err)
	}
	id := "pgtest-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = p.db.ExecContext(ctx, `DELETE FROM rating_history WHERE match_id LIKE $1 || '%'`, id)
		_, _ = p.db.ExecContext(ctx, `DELETE FROM ratings WHERE agent LIKE $1 || '%'`, id)
		_, _ = p.db.ExecContext(ctx, `DELETE FROM matches WHERE id LIKE $1 || '%'`, id)
		_, _ = p.db.ExecContext(ctx, `DELETE FROM tournaments WHERE id = $1`, id)
		_ = p.Close()
	})
	return p, id
}

func TestPostgres_ClaimRespectsLimitUnderContention(t *testing.T) {
	p, tid := newTestPostgres(t)
	seedTournament(t, p, tid, 6, 2)
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
		errs    []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := p.ClaimNextMatch(context.Background(), ClaimRequest{
				TournamentID: tid,
				Limit:        2,
				Now:          now,
				LeaseUntil:   now.Add(time.Minute),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if m != nil {
				claimed = append(claimed, m.ID)
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	if len(claimed) != 2 || claimed[0] == claimed[1] {
		t.Fatalf("claimed = %v", claimed)
	}
}

func TestPostgres_HaltedTournamentReleasesOnlyOrphans(t *testing.T) {
	p, tid := newTestPostgres(t)
	testHaltedTournamentReleasesOnlyOrphans(t, p, tid, domain.TournamentStopped)
}

func TestPostgres_AppendMoveRejectsStaleSequence(t *testing.T) {
	p, tid := newTestPostgres(t)
	seedTournament(t, p, tid, 1, 1)
	ctx := context.Background()
	now := time.Now()
	m := claim(t, p, tid, 1, now)
	if m == nil {
		t.Fatalf("no claim")
	}

	mv := domain.Move{Seq: 1, Side: 1, Actor: "a", Column: 3, CostUSD: 0.5}
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- p.AppendMove(ctx, m.ID, mv, now.Add(time.Minute)) }()
	}
	var ok, stale int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			ok++
		case errors.Is(err, ErrStaleMove):
			stale++
		default:
			t.Fatalf("AppendMove: %v", err)
		}
	}
	if ok != 1 || stale != 1 {
		t.Fatalf("ok=%d stale=%d", ok, stale)
	}
	got, err := p.GetMatch(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMatch: %v", err)
	}
	if len(got.Moves) != 1 || got.CostUSD != 0.5 {
		t.Fatalf("moves=%d cost=%v", len(got.Moves), got.CostUSD)
	}
}

func TestPostgres_ApplyRatingIsIdempotent(t *testing.T) {
	p, prefix := newTestPostgres(t)
	ctx := context.Background()
	a, b := prefix+"-a", prefix+"-b"
	matchID := prefix + "-m"
	if err := p.CreateMatch(ctx, &domain.Match{ID: matchID, Side1: a, Side2: b, Status: domain.MatchInProgress}); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	var calls int
	var mu sync.Mutex
	u := RatingUpdate{
		MatchID:  matchID,
		Agents:   [2]string{a, b},
		Baseline: 1200,
		At:       time.Now(),
		Apply: func(cur [2]domain.Rating) [2]domain.Rating {
			mu.Lock()
			calls++
			mu.Unlock()
			cur[0].Rating += 16
			cur[1].Rating -= 16
			return cur
		},
	}
	var wg sync.WaitGroup
	applied := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := p.ApplyRating(ctx, u)
			if err != nil {
				t.Errorf("ApplyRating: %v", err)
			}
			applied <- ok
		}()
	}
	wg.Wait()
	close(applied)
	n := 0
	for ok := range applied {
		if ok {
			n++
		}
	}
	if n != 1 || calls != 1 {
		t.Fatalf("applied=%d calls=%d", n, calls)
	}

	hist, err := p.RatingHistory(ctx, b, 0)
	if err != nil {
		t.Fatalf("RatingHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].Rating != 1184 || hist[0].MatchID != matchID {
		t.Fatalf("history = %+v", hist)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO rating_history (agent, rating, match_id, created_at) VALUES ($1, $2, $3, $4)`,
		b, 1000.0, matchID, time.Now())
	if !isUniqueViolation(err) {
		t.Fatalf("second history row for one match err = %v", err)
	}
}
