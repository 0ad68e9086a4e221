package rating

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/obslog"
	"github.com/park285/connect4-arena/internal/store"
)

const (
	DefaultK        = 32.0
	DefaultBaseline = 1200.0
)

// Expected is the expected score of a rated ra against rb.
func Expected(ra, rb float64) float64 {
	return 1 / (1 + math.Pow(10, (rb-ra)/400))
}

// Update returns the new ratings after a game where a scored sa (1, 0.5 or 0).
func Update(ra, rb, sa, k float64) (float64, float64) {
	ea := Expected(ra, rb)
	eb := 1 - ea
	return ra + k*(sa-ea), rb + k*((1-sa)-eb)
}

type Engine struct {
	store    store.Store
	k        float64
	baseline float64
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Engine)

func WithK(k float64) Option {
	return func(e *Engine) {
		if k > 0 {
			e.k = k
		}
	}
}

func WithBaseline(b float64) Option {
	return func(e *Engine) {
		if b > 0 {
			e.baseline = b
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{store: st, k: DefaultK, baseline: DefaultBaseline, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	e.logger = obslog.Or(e.logger)
	return e
}

func (e *Engine) Baseline() float64 { return e.baseline }

// ApplyMatch rates a finished agent-vs-agent match. It reports false when the
// match is not rateable or was rated before.
func (e *Engine) ApplyMatch(ctx context.Context, m *domain.Match) (bool, error) {
	if m == nil || !m.Status.Terminal() || m.HasHuman() || m.Side1 == m.Side2 {
		return false, nil
	}
	score := 0.5
	switch m.Winner {
	case 1:
		score = 1
	case 2:
		score = 0
	}
	var tally [2]sideTally
	for _, mv := range m.Moves {
		if mv.Side != 1 && mv.Side != 2 {
			continue
		}
		t := &tally[mv.Side-1]
		t.moves++
		t.in += int64(mv.InputTokens)
		t.out += int64(mv.OutputTokens)
		t.cost += mv.CostUSD
		t.think += mv.Duration
		if mv.IsFallback {
			t.fallbacks++
		}
	}

	var before, after [2]float64
	ok, err := e.store.ApplyRating(ctx, store.RatingUpdate{
		MatchID:  m.ID,
		Agents:   [2]string{m.Side1, m.Side2},
		Baseline: e.baseline,
		At:       e.now(),
		Apply: func(cur [2]domain.Rating) [2]domain.Rating {
			before = [2]float64{cur[0].Rating, cur[1].Rating}
			ra, rb := Update(cur[0].Rating, cur[1].Rating, score, e.k)
			cur[0].Rating, cur[1].Rating = ra, rb
			after = [2]float64{ra, rb}
			for i := range cur {
				cur[i].MatchesPlayed++
				tally[i].addTo(&cur[i])
			}
			switch m.Winner {
			case 1:
				cur[0].Wins++
				cur[1].Losses++
			case 2:
				cur[1].Wins++
				cur[0].Losses++
			default:
				cur[0].Draws++
				cur[1].Draws++
			}
			return cur
		},
	})
	if err != nil {
		return false, fmt.Errorf("apply rating for %s: %w", m.ID, err)
	}
	if ok {
		e.logger.Info("rating_applied",
			zap.String("match_id", m.ID),
			zap.String("side1", m.Side1),
			zap.Float64("side1_before", before[0]),
			zap.Float64("side1_after", after[0]),
			zap.String("side2", m.Side2),
			zap.Float64("side2_before", before[1]),
			zap.Float64("side2_after", after[1]),
		)
	}
	return ok, nil
}

type sideTally struct {
	moves, fallbacks int64
	in, out          int64
	cost             float64
	think            time.Duration
}

func (t sideTally) addTo(r *domain.Rating) {
	r.Moves += t.moves
	r.FallbackMoves += t.fallbacks
	r.InputTokens += t.in
	r.OutputTokens += t.out
	r.CostUSD += t.cost
	r.ThinkTime += t.think
}

// Backfill rates finished matches that have no rating yet, e.g. after a
// crash between finishing a match and rating it.
func (e *Engine) Backfill(ctx context.Context, limit int) (int, error) {
	ids, err := e.store.ListUnratedMatches(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unrated matches: %w", err)
	}
	applied := 0
	for _, id := range ids {
		m, err := e.store.GetMatch(ctx, id)
		if err != nil {
			return applied, err
		}
		ok, err := e.ApplyMatch(ctx, m)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	if applied > 0 {
		e.logger.Info("rating_backfill", zap.Int("applied", applied))
	}
	return applied, nil
}
