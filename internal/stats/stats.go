package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/store"
)

// LeaderboardRow is a rating plus averages derived from its running totals.
type LeaderboardRow struct {
	domain.Rating
	Rank             int
	WinRate          float64
	TokensPerMove    float64
	ThinkTimePerMove time.Duration
	CostPerMatch     float64
	FallbackRate     float64
}

// Record is the head-to-head result of Agent against Opponent, regardless of side.
type Record struct {
	Agent    string
	Opponent string
	Wins     int
	Losses   int
	Draws    int
}

func (r Record) Played() int { return r.Wins + r.Losses + r.Draws }

type Matrix struct {
	Agents  []string
	Records map[string]map[string]Record
}

// Get returns the record of a against b, zero when they never met.
func (m Matrix) Get(a, b string) Record {
	if row, ok := m.Records[a]; ok {
		if r, ok := row[b]; ok {
			return r
		}
	}
	return Record{Agent: a, Opponent: b}
}

type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service { return &Service{store: st} }

func (s *Service) Leaderboard(ctx context.Context) ([]LeaderboardRow, error) {
	ratings, err := s.store.ListRatings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	out := make([]LeaderboardRow, len(ratings))
	for i, r := range ratings {
		out[i] = derive(*r)
		out[i].Rank = i + 1
	}
	return out, nil
}

func derive(r domain.Rating) LeaderboardRow {
	row := LeaderboardRow{Rating: r}
	if r.MatchesPlayed > 0 {
		row.WinRate = float64(r.Wins) / float64(r.MatchesPlayed)
		row.CostPerMatch = r.CostUSD / float64(r.MatchesPlayed)
	}
	if r.Moves > 0 {
		row.TokensPerMove = float64(r.InputTokens+r.OutputTokens) / float64(r.Moves)
		row.ThinkTimePerMove = r.ThinkTime / time.Duration(r.Moves)
		row.FallbackRate = float64(r.FallbackMoves) / float64(r.Moves)
	}
	return row
}

func (s *Service) History(ctx context.Context, agent string, limit int) ([]*domain.RatingHistory, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.store.RatingHistory(ctx, agent, limit)
}

// HeadToHead tallies finished agent-vs-agent matches into a matrix whose
// agent order follows the leaderboard.
func (s *Service) HeadToHead(ctx context.Context) (Matrix, error) {
	matches, err := s.store.ListMatches(ctx, store.MatchFilter{
		Statuses: []domain.MatchStatus{domain.MatchCompleted, domain.MatchDraw},
	})
	if err != nil {
		return Matrix{}, fmt.Errorf("list finished matches: %w", err)
	}
	m := Matrix{Records: make(map[string]map[string]Record)}
	bump := func(a, b string, f func(*Record)) {
		row, ok := m.Records[a]
		if !ok {
			row = make(map[string]Record)
			m.Records[a] = row
		}
		r, ok := row[b]
		if !ok {
			r = Record{Agent: a, Opponent: b}
		}
		f(&r)
		row[b] = r
	}
	seen := map[string]bool{}
	for _, mt := range matches {
		if !mt.AgentsOnly() {
			continue
		}
		a, b := mt.Side1, mt.Side2
		seen[a], seen[b] = true, true
		switch mt.WinnerID() {
		case a:
			bump(a, b, func(r *Record) { r.Wins++ })
			bump(b, a, func(r *Record) { r.Losses++ })
		case b:
			bump(b, a, func(r *Record) { r.Wins++ })
			bump(a, b, func(r *Record) { r.Losses++ })
		default:
			bump(a, b, func(r *Record) { r.Draws++ })
			bump(b, a, func(r *Record) { r.Draws++ })
		}
	}

	ratings, err := s.store.ListRatings(ctx)
	if err != nil {
		return Matrix{}, fmt.Errorf("list ratings: %w", err)
	}
	for _, r := range ratings {
		if seen[r.Agent] {
			m.Agents = append(m.Agents, r.Agent)
			delete(seen, r.Agent)
		}
	}
	rest := make([]string, 0, len(seen))
	for a := range seen {
		rest = append(rest, a)
	}
	sort.Strings(rest)
	m.Agents = append(m.Agents, rest...)
	return m, nil
}

// Recent lists finished matches newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*domain.Match, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListMatches(ctx, store.MatchFilter{
		Statuses:    []domain.MatchStatus{domain.MatchCompleted, domain.MatchDraw},
		Limit:       limit,
		NewestFirst: true,
	})
}
