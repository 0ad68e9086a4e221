package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/park285/connect4-arena/internal/domain"
)

// memory is the in-process Store used when DATABASE_URL is unset and in tests.
// A single mutex stands in for the row locks of the SQL implementation.
type memory struct {
	mu sync.Mutex

	seq int64

	tournaments map[string]*domain.Tournament
	matches     map[string]*memMatch
	ratings     map[string]*domain.Rating
	history     []domain.RatingHistory
	rated       map[string]bool
}

type memMatch struct {
	m   *domain.Match
	seq int64 // insertion order
}

func NewMemory() Store {
	return &memory{
		tournaments: make(map[string]*domain.Tournament),
		matches:     make(map[string]*memMatch),
		ratings:     make(map[string]*domain.Rating),
		rated:       make(map[string]bool),
	}
}

func (s *memory) CreateTournament(ctx context.Context, t *domain.Tournament, matches []*domain.Match) error {
	if t == nil {
		return fmt.Errorf("nil tournament")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tournaments[t.ID]; exists {
		return ErrDuplicate
	}
	for _, m := range matches {
		if _, exists := s.matches[m.ID]; exists {
			return ErrDuplicate
		}
	}
	s.tournaments[t.ID] = t.Clone()
	for _, m := range matches {
		c := m.Clone()
		c.TournamentID = t.ID
		s.insertLocked(c)
	}
	return nil
}

func (s *memory) insertLocked(m *domain.Match) {
	s.seq++
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	s.matches[m.ID] = &memMatch{m: m, seq: s.seq}
}

func (s *memory) GetTournament(ctx context.Context, id string) (*domain.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tournaments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *memory) ListTournaments(ctx context.Context, statuses ...domain.TournamentStatus) ([]*domain.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Tournament, 0, len(s.tournaments))
	for _, t := range s.tournaments {
		if len(statuses) > 0 && !statusIn(t.Status, statuses) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *memory) TransitionTournament(ctx context.Context, id string, to domain.TournamentStatus, from ...domain.TournamentStatus) (*domain.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tournaments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(t.Status, from) {
		return t.Clone(), fmt.Errorf("%w: tournament is %s", ErrStatusConflict, t.Status)
	}
	now := time.Now()
	t.Status = to
	t.UpdatedAt = now
	if to == domain.TournamentInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.Terminal() {
		t.FinishedAt = &now
	}
	return t.Clone(), nil
}

func (s *memory) SetConcurrency(ctx context.Context, id string, concurrency int, allowed ...domain.TournamentStatus) (*domain.Tournament, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tournaments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(t.Status, allowed) {
		return t.Clone(), fmt.Errorf("%w: tournament is %s", ErrStatusConflict, t.Status)
	}
	t.Concurrency = concurrency
	t.UpdatedAt = time.Now()
	return t.Clone(), nil
}

func (s *memory) CompleteTournamentIfDone(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tournaments[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != domain.TournamentInProgress {
		return false, nil
	}
	finished, open := 0, 0
	for _, mm := range s.matches {
		if mm.m.TournamentID != id {
			continue
		}
		if mm.m.Status.Terminal() {
			finished++
		} else {
			open++
		}
	}
	t.Completed = finished
	t.UpdatedAt = now
	if open > 0 || finished < t.Total {
		return false, nil
	}
	t.Status = domain.TournamentCompleted
	t.FinishedAt = &now
	return true, nil
}

func (s *memory) CreateMatch(ctx context.Context, m *domain.Match) error {
	if m == nil {
		return fmt.Errorf("nil match")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.matches[m.ID]; exists {
		return ErrDuplicate
	}
	s.insertLocked(m.Clone())
	return nil
}

func (s *memory) GetMatch(ctx context.Context, id string) (*domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mm.m.Clone(), nil
}

func (s *memory) ListMatches(ctx context.Context, f MatchFilter) ([]*domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]*memMatch, 0)
	for _, mm := range s.matches {
		if f.TournamentID != "" && mm.m.TournamentID != f.TournamentID {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(mm.m.Status, f.Statuses) {
			continue
		}
		items = append(items, mm)
	}
	if f.NewestFirst {
		sort.Slice(items, func(i, j int) bool { return items[i].seq > items[j].seq })
	} else {
		sortTournamentOrder(items)
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	out := make([]*domain.Match, len(items))
	for i, mm := range items {
		out[i] = mm.m.Clone()
	}
	return out, nil
}

func sortTournamentOrder(items []*memMatch) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].m, items[j].m
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return items[i].seq < items[j].seq
	})
}

func (s *memory) ClaimNextMatch(ctx context.Context, req ClaimRequest) (*domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := true
	if req.TournamentID != "" {
		t, ok := s.tournaments[req.TournamentID]
		if !ok {
			return nil, ErrNotFound
		}
		if !claimable(t.Status) {
			return nil, nil
		}
		running = t.Status == domain.TournamentInProgress
	}

	active := 0
	scope := make([]*memMatch, 0)
	for _, mm := range s.matches {
		if mm.m.TournamentID != req.TournamentID {
			continue
		}
		if mm.m.Status == domain.MatchInProgress {
			active++
		}
		scope = append(scope, mm)
	}
	sortTournamentOrder(scope)

	fresh := running && (req.Limit <= 0 || active < req.Limit)
	for _, mm := range scope {
		m := mm.m
		orphan := m.Status == domain.MatchInProgress && m.LeaseUntil != nil && m.LeaseUntil.Before(req.Now)
		ready := m.Status == domain.MatchPending ||
			(m.Status == domain.MatchPaused && (m.RetryAfter == nil || !m.RetryAfter.After(req.Now)))
		if !orphan && !(ready && fresh) {
			continue
		}
		m.Status = domain.MatchInProgress
		m.RetryAfter = nil
		lease := req.LeaseUntil
		m.LeaseUntil = &lease
		if m.StartedAt == nil {
			now := req.Now
			m.StartedAt = &now
		}
		m.UpdatedAt = req.Now
		return m.Clone(), nil
	}
	return nil, nil
}

func (s *memory) RenewLease(ctx context.Context, id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.activeLocked(id)
	if err != nil {
		return err
	}
	m.LeaseUntil = &until
	return nil
}

func (s *memory) ReleaseLease(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, ok := s.matches[id]
	if !ok {
		return ErrNotFound
	}
	mm.m.LeaseUntil = nil
	return nil
}

func (s *memory) activeLocked(id string) (*domain.Match, error) {
	mm, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	if mm.m.Status != domain.MatchInProgress {
		return nil, ErrMatchNotActive
	}
	return mm.m, nil
}

func (s *memory) AppendMove(ctx context.Context, matchID string, mv domain.Move, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.activeLocked(matchID)
	if err != nil {
		return err
	}
	if len(m.Moves) != mv.Seq-1 {
		return ErrStaleMove
	}
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now()
	}
	m.Moves = append(m.Moves, mv)
	m.CostUSD += mv.CostUSD
	m.PauseCount = 0
	m.UpdatedAt = mv.CreatedAt
	if !leaseUntil.IsZero() {
		m.LeaseUntil = &leaseUntil
	}
	return nil
}

func (s *memory) PauseMatch(ctx context.Context, id string, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.activeLocked(id)
	if err != nil {
		return err
	}
	m.Status = domain.MatchPaused
	m.RetryAfter = &retryAfter
	m.PauseCount++
	m.LeaseUntil = nil
	m.UpdatedAt = time.Now()
	return nil
}

func (s *memory) FinishMatch(ctx context.Context, id string, status domain.MatchStatus, winner int, now time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish match with non-terminal status %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, ok := s.matches[id]
	if !ok {
		return false, ErrNotFound
	}
	m := mm.m
	if m.Status != domain.MatchInProgress {
		return false, nil
	}
	m.Status = status
	m.Winner = winner
	m.FinishedAt = &now
	m.UpdatedAt = now
	m.LeaseUntil = nil
	m.RetryAfter = nil
	if t, ok := s.tournaments[m.TournamentID]; ok && t.Completed < t.Total {
		t.Completed++
		t.UpdatedAt = now
	}
	return true, nil
}

func (s *memory) ListUnratedMatches(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]*memMatch, 0)
	for id, mm := range s.matches {
		if !mm.m.Status.Terminal() || mm.m.HasHuman() || s.rated[id] {
			continue
		}
		items = append(items, mm)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	ids := make([]string, len(items))
	for i, mm := range items {
		ids[i] = mm.m.ID
	}
	return ids, nil
}

func (s *memory) ApplyRating(ctx context.Context, u RatingUpdate) (bool, error) {
	if u.Apply == nil {
		return false, fmt.Errorf("rating update without apply func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rated[u.MatchID] {
		return false, nil
	}
	var cur [2]domain.Rating
	for i, agent := range u.Agents {
		r, ok := s.ratings[agent]
		if !ok {
			r = &domain.Rating{Agent: agent, Rating: u.Baseline, UpdatedAt: u.At}
			s.ratings[agent] = r
		}
		cur[i] = *r
	}
	next := u.Apply(cur)
	for i, agent := range u.Agents {
		r := next[i]
		r.Agent = agent
		r.UpdatedAt = u.At
		s.ratings[agent] = &r
		s.history = append(s.history, domain.RatingHistory{
			Agent:     agent,
			Rating:    r.Rating,
			MatchID:   u.MatchID,
			CreatedAt: u.At,
		})
	}
	s.rated[u.MatchID] = true
	return true, nil
}

func (s *memory) ListRatings(ctx context.Context) ([]*domain.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Rating, 0, len(s.ratings))
	for _, r := range s.ratings {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].Agent < out[j].Agent
	})
	return out, nil
}

// RatingHistory returns the newest limit entries for agent, oldest first.
func (s *memory) RatingHistory(ctx context.Context, agent string, limit int) ([]*domain.RatingHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.RatingHistory, 0)
	for i := range s.history {
		if s.history[i].Agent == agent {
			h := s.history[i]
			out = append(out, &h)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memory) Close() error { return nil }
