package store

import (
	"context"
	"errors"
	"time"

	"github.com/park285/connect4-arena/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStaleMove      = errors.New("stale move: match log changed")
	ErrMatchNotActive = errors.New("match not in progress")
	ErrStatusConflict = errors.New("status conflict")
	ErrDuplicate      = errors.New("already exists")
)

// Store is the persistence boundary. Every multi-row mutation is atomic and
// guarded by row locks in the SQL implementation.
type Store interface {
	CreateTournament(ctx context.Context, t *domain.Tournament, matches []*domain.Match) error
	GetTournament(ctx context.Context, id string) (*domain.Tournament, error)
	ListTournaments(ctx context.Context, statuses ...domain.TournamentStatus) ([]*domain.Tournament, error)
	// TransitionTournament moves id to `to` only when its status is one of from.
	TransitionTournament(ctx context.Context, id string, to domain.TournamentStatus, from ...domain.TournamentStatus) (*domain.Tournament, error)
	SetConcurrency(ctx context.Context, id string, concurrency int, allowed ...domain.TournamentStatus) (*domain.Tournament, error)
	// CompleteTournamentIfDone recounts finished matches under lock, repairs the
	// counter and marks the tournament COMPLETED when completed == total.
	CompleteTournamentIfDone(ctx context.Context, id string, now time.Time) (bool, error)

	CreateMatch(ctx context.Context, m *domain.Match) error
	GetMatch(ctx context.Context, id string) (*domain.Match, error)
	ListMatches(ctx context.Context, f MatchFilter) ([]*domain.Match, error)
	ClaimNextMatch(ctx context.Context, req ClaimRequest) (*domain.Match, error)
	RenewLease(ctx context.Context, id string, until time.Time) error
	ReleaseLease(ctx context.Context, id string) error
	// AppendMove persists mv when the log holds exactly mv.Seq-1 moves and the
	// match is IN_PROGRESS.
	AppendMove(ctx context.Context, matchID string, mv domain.Move, leaseUntil time.Time) error
	PauseMatch(ctx context.Context, id string, retryAfter time.Time) error
	// FinishMatch reports true only for the caller that performed the
	// IN_PROGRESS -> terminal transition.
	FinishMatch(ctx context.Context, id string, status domain.MatchStatus, winner int, now time.Time) (bool, error)
	ListUnratedMatches(ctx context.Context, limit int) ([]string, error)

	ApplyRating(ctx context.Context, u RatingUpdate) (bool, error)
	ListRatings(ctx context.Context) ([]*domain.Rating, error)
	RatingHistory(ctx context.Context, agent string, limit int) ([]*domain.RatingHistory, error)

	Close() error
}

type MatchFilter struct {
	TournamentID string
	Statuses     []domain.MatchStatus
	Limit        int
	// NewestFirst orders by creation time descending; default is tournament order.
	NewestFirst bool
}

// ClaimRequest selects the next dispatchable match. An empty TournamentID
// targets standalone matches. Limit bounds IN_PROGRESS matches of the
// tournament, zero means unbounded. In a paused or stopped tournament only
// matches with a lapsed lease are handed out, so they can finish.
type ClaimRequest struct {
	TournamentID string
	Limit        int
	Now          time.Time
	LeaseUntil   time.Time
}

// RatingUpdate applies Apply to the current rows of Agents (created at
// Baseline when missing) and appends one history row per agent.
type RatingUpdate struct {
	MatchID  string
	Agents   [2]string
	Baseline float64
	At       time.Time
	Apply    func(cur [2]domain.Rating) [2]domain.Rating
}

// claimable reports whether a tournament in status st can hand out matches.
func claimable(st domain.TournamentStatus) bool {
	switch st {
	case domain.TournamentInProgress, domain.TournamentPaused, domain.TournamentStopped:
		return true
	default:
		return false
	}
}

func statusIn[T comparable](s T, set []T) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
