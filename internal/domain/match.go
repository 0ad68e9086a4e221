package domain

import "time"

// Human marks a side played through externally delivered move events.
const Human = "human"

type MatchStatus string

const (
	MatchPending    MatchStatus = "PENDING"
	MatchInProgress MatchStatus = "IN_PROGRESS"
	MatchPaused     MatchStatus = "PAUSED"
	MatchCompleted  MatchStatus = "COMPLETED"
	MatchDraw       MatchStatus = "DRAW"
)

func (s MatchStatus) Terminal() bool {
	return s == MatchCompleted || s == MatchDraw
}

type Match struct {
	ID           string
	TournamentID string
	Round        int
	Ordinal      int

	Side1 string
	Side2 string

	Status MatchStatus
	// Winner is 1 or 2 once COMPLETED, 0 otherwise.
	Winner int
	Moves  []Move

	RetryAfter *time.Time
	PauseCount int
	LeaseUntil *time.Time
	CostUSD    float64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type Move struct {
	Seq          int
	Side         int
	Actor        string
	Column       int
	Reasoning    string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	IsFallback   bool
	CostUSD      float64
	CreatedAt    time.Time
}

// SideToMove derives the turn from move-count parity.
func (m *Match) SideToMove() int {
	if len(m.Moves)%2 == 0 {
		return 1
	}
	return 2
}

func (m *Match) Actor(side int) string {
	if side == 2 {
		return m.Side2
	}
	return m.Side1
}

func (m *Match) HasHuman() bool {
	return m.Side1 == Human || m.Side2 == Human
}

func (m *Match) AgentsOnly() bool { return !m.HasHuman() }

func (m *Match) WinnerID() string {
	if m.Winner == 0 {
		return ""
	}
	return m.Actor(m.Winner)
}

func (m *Match) Columns() []int {
	cols := make([]int, len(m.Moves))
	for i, mv := range m.Moves {
		cols[i] = mv.Column
	}
	return cols
}

func (m *Match) LastMove() *Move {
	if len(m.Moves) == 0 {
		return nil
	}
	mv := m.Moves[len(m.Moves)-1]
	return &mv
}

// Clone returns a deep copy safe to hand across goroutines.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	c := *m
	c.Moves = append([]Move(nil), m.Moves...)
	c.RetryAfter = cloneTime(m.RetryAfter)
	c.LeaseUntil = cloneTime(m.LeaseUntil)
	c.StartedAt = cloneTime(m.StartedAt)
	c.FinishedAt = cloneTime(m.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
