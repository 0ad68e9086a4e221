package arenadto

import "time"

type Move struct {
	Seq          int       `json:"seq"`
	Side         int       `json:"side"`
	Actor        string    `json:"actor"`
	Column       int       `json:"column"`
	Reasoning    string    `json:"reasoning,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMS   int64     `json:"duration_ms"`
	IsFallback   bool      `json:"is_fallback"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

type Match struct {
	ID           string     `json:"id"`
	TournamentID string     `json:"tournament_id,omitempty"`
	Round        int        `json:"round,omitempty"`
	Side1        string     `json:"side1"`
	Side2        string     `json:"side2"`
	Status       string     `json:"status"`
	Winner       int        `json:"winner"`
	WinnerID     string     `json:"winner_id,omitempty"`
	Turn         int        `json:"turn"`
	Actor        string     `json:"actor,omitempty"`
	Board        [][]int    `json:"board"`
	Moves        []Move     `json:"moves"`
	PauseCount   int        `json:"pause_count,omitempty"`
	RetryAfter   *time.Time `json:"retry_after,omitempty"`
	CostUSD      float64    `json:"cost_usd"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// MatchSummary is a Match without its move log, for listings.
type MatchSummary struct {
	ID           string     `json:"id"`
	TournamentID string     `json:"tournament_id,omitempty"`
	Side1        string     `json:"side1"`
	Side2        string     `json:"side2"`
	Status       string     `json:"status"`
	WinnerID     string     `json:"winner_id,omitempty"`
	MoveCount    int        `json:"move_count"`
	Actor        string     `json:"actor,omitempty"`
	RetryAfter   *time.Time `json:"retry_after,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type CreateMatchRequest struct {
	Side1 string `json:"side1"`
	Side2 string `json:"side2"`
}

// MoveRequest carries a human move. Column is a pointer so a missing field
// is told apart from column 0.
type MoveRequest struct {
	Column *int `json:"column"`
}
