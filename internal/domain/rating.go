package domain

import "time"

type Rating struct {
	Agent         string
	Rating        float64
	Wins          int
	Losses        int
	Draws         int
	MatchesPlayed int

	InputTokens   int64
	OutputTokens  int64
	CostUSD       float64
	Moves         int64
	FallbackMoves int64
	ThinkTime     time.Duration

	UpdatedAt time.Time
}

type RatingHistory struct {
	Agent     string
	Rating    float64
	MatchID   string
	CreatedAt time.Time
}
