package arenadto

import "time"

type LeaderboardRow struct {
	Rank           int     `json:"rank"`
	Agent          string  `json:"agent"`
	Label          string  `json:"label"`
	Rating         float64 `json:"rating"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	Draws          int     `json:"draws"`
	MatchesPlayed  int     `json:"matches_played"`
	WinRate        float64 `json:"win_rate"`
	TokensPerMove  float64 `json:"tokens_per_move"`
	ThinkMSPerMove int64   `json:"think_ms_per_move"`
	CostPerMatch   float64 `json:"cost_per_match"`
	FallbackRate   float64 `json:"fallback_rate"`
	CostUSD        float64 `json:"cost_usd"`
}

type HistoryPoint struct {
	Rating    float64   `json:"rating"`
	MatchID   string    `json:"match_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Record struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Draws  int `json:"draws"`
}

// Matrix holds Records[row][col] as the record of row against col.
type Matrix struct {
	Agents  []string                     `json:"agents"`
	Records map[string]map[string]Record `json:"records"`
}

type Model struct {
	Key           string  `json:"key"`
	Label         string  `json:"label"`
	Provider      string  `json:"provider"`
	ContextSize   int     `json:"context_size,omitempty"`
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
	Available     bool    `json:"available"`
}
