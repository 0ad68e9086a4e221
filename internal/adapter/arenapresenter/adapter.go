package arenapresenter

import (
	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/registry"
	"github.com/park285/connect4-arena/internal/rules"
	"github.com/park285/connect4-arena/internal/stats"
	"github.com/park285/connect4-arena/pkg/arenadto"
)

// Labeler resolves display labels for agent ids.
type Labeler interface {
	Label(id string) string
}

func ToDTOTournament(t *domain.Tournament) *arenadto.Tournament {
	if t == nil {
		return nil
	}
	out := &arenadto.Tournament{
		ID:           t.ID,
		Slug:         t.Slug,
		Name:         t.Name,
		Mode:         string(t.Mode),
		Target:       t.Target,
		Participants: append([]string{}, t.Participants...),
		Rounds:       t.Rounds,
		Concurrency:  t.Concurrency,
		Status:       string(t.Status),
		Total:        t.Total,
		Completed:    t.Completed,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		StartedAt:    t.StartedAt,
		FinishedAt:   t.FinishedAt,
	}
	if t.Total > 0 {
		out.Progress = float64(t.Completed) / float64(t.Total)
	}
	return out
}

// BoardOf replays the move log. A log that does not replay yields the
// position up to the first bad move.
func BoardOf(m *domain.Match) rules.Board {
	b, _ := rules.Replay(m.Columns())
	return b
}

func ToDTOMatch(m *domain.Match) *arenadto.Match {
	if m == nil {
		return nil
	}
	out := &arenadto.Match{
		ID:           m.ID,
		TournamentID: m.TournamentID,
		Round:        m.Round,
		Side1:        m.Side1,
		Side2:        m.Side2,
		Status:       string(m.Status),
		Winner:       m.Winner,
		WinnerID:     m.WinnerID(),
		Board:        BoardOf(m).Grid(),
		Moves:        make([]arenadto.Move, len(m.Moves)),
		PauseCount:   m.PauseCount,
		RetryAfter:   m.RetryAfter,
		CostUSD:      m.CostUSD,
		CreatedAt:    m.CreatedAt,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
	}
	if !m.Status.Terminal() {
		out.Turn = m.SideToMove()
		out.Actor = m.Actor(out.Turn)
	}
	for i, mv := range m.Moves {
		out.Moves[i] = arenadto.Move{
			Seq:          mv.Seq,
			Side:         mv.Side,
			Actor:        mv.Actor,
			Column:       mv.Column,
			Reasoning:    mv.Reasoning,
			InputTokens:  mv.InputTokens,
			OutputTokens: mv.OutputTokens,
			DurationMS:   mv.Duration.Milliseconds(),
			IsFallback:   mv.IsFallback,
			CostUSD:      mv.CostUSD,
			CreatedAt:    mv.CreatedAt,
		}
	}
	return out
}

func ToDTOSummaries(ms []*domain.Match) []arenadto.MatchSummary {
	out := make([]arenadto.MatchSummary, 0, len(ms))
	for _, m := range ms {
		s := arenadto.MatchSummary{
			ID:           m.ID,
			TournamentID: m.TournamentID,
			Side1:        m.Side1,
			Side2:        m.Side2,
			Status:       string(m.Status),
			WinnerID:     m.WinnerID(),
			MoveCount:    len(m.Moves),
			RetryAfter:   m.RetryAfter,
			FinishedAt:   m.FinishedAt,
		}
		if !m.Status.Terminal() {
			s.Actor = m.Actor(m.SideToMove())
		}
		out = append(out, s)
	}
	return out
}

func ToDTOLeaderboard(rows []stats.LeaderboardRow, labels Labeler) []arenadto.LeaderboardRow {
	out := make([]arenadto.LeaderboardRow, len(rows))
	for i, r := range rows {
		label := r.Agent
		if labels != nil {
			label = labels.Label(r.Agent)
		}
		out[i] = arenadto.LeaderboardRow{
			Rank:           r.Rank,
			Agent:          r.Agent,
			Label:          label,
			Rating:         r.Rating.Rating,
			Wins:           r.Wins,
			Losses:         r.Losses,
			Draws:          r.Draws,
			MatchesPlayed:  r.MatchesPlayed,
			WinRate:        r.WinRate,
			TokensPerMove:  r.TokensPerMove,
			ThinkMSPerMove: r.ThinkTimePerMove.Milliseconds(),
			CostPerMatch:   r.CostPerMatch,
			FallbackRate:   r.FallbackRate,
			CostUSD:        r.CostUSD,
		}
	}
	return out
}

func ToDTOHistory(hist []*domain.RatingHistory) []arenadto.HistoryPoint {
	out := make([]arenadto.HistoryPoint, len(hist))
	for i, h := range hist {
		out[i] = arenadto.HistoryPoint{Rating: h.Rating, MatchID: h.MatchID, CreatedAt: h.CreatedAt}
	}
	return out
}

func ToDTOMatrix(m stats.Matrix) arenadto.Matrix {
	out := arenadto.Matrix{
		Agents:  append([]string{}, m.Agents...),
		Records: make(map[string]map[string]arenadto.Record, len(m.Records)),
	}
	for a, row := range m.Records {
		r := make(map[string]arenadto.Record, len(row))
		for b, rec := range row {
			r[b] = arenadto.Record{Wins: rec.Wins, Losses: rec.Losses, Draws: rec.Draws}
		}
		out.Records[a] = r
	}
	return out
}

// Availability reports whether a registry model can be called.
type Availability interface {
	Known(id string) bool
}

func ToDTOModels(models []registry.Model, avail Availability) []arenadto.Model {
	out := make([]arenadto.Model, len(models))
	for i, m := range models {
		out[i] = arenadto.Model{
			Key:           m.Key,
			Label:         m.Label,
			Provider:      m.Provider.String(),
			ContextSize:   m.Context,
			InputPerMTok:  m.Pricing.Input,
			OutputPerMTok: m.Pricing.Output,
			Available:     avail != nil && avail.Known(m.Key),
		}
	}
	return out
}
