package arenapresenter

import (
	"fmt"

	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/render"
	"github.com/park285/connect4-arena/internal/rules"
)

// Caption builds the header and footer drawn around a board snapshot.
func Caption(m *domain.Match, labels Labeler) render.Options {
	name := func(id string) string {
		if labels == nil || id == domain.Human {
			return id
		}
		return labels.Label(id)
	}
	opts := render.Options{
		Header:     fmt.Sprintf("%s (X) vs %s (O)", name(m.Side1), name(m.Side2)),
		LastColumn: -1,
	}
	if last := m.LastMove(); last != nil {
		opts.LastColumn = last.Column
	}
	switch m.Status {
	case domain.MatchCompleted:
		opts.Footer = fmt.Sprintf("%s wins in %d moves", name(m.WinnerID()), len(m.Moves))
	case domain.MatchDraw:
		opts.Footer = fmt.Sprintf("draw after %d moves", len(m.Moves))
	case domain.MatchPaused:
		opts.Footer = "paused: rate limited"
	case domain.MatchPending:
		opts.Footer = "waiting to start"
	default:
		side := m.SideToMove()
		opts.Footer = fmt.Sprintf("move %d: %s (%s) to play", len(m.Moves)+1, name(m.Actor(side)), rules.Side(side).Symbol())
	}
	return opts
}
