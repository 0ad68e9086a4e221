package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/park285/connect4-arena/internal/rules"
)

const systemTemplate = `You are an expert Connect Four player engine.
You are Player %d (Symbol: %s).
Opponent is Player %d (Symbol: %s).
Board: %d Rows x %d Columns.
Goal: Connect 4 pieces in a row (Horizontal, Vertical, Diagonal).
Gravity: Pieces fall to the lowest empty slot.
Reply with a single JSON object: {"reasoning": "<step by step>", "column": <integer>}.`

const userTemplate = `Board (Visual):
%s

Board (Textual):
%s

Valid Columns: %s

Analyze the board state carefully. Output valid JSON.`

func buildPrompt(req MoveRequest) (system, user string) {
	side := req.Side
	system = fmt.Sprintf(systemTemplate,
		int(side), side.Symbol(),
		int(side.Opponent()), side.Opponent().Symbol(),
		rules.Rows, rules.Cols)
	legal, _ := json.Marshal(req.Legal)
	user = fmt.Sprintf(userTemplate, req.Board.Visual(), req.Board.Describe(), string(legal))
	return system, user
}

type decision struct {
	Reasoning string `json:"reasoning"`
	Column    *int   `json:"column"`
}

// parseDecision extracts the JSON object from a completion and validates the
// column against legal.
func parseDecision(text string, legal []int) (decision, error) {
	raw := strings.TrimSpace(text)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return decision{}, fmt.Errorf("%w: no json object in completion", ErrInvalidOutput)
	}
	var d decision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &d); err != nil {
		return decision{}, fmt.Errorf("%w: decode decision: %v", ErrInvalidOutput, err)
	}
	if d.Column == nil {
		return decision{}, fmt.Errorf("%w: column missing", ErrInvalidOutput)
	}
	for _, c := range legal {
		if c == *d.Column {
			return d, nil
		}
	}
	return decision{}, fmt.Errorf("%w: column %d not in %v", ErrInvalidOutput, *d.Column, legal)
}
