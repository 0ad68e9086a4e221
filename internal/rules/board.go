package rules

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Rows    = 6
	Cols    = 7
	connect = 4
)

var ErrInvalidMove = errors.New("invalid move")

// Side occupies a cell. Side One always moves first.
type Side uint8

const (
	Empty Side = iota
	One
	Two
)

func (s Side) Opponent() Side {
	switch s {
	case One:
		return Two
	case Two:
		return One
	default:
		return Empty
	}
}

func (s Side) Symbol() string {
	switch s {
	case One:
		return "X"
	case Two:
		return "O"
	default:
		return "."
	}
}

func (s Side) String() string {
	switch s {
	case One:
		return "P1"
	case Two:
		return "P2"
	default:
		return "empty"
	}
}

type State uint8

const (
	Ongoing State = iota
	Win
	Draw
)

type Outcome struct {
	State  State
	Winner Side
}

func (o Outcome) Terminal() bool { return o.State != Ongoing }

// Placement is the cell filled by the last applied move. Row 0 is the top row.
type Placement struct {
	Row  int
	Col  int
	Side Side
}

// Board is a value type; Apply never mutates the receiver.
// cells are stored bottom-up so heights double as the next free row.
type Board struct {
	cells   [Rows][Cols]Side
	heights [Cols]int
	moves   int
	outcome Outcome
}

func NewBoard() Board { return Board{} }

func (b Board) Moves() int { return b.moves }

func (b Board) Outcome() Outcome { return b.outcome }

func (b Board) SideToMove() Side {
	if b.moves%2 == 0 {
		return One
	}
	return Two
}

// At reports the occupant of (row, col) with row 0 at the top.
func (b Board) At(row, col int) Side {
	if row < 0 || row >= Rows || col < 0 || col >= Cols {
		return Empty
	}
	return b.cells[Rows-1-row][col]
}

func (b Board) CanPlay(col int) bool {
	return col >= 0 && col < Cols && b.heights[col] < Rows && !b.outcome.Terminal()
}

func (b Board) LegalColumns() []int {
	if b.outcome.Terminal() {
		return nil
	}
	out := make([]int, 0, Cols)
	for c := 0; c < Cols; c++ {
		if b.heights[c] < Rows {
			out = append(out, c)
		}
	}
	return out
}

// Apply drops a piece for side into col.
func (b Board) Apply(col int, side Side) (Board, Placement, error) {
	if col < 0 || col >= Cols {
		return b, Placement{}, fmt.Errorf("%w: column %d out of range", ErrInvalidMove, col)
	}
	if b.outcome.Terminal() {
		return b, Placement{}, fmt.Errorf("%w: game is over", ErrInvalidMove)
	}
	if side != b.SideToMove() {
		return b, Placement{}, fmt.Errorf("%w: not %s's turn", ErrInvalidMove, side)
	}
	h := b.heights[col]
	if h >= Rows {
		return b, Placement{}, fmt.Errorf("%w: column %d is full", ErrInvalidMove, col)
	}

	next := b
	next.cells[h][col] = side
	next.heights[col] = h + 1
	next.moves++
	p := Placement{Row: Rows - 1 - h, Col: col, Side: side}
	next.outcome = CheckTerminal(next, p)
	return next, p, nil
}

var directions = [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}

// CheckTerminal evaluates the board after p was placed, scanning only the
// lines through p.
func CheckTerminal(b Board, p Placement) Outcome {
	side := b.At(p.Row, p.Col)
	if side != Empty {
		for _, d := range directions {
			n := 1 + b.run(p.Row, p.Col, d[0], d[1], side) + b.run(p.Row, p.Col, -d[0], -d[1], side)
			if n >= connect {
				return Outcome{State: Win, Winner: side}
			}
		}
	}
	if b.moves >= Rows*Cols {
		return Outcome{State: Draw}
	}
	return Outcome{State: Ongoing}
}

func (b Board) run(row, col, dr, dc int, side Side) int {
	n := 0
	for i := 1; i < connect; i++ {
		r, c := row+dr*i, col+dc*i
		if r < 0 || r >= Rows || c < 0 || c >= Cols || b.At(r, c) != side {
			break
		}
		n++
	}
	return n
}

// ScanTerminal rescans the whole board. Slower than CheckTerminal but needs
// no placement.
func ScanTerminal(b Board) Outcome {
	for r := 0; r < Rows; r++ {
		for c := 0; c < Cols; c++ {
			side := b.At(r, c)
			if side == Empty {
				continue
			}
			for _, d := range directions {
				if 1+b.run(r, c, d[0], d[1], side) >= connect {
					return Outcome{State: Win, Winner: side}
				}
			}
		}
	}
	if b.moves >= Rows*Cols {
		return Outcome{State: Draw}
	}
	return Outcome{State: Ongoing}
}

// Replay rebuilds a board from a column log, sides alternating from One.
func Replay(cols []int) (Board, error) {
	b := NewBoard()
	for i, col := range cols {
		next, _, err := b.Apply(col, b.SideToMove())
		if err != nil {
			return b, fmt.Errorf("replay move %d: %w", i+1, err)
		}
		b = next
	}
	return b, nil
}

// Grid returns rows top to bottom with 0 for empty, 1 and 2 for the sides.
func (b Board) Grid() [][]int {
	out := make([][]int, Rows)
	for r := 0; r < Rows; r++ {
		row := make([]int, Cols)
		for c := 0; c < Cols; c++ {
			row[c] = int(b.At(r, c))
		}
		out[r] = row
	}
	return out
}

func (b Board) Visual() string {
	var sb strings.Builder
	sb.WriteString(" ")
	for c := 0; c < Cols; c++ {
		if c > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%d", c)
	}
	for r := 0; r < Rows; r++ {
		sb.WriteString("\n|")
		for c := 0; c < Cols; c++ {
			sb.WriteString(b.At(r, c).Symbol())
			sb.WriteString("|")
		}
	}
	return sb.String()
}

// Describe lists each column bottom to top, e.g. "Column 3: P1, P2".
func (b Board) Describe() string {
	lines := make([]string, 0, Cols)
	for c := 0; c < Cols; c++ {
		pieces := make([]string, 0, b.heights[c])
		for h := 0; h < b.heights[c]; h++ {
			pieces = append(pieces, b.cells[h][c].String())
		}
		desc := "Empty"
		if len(pieces) > 0 {
			desc = strings.Join(pieces, ", ")
		}
		lines = append(lines, fmt.Sprintf("Column %d: %s", c, desc))
	}
	return strings.Join(lines, "\n")
}
