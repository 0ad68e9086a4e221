package scheduler

import "github.com/park285/connect4-arena/internal/domain"

type Pairing struct {
	Round int
	Side1 string
	Side2 string
}

// RoundRobin pairs every ordered pair of distinct participants once per
// round, so each unordered pair meets twice with sides swapped.
func RoundRobin(participants []string, rounds int) []Pairing {
	n := len(participants)
	out := make([]Pairing, 0, n*(n-1)*rounds)
	for r := 1; r <= rounds; r++ {
		for i, a := range participants {
			for j, b := range participants {
				if i == j {
					continue
				}
				out = append(out, Pairing{Round: r, Side1: a, Side2: b})
			}
		}
	}
	return out
}

// Evaluation plays target against each benchmark twice per round, once on
// each side.
func Evaluation(target string, benchmarks []string, rounds int) []Pairing {
	out := make([]Pairing, 0, 2*len(benchmarks)*rounds)
	for r := 1; r <= rounds; r++ {
		for _, b := range benchmarks {
			out = append(out,
				Pairing{Round: r, Side1: target, Side2: b},
				Pairing{Round: r, Side1: b, Side2: target},
			)
		}
	}
	return out
}

func pairingsFor(mode domain.PairingMode, target string, participants []string, rounds int) []Pairing {
	if mode == domain.ModeEvaluation {
		return Evaluation(target, participants, rounds)
	}
	return RoundRobin(participants, rounds)
}
