package domain

import "time"

type TournamentStatus string

const (
	TournamentSetup      TournamentStatus = "SETUP"
	TournamentInProgress TournamentStatus = "IN_PROGRESS"
	TournamentPaused     TournamentStatus = "PAUSED"
	TournamentCompleted  TournamentStatus = "COMPLETED"
	TournamentStopped    TournamentStatus = "STOPPED"
)

func (s TournamentStatus) Terminal() bool {
	return s == TournamentCompleted || s == TournamentStopped
}

type PairingMode string

const (
	ModeRoundRobin PairingMode = "round_robin"
	ModeEvaluation PairingMode = "evaluation"
)

type Tournament struct {
	ID   string
	Slug string
	Name string

	Mode PairingMode
	// Target is set in evaluation mode; Participants then holds the benchmarks.
	Target       string
	Participants []string
	Rounds       int
	Concurrency  int

	Status    TournamentStatus
	Total     int
	Completed int

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (t *Tournament) Clone() *Tournament {
	if t == nil {
		return nil
	}
	c := *t
	c.Participants = append([]string(nil), t.Participants...)
	c.StartedAt = cloneTime(t.StartedAt)
	c.FinishedAt = cloneTime(t.FinishedAt)
	return &c
}
