package arenadto

import "time"

type Tournament struct {
	ID           string     `json:"id"`
	Slug         string     `json:"slug"`
	Name         string     `json:"name"`
	Mode         string     `json:"mode"`
	Target       string     `json:"target,omitempty"`
	Participants []string   `json:"participants"`
	Rounds       int        `json:"rounds"`
	Concurrency  int        `json:"concurrency"`
	Status       string     `json:"status"`
	Total        int        `json:"total"`
	Completed    int        `json:"completed"`
	Progress     float64    `json:"progress"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type CreateTournamentRequest struct {
	Name         string   `json:"name"`
	Mode         string   `json:"mode"`
	Target       string   `json:"target"`
	Participants []string `json:"participants"`
	Rounds       int      `json:"rounds"`
	Concurrency  int      `json:"concurrency"`
}

type UpdateConfigRequest struct {
	Concurrency int `json:"concurrency"`
}
