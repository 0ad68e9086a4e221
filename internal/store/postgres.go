package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/park285/connect4-arena/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

func NewPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// EnsureSchema creates missing tables and indexes.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func derefTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func statusStrings[T ~string](set []T) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

// ---- tournaments ----

const tournamentColumns = `id, slug, name, mode, target, participants, rounds, concurrency,
	status, total, completed, created_at, updated_at, started_at, finished_at`

func scanTournament(row rowScanner) (*domain.Tournament, error) {
	var (
		t        domain.Tournament
		mode     string
		status   string
		started  sql.NullTime
		finished sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &mode, &t.Target, pq.Array(&t.Participants),
		&t.Rounds, &t.Concurrency, &status, &t.Total, &t.Completed,
		&t.CreatedAt, &t.UpdatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tournament: %w", err)
	}
	t.Mode = domain.PairingMode(mode)
	t.Status = domain.TournamentStatus(status)
	t.StartedAt = timePtr(started)
	t.FinishedAt = timePtr(finished)
	return &t, nil
}

func (p *Postgres) CreateTournament(ctx context.Context, t *domain.Tournament, matches []*domain.Match) error {
	if t == nil {
		return fmt.Errorf("nil tournament")
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		const q = `INSERT INTO tournaments (` + tournamentColumns + `)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
		_, err := tx.ExecContext(ctx, q,
			t.ID, t.Slug, t.Name, string(t.Mode), t.Target, pq.Array(t.Participants),
			t.Rounds, t.Concurrency, string(t.Status), t.Total, t.Completed,
			t.CreatedAt, t.UpdatedAt, derefTime(t.StartedAt), derefTime(t.FinishedAt))
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert tournament: %w", err)
		}
		for _, m := range matches {
			c := m.Clone()
			c.TournamentID = t.ID
			if err := insertMatch(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) GetTournament(ctx context.Context, id string) (*domain.Tournament, error) {
	return scanTournament(p.db.QueryRowContext(ctx,
		`SELECT `+tournamentColumns+` FROM tournaments WHERE id = $1`, id))
}

func (p *Postgres) ListTournaments(ctx context.Context, statuses ...domain.TournamentStatus) ([]*domain.Tournament, error) {
	q := `SELECT ` + tournamentColumns + ` FROM tournaments`
	args := []any{}
	if len(statuses) > 0 {
		q += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(statusStrings(statuses)))
	}
	q += ` ORDER BY created_at DESC, id DESC`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tournaments: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.Tournament, 0)
	for rows.Next() {
		t, err := scanTournament(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func lockTournament(ctx context.Context, tx *sql.Tx, id string) (*domain.Tournament, error) {
	return scanTournament(tx.QueryRowContext(ctx,
		`SELECT `+tournamentColumns+` FROM tournaments WHERE id = $1 FOR UPDATE`, id))
}

func (p *Postgres) TransitionTournament(ctx context.Context, id string, to domain.TournamentStatus, from ...domain.TournamentStatus) (*domain.Tournament, error) {
	var out *domain.Tournament
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		t, err := lockTournament(ctx, tx, id)
		if err != nil {
			return err
		}
		if !statusIn(t.Status, from) {
			out = t
			return fmt.Errorf("%w: tournament is %s", ErrStatusConflict, t.Status)
		}
		now := time.Now()
		var started, finished sql.NullTime
		if to == domain.TournamentInProgress {
			started = nullTime(now)
		}
		if to.Terminal() {
			finished = nullTime(now)
		}
		out, err = scanTournament(tx.QueryRowContext(ctx, `
			UPDATE tournaments
			   SET status = $2,
			       updated_at = $3,
			       started_at = COALESCE(started_at, $4),
			       finished_at = COALESCE($5, finished_at)
			 WHERE id = $1
			RETURNING `+tournamentColumns,
			id, string(to), now, started, finished))
		return err
	})
	return out, err
}

func (p *Postgres) SetConcurrency(ctx context.Context, id string, concurrency int, allowed ...domain.TournamentStatus) (*domain.Tournament, error) {
	var out *domain.Tournament
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		t, err := lockTournament(ctx, tx, id)
		if err != nil {
			return err
		}
		if !statusIn(t.Status, allowed) {
			out = t
			return fmt.Errorf("%w: tournament is %s", ErrStatusConflict, t.Status)
		}
		out, err = scanTournament(tx.QueryRowContext(ctx, `
			UPDATE tournaments SET concurrency = $2, updated_at = $3
			 WHERE id = $1
			RETURNING `+tournamentColumns,
			id, concurrency, time.Now()))
		return err
	})
	return out, err
}

func (p *Postgres) CompleteTournamentIfDone(ctx context.Context, id string, now time.Time) (bool, error) {
	done := false
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		t, err := lockTournament(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != domain.TournamentInProgress {
			return nil
		}
		var finished, open int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FILTER (WHERE status IN ('COMPLETED', 'DRAW')),
			       COUNT(*) FILTER (WHERE status NOT IN ('COMPLETED', 'DRAW'))
			  FROM matches WHERE tournament_id = $1`, id).Scan(&finished, &open)
		if err != nil {
			return fmt.Errorf("count finished matches: %w", err)
		}
		done = open == 0 && finished >= t.Total
		if done {
			_, err = tx.ExecContext(ctx, `
				UPDATE tournaments
				   SET completed = $2, status = 'COMPLETED', updated_at = $3, finished_at = $3
				 WHERE id = $1`, id, finished, now)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE tournaments SET completed = $2, updated_at = $3 WHERE id = $1`, id, finished, now)
		}
		if err != nil {
			return fmt.Errorf("update tournament progress: %w", err)
		}
		return nil
	})
	return done, err
}

// ---- matches ----

const matchColumns = `id, COALESCE(tournament_id, ''), round, ordinal, side1, side2, status, winner,
	retry_after, pause_count, lease_until, cost_usd, created_at, updated_at, started_at, finished_at`

func scanMatch(row rowScanner) (*domain.Match, error) {
	var (
		m                 domain.Match
		status            string
		retry, lease      sql.NullTime
		started, finished sql.NullTime
	)
	err := row.Scan(&m.ID, &m.TournamentID, &m.Round, &m.Ordinal, &m.Side1, &m.Side2, &status, &m.Winner,
		&retry, &m.PauseCount, &lease, &m.CostUSD, &m.CreatedAt, &m.UpdatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan match: %w", err)
	}
	m.Status = domain.MatchStatus(status)
	m.RetryAfter = timePtr(retry)
	m.LeaseUntil = timePtr(lease)
	m.StartedAt = timePtr(started)
	m.FinishedAt = timePtr(finished)
	return &m, nil
}

func insertMatch(ctx context.Context, tx *sql.Tx, m *domain.Match) error {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	const q = `INSERT INTO matches (
			id, tournament_id, round, ordinal, side1, side2, status, winner,
			retry_after, pause_count, lease_until, cost_usd, created_at, updated_at, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := tx.ExecContext(ctx, q,
		m.ID, nullString(m.TournamentID), m.Round, m.Ordinal, m.Side1, m.Side2, string(m.Status), m.Winner,
		derefTime(m.RetryAfter), m.PauseCount, derefTime(m.LeaseUntil), m.CostUSD,
		m.CreatedAt, m.UpdatedAt, derefTime(m.StartedAt), derefTime(m.FinishedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert match %s: %w", m.ID, err)
	}
	return nil
}

func (p *Postgres) CreateMatch(ctx context.Context, m *domain.Match) error {
	if m == nil {
		return fmt.Errorf("nil match")
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		return insertMatch(ctx, tx, m.Clone())
	})
}

func (p *Postgres) GetMatch(ctx context.Context, id string) (*domain.Match, error) {
	return getMatch(ctx, p.db, id)
}

func getMatch(ctx context.Context, q queryer, id string) (*domain.Match, error) {
	m, err := scanMatch(q.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := loadMoves(ctx, q, []*domain.Match{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func loadMoves(ctx context.Context, q queryer, matches []*domain.Match) error {
	if len(matches) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Match, len(matches))
	ids := make([]string, len(matches))
	for i, m := range matches {
		byID[m.ID] = m
		ids[i] = m.ID
	}
	rows, err := q.QueryContext(ctx, `
		SELECT match_id, seq, side, actor, col, reasoning, input_tokens, output_tokens,
		       duration_ms, is_fallback, cost_usd, created_at
		  FROM moves WHERE match_id = ANY($1)
		 ORDER BY match_id, seq`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("load moves: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			matchID    string
			mv         domain.Move
			durationMS int64
		)
		if err := rows.Scan(&matchID, &mv.Seq, &mv.Side, &mv.Actor, &mv.Column, &mv.Reasoning,
			&mv.InputTokens, &mv.OutputTokens, &durationMS, &mv.IsFallback, &mv.CostUSD, &mv.CreatedAt); err != nil {
			return fmt.Errorf("scan move: %w", err)
		}
		mv.Duration = time.Duration(durationMS) * time.Millisecond
		if m, ok := byID[matchID]; ok {
			m.Moves = append(m.Moves, mv)
		}
	}
	return rows.Err()
}

func (p *Postgres) ListMatches(ctx context.Context, f MatchFilter) ([]*domain.Match, error) {
	var (
		where []string
		args  []any
	)
	if f.TournamentID != "" {
		args = append(args, f.TournamentID)
		where = append(where, fmt.Sprintf("tournament_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		args = append(args, pq.Array(statusStrings(f.Statuses)))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + matchColumns + ` FROM matches`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.NewestFirst {
		q += ` ORDER BY seq DESC`
	} else {
		q += ` ORDER BY round, ordinal, seq`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	out := make([]*domain.Match, 0)
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	if err := loadMoves(ctx, p.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimNextMatch counts active matches under the tournament row lock so
// concurrent schedulers never exceed the concurrency limit. Orphans (expired
// lease) are always claimable, also in paused or stopped tournaments; fresh
// work only while the tournament runs and is below the limit.
func (p *Postgres) ClaimNextMatch(ctx context.Context, req ClaimRequest) (*domain.Match, error) {
	var claimed *domain.Match
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		running := true
		if req.TournamentID != "" {
			t, err := lockTournament(ctx, tx, req.TournamentID)
			if err != nil {
				return err
			}
			if !claimable(t.Status) {
				return nil
			}
			running = t.Status == domain.TournamentInProgress
		}
		scope := nullString(req.TournamentID)

		var active int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM matches
			 WHERE tournament_id IS NOT DISTINCT FROM $1 AND status = 'IN_PROGRESS'`,
			scope).Scan(&active); err != nil {
			return fmt.Errorf("count active matches: %w", err)
		}
		fresh := running && (req.Limit <= 0 || active < req.Limit)

		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM matches
			 WHERE tournament_id IS NOT DISTINCT FROM $1
			   AND ((status = 'IN_PROGRESS' AND lease_until IS NOT NULL AND lease_until < $2)
			        OR ($3 AND (status = 'PENDING'
			                    OR (status = 'PAUSED' AND (retry_after IS NULL OR retry_after <= $2)))))
			 ORDER BY round, ordinal, seq
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`,
			scope, req.Now, fresh).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable match: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE matches
			   SET status = 'IN_PROGRESS', retry_after = NULL, lease_until = $2,
			       started_at = COALESCE(started_at, $3), updated_at = $3
			 WHERE id = $1`, id, req.LeaseUntil, req.Now); err != nil {
			return fmt.Errorf("claim match %s: %w", id, err)
		}
		claimed, err = getMatch(ctx, tx, id)
		return err
	})
	return claimed, err
}

func (p *Postgres) RenewLease(ctx context.Context, id string, until time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE matches SET lease_until = $2 WHERE id = $1 AND status = 'IN_PROGRESS'`, id, until)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return p.affectedOrMissing(ctx, res, id, ErrMatchNotActive)
}

func (p *Postgres) ReleaseLease(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE matches SET lease_until = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return p.affectedOrMissing(ctx, res, id, nil)
}

func (p *Postgres) affectedOrMissing(ctx context.Context, res sql.Result, id string, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return otherwise
}

func (p *Postgres) AppendMove(ctx context.Context, matchID string, mv domain.Move, leaseUntil time.Time) error {
	if mv.CreatedAt.IsZero() {
		mv.CreatedAt = time.Now()
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status string
			count  int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, move_count FROM matches WHERE id = $1 FOR UPDATE`, matchID).Scan(&status, &count)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock match: %w", err)
		}
		if domain.MatchStatus(status) != domain.MatchInProgress {
			return ErrMatchNotActive
		}
		if count != mv.Seq-1 {
			return ErrStaleMove
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO moves (match_id, seq, side, actor, col, reasoning, input_tokens, output_tokens,
			                   duration_ms, is_fallback, cost_usd, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			matchID, mv.Seq, mv.Side, mv.Actor, mv.Column, mv.Reasoning, mv.InputTokens, mv.OutputTokens,
			mv.Duration.Milliseconds(), mv.IsFallback, mv.CostUSD, mv.CreatedAt)
		if isUniqueViolation(err) {
			return ErrStaleMove
		}
		if err != nil {
			return fmt.Errorf("insert move: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE matches
			   SET move_count = move_count + 1,
			       cost_usd = cost_usd + $2,
			       pause_count = 0,
			       lease_until = COALESCE($3, lease_until),
			       updated_at = $4
			 WHERE id = $1`, matchID, mv.CostUSD, nullTime(leaseUntil), mv.CreatedAt)
		if err != nil {
			return fmt.Errorf("advance match: %w", err)
		}
		return nil
	})
}

func (p *Postgres) PauseMatch(ctx context.Context, id string, retryAfter time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE matches
		   SET status = 'PAUSED', retry_after = $2, pause_count = pause_count + 1,
		       lease_until = NULL, updated_at = $3
		 WHERE id = $1 AND status = 'IN_PROGRESS'`, id, retryAfter, time.Now())
	if err != nil {
		return fmt.Errorf("pause match: %w", err)
	}
	return p.affectedOrMissing(ctx, res, id, ErrMatchNotActive)
}

func (p *Postgres) FinishMatch(ctx context.Context, id string, status domain.MatchStatus, winner int, now time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish match with non-terminal status %s", status)
	}
	finished := false
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var tournamentID sql.NullString
		err := tx.QueryRowContext(ctx, `
			UPDATE matches
			   SET status = $2, winner = $3, finished_at = $4, updated_at = $4,
			       lease_until = NULL, retry_after = NULL
			 WHERE id = $1 AND status = 'IN_PROGRESS'
			RETURNING tournament_id`, id, string(status), winner, now).Scan(&tournamentID)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("finish match: %w", err)
		}
		finished = true
		if !tournamentID.Valid {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tournaments SET completed = LEAST(completed + 1, total), updated_at = $2
			 WHERE id = $1`, tournamentID.String, now); err != nil {
			return fmt.Errorf("bump tournament progress: %w", err)
		}
		return nil
	})
	return finished, err
}

func (p *Postgres) ListUnratedMatches(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id FROM matches m
		 WHERE m.status IN ('COMPLETED', 'DRAW')
		   AND m.side1 <> $1 AND m.side2 <> $1
		   AND NOT EXISTS (SELECT 1 FROM rated_matches r WHERE r.match_id = m.id)
		 ORDER BY m.seq
		 LIMIT $2`, domain.Human, limit)
	if err != nil {
		return nil, fmt.Errorf("list unrated matches: %w", err)
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- ratings ----

const ratingColumns = `agent, rating, wins, losses, draws, matches_played, input_tokens, output_tokens,
	cost_usd, moves, fallback_moves, think_time_ms, updated_at`

func scanRating(row rowScanner) (*domain.Rating, error) {
	var (
		r       domain.Rating
		thinkMS int64
	)
	if err := row.Scan(&r.Agent, &r.Rating, &r.Wins, &r.Losses, &r.Draws, &r.MatchesPlayed,
		&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.Moves, &r.FallbackMoves, &thinkMS, &r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan rating: %w", err)
	}
	r.ThinkTime = time.Duration(thinkMS) * time.Millisecond
	return &r, nil
}

// ApplyRating marks the match rated first; a conflicting marker means another
// caller already applied it and nothing else is written.
func (p *Postgres) ApplyRating(ctx context.Context, u RatingUpdate) (bool, error) {
	if u.Apply == nil {
		return false, fmt.Errorf("rating update without apply func")
	}
	applied := false
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var marker string
		err := tx.QueryRowContext(ctx, `
			INSERT INTO rated_matches (match_id, rated_at) VALUES ($1, $2)
			ON CONFLICT (match_id) DO NOTHING
			RETURNING match_id`, u.MatchID, u.At).Scan(&marker)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark match rated: %w", err)
		}

		agents := []string{u.Agents[0], u.Agents[1]}
		sort.Strings(agents)
		for _, a := range agents {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ratings (agent, rating, updated_at) VALUES ($1, $2, $3)
				ON CONFLICT (agent) DO NOTHING`, a, u.Baseline, u.At); err != nil {
				return fmt.Errorf("seed rating %s: %w", a, err)
			}
		}
		rows, err := tx.QueryContext(ctx, `SELECT `+ratingColumns+` FROM ratings
			WHERE agent = ANY($1) ORDER BY agent FOR UPDATE`, pq.Array(agents))
		if err != nil {
			return fmt.Errorf("lock ratings: %w", err)
		}
		byAgent := make(map[string]domain.Rating, 2)
		for rows.Next() {
			r, err := scanRating(rows)
			if err != nil {
				rows.Close()
				return err
			}
			byAgent[r.Agent] = *r
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock ratings: %w", err)
		}

		cur := [2]domain.Rating{byAgent[u.Agents[0]], byAgent[u.Agents[1]]}
		next := u.Apply(cur)
		for i, a := range u.Agents {
			r := next[i]
			if _, err := tx.ExecContext(ctx, `
				UPDATE ratings
				   SET rating = $2, wins = $3, losses = $4, draws = $5, matches_played = $6,
				       input_tokens = $7, output_tokens = $8, cost_usd = $9, moves = $10,
				       fallback_moves = $11, think_time_ms = $12, updated_at = $13
				 WHERE agent = $1`,
				a, r.Rating, r.Wins, r.Losses, r.Draws, r.MatchesPlayed, r.InputTokens, r.OutputTokens,
				r.CostUSD, r.Moves, r.FallbackMoves, r.ThinkTime.Milliseconds(), u.At); err != nil {
				return fmt.Errorf("update rating %s: %w", a, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rating_history (agent, rating, match_id, created_at) VALUES ($1, $2, $3, $4)`,
				a, r.Rating, u.MatchID, u.At); err != nil {
				return fmt.Errorf("append rating history: %w", err)
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

func (p *Postgres) ListRatings(ctx context.Context) ([]*domain.Rating, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+ratingColumns+` FROM ratings ORDER BY rating DESC, agent`)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.Rating, 0)
	for rows.Next() {
		r, err := scanRating(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) RatingHistory(ctx context.Context, agent string, limit int) ([]*domain.RatingHistory, error) {
	q := `SELECT agent, rating, match_id, created_at FROM (
			SELECT id, agent, rating, match_id, created_at FROM rating_history
			 WHERE agent = $1 ORDER BY id DESC`
	args := []any{agent}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	q += `) h ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("rating history: %w", err)
	}
	defer rows.Close()
	out := make([]*domain.RatingHistory, 0)
	for rows.Next() {
		var h domain.RatingHistory
		if err := rows.Scan(&h.Agent, &h.Rating, &h.MatchID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rating history: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
