package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/connect4-arena/internal/agent"
	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/notify"
	"github.com/park285/connect4-arena/internal/obslog"
	"github.com/park285/connect4-arena/internal/rules"
	"github.com/park285/connect4-arena/internal/store"
)

var (
	ErrNotHumanTurn = errors.New("not a human turn")
)

// Result says why Run returned.
type Result int

const (
	ResultFinished Result = iota + 1
	ResultPaused
	ResultAwaitingHuman
	// ResultAbandoned: the match left IN_PROGRESS under us or ctx ended.
	ResultAbandoned
)

func (r Result) String() string {
	switch r {
	case ResultFinished:
		return "finished"
	case ResultPaused:
		return "paused"
	case ResultAwaitingHuman:
		return "awaiting_human"
	case ResultAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

type Agents interface {
	Agent(id string) (agent.Agent, error)
}

type Pricing interface {
	Cost(agent string, inputTokens, outputTokens int) float64
}

// FinishFunc runs once per match, for the caller that performed the
// IN_PROGRESS -> terminal transition.
type FinishFunc func(ctx context.Context, m *domain.Match)

type Config struct {
	AgentTimeout        time.Duration
	RateLimitBackoff    time.Duration
	RateLimitBackoffMax time.Duration
	LeaseTTL            time.Duration
	MoveDelay           time.Duration
}

func (c Config) withDefaults() Config {
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 60 * time.Second
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 10 * time.Minute
	}
	if c.RateLimitBackoffMax < c.RateLimitBackoff {
		c.RateLimitBackoffMax = c.RateLimitBackoff
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 3 * c.AgentTimeout
	}
	return c
}

type Option func(*Runner)

func WithPricing(p Pricing) Option { return func(r *Runner) { r.pricing = p } }

func WithLogger(l *zap.Logger) Option { return func(r *Runner) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func WithSeed(seed int64) Option {
	return func(r *Runner) { r.rnd = rand.New(rand.NewSource(seed)) }
}

func OnFinish(fn FinishFunc) Option {
	return func(r *Runner) { r.onFinish = append(r.onFinish, fn) }
}

// Runner drives matches. It keeps no per-match state: every Run starts from
// the persisted move log, so any process can pick a match up.
type Runner struct {
	store    store.Store
	agents   Agents
	pub      notify.Publisher
	pricing  Pricing
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	onFinish []FinishFunc

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewRunner(st store.Store, agents Agents, pub notify.Publisher, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		store:  st,
		agents: agents,
		pub:    pub,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(r)
	}
	if r.pub == nil {
		r.pub = notify.Discard{}
	}
	r.logger = obslog.Or(r.logger).With(zap.String("component", "session"))
	return r
}

func (r *Runner) Config() Config { return r.cfg }

// Run plays the match until it finishes, pauses, waits for a human or is
// taken away. The caller must hold the match's lease.
func (r *Runner) Run(ctx context.Context, matchID string) (Result, error) {
	m, err := r.store.GetMatch(ctx, matchID)
	if err != nil {
		return ResultAbandoned, fmt.Errorf("load match %s: %w", matchID, err)
	}
	log := r.logger.With(zap.String("match_id", m.ID))

	for {
		if m.Status != domain.MatchInProgress {
			return ResultAbandoned, nil
		}
		if err := ctx.Err(); err != nil {
			return ResultAbandoned, err
		}

		board, err := rules.Replay(m.Columns())
		if err != nil {
			log.Error("match_log_corrupt", zap.Error(err))
			return ResultAbandoned, err
		}
		if board.Outcome().Terminal() {
			// A previous owner persisted the final move but never finished.
			r.finish(ctx, m, board.Outcome())
			return ResultFinished, nil
		}

		side := board.SideToMove()
		actor := m.Actor(int(side))
		if actor == domain.Human {
			if err := r.store.ReleaseLease(ctx, m.ID); err != nil {
				log.Warn("lease_release_failed", zap.Error(err))
			}
			return ResultAwaitingHuman, nil
		}

		if err := r.store.RenewLease(ctx, m.ID, r.now().Add(r.cfg.LeaseTTL)); err != nil {
			if errors.Is(err, store.ErrMatchNotActive) {
				return ResultAbandoned, nil
			}
			return ResultAbandoned, err
		}

		prop, fallback, err := r.ask(ctx, m, board, side, actor)
		var rl *agent.RateLimitedError
		switch {
		case errors.As(err, &rl):
			return r.pause(ctx, m, actor, rl)
		case errors.Is(err, agent.ErrRateLimited):
			return r.pause(ctx, m, actor, &agent.RateLimitedError{Detail: err.Error()})
		case errors.Is(err, store.ErrMatchNotActive):
			return ResultAbandoned, nil
		case err != nil:
			return ResultAbandoned, err
		}

		mv := domain.Move{
			Seq:          len(m.Moves) + 1,
			Side:         int(side),
			Actor:        actor,
			Column:       prop.Column,
			Reasoning:    prop.Reasoning,
			InputTokens:  prop.InputTokens,
			OutputTokens: prop.OutputTokens,
			Duration:     prop.Duration,
			IsFallback:   fallback,
			CreatedAt:    r.now(),
		}
		if r.pricing != nil {
			mv.CostUSD = r.pricing.Cost(actor, prop.InputTokens, prop.OutputTokens)
		}

		next, _, err := board.Apply(mv.Column, side)
		if err != nil {
			return ResultAbandoned, fmt.Errorf("apply proposal: %w", err)
		}
		if err := r.store.AppendMove(ctx, m.ID, mv, r.now().Add(r.cfg.LeaseTTL)); err != nil {
			switch {
			case errors.Is(err, store.ErrStaleMove):
				log.Info("match_move_stale", zap.Int("seq", mv.Seq))
				if m, err = r.store.GetMatch(ctx, m.ID); err != nil {
					return ResultAbandoned, err
				}
				continue
			case errors.Is(err, store.ErrMatchNotActive):
				return ResultAbandoned, nil
			default:
				return ResultAbandoned, fmt.Errorf("persist move: %w", err)
			}
		}
		m.Moves = append(m.Moves, mv)
		m.CostUSD += mv.CostUSD
		m.PauseCount = 0
		log.Info("match_move",
			zap.Int("seq", mv.Seq),
			zap.String("actor", actor),
			zap.Int("column", mv.Column),
			zap.Bool("fallback", mv.IsFallback),
			zap.Duration("duration", mv.Duration),
		)
		r.pub.Publish(ctx, notify.Snapshot(m))

		if next.Outcome().Terminal() {
			r.finish(ctx, m, next.Outcome())
			return ResultFinished, nil
		}
		if r.cfg.MoveDelay > 0 {
			select {
			case <-ctx.Done():
				return ResultAbandoned, ctx.Err()
			case <-time.After(r.cfg.MoveDelay):
			}
		}
	}
}

// ask obtains a move from the agent: one retry on timeout or invalid output,
// then a random legal column flagged as fallback. Rate limits are returned.
func (r *Runner) ask(ctx context.Context, m *domain.Match, board rules.Board, side rules.Side, actor string) (*agent.Proposal, bool, error) {
	log := r.logger.With(zap.String("match_id", m.ID), zap.String("actor", actor))
	legal := board.LegalColumns()

	a, err := r.agents.Agent(actor)
	if err != nil {
		log.Warn("agent_unresolved", zap.Error(err))
		return r.fallback(legal), true, nil
	}

	r.pub.Publish(ctx, notify.Event{Type: notify.EventThinkingStart, MatchID: m.ID, Turn: int(side), Status: string(m.Status), Actor: actor, At: r.now()})
	defer func() {
		r.pub.Publish(ctx, notify.Event{Type: notify.EventThinkingEnd, MatchID: m.ID, Turn: int(side), Status: string(m.Status), Actor: actor, At: r.now()})
	}()

	req := agent.MoveRequest{Board: board, Side: side, Legal: legal}
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			if err := r.store.RenewLease(ctx, m.ID, r.now().Add(r.cfg.LeaseTTL)); err != nil {
				return nil, false, err
			}
		}
		start := r.now()
		actx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
		p, err := a.ProposeMove(actx, req)
		cancel()
		if err == nil && !board.CanPlay(p.Column) {
			err = fmt.Errorf("%w: column %d not playable", agent.ErrInvalidOutput, p.Column)
		}
		if err == nil {
			if p.Duration <= 0 {
				p.Duration = r.now().Sub(start)
			}
			return p, false, nil
		}
		if errors.Is(err, agent.ErrRateLimited) {
			return nil, false, err
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		log.Warn("agent_move_failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	log.Warn("agent_fallback_move")
	return r.fallback(legal), true, nil
}

func (r *Runner) fallback(legal []int) *agent.Proposal {
	r.rndMu.Lock()
	col := legal[r.rnd.Intn(len(legal))]
	r.rndMu.Unlock()
	return &agent.Proposal{Column: col, Reasoning: "fallback: agent failed to answer"}
}

// Backoff is the pause length when the provider gave no hint: base doubled
// per consecutive pause, capped.
func (c Config) Backoff(pauseCount int) time.Duration {
	d := c.RateLimitBackoff
	for i := 0; i < pauseCount && d < c.RateLimitBackoffMax; i++ {
		d *= 2
	}
	if d > c.RateLimitBackoffMax {
		d = c.RateLimitBackoffMax
	}
	return d
}

func (r *Runner) pause(ctx context.Context, m *domain.Match, actor string, rl *agent.RateLimitedError) (Result, error) {
	wait := rl.RetryAfter
	if wait <= 0 {
		wait = r.cfg.Backoff(m.PauseCount)
	}
	until := r.now().Add(wait)
	if err := r.store.PauseMatch(ctx, m.ID, until); err != nil {
		if errors.Is(err, store.ErrMatchNotActive) {
			return ResultAbandoned, nil
		}
		return ResultAbandoned, fmt.Errorf("pause match: %w", err)
	}
	m.Status = domain.MatchPaused
	m.RetryAfter = &until
	m.PauseCount++
	r.logger.Warn("match_paused",
		zap.String("match_id", m.ID),
		zap.String("actor", actor),
		zap.Duration("retry_in", wait),
		zap.Int("pause_count", m.PauseCount),
	)
	r.pub.Publish(ctx, notify.Snapshot(m))
	return ResultPaused, nil
}

func (r *Runner) finish(ctx context.Context, m *domain.Match, out rules.Outcome) {
	if m.Status.Terminal() {
		return
	}
	status, winner := domain.MatchDraw, 0
	if out.State == rules.Win {
		status, winner = domain.MatchCompleted, int(out.Winner)
	}
	now := r.now()
	ok, err := r.store.FinishMatch(ctx, m.ID, status, winner, now)
	if err != nil {
		r.logger.Error("match_finish_failed", zap.String("match_id", m.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	m.Status = status
	m.Winner = winner
	m.FinishedAt = &now
	m.LeaseUntil = nil
	r.logger.Info("match_finished",
		zap.String("match_id", m.ID),
		zap.String("status", string(status)),
		zap.String("winner", m.WinnerID()),
		zap.Int("moves", len(m.Moves)),
	)
	r.pub.Publish(ctx, notify.Snapshot(m))
	for _, fn := range r.onFinish {
		fn(ctx, m.Clone())
	}
}

// HumanMove applies a move for the human side to move. Invalid columns are
// rejected without touching the store.
func (r *Runner) HumanMove(ctx context.Context, matchID string, col int) (*domain.Match, error) {
	m, err := r.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MatchInProgress {
		return m, store.ErrMatchNotActive
	}
	board, err := rules.Replay(m.Columns())
	if err != nil {
		return m, err
	}
	side := board.SideToMove()
	if m.Actor(int(side)) != domain.Human {
		return m, ErrNotHumanTurn
	}
	next, _, err := board.Apply(col, side)
	if err != nil {
		return m, err
	}
	mv := domain.Move{
		Seq:       len(m.Moves) + 1,
		Side:      int(side),
		Actor:     domain.Human,
		Column:    col,
		CreatedAt: r.now(),
	}
	// An agent reply is owed: lease the match so it becomes an orphan, not a
	// dead row, when nobody in this process drives it.
	var lease time.Time
	if !next.Outcome().Terminal() && m.Actor(int(next.SideToMove())) != domain.Human {
		lease = r.now().Add(r.cfg.LeaseTTL)
	}
	if err := r.store.AppendMove(ctx, m.ID, mv, lease); err != nil {
		return m, err
	}
	m.Moves = append(m.Moves, mv)
	if !lease.IsZero() {
		m.LeaseUntil = &lease
	}
	r.logger.Info("match_move",
		zap.String("match_id", m.ID),
		zap.Int("seq", mv.Seq),
		zap.String("actor", domain.Human),
		zap.Int("column", col),
	)
	r.pub.Publish(ctx, notify.Snapshot(m))
	if next.Outcome().Terminal() {
		r.finish(ctx, m, next.Outcome())
	}
	return m, nil
}
