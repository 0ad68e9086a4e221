package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/park285/connect4-arena/internal/agent"
	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/notify"
	"github.com/park285/connect4-arena/internal/obslog"
	"github.com/park285/connect4-arena/internal/rating"
	"github.com/park285/connect4-arena/internal/session"
	"github.com/park285/connect4-arena/internal/store"
)

var (
	ErrInvalidConfig     = errors.New("invalid tournament config")
	ErrInvalidTransition = errors.New("invalid tournament transition")
	ErrInvalidMatch      = errors.New("invalid match")
	ErrNotRecoverable    = errors.New("match is not recoverable")
)

// AgentSource resolves and validates agent ids.
type AgentSource interface {
	Agent(id string) (agent.Agent, error)
	Known(id string) bool
}

// Archiver stores finished matches outside the primary store.
type Archiver interface {
	Archive(ctx context.Context, m *domain.Match) error
}

type Deps struct {
	Store     store.Store
	Agents    AgentSource
	Publisher notify.Publisher
	Ratings   *rating.Engine
	Archiver  Archiver
	Pricing   session.Pricing
	Logger    *zap.Logger
}

type Config struct {
	Session            session.Config
	TickInterval       time.Duration
	DefaultConcurrency int
	// BackfillLimit bounds how many unrated matches Run repairs at start.
	BackfillLimit int
}

type CreateRequest struct {
	Name         string
	Mode         domain.PairingMode
	Target       string
	Participants []string
	Rounds       int
	Concurrency  int
}

type Scheduler struct {
	store    store.Store
	agents   AgentSource
	ratings  *rating.Engine
	archiver Archiver
	runner   *session.Runner
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	wake chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu sync.Mutex
	// running maps a match id to whether another pass was requested while its
	// session was still on the way out.
	running map[string]bool
}

func New(d Deps, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 4
	}
	if cfg.BackfillLimit <= 0 {
		cfg.BackfillLimit = 500
	}
	s := &Scheduler{
		store:    d.Store,
		agents:   d.Agents,
		ratings:  d.Ratings,
		archiver: d.Archiver,
		cfg:      cfg,
		logger:   obslog.Or(d.Logger).With(zap.String("component", "scheduler")),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		running:  make(map[string]bool),
	}
	if s.ratings == nil {
		s.ratings = rating.NewEngine(d.Store, rating.WithLogger(d.Logger))
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	opts := []session.Option{session.OnFinish(s.matchFinished), session.WithLogger(d.Logger)}
	if d.Pricing != nil {
		opts = append(opts, session.WithPricing(d.Pricing))
	}
	s.runner = session.NewRunner(d.Store, d.Agents, d.Publisher, cfg.Session, opts...)
	s.cfg.Session = s.runner.Config()
	return s
}

// ---- tournament lifecycle ----

func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*domain.Tournament, error) {
	mode := req.Mode
	if mode == "" {
		mode = domain.ModeRoundRobin
	}
	if mode != domain.ModeRoundRobin && mode != domain.ModeEvaluation {
		return nil, fmt.Errorf("%w: unknown pairing mode %q", ErrInvalidConfig, mode)
	}
	rounds := req.Rounds
	if rounds == 0 {
		rounds = 1
	}
	if rounds < 1 {
		return nil, fmt.Errorf("%w: rounds must be at least 1", ErrInvalidConfig)
	}
	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = s.cfg.DefaultConcurrency
	}
	if concurrency < 1 {
		return nil, fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidConfig)
	}

	participants, err := s.cleanParticipants(req.Participants)
	if err != nil {
		return nil, err
	}
	target := strings.TrimSpace(req.Target)
	switch mode {
	case domain.ModeRoundRobin:
		if len(participants) < 2 {
			return nil, fmt.Errorf("%w: round robin needs at least two participants", ErrInvalidConfig)
		}
		target = ""
	case domain.ModeEvaluation:
		if target == "" {
			return nil, fmt.Errorf("%w: evaluation needs a target", ErrInvalidConfig)
		}
		if !s.agents.Known(target) {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrInvalidConfig, target)
		}
		filtered := participants[:0]
		for _, p := range participants {
			if p != target {
				filtered = append(filtered, p)
			}
		}
		participants = filtered
		if len(participants) < 1 {
			return nil, fmt.Errorf("%w: evaluation needs at least one benchmark", ErrInvalidConfig)
		}
	}

	now := s.now()
	id := uuid.NewString()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Tournament " + now.UTC().Format("2006-01-02 15:04")
	}
	t := &domain.Tournament{
		ID:           id,
		Slug:         slug.Make(name) + "-" + id[:8],
		Name:         name,
		Mode:         mode,
		Target:       target,
		Participants: participants,
		Rounds:       rounds,
		Concurrency:  concurrency,
		Status:       domain.TournamentSetup,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	pairings := pairingsFor(mode, target, participants, rounds)
	matches := make([]*domain.Match, len(pairings))
	for i, p := range pairings {
		matches[i] = &domain.Match{
			ID:           uuid.NewString(),
			TournamentID: id,
			Round:        p.Round,
			Ordinal:      i,
			Side1:        p.Side1,
			Side2:        p.Side2,
			Status:       domain.MatchPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	t.Total = len(matches)

	if err := s.store.CreateTournament(ctx, t, matches); err != nil {
		return nil, fmt.Errorf("create tournament: %w", err)
	}
	s.logger.Info("tournament_created",
		zap.String("tournament_id", t.ID),
		zap.String("mode", string(mode)),
		zap.Int("participants", len(participants)),
		zap.Int("total", t.Total),
		zap.Int("concurrency", concurrency),
	)
	return t, nil
}

func (s *Scheduler) cleanParticipants(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		p := strings.TrimSpace(raw)
		if p == "" || seen[p] {
			continue
		}
		if p == domain.Human {
			return nil, fmt.Errorf("%w: humans cannot enter tournaments", ErrInvalidConfig)
		}
		if !s.agents.Known(p) {
			return nil, fmt.Errorf("%w: unknown agent %q", ErrInvalidConfig, p)
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

func (s *Scheduler) transition(ctx context.Context, id string, to domain.TournamentStatus, from ...domain.TournamentStatus) (*domain.Tournament, error) {
	t, err := s.store.TransitionTournament(ctx, id, to, from...)
	if errors.Is(err, store.ErrStatusConflict) {
		return t, fmt.Errorf("%w: cannot move to %s: %v", ErrInvalidTransition, to, err)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("tournament_"+strings.ToLower(string(to)), zap.String("tournament_id", id))
	return t, nil
}

func (s *Scheduler) Start(ctx context.Context, id string) (*domain.Tournament, error) {
	t, err := s.transition(ctx, id, domain.TournamentInProgress, domain.TournamentSetup)
	if err == nil {
		s.Wake()
	}
	return t, err
}

// Pause stops claiming new matches; matches already running finish.
func (s *Scheduler) Pause(ctx context.Context, id string) (*domain.Tournament, error) {
	return s.transition(ctx, id, domain.TournamentPaused, domain.TournamentInProgress)
}

func (s *Scheduler) Resume(ctx context.Context, id string) (*domain.Tournament, error) {
	t, err := s.transition(ctx, id, domain.TournamentInProgress, domain.TournamentPaused)
	if err == nil {
		s.Wake()
	}
	return t, err
}

// Stop is terminal: running matches finish, pending ones stay pending.
func (s *Scheduler) Stop(ctx context.Context, id string) (*domain.Tournament, error) {
	return s.transition(ctx, id, domain.TournamentStopped,
		domain.TournamentSetup, domain.TournamentInProgress, domain.TournamentPaused)
}

// UpdateConfig resizes the worker pool of a tournament that is not running.
func (s *Scheduler) UpdateConfig(ctx context.Context, id string, concurrency int) (*domain.Tournament, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidConfig)
	}
	t, err := s.store.SetConcurrency(ctx, id, concurrency, domain.TournamentSetup, domain.TournamentPaused)
	if errors.Is(err, store.ErrStatusConflict) {
		return t, fmt.Errorf("%w: pause the tournament before resizing: %v", ErrInvalidTransition, err)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("tournament_concurrency", zap.String("tournament_id", id), zap.Int("concurrency", concurrency))
	return t, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*domain.Tournament, error) {
	return s.store.GetTournament(ctx, id)
}

// Current returns the newest tournament that is not terminal, or nil.
func (s *Scheduler) Current(ctx context.Context) (*domain.Tournament, error) {
	list, err := s.store.ListTournaments(ctx,
		domain.TournamentInProgress, domain.TournamentPaused, domain.TournamentSetup)
	if err != nil {
		return nil, err
	}
	for _, st := range []domain.TournamentStatus{domain.TournamentInProgress, domain.TournamentPaused, domain.TournamentSetup} {
		for _, t := range list {
			if t.Status == st {
				return t, nil
			}
		}
	}
	return nil, nil
}

// ---- matches ----

func (s *Scheduler) ActiveMatches(ctx context.Context) ([]*domain.Match, error) {
	return s.store.ListMatches(ctx, store.MatchFilter{
		Statuses: []domain.MatchStatus{domain.MatchInProgress, domain.MatchPaused},
	})
}

// PendingHuman lists matches waiting on a human move.
func (s *Scheduler) PendingHuman(ctx context.Context) ([]*domain.Match, error) {
	active, err := s.store.ListMatches(ctx, store.MatchFilter{
		Statuses: []domain.MatchStatus{domain.MatchInProgress},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Match, 0)
	for _, m := range active {
		if m.Actor(m.SideToMove()) == domain.Human {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Scheduler) Match(ctx context.Context, id string) (*domain.Match, error) {
	return s.store.GetMatch(ctx, id)
}

// CreateMatch starts a standalone match right away.
func (s *Scheduler) CreateMatch(ctx context.Context, side1, side2 string) (*domain.Match, error) {
	side1, side2 = strings.TrimSpace(side1), strings.TrimSpace(side2)
	for _, side := range []string{side1, side2} {
		if side != domain.Human && !s.agents.Known(side) {
			return nil, fmt.Errorf("%w: unknown side %q", ErrInvalidMatch, side)
		}
	}
	if side1 == side2 && side1 != domain.Human {
		return nil, fmt.Errorf("%w: an agent cannot play itself", ErrInvalidMatch)
	}
	now := s.now()
	lease := now.Add(s.cfg.Session.LeaseTTL)
	m := &domain.Match{
		ID:         uuid.NewString(),
		Side1:      side1,
		Side2:      side2,
		Status:     domain.MatchInProgress,
		LeaseUntil: &lease,
		CreatedAt:  now,
		UpdatedAt:  now,
		StartedAt:  &now,
	}
	if err := s.store.CreateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}
	s.logger.Info("match_created", zap.String("match_id", m.ID), zap.String("side1", side1), zap.String("side2", side2))
	s.launch(m.ID)
	return m, nil
}

// HumanMove applies a human move and hands the turn back to the agent side.
// The move is stored together with a lease, so if this process dies before the
// session starts the tick re-claims the match once the lease lapses.
func (s *Scheduler) HumanMove(ctx context.Context, matchID string, col int) (*domain.Match, error) {
	m, err := s.runner.HumanMove(ctx, matchID, col)
	if err != nil {
		return m, err
	}
	if m.Status == domain.MatchInProgress && m.Actor(m.SideToMove()) != domain.Human {
		s.launch(m.ID)
	}
	return m, nil
}

// Recover restarts the session of an in-progress match that nothing in this
// process is driving, e.g. after a crash of another worker.
func (s *Scheduler) Recover(ctx context.Context, matchID string) (*domain.Match, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MatchInProgress || m.Actor(m.SideToMove()) == domain.Human || s.isRunning(m.ID) {
		return m, ErrNotRecoverable
	}
	if err := s.store.RenewLease(ctx, m.ID, s.now().Add(s.cfg.Session.LeaseTTL)); err != nil {
		return m, err
	}
	s.logger.Info("match_recover", zap.String("match_id", m.ID))
	s.launch(m.ID)
	return m, nil
}

func (s *Scheduler) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// launch runs the match session on its own goroutine unless one is already
// running in this process, in which case that goroutine makes one more pass.
func (s *Scheduler) launch(matchID string) bool {
	s.mu.Lock()
	if _, ok := s.running[matchID]; ok {
		s.running[matchID] = true
		s.mu.Unlock()
		return false
	}
	s.running[matchID] = false
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.Wake()
		for {
			res, err := s.runner.Run(s.baseCtx, matchID)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				s.logger.Error("match_session_failed", zap.String("match_id", matchID), zap.Error(err))
			case err == nil:
				s.logger.Debug("match_session_ended", zap.String("match_id", matchID), zap.Stringer("result", res))
			}
			s.mu.Lock()
			again := s.running[matchID] && s.baseCtx.Err() == nil
			if !again {
				delete(s.running, matchID)
			} else {
				s.running[matchID] = false
			}
			s.mu.Unlock()
			if !again {
				return
			}
		}
	}()
	return true
}

func (s *Scheduler) matchFinished(ctx context.Context, m *domain.Match) {
	if m.AgentsOnly() {
		if _, err := s.ratings.ApplyMatch(ctx, m); err != nil {
			s.logger.Error("rating_failed", zap.String("match_id", m.ID), zap.Error(err))
		}
	}
	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, m); err != nil {
			s.logger.Warn("archive_failed", zap.String("match_id", m.ID), zap.Error(err))
		}
	}
	if m.TournamentID != "" {
		s.completeIfDone(ctx, m.TournamentID)
	}
}

func (s *Scheduler) completeIfDone(ctx context.Context, id string) {
	done, err := s.store.CompleteTournamentIfDone(ctx, id, s.now())
	if err != nil {
		s.logger.Error("tournament_complete_check_failed", zap.String("tournament_id", id), zap.Error(err))
		return
	}
	if done {
		s.logger.Info("tournament_complete", zap.String("tournament_id", id))
	}
}

// ---- dispatch ----

// Wake asks the dispatch loop for an early tick.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Tick claims every dispatchable match and launches its session. Claims are
// bounded per tournament by the store, which counts IN_PROGRESS matches under
// the tournament lock. Paused and stopped tournaments are scanned too: they
// hand out only matches whose worker lost its lease, so those still finish.
// A failing scope is logged and skipped; the first such error is returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	tournaments, err := s.store.ListTournaments(ctx,
		domain.TournamentInProgress, domain.TournamentPaused, domain.TournamentStopped)
	if err != nil {
		return fmt.Errorf("list tournaments: %w", err)
	}
	var first error
	fail := func(err error, fields ...zap.Field) {
		s.logger.Error("scheduler_drain_failed", append(fields, zap.Error(err))...)
		if first == nil {
			first = err
		}
	}
	launched := 0
	for _, t := range tournaments {
		n, err := s.drain(ctx, t.ID, t.Concurrency)
		launched += n
		if err != nil {
			fail(err, zap.String("tournament_id", t.ID))
		}
		if t.Status == domain.TournamentInProgress {
			s.completeIfDone(ctx, t.ID)
		}
	}
	n, err := s.drain(ctx, "", 0)
	launched += n
	if err != nil {
		fail(err, zap.String("tournament_id", ""))
	}
	if launched > 0 {
		s.logger.Debug("scheduler_tick", zap.Int("launched", launched))
	}
	return first
}

func (s *Scheduler) drain(ctx context.Context, tournamentID string, limit int) (int, error) {
	launched := 0
	for {
		now := s.now()
		m, err := s.store.ClaimNextMatch(ctx, store.ClaimRequest{
			TournamentID: tournamentID,
			Limit:        limit,
			Now:          now,
			LeaseUntil:   now.Add(s.cfg.Session.LeaseTTL),
		})
		if err != nil {
			return launched, fmt.Errorf("claim match: %w", err)
		}
		if m == nil {
			return launched, nil
		}
		s.logger.Info("match_claimed",
			zap.String("match_id", m.ID),
			zap.String("tournament_id", tournamentID),
			zap.String("side1", m.Side1),
			zap.String("side2", m.Side2),
		)
		if s.launch(m.ID) {
			launched++
		}
	}
}

// recoverOnStart repairs state left by a previous process: it re-rates
// finished matches missing ratings and reports paused tournaments.
// In-progress tournaments resume on the next tick.
func (s *Scheduler) recoverOnStart(ctx context.Context) {
	if n, err := s.ratings.Backfill(ctx, s.cfg.BackfillLimit); err != nil {
		s.logger.Error("rating_backfill_failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("rating_backfill_done", zap.Int("applied", n))
	}
	list, err := s.store.ListTournaments(ctx, domain.TournamentInProgress, domain.TournamentPaused)
	if err != nil {
		s.logger.Error("recovery_scan_failed", zap.Error(err))
		return
	}
	for _, t := range list {
		s.logger.Info("tournament_recovered",
			zap.String("tournament_id", t.ID),
			zap.String("status", string(t.Status)),
			zap.Int("completed", t.Completed),
			zap.Int("total", t.Total),
		)
	}
}

// Run drives the dispatch loop until ctx ends. A gocron duration job supplies
// the periodic tick; finished sessions wake the loop early.
func (s *Scheduler) Run(ctx context.Context) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create cron: %w", err)
	}
	if _, err := cron.NewJob(
		gocron.DurationJob(s.cfg.TickInterval),
		gocron.NewTask(s.Wake),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	cron.Start()
	defer func() {
		if err := cron.Shutdown(); err != nil {
			s.logger.Warn("cron_shutdown_failed", zap.Error(err))
		}
	}()

	s.recoverOnStart(ctx)
	s.Wake()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler_tick_failed", zap.Error(err))
			}
		}
	}
}

// Close waits for running sessions until ctx ends, then cancels them. Their
// leases lapse and another process re-claims the matches.
func (s *Scheduler) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.cancelBase()
		<-done
		return ctx.Err()
	}
}
