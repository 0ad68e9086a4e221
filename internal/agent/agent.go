package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/connect4-arena/internal/rules"
)

var (
	ErrTimeout         = errors.New("agent timeout")
	ErrInvalidOutput   = errors.New("agent invalid output")
	ErrRateLimited     = errors.New("agent rate limited")
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrMissingAPIKey   = errors.New("missing api key")
	errEmptyCompletion = errors.New("empty completion")
)

// Agent chooses a column for the side to move. The deadline travels in ctx.
type Agent interface {
	ProposeMove(ctx context.Context, req MoveRequest) (*Proposal, error)
}

type MoveRequest struct {
	Board rules.Board
	Side  rules.Side
	Legal []int
}

type Proposal struct {
	Column       int
	Reasoning    string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// RateLimitedError carries the provider's requested wait, zero when unknown.
type RateLimitedError struct {
	RetryAfter time.Duration
	Detail     string
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("agent rate limited (retry after %s): %s", e.RetryAfter, e.Detail)
	}
	return "agent rate limited: " + e.Detail
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

var rateLimitSignatures = []string{
	"429",
	"rate_limit",
	"rate limit",
	"throttled",
	"quota exceeded",
	"resource_exhausted",
	"too many requests",
}

func looksRateLimited(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range rateLimitSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Retryable reports whether the session should try the agent again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrInvalidOutput)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, req MoveRequest) (*Proposal, error)

func (f Func) ProposeMove(ctx context.Context, req MoveRequest) (*Proposal, error) {
	return f(ctx, req)
}
