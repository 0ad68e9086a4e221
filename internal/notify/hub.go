package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/rules"
)

type EventType string

const (
	EventUpdate        EventType = "UPDATE"
	EventThinkingStart EventType = "THINKING_START"
	EventThinkingEnd   EventType = "THINKING_END"
)

// Event is what live observers receive. Board is top row first.
type Event struct {
	Type     EventType `json:"type"`
	MatchID  string    `json:"match_id"`
	Board    [][]int   `json:"board,omitempty"`
	Turn     int       `json:"turn"`
	Status   string    `json:"status"`
	Winner   int       `json:"winner,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	LastMove *LastMove `json:"last_move,omitempty"`
	At       time.Time `json:"at"`
}

type LastMove struct {
	Seq        int    `json:"seq"`
	Side       int    `json:"side"`
	Actor      string `json:"actor"`
	Column     int    `json:"column"`
	Reasoning  string `json:"reasoning,omitempty"`
	IsFallback bool   `json:"is_fallback"`
}

// Publisher delivers events best effort; it never blocks on slow observers.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Snapshot builds an UPDATE event from a persisted match by replaying its log.
func Snapshot(m *domain.Match) Event {
	ev := Event{
		Type:    EventUpdate,
		MatchID: m.ID,
		Turn:    m.SideToMove(),
		Status:  string(m.Status),
		Winner:  m.Winner,
		At:      time.Now(),
	}
	if b, err := rules.Replay(m.Columns()); err == nil {
		ev.Board = b.Grid()
	}
	if mv := m.LastMove(); mv != nil {
		ev.LastMove = &LastMove{
			Seq:        mv.Seq,
			Side:       mv.Side,
			Actor:      mv.Actor,
			Column:     mv.Column,
			Reasoning:  mv.Reasoning,
			IsFallback: mv.IsFallback,
		}
	}
	return ev
}

// Hub is a registry of observers keyed by match id. Each process (or test)
// owns its own Hub.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

type Subscription struct {
	C <-chan Event

	ch      chan Event
	matchID string
	hub     *Hub
	once    sync.Once
	dropped atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

func (h *Hub) Subscribe(matchID string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, matchID: matchID, hub: h}
	h.mu.Lock()
	set, ok := h.subs[matchID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[matchID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.matchID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.matchID)
			}
		}
		close(s.ch)
		h.mu.Unlock()
	})
}

// Dropped counts events discarded because the subscriber lagged.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[ev.MatchID] {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[matchID])
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
