package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/connect4-arena/internal/domain"
)

func recv(t *testing.T, c <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-c:
		if !ok {
			t.Fatalf("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestHub_RoutesByMatchAndDropsWhenFull(t *testing.T) {
	h := NewHub(1)
	a := h.Subscribe("m1")
	b := h.Subscribe("m2")
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	h.Publish(context.Background(), Event{Type: EventUpdate, MatchID: "m1", Turn: 2})
	h.Publish(context.Background(), Event{Type: EventUpdate, MatchID: "m1", Turn: 1})

	if ev := recv(t, a.C); ev.Turn != 2 {
		t.Fatalf("turn = %d", ev.Turn)
	}
	if a.Dropped() != 1 {
		t.Fatalf("dropped = %d", a.Dropped())
	}
	select {
	case ev := <-b.C:
		t.Fatalf("m2 observer got %+v", ev)
	default:
	}
}

func TestSubscription_CloseDetaches(t *testing.T) {
	h := NewHub(4)
	s := h.Subscribe("m1")
	if h.Subscribers("m1") != 1 {
		t.Fatalf("subscribers = %d", h.Subscribers("m1"))
	}
	s.Close()
	s.Close()
	if h.Subscribers("m1") != 0 {
		t.Fatalf("subscribers after close = %d", h.Subscribers("m1"))
	}
	if _, ok := <-s.C; ok {
		t.Fatalf("channel still open")
	}
	h.Publish(context.Background(), Event{MatchID: "m1"})
}

func TestSnapshot_ReplaysBoard(t *testing.T) {
	m := &domain.Match{
		ID:     "m1",
		Status: domain.MatchInProgress,
		Moves: []domain.Move{
			{Seq: 1, Side: 1, Actor: "a", Column: 3},
			{Seq: 2, Side: 2, Actor: "b", Column: 3, IsFallback: true},
		},
	}
	ev := Snapshot(m)
	if ev.Turn != 1 || ev.Status != "IN_PROGRESS" {
		t.Fatalf("snapshot = %+v", ev)
	}
	if ev.Board[5][3] != 1 || ev.Board[4][3] != 2 {
		t.Fatalf("board bottom rows = %v %v", ev.Board[4], ev.Board[5])
	}
	if ev.LastMove == nil || ev.LastMove.Seq != 2 || !ev.LastMove.IsFallback {
		t.Fatalf("last move = %+v", ev.LastMove)
	}
}

func TestRedisBridge_CrossProcessDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	newBridge := func() (*RedisBridge, *Hub) {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		hub := NewHub(8)
		return NewRedisBridge(rdb, hub, "test:events", nil), hub
	}
	left, leftHub := newBridge()
	right, rightHub := newBridge()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, b := range []*RedisBridge{left, right} {
		go func(b *RedisBridge) { _ = b.Run(ctx) }(b)
		select {
		case <-b.Ready():
		case <-time.After(2 * time.Second):
			t.Fatalf("bridge never subscribed")
		}
	}

	local := leftHub.Subscribe("m1")
	remote := rightHub.Subscribe("m1")
	t.Cleanup(local.Close)
	t.Cleanup(remote.Close)

	left.Publish(ctx, Event{Type: EventThinkingStart, MatchID: "m1", Actor: "gpt-4o"})

	if ev := recv(t, remote.C); ev.Type != EventThinkingStart || ev.Actor != "gpt-4o" {
		t.Fatalf("remote event = %+v", ev)
	}
	if ev := recv(t, local.C); ev.Type != EventThinkingStart {
		t.Fatalf("local event = %+v", ev)
	}
	select {
	case ev := <-local.C:
		t.Fatalf("local observer got a duplicate %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWSHandler_SnapshotThenEvents(t *testing.T) {
	hub := NewHub(8)
	h := &WSHandler{Hub: hub}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "m1", func(context.Context) (Event, error) {
			return Event{Type: EventUpdate, MatchID: "m1", Turn: 1, Status: "IN_PROGRESS"}, nil
		})
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first Event
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != EventUpdate || first.Status != "IN_PROGRESS" {
		t.Fatalf("snapshot = %+v", first)
	}

	hub.Publish(ctx, Event{Type: EventThinkingEnd, MatchID: "m1", Actor: "claude"})
	var next Event
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if next.Type != EventThinkingEnd || next.Actor != "claude" {
		t.Fatalf("event = %+v", next)
	}
}
