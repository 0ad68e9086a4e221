package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/connect4-arena/internal/notify"
	"github.com/park285/connect4-arena/pkg/arenadto"
)

// arenacheck probes a running arena: health, the current tournament and,
// when ARENA_WATCH_MATCH is set, that match's live stream for a short window.
func main() {
	baseURL := strings.TrimRight(os.Getenv("ARENA_BASE_URL"), "/")
	matchID := strings.TrimSpace(os.Getenv("ARENA_WATCH_MATCH"))
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	client := &fasthttp.Client{ReadTimeout: 8 * time.Second, WriteTimeout: 8 * time.Second}

	code, body, err := client.GetTimeout(nil, baseURL+"/healthz", 5*time.Second)
	if err != nil {
		log.Fatalf("/healthz error: %v", err)
	}
	log.Printf("/healthz %d %s", code, strings.TrimSpace(string(body)))

	code, body, err = client.GetTimeout(nil, baseURL+"/tournaments/current", 5*time.Second)
	switch {
	case err != nil:
		log.Printf("/tournaments/current error: %v", err)
	case code == fasthttp.StatusNoContent:
		log.Println("no active tournament")
	default:
		var t arenadto.Tournament
		if err := json.Unmarshal(body, &t); err != nil {
			log.Printf("/tournaments/current decode error: %v", err)
		} else {
			log.Printf("tournament %s status=%s progress=%d/%d concurrency=%d", t.Name, t.Status, t.Completed, t.Total, t.Concurrency)
		}
	}

	if matchID == "" {
		log.Println("ARENA_WATCH_MATCH not set; skipping stream check")
		return
	}

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/matches/" + matchID + "/ws"
	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	conn, _, err := websocket.Dial(cctx, wsURL, nil)
	if err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Observe for a short window
	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()
	for {
		var ev notify.Event
		if err := wsjson.Read(wctx, conn, &ev); err != nil {
			return
		}
		last := ""
		if ev.LastMove != nil {
			last = fmt.Sprintf(" last=%s@%d", ev.LastMove.Actor, ev.LastMove.Column)
		}
		fmt.Printf("WS %s match=%s status=%s turn=%d%s\n", ev.Type, ev.MatchID, ev.Status, ev.Turn, last)
	}
}
