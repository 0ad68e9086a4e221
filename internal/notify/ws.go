package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/connect4-arena/internal/obslog"
)

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 5 * time.Second
)

// WSHandler streams a match's events to one websocket observer: the current
// snapshot first, then every event published to the hub. Client frames are
// ignored.
type WSHandler struct {
	Hub            *Hub
	OriginPatterns []string
	PingInterval   time.Duration
	Logger         *zap.Logger
}

func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, matchID string, snapshot func(ctx context.Context) (Event, error)) {
	log := obslog.Or(h.Logger)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		log.Warn("ws_accept_failed", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	sub := h.Hub.Subscribe(matchID)
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())

	first, err := snapshot(ctx)
	if err != nil {
		log.Warn("ws_snapshot_failed", zap.String("match_id", matchID), zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "snapshot unavailable")
		return
	}
	if err := write(ctx, conn, first); err != nil {
		return
	}

	interval := h.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Debug("ws_observer_joined", zap.String("match_id", matchID))
	for {
		select {
		case <-ctx.Done():
			log.Debug("ws_observer_left", zap.String("match_id", matchID), zap.Int64("dropped", sub.Dropped()))
			return
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutdown")
				return
			}
			if err := write(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("ws_write_failed", zap.String("match_id", matchID), zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}
