package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/park285/connect4-arena/internal/agent"
	"github.com/park285/connect4-arena/internal/notify"
	"github.com/park285/connect4-arena/internal/obslog"
	"github.com/park285/connect4-arena/internal/registry"
	"github.com/park285/connect4-arena/internal/render"
	"github.com/park285/connect4-arena/internal/scheduler"
	"github.com/park285/connect4-arena/internal/stats"
)

type Deps struct {
	Scheduler *scheduler.Scheduler
	Stats     *stats.Service
	Registry  *registry.Registry
	Agents    *agent.Directory
	Renderer  *render.Renderer
	WS        *notify.WSHandler
	// Ready reports backend health for /healthz; nil means always ready.
	Ready       func(ctx context.Context) error
	CORSOrigins []string
	Logger      *zap.Logger
}

type api struct {
	Deps
	logger *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.Renderer == nil {
		d.Renderer = render.NewRenderer(0)
	}
	a := &api{Deps: d, logger: obslog.Or(d.Logger).With(zap.String("component", "http"))}

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.healthz)
	r.Get("/models", a.listModels)

	r.Route("/tournaments", func(r chi.Router) {
		r.Post("/", a.createTournament)
		r.Get("/current", a.currentTournament)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getTournament)
			r.Post("/start", a.control(a.Scheduler.Start))
			r.Post("/pause", a.control(a.Scheduler.Pause))
			r.Post("/resume", a.control(a.Scheduler.Resume))
			r.Post("/stop", a.control(a.Scheduler.Stop))
			r.Patch("/config", a.updateConfig)
		})
	})

	r.Route("/matches", func(r chi.Router) {
		r.Post("/", a.createMatch)
		r.Get("/active", a.activeMatches)
		r.Get("/pending-human", a.pendingHuman)
		r.Get("/history", a.matchHistory)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getMatch)
			r.Post("/moves", a.humanMove)
			r.Post("/recover", a.recoverMatch)
			r.Get("/board.png", a.boardPNG)
			r.Get("/ws", a.watch)
		})
	})

	r.Route("/stats", func(r chi.Router) {
		r.Get("/leaderboard", a.leaderboard)
		r.Get("/history", a.ratingHistory)
		r.Get("/matrix", a.matrix)
	})
	return r
}

// accessLog writes one zap line per request, tagged with chi's request id.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("http_request", fields...)
				return
			}
			logger.Debug("http_request", fields...)
		})
	}
}
