package arenabuilder

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/park285/connect4-arena/internal/agent"
	"github.com/park285/connect4-arena/internal/archive"
	"github.com/park285/connect4-arena/internal/config"
	"github.com/park285/connect4-arena/internal/httpapi"
	"github.com/park285/connect4-arena/internal/notify"
	"github.com/park285/connect4-arena/internal/obslog"
	"github.com/park285/connect4-arena/internal/rating"
	"github.com/park285/connect4-arena/internal/registry"
	"github.com/park285/connect4-arena/internal/render"
	"github.com/park285/connect4-arena/internal/scheduler"
	"github.com/park285/connect4-arena/internal/session"
	"github.com/park285/connect4-arena/internal/stats"
	"github.com/park285/connect4-arena/internal/store"
)

// Deps is the wired application. Close releases what New opened.
type Deps struct {
	Store     store.Store
	Registry  *registry.Registry
	Agents    *agent.Directory
	Hub       *notify.Hub
	Bridge    *notify.RedisBridge
	Scheduler *scheduler.Scheduler
	Handler   http.Handler

	redis  *redis.Client
	logger *zap.Logger
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (_ *Deps, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger = obslog.Or(logger)
	d := &Deps{logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.Close())
		}
	}()

	reg, err := registry.Load(cfg.ModelsFile)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	d.Registry = reg
	d.Agents, err = agent.NewDirectory(reg, agent.Credentials{
		OpenAI:    cfg.OpenAIKey,
		Anthropic: cfg.AnthropicKey,
		Google:    cfg.GoogleKey,
		DeepSeek:  cfg.DeepSeekKey,
		Mistral:   cfg.MistralKey,
	}, agent.WithTimeout(cfg.AgentTimeout))
	if err != nil {
		return nil, fmt.Errorf("build agents: %w", err)
	}

	ready := []func(context.Context) error{}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("store_in_memory", zap.String("reason", "DATABASE_URL not set"))
		d.Store = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		d.Store = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		ready = append(ready, pg.Ping)
	}

	d.Hub = notify.NewHub(64)
	var pub notify.Publisher = d.Hub
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		d.redis = redis.NewClient(opts)
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		d.Bridge = notify.NewRedisBridge(d.redis, d.Hub, "", logger)
		pub = d.Bridge
		ready = append(ready, func(ctx context.Context) error { return d.redis.Ping(ctx).Err() })
	}

	var arch scheduler.Archiver
	if cfg.Archive.Enabled() {
		s3, err := archive.NewS3(ctx, cfg.Archive, logger)
		if err != nil {
			return nil, err
		}
		arch = s3
	}

	d.Scheduler = scheduler.New(scheduler.Deps{
		Store:     d.Store,
		Agents:    d.Agents,
		Publisher: pub,
		Ratings:   rating.NewEngine(d.Store, rating.WithK(cfg.EloK), rating.WithBaseline(cfg.EloBaseline), rating.WithLogger(logger)),
		Archiver:  arch,
		Pricing:   reg,
		Logger:    logger,
	}, scheduler.Config{
		Session: session.Config{
			AgentTimeout:        cfg.AgentTimeout,
			RateLimitBackoff:    cfg.RateLimitBackoff,
			RateLimitBackoffMax: cfg.RateLimitBackoffMax,
			LeaseTTL:            cfg.LeaseTTL,
			MoveDelay:           cfg.MoveDelay,
		},
		TickInterval:       cfg.TickInterval,
		DefaultConcurrency: cfg.DefaultConcurrency,
	})

	d.Handler = httpapi.NewRouter(httpapi.Deps{
		Scheduler: d.Scheduler,
		Stats:     stats.NewService(d.Store),
		Registry:  reg,
		Agents:    d.Agents,
		Renderer:  render.NewRenderer(64),
		WS: &notify.WSHandler{
			Hub:            d.Hub,
			OriginPatterns: originPatterns(cfg.CORSOrigins),
			Logger:         logger,
		},
		Ready: func(ctx context.Context) error {
			var err error
			for _, fn := range ready {
				err = multierr.Append(err, fn(ctx))
			}
			return err
		},
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	return d, nil
}

// originPatterns turns CORS origins into websocket host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (d *Deps) Close() error {
	return d.Shutdown(context.Background(), 5*time.Second)
}

// Shutdown waits up to grace for running sessions, cancels the rest, then
// closes the backends. Cancelled sessions keep their leases until expiry.
func (d *Deps) Shutdown(ctx context.Context, grace time.Duration) error {
	if d == nil {
		return nil
	}
	var err error
	if d.Scheduler != nil {
		sctx := ctx
		if grace > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, grace)
			defer cancel()
		}
		err = multierr.Append(err, d.Scheduler.Close(sctx))
	}
	if d.redis != nil {
		err = multierr.Append(err, d.redis.Close())
	}
	if d.Store != nil {
		err = multierr.Append(err, d.Store.Close())
	}
	return err
}
