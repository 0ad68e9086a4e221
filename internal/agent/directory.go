package agent

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/park285/connect4-arena/internal/obslog"
	"github.com/park285/connect4-arena/internal/registry"
	"go.uber.org/zap"
)

type Credentials struct {
	OpenAI    string
	Anthropic string
	Google    string
	DeepSeek  string
	Mistral   string
}

func (c Credentials) key(p registry.Provider) string {
	switch p {
	case registry.ProviderOpenAI:
		return c.OpenAI
	case registry.ProviderAnthropic:
		return c.Anthropic
	case registry.ProviderGoogle:
		return c.Google
	case registry.ProviderDeepSeek:
		return c.DeepSeek
	case registry.ProviderMistral:
		return c.Mistral
	default:
		return ""
	}
}

// Directory resolves agent ids to ready-to-call agents. Models whose
// provider lacks credentials are left out so they fail validation early.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]Agent
	labels map[string]string
}

func NewDirectory(reg *registry.Registry, creds Credentials, opts ...Option) (*Directory, error) {
	d := &Directory{agents: make(map[string]Agent), labels: make(map[string]string)}
	if reg == nil {
		return d, nil
	}
	for _, m := range reg.List() {
		a, err := build(m, creds, opts...)
		if err != nil {
			obslog.L().Warn("agent_unavailable",
				zap.String("agent", m.Key),
				zap.String("provider", m.Provider.String()),
				zap.Error(err),
			)
			continue
		}
		d.agents[m.Key] = a
		d.labels[m.Key] = m.Label
	}
	return d, nil
}

func build(m registry.Model, creds Credentials, opts ...Option) (Agent, error) {
	if m.Provider == registry.ProviderRandom {
		return NewRandom(time.Now().UnixNano()), nil
	}
	c, ok := codecFor(m.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownProvider, m.Provider)
	}
	key := strings.TrimSpace(creds.key(m.Provider))
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	base := strings.TrimSpace(m.API.BaseURL)
	if base == "" {
		base = defaultBaseURLs[m.Provider]
	}
	return &httpAgent{
		model:  m,
		client: NewClient(base, opts...),
		codec:  c,
		apiKey: key,
	}, nil
}

// Register installs or replaces an agent under id.
func (d *Directory) Register(id string, a Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[id] = a
	if _, ok := d.labels[id]; !ok {
		d.labels[id] = id
	}
}

func (d *Directory) Agent(id string) (Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

func (d *Directory) Known(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.agents[id]
	return ok
}

func (d *Directory) Label(id string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if l, ok := d.labels[id]; ok {
		return l
	}
	return id
}

// Random plays a uniformly random legal column.
type Random struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandom(seed int64) *Random {
	return &Random{rnd: rand.New(rand.NewSource(seed))}
}

func (r *Random) ProposeMove(ctx context.Context, req MoveRequest) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if len(req.Legal) == 0 {
		return nil, fmt.Errorf("%w: no legal columns", ErrInvalidOutput)
	}
	r.mu.Lock()
	col := req.Legal[r.rnd.Intn(len(req.Legal))]
	r.mu.Unlock()
	return &Proposal{Column: col, Reasoning: "random baseline"}, nil
}
