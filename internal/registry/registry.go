package registry

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultFiles embed.FS

var ErrUnknownProvider = errors.New("unknown provider")

// Provider is the closed set of agent backends. Resolved once at load.
type Provider int

const (
	ProviderUnknown Provider = iota
	ProviderOpenAI
	ProviderAnthropic
	ProviderGoogle
	ProviderDeepSeek
	ProviderMistral
	ProviderRandom
)

var providerNames = map[Provider]string{
	ProviderOpenAI:    "openai",
	ProviderAnthropic: "anthropic",
	ProviderGoogle:    "google",
	ProviderDeepSeek:  "deepseek",
	ProviderMistral:   "mistral",
	ProviderRandom:    "random",
}

func (p Provider) String() string {
	if n, ok := providerNames[p]; ok {
		return n
	}
	return "unknown"
}

func ParseProvider(s string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for p, n := range providerNames {
		if n == key {
			return p, nil
		}
	}
	return ProviderUnknown, fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

func (p *Provider) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseProvider(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Pricing is USD per million tokens.
type Pricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type APIConfig struct {
	BaseURL     string   `yaml:"base_url"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type Model struct {
	Key      string    `yaml:"-"`
	Provider Provider  `yaml:"provider"`
	Label    string    `yaml:"label"`
	Context  int       `yaml:"context"`
	Pricing  Pricing   `yaml:"pricing"`
	ModelID  string    `yaml:"model_id"`
	API      APIConfig `yaml:"api_config"`
}

// APIModel is the identifier sent to the provider.
func (m Model) APIModel() string {
	if id := strings.TrimSpace(m.ModelID); id != "" {
		return id
	}
	return m.Key
}

func (m Model) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*m.Pricing.Input + float64(outputTokens)*m.Pricing.Output) / 1_000_000
}

type Registry struct {
	models map[string]Model
	keys   []string
}

type file struct {
	Models map[string]Model `yaml:"models"`
}

// Load reads path, or the embedded defaults when path is empty.
func Load(path string) (*Registry, error) {
	var (
		raw []byte
		err error
	)
	if strings.TrimSpace(path) == "" {
		raw, err = fs.ReadFile(defaultFiles, "models.yaml")
		if err != nil {
			return nil, fmt.Errorf("read embedded models: %w", err)
		}
	} else {
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read models file: %w", err)
		}
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse models: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, errors.New("models file defines no models")
	}
	r := &Registry{models: make(map[string]Model, len(f.Models))}
	for key, m := range f.Models {
		key = strings.TrimSpace(key)
		if key == "" || strings.EqualFold(key, "human") {
			return nil, fmt.Errorf("invalid model key %q", key)
		}
		if m.Provider == ProviderUnknown {
			return nil, fmt.Errorf("model %s: provider is required", key)
		}
		if m.Pricing.Input < 0 || m.Pricing.Output < 0 {
			return nil, fmt.Errorf("model %s: negative pricing", key)
		}
		m.Key = key
		if strings.TrimSpace(m.Label) == "" {
			m.Label = key
		}
		r.models[key] = m
		r.keys = append(r.keys, key)
	}
	sort.Strings(r.keys)
	return r, nil
}

func (r *Registry) Get(key string) (Model, bool) {
	if r == nil {
		return Model{}, false
	}
	m, ok := r.models[key]
	return m, ok
}

func (r *Registry) Known(key string) bool {
	_, ok := r.Get(key)
	return ok
}

func (r *Registry) List() []Model {
	if r == nil {
		return nil
	}
	out := make([]Model, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.models[k])
	}
	return out
}

// Cost prices a move for agent; unknown agents and humans cost nothing.
func (r *Registry) Cost(agent string, inputTokens, outputTokens int) float64 {
	m, ok := r.Get(agent)
	if !ok {
		return 0
	}
	return m.Cost(inputTokens, outputTokens)
}
