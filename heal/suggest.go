package heal

import (
	"context"
	"log/slog"
	"time"
)

// Candidate is one repair candidate returned by a suggestion generator,
// ranked by confidence.
type Candidate struct {
	Locator    string  `json:"locator"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Suggester produces ranked repair candidates for a failed locator.
// An empty slice with a nil error means "no usable suggestion".
type Suggester interface {
	Suggest(ctx context.Context, c Context) ([]Candidate, error)
}

// Config configures the suggestion generator client.
type Config struct {
	// Endpoint is the base URL of an OpenAI-compatible chat completions
	// server. Empty = healing runs with a noop suggester (every heal
	// attempt exhausts immediately).
	Endpoint string `yaml:"endpoint"`

	APIKey string `yaml:"api_key"`

	// Model name sent in the request. Default: "gpt-4o-mini".
	Model string `yaml:"model"`

	// Timeout bounds one suggestion call. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewSuggester builds a Suggester from config. An empty endpoint yields the
// noop implementation so the engine degrades to plain replay without healing
// infrastructure.
func NewSuggester(cfg Config) Suggester {
	cfg.defaults()
	if cfg.Endpoint == "" {
		cfg.Logger.Info("heal: no suggester endpoint configured, healing disabled")
		return noopSuggester{}
	}
	return newOpenAIClient(cfg)
}

// noopSuggester never has candidates.
type noopSuggester struct{}

func (noopSuggester) Suggest(context.Context, Context) ([]Candidate, error) {
	return nil, nil
}
