// Package agent answers user prompts with an LLM. It keeps a bounded
// conversation history per user and hides the provider behind a small
// interface; OpenAI and Anthropic are supported.
package agent

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Provider names accepted in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// DefaultSystemPrompt frames replies for a phone screen.
const DefaultSystemPrompt = "You are a helpful assistant chatting over WhatsApp. " +
	"Reply conversationally and keep answers short enough to read comfortably on a phone. " +
	"Plain text only, no markdown."

const (
	defaultMaxTokens  = 2048
	defaultMaxHistory = 20
	defaultAttempts   = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// Reply is one completed agent response.
type Reply struct {
	Text  string
	Model string
}

// Agent produces a reply to a user prompt. Implementations keep per-user
// conversation state keyed by userID.
type Agent interface {
	Interact(ctx context.Context, userID, prompt string) (*Reply, error)
}

// Config selects and tunes the provider.
type Config struct {
	Provider     string        `mapstructure:"provider" yaml:"provider"`
	Model        string        `mapstructure:"model" yaml:"model"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	SystemPrompt string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	MaxTokens    int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	MaxHistory   int           `mapstructure:"max_history" yaml:"max_history"`
	Attempts     int           `mapstructure:"attempts" yaml:"attempts"`
	RetryDelay   time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = defaultMaxHistory
	}
	if c.Attempts <= 0 {
		c.Attempts = defaultAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// New builds the configured provider. Anthropic is the default.
func New(config Config) (Agent, error) {
	config = config.withDefaults()
	switch strings.ToLower(config.Provider) {
	case ProviderOpenAI:
		return newOpenAIAgent(config)
	case "", ProviderAnthropic:
		return newAnthropicAgent(config)
	default:
		return nil, errors.Errorf("unknown agent provider: %q", config.Provider)
	}
}
