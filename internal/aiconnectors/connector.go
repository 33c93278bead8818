package aiconnectors

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/agentfeed/internal/store"
)

// Provider represents an AI provider type
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderCohere Provider = "cohere"
	ProviderOllama Provider = "ollama"
)

var ErrNoProvider = errors.New("no completion provider configured")

// ConnectorOptions contains options for creating a connector
type ConnectorOptions struct {
	Provider    Provider             `json:"provider"`
	APIKey      string               `json:"api_key"`
	BaseURL     string               `json:"base_url,omitempty"`
	Model       string               `json:"model"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens"`
	Source      store.ProviderSource `json:"source"`
}

// Connector wraps a langchaingo model together with its funding source so
// callers know whether completions are metered against platform credit.
type Connector struct {
	provider Provider
	llm      llms.Model
	options  ConnectorOptions
}

// NewConnector creates a new connector for the specified provider
func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.Model).
		Str("source", string(options.Source)).
		Msg("Creating new connector")

	switch options.Provider {
	case ProviderOpenAI:
		model, err = createOpenAIModel(ctx, options)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, options)
	case ProviderClaude:
		model, err = createAnthropicModel(ctx, options)
	case ProviderCohere:
		model, err = createCohereModel(ctx, options)
	case ProviderOllama:
		model, err = createOllamaModel(ctx, options)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return &Connector{
		provider: options.Provider,
		llm:      model,
		options:  options,
	}, nil
}

// Source reports whether the connector is platform-funded or user-supplied.
func (c *Connector) Source() store.ProviderSource { return c.options.Source }

// Complete sends a system instruction plus a user prompt and returns the
// generated text together with the reported token usage.
func (c *Connector) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, int, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, userPrompt),
	}

	callOptions := []llms.CallOption{
		llms.WithTemperature(temperature),
	}
	if maxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(maxTokens))
	}
	if c.provider == ProviderGemini && c.options.Model != "" {
		callOptions = append(callOptions, llms.WithModel(c.options.Model))
	}

	resp, err := c.llm.GenerateContent(ctx, messages, callOptions...)
	if err != nil {
		return "", 0, fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("completion returned no choices")
	}

	choice := resp.Choices[0]
	tokens := tokensFromGenerationInfo(choice.GenerationInfo)
	if tokens == 0 {
		// Provider did not report usage; estimate at ~4 chars per token.
		tokens = (len(systemPrompt) + len(userPrompt) + len(choice.Content)) / 4
	}
	return choice.Content, tokens, nil
}

func tokensFromGenerationInfo(info map[string]any) int {
	if info == nil {
		return 0
	}
	for _, key := range []string{"TotalTokens", "total_tokens"} {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	total := 0
	for _, key := range []string{"PromptTokens", "CompletionTokens", "input_tokens", "output_tokens"} {
		switch v := info[key].(type) {
		case int:
			total += v
		case int64:
			total += int(v)
		case float64:
			total += int(v)
		}
	}
	return total
}

func createOpenAIModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.Model),
		openai.WithToken(options.APIKey),
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func createGeminiModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	model, err := googleai.New(ctx, googleai.WithAPIKey(options.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return model, nil
}

func createAnthropicModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	return anthropic.New(
		anthropic.WithToken(options.APIKey),
		anthropic.WithModel(options.Model),
	)
}

func createCohereModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []cohere.Option{
		cohere.WithToken(options.APIKey),
		cohere.WithModel(options.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, cohere.WithBaseURL(options.BaseURL))
	}
	return cohere.New(opts...)
}

func createOllamaModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	if options.BaseURL == "" {
		options.BaseURL = "http://localhost:11434"
	}
	return ollama.New(
		ollama.WithServerURL(options.BaseURL),
		ollama.WithModel(options.Model),
	)
}
