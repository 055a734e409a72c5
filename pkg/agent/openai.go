package agent

import (
	"context"
	"os"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/logger"
	"github.com/warelay/warelay/pkg/telemetry"
)

const defaultOpenAIModel = "gpt-4.1"

type openaiAgent struct {
	client  *openai.Client
	config  Config
	history *history
}

func newOpenAIAgent(config Config) (*openaiAgent, error) {
	if config.Model == "" {
		config.Model = defaultOpenAIModel
	}
	client, err := newOpenAIClient(config)
	if err != nil {
		return nil, err
	}
	return &openaiAgent{
		client:  client,
		config:  config,
		history: newHistory(config.MaxHistory),
	}, nil
}

func newOpenAIClient(config Config) (*openai.Client, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig), nil
}

func (a *openaiAgent) Interact(ctx context.Context, userID, prompt string) (*Reply, error) {
	ctx, span := telemetry.StartSpan(ctx, "agent.interact",
		attribute.String("provider", ProviderOpenAI),
		attribute.String("model", a.config.Model),
	)
	defer span.End()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: a.config.SystemPrompt},
	}
	for _, ex := range a.history.snapshot(userID) {
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ex.Prompt},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: ex.Response},
		)
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	request := openai.ChatCompletionRequest{
		Model:     a.config.Model,
		Messages:  messages,
		MaxTokens: a.config.MaxTokens,
	}

	var response openai.ChatCompletionResponse
	err := retry.Do(
		func() error {
			var apiErr error
			response, apiErr = a.client.CreateChatCompletion(ctx, request)
			return apiErr
		},
		openaiRetryOptions(ctx, a.config, "chat completion")...,
	)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, errors.Wrap(err, "calling OpenAI")
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("OpenAI returned no choices")
	}
	text := strings.TrimSpace(response.Choices[0].Message.Content)
	if text == "" {
		return nil, errors.New("OpenAI returned an empty reply")
	}

	a.history.record(userID, prompt, text)
	return &Reply{Text: text, Model: response.Model}, nil
}

func openaiRetryOptions(ctx context.Context, config Config, op string) []retry.Option {
	return []retry.Option{
		retry.RetryIf(isRetryableOpenAIError),
		retry.Attempts(uint(config.Attempts)),
		retry.Delay(config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithFields(map[string]any{
				"attempt":      n + 1,
				"max_attempts": config.Attempts,
			}).Warn("retrying OpenAI " + op)
		}),
	}
}

func isRetryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		statusCode := apiErr.HTTPStatusCode
		return statusCode == 429 || (statusCode >= 500 && statusCode < 600)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Transport-level failures: connection refused, resets, DNS.
	return true
}
