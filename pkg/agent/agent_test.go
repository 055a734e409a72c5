package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(Config{Provider: "mystery"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent provider")
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := New(Config{Provider: ProviderOpenAI})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	_, err = New(Config{Provider: ProviderAnthropic})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func chatCompletionResponse(text string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-4.1",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": %q}}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
	}`, text)
}

func newOpenAITestAgent(t *testing.T, handler http.HandlerFunc) Agent {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(Config{
		Provider:   ProviderOpenAI,
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		RetryDelay: 1,
	})
	require.NoError(t, err)
	return a
}

func TestOpenAIAgent_InteractKeepsHistory(t *testing.T) {
	var requests []openai.ChatCompletionRequest
	a := newOpenAITestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)
		fmt.Fprint(w, chatCompletionResponse(fmt.Sprintf("reply %d", len(requests))))
	})

	ctx := context.Background()
	reply, err := a.Interact(ctx, "user-1", "first question")
	require.NoError(t, err)
	assert.Equal(t, "reply 1", reply.Text)
	assert.Equal(t, "gpt-4.1", reply.Model)

	reply, err = a.Interact(ctx, "user-1", "second question")
	require.NoError(t, err)
	assert.Equal(t, "reply 2", reply.Text)

	require.Len(t, requests, 2)

	first := requests[0].Messages
	require.Len(t, first, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, first[0].Role)
	assert.Equal(t, DefaultSystemPrompt, first[0].Content)
	assert.Equal(t, "first question", first[1].Content)

	second := requests[1].Messages
	require.Len(t, second, 4, "system, prior exchange, new prompt")
	assert.Equal(t, "first question", second[1].Content)
	assert.Equal(t, "reply 1", second[2].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, second[2].Role)
	assert.Equal(t, "second question", second[3].Content)
}

func TestOpenAIAgent_HistoryIsPerUser(t *testing.T) {
	var lastLen atomic.Int32
	a := newOpenAITestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		lastLen.Store(int32(len(req.Messages)))
		fmt.Fprint(w, chatCompletionResponse("ok"))
	})

	ctx := context.Background()
	_, err := a.Interact(ctx, "alice", "hello")
	require.NoError(t, err)

	_, err = a.Interact(ctx, "bob", "hi there")
	require.NoError(t, err)
	assert.Equal(t, int32(2), lastLen.Load(), "bob must not inherit alice's history")
}

func TestOpenAIAgent_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	a := newOpenAITestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error": {"message": "overloaded", "type": "server_error"}}`)
			return
		}
		fmt.Fprint(w, chatCompletionResponse("recovered"))
	})

	reply, err := a.Interact(context.Background(), "user-1", "are you there")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIAgent_FailureLeavesHistoryClean(t *testing.T) {
	var calls atomic.Int32
	var lastLen atomic.Int32
	a := newOpenAITestAgent(t, func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		lastLen.Store(int32(len(req.Messages)))
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error": {"message": "boom", "type": "server_error"}}`)
			return
		}
		fmt.Fprint(w, chatCompletionResponse("fine now"))
	})

	ctx := context.Background()
	_, err := a.Interact(ctx, "user-1", "first try")
	require.Error(t, err, "all attempts exhausted")

	reply, err := a.Interact(ctx, "user-1", "second try")
	require.NoError(t, err)
	assert.Equal(t, "fine now", reply.Text)
	assert.Equal(t, int32(2), lastLen.Load(), "the failed exchange is not part of history")
}

func TestAnthropicAgent_Interact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-7-sonnet-latest", req["model"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-7-sonnet-latest",
			"content": [{"type": "text", "text": "Hello from the other side"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 6}
		}`)
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{
		Provider: ProviderAnthropic,
		APIKey:   "test-key",
		BaseURL:  srv.URL,
		Attempts: 1,
	})
	require.NoError(t, err)

	reply, err := a.Interact(context.Background(), "user-1", "hello?")
	require.NoError(t, err)
	assert.Equal(t, "Hello from the other side", reply.Text)
	assert.Equal(t, "claude-3-7-sonnet-latest", reply.Model)
}

func TestIsRetryableOpenAIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "rate limited", err: &openai.APIError{HTTPStatusCode: 429}, want: true},
		{name: "server error", err: &openai.APIError{HTTPStatusCode: 500}, want: true},
		{name: "bad request", err: &openai.APIError{HTTPStatusCode: 400}, want: false},
		{name: "unauthorized", err: &openai.APIError{HTTPStatusCode: 401}, want: false},
		{name: "request error", err: &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, want: true},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "transport error", err: errors.New("connection refused"), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableOpenAIError(tt.err))
		})
	}
}
