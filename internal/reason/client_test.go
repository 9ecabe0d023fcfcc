package reason

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fableerrors "fable/internal/errors"
)

func chatReply(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
}

func TestDecideSendsPromptAndReturnsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		messages := req["messages"].([]any)
		require.NotEmpty(t, messages)

		json.NewEncoder(w).Encode(chatReply("the answer"))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second, WithAPIKey("secret"), WithModel("test-model"))
	reply, err := client.Decide(context.Background(), "what next?")
	require.NoError(t, err)
	assert.Equal(t, "the answer", reply)
}

func TestDecideClassifiesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second)
	_, err := client.Decide(context.Background(), "prompt")
	require.Error(t, err)
	assert.True(t, fableerrors.IsTransient(err))
}

func TestDecideRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, time.Second)
	_, err := client.Decide(context.Background(), "prompt")
	require.Error(t, err)
}

func TestRetryClientRecoversFromFlakyService(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(chatReply("recovered"))
	}))
	defer srv.Close()

	inner := NewHTTPClient(srv.URL, time.Second)
	client := NewRetryClient(inner, fableerrors.RetryConfig{
		MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
	})

	reply, err := client.Decide(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
	assert.Equal(t, 2, attempts)
}

func TestScriptedClientReplaysAndRepeats(t *testing.T) {
	client := &ScriptedClient{Replies: []string{"one", "two"}}

	for _, want := range []string{"one", "two", "two"} {
		got, err := client.Decide(context.Background(), "p")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 3, client.Calls())
}
