package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchat-hq/keyrelay/pkg/types"
)

func completionReq() *types.CompletionRequest {
	return &types.CompletionRequest{
		Model:    "mistralai/mistral-nemo:free",
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Stream:   true,
	}
}

func TestStreamCompletionRequestShape(t *testing.T) {
	var captured *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(r.Context())
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(Config{
		BaseURL: srv.URL,
		Referer: "https://chat.example.test",
		Title:   "Example Chat",
	})
	defer client.Close()

	body, err := client.StreamCompletion(context.Background(), "sk-test", completionReq())
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	require.NotNil(t, captured)
	assert.Equal(t, "/chat/completions", captured.URL.Path)
	assert.Equal(t, "Bearer sk-test", captured.Header.Get("Authorization"))
	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))
	assert.Equal(t, "text/event-stream", captured.Header.Get("Accept"))
	assert.Equal(t, "https://chat.example.test", captured.Header.Get("HTTP-Referer"))
	assert.Equal(t, "Example Chat", captured.Header.Get("X-Title"))
}

func TestStreamCompletionNonSuccessBecomesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid key sk-or-v1-secret"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	defer client.Close()

	_, err := client.StreamCompletion(context.Background(), "sk-test", completionReq())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.NotContains(t, statusErr.Error(), "sk-or-v1", "error string never carries upstream body")
}

func TestStreamCompletionConnectionError(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	defer client.Close()

	_, err := client.StreamCompletion(context.Background(), "sk-test", completionReq())

	require.Error(t, err)
	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr), "network failures are not status errors")
}
