package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	timeouts, err := config.NewTimeoutRegistry(config.ProfileTesting)
	require.NoError(t, err)
	cfg := &config.LLMConfig{
		APIKey:      "sk-test-key",
		BaseURL:     baseURL,
		Model:       "deepseek-chat",
		MaxTokens:   1024,
		Temperature: 0.1,
	}
	return NewHTTPClient(cfg, timeouts, nil, nil)
}

func completionBody(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` +
		string(mustJSON(content)) + `},"finish_reason":"stop"}],` +
		`"usage":{"prompt_tokens":10,"completion_tokens":20,"total_tokens":30}}`
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func TestChat(t *testing.T) {
	t.Run("returns first choice content", func(t *testing.T) {
		var gotAuth, gotPath string
		var gotReq chatRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(completionBody(`{"entities":[]}`)))
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		content, err := client.Chat(context.Background(), []Message{
			{Role: RoleSystem, Content: "You extract entities."},
			{Role: RoleUser, Content: "function login() {}"},
		})
		require.NoError(t, err)
		assert.Equal(t, `{"entities":[]}`, content)
		assert.Equal(t, "Bearer sk-test-key", gotAuth)
		assert.Equal(t, "/chat/completions", gotPath)
		assert.Equal(t, "deepseek-chat", gotReq.Model)
		assert.Len(t, gotReq.Messages, 2)
		assert.False(t, gotReq.Stream)
	})

	t.Run("HTTP 429 is rate limited", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit reached","type":"requests"}}`))
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, faults.ErrRateLimited))
		assert.Contains(t, err.Error(), "rate limit reached")
	})

	t.Run("HTTP 500 is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
		require.Error(t, err)
		assert.True(t, faults.IsRetryable(err))
		assert.True(t, errors.Is(err, faults.ErrTransient))
	})

	t.Run("HTTP 401 is a config failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth"}}`))
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, faults.ErrConfig))
		assert.False(t, faults.IsRetryable(err))
	})

	t.Run("slow endpoint times out", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(5 * time.Second):
			case <-r.Context().Done():
			}
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		require.NoError(t, client.timeouts.Set(config.CategoryLLM, config.TimeoutRequest, 50*time.Millisecond))

		_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, faults.ErrTimeout))
	})

	t.Run("unreachable endpoint is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		server.Close()

		_, err := newTestClient(t, server.URL).Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, faults.ErrTransient))
	})

	t.Run("empty choices is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[],"usage":{}}`))
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, faults.ErrTransient))
	})
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name       string
		completion string
		want       string
		wantErr    bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, false},
		{"fenced with language", "Here you go:\n```json\n{\"a\":1}\n```\nDone.", `{"a":1}`, false},
		{"fenced without language", "```\n[1,2,3]\n```", `[1,2,3]`, false},
		{"prose wrapped", `The result is {"a":1} as requested.`, `{"a":1}`, false},
		{"array in prose", `Relationships: [{"from":"a"}] found.`, `[{"from":"a"}]`, false},
		{"no json", "I could not analyze this file.", "", true},
		{"unterminated", `{"a":1`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.completion)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeInto(t *testing.T) {
	var out struct {
		Entities []struct {
			Name string `json:"name"`
		} `json:"entities"`
	}
	err := DecodeInto("```json\n{\"entities\":[{\"name\":\"login\"}]}\n```", &out)
	require.NoError(t, err)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, "login", out.Entities[0].Name)

	err = DecodeInto(`{"entities": [broken`, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrTransient))
}
