package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func writeSSEJSON(t *testing.T, w http.ResponseWriter, payload map[string]any) {
	t.Helper()
	data, err := sonic.Marshal(payload)
	if err != nil {
		t.Errorf("marshal failed: %v", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", string(data)); err != nil {
		t.Errorf("failed to write SSE payload: %v", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeSSEDone(t *testing.T, w http.ResponseWriter) {
	t.Helper()
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		t.Errorf("failed to write SSE done marker: %v", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func contentChunk(s string) map[string]any {
	return map[string]any{
		"choices": []any{
			map[string]any{"index": 0, "delta": map[string]any{"content": s}},
		},
	}
}

func testSettings(baseURL string) Settings {
	return Settings{
		Provider:    "siliconflow",
		BaseURL:     baseURL,
		APIKey:      "test-key",
		Model:       "test-model",
		Temperature: 0.7,
		MaxTokens:   4000,
	}
}

func collect(events *[]StreamEvent) StreamCallback {
	return func(ev StreamEvent) {
		*events = append(*events, ev)
	}
}

func TestChatStream(t *testing.T) {
	t.Run("streams content fragments in order", func(t *testing.T) {
		var gotBody ChatRequest
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("path = %q, want /chat/completions", r.URL.Path)
			}
			gotAuth = r.Header.Get("Authorization")
			body, _ := io.ReadAll(r.Body)
			if err := sonic.Unmarshal(body, &gotBody); err != nil {
				t.Errorf("request body: %v", err)
			}
			w.Header().Set("Content-Type", "text/event-stream")
			writeSSEJSON(t, w, contentChunk("Here"))
			writeSSEJSON(t, w, contentChunk(" is"))
			writeSSEJSON(t, w, contentChunk(" the fix"))
			writeSSEDone(t, w)
		}))
		defer server.Close()

		client := NewClient(testSettings(server.URL + "/"))
		var events []StreamEvent
		messages := []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "hi"},
		}
		if err := client.ChatStream(context.Background(), messages, collect(&events)); err != nil {
			t.Fatalf("ChatStream failed: %v", err)
		}

		if gotAuth != "Bearer test-key" {
			t.Errorf("Authorization = %q", gotAuth)
		}
		if !gotBody.Stream || gotBody.Model != "test-model" || gotBody.MaxTokens != 4000 {
			t.Errorf("unexpected request body: %+v", gotBody)
		}
		if gotBody.Temperature != 0.7 {
			t.Errorf("temperature = %v, want 0.7", gotBody.Temperature)
		}
		if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != RoleSystem {
			t.Errorf("messages = %+v", gotBody.Messages)
		}

		var text strings.Builder
		for _, ev := range events {
			if ev.Type == "content" {
				text.WriteString(ev.Content)
			}
		}
		if text.String() != "Here is the fix" {
			t.Errorf("content = %q, want %q", text.String(), "Here is the fix")
		}
		if last := events[len(events)-1]; last.Type != "done" {
			t.Errorf("last event = %q, want done", last.Type)
		}
	})

	t.Run("skips malformed and empty chunks", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, ": keep-alive\n\n")
			io.WriteString(w, "data: {not json\n\n")
			writeSSEJSON(t, w, map[string]any{"choices": []any{}})
			writeSSEJSON(t, w, contentChunk(""))
			writeSSEJSON(t, w, contentChunk("ok"))
			writeSSEDone(t, w)
		}))
		defer server.Close()

		var events []StreamEvent
		if err := NewClient(testSettings(server.URL)).ChatStream(context.Background(), nil, collect(&events)); err != nil {
			t.Fatalf("ChatStream failed: %v", err)
		}
		if len(events) != 2 || events[0].Content != "ok" {
			t.Errorf("events = %+v", events)
		}
	})

	t.Run("stream without done marker still completes", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeSSEJSON(t, w, contentChunk("partial"))
		}))
		defer server.Close()

		var events []StreamEvent
		if err := NewClient(testSettings(server.URL)).ChatStream(context.Background(), nil, collect(&events)); err != nil {
			t.Fatalf("ChatStream failed: %v", err)
		}
		if len(events) != 2 || events[1].Type != "done" {
			t.Errorf("events = %+v", events)
		}
	})

	t.Run("missing api key", func(t *testing.T) {
		s := testSettings("http://127.0.0.1:1")
		s.APIKey = ""
		err := NewClient(s).ChatStream(context.Background(), nil, func(StreamEvent) {})
		if !errors.Is(err, ErrNoAPIKey) {
			t.Fatalf("error = %v, want ErrNoAPIKey", err)
		}
		if !strings.Contains(err.Error(), "siliconflow") {
			t.Errorf("error %q should name the provider", err.Error())
		}
	})

	t.Run("non-200 status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"invalid api key","type":"auth"}}`)
		}))
		defer server.Close()

		err := NewClient(testSettings(server.URL)).ChatStream(context.Background(), nil, func(StreamEvent) {})
		if !errors.Is(err, ErrRequestFailed) {
			t.Fatalf("error = %v, want ErrRequestFailed", err)
		}
		if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid api key") {
			t.Errorf("error = %q, want status and provider message", err.Error())
		}
	})

	t.Run("error payload mid-stream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeSSEJSON(t, w, contentChunk("a"))
			writeSSEJSON(t, w, map[string]any{"error": map[string]any{"message": "overloaded"}})
		}))
		defer server.Close()

		var events []StreamEvent
		err := NewClient(testSettings(server.URL)).ChatStream(context.Background(), nil, collect(&events))
		if !errors.Is(err, ErrStreamError) {
			t.Fatalf("error = %v, want ErrStreamError", err)
		}
		if events[len(events)-1].Type != "error" {
			t.Errorf("last event = %+v, want error", events[len(events)-1])
		}
	})

	t.Run("cancel mid-stream returns context error", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeSSEJSON(t, w, contentChunk("first"))
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		ctx, cancel := context.WithCancel(context.Background())
		err := NewClient(testSettings(server.URL)).ChatStream(ctx, nil, func(ev StreamEvent) {
			if ev.Type == "content" {
				cancel()
			}
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})

	t.Run("header timeout", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		client := NewClient(testSettings(server.URL))
		client.SetHeaderTimeout(50 * time.Millisecond)
		err := client.ChatStream(context.Background(), nil, func(StreamEvent) {})
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("error = %v, want ErrTimeout", err)
		}
	})

	t.Run("header timeout fires as headers arrive", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeSSEJSON(t, w, map[string]any{
				"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": "late"}}},
			})
			writeSSEDone(t, w)
		}))
		defer server.Close()

		client := NewClient(testSettings(server.URL))
		client.SetHeaderTimeout(10 * time.Millisecond)
		client.afterHeaders = func() { time.Sleep(100 * time.Millisecond) }

		var events []StreamEvent
		err := client.ChatStream(context.Background(), nil, func(e StreamEvent) { events = append(events, e) })
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("error = %v, want ErrTimeout", err)
		}
		if len(events) != 0 {
			t.Errorf("got %d events after timeout", len(events))
		}
	})
}

func TestValidate(t *testing.T) {
	t.Run("accepted key", func(t *testing.T) {
		var got ChatRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			_ = sonic.Unmarshal(body, &got)
			io.WriteString(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"p"}}]}`)
		}))
		defer server.Close()

		if err := NewClient(testSettings(server.URL)).Validate(context.Background()); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if got.Stream || got.MaxTokens != 1 {
			t.Errorf("validate request = %+v, want non-streaming with max_tokens 1", got)
		}
	})

	t.Run("rejected key", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		err := NewClient(testSettings(server.URL)).Validate(context.Background())
		if !errors.Is(err, ErrRequestFailed) {
			t.Errorf("error = %v, want ErrRequestFailed", err)
		}
	})
}

func TestGetModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/models" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		io.WriteString(w, `{"data":[{"id":"deepseek-ai/DeepSeek-V3","owned_by":"deepseek"},{"id":"Qwen/Qwen2.5-72B-Instruct"}]}`)
	}))
	defer server.Close()

	models, err := NewClient(testSettings(server.URL)).GetModels(context.Background())
	if err != nil {
		t.Fatalf("GetModels failed: %v", err)
	}
	if len(models.Data) != 2 {
		t.Fatalf("len(models) = %d, want 2", len(models.Data))
	}
	if models.Data[0].ID != "deepseek-ai/DeepSeek-V3" || models.Data[0].OwnedBy != "deepseek" {
		t.Errorf("models[0] = %+v", models.Data[0])
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(testSettings("https://api.example.com/v1/"))
	if client.baseURL != "https://api.example.com/v1" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", client.baseURL)
	}
	if client.Model() != "test-model" {
		t.Errorf("Model() = %q", client.Model())
	}
}

func TestEstimateTokens(t *testing.T) {
	n, err := EstimateTokens("Hello, world!")
	if err != nil {
		t.Fatalf("EstimateTokens failed: %v", err)
	}
	if n <= 0 {
		t.Errorf("EstimateTokens = %d, want > 0", n)
	}
	if EstimateTokensSimple("") != 0 {
		t.Error("empty text should estimate to 0 tokens")
	}
}
