package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/youruser/nexus/internal/logging"
)

var (
	ErrNoAPIKey      = errors.New("API key not configured")
	ErrRequestFailed = errors.New("API request failed")
	ErrStreamError   = errors.New("stream error")
	ErrTimeout       = errors.New("request timed out")
	log              = logging.Get()
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultHeaderTimeout  = 60 * time.Second
)

// Settings selects the endpoint and sampling parameters for a Client.
type Settings struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Client handles communication with an OpenAI-compatible chat API.
type Client struct {
	settings      Settings
	baseURL       string
	httpClient    *http.Client
	headerTimeout time.Duration

	// afterHeaders runs between receiving headers and stopping the header timer.
	afterHeaders func()
}

// NewClient creates a new LLM client.
func NewClient(s Settings) *Client {
	return &Client{
		settings:      s,
		baseURL:       strings.TrimSuffix(s.BaseURL, "/"),
		httpClient:    &http.Client{},
		headerTimeout: defaultHeaderTimeout,
	}
}

// SetHeaderTimeout bounds how long ChatStream waits for the response headers.
func (c *Client) SetHeaderTimeout(d time.Duration) {
	c.headerTimeout = d
}

// Model returns the model requests are sent to.
func (c *Client) Model() string {
	return c.settings.Model
}

func (c *Client) checkKey() error {
	if c.settings.APIKey == "" {
		return fmt.Errorf("%w for provider %s", ErrNoAPIKey, c.settings.Provider)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := sonic.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	return req, nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	log.Error("API error %d: %s", resp.StatusCode, string(body))

	var parsed ChatResponse
	if err := sonic.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, parsed.Error.Message)
	}
	return fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, strings.TrimSpace(string(body)))
}

// StreamCallback is called for each event in the stream.
type StreamCallback func(event StreamEvent)

// ChatStream sends the conversation and streams the reply.
// The callback is called for each content fragment and once on completion.
// When ctx is canceled the stream stops and ctx.Err() is returned.
func (c *Client) ChatStream(ctx context.Context, messages []Message, callback StreamCallback) error {
	if err := c.checkKey(); err != nil {
		return err
	}

	reqBody := ChatRequest{
		Model:       c.settings.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: c.settings.Temperature,
		MaxTokens:   c.settings.MaxTokens,
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := c.newRequest(reqCtx, http.MethodPost, "/chat/completions", reqBody)
	if err != nil {
		return err
	}

	log.Debug("HTTP POST %s/chat/completions (provider: %s, model: %s, messages: %d)",
		c.baseURL, c.settings.Provider, c.settings.Model, len(messages))

	// Only the wait for headers is bounded; a long reply may stream for minutes.
	var timedOut atomic.Bool
	timer := time.AfterFunc(c.headerTimeout, func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := c.httpClient.Do(req)
	if c.afterHeaders != nil {
		c.afterHeaders()
	}
	if !timer.Stop() && err == nil {
		// The timer fired after the headers arrived and has already cancelled reqCtx.
		resp.Body.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimeout
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if timedOut.Load() {
			return ErrTimeout
		}
		log.Error("HTTP request failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	return c.processStream(ctx, resp.Body, callback)
}

// processStream reads SSE events and calls the callback for each.
func (c *Client) processStream(ctx context.Context, reader io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lastUsage *Usage
	log.Debug("Starting SSE stream processing")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())

		// SSE format: "data: {json}"
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		// Stream end marker
		if data == "[DONE]" {
			log.Debug("SSE stream received [DONE]")
			callback(StreamEvent{Type: "done", Usage: lastUsage})
			return nil
		}

		var resp ChatResponse
		if err := sonic.UnmarshalString(data, &resp); err != nil {
			continue // Skip malformed chunks
		}

		if resp.Error != nil {
			callback(StreamEvent{
				Type:  "error",
				Error: resp.Error.Message,
			})
			return fmt.Errorf("%w: %s", ErrStreamError, resp.Error.Message)
		}

		if resp.Usage != nil {
			lastUsage = resp.Usage
		}

		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		delta := choice.Delta
		if delta == nil {
			delta = choice.Message
		}
		if delta == nil || delta.Content == "" {
			continue
		}

		callback(StreamEvent{
			Type:    "content",
			Content: delta.Content,
		})
	}

	if err := scanner.Err(); err != nil {
		// A canceled request closes the body under the scanner.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("SSE scanner error: %v", err)
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Debug("SSE stream ended without [DONE]")
	callback(StreamEvent{Type: "done", Usage: lastUsage})
	return nil
}

// Validate sends a one-token request to check that the key is accepted.
func (c *Client) Validate(ctx context.Context) error {
	if err := c.checkKey(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	reqBody := ChatRequest{
		Model:       c.settings.Model,
		Messages:    []Message{{Role: RoleUser, Content: "ping"}},
		Stream:      false,
		Temperature: c.settings.Temperature,
		MaxTokens:   1,
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", reqBody)
	if err != nil {
		return err
	}

	log.Debug("HTTP POST %s/chat/completions (validate, model: %s)", c.baseURL, c.settings.Model)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		log.Error("HTTP request failed: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GetModels fetches the list of models the provider serves.
func (c *Client) GetModels(ctx context.Context) (*ModelsResponse, error) {
	if err := c.checkKey(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}

	log.Debug("HTTP GET %s/models", c.baseURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		log.Error("HTTP request failed: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var models ModelsResponse
	if err := sonic.Unmarshal(body, &models); err != nil {
		return nil, err
	}

	return &models, nil
}
