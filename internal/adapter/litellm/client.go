// Package litellm provides a streaming client for OpenAI-compatible chat
// completion endpoints, as served by the LiteLLM proxy.
package litellm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cfotel "github.com/Strob0t/dispatchkit/internal/adapter/otel"
	"github.com/Strob0t/dispatchkit/internal/port/backend"
	"github.com/Strob0t/dispatchkit/internal/resilience"
)

const backendName = "openai"

// maxLineSize bounds a single SSE line.
const maxLineSize = 1 << 20

// Client streams chat completions from an OpenAI-compatible endpoint.
type Client struct {
	baseURL    string
	apiKey     func() string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a client for baseURL. The HTTP timeout bounds the whole
// stream; per-attempt deadlines come from the caller's context.
func NewClient(opts backend.Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(opts.URL, "/"),
		apiKey:  keyFunc(opts),
		model:   opts.Model,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: cfotel.HTTPTransport(nil),
		},
	}
}

func keyFunc(opts backend.Options) func() string {
	if opts.KeyFunc != nil {
		return opts.KeyFunc
	}
	key := opts.APIKey
	return func() string { return key }
}

// Register registers the "openai" backend factory.
func Register() {
	backend.Register(backendName, func(opts backend.Options) (backend.Backend, error) {
		if opts.URL == "" {
			return nil, errors.New("openai backend: url is required")
		}
		return NewClient(opts), nil
	})
}

// SetBreaker attaches a circuit breaker to stream establishment.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Name returns "openai".
func (c *Client) Name() string { return backendName }

type chatRequest struct {
	Model       string            `json:"model"`
	Messages    []backend.Message `json:"messages"`
	Stream      bool              `json:"stream"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	User        string            `json:"user,omitempty"`
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Send opens a streaming chat completion. Connection and HTTP status errors
// are returned directly and counted by the breaker; errors after the stream
// is open arrive as the final chunk.
func (c *Client) Send(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		User:        req.Options["user"],
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var resp *http.Response
	open := func(ctx context.Context) error {
		r, err := c.open(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if c.breaker != nil {
		err = c.breaker.ExecuteContext(ctx, open)
	} else {
		err = open(ctx)
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan backend.Chunk)
	go c.read(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) open(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if key := c.apiKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chat completion error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp, nil
}

// read forwards SSE data lines as chunks until [DONE], EOF or ctx ends.
func (c *Client) read(ctx context.Context, body io.ReadCloser, ch chan<- backend.Chunk) {
	defer close(ch)
	defer func() { _ = body.Close() }()

	send := func(chunk backend.Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// finished is set by "[DONE]" or a finish_reason. A stream that ends
	// without either was cut off and must not pass for a complete answer.
	finished := false
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue // comments, event names, blank separators
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			send(backend.Chunk{Err: fmt.Errorf("decode stream event: %w", err)})
			return
		}
		if ev.Error != nil {
			send(backend.Chunk{Err: fmt.Errorf("backend stream error (%s): %s", ev.Error.Type, ev.Error.Message)})
			return
		}
		for _, choice := range ev.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finished = true
			}
			if choice.Delta.Content == "" {
				continue
			}
			if !send(backend.Chunk{Delta: choice.Delta.Content}) {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := sc.Err(); err != nil {
		send(backend.Chunk{Err: fmt.Errorf("read stream: %w", err)})
		return
	}
	if !finished {
		send(backend.Chunk{Err: fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF)})
	}
}

// Health checks the proxy's liveness endpoint.
func (c *Client) Health(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/liveliness", http.NoBody)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	if key := c.apiKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return true, nil
}
