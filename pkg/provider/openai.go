package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultConnectTimeout = 30 * time.Second
	doneSentinel          = "[DONE]"

	scanInitialBuffer = 64 * 1024
	scanMaxBuffer     = 512 * 1024
)

// OpenAIConfig configures an OpenAI-compatible provider endpoint.
type OpenAIConfig struct {
	Name           string
	BaseURL        string
	APIKey         string
	Headers        map[string]string
	ConnectTimeout time.Duration
}

// OpenAIClient implements Provider for the OpenAI chat-completions wire
// protocol: a chunked-transfer response of line-delimited JSON envelopes
// prefixed with "data:" and terminated by a "[DONE]" sentinel line.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

// NewOpenAIClient constructs a client for one OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &OpenAIClient{
		cfg: cfg,
		// No client-wide timeout: the response body stays open for the
		// lifetime of the stream. Idle detection is the caller's watchdog.
		httpClient: &http.Client{},
	}
}

// Name returns the configured provider name.
func (c *OpenAIClient) Name() string { return c.cfg.Name }

type chatPayload struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	Temperature   float64         `json:"temperature,omitempty"`
	TopP          float64         `json:"top_p,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Tools         []openAITool    `json:"tools,omitempty"`
	Stream        bool            `json:"stream"`
	StreamOptions json.RawMessage `json:"stream_options,omitempty"`
}

type openAITool struct {
	Type     string  `json:"type"`
	Function ToolDef `json:"function"`
}

// Open establishes the upstream streaming call.
func (c *OpenAIClient) Open(ctx context.Context, req Request) (ChunkStream, error) {
	payload := chatPayload{
		Model:         req.Model,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: json.RawMessage(`{"include_usage":true}`),
	}
	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, openAITool{Type: "function", Function: tool})
	}

	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: c.cfg.Name, Kind: classifyTransport(err), Message: "connect failed", Cause: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &Error{
			Provider:   c.cfg.Name,
			Kind:       classifyStatus(resp.StatusCode),
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(data))),
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, scanInitialBuffer), scanMaxBuffer)
	return &sseChunkStream{
		provider: c.cfg.Name,
		body:     resp.Body,
		scanner:  scanner,
	}, nil
}

// sseChunkStream decodes the data-line protocol into normalized chunks.
// Recv buffers partial logical units internally: one wire envelope may map
// to several chunks (text plus tool-call fragments plus usage).
type sseChunkStream struct {
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	pending  []Chunk
	done     bool
	closed   bool
}

type streamEnvelope struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Recv returns the next chunk, io.EOF after the terminal sentinel has been
// delivered, or a *Error on transport or decode failure.
func (s *sseChunkStream) Recv() (Chunk, error) {
	if len(s.pending) > 0 {
		chunk := s.pending[0]
		s.pending = s.pending[1:]
		return chunk, nil
	}
	if s.done {
		return Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		// Keep-alive comments and blank separator lines carry no data.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == doneSentinel {
			s.done = true
			return Chunk{Done: true}, nil
		}

		chunks, err := s.decodeEnvelope(data)
		if err != nil {
			return Chunk{}, err
		}
		if len(chunks) == 0 {
			continue
		}
		s.pending = chunks[1:]
		return chunks[0], nil
	}

	if err := s.scanner.Err(); err != nil {
		return Chunk{}, &Error{Provider: s.provider, Kind: classifyTransport(err), Message: "read stream", Cause: err}
	}
	// Body ended without the terminal sentinel: the upstream dropped us.
	return Chunk{}, &Error{Provider: s.provider, Kind: ErrKindConnectionReset, Message: "stream ended without sentinel"}
}

func (s *sseChunkStream) decodeEnvelope(data string) ([]Chunk, error) {
	var env streamEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, &Error{Provider: s.provider, Kind: ErrKindMalformedChunk, Message: "decode chunk", Cause: err}
	}

	var chunks []Chunk
	if len(env.Choices) > 0 {
		choice := env.Choices[0]
		if choice.Delta.Content != "" {
			chunks = append(chunks, Chunk{TextDelta: choice.Delta.Content})
		}
		for _, call := range choice.Delta.ToolCalls {
			chunks = append(chunks, Chunk{ToolCallDelta: &ToolCallDelta{
				Index:          call.Index,
				ID:             call.ID,
				Name:           call.Function.Name,
				ArgumentsDelta: call.Function.Arguments,
			}})
		}
		if choice.FinishReason != "" {
			chunks = append(chunks, Chunk{FinishReason: choice.FinishReason})
		}
	}
	if env.Usage != nil {
		usage := *env.Usage
		chunks = append(chunks, Chunk{Usage: &usage})
	}
	return chunks, nil
}

// Close releases the outbound connection. Safe to call multiple times.
func (s *sseChunkStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// Verify interface compliance.
var (
	_ Provider    = (*OpenAIClient)(nil)
	_ ChunkStream = (*sseChunkStream)(nil)
)
