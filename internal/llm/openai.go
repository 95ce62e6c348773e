package llm

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

const defaultHTTPTimeout = 120 * time.Second

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
// It implements both ChatModel and Embedder.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	client     *http.Client
}

// OpenAIConfig configures the client. BaseURL should include the version
// prefix, e.g. "https://api.openai.com/v1".
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
	Timeout    time.Duration
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		chatModel:  cfg.ChatModel,
		embedModel: cfg.EmbedModel,
		client:     &http.Client{Timeout: timeout},
	}
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model            string       `json:"model"`
	Messages         []apiMessage `json:"messages"`
	Temperature      float32      `json:"temperature,omitempty"`
	TopP             float32      `json:"top_p,omitempty"`
	MaxTokens        int          `json:"max_tokens,omitempty"`
	PresencePenalty  float32      `json:"presence_penalty,omitempty"`
	FrequencyPenalty float32      `json:"frequency_penalty,omitempty"`
	Stream           bool         `json:"stream,omitempty"`
}

func (c *OpenAIClient) buildMessages(system string, history []Message) []apiMessage {
	msgs := make([]apiMessage, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, apiMessage{Role: string(RoleSystem), Content: system})
	}
	for _, m := range history {
		msgs = append(msgs, apiMessage{Role: string(m.Role), Content: m.Content})
	}
	return msgs
}

func (c *OpenAIClient) newRequest(ctx context.Context, path string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// Chat performs a blocking completion and returns the full answer.
func (c *OpenAIClient) Chat(ctx context.Context, system string, history []Message, cfg GenConfig) (string, error) {
	req, err := c.newRequest(ctx, "/chat/completions", chatRequest{
		Model:            c.chatModel,
		Messages:         c.buildMessages(system, history),
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		MaxTokens:        cfg.MaxTokens,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}

// ChatStream performs a streaming completion. Deltas arrive on the returned
// channel; a transport or protocol failure terminates the channel with a
// chunk whose Err is set.
func (c *OpenAIClient) ChatStream(ctx context.Context, system string, history []Message, cfg GenConfig) (<-chan StreamChunk, error) {
	req, err := c.newRequest(ctx, "/chat/completions", chatRequest{
		Model:            c.chatModel,
		Messages:         c.buildMessages(system, history),
		Temperature:      cfg.Temperature,
		TopP:             cfg.TopP,
		MaxTokens:        cfg.MaxTokens,
		PresencePenalty:  cfg.PresencePenalty,
		FrequencyPenalty: cfg.FrequencyPenalty,
		Stream:           true,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := apiError(resp)
		resp.Body.Close()
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := readStream(ctx, resp.Body, out); err != nil {
			select {
			case out <- StreamChunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func readStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			if data == "[DONE]" {
				return nil
			}
			continue
		}

		var event struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Providers occasionally interleave comments or keepalives.
			continue
		}
		if len(event.Choices) == 0 || event.Choices[0].Delta.Content == "" {
			continue
		}
		select {
		case out <- StreamChunk{Delta: event.Choices[0].Delta.Content}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}

// Embed requests embeddings for texts in a single batch call.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	req, err := c.newRequest(ctx, "/embeddings", struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: c.embedModel, Input: texts})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(out.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode, payload.Error.Message)
	}
	return fmt.Errorf("api error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
