// Package llm integrates with the Blockify distill endpoint to merge
// clusters of similar IdeaBlocks into one or more synthesized blocks.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/blockify-ai/distillery/pkg/config"
	"github.com/blockify-ai/distillery/pkg/models"
)

// distillModel is the model identifier the Blockify API uses for merging.
const distillModel = "distill"

const maxErrorBodySize = 2048

// ErrNoMergedBlocks indicates the endpoint answered but no valid
// ideablock could be parsed from the response.
var ErrNoMergedBlocks = errors.New("no valid ideablocks in distill response")

// Client calls the distill chat-completions endpoint.
type Client struct {
	httpClient          *http.Client
	apiKey              string
	url                 string
	maxRetries          int
	retryDelay          time.Duration
	maxCompletionTokens int
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string            `json:"model"`
	Messages            []chatMessage     `json:"messages"`
	ResponseFormat      map[string]string `json:"response_format"`
	Temperature         float64           `json:"temperature"`
	MaxCompletionTokens int               `json:"max_completion_tokens"`
	TopP                float64           `json:"top_p"`
	FrequencyPenalty    float64           `json:"frequency_penalty"`
	PresencePenalty     float64           `json:"presence_penalty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewClient creates a distill client from configuration.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("BLOCKIFY_API_KEY is required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	maxTokens := cfg.MaxCompletionTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Client{
		httpClient:          &http.Client{Timeout: timeout},
		apiKey:              cfg.APIKey,
		url:                 strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		maxRetries:          maxRetries,
		retryDelay:          retryDelay,
		maxCompletionTokens: maxTokens,
	}, nil
}

// Model returns the distill model identifier.
func (c *Client) Model() string { return distillModel }

// MergeCluster sends the cluster to the distill endpoint and returns the
// merged block contents. Multiple outputs mean the model judged the
// cluster to contain distinct ideas that should not be fused.
//
// Transport failures, non-2xx responses and unparseable or empty replies
// are retried with exponential backoff; after the last attempt the last
// error is returned.
func (c *Client) MergeCluster(ctx context.Context, blocks []models.Block) ([]models.BlockContent, error) {
	prompt := buildMergePrompt(blocks)

	var lastErr error
	delay := c.retryDelay

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		content, err := c.callDistill(ctx, prompt)
		if err == nil {
			merged := ParseIdeaBlocks(content)
			if len(merged) > 0 {
				slog.Debug("Cluster merged",
					"input_blocks", len(blocks),
					"output_blocks", len(merged),
					"attempt", attempt)
				return merged, nil
			}
			err = ErrNoMergedBlocks
		}
		lastErr = err

		if attempt == c.maxRetries {
			break
		}
		slog.Warn("Distill call failed, retrying",
			"attempt", attempt, "max_retries", c.maxRetries,
			"delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("distill merge failed after %d attempts: %w", c.maxRetries, lastErr)
}

// callDistill performs a single request and returns the raw message content.
func (c *Client) callDistill(ctx context.Context, prompt string) (string, error) {
	payload := chatRequest{
		Model:               distillModel,
		Messages:            []chatMessage{{Role: "system", Content: prompt}},
		ResponseFormat:      map[string]string{"type": "text"},
		Temperature:         0.5,
		MaxCompletionTokens: c.maxCompletionTokens,
		TopP:                1,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("distill request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", fmt.Errorf("distill endpoint returned %d: %s", resp.StatusCode, msg)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding distill response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("distill response contained no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// buildMergePrompt serializes the cluster as concatenated ideablock
// fragments, the input format the distill model is trained on.
func buildMergePrompt(blocks []models.Block) string {
	var sb strings.Builder
	for i, b := range blocks {
		name := b.BlockifiedTextResult.Name
		if name == "" {
			name = fmt.Sprintf("Block %d", i+1)
		}
		sb.WriteString("<ideablock>")
		sb.WriteString("<name>")
		sb.WriteString(name)
		sb.WriteString("</name>")
		sb.WriteString("<critical_question>")
		sb.WriteString(b.BlockifiedTextResult.CriticalQuestion)
		sb.WriteString("</critical_question>")
		sb.WriteString("<trusted_answer>")
		sb.WriteString(b.BlockifiedTextResult.TrustedAnswer)
		sb.WriteString("</trusted_answer>")
		sb.WriteString("</ideablock>")
	}
	return strings.TrimSpace(sb.String())
}
