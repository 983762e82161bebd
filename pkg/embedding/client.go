// Package embedding provides the client for the remote embeddings API.
//
// Texts are embedded in batches dispatched concurrently; the returned
// vectors are L2-normalized and reassembled in input order by batch index.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blockify-ai/distillery/pkg/config"
)

const (
	maxAttempts      = 3
	retryBaseDelay   = 2 * time.Second
	maxErrorBodySize = 2048
)

// Client calls the embeddings endpoint.
type Client struct {
	httpClient *http.Client
	apiKey     string
	url        string
	model      string
	batchSize  int
	parallel   int
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// NewClient creates an embedding client from configuration.
func NewClient(cfg config.EmbeddingConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for embeddings")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	parallel := cfg.Parallel
	if parallel <= 0 {
		parallel = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     cfg.APIKey,
		url:        cfg.URL,
		model:      cfg.Model,
		batchSize:  batchSize,
		parallel:   parallel,
	}, nil
}

// Model returns the configured embedding model name.
func (c *Client) Model() string { return c.model }

// Embed returns one unit-norm vector per input text, in input order.
// An empty input returns an empty slice without calling the endpoint.
// Any batch failing after retries fails the whole operation.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	type batch struct {
		index int
		start int
		end   int
	}
	var batches []batch
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		batches = append(batches, batch{index: len(batches), start: start, end: end})
	}

	slog.Debug("Generating embeddings",
		"count", len(texts), "model", c.model,
		"batches", len(batches), "parallel", c.parallel)

	results := make([][][]float32, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)

	for _, b := range batches {
		g.Go(func() error {
			vectors, err := c.embedBatch(gctx, texts[b.start:b.end])
			if err != nil {
				return fmt.Errorf("embedding batch %d: %w", b.index, err)
			}
			results[b.index] = vectors
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for _, vectors := range results {
		out = append(out, vectors...)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d vectors for %d texts", len(out), len(texts))
	}
	return out, nil
}

// embedBatch calls the endpoint for one batch, retrying transient failures.
func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := retryBaseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		vectors, retryable, err := c.doEmbed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retryable || attempt == maxAttempts {
			break
		}
		slog.Warn("Embedding request failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (c *Client) doEmbed(ctx context.Context, texts []string) (vectors [][]float32, retryable bool, err error) {
	body, err := json.Marshal(embedRequest{Input: texts, Model: c.model})
	if err != nil {
		return nil, false, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("embedding request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, msg)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, false, fmt.Errorf("embedding endpoint returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = Normalize(d.Embedding)
	}
	return out, false, nil
}

// Normalize scales v to unit L2 norm. Zero vectors are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
