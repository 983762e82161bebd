package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockify-ai/distillery/pkg/config"
)

// fakeEmbedServer answers with a deterministic vector per input: the
// text's index in a known corpus, one-hot encoded.
func fakeEmbedServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type datum struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]datum, len(req.Input))
		for i, text := range req.Input {
			vec := make([]float32, 4)
			var n int
			_, err := fmt.Sscanf(text, "text-%d", &n)
			require.NoError(t, err)
			vec[n%4] = float32(n + 1)
			data[i] = datum{Embedding: vec, Index: i}
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
	}))
}

func newTestClient(t *testing.T, url string, batchSize int) *Client {
	t.Helper()
	client, err := NewClient(config.EmbeddingConfig{
		APIKey:    "test-key",
		URL:       url,
		Model:     "text-embedding-3-small",
		BatchSize: batchSize,
		Parallel:  4,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(config.EmbeddingConfig{URL: "http://localhost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestEmbed_EmptyInput(t *testing.T) {
	client := newTestClient(t, "http://unused", 10)
	vectors, err := client.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestEmbed_BatchesPreserveOrder(t *testing.T) {
	var calls atomic.Int64
	srv := fakeEmbedServer(t, &calls)
	defer srv.Close()

	client := newTestClient(t, srv.URL, 3)

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}
	vectors, err := client.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 10)

	// 10 texts at batch size 3 means 4 requests.
	assert.Equal(t, int64(4), calls.Load())

	// Each vector is one-hot at index i%4, so order survives the
	// concurrent batch dispatch.
	for i, vec := range vectors {
		for d, x := range vec {
			if d == i%4 {
				assert.InDelta(t, 1.0, x, 1e-6, "vector %d dim %d", i, d)
			} else {
				assert.Zero(t, x, "vector %d dim %d", i, d)
			}
		}
	}
}

func TestEmbed_VectorsAreUnitNorm(t *testing.T) {
	var calls atomic.Int64
	srv := fakeEmbedServer(t, &calls)
	defer srv.Close()

	client := newTestClient(t, srv.URL, 10)
	vectors, err := client.Embed(context.Background(), []string{"text-5", "text-6"})
	require.NoError(t, err)

	for _, vec := range vectors {
		var sum float64
		for _, x := range vec {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
	}
}

func TestEmbed_AuthFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 10)
	_, err := client.Embed(context.Background(), []string{"text-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int64(1), calls.Load())
}

func TestEmbed_CountMismatchFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 10)
	_, err := client.Embed(context.Background(), []string{"text-1"})
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}
