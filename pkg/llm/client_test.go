package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockify-ai/distillery/pkg/config"
	"github.com/blockify-ai/distillery/pkg/models"
)

func testBlocks() []models.Block {
	return []models.Block{
		{
			BlockifyResultUUID: "b1",
			BlockifiedTextResult: models.BlockContent{
				Name:             "Python",
				CriticalQuestion: "What is Python?",
				TrustedAnswer:    "A language.",
			},
		},
		{
			BlockifyResultUUID: "b2",
			BlockifiedTextResult: models.BlockContent{
				Name:             "Python Lang",
				CriticalQuestion: "What is Python?",
				TrustedAnswer:    "A programming language.",
			},
		},
	}
}

func chatReply(content string) string {
	reply := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	data, _ := json.Marshal(reply)
	return string(data)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(config.LLMConfig{
		APIKey:     "test-key",
		BaseURL:    url,
		MaxRetries: 2,
		RetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(config.LLMConfig{BaseURL: "http://localhost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BLOCKIFY_API_KEY")
}

func TestMergeCluster_Success(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		_, _ = w.Write([]byte(chatReply(
			`<ideablock><name>Python</name>` +
				`<critical_question>What is Python?</critical_question>` +
				`<trusted_answer>A programming language.</trusted_answer></ideablock>`,
		)))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	merged, err := client.MergeCluster(context.Background(), testBlocks())
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "A programming language.", merged[0].TrustedAnswer)

	assert.Equal(t, "distill", gotReq.Model)
	assert.Equal(t, 0.5, gotReq.Temperature)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, 2, strings.Count(gotReq.Messages[0].Content, "<ideablock>"))
}

func TestMergeCluster_RetriesOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(chatReply(
			`<ideablock><name>N</name><critical_question>Q?</critical_question>` +
				`<trusted_answer>A.</trusted_answer></ideablock>`,
		)))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	merged, err := client.MergeCluster(context.Background(), testBlocks())
	require.NoError(t, err)
	assert.Len(t, merged, 1)
	assert.Equal(t, 2, calls)
}

func TestMergeCluster_EmptyResponseExhaustsRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(chatReply("no blocks here")))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.MergeCluster(context.Background(), testBlocks())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMergedBlocks)
	assert.Equal(t, 2, calls)
}

func TestMergeCluster_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t, srv.URL)
	_, err := client.MergeCluster(ctx, testBlocks())
	require.Error(t, err)
}

func TestBuildMergePrompt_NamesFallBackToPosition(t *testing.T) {
	blocks := []models.Block{
		{BlockifiedTextResult: models.BlockContent{
			CriticalQuestion: "Q?", TrustedAnswer: "A.",
		}},
	}
	prompt := buildMergePrompt(blocks)
	assert.Contains(t, prompt, "<name>Block 1</name>")
	assert.Contains(t, prompt, "<critical_question>Q?</critical_question>")
	assert.Contains(t, prompt, "<trusted_answer>A.</trusted_answer>")
}
