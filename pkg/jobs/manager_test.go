package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockify-ai/distillery/pkg/config"
	"github.com/blockify-ai/distillery/pkg/dedupe"
	"github.com/blockify-ai/distillery/pkg/jobstore"
	"github.com/blockify-ai/distillery/pkg/models"
)

// fakeJobEngine delegates to a per-test run function.
type fakeJobEngine struct {
	run func(ctx context.Context, blocks []models.Block, opts dedupe.RunOptions) (*models.DistillResult, error)
}

func (f *fakeJobEngine) Run(ctx context.Context, blocks []models.Block, opts dedupe.RunOptions) (*models.DistillResult, error) {
	return f.run(ctx, blocks, opts)
}

func successResult() *models.DistillResult {
	return &models.DistillResult{
		SchemaVersion: models.SchemaVersion,
		Status:        models.StatusSuccess,
		Stats: models.ProcessingStats{
			StartingBlockCount:    2,
			FinalBlockCount:       1,
			BlocksRemoved:         2,
			BlocksAdded:           1,
			BlockReductionPercent: 50,
		},
		Results: []models.Block{{Type: models.BlockTypeMerged, BlockifyResultUUID: "m-1"}},
	}
}

func sampleRequest() *models.AutoDistillRequest {
	return &models.AutoDistillRequest{
		BlockifyTaskUUID: "task-1",
		Similarity:       0.8,
		Iterations:       3,
		Results: []models.Block{
			{Type: models.BlockTypeOriginal, BlockifyResultUUID: "b-1"},
			{Type: models.BlockTypeOriginal, BlockifyResultUUID: "b-2"},
		},
	}
}

func newTestManager(t *testing.T, engine Engine, timeout time.Duration) (*Manager, jobstore.Store) {
	t.Helper()
	store, err := jobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	manager := NewManager(store, engine, config.JobsConfig{
		WorkerPoolSize: 2,
		JobTimeout:     timeout,
	})
	manager.Start()
	t.Cleanup(manager.Stop)
	return manager, store
}

func waitForTerminal(t *testing.T, store jobstore.Store, jobID string) *jobstore.Job {
	t.Helper()
	var job *jobstore.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		return job.Terminal()
	}, 2*time.Second, 10*time.Millisecond, "job never reached a terminal status")
	return job
}

func TestManager_SuccessfulJob(t *testing.T) {
	var gotOpts dedupe.RunOptions
	var gotBlocks []models.Block
	engine := &fakeJobEngine{run: func(_ context.Context, blocks []models.Block, opts dedupe.RunOptions) (*models.DistillResult, error) {
		gotBlocks = blocks
		gotOpts = opts
		opts.OnProgress(dedupe.PhaseIteration, 0.55, map[string]any{"iteration": 1})
		return successResult(), nil
	}}
	manager, store := newTestManager(t, engine, 5*time.Second)

	jobID, err := manager.Submit(context.Background(), sampleRequest(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job := waitForTerminal(t, store, jobID)
	assert.Equal(t, models.StatusSuccess, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, 1, job.Result.Stats.FinalBlockCount)

	assert.Len(t, gotBlocks, 2)
	assert.Equal(t, 0.8, gotOpts.Similarity)
	assert.Equal(t, 3, gotOpts.Iterations)

	resp, err := manager.Status(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, resp.Status)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, 50.0, resp.Stats.BlockReductionPercent)
	require.Len(t, resp.Results, 1)
	assert.Nil(t, resp.Error)
	assert.Nil(t, resp.Progress)
}

func TestManager_FailedJobExposesIntermediate(t *testing.T) {
	partial := successResult()
	partial.Status = models.StatusPartial

	engine := &fakeJobEngine{run: func(_ context.Context, _ []models.Block, opts dedupe.RunOptions) (*models.DistillResult, error) {
		opts.OnSnapshot(partial)
		return nil, errors.New("distill unavailable")
	}}
	manager, store := newTestManager(t, engine, 5*time.Second)

	jobID, err := manager.Submit(context.Background(), sampleRequest(), nil)
	require.NoError(t, err)

	job := waitForTerminal(t, store, jobID)
	assert.Equal(t, models.StatusFailure, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "distill unavailable", *job.Error)

	resp, err := manager.Status(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, resp.Status)
	require.NotNil(t, resp.Error)
	require.NotNil(t, resp.IntermediateResult)
	assert.Equal(t, models.StatusPartial, resp.IntermediateResult.Status)
}

func TestManager_TimeoutCancelsJob(t *testing.T) {
	released := make(chan struct{})
	engine := &fakeJobEngine{run: func(ctx context.Context, _ []models.Block, _ dedupe.RunOptions) (*models.DistillResult, error) {
		defer close(released)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	manager, store := newTestManager(t, engine, 50*time.Millisecond)

	jobID, err := manager.Submit(context.Background(), sampleRequest(), nil)
	require.NoError(t, err)

	job := waitForTerminal(t, store, jobID)
	assert.Equal(t, models.StatusTimeout, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, jobstore.TimeoutError, *job.Error)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("engine goroutine was not cancelled after the timeout")
	}

	resp, err := manager.Status(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, resp.Status)
	require.NotNil(t, resp.Error)
}

func TestManager_StatusWhileRunning(t *testing.T) {
	reported := make(chan struct{})
	release := make(chan struct{})
	engine := &fakeJobEngine{run: func(ctx context.Context, _ []models.Block, opts dedupe.RunOptions) (*models.DistillResult, error) {
		opts.OnProgress(dedupe.PhaseIteration, 0.55, map[string]any{"iteration": 2})
		close(reported)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return successResult(), nil
	}}
	manager, _ := newTestManager(t, engine, 5*time.Second)

	jobID, err := manager.Submit(context.Background(), sampleRequest(), nil)
	require.NoError(t, err)

	select {
	case <-reported:
	case <-time.After(2 * time.Second):
		t.Fatal("engine never reported progress")
	}

	resp, err := manager.Status(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, resp.Status)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 55.0, resp.Progress.Percent)
	assert.Equal(t, dedupe.PhaseIteration, resp.Progress.Phase)
	assert.Empty(t, resp.Results)
	close(release)
}

func TestManager_DeleteCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	engine := &fakeJobEngine{run: func(ctx context.Context, _ []models.Block, _ dedupe.RunOptions) (*models.DistillResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	manager, store := newTestManager(t, engine, 5*time.Second)

	jobID, err := manager.Submit(context.Background(), sampleRequest(), nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	deleted, err := manager.Delete(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.Get(context.Background(), jobID)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)

	// The cancelled engine's failure write lands after the delete and
	// must not resurrect the job.
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), jobID)
		return errors.Is(err, jobstore.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_DeleteUnknownJob(t *testing.T) {
	engine := &fakeJobEngine{run: func(context.Context, []models.Block, dedupe.RunOptions) (*models.DistillResult, error) {
		return successResult(), nil
	}}
	manager, _ := newTestManager(t, engine, 5*time.Second)

	deleted, err := manager.Delete(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestManager_WebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var payloads []models.WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p models.WebhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	}))
	defer srv.Close()

	engine := &fakeJobEngine{run: func(context.Context, []models.Block, dedupe.RunOptions) (*models.DistillResult, error) {
		return successResult(), nil
	}}
	manager, store := newTestManager(t, engine, 5*time.Second)

	webhook := srv.URL + "/hook"
	jobID, err := manager.Submit(context.Background(), sampleRequest(), &webhook)
	require.NoError(t, err)
	waitForTerminal(t, store, jobID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	}, 2*time.Second, 10*time.Millisecond, "webhook was never delivered")

	mu.Lock()
	p := payloads[0]
	mu.Unlock()
	assert.Equal(t, jobID, p.JobID)
	assert.Equal(t, models.StatusSuccess, p.Status)
	require.NotNil(t, p.Stats)
	assert.Equal(t, 1, p.Stats.FinalBlockCount)
	assert.NotEmpty(t, p.CompletedAt)
}

func TestManager_StatusUnknownJob(t *testing.T) {
	engine := &fakeJobEngine{run: func(context.Context, []models.Block, dedupe.RunOptions) (*models.DistillResult, error) {
		return successResult(), nil
	}}
	manager, _ := newTestManager(t, engine, 5*time.Second)

	_, err := manager.Status(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}
