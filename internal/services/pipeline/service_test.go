package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow-desktop/internal/api"
	"docflow-desktop/internal/resilience"
	"docflow-desktop/internal/services/status"
	"docflow-desktop/internal/services/upload"
)

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{} // non-nil blocks UploadFiles until closed or ctx ends
}

func (f *fakeUploader) UploadFiles(ctx context.Context, entityID string, filePaths []string, onProgress upload.ProgressFunc) ([]upload.Result, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, resilience.ErrCancelled
		}
	}
	if err != nil {
		return nil, err
	}

	results := make([]upload.Result, 0, len(filePaths))
	for i, p := range filePaths {
		name := filepath.Base(p)
		results = append(results, upload.Result{
			FileName: name,
			Location: fmt.Sprintf("gs://test-inbox/%s/%s", entityID, name),
		})
		if onProgress != nil {
			onProgress(i+1, len(filePaths), name)
		}
	}
	return results, nil
}

func (f *fakeUploader) CancelEntity(entityID string) int { return 0 }

// fakeEngine serves a scripted extract-stage sequence (last value repeats)
// and a scripted trigger error sequence (exhausted means success).
type fakeEngine struct {
	mu           sync.Mutex
	stages       []string
	statusCalls  int
	triggerErrs  []error
	triggerCalls int
	lastTrigger  api.TriggerRequest
}

func (f *fakeEngine) GetPipelineStatus(ctx context.Context, entityID string) (*api.StatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	idx := f.statusCalls - 1
	if idx >= len(f.stages) {
		idx = len(f.stages) - 1
	}
	return &api.StatusRecord{
		ID:            entityID,
		ExtractStage:  f.stages[idx],
		LastUpdatedAt: time.Now(),
	}, nil
}

func (f *fakeEngine) TriggerValidation(ctx context.Context, req api.TriggerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggerCalls++
	f.lastTrigger = req
	if len(f.triggerErrs) > 0 {
		err := f.triggerErrs[0]
		f.triggerErrs = f.triggerErrs[1:]
		return err
	}
	return nil
}

func (f *fakeEngine) counts() (status, trigger int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.triggerCalls
}

func fastPolicy(maxAttempts int) resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	p.MaxAttempts = maxAttempts
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

func fastPollConfig(maxAttempts int) resilience.PollConfig {
	return resilience.PollConfig{
		InitialInterval: time.Millisecond,
		SteadyInterval:  2 * time.Millisecond,
		FastAttempts:    2,
		MaxAttempts:     maxAttempts,
		CheckTimeout:    500 * time.Millisecond,
	}
}

func newTestService(uploader Uploader, engine Engine, watcher Watcher, pollAttempts, retryAttempts int) (*Service, *resilience.Registry) {
	registry := resilience.NewRegistry()
	breaker := resilience.NewCircuitBreaker("workflow-engine", 5, time.Second)
	svc := NewService(uploader, engine, watcher, registry, breaker, fastPolicy(retryAttempts), fastPollConfig(pollAttempts), nil)
	return svc, registry
}

func waitForState(t *testing.T, svc *Service, runID, want string) *RunProgress {
	t.Helper()
	var last *RunProgress
	require.Eventually(t, func() bool {
		p, err := svc.GetRunProgress(runID)
		if err != nil {
			return false
		}
		last = p
		return p.State == want
	}, 5*time.Second, time.Millisecond, "run never reached state %q (last: %+v)", want, last)
	return last
}

func TestRunHappyPath(t *testing.T) {
	t.Run("Should reach validation_running after 3 polls and 1 trigger", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StagePending, api.StagePending, api.StageCompleted}}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)

		runID, err := svc.StartRun("E1", []string{"/tmp/a.pdf", "/tmp/b.pdf"})
		require.NoError(t, err)

		progress := waitForState(t, svc, runID, StateValidationRunning)
		statusCalls, triggerCalls := engine.counts()
		assert.Equal(t, 3, statusCalls, "poller must stop on the first done result")
		assert.Equal(t, 1, triggerCalls)
		assert.Equal(t, []string{"a.pdf", "b.pdf"}, progress.FileNames)

		engine.mu.Lock()
		req := engine.lastTrigger
		engine.mu.Unlock()
		assert.Equal(t, "E1", req.EntityID)
		assert.Equal(t, []string{
			"gs://test-inbox/E1/a.pdf",
			"gs://test-inbox/E1/b.pdf",
		}, req.InputLocations, "trigger must carry the confirmed stored locations")
	})

	t.Run("Should walk states strictly forward", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StageCompleted}}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)

		runID, err := svc.StartRun("E1", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		progress := waitForState(t, svc, runID, StateValidationRunning)
		joined := fmt.Sprint(progress.Messages)
		assert.Contains(t, joined, "Uploading")
		assert.Contains(t, joined, "Index ready")
		assert.Contains(t, joined, "Requesting validation")
	})
}

func TestRunTriggerRetry(t *testing.T) {
	t.Run("Should retry transient trigger failures and record 3 invocations", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{
			stages: []string{api.StageCompleted},
			triggerErrs: []error{
				resilience.Transient(errors.New("gateway timeout")),
				resilience.Transient(errors.New("gateway timeout")),
			},
		}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)

		runID, err := svc.StartRun("E2", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		waitForState(t, svc, runID, StateValidationRunning)
		_, triggerCalls := engine.counts()
		assert.Equal(t, 3, triggerCalls)
	})

	t.Run("Should fail without retry on a rejected trigger", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{
			stages:      []string{api.StageCompleted},
			triggerErrs: []error{resilience.Rejected(errors.New("malformed request"))},
		}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)

		runID, err := svc.StartRun("E2", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		progress := waitForState(t, svc, runID, StateFailed)
		_, triggerCalls := engine.counts()
		assert.Equal(t, 1, triggerCalls, "rejected errors are not retried")
		assert.Contains(t, progress.Error, "malformed request")
	})

	t.Run("Should fail after exhausting the retry budget", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{
			stages: []string{api.StageCompleted},
			triggerErrs: []error{
				resilience.Transient(errors.New("down")),
				resilience.Transient(errors.New("down")),
				resilience.Transient(errors.New("still down")),
			},
		}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)

		runID, err := svc.StartRun("E2", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		progress := waitForState(t, svc, runID, StateFailed)
		_, triggerCalls := engine.counts()
		assert.Equal(t, 3, triggerCalls)
		assert.Contains(t, progress.Error, "still down", "last error wins")
	})
}

func TestRunCancellation(t *testing.T) {
	t.Run("Should resolve to cancelled when cancelled during indexing", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StagePending}} // never completes
		svc, _ := newTestService(uploader, engine, nil, 100000, 3)

		runID, err := svc.StartRun("E3", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		waitForState(t, svc, runID, StateIndexing)
		require.NoError(t, svc.CancelRun(runID))

		waitForState(t, svc, runID, StateCancelled)
		_, triggerCalls := engine.counts()
		assert.Equal(t, 0, triggerCalls, "a cancelled run must never trigger validation")
	})

	t.Run("Should resolve to cancelled when cancelled during upload", func(t *testing.T) {
		uploader := &fakeUploader{block: make(chan struct{})}
		engine := &fakeEngine{stages: []string{api.StageCompleted}}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)

		runID, err := svc.StartRun("E3", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		waitForState(t, svc, runID, StateUploading)
		require.NoError(t, svc.CancelRun(runID))

		waitForState(t, svc, runID, StateCancelled)
	})

	t.Run("Should reject cancelling a finished run", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StageCompleted}}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)

		runID, err := svc.StartRun("E1", []string{"/tmp/a.pdf"})
		require.NoError(t, err)
		waitForState(t, svc, runID, StateValidationRunning)

		// Park the run in a terminal state by hand; validation_running is
		// not terminal.
		svc.updateRun(runID, StateCompleted, 100, "done")
		assert.Error(t, svc.CancelRun(runID))
	})

	t.Run("Should reject cancelling an unknown run", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StageCompleted}}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)
		assert.Error(t, svc.CancelRun("no-such-run"))
	})
}

func TestRunFailurePaths(t *testing.T) {
	t.Run("Should fail the run when upload fails", func(t *testing.T) {
		uploader := &fakeUploader{err: resilience.Rejected(errors.New("file not found"))}
		engine := &fakeEngine{stages: []string{api.StageCompleted}}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)

		runID, err := svc.StartRun("E1", []string{"/tmp/missing.pdf"})
		require.NoError(t, err)

		progress := waitForState(t, svc, runID, StateFailed)
		assert.Contains(t, progress.Error, "file not found")
		_, triggerCalls := engine.counts()
		assert.Equal(t, 0, triggerCalls)
	})

	t.Run("Should time out when indexing never completes", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StagePending}}
		svc, _ := newTestService(uploader, engine, nil, 4, 3)

		runID, err := svc.StartRun("E1", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		waitForState(t, svc, runID, StateTimedOut)
		statusCalls, triggerCalls := engine.counts()
		assert.Equal(t, 4, statusCalls, "attempt ceiling bounds the poll")
		assert.Equal(t, 0, triggerCalls)
	})

	t.Run("Should fail when indexing fails upstream", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StagePending, api.StageFailed}}
		svc, _ := newTestService(uploader, engine, nil, 10, 3)

		runID, err := svc.StartRun("E1", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		progress := waitForState(t, svc, runID, StateFailed)
		assert.Contains(t, progress.Error, "indexing failed upstream")
	})

	t.Run("Should fail fast while the trigger breaker is open", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StageCompleted}}

		registry := resilience.NewRegistry()
		breaker := resilience.NewCircuitBreaker("workflow-engine", 1, time.Hour)
		svc := NewService(uploader, engine, nil, registry, breaker, fastPolicy(1), fastPollConfig(10), nil)

		// Trip the breaker.
		_ = breaker.Execute(context.Background(), "warmup", func(ctx context.Context) error {
			return resilience.Transient(errors.New("down"))
		})

		runID, err := svc.StartRun("E1", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		waitForState(t, svc, runID, StateFailed)
		_, triggerCalls := engine.counts()
		assert.Equal(t, 0, triggerCalls, "an open breaker must not invoke the engine")
	})
}

// fakeWatcher hands every subscriber a pre-filled update channel.
type fakeWatcher struct {
	mu      sync.Mutex
	ch      chan status.Update
	subbed  int
	unsubed int
}

func (f *fakeWatcher) Subscribe(ctx context.Context, entityID string) (<-chan status.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subbed++
	return f.ch, nil
}

func (f *fakeWatcher) Unsubscribe(entityID string, ch <-chan status.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubed++
}

func TestRunValidationWatch(t *testing.T) {
	t.Run("Should complete the run when the watched record completes", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StageCompleted}}
		watcher := &fakeWatcher{ch: make(chan status.Update, 4)}
		watcher.ch <- status.Update{Status: &status.PipelineStatus{
			Stage: status.StageValidating, ItemsCompleted: 5, ItemsTotal: 10, ProgressPercent: 50,
		}}
		watcher.ch <- status.Update{Status: &status.PipelineStatus{
			Stage: status.StageCompleted, ItemsCompleted: 10, ItemsTotal: 10, ProgressPercent: 100,
		}}
		svc, _ := newTestService(uploader, engine, watcher, 10, 3)

		runID, err := svc.StartRun("E1", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		progress := waitForState(t, svc, runID, StateCompleted)
		assert.Equal(t, 100, progress.Progress)

		watcher.mu.Lock()
		defer watcher.mu.Unlock()
		assert.Equal(t, 1, watcher.subbed)
		assert.Equal(t, 1, watcher.unsubed)
	})

	t.Run("Should fail the run when the watched record fails", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StageCompleted}}
		watcher := &fakeWatcher{ch: make(chan status.Update, 1)}
		watcher.ch <- status.Update{Status: &status.PipelineStatus{Stage: status.StageFailed}}
		svc, _ := newTestService(uploader, engine, watcher, 10, 3)

		runID, err := svc.StartRun("E1", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		progress := waitForState(t, svc, runID, StateFailed)
		assert.Contains(t, progress.Error, "validation failed upstream")
	})

	t.Run("Should fail the run when the watched record is deleted", func(t *testing.T) {
		uploader := &fakeUploader{}
		engine := &fakeEngine{stages: []string{api.StageCompleted}}
		watcher := &fakeWatcher{ch: make(chan status.Update, 1)}
		watcher.ch <- status.Update{Deleted: true}
		svc, _ := newTestService(uploader, engine, watcher, 10, 3)

		runID, err := svc.StartRun("E1", []string{"/tmp/a.pdf"})
		require.NoError(t, err)

		progress := waitForState(t, svc, runID, StateFailed)
		assert.Contains(t, progress.Error, "deleted")
	})
}

func TestStartRunValidation(t *testing.T) {
	uploader := &fakeUploader{}
	engine := &fakeEngine{stages: []string{api.StageCompleted}}
	svc, _ := newTestService(uploader, engine, nil, 10, 3)

	t.Run("Should require an entity id", func(t *testing.T) {
		_, err := svc.StartRun("", []string{"/tmp/a.pdf"})
		assert.Error(t, err)
	})

	t.Run("Should require at least one file", func(t *testing.T) {
		_, err := svc.StartRun("E1", nil)
		assert.Error(t, err)
	})
}

func TestIsTerminal(t *testing.T) {
	for _, state := range []string{StateCompleted, StateFailed, StateTimedOut, StateCancelled} {
		assert.True(t, IsTerminal(state), state)
	}
	for _, state := range []string{StateCreated, StateUploading, StateIndexing, StateIndexReady, StateValidationTriggering, StateValidationRunning} {
		assert.False(t, IsTerminal(state), state)
	}
}
