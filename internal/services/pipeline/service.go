package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"docflow-desktop/internal/api"
	"docflow-desktop/internal/database"
	"docflow-desktop/internal/models"
	"docflow-desktop/internal/resilience"
	"docflow-desktop/internal/services/status"
	"docflow-desktop/internal/services/upload"
)

// Service drives one pipeline run per entity through its stages: upload the
// files, wait for remote indexing, request validation, then hand completion
// watching over to the status reconciler. Runs for different entities are
// fully independent; the circuit breaker guarding the trigger endpoint and
// the cancellation registry are the only shared state.
type Service struct {
	uploader Uploader
	engine   Engine
	watcher  Watcher
	registry *resilience.Registry
	breaker  *resilience.CircuitBreaker
	retry    *resilience.RetryExecutor
	poller   *resilience.Poller

	policy  resilience.RetryPolicy
	pollCfg resilience.PollConfig
	emit    EmitFunc

	runStore map[string]*RunProgress
	runMu    sync.RWMutex
}

// NewService creates the pipeline coordinator. watcher and emit may be nil.
func NewService(uploader Uploader, engine Engine, watcher Watcher, registry *resilience.Registry, breaker *resilience.CircuitBreaker, policy resilience.RetryPolicy, pollCfg resilience.PollConfig, emit EmitFunc) *Service {
	return &Service{
		uploader: uploader,
		engine:   engine,
		watcher:  watcher,
		registry: registry,
		breaker:  breaker,
		retry:    resilience.NewRetryExecutor(),
		poller:   resilience.NewPoller(registry),
		policy:   policy,
		pollCfg:  pollCfg,
		emit:     emit,
		runStore: make(map[string]*RunProgress),
	}
}

// StartRun begins a pipeline run for the entity and returns its run ID. The
// run executes in a background goroutine; progress is observable through
// GetRunProgress and the emitted "pipeline:<runID>" events.
func (s *Service) StartRun(entityID string, filePaths []string) (string, error) {
	if entityID == "" {
		return "", fmt.Errorf("entity id is required")
	}
	if len(filePaths) == 0 {
		return "", fmt.Errorf("at least one file is required")
	}

	runID := uuid.New().String()
	progress := &RunProgress{
		RunID:    runID,
		EntityID: entityID,
		State:    StateCreated,
		Progress: 0,
		Messages: []string{fmt.Sprintf("Run created for %d file(s)", len(filePaths))},
		FileNames: lo.Map(filePaths, func(p string, _ int) string {
			return filepath.Base(p)
		}),
		StartedAt: time.Now().Format(time.RFC3339),
	}

	s.runMu.Lock()
	s.runStore[runID] = progress
	s.runMu.Unlock()

	if db := database.GetDB(); db != nil {
		run := &models.ValidationRun{
			ID:        runID,
			EntityID:  entityID,
			State:     StateCreated,
			Progress:  0,
			Messages:  marshalStrings(progress.Messages),
			FileNames: marshalStrings(progress.FileNames),
		}
		if err := db.Create(run).Error; err != nil {
			return "", fmt.Errorf("failed to create run record: %w", err)
		}
	}

	go s.drive(runID, entityID, filePaths)

	return runID, nil
}

// GetRunProgress returns the current progress of a run, falling back to the
// persisted record for runs from before a restart.
func (s *Service) GetRunProgress(runID string) (*RunProgress, error) {
	s.runMu.RLock()
	progress, exists := s.runStore[runID]
	if exists {
		c := *progress
		c.Messages = append([]string(nil), progress.Messages...)
		s.runMu.RUnlock()
		return &c, nil
	}
	s.runMu.RUnlock()

	db := database.GetDB()
	if db == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	var run models.ValidationRun
	if err := db.Where("id = ?", runID).First(&run).Error; err != nil {
		return nil, fmt.Errorf("run not found: %w", err)
	}
	return &RunProgress{
		RunID:     run.ID,
		EntityID:  run.EntityID,
		State:     run.State,
		Progress:  run.Progress,
		Messages:  unmarshalStrings(run.Messages),
		FileNames: unmarshalStrings(run.FileNames),
		Error:     run.Error,
		StartedAt: run.CreatedAt.Format(time.RFC3339),
	}, nil
}

// ListRuns returns persisted run history, newest first.
func (s *Service) ListRuns(limit int) ([]*RunProgress, error) {
	db := database.GetDB()
	if db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	var runs []models.ValidationRun
	if err := db.Order("created_at DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return lo.Map(runs, func(run models.ValidationRun, _ int) *RunProgress {
		return &RunProgress{
			RunID:     run.ID,
			EntityID:  run.EntityID,
			State:     run.State,
			Progress:  run.Progress,
			Messages:  unmarshalStrings(run.Messages),
			FileNames: unmarshalStrings(run.FileNames),
			Error:     run.Error,
			StartedAt: run.CreatedAt.Format(time.RFC3339),
		}
	}), nil
}

// CancelRun requests cooperative cancellation of a run. The abort is observed
// at the run's next suspension point; already-issued network calls finish and
// their results are discarded.
func (s *Service) CancelRun(runID string) error {
	s.runMu.RLock()
	progress, exists := s.runStore[runID]
	s.runMu.RUnlock()
	if !exists {
		return fmt.Errorf("run not found: %s", runID)
	}
	if IsTerminal(progress.State) {
		return fmt.Errorf("run already finished (state: %s)", progress.State)
	}

	// Cancelling by label reaches every operation the run registered: the
	// run-level operation, per-file uploads and the indexing poll all carry
	// the entity ID as their label.
	n := s.registry.CancelLabel(progress.EntityID)
	log.Printf("[%s] cancel requested, %d operation(s) signalled", runID, n)
	return nil
}

// drive walks the run through its stages sequentially. Every stage failure
// resolves the run into exactly one terminal state.
func (s *Service) drive(runID, entityID string, filePaths []string) {
	defer func() {
		if r := recover(); r != nil {
			s.updateRun(runID, StateFailed, 0, fmt.Sprintf("Panic during run: %v", r))
			log.Printf("[%s] run panic recovered: %v", runID, r)
		}
	}()

	op := s.registry.Create("pipeline:"+runID, resilience.KindIndexing, entityID)
	defer s.registry.Complete(op.ID)
	ctx := op.Context()

	// Stage: upload.
	s.updateRun(runID, StateUploading, 5, fmt.Sprintf("Uploading %d file(s)", len(filePaths)))
	results, err := s.uploader.UploadFiles(ctx, entityID, filePaths, func(completed, total int, fileName string) {
		s.updateRunProgressOnly(runID, 5+completed*25/total, fmt.Sprintf("Stored %s (%d/%d)", fileName, completed, total))
	})
	if err != nil {
		s.finish(runID, fmt.Errorf("upload: %w", err))
		return
	}
	locations := lo.Map(results, func(r upload.Result, _ int) string { return r.Location })

	// Stage: wait for remote indexing.
	s.updateRun(runID, StateIndexing, 30, "Waiting for indexing")
	pollCfg := s.pollCfg
	pollCfg.OnProgress = func(attempt int) {
		if pollCfg.MaxAttempts > 0 {
			pct := 30 + attempt*30/pollCfg.MaxAttempts
			if pct > 59 {
				pct = 59
			}
			s.setProgress(runID, pct)
		}
	}
	err = s.poller.Poll(ctx, "poll:index:"+runID, entityID, pollCfg, func(ctx context.Context) (bool, error) {
		rec, err := s.engine.GetPipelineStatus(ctx, entityID)
		if err != nil {
			return false, err
		}
		switch rec.ExtractStage {
		case api.StageCompleted:
			return true, nil
		case api.StageFailed:
			return false, resilience.Rejected(fmt.Errorf("indexing failed upstream"))
		default:
			return false, nil
		}
	})
	if err != nil {
		s.finish(runID, fmt.Errorf("indexing: %w", err))
		return
	}
	s.updateRun(runID, StateIndexReady, 60, "Index ready")

	// Stage: request validation. The breaker guards the trigger endpoint
	// across all entities; the retry runs inside it so a rejected call never
	// burns breaker failures more than once.
	s.updateRun(runID, StateValidationTriggering, 65, "Requesting validation")
	err = s.breaker.Execute(ctx, entityID, func(ctx context.Context) error {
		return s.retry.Execute(ctx, "trigger:"+entityID, s.policy, func(ctx context.Context) error {
			return s.engine.TriggerValidation(ctx, api.TriggerRequest{
				EntityID:       entityID,
				InputLocations: locations,
			})
		})
	})
	if err != nil {
		s.finish(runID, fmt.Errorf("trigger: %w", err))
		return
	}

	// Acceptance only: validation now runs remotely.
	s.updateRun(runID, StateValidationRunning, 75, "Validation accepted by workflow engine")

	if s.watcher == nil {
		return
	}
	s.watchValidation(ctx, runID, entityID)
}

// watchValidation observes the authoritative status record until validation
// resolves. This stage is observational; the only driving left is reacting
// to cancellation.
func (s *Service) watchValidation(ctx context.Context, runID, entityID string) {
	ch, err := s.watcher.Subscribe(ctx, entityID)
	if err != nil {
		s.finish(runID, fmt.Errorf("status watch: %w", err))
		return
	}
	defer s.watcher.Unsubscribe(entityID, ch)

	for {
		select {
		case <-ctx.Done():
			s.finish(runID, resilience.ErrCancelled)
			return
		case u, ok := <-ch:
			if !ok {
				s.finish(runID, fmt.Errorf("status watch: subscription closed"))
				return
			}
			if u.Deleted {
				s.finish(runID, fmt.Errorf("status record deleted upstream"))
				return
			}
			switch u.Status.Stage {
			case status.StageCompleted:
				s.runMu.Lock()
				if p, exists := s.runStore[runID]; exists {
					p.CompletedAt = time.Now().Format(time.RFC3339)
				}
				s.runMu.Unlock()
				s.updateRun(runID, StateCompleted, 100, "Validation completed")
				return
			case status.StageFailed:
				s.finish(runID, fmt.Errorf("validation failed upstream"))
				return
			default:
				s.updateRunProgressOnly(runID, 75+int(u.Status.ProgressPercent)/4,
					fmt.Sprintf("Validation progress %d/%d", u.Status.ItemsCompleted, u.Status.ItemsTotal))
			}
		}
	}
}

// finish resolves the run into its terminal state from the stage error. The
// error is recorded before the terminal state becomes visible so a reader
// that observes the state also sees the cause.
func (s *Service) finish(runID string, err error) {
	cancelled := errors.Is(err, resilience.ErrCancelled)

	s.runMu.Lock()
	if p, exists := s.runStore[runID]; exists {
		if p.Error == "" && !cancelled {
			p.Error = err.Error()
		}
		p.CompletedAt = time.Now().Format(time.RFC3339)
	}
	s.runMu.Unlock()

	switch {
	case cancelled:
		s.updateRun(runID, StateCancelled, -1, "Run cancelled")
	case errors.Is(err, resilience.ErrTimedOut):
		s.updateRun(runID, StateTimedOut, -1, fmt.Sprintf("Run timed out: %v", err))
	default:
		s.updateRun(runID, StateFailed, -1, fmt.Sprintf("Run failed: %v", err))
	}

	if db := database.GetDB(); db != nil {
		var run models.ValidationRun
		if dbErr := db.Where("id = ?", runID).First(&run).Error; dbErr == nil {
			if run.Error == "" && !cancelled {
				run.Error = err.Error()
			}
			db.Save(&run)
		}
	}
}

// updateRun moves the run to a new state, records a message and mirrors the
// change to the database and the frontend. A negative progress keeps the
// current value.
func (s *Service) updateRun(runID, state string, progress int, message string) {
	var snapshot RunProgress

	s.runMu.Lock()
	p, exists := s.runStore[runID]
	if !exists {
		s.runMu.Unlock()
		return
	}
	p.State = state
	if progress >= 0 {
		p.Progress = progress
	}
	p.Messages = append(p.Messages, message)
	snapshot = *p
	snapshot.Messages = append([]string(nil), p.Messages...)
	s.runMu.Unlock()

	if db := database.GetDB(); db != nil {
		var run models.ValidationRun
		if err := db.Where("id = ?", runID).First(&run).Error; err == nil {
			run.State = state
			run.Progress = snapshot.Progress
			run.Messages = marshalStrings(snapshot.Messages)
			db.Save(&run)
		}
	}

	s.emitRun(&snapshot, message)
	log.Printf("[%s] %s (%d%%): %s", runID, state, snapshot.Progress, message)
}

// updateRunProgressOnly advances progress and appends a message without a
// state change or a database write.
func (s *Service) updateRunProgressOnly(runID string, progress int, message string) {
	var snapshot RunProgress

	s.runMu.Lock()
	p, exists := s.runStore[runID]
	if !exists {
		s.runMu.Unlock()
		return
	}
	if progress > p.Progress {
		p.Progress = progress
	}
	p.Messages = append(p.Messages, message)
	snapshot = *p
	snapshot.Messages = append([]string(nil), p.Messages...)
	s.runMu.Unlock()

	s.emitRun(&snapshot, message)
}

// setProgress bumps the progress percentage silently.
func (s *Service) setProgress(runID string, progress int) {
	s.runMu.Lock()
	if p, exists := s.runStore[runID]; exists && progress > p.Progress {
		p.Progress = progress
	}
	s.runMu.Unlock()
}

func (s *Service) emitRun(p *RunProgress, message string) {
	if s.emit == nil {
		return
	}
	s.emit(fmt.Sprintf("pipeline:%s", p.RunID), map[string]interface{}{
		"run_id":    p.RunID,
		"entity_id": p.EntityID,
		"state":     p.State,
		"progress":  p.Progress,
		"message":   message,
		"messages":  p.Messages,
	})
}

func marshalStrings(values []string) string {
	data, _ := json.Marshal(values)
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var values []string
	json.Unmarshal([]byte(raw), &values)
	return values
}
