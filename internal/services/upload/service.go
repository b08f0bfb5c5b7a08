package upload

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"docflow-desktop/internal/resilience"
	"docflow-desktop/internal/store/blob"
)

// Service pushes a batch of local files to the blob storage collaborator
// with bounded concurrency. Each file runs as its own cancellable operation
// so a single file, a whole entity, or all uploads can be aborted.
type Service struct {
	store    blob.Store
	registry *resilience.Registry
	retry    *resilience.RetryExecutor
	policy   resilience.RetryPolicy
	workers  int
	timeout  time.Duration
}

// NewService creates an upload service.
func NewService(store blob.Store, registry *resilience.Registry, workers int, timeout time.Duration) *Service {
	if workers < 1 {
		workers = 1
	}
	return &Service{
		store:    store,
		registry: registry,
		retry:    resilience.NewRetryExecutor(),
		policy:   resilience.DefaultRetryPolicy(),
		workers:  workers,
		timeout:  timeout,
	}
}

// UploadFiles stores every file and returns the confirmed locations. The
// whole batch fails if any file fails; files already stored are reported in
// the error path by the caller's progress callback, and re-running is safe
// because the backend treats locations idempotently per entity.
func (s *Service) UploadFiles(ctx context.Context, entityID string, filePaths []string, onProgress ProgressFunc) ([]Result, error) {
	if len(filePaths) == 0 {
		return nil, fmt.Errorf("no files to upload")
	}

	pool, err := ants.NewPool(s.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload pool: %w", err)
	}
	defer pool.Release()

	var (
		mu        sync.Mutex
		results   []Result
		firstErr  error
		completed int
	)
	var wg sync.WaitGroup

	total := len(filePaths)
	for i, path := range filePaths {
		path := path
		opID := fmt.Sprintf("upload:%s:%d", entityID, i)
		fileName := filepath.Base(path)

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()

			res, err := s.uploadOne(ctx, opID, entityID, fileName, path)

			mu.Lock()
			completed++
			done := completed
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				results = append(results, res)
			}
			mu.Unlock()

			if onProgress != nil {
				onProgress(done, total, fileName)
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to submit upload for %s: %w", fileName, submitErr)
			}
			mu.Unlock()
		}
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	log.Printf("uploaded %d files for entity %s", len(results), entityID)
	return results, nil
}

// CancelEntity aborts every in-flight upload labelled with the entity id.
func (s *Service) CancelEntity(entityID string) int {
	return s.registry.CancelLabel(entityID)
}

func (s *Service) uploadOne(ctx context.Context, opID, entityID, fileName, path string) (Result, error) {
	op := s.registry.Create(opID, resilience.KindUpload, entityID)
	defer s.registry.Complete(opID)

	uploadCtx, cancel := context.WithCancel(op.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var location string
	err := s.retry.Execute(uploadCtx, fmt.Sprintf("upload %s", fileName), s.policy, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			// A missing local file will not appear on retry.
			return resilience.Rejected(fmt.Errorf("cannot read %s: %w", path, err))
		}
		defer f.Close()

		attemptCtx := ctx
		if s.timeout > 0 {
			var tcancel context.CancelFunc
			attemptCtx, tcancel = context.WithTimeout(ctx, s.timeout)
			defer tcancel()
		}

		loc, err := s.store.Upload(attemptCtx, fmt.Sprintf("%s/%s", entityID, fileName), f)
		if err != nil {
			return resilience.Transient(err)
		}
		location = loc
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("upload of %s failed: %w", fileName, err)
	}
	return Result{FileName: fileName, Location: location}, nil
}
