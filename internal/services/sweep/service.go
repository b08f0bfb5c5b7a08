package sweep

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"docflow-desktop/internal/database"
	"docflow-desktop/internal/models"
)

const jobName = "pipeline-advance"

// Service runs the background sweep: a fixed-cadence cron tick that asks the
// backend to advance any pending pipeline work. The loop has no terminal
// condition; it runs until stopped. A busy flag keeps iterations from
// overlapping, and a stuck iteration is force-reset after three times the
// iteration timeout so one wedged call can never kill the schedule.
type Service struct {
	advancer Advancer
	cron     *cron.Cron
	timeout  time.Duration

	mu            sync.Mutex
	entryID       cron.EntryID
	scheduled     bool
	cronExpr      string
	busy          bool
	busyStartedAt time.Time
	iterations    int
	lastAdvanced  int
	lastRunAt     *time.Time
}

// NewService creates the sweep service. timeout bounds each iteration's
// advance call.
func NewService(advancer Advancer, timeout time.Duration) *Service {
	return &Service{
		advancer: advancer,
		cron:     cron.New(cron.WithSeconds()),
		timeout:  timeout,
	}
}

// Start normalizes and persists the schedule, then begins ticking if the
// persisted job is enabled.
func (s *Service) Start(cronExpr string) error {
	normalized, err := normalizeCron(cronExpr)
	if err != nil {
		return err
	}

	enabled := true
	if db := database.GetDB(); db != nil {
		var job models.SweepJob
		result := db.Where("name = ?", jobName).First(&job)
		if result.Error != nil {
			if result.Error != gorm.ErrRecordNotFound {
				return fmt.Errorf("failed to load sweep job: %w", result.Error)
			}
			job = models.SweepJob{Name: jobName, Cron: normalized, Enabled: true}
			if err := db.Create(&job).Error; err != nil {
				return fmt.Errorf("failed to create sweep job: %w", err)
			}
		} else {
			job.Cron = normalized
			if err := db.Save(&job).Error; err != nil {
				return fmt.Errorf("failed to update sweep job: %w", err)
			}
		}
		enabled = job.Enabled
		s.mu.Lock()
		s.lastRunAt = job.LastRunAt
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.cronExpr = normalized
	s.mu.Unlock()

	s.cron.Start()
	if enabled {
		if err := s.schedule(normalized); err != nil {
			return err
		}
	}

	log.Printf("Sweep started (cron: %s, enabled: %v)", normalized, enabled)
	return nil
}

// Stop drains the cron scheduler, waiting for a running tick to return.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("Sweep stopped")
}

// SetEnabled toggles the sweep and persists the choice.
func (s *Service) SetEnabled(enabled bool) error {
	if db := database.GetDB(); db != nil {
		if err := db.Model(&models.SweepJob{}).Where("name = ?", jobName).
			Update("enabled", enabled).Error; err != nil {
			return fmt.Errorf("failed to persist sweep toggle: %w", err)
		}
	}

	if enabled {
		s.mu.Lock()
		expr := s.cronExpr
		s.mu.Unlock()
		if expr == "" {
			return fmt.Errorf("sweep not started")
		}
		return s.schedule(expr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduled {
		s.cron.Remove(s.entryID)
		s.scheduled = false
	}
	return nil
}

// Status returns a snapshot of the loop for display.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Enabled:      s.scheduled,
		Cron:         s.cronExpr,
		Busy:         s.busy,
		Iterations:   s.iterations,
		LastAdvanced: s.lastAdvanced,
		LastRunAt:    s.lastRunAt,
	}
}

// RunNow executes one sweep iteration immediately, outside the schedule.
func (s *Service) RunNow() {
	s.tick()
}

func (s *Service) schedule(cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduled {
		s.cron.Remove(s.entryID)
	}
	entryID, err := s.cron.AddFunc(cronExpr, s.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	s.entryID = entryID
	s.scheduled = true
	return nil
}

// tick runs one sweep iteration. A tick that finds the previous iteration
// still in flight skips, unless that iteration has been busy longer than
// three times the iteration timeout, in which case the flag is force-reset
// and this tick proceeds.
func (s *Service) tick() {
	now := time.Now()

	s.mu.Lock()
	if s.busy {
		if now.Sub(s.busyStartedAt) < 3*s.timeout {
			s.mu.Unlock()
			log.Println("Sweep: previous iteration still in flight, skipping tick")
			return
		}
		log.Printf("Sweep: iteration stuck for %s, force-resetting busy flag",
			now.Sub(s.busyStartedAt).Round(time.Millisecond))
	}
	s.busy = true
	s.busyStartedAt = now
	s.mu.Unlock()

	s.runIteration(now)
}

func (s *Service) runIteration(token time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	advanced, err := s.advancer.AdvancePending(ctx)
	finishedAt := time.Now()

	s.mu.Lock()
	// Only the iteration that set the flag may clear it; a force-reset
	// stamps a new token, after which the stuck iteration's return is
	// ignored.
	if s.busyStartedAt.Equal(token) {
		s.busy = false
	}
	s.iterations++
	if err == nil {
		s.lastAdvanced = advanced
		s.lastRunAt = &finishedAt
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("Sweep: advance failed: %v", err)
		return
	}
	if advanced > 0 {
		log.Printf("Sweep: advanced %d pending item(s)", advanced)
	}

	if db := database.GetDB(); db != nil {
		if err := db.Model(&models.SweepJob{}).Where("name = ?", jobName).
			Update("last_run_at", finishedAt).Error; err != nil {
			log.Printf("WARNING: Failed to record sweep run time: %v", err)
		}
	}
}

// normalizeCron accepts both 5-field and 6-field cron expressions and
// returns the 6-field form the scheduler runs on, prepending a seconds field
// of 0 where needed.
func normalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	fields := strings.Fields(cronExpr)

	if len(fields) == 6 {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 6-field cron expression: %w", err)
		}
		return cronExpr, nil
	}

	if len(fields) == 5 {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		return "0 " + cronExpr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}
