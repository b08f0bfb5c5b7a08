package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"docflow-desktop/internal/api"
	"docflow-desktop/internal/config"
	"docflow-desktop/internal/crypto"
	"docflow-desktop/internal/database"
	"docflow-desktop/internal/models"
	"docflow-desktop/internal/resilience"
	"docflow-desktop/internal/services/pipeline"
	"docflow-desktop/internal/services/status"
	"docflow-desktop/internal/services/sweep"
	"docflow-desktop/internal/services/upload"
	"docflow-desktop/internal/store/blob"
)

// App struct - main application state
type App struct {
	ctx context.Context
	cfg config.Config
	db  *gorm.DB

	registry      *resilience.Registry
	breaker       *resilience.CircuitBreaker
	blobStore     blob.Store
	uploadService *upload.Service

	// Per-profile wiring, rebuilt on SelectProfile.
	selectedProfile *models.ServerProfile
	client          *api.Client
	reconciler      *status.Reconciler
	pipelineService *pipeline.Service
	sweepService    *sweep.Service
	feedCancel      context.CancelFunc

	subsMu sync.Mutex
	subs   map[string]<-chan status.Update

	// emit overrides runtime event delivery; nil means the wails runtime.
	emit func(event string, payload map[string]interface{})
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{
		subs: make(map[string]<-chan status.Update),
	}
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	log.Println("Application starting up...")

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	a.cfg = cfg

	// Initialize encryption (FATAL if this fails - we cannot save profiles without it)
	if err := crypto.InitEncryption(); err != nil {
		log.Fatalf("FATAL: Encryption initialization failed: %v\nProfiles cannot be saved without encryption.", err)
	}
	log.Println("Encryption initialized successfully")

	db, err := database.Init(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	a.db = db
	log.Println("Database initialized successfully")

	a.registry = resilience.NewRegistry()
	a.breaker = resilience.NewCircuitBreaker("workflow-engine", cfg.TriggerThreshold, cfg.TriggerCooldown)

	store, err := blob.NewGCSStore(cfg.BlobBucket)
	if err != nil {
		// Uploads stay unavailable until credentials are fixed; everything
		// else still works.
		log.Printf("WARNING: Blob storage unavailable: %v", err)
	} else {
		a.blobStore = store
		a.uploadService = upload.NewService(store, a.registry, cfg.UploadWorkers, cfg.UploadTimeout)
		log.Println("Upload service initialized")
	}

	log.Println("Startup complete")
}

// shutdown is called when the app is closing
func (a *App) shutdown(ctx context.Context) {
	log.Println("Application shutting down...")

	a.disconnectProfile()
	a.registry.CancelAll()

	if a.blobStore != nil {
		if err := a.blobStore.Close(); err != nil {
			log.Printf("Error closing blob storage: %v", err)
		}
	}
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}

// ====================================================================================
// WAILS-BOUND METHODS - Exposed to Frontend
// ====================================================================================

// Profile Management Methods

// ListProfiles returns all server profiles
func (a *App) ListProfiles() ([]models.ServerProfile, error) {
	var profiles []models.ServerProfile
	if err := a.db.Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

// GetProfile retrieves a specific server profile by ID
func (a *App) GetProfile(profileID string) (*models.ServerProfile, error) {
	var profile models.ServerProfile
	if err := a.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// CreateProfile creates a new server profile
// NOTE: Frontend should call TestConnection() before calling this method
// to validate credentials and the URL before saving to database
func (a *App) CreateProfile(req CreateProfileRequest) error {
	if !crypto.IsInitialized() {
		return errors.New("encryption system not initialized - cannot save profiles")
	}
	if req.Name == "" || req.BackendURL == "" || req.Username == "" {
		return errors.New("name, backend_url and username are required")
	}

	passwordEnc, err := crypto.EncryptCredential(req.Password)
	if err != nil {
		return err
	}

	profile := &models.ServerProfile{
		Name:        req.Name,
		BackendURL:  req.BackendURL,
		FeedURL:     req.FeedURL,
		Username:    req.Username,
		PasswordEnc: passwordEnc,
	}
	return a.db.Create(profile).Error
}

// UpdateProfile updates an existing server profile
func (a *App) UpdateProfile(profileID string, req CreateProfileRequest) error {
	var profile models.ServerProfile
	if err := a.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		return err
	}

	profile.Name = req.Name
	profile.BackendURL = req.BackendURL
	profile.FeedURL = req.FeedURL
	profile.Username = req.Username

	// Only re-encrypt when a new password was provided
	if req.Password != "" {
		passwordEnc, err := crypto.EncryptCredential(req.Password)
		if err != nil {
			return err
		}
		profile.PasswordEnc = passwordEnc
	}

	return a.db.Save(&profile).Error
}

// DeleteProfile deletes a server profile
func (a *App) DeleteProfile(profileID string) error {
	if a.selectedProfile != nil && a.selectedProfile.ID == profileID {
		a.disconnectProfile()
	}
	return a.db.Where("id = ?", profileID).Delete(&models.ServerProfile{}).Error
}

// SelectProfile activates a profile: the backend client, status feed,
// pipeline coordinator and background sweep are all rebuilt against it.
func (a *App) SelectProfile(profileID string) error {
	var profile models.ServerProfile
	if err := a.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		return err
	}

	password, err := crypto.DecryptCredential(profile.PasswordEnc)
	if err != nil {
		return fmt.Errorf("failed to decrypt profile credentials: %w", err)
	}

	a.disconnectProfile()

	a.client = api.NewClient(profile.BackendURL, profile.Username, password)
	a.reconciler = status.NewReconciler(a.client, a.cfg.RefreshQuietWindow, a.cfg.RefreshMaxWait)

	feedCtx, cancel := context.WithCancel(context.Background())
	a.feedCancel = cancel
	feed := api.NewChangeFeed(profile.FeedURL, "pipeline_status", "", a.reconciler)
	go feed.Run(feedCtx)

	policy := resilience.DefaultRetryPolicy()
	pollCfg := resilience.PollConfig{
		InitialInterval: a.cfg.IndexPollFast,
		SteadyInterval:  a.cfg.IndexPollSteady,
		FastAttempts:    a.cfg.IndexFastAttempts,
		MaxAttempts:     a.cfg.IndexMaxAttempts,
		CheckTimeout:    a.cfg.IndexCheckTimeout,
	}
	a.pipelineService = pipeline.NewService(a.uploadService, a.client, a.reconciler,
		a.registry, a.breaker, policy, pollCfg, a.emitEvent)

	a.sweepService = sweep.NewService(a.client, a.cfg.SweepTimeout)
	if err := a.sweepService.Start(a.cfg.SweepCron); err != nil {
		log.Printf("WARNING: Failed to start sweep: %v", err)
	}

	a.selectedProfile = &profile
	log.Printf("Selected profile: %s", profile.Name)
	return nil
}

// GetSelectedProfile returns the currently selected profile
func (a *App) GetSelectedProfile() (*models.ServerProfile, error) {
	if a.selectedProfile == nil {
		return nil, nil
	}
	return a.selectedProfile, nil
}

// disconnectProfile tears down the per-profile wiring.
func (a *App) disconnectProfile() {
	if a.feedCancel != nil {
		a.feedCancel()
		a.feedCancel = nil
	}
	if a.sweepService != nil {
		a.sweepService.Stop()
		a.sweepService = nil
	}

	a.subsMu.Lock()
	subs := a.subs
	a.subs = make(map[string]<-chan status.Update)
	a.subsMu.Unlock()
	for entityID, ch := range subs {
		if a.reconciler != nil {
			a.reconciler.Unsubscribe(entityID, ch)
		}
	}

	a.client = nil
	a.reconciler = nil
	a.pipelineService = nil
	a.selectedProfile = nil
}

// Pipeline Run Methods

// StartValidationRun uploads the given files for the entity and drives the
// pipeline through indexing and validation triggering. Returns the run ID.
func (a *App) StartValidationRun(entityID string, filePaths []string) (string, error) {
	if a.pipelineService == nil {
		return "", errors.New("no profile selected")
	}
	if a.uploadService == nil {
		return "", errors.New("blob storage unavailable - check credentials and restart")
	}
	return a.pipelineService.StartRun(entityID, filePaths)
}

// CancelValidationRun cancels a running pipeline run
func (a *App) CancelValidationRun(runID string) error {
	if a.pipelineService == nil {
		return errors.New("no profile selected")
	}
	return a.pipelineService.CancelRun(runID)
}

// GetRunProgress retrieves the progress of a pipeline run
func (a *App) GetRunProgress(runID string) (*pipeline.RunProgress, error) {
	if a.pipelineService == nil {
		return nil, errors.New("no profile selected")
	}
	return a.pipelineService.GetRunProgress(runID)
}

// ListValidationRuns retrieves recent run history, newest first
func (a *App) ListValidationRuns(limit int) ([]*pipeline.RunProgress, error) {
	if a.pipelineService == nil {
		return nil, errors.New("no profile selected")
	}
	return a.pipelineService.ListRuns(limit)
}

// Status Watching Methods

// SubscribeStatus starts pushing "status:<entityID>" events to the frontend.
// The first event carries the current authoritative state; later ones follow
// feed notifications and debounced refreshes.
func (a *App) SubscribeStatus(entityID string) error {
	if a.reconciler == nil {
		return errors.New("no profile selected")
	}

	a.subsMu.Lock()
	if _, exists := a.subs[entityID]; exists {
		a.subsMu.Unlock()
		return nil
	}
	a.subsMu.Unlock()

	ch, err := a.reconciler.Subscribe(a.ctx, entityID)
	if err != nil {
		return err
	}

	// A concurrent call may have won the race between the check above and
	// the Subscribe call. Keep exactly one subscription per entity and
	// release the redundant one.
	a.subsMu.Lock()
	if _, exists := a.subs[entityID]; exists {
		a.subsMu.Unlock()
		a.reconciler.Unsubscribe(entityID, ch)
		return nil
	}
	a.subs[entityID] = ch
	a.subsMu.Unlock()

	go func() {
		for update := range ch {
			if update.Deleted {
				a.emitEvent(fmt.Sprintf("status:%s", entityID), map[string]interface{}{
					"entity_id": entityID,
					"deleted":   true,
				})
				continue
			}
			a.emitEvent(fmt.Sprintf("status:%s", entityID), map[string]interface{}{
				"entity_id": entityID,
				"status":    update.Status,
			})
		}
		a.subsMu.Lock()
		if cur, tracked := a.subs[entityID]; tracked && cur == ch {
			delete(a.subs, entityID)
		}
		a.subsMu.Unlock()
	}()
	return nil
}

// UnsubscribeStatus stops pushing status events for the entity
func (a *App) UnsubscribeStatus(entityID string) {
	a.subsMu.Lock()
	ch, exists := a.subs[entityID]
	delete(a.subs, entityID)
	a.subsMu.Unlock()

	if exists && a.reconciler != nil {
		a.reconciler.Unsubscribe(entityID, ch)
	}
}

// RefreshStatus forces an immediate authoritative status read
func (a *App) RefreshStatus(entityID string) (*status.PipelineStatus, error) {
	if a.reconciler == nil {
		return nil, errors.New("no profile selected")
	}
	return a.reconciler.Refresh(a.ctx, entityID)
}

// GetEntityName resolves an entity's display name (cached)
func (a *App) GetEntityName(entityID string) string {
	if a.client == nil {
		return entityID
	}
	return a.client.GetEntityName(a.ctx, entityID)
}

// Operation Registry Methods

// OperationInfo describes one tracked cancellable operation
type OperationInfo struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Label     string `json:"label"`
	StartedAt string `json:"started_at"`
}

// ListActiveOperations returns every operation currently tracked
func (a *App) ListActiveOperations() []OperationInfo {
	ops := a.registry.Active()
	infos := make([]OperationInfo, 0, len(ops))
	for _, op := range ops {
		infos = append(infos, OperationInfo{
			ID:        op.ID,
			Kind:      string(op.Kind),
			Label:     op.Label,
			StartedAt: op.StartedAt.Format(time.RFC3339),
		})
	}
	return infos
}

// CancelOperation cancels one tracked operation by ID
func (a *App) CancelOperation(operationID string) bool {
	return a.registry.Cancel(operationID)
}

// CancelAllOperations cancels every tracked operation and reports the count
func (a *App) CancelAllOperations() int {
	return a.registry.CancelAll()
}

// Sweep Methods

// GetSweepStatus returns a snapshot of the background sweep loop
func (a *App) GetSweepStatus() (*sweep.Status, error) {
	if a.sweepService == nil {
		return nil, errors.New("no profile selected")
	}
	st := a.sweepService.Status()
	return &st, nil
}

// SetSweepEnabled toggles the background sweep
func (a *App) SetSweepEnabled(enabled bool) error {
	if a.sweepService == nil {
		return errors.New("no profile selected")
	}
	return a.sweepService.SetEnabled(enabled)
}

// RunSweepNow triggers one sweep iteration immediately
func (a *App) RunSweepNow() error {
	if a.sweepService == nil {
		return errors.New("no profile selected")
	}
	a.sweepService.RunNow()
	return nil
}

// ====================================================================================
// REQUEST/RESPONSE TYPES
// ====================================================================================

// CreateProfileRequest represents a request to create/update a server profile
type CreateProfileRequest struct {
	Name       string `json:"name"`
	BackendURL string `json:"backend_url"`
	FeedURL    string `json:"feed_url"`
	Username   string `json:"username"`
	Password   string `json:"password"` // Plain text, will be encrypted
}

// TestConnectionRequest represents a connection test request
type TestConnectionRequest struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// TestConnectionResponse represents the test result
type TestConnectionResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ServerInfo string `json:"server_info,omitempty"`
}

// TestConnection tests backend connectivity without saving anything
func (a *App) TestConnection(req TestConnectionRequest) TestConnectionResponse {
	client := api.NewClient(req.URL, req.Username, req.Password)
	client.SetTimeout(10 * time.Second)

	ctx, cancel := context.WithTimeout(a.ctx, 15*time.Second)
	defer cancel()

	info, err := client.Ping(ctx)
	if err != nil {
		msg := fmt.Sprintf("Connection failed: %v", err)
		if resilience.IsRejected(err) {
			msg = "Invalid credentials or URL (check username, password and address)"
		}
		return TestConnectionResponse{Success: false, Error: msg}
	}
	return TestConnectionResponse{Success: true, ServerInfo: info}
}

// emitEvent publishes an event to the frontend.
func (a *App) emitEvent(event string, payload map[string]interface{}) {
	if a.emit != nil {
		a.emit(event, payload)
		return
	}
	runtime.EventsEmit(a.ctx, event, payload)
}
