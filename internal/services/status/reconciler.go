package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/samber/lo"

	"docflow-desktop/internal/api"
	"docflow-desktop/internal/resilience"
)

// Fetcher reads the authoritative status record from the backend.
type Fetcher interface {
	GetPipelineStatus(ctx context.Context, entityID string) (*api.StatusRecord, error)
}

// feedRow carries the fields the change feed pushes for a status row.
// Pointers distinguish "absent from the event" from zero values; the feed
// never carries server-computed aggregates, which is why every optimistic
// apply is followed by a debounced authoritative refresh.
type feedRow struct {
	ExtractStage    *string    `json:"extractStage"`
	ValidationStage *string    `json:"validationStage"`
	ItemsCompleted  *int       `json:"itemsCompleted"`
	ItemsTotal      *int       `json:"itemsTotal"`
	LastUpdatedAt   *time.Time `json:"lastUpdatedAt"`
}

type entry struct {
	status  *PipelineStatus
	version uint64 // bumped on every applied change, guards stale refreshes
	subs    []chan Update

	debounced      func(func())
	refreshPending bool
	ceiling        *time.Timer
}

// Reconciler keeps cached status rows consistent with the backend: feed
// events are applied optimistically for near-zero UI latency, then a
// debounced authoritative re-fetch pulls the fields the feed does not carry.
type Reconciler struct {
	fetcher Fetcher
	retry   *resilience.RetryExecutor
	policy  resilience.RetryPolicy

	quietWindow time.Duration
	maxWait     time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// NewReconciler creates a reconciler. quietWindow is the debounce interval
// for authoritative refreshes; maxWait is the hard ceiling after which a
// refresh runs even if events keep arriving.
func NewReconciler(fetcher Fetcher, quietWindow, maxWait time.Duration) *Reconciler {
	return &Reconciler{
		fetcher:     fetcher,
		retry:       resilience.NewRetryExecutor(),
		policy:      resilience.DefaultRetryPolicy(),
		quietWindow: quietWindow,
		maxWait:     maxWait,
		entries:     make(map[string]*entry),
	}
}

// Subscribe starts watching an entity. The initial fetch blocks (UI shows a
// loading state meanwhile) and its failure is returned to the caller; all
// later refreshes are background-only. The current status is delivered as
// the first element on the returned channel.
func (r *Reconciler) Subscribe(ctx context.Context, entityID string) (<-chan Update, error) {
	r.mu.Lock()
	e, exists := r.entries[entityID]
	r.mu.Unlock()

	if !exists {
		var rec *api.StatusRecord
		err := r.retry.Execute(ctx, fmt.Sprintf("initial status fetch %s", entityID), r.policy, func(ctx context.Context) error {
			var ferr error
			rec, ferr = r.fetcher.GetPipelineStatus(ctx, entityID)
			return ferr
		})
		if err != nil {
			return nil, fmt.Errorf("initial status fetch for %s failed: %w", entityID, err)
		}

		r.mu.Lock()
		// Double-check: another subscriber may have won the race.
		e, exists = r.entries[entityID]
		if !exists {
			e = &entry{
				status:    fromRecord(rec),
				version:   1,
				debounced: debounce.New(r.quietWindow),
			}
			r.entries[entityID] = e
		}
		r.mu.Unlock()
	}

	ch := make(chan Update, 16)
	r.mu.Lock()
	e.subs = append(e.subs, ch)
	current := e.status.clone()
	r.mu.Unlock()

	ch <- Update{Status: current}
	return ch, nil
}

// Unsubscribe detaches a channel. When the last subscriber leaves the cache
// entry is evicted.
func (r *Reconciler) Unsubscribe(entityID string, ch <-chan Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[entityID]
	if !exists {
		return
	}
	e.subs = lo.Filter(e.subs, func(sub chan Update, _ int) bool {
		return (<-chan Update)(sub) != ch
	})
	if len(e.subs) == 0 {
		r.dropEntryLocked(entityID, e)
	}
}

// Refresh performs an immediate, non-debounced authoritative fetch and
// returns the resulting status. Stale results (older than the cached state)
// are discarded in favor of the cache.
func (r *Reconciler) Refresh(ctx context.Context, entityID string) (*PipelineStatus, error) {
	rec, err := r.fetcher.GetPipelineStatus(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if applied, current := r.applyRefresh(entityID, rec); current != nil {
		if !applied {
			log.Printf("status %s: discarded stale refresh (cache is newer)", entityID)
		}
		return current, nil
	}
	return fromRecord(rec), nil
}

// HandleFeedEvent implements api.FeedHandler. Insert/update events are
// applied to the cache immediately, then a debounced authoritative refresh
// is scheduled; multiple events inside the quiet window coalesce into one
// refresh, bounded by the hard ceiling. A delete evicts the entry, surfaces
// a terminal deleted update, and schedules nothing.
func (r *Reconciler) HandleFeedEvent(ev api.FeedEvent) {
	switch ev.Event {
	case "insert", "update":
		r.applyOptimistic(ev)
	case "delete":
		r.handleDelete(ev.ID)
	default:
		log.Printf("status feed: ignoring unknown event %q for %s", ev.Event, ev.ID)
	}
}

// HandleFeedError implements api.FeedHandler. The push channel is gone, so
// the cache may be arbitrarily stale: refresh every watched id immediately
// while the feed re-establishes itself.
func (r *Reconciler) HandleFeedError(err error) {
	log.Printf("status feed error: %v (refreshing all watched entities)", err)

	r.mu.Lock()
	ids := lo.Keys(r.entries)
	r.mu.Unlock()

	for _, id := range ids {
		go r.backgroundRefresh(id)
	}
}

func (r *Reconciler) applyOptimistic(ev api.FeedEvent) {
	r.mu.Lock()
	e, exists := r.entries[ev.ID]
	if !exists {
		r.mu.Unlock()
		return
	}

	var row feedRow
	if len(ev.New) > 0 {
		if err := json.Unmarshal(ev.New, &row); err != nil {
			r.mu.Unlock()
			log.Printf("status %s: cannot parse feed payload: %v", ev.ID, err)
			go r.backgroundRefresh(ev.ID)
			return
		}
	}

	st := e.status
	if row.ExtractStage != nil {
		st.ExtractStage = *row.ExtractStage
	}
	if row.ValidationStage != nil {
		st.ValidationStage = *row.ValidationStage
	}
	if row.ItemsCompleted != nil {
		st.ItemsCompleted = *row.ItemsCompleted
	}
	if row.ItemsTotal != nil {
		st.ItemsTotal = *row.ItemsTotal
	}
	if row.LastUpdatedAt != nil && row.LastUpdatedAt.After(st.LastUpdatedAt) {
		st.LastUpdatedAt = *row.LastUpdatedAt
	}
	st.recompute()
	e.version++

	r.scheduleRefreshLocked(ev.ID, e)
	r.notifyLocked(e)
	r.mu.Unlock()
}

func (r *Reconciler) handleDelete(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[entityID]
	if !exists {
		return
	}
	for _, sub := range e.subs {
		select {
		case sub <- Update{Deleted: true}:
		default:
		}
	}
	r.dropEntryLocked(entityID, e)
	log.Printf("status %s: deleted upstream, cache evicted", entityID)
}

// scheduleRefreshLocked arms both the debounce and, on the first event of a
// burst, the hard-ceiling timer. Whichever fires first runs the refresh; the
// pending flag guarantees the burst collapses into a single fetch.
func (r *Reconciler) scheduleRefreshLocked(entityID string, e *entry) {
	if !e.refreshPending {
		e.refreshPending = true
		e.ceiling = time.AfterFunc(r.maxWait, func() {
			r.runScheduledRefresh(entityID)
		})
	}
	e.debounced(func() {
		r.runScheduledRefresh(entityID)
	})
}

func (r *Reconciler) runScheduledRefresh(entityID string) {
	r.mu.Lock()
	e, exists := r.entries[entityID]
	if !exists || !e.refreshPending {
		r.mu.Unlock()
		return
	}
	e.refreshPending = false
	if e.ceiling != nil {
		e.ceiling.Stop()
		e.ceiling = nil
	}
	r.mu.Unlock()

	r.backgroundRefresh(entityID)
}

// backgroundRefresh must never toggle a loading state or clear the cache: a
// failure here is logged and the previous value stands until the next event.
func (r *Reconciler) backgroundRefresh(entityID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := r.fetcher.GetPipelineStatus(ctx, entityID)
	if err != nil {
		log.Printf("status %s: background refresh failed, keeping cached value: %v", entityID, err)
		return
	}
	if applied, _ := r.applyRefresh(entityID, rec); !applied {
		log.Printf("status %s: discarded stale background refresh", entityID)
	}
}

// applyRefresh merges an authoritative read into the cache unless a newer
// optimistic update has already passed it. Returns whether it was applied
// and the current cached value (nil if the id is not cached).
func (r *Reconciler) applyRefresh(entityID string, rec *api.StatusRecord) (bool, *PipelineStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[entityID]
	if !exists {
		return false, nil
	}

	fetched := fromRecord(rec)
	if fetched.LastUpdatedAt.Before(e.status.LastUpdatedAt) {
		return false, e.status.clone()
	}

	e.status = fetched
	e.version++
	r.notifyLocked(e)
	return true, e.status.clone()
}

func (r *Reconciler) notifyLocked(e *entry) {
	update := Update{Status: e.status.clone()}
	for _, sub := range e.subs {
		select {
		case sub <- update:
		default:
			// A slow consumer drops intermediate updates; the next one
			// carries the full current state anyway.
		}
	}
}

func (r *Reconciler) dropEntryLocked(entityID string, e *entry) {
	if e.ceiling != nil {
		e.ceiling.Stop()
		e.ceiling = nil
	}
	e.refreshPending = false
	for _, sub := range e.subs {
		close(sub)
	}
	e.subs = nil
	delete(r.entries, entityID)
}
