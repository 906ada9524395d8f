package job

import (
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/kadobaba55/clipforge/pkg/logger"
)

// FailureNotifier receives the out-of-band alert fired on a job's first
// transition into the error state. Implementations must not block.
type FailureNotifier interface {
	NotifyJobFailure(category Category, id, errText string)
}

// Registry owns the canonical record for every job. All mutations happen
// under its lock; callers only ever see copies.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	notifier FailureNotifier

	now func() time.Time
}

// NewRegistry creates an empty registry. notifier may be nil.
func NewRegistry(notifier FailureNotifier) *Registry {
	return &Registry{
		jobs:     make(map[string]*Job),
		notifier: notifier,
		now:      time.Now,
	}
}

// Create allocates a fresh job in pending state and returns a copy of it.
func (r *Registry) Create(cat Category) Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	j := &Job{
		ID:        shortuuid.New(),
		Category:  cat,
		Status:    StatusPending,
		Progress:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.jobs[j.ID] = j
	return *j
}

// Update merges patch into the job and refreshes UpdatedAt. Unknown ids are
// a silent no-op: callers are expected to hold an id from Create. The first
// transition into error with a non-empty message fires the failure notifier
// exactly once per job.
func (r *Registry) Update(id string, patch Patch) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	wasError := j.Status == StatusError

	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.Progress != nil {
		j.Progress = *patch.Progress
	}
	if patch.QueuePosition != nil {
		j.QueuePosition = *patch.QueuePosition
	}
	if patch.Message != nil {
		j.Message = *patch.Message
	}
	// Result and error are mutually exclusive and each set at most once.
	if patch.Result != nil && j.Result == nil && j.Error == "" {
		if !patch.Result.MatchesCategory(j.Category) {
			logger.Warnf("job %s: result variant does not match category %s", id, j.Category)
		}
		j.Result = patch.Result
	}
	if patch.Error != nil && j.Error == "" && j.Result == nil {
		j.Error = *patch.Error
	}
	if j.Status != StatusQueued {
		j.QueuePosition = 0
	}
	j.UpdatedAt = r.now()

	notify := !wasError && j.Status == StatusError && j.Error != ""
	category, errText := j.Category, j.Error
	r.mu.Unlock()

	if notify && r.notifier != nil {
		// Fire and forget: the alert must never block or fail the
		// job's own state transition.
		go r.notifier.NotifyJobFailure(category, id, errText)
	}
}

// Get returns a copy of the job, or false if the id is unknown or swept.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Sweep deletes terminal jobs whose last update is older than maxAge and
// returns how many were removed.
func (r *Registry) Sweep(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for id, j := range r.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		logger.Debugf("registry sweep removed %d terminal jobs", removed)
	}
	return removed
}

// Len reports how many jobs are currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
