package scheduler

import (
	"context"
	"sync"

	"github.com/kadobaba55/clipforge/internal/job"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

// Admission is the synchronous outcome of Submit. Position is 0 when the
// job was admitted immediately, otherwise its 1-based place in the queue.
type Admission struct {
	Admitted bool `json:"admitted"`
	Position int  `json:"queuePosition"`
}

// CategoryStats is a point-in-time view of one category's load.
type CategoryStats struct {
	Limit   int `json:"limit"`
	Active  int `json:"active"`
	Waiting int `json:"waiting"`
}

// Scheduler is the per-category admission controller. Each category has a
// fixed concurrency ceiling and a FIFO waiting list; at no point does the
// number of admitted jobs in a category exceed its ceiling. The scheduler
// owns the queued/processing transitions in the registry so that admission
// bookkeeping and status changes stay consistent under one lock.
type Scheduler struct {
	mu       sync.Mutex
	limits   map[job.Category]int
	active   map[job.Category]map[string]struct{}
	waiting  map[job.Category][]string
	ready    map[string]chan struct{}
	registry *job.Registry
}

// New creates a scheduler over the given registry. limits maps category
// names to ceilings; missing categories default to 1.
func New(registry *job.Registry, limits map[string]int) *Scheduler {
	s := &Scheduler{
		limits:   make(map[job.Category]int),
		active:   make(map[job.Category]map[string]struct{}),
		waiting:  make(map[job.Category][]string),
		ready:    make(map[string]chan struct{}),
		registry: registry,
	}
	for _, cat := range []job.Category{job.CategoryDownload, job.CategoryAnalyze, job.CategoryRender, job.CategorySubtitle} {
		limit := limits[string(cat)]
		if limit < 1 {
			limit = 1
		}
		s.limits[cat] = limit
		s.active[cat] = make(map[string]struct{})
	}
	return s
}

// Submit admits the job immediately if the category has a free slot,
// otherwise appends it to the category's waiting list. The job's registry
// status is set to processing or queued accordingly.
func (s *Scheduler) Submit(id string, cat job.Category) Admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active[cat]) < s.limits[cat] {
		s.admitLocked(id, cat)
		return Admission{Admitted: true, Position: 0}
	}

	s.waiting[cat] = append(s.waiting[cat], id)
	s.ready[id] = make(chan struct{})
	position := len(s.waiting[cat])
	s.registry.Update(id, job.Patch{
		Status:        job.Ptr(job.StatusQueued),
		QueuePosition: job.Ptr(position),
	})
	logger.Debugf("job %s queued in %s at position %d", id, cat, position)
	return Admission{Admitted: false, Position: position}
}

// Wait blocks until the job has been admitted (immediately or by
// promotion) or ctx is done. Wakeup comes from a channel closed by
// Finish; queued jobs consume no CPU while waiting.
func (s *Scheduler) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	ch, ok := s.ready[id]
	s.mu.Unlock()
	if !ok {
		// Unknown to the scheduler: either never submitted or already
		// finished. Nothing to wait for.
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish releases the job's slot. Idempotent: if the id is not active the
// call is a no-op and no promotion happens. When the category has waiting
// jobs, the head is promoted to processing and the remaining positions are
// renumbered from 1 preserving FIFO order. Returns the promoted id, if any.
func (s *Scheduler) Finish(id string, cat job.Category) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[cat][id]; !ok {
		return "", false
	}
	delete(s.active[cat], id)
	delete(s.ready, id)

	return s.promoteLocked(cat)
}

// Cancel removes the job from both the active and waiting sets. Used on
// abnormal termination, typically before the job ever reached processing.
func (s *Scheduler) Cancel(id string, cat job.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[cat][id]; ok {
		delete(s.active[cat], id)
		delete(s.ready, id)
		s.promoteLocked(cat)
		return
	}

	queue := s.waiting[cat]
	for i, waitingID := range queue {
		if waitingID == id {
			s.waiting[cat] = append(queue[:i:i], queue[i+1:]...)
			delete(s.ready, id)
			s.renumberLocked(cat)
			return
		}
	}
}

// Stats returns the current load per category.
func (s *Scheduler) Stats() map[job.Category]CategoryStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[job.Category]CategoryStats, len(s.limits))
	for cat, limit := range s.limits {
		stats[cat] = CategoryStats{
			Limit:   limit,
			Active:  len(s.active[cat]),
			Waiting: len(s.waiting[cat]),
		}
	}
	return stats
}

// admitLocked moves a job into the active set and marks it processing.
// A pre-existing ready channel (queued job being promoted) is closed to
// wake its waiter; a fresh admission gets an already-closed channel so a
// later Wait returns immediately.
func (s *Scheduler) admitLocked(id string, cat job.Category) {
	s.active[cat][id] = struct{}{}

	if ch, ok := s.ready[id]; ok {
		close(ch)
	} else {
		ch := make(chan struct{})
		close(ch)
		s.ready[id] = ch
	}

	s.registry.Update(id, job.Patch{
		Status:        job.Ptr(job.StatusProcessing),
		QueuePosition: job.Ptr(0),
	})
}

// promoteLocked pops the waiting head into the freed slot, if any.
func (s *Scheduler) promoteLocked(cat job.Category) (string, bool) {
	queue := s.waiting[cat]
	if len(queue) == 0 {
		return "", false
	}

	head := queue[0]
	s.waiting[cat] = queue[1:]
	s.admitLocked(head, cat)
	s.renumberLocked(cat)
	logger.Debugf("job %s promoted in %s", head, cat)
	return head, true
}

// renumberLocked rewrites queue positions starting at 1 in FIFO order.
func (s *Scheduler) renumberLocked(cat job.Category) {
	for i, id := range s.waiting[cat] {
		s.registry.Update(id, job.Patch{QueuePosition: job.Ptr(i + 1)})
	}
}
