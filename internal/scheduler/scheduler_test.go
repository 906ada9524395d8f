package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadobaba55/clipforge/internal/job"
	"github.com/kadobaba55/clipforge/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init(true)
	os.Exit(m.Run())
}

func newTestScheduler(t *testing.T, renderLimit int) (*Scheduler, *job.Registry) {
	t.Helper()
	registry := job.NewRegistry(nil)
	return New(registry, map[string]int{
		"download": 2,
		"analyze":  2,
		"render":   renderLimit,
		"subtitle": 1,
	}), registry
}

func submitN(registry *job.Registry, s *Scheduler, cat job.Category, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		j := registry.Create(cat)
		s.Submit(j.ID, cat)
		ids[i] = j.ID
	}
	return ids
}

func TestSubmitAdmitsUpToLimit(t *testing.T) {
	s, registry := newTestScheduler(t, 2)

	a := registry.Create(job.CategoryRender)
	b := registry.Create(job.CategoryRender)
	c := registry.Create(job.CategoryRender)

	adm := s.Submit(a.ID, job.CategoryRender)
	assert.True(t, adm.Admitted)
	assert.Equal(t, 0, adm.Position)

	adm = s.Submit(b.ID, job.CategoryRender)
	assert.True(t, adm.Admitted)

	adm = s.Submit(c.ID, job.CategoryRender)
	assert.False(t, adm.Admitted)
	assert.Equal(t, 1, adm.Position)

	gotA, _ := registry.Get(a.ID)
	assert.Equal(t, job.StatusProcessing, gotA.Status)
	gotC, _ := registry.Get(c.ID)
	assert.Equal(t, job.StatusQueued, gotC.Status)
	assert.Equal(t, 1, gotC.QueuePosition)
}

func TestQueuePositionsAreFIFO(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	ids := submitN(registry, s, job.CategoryRender, 4)

	for i, id := range ids[1:] {
		got, _ := registry.Get(id)
		assert.Equal(t, job.StatusQueued, got.Status)
		assert.Equal(t, i+1, got.QueuePosition)
	}
}

func TestFinishPromotesHeadAndRenumbers(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	ids := submitN(registry, s, job.CategoryRender, 3)

	promoted, ok := s.Finish(ids[0], job.CategoryRender)
	require.True(t, ok)
	assert.Equal(t, ids[1], promoted)

	got1, _ := registry.Get(ids[1])
	assert.Equal(t, job.StatusProcessing, got1.Status)
	assert.Equal(t, 0, got1.QueuePosition)

	got2, _ := registry.Get(ids[2])
	assert.Equal(t, job.StatusQueued, got2.Status)
	assert.Equal(t, 1, got2.QueuePosition)
}

func TestFinishIsIdempotent(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	ids := submitN(registry, s, job.CategoryRender, 3)

	_, ok := s.Finish(ids[0], job.CategoryRender)
	require.True(t, ok)

	// A second Finish for the same id must not promote again.
	promoted, ok := s.Finish(ids[0], job.CategoryRender)
	assert.False(t, ok)
	assert.Empty(t, promoted)

	stats := s.Stats()[job.CategoryRender]
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Waiting)
}

func TestCeilingNeverExceeded(t *testing.T) {
	s, registry := newTestScheduler(t, 2)

	ids := submitN(registry, s, job.CategoryRender, 6)

	check := func() {
		stats := s.Stats()[job.CategoryRender]
		assert.LessOrEqual(t, stats.Active, 2)
	}

	check()
	for _, id := range ids {
		s.Finish(id, job.CategoryRender)
		check()
	}

	stats := s.Stats()[job.CategoryRender]
	assert.Equal(t, 0, stats.Waiting)
}

func TestCategoriesAreIndependent(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	submitN(registry, s, job.CategoryRender, 2)

	d := registry.Create(job.CategoryDownload)
	adm := s.Submit(d.ID, job.CategoryDownload)
	assert.True(t, adm.Admitted, "a saturated render queue must not block downloads")
}

func TestWaitReturnsImmediatelyWhenAdmitted(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	j := registry.Create(job.CategoryRender)
	s.Submit(j.ID, job.CategoryRender)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, j.ID))
}

func TestWaitWakesOnPromotion(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	ids := submitN(registry, s, job.CategoryRender, 2)

	woke := make(chan error, 1)
	go func() {
		woke <- s.Wait(context.Background(), ids[1])
	}()

	select {
	case <-woke:
		t.Fatal("queued job woke before a slot freed")
	case <-time.After(50 * time.Millisecond):
	}

	s.Finish(ids[0], job.CategoryRender)

	select {
	case err := <-woke:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("promotion did not wake the waiter")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	ids := submitN(registry, s, job.CategoryRender, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Wait(ctx, ids[1]), context.Canceled)
}

func TestCancelWaitingJobRenumbers(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	ids := submitN(registry, s, job.CategoryRender, 3)

	s.Cancel(ids[1], job.CategoryRender)

	got2, _ := registry.Get(ids[2])
	assert.Equal(t, 1, got2.QueuePosition)

	stats := s.Stats()[job.CategoryRender]
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Waiting)
}

func TestCancelActiveJobPromotes(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	ids := submitN(registry, s, job.CategoryRender, 2)

	s.Cancel(ids[0], job.CategoryRender)

	got1, _ := registry.Get(ids[1])
	assert.Equal(t, job.StatusProcessing, got1.Status)
}

func TestSubmitAfterDrainReusesSlot(t *testing.T) {
	s, registry := newTestScheduler(t, 1)

	a := registry.Create(job.CategoryRender)
	s.Submit(a.ID, job.CategoryRender)
	s.Finish(a.ID, job.CategoryRender)

	b := registry.Create(job.CategoryRender)
	adm := s.Submit(b.ID, job.CategoryRender)
	assert.True(t, adm.Admitted)
}
