package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/domain/statusupdater"
	"github.com/ehr/vaxstatus/internal/platform/queue"
)

const queueName = "test:recompute"

var errBoom = errors.New("boom")

type updateCall struct {
	ids   []uuid.UUID
	years []facts.AcademicYear
}

type fakeUpdater struct {
	mu       sync.Mutex
	calls    []updateCall
	err      error
	runs     []statusupdater.Scope
	progress []uuid.UUID
	runErr   error
}

func (f *fakeUpdater) UpdatePatients(_ context.Context, ids []uuid.UUID, years []facts.AcademicYear) (statusupdater.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, updateCall{ids: ids, years: years})
	if f.err != nil {
		return statusupdater.ApplyResult{}, f.err
	}
	return statusupdater.ApplyResult{Patients: len(ids)}, nil
}

func (f *fakeUpdater) Run(_ context.Context, scope statusupdater.Scope, progress func(uuid.UUID)) (statusupdater.ApplyResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, scope)
	ids, runErr := f.progress, f.runErr
	f.mu.Unlock()
	for _, id := range ids {
		progress(id)
	}
	return statusupdater.ApplyResult{Patients: len(ids)}, runErr
}

func (f *fakeUpdater) patients() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for _, c := range f.calls {
		out = append(out, c.ids...)
	}
	return out
}

func (f *fakeUpdater) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type harness struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	queue   *queue.RedisQueue
	cursor  *queue.RedisCursor
	updater *fakeUpdater
}

func setup(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &harness{
		mr:      mr,
		client:  client,
		queue:   queue.NewRedisQueue(client, queueName),
		cursor:  queue.NewRedisCursor(client, "test:cursor"),
		updater: &fakeUpdater{},
	}
}

func (h *harness) worker(cfg Config) *Worker {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Second
	}
	return New(h.queue, h.cursor, h.updater, cfg, nil, zerolog.Nop())
}

func (h *harness) enqueue(t *testing.T, job queue.Job) {
	t.Helper()
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
}

func (h *harness) processingLen() int64 {
	return h.client.LLen(context.Background(), queueName+":processing").Val()
}

func TestNew_Defaults(t *testing.T) {
	h := setup(t)
	w := New(h.queue, h.cursor, h.updater, Config{ReconcileInterval: -time.Second}, nil, zerolog.Nop())
	assert.Equal(t, 1, w.cfg.Consumers)
	assert.Equal(t, 1000, w.cfg.BatchSize)
	assert.Equal(t, 5*time.Second, w.cfg.PollTimeout)
	assert.Equal(t, 5, w.cfg.MaxAttempts)
	assert.Zero(t, w.cfg.ReconcileInterval)
}

func TestProcessOnce_CoalescesJobsByYears(t *testing.T) {
	h := setup(t)
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	h.enqueue(t, queue.Job{PatientIDs: []uuid.UUID{p1}, Reason: "consent"})
	h.enqueue(t, queue.Job{PatientIDs: []uuid.UUID{p2}, AcademicYears: []int{2025}, Reason: "triage"})
	h.enqueue(t, queue.Job{PatientIDs: []uuid.UUID{p3}, Reason: "vaccination"})

	n, err := h.worker(Config{}).ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, h.updater.calls, 2)
	assert.Equal(t, []uuid.UUID{p1, p3}, h.updater.calls[0].ids)
	assert.Nil(t, h.updater.calls[0].years)
	assert.Equal(t, []uuid.UUID{p2}, h.updater.calls[1].ids)
	assert.Equal(t, []facts.AcademicYear{2025}, h.updater.calls[1].years)

	pending, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, h.processingLen(), "handled jobs are acked")
}

func TestProcessOnce_StopsCoalescingAtBatchSize(t *testing.T) {
	h := setup(t)
	for i := 0; i < 3; i++ {
		h.enqueue(t, queue.Job{PatientIDs: []uuid.UUID{uuid.New()}})
	}

	n, err := h.worker(Config{BatchSize: 2}).ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestProcessOnce_RetriesThenBuries(t *testing.T) {
	h := setup(t)
	h.updater.err = errBoom
	h.enqueue(t, queue.Job{PatientIDs: []uuid.UUID{uuid.New()}, Reason: "consent"})
	w := h.worker(Config{MaxAttempts: 2})
	ctx := context.Background()

	_, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	pending, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "first failure goes back on the queue")

	_, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	pending, err = h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	dead, err := h.queue.DeadLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
	assert.Zero(t, h.processingLen())
	assert.Len(t, h.updater.calls, 2)
}

func TestProcessOnce_MalformedJobIsSkipped(t *testing.T) {
	h := setup(t)
	_, err := h.mr.Lpush(queueName, "{not json")
	require.NoError(t, err)
	p := uuid.New()
	h.enqueue(t, queue.Job{PatientIDs: []uuid.UUID{p}})
	w := h.worker(Config{})
	ctx := context.Background()

	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.updater.calls)

	_, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p}, h.updater.patients())

	dead, err := h.queue.DeadLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestProcessOnce_Empty(t *testing.T) {
	h := setup(t)
	n, err := h.worker(Config{PollTimeout: time.Second}).ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.updater.calls)
}

func TestGroupByYears(t *testing.T) {
	ds := []*queue.Delivery{
		{Job: queue.Job{AcademicYears: []int{2025, 2024}}},
		{Job: queue.Job{}},
		{Job: queue.Job{AcademicYears: []int{2024, 2025, 2025}}},
	}
	groups := groupByYears(ds)
	require.Len(t, groups, 2)
	assert.Equal(t, []facts.AcademicYear{2024, 2025}, groups[0].years)
	assert.Len(t, groups[0].deliveries, 2)
	assert.Nil(t, groups[1].years)
}

func TestStart_RequeuesAbandonedJobsAndStops(t *testing.T) {
	h := setup(t)
	abandoned, fresh := uuid.New(), uuid.New()
	_, err := h.mr.Lpush(queueName+":processing", `{"id":"`+uuid.NewString()+`","patient_ids":["`+abandoned.String()+`"],"reason":"crash"}`)
	require.NoError(t, err)
	h.enqueue(t, queue.Job{PatientIDs: []uuid.UUID{fresh}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker(Config{Consumers: 2, ReconcileInterval: 0}).Start(ctx) }()

	assert.Eventually(t, func() bool {
		return len(h.updater.patients()) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.ElementsMatch(t, []uuid.UUID{abandoned, fresh}, h.updater.patients())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestStart_ResumesInterruptedReconcile(t *testing.T) {
	h := setup(t)
	after := uuid.New()
	require.NoError(t, h.cursor.Set(context.Background(), after))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker(Config{ReconcileInterval: time.Hour}).Start(ctx) }()

	assert.Eventually(t, func() bool { return h.updater.runCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	h.updater.mu.Lock()
	assert.Equal(t, after, h.updater.runs[0].After)
	h.updater.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestReconcile_ClearsCursorWhenComplete(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	start := uuid.New()
	require.NoError(t, h.cursor.Set(ctx, start))
	h.updater.progress = []uuid.UUID{uuid.New(), uuid.New()}

	res, err := h.worker(Config{}).Reconcile(ctx, []facts.AcademicYear{2025})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Patients)

	require.Len(t, h.updater.runs, 1)
	assert.Equal(t, start, h.updater.runs[0].After)
	assert.Equal(t, []facts.AcademicYear{2025}, h.updater.runs[0].AcademicYears)

	got, err := h.cursor.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got)
}

func TestReconcile_KeepsCursorOnFailure(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	reached := uuid.New()
	h.updater.progress = []uuid.UUID{reached}
	h.updater.runErr = errBoom

	_, err := h.worker(Config{}).Reconcile(ctx, nil)
	assert.ErrorIs(t, err, errBoom)

	got, err := h.cursor.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, reached, got)
}
