// Package worker consumes status recompute jobs from the Redis queue and runs
// the periodic full reconciliation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/domain/statusupdater"
	"github.com/ehr/vaxstatus/internal/platform/queue"
	"github.com/ehr/vaxstatus/internal/platform/telemetry"
)

// Updater is the part of statusupdater.Updater the worker drives.
type Updater interface {
	UpdatePatients(ctx context.Context, patientIDs []uuid.UUID, years []facts.AcademicYear) (statusupdater.ApplyResult, error)
	Run(ctx context.Context, scope statusupdater.Scope, progress func(last uuid.UUID)) (statusupdater.ApplyResult, error)
}

// Job results recorded in the queue job counter.
const (
	ResultDone      = "done"
	ResultRetried   = "retried"
	ResultBuried    = "buried"
	ResultMalformed = "malformed"
)

type Config struct {
	// Consumers is the number of goroutines pulling jobs.
	Consumers int
	// BatchSize caps the patients coalesced into one recompute.
	BatchSize int
	// PollTimeout is how long a consumer blocks waiting for a job.
	PollTimeout time.Duration
	// MaxAttempts is how many times a job runs before it is buried.
	MaxAttempts int
	// ReconcileInterval is the period of full reconciliation. Zero disables it.
	ReconcileInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Consumers:         1,
		BatchSize:         1000,
		PollTimeout:       5 * time.Second,
		MaxAttempts:       5,
		ReconcileInterval: 24 * time.Hour,
	}
}

type Worker struct {
	queue   *queue.RedisQueue
	cursor  *queue.RedisCursor
	updater Updater
	cfg     Config
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

func New(q *queue.RedisQueue, cursor *queue.RedisCursor, u Updater, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Consumers <= 0 {
		cfg.Consumers = def.Consumers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReconcileInterval < 0 {
		cfg.ReconcileInterval = 0
	}
	return &Worker{
		queue:   q,
		cursor:  cursor,
		updater: u,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "worker").Logger(),
	}
}

// Start moves jobs abandoned by a previous process back onto the queue, then
// runs the consumers and the reconcile loop. It blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	n, err := w.queue.Requeue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.logger.Warn().Int("jobs", n).Msg("requeued abandoned jobs")
	}

	w.logger.Info().
		Int("consumers", w.cfg.Consumers).
		Str("queue", w.queue.Name()).
		Dur("reconcile_interval", w.cfg.ReconcileInterval).
		Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Consumers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}
	if w.cfg.ReconcileInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.reconcileLoop(ctx)
		}()
	}
	wg.Wait()

	w.logger.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) consume(ctx context.Context, id int) {
	logger := w.logger.With().Int("consumer", id).Logger()
	for ctx.Err() == nil {
		if _, err := w.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("failed to process jobs")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOnce waits up to PollTimeout for a job, coalesces it with whatever
// else is pending up to BatchSize patients, and recomputes them. It returns
// the number of jobs handled.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	first, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
	switch {
	case errors.Is(err, queue.ErrEmpty):
		return 0, nil
	case errors.Is(err, queue.ErrMalformed):
		w.malformed(err)
		return 1, nil
	case err != nil:
		return 0, err
	}

	deliveries := []*queue.Delivery{first}
	patients := len(first.Job.PatientIDs)
	handled := 1
	for patients < w.cfg.BatchSize {
		d, err := w.queue.TryDequeue(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if errors.Is(err, queue.ErrMalformed) {
			w.malformed(err)
			handled++
			continue
		}
		if err != nil {
			w.logger.Warn().Err(err).Msg("stopped coalescing jobs")
			break
		}
		deliveries = append(deliveries, d)
		patients += len(d.Job.PatientIDs)
		handled++
	}

	for _, g := range groupByYears(deliveries) {
		w.handle(ctx, g)
	}
	return handled, nil
}

func (w *Worker) malformed(err error) {
	w.metrics.ObserveJob(ResultMalformed)
	w.logger.Error().Err(err).Msg("buried malformed job")
}

// jobGroup is a set of deliveries that asked for the same academic years.
type jobGroup struct {
	years      []facts.AcademicYear
	deliveries []*queue.Delivery
}

func (g jobGroup) patientIDs() []uuid.UUID {
	var ids []uuid.UUID
	for _, d := range g.deliveries {
		ids = append(ids, d.Job.PatientIDs...)
	}
	return ids
}

func (g jobGroup) reasons() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range g.deliveries {
		if !seen[d.Job.Reason] {
			seen[d.Job.Reason] = true
			out = append(out, d.Job.Reason)
		}
	}
	return out
}

// groupByYears splits deliveries by their requested academic years, keeping
// the order in which each year set was first seen.
func groupByYears(deliveries []*queue.Delivery) []jobGroup {
	index := map[string]int{}
	var groups []jobGroup
	for _, d := range deliveries {
		years := normaliseYears(d.Job.AcademicYears)
		key := yearsKey(years)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, jobGroup{years: years})
		}
		groups[i].deliveries = append(groups[i].deliveries, d)
	}
	return groups
}

func normaliseYears(years []int) []facts.AcademicYear {
	if len(years) == 0 {
		return nil
	}
	sorted := append([]int(nil), years...)
	sort.Ints(sorted)
	out := make([]facts.AcademicYear, 0, len(sorted))
	for i, y := range sorted {
		if i > 0 && y == sorted[i-1] {
			continue
		}
		out = append(out, facts.AcademicYear(y))
	}
	return out
}

func yearsKey(years []facts.AcademicYear) string {
	parts := make([]string, len(years))
	for i, y := range years {
		parts[i] = strconv.Itoa(int(y))
	}
	return strings.Join(parts, ",")
}

func (w *Worker) handle(ctx context.Context, g jobGroup) {
	res, err := w.updater.UpdatePatients(ctx, g.patientIDs(), g.years)
	if err != nil {
		if ctx.Err() != nil {
			// Left on the processing list; Requeue picks them up on restart.
			return
		}
		w.retry(ctx, g, err)
		return
	}

	for _, d := range g.deliveries {
		if err := w.queue.Ack(ctx, d); err != nil {
			w.logger.Error().Err(err).Str("job_id", d.Job.ID.String()).Msg("failed to ack job")
			continue
		}
		w.metrics.ObserveJob(ResultDone)
	}
	w.logger.Debug().
		Int("jobs", len(g.deliveries)).
		Int("patients", res.Patients).
		Int("written", res.Written()).
		Strs("reasons", g.reasons()).
		Msg("jobs processed")
}

func (w *Worker) retry(ctx context.Context, g jobGroup, cause error) {
	for _, d := range g.deliveries {
		buried, err := w.queue.Retry(ctx, d, w.cfg.MaxAttempts)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", d.Job.ID.String()).Msg("failed to retry job")
			continue
		}
		if buried {
			w.metrics.ObserveJob(ResultBuried)
			w.logger.Error().Err(cause).
				Str("job_id", d.Job.ID.String()).
				Str("reason", d.Job.Reason).
				Int("attempts", d.Job.Attempts+1).
				Msg("job exhausted its attempts")
			continue
		}
		w.metrics.ObserveJob(ResultRetried)
		w.logger.Warn().Err(cause).
			Str("job_id", d.Job.ID.String()).
			Int("attempts", d.Job.Attempts+1).
			Msg("job failed, retrying")
	}
}

func (w *Worker) reconcileLoop(ctx context.Context) {
	// An interrupted reconcile is resumed straight away.
	if after, err := w.cursor.Get(ctx); err != nil {
		w.logger.Error().Err(err).Msg("failed to read reconcile cursor")
	} else if after != uuid.Nil {
		w.runReconcile(ctx)
	}

	ticker := time.NewTicker(w.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runReconcile(ctx)
		}
	}
}

func (w *Worker) runReconcile(ctx context.Context) {
	if _, err := w.Reconcile(ctx, nil); err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("reconcile failed")
	}
}

// Reconcile recomputes every patient for years, starting after the stored
// cursor. The cursor follows the run and is cleared once it completes, so a
// run stopped part way resumes where it left off.
func (w *Worker) Reconcile(ctx context.Context, years []facts.AcademicYear) (statusupdater.ApplyResult, error) {
	after, err := w.cursor.Get(ctx)
	if err != nil {
		return statusupdater.ApplyResult{}, err
	}
	if after != uuid.Nil {
		w.logger.Info().Str("after", after.String()).Msg("resuming reconcile")
	}

	scope := statusupdater.Scope{AcademicYears: years, After: after}
	res, err := w.updater.Run(ctx, scope, func(last uuid.UUID) {
		if err := w.cursor.Set(ctx, last); err != nil {
			w.logger.Warn().Err(err).Msg("failed to save reconcile cursor")
		}
	})
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}
	if err := w.cursor.Clear(ctx); err != nil {
		return res, err
	}
	return res, nil
}
