package statusupdater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/domain/status"
	"github.com/ehr/vaxstatus/internal/platform/telemetry"
)

// VaccinatedListener is told about programme statuses whose vaccinated-ness
// changed. It runs after the cache rows are written, inside the same
// transaction when the caller supplied one.
type VaccinatedListener interface {
	VaccinatedChanged(ctx context.Context, changes []VaccinatedChange) error
}

// VaccinatedListenerFunc adapts a function to VaccinatedListener.
type VaccinatedListenerFunc func(ctx context.Context, changes []VaccinatedChange) error

func (f VaccinatedListenerFunc) VaccinatedChanged(ctx context.Context, changes []VaccinatedChange) error {
	return f(ctx, changes)
}

// MultiListener calls each non-nil listener in order and stops at the first
// error.
func MultiListener(listeners ...VaccinatedListener) VaccinatedListener {
	return VaccinatedListenerFunc(func(ctx context.Context, changes []VaccinatedChange) error {
		for _, l := range listeners {
			if l == nil {
				continue
			}
			if err := l.VaccinatedChanged(ctx, changes); err != nil {
				return err
			}
		}
		return nil
	})
}

// LogListener logs every vaccinated-ness change.
func LogListener(logger zerolog.Logger) VaccinatedListener {
	return VaccinatedListenerFunc(func(_ context.Context, changes []VaccinatedChange) error {
		for _, c := range changes {
			logger.Info().
				Str("patient_id", c.PatientID.String()).
				Str("programme", string(c.ProgrammeType)).
				Int("academic_year", int(c.AcademicYear)).
				Bool("vaccinated", c.Vaccinated).
				Msg("vaccinated status changed")
		}
		return nil
	})
}

// Options configures an Updater.
type Options struct {
	// BatchSize is the number of patients loaded and written together.
	BatchSize int
	// Workers is the number of batches processed concurrently by Run.
	Workers int
	// YearsBack is how many previous academic years are recomputed when no
	// years are requested.
	YearsBack int
	// Location is the local time zone of academic years and session dates.
	Location *time.Location
	// ReadTx runs the snapshot load. Production wires a REPEATABLE READ
	// read-only transaction so a batch never sees a torn set of facts.
	ReadTx facts.TxRunner

	Listener VaccinatedListener
	Metrics  *telemetry.Metrics
	Logger   zerolog.Logger
}

type Updater struct {
	reader   facts.Reader
	store    Store
	opts     Options
	listener VaccinatedListener
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewUpdater(reader facts.Reader, store Store, opts Options) *Updater {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.YearsBack < 0 {
		opts.YearsBack = 0
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ReadTx == nil {
		opts.ReadTx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Updater{
		reader:   reader,
		store:    store,
		opts:     opts,
		listener: opts.Listener,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// CurrentAcademicYear is the academic year of today in the updater's zone.
func (u *Updater) CurrentAcademicYear() facts.AcademicYear {
	return facts.AcademicYearOf(u.now(), u.opts.Location)
}

// DefaultYears is the current academic year and YearsBack previous ones.
func (u *Updater) DefaultYears() []facts.AcademicYear {
	return facts.AcademicYearsBack(u.CurrentAcademicYear(), u.opts.YearsBack)
}

// UpdatePatients recomputes and stores every status of patientIDs for years,
// or DefaultYears when none are given. When ctx carries a transaction the
// writes join it.
func (u *Updater) UpdatePatients(ctx context.Context, patientIDs []uuid.UUID, years []facts.AcademicYear) (ApplyResult, error) {
	ids := dedupe(patientIDs)
	if len(ids) == 0 {
		return ApplyResult{Tables: map[string]TableResult{}}, nil
	}
	if len(years) == 0 {
		years = u.DefaultYears()
	}
	start := time.Now()

	var snap *facts.Snapshot
	err := u.opts.ReadTx(ctx, func(ctx context.Context) error {
		var err error
		snap, err = u.reader.LoadSnapshot(ctx, ids)
		return err
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("load snapshot: %w", err)
	}

	resolutions := make([]status.PatientResolution, 0, len(ids))
	for _, id := range ids {
		res, err := status.ResolvePatient(snap, id, years)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("resolve patient %s: %w", id, err)
		}
		resolutions = append(resolutions, res)
	}

	cs := BuildChangeSet(resolutions, years)
	result, err := u.store.Apply(ctx, cs)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply statuses: %w", err)
	}

	u.observe(result, time.Since(start))
	if u.listener != nil && len(result.VaccinatedChanges) > 0 {
		if err := u.listener.VaccinatedChanged(ctx, result.VaccinatedChanges); err != nil {
			return result, fmt.Errorf("vaccinated listener: %w", err)
		}
	}
	return result, nil
}

func (u *Updater) observe(result ApplyResult, d time.Duration) {
	u.metrics.ObservePatients(result.Patients)
	u.metrics.ObserveBatch(d)
	for table, tr := range result.Tables {
		u.metrics.ObserveCacheRows(table, tr.Written, tr.Unchanged, tr.Deleted)
	}
	for _, c := range result.VaccinatedChanges {
		u.metrics.ObserveVaccinatedTransition(string(c.ProgrammeType), c.Vaccinated)
	}
	u.logger.Debug().
		Int("patients", result.Patients).
		Int("written", result.Written()).
		Int("vaccinated_changes", len(result.VaccinatedChanges)).
		Dur("duration", d).
		Msg("statuses updated")
}

type batch struct {
	seq int
	ids []uuid.UUID
}

// Run recomputes scope in batches of BatchSize across Workers goroutines.
// progress, when set, is called with the last patient id of every batch once
// that batch and all batches before it are stored, so a cancelled run can be
// resumed with Scope.After.
func (u *Updater) Run(ctx context.Context, scope Scope, progress func(last uuid.UUID)) (ApplyResult, error) {
	years := scope.AcademicYears
	if len(years) == 0 {
		years = u.DefaultYears()
	}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan batch)
	g.Go(func() error {
		defer close(batches)
		return u.produce(gctx, scope, batches)
	})

	var (
		mu    sync.Mutex
		total = ApplyResult{Tables: map[string]TableResult{}}
		mark  = newWatermark(progress)
	)
	for i := 0; i < u.opts.Workers; i++ {
		g.Go(func() error {
			for b := range batches {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := u.UpdatePatients(gctx, b.ids, years)
				if err != nil {
					return err
				}
				mu.Lock()
				total.Merge(res)
				mark.done(b.seq, b.ids[len(b.ids)-1])
				mu.Unlock()
			}
			return nil
		})
	}

	err := g.Wait()
	ev := u.logger.Info()
	if err != nil {
		ev = u.logger.Error().Err(err)
	}
	ev.Int("patients", total.Patients).
		Int("written", total.Written()).
		Ints("academic_years", yearsInts(years)).
		Dur("duration", time.Since(start)).
		Msg("status run finished")
	return total, err
}

func (u *Updater) produce(ctx context.Context, scope Scope, out chan<- batch) error {
	send := func(b batch) error {
		select {
		case out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	seq := 0
	if len(scope.PatientIDs) > 0 {
		ids := dedupe(scope.PatientIDs)
		for start := 0; start < len(ids); start += u.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(start+u.opts.BatchSize, len(ids))
			if err := send(batch{seq: seq, ids: ids[start:end]}); err != nil {
				return err
			}
			seq++
		}
		return nil
	}

	after := scope.After
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := u.reader.ListPatientIDs(ctx, after, u.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("list patients after %s: %w", after, err)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := send(batch{seq: seq, ids: ids}); err != nil {
			return err
		}
		seq++
		if len(ids) < u.opts.BatchSize {
			return nil
		}
		after = ids[len(ids)-1]
	}
}

// watermark reports the last id of the longest completed prefix of batches.
type watermark struct {
	next    int
	pending map[int]uuid.UUID
	report  func(uuid.UUID)
}

func newWatermark(report func(uuid.UUID)) *watermark {
	return &watermark{pending: make(map[int]uuid.UUID), report: report}
}

func (w *watermark) done(seq int, last uuid.UUID) {
	w.pending[seq] = last
	for {
		id, ok := w.pending[w.next]
		if !ok {
			return
		}
		delete(w.pending, w.next)
		w.next++
		if w.report != nil {
			w.report(id)
		}
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func yearsInts(years []facts.AcademicYear) []int {
	out := make([]int, len(years))
	for i, y := range years {
		out[i] = int(y)
	}
	return out
}
