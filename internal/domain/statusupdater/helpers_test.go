package statusupdater

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/platform/queue"
)

const thisYear facts.AcademicYear = 2025

// =========== Mock Repositories ===========

type fakeReader struct {
	mu      sync.Mutex
	snap    *facts.Snapshot
	loads   int
	loadErr error
	listErr error
}

func (r *fakeReader) LoadSnapshot(_ context.Context, _ []uuid.UUID) (*facts.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return r.snap, nil
}

func (r *fakeReader) ListPatientIDs(_ context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []uuid.UUID
	for _, id := range sortedIDs(r.snap) {
		if bytes.Compare(id[:], after[:]) > 0 {
			out = append(out, id)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeReader) ListProgrammes(_ context.Context) ([]*facts.Programme, error) {
	return r.snap.Programmes, nil
}

func (r *fakeReader) SessionPatientIDs(_ context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for pid, sessions := range r.snap.SessionPatients {
		for _, sid := range sessions {
			if sid == sessionID {
				out = append(out, pid)
			}
		}
	}
	return out, nil
}

func sortedIDs(snap *facts.Snapshot) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(snap.Patients))
	for id := range snap.Patients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// memStore applies change sets with the same diff the Postgres store uses.
type memStore struct {
	mu      sync.Mutex
	rows    ChangeSet
	applies int
	failErr error
}

func applyRows[K comparable, R any](rows []R, d tableDiff[K, R], key func(R) K) []R {
	m := make(map[K]R, len(rows))
	var order []K
	for _, r := range rows {
		k := key(r)
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = r
	}
	for _, k := range d.deletes {
		delete(m, k)
	}
	for _, r := range d.upserts {
		k := key(r)
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = r
	}
	out := make([]R, 0, len(m))
	for _, k := range order {
		if r, ok := m[k]; ok {
			out = append(out, r)
			delete(m, k)
		}
	}
	return out
}

func (s *memStore) Apply(_ context.Context, cs ChangeSet) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applies++
	if s.failErr != nil {
		return ApplyResult{}, s.failErr
	}
	if cs.Empty() {
		return ApplyResult{Tables: map[string]TableResult{}}, nil
	}
	p := diffChangeSet(cs, s.rows)
	s.rows.Consents = applyRows(s.rows.Consents, p.consents, func(r ConsentStatusRow) ProgrammeKey { return r.ProgrammeKey })
	s.rows.Triages = applyRows(s.rows.Triages, p.triages, func(r TriageStatusRow) ProgrammeKey { return r.ProgrammeKey })
	s.rows.Vaccinations = applyRows(s.rows.Vaccinations, p.vaccinations, func(r VaccinationStatusRow) ProgrammeKey { return r.ProgrammeKey })
	s.rows.Programmes = applyRows(s.rows.Programmes, p.programmes, func(r ProgrammeStatusRow) ProgrammeKey { return r.ProgrammeKey })
	s.rows.Sessions = applyRows(s.rows.Sessions, p.sessions, func(r SessionStatusRow) SessionKey { return r.SessionKey })
	s.rows.Registrations = applyRows(s.rows.Registrations, p.registrations, regKey)
	return p.result(len(newScopeSet(cs.Scope).patientIDs())), nil
}

func (s *memStore) PatientStatuses(_ context.Context, patientID uuid.UUID, years []facts.AcademicYear) (*PatientStatuses, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := func(id uuid.UUID, ay facts.AcademicYear) bool {
		if id != patientID {
			return false
		}
		if len(years) == 0 {
			return true
		}
		for _, y := range years {
			if y == ay {
				return true
			}
		}
		return false
	}
	ps := &PatientStatuses{PatientID: patientID}
	for _, r := range s.rows.Consents {
		if in(r.PatientID, r.AcademicYear) {
			ps.Consents = append(ps.Consents, r)
		}
	}
	for _, r := range s.rows.Triages {
		if in(r.PatientID, r.AcademicYear) {
			ps.Triages = append(ps.Triages, r)
		}
	}
	for _, r := range s.rows.Vaccinations {
		if in(r.PatientID, r.AcademicYear) {
			ps.Vaccinations = append(ps.Vaccinations, r)
		}
	}
	for _, r := range s.rows.Programmes {
		if in(r.PatientID, r.AcademicYear) {
			ps.Programmes = append(ps.Programmes, r)
		}
	}
	for _, r := range s.rows.Sessions {
		if in(r.PatientID, r.AcademicYear) {
			ps.Sessions = append(ps.Sessions, r)
		}
	}
	for _, r := range s.rows.Registrations {
		if in(r.PatientID, r.AcademicYear) {
			ps.Registrations = append(ps.Registrations, r)
		}
	}
	return ps, nil
}

func (s *memStore) ListProgrammeStatuses(_ context.Context, f ProgrammeStatusFilter, limit, offset int) ([]ProgrammeStatusRow, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []ProgrammeStatusRow
	for _, r := range s.rows.Programmes {
		if f.AcademicYear != 0 && r.AcademicYear != f.AcademicYear {
			continue
		}
		if f.ProgrammeType != "" && r.ProgrammeType != f.ProgrammeType {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Detail != "" && r.Detail != f.Detail {
			continue
		}
		matched = append(matched, r)
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (s *memStore) programmeRows(patientID uuid.UUID) map[facts.ProgrammeType]ProgrammeStatusRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[facts.ProgrammeType]ProgrammeStatusRow)
	for _, r := range s.rows.Programmes {
		if r.PatientID == patientID {
			out[r.ProgrammeType] = r
		}
	}
	return out
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type recordingListener struct {
	mu      sync.Mutex
	calls   int
	changes []VaccinatedChange
	err     error
}

func (l *recordingListener) VaccinatedChanged(_ context.Context, changes []VaccinatedChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.changes = append(l.changes, changes...)
	return l.err
}

var errBoom = errors.New("boom")

// world is a school with one session in thisYear and any number of year 9
// patients attending it.
type world struct {
	snap    *facts.Snapshot
	school  uuid.UUID
	session *facts.Session
	today   time.Time
}

func newWorld() *world {
	today := time.Date(2025, time.October, 15, 10, 0, 0, 0, time.UTC)
	w := &world{
		snap:   facts.NewSnapshot(today, time.UTC, facts.DefaultProgrammes()),
		school: uuid.New(),
		today:  today,
	}
	w.session = &facts.Session{
		ID:           uuid.New(),
		LocationID:   w.school,
		AcademicYear: thisYear,
		Dates: []time.Time{
			time.Date(2025, time.October, 8, 0, 0, 0, 0, time.UTC),
			time.Date(2025, time.October, 22, 0, 0, 0, 0, time.UTC),
		},
		ProgrammeTypes: []facts.ProgrammeType{facts.ProgrammeHPV, facts.ProgrammeMenACWY},
	}
	w.snap.Sessions[w.session.ID] = w.session
	return w
}

func (w *world) addPatient() *facts.Patient {
	p := &facts.Patient{ID: uuid.New(), DateOfBirth: time.Date(2011, time.November, 20, 0, 0, 0, 0, time.UTC)}
	w.snap.Patients[p.ID] = p
	w.snap.PatientLocations[p.ID] = []*facts.PatientLocation{
		{PatientID: p.ID, LocationID: w.school, AcademicYear: thisYear},
	}
	w.snap.SessionPatients[p.ID] = []uuid.UUID{w.session.ID}
	return p
}

func (w *world) vaccinate(p *facts.Patient, pt facts.ProgrammeType) {
	at := time.Date(2025, time.October, 8, 11, 0, 0, 0, time.UTC)
	sid := w.session.ID
	w.snap.VaccinationRecords[p.ID] = append(w.snap.VaccinationRecords[p.ID], &facts.VaccinationRecord{
		ID:            uuid.New(),
		PatientID:     p.ID,
		ProgrammeType: pt,
		Outcome:       facts.OutcomeAdministered,
		SessionID:     &sid,
		LocationID:    &w.school,
		PerformedAt:   at,
		CreatedAt:     at,
	})
}

func newTestUpdater(t *testing.T, w *world, opts Options) (*Updater, *fakeReader, *memStore) {
	t.Helper()
	reader := &fakeReader{snap: w.snap}
	store := &memStore{}
	opts.Logger = zerolog.Nop()
	u := NewUpdater(reader, store, opts)
	u.now = func() time.Time { return w.today }
	return u, reader, store
}
