package statusupdater

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// tableDiff is what has to happen to one cache table for a change set.
type tableDiff[K comparable, R any] struct {
	upserts []R
	deletes []K
	result  TableResult
}

// diffRows compares computed rows with the existing rows of the same scope.
// Existing rows outside the scope are ignored; existing rows inside it that
// were not computed again are deleted.
func diffRows[K comparable, R any](computed, existing []R, key func(R) K, equal func(a, b R) bool, owned func(R) bool) tableDiff[K, R] {
	var d tableDiff[K, R]
	old := make(map[K]R, len(existing))
	for _, r := range existing {
		if owned(r) {
			old[key(r)] = r
		}
	}
	seen := make(map[K]struct{}, len(computed))
	for _, r := range computed {
		k := key(r)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if prev, ok := old[k]; ok && equal(prev, r) {
			d.result.Unchanged++
			continue
		}
		d.upserts = append(d.upserts, r)
		d.result.Written++
	}
	for k := range old {
		if _, ok := seen[k]; !ok {
			d.deletes = append(d.deletes, k)
			d.result.Deleted++
		}
	}
	return d
}

// plan is the full set of writes for one change set.
type plan struct {
	consents      tableDiff[ProgrammeKey, ConsentStatusRow]
	triages       tableDiff[ProgrammeKey, TriageStatusRow]
	vaccinations  tableDiff[ProgrammeKey, VaccinationStatusRow]
	programmes    tableDiff[ProgrammeKey, ProgrammeStatusRow]
	sessions      tableDiff[SessionKey, SessionStatusRow]
	registrations tableDiff[registrationKey, RegistrationStatusRow]
	vaccinated    []VaccinatedChange
}

// registrationKey is RegistrationKey with the session date reduced to its
// calendar day so that keys compare equal regardless of location.
type registrationKey struct {
	PatientID uuid.UUID
	SessionID uuid.UUID
	Date      string
}

func regKey(r RegistrationStatusRow) registrationKey {
	return registrationKey{PatientID: r.PatientID, SessionID: r.SessionID, Date: r.SessionDate.Format(time.DateOnly)}
}

// scopeSet indexes the (patient, academic year) pairs a change set owns.
type scopeSet map[PatientYear]struct{}

func newScopeSet(scope []PatientYear) scopeSet {
	s := make(scopeSet, len(scope))
	for _, py := range scope {
		s[py] = struct{}{}
	}
	return s
}

func (s scopeSet) has(patientID uuid.UUID, ay facts.AcademicYear) bool {
	_, ok := s[PatientYear{PatientID: patientID, AcademicYear: ay}]
	return ok
}

func (s scopeSet) patientIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for py := range s {
		if _, ok := seen[py.PatientID]; !ok {
			seen[py.PatientID] = struct{}{}
			ids = append(ids, py.PatientID)
		}
	}
	return ids
}

func (s scopeSet) years() []facts.AcademicYear {
	seen := make(map[facts.AcademicYear]struct{})
	var years []facts.AcademicYear
	for py := range s {
		if _, ok := seen[py.AcademicYear]; !ok {
			seen[py.AcademicYear] = struct{}{}
			years = append(years, py.AcademicYear)
		}
	}
	return years
}

// diffChangeSet plans the writes that turn existing into cs. existing holds
// rows already restricted to the patients and years of cs, possibly more.
func diffChangeSet(cs ChangeSet, existing ChangeSet) plan {
	scope := newScopeSet(cs.Scope)
	progOwned := func(k ProgrammeKey) bool { return scope.has(k.PatientID, k.AcademicYear) }

	var p plan
	p.consents = diffRows(cs.Consents, existing.Consents,
		func(r ConsentStatusRow) ProgrammeKey { return r.ProgrammeKey },
		equalConsent,
		func(r ConsentStatusRow) bool { return progOwned(r.ProgrammeKey) })
	p.triages = diffRows(cs.Triages, existing.Triages,
		func(r TriageStatusRow) ProgrammeKey { return r.ProgrammeKey },
		equalTriage,
		func(r TriageStatusRow) bool { return progOwned(r.ProgrammeKey) })
	p.vaccinations = diffRows(cs.Vaccinations, existing.Vaccinations,
		func(r VaccinationStatusRow) ProgrammeKey { return r.ProgrammeKey },
		equalVaccination,
		func(r VaccinationStatusRow) bool { return progOwned(r.ProgrammeKey) })
	p.programmes = diffRows(cs.Programmes, existing.Programmes,
		func(r ProgrammeStatusRow) ProgrammeKey { return r.ProgrammeKey },
		equalProgramme,
		func(r ProgrammeStatusRow) bool { return progOwned(r.ProgrammeKey) })
	p.sessions = diffRows(cs.Sessions, existing.Sessions,
		func(r SessionStatusRow) SessionKey { return r.SessionKey },
		func(a, b SessionStatusRow) bool { return a.Status == b.Status && a.AcademicYear == b.AcademicYear },
		func(r SessionStatusRow) bool { return scope.has(r.PatientID, r.AcademicYear) })
	p.registrations = diffRows(cs.Registrations, existing.Registrations,
		regKey,
		func(a, b RegistrationStatusRow) bool { return a.Status == b.Status && a.AcademicYear == b.AcademicYear },
		func(r RegistrationStatusRow) bool { return scope.has(r.PatientID, r.AcademicYear) })

	before := make(map[ProgrammeKey]bool, len(existing.Programmes))
	for _, r := range existing.Programmes {
		if progOwned(r.ProgrammeKey) {
			before[r.ProgrammeKey] = r.Vaccinated
		}
	}
	for _, r := range p.programmes.upserts {
		if before[r.ProgrammeKey] != r.Vaccinated {
			p.vaccinated = append(p.vaccinated, VaccinatedChange{ProgrammeKey: r.ProgrammeKey, Vaccinated: r.Vaccinated})
		}
	}
	return p
}

// result summarises the plan for patients recomputed patients.
func (p *plan) result(patients int) ApplyResult {
	return ApplyResult{
		Patients: patients,
		Tables: map[string]TableResult{
			TableConsent:      p.consents.result,
			TableTriage:       p.triages.result,
			TableVaccination:  p.vaccinations.result,
			TableProgramme:    p.programmes.result,
			TableSession:      p.sessions.result,
			TableRegistration: p.registrations.result,
		},
		VaccinatedChanges: p.vaccinated,
	}
}

func equalConsent(a, b ConsentStatusRow) bool {
	return a.Status == b.Status &&
		a.WithoutGelatine == b.WithoutGelatine &&
		equalMethods(a.VaccineMethods, b.VaccineMethods)
}

func equalTriage(a, b TriageStatusRow) bool {
	return a.Status == b.Status &&
		a.WithoutGelatine == b.WithoutGelatine &&
		equalPtr(a.VaccineMethod, b.VaccineMethod) &&
		equalInstant(a.DelayUntil, b.DelayUntil)
}

func equalVaccination(a, b VaccinationStatusRow) bool {
	return a.Status == b.Status &&
		a.LatestSessionStatus == b.LatestSessionStatus &&
		equalDay(a.LatestDate, b.LatestDate) &&
		equalPtr(a.LatestLocationID, b.LatestLocationID) &&
		equalPtr(a.DoseSequence, b.DoseSequence)
}

func equalProgramme(a, b ProgrammeStatusRow) bool {
	return a.Status == b.Status &&
		a.Detail == b.Detail &&
		a.Vaccinated == b.Vaccinated &&
		a.WithoutGelatine == b.WithoutGelatine &&
		equalPtr(a.DoseSequence, b.DoseSequence) &&
		equalMethods(a.VaccineMethods, b.VaccineMethods) &&
		equalDay(a.Date, b.Date)
}

// equalMethods treats nil and empty as the same.
func equalMethods(a, b []facts.VaccineMethod) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// equalDay compares DATE values by calendar day, each in its own location.
func equalDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Format(time.DateOnly) == b.Format(time.DateOnly)
}

func equalInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
