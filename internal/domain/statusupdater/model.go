package statusupdater

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/domain/status"
)

// Cache table names.
const (
	TableConsent      = "patient_consent_statuses"
	TableTriage       = "patient_triage_statuses"
	TableVaccination  = "patient_vaccination_statuses"
	TableProgramme    = "patient_programme_statuses"
	TableSession      = "patient_session_statuses"
	TableRegistration = "patient_registration_statuses"
)

// ProgrammeKey identifies a row in the per-programme cache tables.
type ProgrammeKey struct {
	PatientID     uuid.UUID           `json:"patient_id"`
	ProgrammeType facts.ProgrammeType `json:"programme_type"`
	AcademicYear  facts.AcademicYear  `json:"academic_year"`
}

// SessionKey identifies a row in patient_session_statuses.
type SessionKey struct {
	PatientID     uuid.UUID           `json:"patient_id"`
	SessionID     uuid.UUID           `json:"session_id"`
	ProgrammeType facts.ProgrammeType `json:"programme_type"`
}

// RegistrationKey identifies a row in patient_registration_statuses.
type RegistrationKey struct {
	PatientID   uuid.UUID `json:"patient_id"`
	SessionID   uuid.UUID `json:"session_id"`
	SessionDate time.Time `json:"session_date"`
}

type ConsentStatusRow struct {
	ProgrammeKey
	Status          status.ConsentStatus  `db:"status" json:"status"`
	VaccineMethods  []facts.VaccineMethod `db:"vaccine_methods" json:"vaccine_methods"`
	WithoutGelatine bool                  `db:"without_gelatine" json:"without_gelatine"`
}

type TriageStatusRow struct {
	ProgrammeKey
	Status          status.TriageStatus  `db:"status" json:"status"`
	VaccineMethod   *facts.VaccineMethod `db:"vaccine_method" json:"vaccine_method,omitempty"`
	WithoutGelatine bool                 `db:"without_gelatine" json:"without_gelatine"`
	DelayUntil      *time.Time           `db:"delay_until" json:"delay_until,omitempty"`
}

type VaccinationStatusRow struct {
	ProgrammeKey
	Status              status.VaccinationStatus   `db:"status" json:"status"`
	LatestSessionStatus status.LatestSessionStatus `db:"latest_session_status" json:"latest_session_status,omitempty"`
	LatestDate          *time.Time                 `db:"latest_date" json:"latest_date,omitempty"`
	LatestLocationID    *uuid.UUID                 `db:"latest_location_id" json:"latest_location_id,omitempty"`
	DoseSequence        *int                       `db:"dose_sequence" json:"dose_sequence,omitempty"`
}

type ProgrammeStatusRow struct {
	ProgrammeKey
	Status          status.ProgrammeStatus `db:"status" json:"status"`
	Detail          status.ProgrammeDetail `db:"detail" json:"detail"`
	Vaccinated      bool                   `db:"vaccinated" json:"vaccinated"`
	DoseSequence    *int                   `db:"dose_sequence" json:"dose_sequence,omitempty"`
	VaccineMethods  []facts.VaccineMethod  `db:"vaccine_methods" json:"vaccine_methods"`
	WithoutGelatine bool                   `db:"without_gelatine" json:"without_gelatine"`
	Date            *time.Time             `db:"date" json:"date,omitempty"`
}

type SessionStatusRow struct {
	SessionKey
	AcademicYear facts.AcademicYear   `db:"academic_year" json:"academic_year"`
	Status       status.SessionStatus `db:"status" json:"status"`
}

type RegistrationStatusRow struct {
	RegistrationKey
	AcademicYear facts.AcademicYear        `db:"academic_year" json:"academic_year"`
	Status       status.RegistrationStatus `db:"status" json:"status"`
}

// PatientYear is the unit a ChangeSet owns: every cache row of the patient in
// that academic year is replaced by the rows in the set.
type PatientYear struct {
	PatientID    uuid.UUID
	AcademicYear facts.AcademicYear
}

// ChangeSet is the complete recomputed state of a batch of patients.
type ChangeSet struct {
	Scope         []PatientYear
	Consents      []ConsentStatusRow
	Triages       []TriageStatusRow
	Vaccinations  []VaccinationStatusRow
	Programmes    []ProgrammeStatusRow
	Sessions      []SessionStatusRow
	Registrations []RegistrationStatusRow
}

// Empty reports whether the set has nothing to write or prune.
func (cs *ChangeSet) Empty() bool { return len(cs.Scope) == 0 }

// TableResult counts what happened to the rows of one cache table.
type TableResult struct {
	Written   int `json:"written"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
}

func (r *TableResult) add(o TableResult) {
	r.Written += o.Written
	r.Unchanged += o.Unchanged
	r.Deleted += o.Deleted
}

// VaccinatedChange is a programme status row whose vaccinated-ness differs
// from what was cached before. A row that did not exist counts as not
// vaccinated.
type VaccinatedChange struct {
	ProgrammeKey
	Vaccinated bool `json:"vaccinated"`
}

// ApplyResult summarises one or more applied change sets.
type ApplyResult struct {
	Patients          int                    `json:"patients"`
	Tables            map[string]TableResult `json:"tables"`
	VaccinatedChanges []VaccinatedChange     `json:"vaccinated_changes,omitempty"`
}

// Merge folds o into r.
func (r *ApplyResult) Merge(o ApplyResult) {
	r.Patients += o.Patients
	if r.Tables == nil {
		r.Tables = make(map[string]TableResult)
	}
	for table, tr := range o.Tables {
		cur := r.Tables[table]
		cur.add(tr)
		r.Tables[table] = cur
	}
	r.VaccinatedChanges = append(r.VaccinatedChanges, o.VaccinatedChanges...)
}

// Written returns the number of rows inserted or updated across tables.
func (r *ApplyResult) Written() int {
	n := 0
	for _, tr := range r.Tables {
		n += tr.Written
	}
	return n
}

// PatientStatuses is every cached row of one patient.
type PatientStatuses struct {
	PatientID     uuid.UUID               `json:"patient_id"`
	Consents      []ConsentStatusRow      `json:"consents"`
	Triages       []TriageStatusRow       `json:"triages"`
	Vaccinations  []VaccinationStatusRow  `json:"vaccinations"`
	Programmes    []ProgrammeStatusRow    `json:"programmes"`
	Sessions      []SessionStatusRow      `json:"sessions"`
	Registrations []RegistrationStatusRow `json:"registrations"`
}

// ProgrammeStatusFilter narrows ListProgrammeStatuses.
type ProgrammeStatusFilter struct {
	AcademicYear  facts.AcademicYear
	ProgrammeType facts.ProgrammeType
	Status        status.ProgrammeStatus
	Detail        status.ProgrammeDetail
}

// Scope selects what a bulk run recomputes. No patient ids means every
// patient, iterated by id after After. No academic years means the current
// year and the configured number of previous ones.
type Scope struct {
	PatientIDs    []uuid.UUID          `json:"patient_ids"`
	AcademicYears []facts.AcademicYear `json:"academic_years"`
	After         uuid.UUID            `json:"after"`
}

// BuildChangeSet converts resolutions into cache rows. Each patient owns the
// given years whether or not anything resolved, so stale rows are pruned.
func BuildChangeSet(resolutions []status.PatientResolution, years []facts.AcademicYear) ChangeSet {
	var cs ChangeSet
	for _, res := range resolutions {
		for _, ay := range years {
			cs.Scope = append(cs.Scope, PatientYear{PatientID: res.PatientID, AcademicYear: ay})
		}
		for _, pr := range res.Programmes {
			key := ProgrammeKey{PatientID: pr.PatientID, ProgrammeType: pr.ProgrammeType, AcademicYear: pr.AcademicYear}
			cs.Consents = append(cs.Consents, ConsentStatusRow{
				ProgrammeKey:    key,
				Status:          pr.Consent.Status,
				VaccineMethods:  pr.Consent.VaccineMethods,
				WithoutGelatine: pr.Consent.WithoutGelatine,
			})
			cs.Triages = append(cs.Triages, TriageStatusRow{
				ProgrammeKey:    key,
				Status:          pr.Triage.Status,
				VaccineMethod:   pr.Triage.VaccineMethod,
				WithoutGelatine: pr.Triage.WithoutGelatine,
				DelayUntil:      pr.Triage.DelayUntil,
			})
			cs.Vaccinations = append(cs.Vaccinations, VaccinationStatusRow{
				ProgrammeKey:        key,
				Status:              pr.Vaccination.Status,
				LatestSessionStatus: pr.Vaccination.LatestSessionStatus,
				LatestDate:          pr.Vaccination.LatestDate,
				LatestLocationID:    pr.Vaccination.LatestLocationID,
				DoseSequence:        pr.Vaccination.DoseSequence,
			})
			cs.Programmes = append(cs.Programmes, ProgrammeStatusRow{
				ProgrammeKey:    key,
				Status:          pr.Outcome.Status,
				Detail:          pr.Outcome.Detail,
				Vaccinated:      pr.Outcome.Vaccinated,
				DoseSequence:    pr.Outcome.DoseSequence,
				VaccineMethods:  pr.Outcome.VaccineMethods,
				WithoutGelatine: pr.Outcome.WithoutGelatine,
				Date:            pr.Outcome.Date,
			})
		}
		for _, s := range res.Sessions {
			cs.Sessions = append(cs.Sessions, SessionStatusRow{
				SessionKey:   SessionKey{PatientID: s.PatientID, SessionID: s.SessionID, ProgrammeType: s.ProgrammeType},
				AcademicYear: s.AcademicYear,
				Status:       s.Outcome.Status,
			})
		}
		for _, r := range res.Registrations {
			cs.Registrations = append(cs.Registrations, RegistrationStatusRow{
				RegistrationKey: RegistrationKey{PatientID: r.PatientID, SessionID: r.SessionID, SessionDate: r.Date},
				AcademicYear:    r.AcademicYear,
				Status:          r.Status,
			})
		}
	}
	return cs
}
