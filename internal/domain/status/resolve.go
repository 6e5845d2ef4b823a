package status

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// ProgrammeResolution holds every status of one patient for one programme in
// one academic year.
type ProgrammeResolution struct {
	PatientID     uuid.UUID
	ProgrammeType facts.ProgrammeType
	AcademicYear  facts.AcademicYear
	Eligible      bool
	Consent       ConsentOutcome
	Triage        TriageOutcome
	Evaluation    Evaluation
	Vaccination   VaccinationOutcome
	Outcome       ProgrammeOutcome
}

// SessionResolution is the outcome of one programme in one session.
type SessionResolution struct {
	PatientID     uuid.UUID
	SessionID     uuid.UUID
	ProgrammeType facts.ProgrammeType
	AcademicYear  facts.AcademicYear
	Outcome       SessionOutcome
}

// RegistrationResolution is the register state on one session date.
type RegistrationResolution struct {
	PatientID    uuid.UUID
	SessionID    uuid.UUID
	Date         time.Time
	AcademicYear facts.AcademicYear
	Status       RegistrationStatus
}

// PatientResolution is everything resolved for one patient.
type PatientResolution struct {
	PatientID     uuid.UUID
	Programmes    []ProgrammeResolution
	Sessions      []SessionResolution
	Registrations []RegistrationResolution
}

// Relevant reports whether programme targets the patient's year group in ay,
// either by default or at one of the patient's locations.
func Relevant(snap *facts.Snapshot, pf facts.PatientFacts, programme *facts.Programme, ay facts.AcademicYear) bool {
	yg := pf.Patient.YearGroup(ay)
	if programme.InDefaultYearGroups(yg) {
		return true
	}
	for _, pl := range pf.Locations {
		if pl.AcademicYear != ay {
			continue
		}
		for _, g := range snap.YearGroups(pl.LocationID, ay, programme) {
			if g == yg {
				return true
			}
		}
	}
	return false
}

// ResolvePatient resolves every programme, session and registration status of
// one patient for the given academic years. A patient missing from the
// snapshot resolves to nothing.
func ResolvePatient(snap *facts.Snapshot, patientID uuid.UUID, years []facts.AcademicYear) (PatientResolution, error) {
	res := PatientResolution{PatientID: patientID}
	pf := snap.For(patientID)
	if pf.Patient == nil {
		return res, nil
	}
	loc := snap.Location
	today := attendanceOn(pf.Attendances, snap.Today, loc)

	type key struct {
		pt facts.ProgrammeType
		ay facts.AcademicYear
	}
	resolved := make(map[key]ProgrammeResolution)

	for _, ay := range years {
		for _, programme := range snap.Programmes {
			if !Relevant(snap, pf, programme, ay) {
				continue
			}
			pr, err := resolveProgramme(snap, pf, programme, ay, today)
			if err != nil {
				return res, err
			}
			resolved[key{programme.Type, ay}] = pr
			res.Programmes = append(res.Programmes, pr)
		}
	}

	for _, sess := range pf.Sessions {
		if !containsYear(years, sess.AcademicYear) {
			continue
		}
		var eligibleHere []facts.ProgrammeType
		relevant := false
		for _, pt := range sess.ProgrammeTypes {
			pr, ok := resolved[key{pt, sess.AcademicYear}]
			if !ok {
				continue
			}
			relevant = true
			if pr.Eligible {
				eligibleHere = append(eligibleHere, pt)
			}
			date, ok := sess.DateOn(snap.Today, loc)
			if !ok {
				date = snap.Today
			}
			res.Sessions = append(res.Sessions, SessionResolution{
				PatientID:     patientID,
				SessionID:     sess.ID,
				ProgrammeType: pt,
				AcademicYear:  sess.AcademicYear,
				Outcome:       ResolveSession(sess, date, pr.Consent, pr.Triage, pr.Evaluation, pf.Attendances, loc),
			})
		}

		if !relevant {
			continue
		}
		for _, date := range sess.Dates {
			res.Registrations = append(res.Registrations, RegistrationResolution{
				PatientID:    patientID,
				SessionID:    sess.ID,
				Date:         day(date, loc),
				AcademicYear: sess.AcademicYear,
				Status:       ResolveRegistration(sess.ID, date, eligibleHere, pf.VaccinationRecords, pf.Attendances, loc),
			})
		}
	}

	return res, nil
}

func resolveProgramme(snap *facts.Snapshot, pf facts.PatientFacts, programme *facts.Programme, ay facts.AcademicYear, today *facts.AttendanceRecord) (ProgrammeResolution, error) {
	loc := snap.Location
	eval, err := Vaccinated(programme, ay, pf.Patient, pf.VaccinationRecords, loc)
	if err != nil {
		return ProgrammeResolution{}, fmt.Errorf("patient %s: %w", pf.Patient.ID, err)
	}
	eligible := snap.Eligible(pf, programme, ay)
	consent := ResolveConsent(programme, ay, pf.Consents, loc)
	triage := ResolveTriage(programme, ay, consent, eval, pf.Triages, loc)
	vaccination := ResolveVaccination(programme, eligible, consent, triage, eval, today, loc)

	return ProgrammeResolution{
		PatientID:     pf.Patient.ID,
		ProgrammeType: programme.Type,
		AcademicYear:  ay,
		Eligible:      eligible,
		Consent:       consent,
		Triage:        triage,
		Evaluation:    eval,
		Vaccination:   vaccination,
		Outcome:       ResolveProgramme(consent, triage, vaccination, eval, snap.Today, loc),
	}, nil
}

func attendanceOn(attendance []*facts.AttendanceRecord, t time.Time, loc *time.Location) *facts.AttendanceRecord {
	for _, a := range attendance {
		if facts.SameDay(a.Date, t, loc) {
			return a
		}
	}
	return nil
}

func containsYear(years []facts.AcademicYear, ay facts.AcademicYear) bool {
	for _, y := range years {
		if y == ay {
			return true
		}
	}
	return false
}
