package status

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

const thisYear facts.AcademicYear = 2025

var loc = time.UTC

// inYear returns a timestamp in October of academic year ay.
func inYear(ay facts.AcademicYear, day int) time.Time {
	return time.Date(int(ay), time.October, day, 10, 0, 0, 0, time.UTC)
}

func programme(t *testing.T, pt facts.ProgrammeType) *facts.Programme {
	t.Helper()
	for _, p := range facts.DefaultProgrammes() {
		if p.Type == pt {
			return p
		}
	}
	t.Fatalf("no programme %s", pt)
	return nil
}

func newPatient(dob time.Time) *facts.Patient {
	return &facts.Patient{ID: uuid.New(), DateOfBirth: dob}
}

// year9Patient is in year group 9 during thisYear.
func year9Patient() *facts.Patient {
	return newPatient(time.Date(2011, time.November, 20, 0, 0, 0, 0, time.UTC))
}

func newConsent(p *facts.Patient, pt facts.ProgrammeType, responder uuid.UUID, response facts.ConsentResponse, at time.Time) *facts.Consent {
	return &facts.Consent{
		ID:            uuid.New(),
		PatientID:     p.ID,
		ProgrammeType: pt,
		ResponderID:   responder,
		Route:         facts.RouteWebsite,
		Response:      response,
		SubmittedAt:   at,
		CreatedAt:     at,
	}
}

func selfConsent(p *facts.Patient, pt facts.ProgrammeType, response facts.ConsentResponse, at time.Time) *facts.Consent {
	c := newConsent(p, pt, p.ID, response, at)
	c.Route = facts.RouteSelfConsent
	return c
}

func newTriage(p *facts.Patient, pt facts.ProgrammeType, decision facts.TriageDecision, at time.Time) *facts.Triage {
	return &facts.Triage{
		ID:            uuid.New(),
		PatientID:     p.ID,
		ProgrammeType: pt,
		Status:        decision,
		CreatedAt:     at,
	}
}

func administered(p *facts.Patient, pt facts.ProgrammeType, at time.Time) *facts.VaccinationRecord {
	return &facts.VaccinationRecord{
		ID:            uuid.New(),
		PatientID:     p.ID,
		ProgrammeType: pt,
		Outcome:       facts.OutcomeAdministered,
		PerformedAt:   at,
		CreatedAt:     at,
	}
}

func notAdministered(p *facts.Patient, pt facts.ProgrammeType, reason facts.NotAdministeredReason, at time.Time) *facts.VaccinationRecord {
	v := administered(p, pt, at)
	v.Outcome = facts.OutcomeNotAdministered
	v.Reason = &reason
	return v
}

func withDose(v *facts.VaccinationRecord, dose int) *facts.VaccinationRecord {
	v.DoseSequence = &dose
	return v
}

func inSession(v *facts.VaccinationRecord, sessionID uuid.UUID) *facts.VaccinationRecord {
	v.SessionID = &sessionID
	return v
}

func ptr[T any](v T) *T { return &v }

// pipeline runs the component resolvers in dependency order.
type pipeline struct {
	consent     ConsentOutcome
	triage      TriageOutcome
	eval        Evaluation
	vaccination VaccinationOutcome
	programme   ProgrammeOutcome
}

func runPipeline(t *testing.T, prog *facts.Programme, p *facts.Patient, eligible bool, consents []*facts.Consent, triages []*facts.Triage, records []*facts.VaccinationRecord, today time.Time) pipeline {
	t.Helper()
	eval, err := Vaccinated(prog, thisYear, p, records, loc)
	if err != nil {
		t.Fatalf("Vaccinated: %v", err)
	}
	var out pipeline
	out.eval = eval
	out.consent = ResolveConsent(prog, thisYear, consents, loc)
	out.triage = ResolveTriage(prog, thisYear, out.consent, eval, triages, loc)
	out.vaccination = ResolveVaccination(prog, eligible, out.consent, out.triage, eval, nil, loc)
	out.programme = ResolveProgramme(out.consent, out.triage, out.vaccination, eval, today, loc)
	return out
}
