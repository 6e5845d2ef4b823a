package status

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// VaccinationOutcome is where the patient stands in the programme schedule.
type VaccinationOutcome struct {
	Status              VaccinationStatus   `json:"status"`
	LatestSessionStatus LatestSessionStatus `json:"latest_session_status,omitempty"`
	LatestDate          *time.Time          `json:"latest_date,omitempty"`
	LatestLocationID    *uuid.UUID          `json:"latest_location_id,omitempty"`
	DoseSequence        *int                `json:"dose_sequence,omitempty"`
}

// ResolveVaccination combines eligibility, consent, triage and the vaccinated
// criteria. today is the patient's attendance record for today, if any.
func ResolveVaccination(programme *facts.Programme, eligible bool, consent ConsentOutcome, triage TriageOutcome, eval Evaluation, today *facts.AttendanceRecord, loc *time.Location) VaccinationOutcome {
	var out VaccinationOutcome
	switch {
	case eval.Vaccinated:
		out.Status = VaccinationVaccinated
	case eligible && consent.Status == ConsentGiven &&
		(triage.Status == TriageSafeToVaccinate || triage.Status == TriageNotRequired):
		out.Status = VaccinationDue
	case eligible:
		out.Status = VaccinationEligible
	default:
		out.Status = VaccinationNotEligible
	}

	latest := eval.Latest()
	absentToday := today != nil && today.Attending != nil && !*today.Attending
	absent := recordedAbsent(latest) || absentToday

	switch out.Status {
	case VaccinationVaccinated:
		if eval.Record.AlreadyHad() {
			out.LatestSessionStatus = LatestAlreadyHad
		}
		out.LatestDate = dayPtr(eval.Record.PerformedAt, loc)
		out.LatestLocationID = eval.Record.LocationID
		return out
	case VaccinationDue, VaccinationEligible:
		out.LatestSessionStatus = latestSessionStatus(latest, absent)
		if programme.Criteria == facts.CriteriaTwoDoseInterval {
			next := eval.ValidDoses + 1
			out.DoseSequence = &next
		}
	}

	if latest != nil {
		out.LatestDate = dayPtr(latest.PerformedAt, loc)
	}
	// An absence dates to the later of the newest record and the attendance.
	if absent && today != nil {
		d := day(today.Date, loc)
		if out.LatestDate == nil || d.After(*out.LatestDate) {
			out.LatestDate = &d
		}
	}
	return out
}

func recordedAbsent(v *facts.VaccinationRecord) bool {
	return v != nil && (v.HasReason(facts.ReasonAbsentFromSession) || v.HasReason(facts.ReasonAbsentFromSchool))
}

func latestSessionStatus(latest *facts.VaccinationRecord, absent bool) LatestSessionStatus {
	switch {
	case latest != nil && latest.HasReason(facts.ReasonContraindicated):
		return LatestContraindicated
	case latest != nil && latest.HasReason(facts.ReasonRefused):
		return LatestRefused
	case absent:
		return LatestAbsent
	case latest != nil && latest.HasReason(facts.ReasonUnwell):
		return LatestUnwell
	}
	return LatestNone
}

func day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func dayPtr(t time.Time, loc *time.Location) *time.Time {
	d := day(t, loc)
	return &d
}
