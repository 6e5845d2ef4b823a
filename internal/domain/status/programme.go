package status

import (
	"time"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// ProgrammeOutcome is the session-independent outcome of a programme, with
// the dashboard detail and the parameters of the next dose.
type ProgrammeOutcome struct {
	Status          ProgrammeStatus       `json:"status"`
	Detail          ProgrammeDetail       `json:"detail"`
	Vaccinated      bool                  `json:"vaccinated"`
	DoseSequence    *int                  `json:"dose_sequence,omitempty"`
	VaccineMethods  []facts.VaccineMethod `json:"vaccine_methods,omitempty"`
	WithoutGelatine bool                  `json:"without_gelatine"`
	Date            *time.Time            `json:"date,omitempty"`
}

// ResolveProgramme combines the component outcomes. Vaccination evidence
// outranks refusal or contraindication, which outranks everything else.
func ResolveProgramme(consent ConsentOutcome, triage TriageOutcome, vaccination VaccinationOutcome, eval Evaluation, today time.Time, loc *time.Location) ProgrammeOutcome {
	out := ProgrammeOutcome{Vaccinated: eval.Vaccinated}

	switch {
	case eval.Vaccinated:
		out.Status = ProgrammeVaccinated
	case consent.Status == ConsentRefused, triage.Status == TriageDoNotVaccinate:
		out.Status = ProgrammeCouldNotVaccinate
	default:
		out.Status = ProgrammeNoneYet
	}

	out.Detail = programmeDetail(consent, triage, vaccination, today, loc)

	if consent.Status == ConsentGiven &&
		(triage.Status == TriageSafeToVaccinate || triage.Status == TriageNotRequired) {
		out.DoseSequence = vaccination.DoseSequence
	}

	if offersVaccine(consent, triage, vaccination) {
		if triage.VaccineMethod != nil {
			out.VaccineMethods = []facts.VaccineMethod{*triage.VaccineMethod}
		} else {
			out.VaccineMethods = consent.VaccineMethods
		}
		out.WithoutGelatine = triage.WithoutGelatine || consent.WithoutGelatine
	}

	if triage.DelayUntil != nil {
		out.Date = dayPtr(*triage.DelayUntil, loc)
	} else {
		out.Date = vaccination.LatestDate
	}
	return out
}

func offersVaccine(consent ConsentOutcome, triage TriageOutcome, vaccination VaccinationOutcome) bool {
	if vaccination.Status == VaccinationNotEligible {
		return false
	}
	switch triage.Status {
	case TriageRequired, TriageDoNotVaccinate:
		return false
	}
	return consent.Status == ConsentGiven
}

func programmeDetail(consent ConsentOutcome, triage TriageOutcome, vaccination VaccinationOutcome, today time.Time, loc *time.Location) ProgrammeDetail {
	open := vaccination.Status == VaccinationEligible || vaccination.Status == VaccinationDue
	latestToday := vaccination.LatestDate != nil && facts.SameDay(*vaccination.LatestDate, today, loc)

	switch {
	case vaccination.Status == VaccinationVaccinated && vaccination.LatestSessionStatus == LatestAlreadyHad:
		return DetailVaccinatedAlready
	case vaccination.Status == VaccinationVaccinated:
		return DetailVaccinatedFully
	case open && latestToday && vaccination.LatestSessionStatus == LatestUnwell:
		return DetailCannotVaccinateUnwell
	case open && latestToday && vaccination.LatestSessionStatus == LatestRefused:
		return DetailCannotVaccinateRefused
	case open && latestToday && vaccination.LatestSessionStatus == LatestContraindicated:
		return DetailCannotVaccinateContraindicated
	case open && latestToday && vaccination.LatestSessionStatus == LatestAbsent:
		return DetailCannotVaccinateAbsent
	case open && triage.Status == TriageDelayVaccination:
		return DetailCannotVaccinateDelayVaccination
	case open && triage.Status == TriageDoNotVaccinate:
		return DetailCannotVaccinateDoNotVaccinate
	case vaccination.Status == VaccinationDue:
		return DetailDue
	case triage.Status == TriageRequired:
		return DetailNeedsTriage
	case consent.Status == ConsentConflicts:
		return DetailHasRefusalConsentConflicts
	case consent.Status == ConsentRefused:
		return DetailHasRefusalConsentRefused
	case vaccination.Status == VaccinationEligible && consent.Status == ConsentNoResponse:
		return DetailNeedsConsentNoResponse
	}
	return DetailNotEligible
}
