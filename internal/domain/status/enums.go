// Package status resolves consent, triage, vaccination, programme, session
// and registration statuses from a snapshot of clinical facts. Every function
// is pure and total.
package status

// ConsentStatus is the net consent position for a patient and programme.
type ConsentStatus string

const (
	ConsentNoResponse ConsentStatus = "no_response"
	ConsentGiven      ConsentStatus = "given"
	ConsentRefused    ConsentStatus = "refused"
	ConsentConflicts  ConsentStatus = "conflicts"
)

func (s ConsentStatus) Valid() bool {
	switch s {
	case ConsentNoResponse, ConsentGiven, ConsentRefused, ConsentConflicts:
		return true
	}
	return false
}

// TriageStatus is whether triage is needed and what it decided.
type TriageStatus string

const (
	TriageNotRequired      TriageStatus = "not_required"
	TriageRequired         TriageStatus = "required"
	TriageSafeToVaccinate  TriageStatus = "safe_to_vaccinate"
	TriageDoNotVaccinate   TriageStatus = "do_not_vaccinate"
	TriageDelayVaccination TriageStatus = "delay_vaccination"
)

func (s TriageStatus) Valid() bool {
	switch s {
	case TriageNotRequired, TriageRequired, TriageSafeToVaccinate, TriageDoNotVaccinate, TriageDelayVaccination:
		return true
	}
	return false
}

// ProgrammeStatus is the overall, session-independent outcome.
type ProgrammeStatus string

const (
	ProgrammeVaccinated        ProgrammeStatus = "vaccinated"
	ProgrammeCouldNotVaccinate ProgrammeStatus = "could_not_vaccinate"
	ProgrammeNoneYet           ProgrammeStatus = "none_yet"
)

func (s ProgrammeStatus) Valid() bool {
	switch s {
	case ProgrammeVaccinated, ProgrammeCouldNotVaccinate, ProgrammeNoneYet:
		return true
	}
	return false
}

// ProgrammeDetail is the finer-grained programme state shown on dashboards.
type ProgrammeDetail string

const (
	DetailVaccinatedAlready               ProgrammeDetail = "vaccinated_already"
	DetailVaccinatedFully                 ProgrammeDetail = "vaccinated_fully"
	DetailCannotVaccinateUnwell           ProgrammeDetail = "cannot_vaccinate_unwell"
	DetailCannotVaccinateRefused          ProgrammeDetail = "cannot_vaccinate_refused"
	DetailCannotVaccinateContraindicated  ProgrammeDetail = "cannot_vaccinate_contraindicated"
	DetailCannotVaccinateAbsent           ProgrammeDetail = "cannot_vaccinate_absent"
	DetailCannotVaccinateDelayVaccination ProgrammeDetail = "cannot_vaccinate_delay_vaccination"
	DetailCannotVaccinateDoNotVaccinate   ProgrammeDetail = "cannot_vaccinate_do_not_vaccinate"
	DetailDue                             ProgrammeDetail = "due"
	DetailNeedsTriage                     ProgrammeDetail = "needs_triage"
	DetailHasRefusalConsentConflicts      ProgrammeDetail = "has_refusal_consent_conflicts"
	DetailHasRefusalConsentRefused        ProgrammeDetail = "has_refusal_consent_refused"
	DetailNeedsConsentNoResponse          ProgrammeDetail = "needs_consent_no_response"
	DetailNotEligible                     ProgrammeDetail = "not_eligible"
)

func (d ProgrammeDetail) Valid() bool {
	switch d {
	case DetailVaccinatedAlready, DetailVaccinatedFully,
		DetailCannotVaccinateUnwell, DetailCannotVaccinateRefused,
		DetailCannotVaccinateContraindicated, DetailCannotVaccinateAbsent,
		DetailCannotVaccinateDelayVaccination, DetailCannotVaccinateDoNotVaccinate,
		DetailDue, DetailNeedsTriage,
		DetailHasRefusalConsentConflicts, DetailHasRefusalConsentRefused,
		DetailNeedsConsentNoResponse, DetailNotEligible:
		return true
	}
	return false
}

// VaccinationStatus is where the patient stands in the programme's schedule.
type VaccinationStatus string

const (
	VaccinationVaccinated  VaccinationStatus = "vaccinated"
	VaccinationDue         VaccinationStatus = "due"
	VaccinationEligible    VaccinationStatus = "eligible"
	VaccinationNotEligible VaccinationStatus = "not_eligible"
)

func (s VaccinationStatus) Valid() bool {
	switch s {
	case VaccinationVaccinated, VaccinationDue, VaccinationEligible, VaccinationNotEligible:
		return true
	}
	return false
}

// LatestSessionStatus summarises the most recent session attempt. Empty when
// nothing noteworthy happened.
type LatestSessionStatus string

const (
	LatestNone            LatestSessionStatus = ""
	LatestAlreadyHad      LatestSessionStatus = "already_had"
	LatestContraindicated LatestSessionStatus = "contraindicated"
	LatestRefused         LatestSessionStatus = "refused"
	LatestAbsent          LatestSessionStatus = "absent"
	LatestUnwell          LatestSessionStatus = "unwell"
)

func (s LatestSessionStatus) Valid() bool {
	switch s {
	case LatestNone, LatestAlreadyHad, LatestContraindicated, LatestRefused, LatestAbsent, LatestUnwell:
		return true
	}
	return false
}

// SessionStatus is the outcome for one programme within one session.
type SessionStatus string

const (
	SessionNoneYet              SessionStatus = "none_yet"
	SessionVaccinated           SessionStatus = "vaccinated"
	SessionAlreadyHad           SessionStatus = "already_had"
	SessionUnwell               SessionStatus = "unwell"
	SessionRefused              SessionStatus = "refused"
	SessionHadContraindications SessionStatus = "had_contraindications"
	SessionAbsentFromSession    SessionStatus = "absent_from_session"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionNoneYet, SessionVaccinated, SessionAlreadyHad, SessionUnwell,
		SessionRefused, SessionHadContraindications, SessionAbsentFromSession:
		return true
	}
	return false
}

// RegistrationStatus is the register state of a patient on a session date.
type RegistrationStatus string

const (
	RegistrationUnknown      RegistrationStatus = "unknown"
	RegistrationAttending    RegistrationStatus = "attending"
	RegistrationNotAttending RegistrationStatus = "not_attending"
	RegistrationCompleted    RegistrationStatus = "completed"
)

func (s RegistrationStatus) Valid() bool {
	switch s {
	case RegistrationUnknown, RegistrationAttending, RegistrationNotAttending, RegistrationCompleted:
		return true
	}
	return false
}
