package facts

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid")
)

// ProgrammeType identifies a vaccination programme.
type ProgrammeType string

const (
	ProgrammeFlu     ProgrammeType = "flu"
	ProgrammeHPV     ProgrammeType = "hpv"
	ProgrammeMenACWY ProgrammeType = "menacwy"
	ProgrammeTdIPV   ProgrammeType = "td_ipv"
	ProgrammeMMR     ProgrammeType = "mmr"
)

// VaccineMethod is how a vaccine is delivered.
type VaccineMethod string

const (
	MethodInjection VaccineMethod = "injection"
	MethodNasal     VaccineMethod = "nasal"
)

// CriteriaFamily selects the rule used to decide whether a patient has had a
// sufficient, valid course of a programme.
type CriteriaFamily string

const (
	CriteriaSeasonal        CriteriaFamily = "seasonal"
	CriteriaSingleDose      CriteriaFamily = "single_dose"
	CriteriaAgeGatedSeries  CriteriaFamily = "age_gated_series"
	CriteriaTwoDoseInterval CriteriaFamily = "two_dose_interval"
)

// Programme is the eligibility and dosing configuration of one vaccine type.
type Programme struct {
	ID                         uuid.UUID       `db:"id" json:"id"`
	Type                       ProgrammeType   `db:"type" json:"type"`
	Name                       string          `db:"name" json:"name"`
	DefaultYearGroups          []int           `db:"default_year_groups" json:"default_year_groups"`
	VaccineMethods             []VaccineMethod `db:"vaccine_methods" json:"vaccine_methods"`
	Seasonal                   bool            `db:"seasonal" json:"seasonal"`
	GelatineRelevant           bool            `db:"gelatine_relevant" json:"gelatine_relevant"`
	Criteria                   CriteriaFamily  `db:"criteria" json:"criteria"`
	MinimumAgeYears            int             `db:"minimum_age_years" json:"minimum_age_years"`
	CompletingDoseSequence     int             `db:"completing_dose_sequence" json:"completing_dose_sequence"`
	UnknownDoseRequiresSession bool            `db:"unknown_dose_requires_session" json:"unknown_dose_requires_session"`
	MaximumDoseSequence        int             `db:"maximum_dose_sequence" json:"maximum_dose_sequence"`
	FirstDoseMinAgeMonths      int             `db:"first_dose_min_age_months" json:"first_dose_min_age_months"`
	SecondDoseMinAgeMonths     int             `db:"second_dose_min_age_months" json:"second_dose_min_age_months"`
	MinDoseIntervalDays        int             `db:"min_dose_interval_days" json:"min_dose_interval_days"`
}

// HasMultipleVaccineMethods reports whether consent has to choose a method.
func (p *Programme) HasMultipleVaccineMethods() bool { return len(p.VaccineMethods) > 1 }

// InDefaultYearGroups reports whether yearGroup is one of the programme's defaults.
func (p *Programme) InDefaultYearGroups(yearGroup int) bool {
	for _, yg := range p.DefaultYearGroups {
		if yg == yearGroup {
			return true
		}
	}
	return false
}

// DefaultProgrammes returns the standard school-age programme catalogue.
func DefaultProgrammes() []*Programme {
	return []*Programme{
		{
			ID:                uuid.NewSHA1(uuid.NameSpaceOID, []byte("programme/flu")),
			Type:              ProgrammeFlu,
			Name:              "Flu",
			DefaultYearGroups: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
			VaccineMethods:    []VaccineMethod{MethodNasal, MethodInjection},
			Seasonal:          true,
			GelatineRelevant:  true,
			Criteria:          CriteriaSeasonal,
		},
		{
			ID:                uuid.NewSHA1(uuid.NameSpaceOID, []byte("programme/hpv")),
			Type:              ProgrammeHPV,
			Name:              "HPV",
			DefaultYearGroups: []int{8, 9, 10, 11},
			VaccineMethods:    []VaccineMethod{MethodInjection},
			Criteria:          CriteriaSingleDose,
		},
		{
			ID:                uuid.NewSHA1(uuid.NameSpaceOID, []byte("programme/menacwy")),
			Type:              ProgrammeMenACWY,
			Name:              "MenACWY",
			DefaultYearGroups: []int{9, 10, 11},
			VaccineMethods:    []VaccineMethod{MethodInjection},
			Criteria:          CriteriaAgeGatedSeries,
			MinimumAgeYears:   10,
		},
		{
			ID:                         uuid.NewSHA1(uuid.NameSpaceOID, []byte("programme/td_ipv")),
			Type:                       ProgrammeTdIPV,
			Name:                       "Td/IPV",
			DefaultYearGroups:          []int{9, 10, 11},
			VaccineMethods:             []VaccineMethod{MethodInjection},
			Criteria:                   CriteriaAgeGatedSeries,
			MinimumAgeYears:            10,
			CompletingDoseSequence:     5,
			UnknownDoseRequiresSession: true,
			MaximumDoseSequence:        5,
		},
		{
			ID:                     uuid.NewSHA1(uuid.NameSpaceOID, []byte("programme/mmr")),
			Type:                   ProgrammeMMR,
			Name:                   "MMR",
			DefaultYearGroups:      []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
			VaccineMethods:         []VaccineMethod{MethodInjection},
			GelatineRelevant:       true,
			Criteria:               CriteriaTwoDoseInterval,
			MaximumDoseSequence:    2,
			FirstDoseMinAgeMonths:  12,
			SecondDoseMinAgeMonths: 15,
			MinDoseIntervalDays:    28,
		},
	}
}

// Patient holds the demographics the status engine needs.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	DateOfBirth time.Time  `db:"date_of_birth" json:"date_of_birth"`
	SchoolID    *uuid.UUID `db:"school_id" json:"school_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// BirthAcademicYear returns the academic year the patient was born in.
func (p *Patient) BirthAcademicYear() AcademicYear {
	return AcademicYearOf(p.DateOfBirth, time.UTC)
}

// YearGroup returns the patient's year group in academic year ay.
func (p *Patient) YearGroup(ay AcademicYear) int {
	return YearGroup(p.BirthAcademicYear(), ay)
}

// AgeYears returns the patient's age in whole years on the calendar day of
// at in loc. Date of birth is a calendar date and is read as stored.
func (p *Patient) AgeYears(at time.Time, loc *time.Location) int {
	if loc != nil {
		at = at.In(loc)
	}
	dob := p.DateOfBirth
	years := at.Year() - dob.Year()
	if at.Month() < dob.Month() || (at.Month() == dob.Month() && at.Day() < dob.Day()) {
		years--
	}
	return years
}

// AgeMonths returns the patient's age in whole months on the calendar day of
// at in loc.
func (p *Patient) AgeMonths(at time.Time, loc *time.Location) int {
	if loc != nil {
		at = at.In(loc)
	}
	dob := p.DateOfBirth
	months := (at.Year()-dob.Year())*12 + int(at.Month()) - int(dob.Month())
	if at.Day() < dob.Day() {
		months--
	}
	return months
}

// PatientLocation records that a patient belongs to a school or clinic in an
// academic year.
type PatientLocation struct {
	PatientID    uuid.UUID    `db:"patient_id" json:"patient_id"`
	LocationID   uuid.UUID    `db:"location_id" json:"location_id"`
	AcademicYear AcademicYear `db:"academic_year" json:"academic_year"`
}

// LocationProgrammeYearGroup overrides the programme's default year groups at
// one location for one academic year.
type LocationProgrammeYearGroup struct {
	LocationID    uuid.UUID     `db:"location_id" json:"location_id"`
	AcademicYear  AcademicYear  `db:"academic_year" json:"academic_year"`
	ProgrammeType ProgrammeType `db:"programme_type" json:"programme_type"`
	YearGroup     int           `db:"year_group" json:"year_group"`
}

// Session is a vaccination session at a location.
type Session struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	LocationID     uuid.UUID       `db:"location_id" json:"location_id"`
	AcademicYear   AcademicYear    `db:"academic_year" json:"academic_year"`
	Dates          []time.Time     `db:"dates" json:"dates"`
	ProgrammeTypes []ProgrammeType `db:"programme_types" json:"programme_types"`
}

// HasProgramme reports whether the session administers programme pt.
func (s *Session) HasProgramme(pt ProgrammeType) bool {
	for _, p := range s.ProgrammeTypes {
		if p == pt {
			return true
		}
	}
	return false
}

// DateOn returns the session date that applies on today: today itself when the
// session runs then, else the most recent past date, else the first date.
func (s *Session) DateOn(today time.Time, loc *time.Location) (time.Time, bool) {
	if len(s.Dates) == 0 {
		return time.Time{}, false
	}
	var past, first time.Time
	for _, d := range s.Dates {
		if SameDay(d, today, loc) {
			return d, true
		}
		if d.Before(today) && d.After(past) {
			past = d
		}
		if first.IsZero() || d.Before(first) {
			first = d
		}
	}
	if !past.IsZero() {
		return past, true
	}
	return first, true
}

// SessionPatient links a patient to a session.
type SessionPatient struct {
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	SessionID uuid.UUID `db:"session_id" json:"session_id"`
}

// ConsentResponse is what the responder answered.
type ConsentResponse string

const (
	ResponseGiven       ConsentResponse = "given"
	ResponseRefused     ConsentResponse = "refused"
	ResponseNotProvided ConsentResponse = "not_provided"
)

// ConsentRoute is how a consent response reached the service.
type ConsentRoute string

const (
	RouteWebsite     ConsentRoute = "website"
	RoutePhone       ConsentRoute = "phone"
	RoutePaper       ConsentRoute = "paper"
	RouteInPerson    ConsentRoute = "in_person"
	RouteSelfConsent ConsentRoute = "self_consent"
)

// Consent is one response from one responding party.
type Consent struct {
	ID                      uuid.UUID       `db:"id" json:"id"`
	PatientID               uuid.UUID       `db:"patient_id" json:"patient_id"`
	ProgrammeType           ProgrammeType   `db:"programme_type" json:"programme_type"`
	ResponderID             uuid.UUID       `db:"responder_id" json:"responder_id"`
	Route                   ConsentRoute    `db:"route" json:"route"`
	Response                ConsentResponse `db:"response" json:"response"`
	VaccineMethods          []VaccineMethod `db:"vaccine_methods" json:"vaccine_methods"`
	WithoutGelatine         bool            `db:"without_gelatine" json:"without_gelatine"`
	HealthAnswersNeedTriage bool            `db:"health_answers_need_triage" json:"health_answers_need_triage"`
	SubmittedAt             time.Time       `db:"submitted_at" json:"submitted_at"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`
	InvalidatedAt           *time.Time      `db:"invalidated_at" json:"invalidated_at,omitempty"`
	WithdrawnAt             *time.Time      `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
}

// Valid reports whether the consent is neither invalidated nor withdrawn.
func (c *Consent) Valid() bool { return c.InvalidatedAt == nil && c.WithdrawnAt == nil }

// SelfConsent reports whether the patient consented on their own behalf.
func (c *Consent) SelfConsent() bool { return c.Route == RouteSelfConsent }

// AcademicYear returns the academic year the response was submitted in.
func (c *Consent) AcademicYear(loc *time.Location) AcademicYear {
	at := c.SubmittedAt
	if at.IsZero() {
		at = c.CreatedAt
	}
	return AcademicYearOf(at, loc)
}

// TriageDecision is the outcome a nurse recorded.
type TriageDecision string

const (
	TriageSafeToVaccinate  TriageDecision = "safe_to_vaccinate"
	TriageDoNotVaccinate   TriageDecision = "do_not_vaccinate"
	TriageDelayVaccination TriageDecision = "delay_vaccination"
	TriageNeedsFollowUp    TriageDecision = "needs_follow_up"
)

// Triage is a clinical safety assessment.
type Triage struct {
	ID                    uuid.UUID      `db:"id" json:"id"`
	PatientID             uuid.UUID      `db:"patient_id" json:"patient_id"`
	ProgrammeType         ProgrammeType  `db:"programme_type" json:"programme_type"`
	Status                TriageDecision `db:"status" json:"status"`
	VaccineMethod         *VaccineMethod `db:"vaccine_method" json:"vaccine_method,omitempty"`
	WithoutGelatine       bool           `db:"without_gelatine" json:"without_gelatine"`
	DelayVaccinationUntil *time.Time     `db:"delay_vaccination_until" json:"delay_vaccination_until,omitempty"`
	CreatedAt             time.Time      `db:"created_at" json:"created_at"`
	InvalidatedAt         *time.Time     `db:"invalidated_at" json:"invalidated_at,omitempty"`
}

// Valid reports whether the triage has not been invalidated.
func (t *Triage) Valid() bool { return t.InvalidatedAt == nil }

// AcademicYear returns the academic year the triage was recorded in.
func (t *Triage) AcademicYear(loc *time.Location) AcademicYear {
	return AcademicYearOf(t.CreatedAt, loc)
}

// VaccinationOutcome is whether a dose was given.
type VaccinationOutcome string

const (
	OutcomeAdministered    VaccinationOutcome = "administered"
	OutcomeNotAdministered VaccinationOutcome = "not_administered"
)

// NotAdministeredReason explains an outcome other than administered.
type NotAdministeredReason string

const (
	ReasonAlreadyHad        NotAdministeredReason = "already_had"
	ReasonUnwell            NotAdministeredReason = "unwell"
	ReasonRefused           NotAdministeredReason = "refused"
	ReasonContraindicated   NotAdministeredReason = "contraindicated"
	ReasonAbsentFromSession NotAdministeredReason = "absent_from_session"
	ReasonAbsentFromSchool  NotAdministeredReason = "absent_from_school"
)

// VaccinationRecord is one administration attempt.
type VaccinationRecord struct {
	ID            uuid.UUID              `db:"id" json:"id"`
	PatientID     uuid.UUID              `db:"patient_id" json:"patient_id"`
	ProgrammeType ProgrammeType          `db:"programme_type" json:"programme_type"`
	Outcome       VaccinationOutcome     `db:"outcome" json:"outcome"`
	Reason        *NotAdministeredReason `db:"reason" json:"reason,omitempty"`
	DoseSequence  *int                   `db:"dose_sequence" json:"dose_sequence,omitempty"`
	VaccineMethod *VaccineMethod         `db:"vaccine_method" json:"vaccine_method,omitempty"`
	Discarded     bool                   `db:"discarded" json:"discarded"`
	SessionID     *uuid.UUID             `db:"session_id" json:"session_id,omitempty"`
	LocationID    *uuid.UUID             `db:"location_id" json:"location_id,omitempty"`
	PerformedAt   time.Time              `db:"performed_at" json:"performed_at"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
}

// Administered reports whether a dose was given.
func (v *VaccinationRecord) Administered() bool { return v.Outcome == OutcomeAdministered }

// AlreadyHad reports whether the patient was recorded as previously vaccinated.
func (v *VaccinationRecord) AlreadyHad() bool {
	return v.Reason != nil && *v.Reason == ReasonAlreadyHad
}

// HasReason reports whether the record was not administered for reason r.
func (v *VaccinationRecord) HasReason(r NotAdministeredReason) bool {
	return v.Reason != nil && *v.Reason == r
}

// RecordedInService reports whether the record came from a live session
// rather than a historical import.
func (v *VaccinationRecord) RecordedInService() bool { return v.SessionID != nil }

// AcademicYear returns the academic year the record was performed in.
func (v *VaccinationRecord) AcademicYear(loc *time.Location) AcademicYear {
	return AcademicYearOf(v.PerformedAt, loc)
}

// AttendanceRecord registers a patient at a session on one date. A nil
// Attending means the patient has not been registered yet.
type AttendanceRecord struct {
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	SessionID uuid.UUID `db:"session_id" json:"session_id"`
	Date      time.Time `db:"date" json:"date"`
	Attending *bool     `db:"attending" json:"attending,omitempty"`
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	if loc != nil {
		a, b = a.In(loc), b.In(loc)
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
