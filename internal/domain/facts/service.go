package facts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger recomputes cached statuses for patients whose facts changed.
type Trigger interface {
	// Transactional reports whether PatientsChanged has to run inside the
	// transaction that wrote the facts.
	Transactional() bool
	PatientsChanged(ctx context.Context, patientIDs []uuid.UUID, reason string) error
}

// TxRunner runs fn inside a transaction carried by the context it passes on.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	repo    Repository
	trigger Trigger
	inTx    TxRunner
	loc     *time.Location
	now     func() time.Time
}

// NewService returns a Service that dates new facts in loc.
func NewService(repo Repository, trigger Trigger, inTx TxRunner, loc *time.Location) *Service {
	if inTx == nil {
		inTx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Service{repo: repo, trigger: trigger, inTx: inTx, loc: loc, now: time.Now}
}

var (
	validResponses = map[ConsentResponse]bool{
		ResponseGiven: true, ResponseRefused: true, ResponseNotProvided: true,
	}
	validRoutes = map[ConsentRoute]bool{
		RouteWebsite: true, RoutePhone: true, RoutePaper: true, RouteInPerson: true, RouteSelfConsent: true,
	}
	validMethods = map[VaccineMethod]bool{
		MethodInjection: true, MethodNasal: true,
	}
	validDecisions = map[TriageDecision]bool{
		TriageSafeToVaccinate: true, TriageDoNotVaccinate: true,
		TriageDelayVaccination: true, TriageNeedsFollowUp: true,
	}
	validOutcomes = map[VaccinationOutcome]bool{
		OutcomeAdministered: true, OutcomeNotAdministered: true,
	}
	validReasons = map[NotAdministeredReason]bool{
		ReasonAlreadyHad: true, ReasonUnwell: true, ReasonRefused: true,
		ReasonContraindicated: true, ReasonAbsentFromSession: true, ReasonAbsentFromSchool: true,
	}
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// mutate writes facts and triggers recomputation for the patients fn returns.
// A transactional trigger runs before commit; any other runs after it.
func (s *Service) mutate(ctx context.Context, reason string, fn func(ctx context.Context) ([]uuid.UUID, error)) error {
	var patientIDs []uuid.UUID
	inline := s.trigger != nil && s.trigger.Transactional()

	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		if patientIDs, err = fn(ctx); err != nil {
			return err
		}
		if inline && len(patientIDs) > 0 {
			return s.trigger.PatientsChanged(ctx, patientIDs, reason)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.trigger != nil && !inline && len(patientIDs) > 0 {
		return s.trigger.PatientsChanged(ctx, patientIDs, reason)
	}
	return nil
}

// -- Patients and enrolment --

func (s *Service) SavePatient(ctx context.Context, p *Patient) error {
	if p.DateOfBirth.IsZero() {
		return invalid("date_of_birth is required")
	}
	return s.mutate(ctx, "patient", func(ctx context.Context) ([]uuid.UUID, error) {
		if err := s.repo.SavePatient(ctx, p); err != nil {
			return nil, err
		}
		return []uuid.UUID{p.ID}, nil
	})
}

func (s *Service) EnrolPatient(ctx context.Context, pl *PatientLocation) error {
	if pl.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	if pl.LocationID == uuid.Nil {
		return invalid("location_id is required")
	}
	if pl.AcademicYear == 0 {
		pl.AcademicYear = AcademicYearOf(s.now(), s.loc)
	}
	return s.mutate(ctx, "patient_location", func(ctx context.Context) ([]uuid.UUID, error) {
		if err := s.repo.SavePatientLocation(ctx, pl); err != nil {
			return nil, err
		}
		return []uuid.UUID{pl.PatientID}, nil
	})
}

func (s *Service) AddSessionPatient(ctx context.Context, sp *SessionPatient) error {
	if sp.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	if sp.SessionID == uuid.Nil {
		return invalid("session_id is required")
	}
	return s.mutate(ctx, "session_patient", func(ctx context.Context) ([]uuid.UUID, error) {
		if err := s.repo.AddSessionPatient(ctx, sp); err != nil {
			return nil, err
		}
		return []uuid.UUID{sp.PatientID}, nil
	})
}

// -- Consent --

func (s *Service) SaveConsent(ctx context.Context, c *Consent) error {
	if c.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	if c.ProgrammeType == "" {
		return invalid("programme_type is required")
	}
	if c.Route == "" {
		c.Route = RouteWebsite
	}
	if !validRoutes[c.Route] {
		return invalid("invalid route: %s", c.Route)
	}
	if c.Route == RouteSelfConsent {
		c.ResponderID = c.PatientID
	}
	if c.ResponderID == uuid.Nil {
		return invalid("responder_id is required")
	}
	if !validResponses[c.Response] {
		return invalid("invalid response: %s", c.Response)
	}
	for _, m := range c.VaccineMethods {
		if !validMethods[m] {
			return invalid("invalid vaccine_method: %s", m)
		}
	}
	if c.Response != ResponseGiven && len(c.VaccineMethods) > 0 {
		return invalid("vaccine_methods only apply to given consent")
	}
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = s.now()
	}
	return s.mutate(ctx, "consent", func(ctx context.Context) ([]uuid.UUID, error) {
		if err := s.repo.SaveConsent(ctx, c); err != nil {
			return nil, err
		}
		return []uuid.UUID{c.PatientID}, nil
	})
}

func (s *Service) InvalidateConsent(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, "consent_invalidated", func(ctx context.Context) ([]uuid.UUID, error) {
		c, err := s.repo.GetConsent(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.repo.InvalidateConsent(ctx, id, s.now()); err != nil {
			return nil, err
		}
		return []uuid.UUID{c.PatientID}, nil
	})
}

func (s *Service) WithdrawConsent(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, "consent_withdrawn", func(ctx context.Context) ([]uuid.UUID, error) {
		c, err := s.repo.GetConsent(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Response != ResponseGiven {
			return nil, invalid("only given consent can be withdrawn")
		}
		if err := s.repo.WithdrawConsent(ctx, id, s.now()); err != nil {
			return nil, err
		}
		return []uuid.UUID{c.PatientID}, nil
	})
}

// -- Triage --

func (s *Service) SaveTriage(ctx context.Context, t *Triage) error {
	if t.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	if t.ProgrammeType == "" {
		return invalid("programme_type is required")
	}
	if !validDecisions[t.Status] {
		return invalid("invalid status: %s", t.Status)
	}
	if t.VaccineMethod != nil && !validMethods[*t.VaccineMethod] {
		return invalid("invalid vaccine_method: %s", *t.VaccineMethod)
	}
	if t.Status == TriageDelayVaccination && t.DelayVaccinationUntil == nil {
		return invalid("delay_vaccination_until is required to delay vaccination")
	}
	if t.Status != TriageDelayVaccination && t.DelayVaccinationUntil != nil {
		return invalid("delay_vaccination_until only applies to delay_vaccination")
	}
	return s.mutate(ctx, "triage", func(ctx context.Context) ([]uuid.UUID, error) {
		if err := s.repo.SaveTriage(ctx, t); err != nil {
			return nil, err
		}
		return []uuid.UUID{t.PatientID}, nil
	})
}

func (s *Service) InvalidateTriage(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, "triage_invalidated", func(ctx context.Context) ([]uuid.UUID, error) {
		t, err := s.repo.GetTriage(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.repo.InvalidateTriage(ctx, id, s.now()); err != nil {
			return nil, err
		}
		return []uuid.UUID{t.PatientID}, nil
	})
}

// -- Vaccination records --

func (s *Service) SaveVaccinationRecord(ctx context.Context, v *VaccinationRecord) error {
	if v.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	if v.ProgrammeType == "" {
		return invalid("programme_type is required")
	}
	if !validOutcomes[v.Outcome] {
		return invalid("invalid outcome: %s", v.Outcome)
	}
	switch {
	case v.Outcome == OutcomeAdministered && v.Reason != nil:
		return invalid("reason only applies to not_administered")
	case v.Outcome == OutcomeNotAdministered && v.Reason == nil:
		return invalid("reason is required when not administered")
	case v.Reason != nil && !validReasons[*v.Reason]:
		return invalid("invalid reason: %s", *v.Reason)
	}
	if v.DoseSequence != nil && *v.DoseSequence < 1 {
		return invalid("dose_sequence must be positive")
	}
	if v.VaccineMethod != nil && !validMethods[*v.VaccineMethod] {
		return invalid("invalid vaccine_method: %s", *v.VaccineMethod)
	}
	if v.PerformedAt.IsZero() {
		return invalid("performed_at is required")
	}
	return s.mutate(ctx, "vaccination_record", func(ctx context.Context) ([]uuid.UUID, error) {
		if err := s.repo.SaveVaccinationRecord(ctx, v); err != nil {
			return nil, err
		}
		return []uuid.UUID{v.PatientID}, nil
	})
}

func (s *Service) DiscardVaccinationRecord(ctx context.Context, id uuid.UUID) error {
	return s.mutate(ctx, "vaccination_record_discarded", func(ctx context.Context) ([]uuid.UUID, error) {
		v, err := s.repo.GetVaccinationRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.repo.DiscardVaccinationRecord(ctx, id); err != nil {
			return nil, err
		}
		return []uuid.UUID{v.PatientID}, nil
	})
}

// -- Attendance and sessions --

func (s *Service) SaveAttendance(ctx context.Context, a *AttendanceRecord) error {
	if a.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	if a.SessionID == uuid.Nil {
		return invalid("session_id is required")
	}
	if a.Date.IsZero() {
		return invalid("date is required")
	}
	return s.mutate(ctx, "attendance", func(ctx context.Context) ([]uuid.UUID, error) {
		if err := s.repo.SaveAttendance(ctx, a); err != nil {
			return nil, err
		}
		return []uuid.UUID{a.PatientID}, nil
	})
}

func (s *Service) SaveSession(ctx context.Context, sess *Session) error {
	if sess.LocationID == uuid.Nil {
		return invalid("location_id is required")
	}
	if len(sess.Dates) == 0 {
		return invalid("at least one date is required")
	}
	if sess.AcademicYear == 0 {
		sess.AcademicYear = AcademicYearOf(sess.Dates[0], nil)
	}
	for _, d := range sess.Dates {
		if AcademicYearOf(d, nil) != sess.AcademicYear {
			return invalid("date %s is outside academic year %d", d.Format(time.DateOnly), sess.AcademicYear)
		}
	}
	return s.mutate(ctx, "session", func(ctx context.Context) ([]uuid.UUID, error) {
		if err := s.repo.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
		return s.repo.SessionPatientIDs(ctx, sess.ID)
	})
}

// SetSessionProgrammes replaces the programmes a session administers and
// recomputes every patient in the session.
func (s *Service) SetSessionProgrammes(ctx context.Context, sessionID uuid.UUID, programmes []ProgrammeType) error {
	for _, pt := range programmes {
		if pt == "" {
			return invalid("programme_type is required")
		}
	}
	return s.mutate(ctx, "session_programmes", func(ctx context.Context) ([]uuid.UUID, error) {
		if err := s.repo.SetSessionProgrammes(ctx, sessionID, programmes); err != nil {
			return nil, err
		}
		return s.repo.SessionPatientIDs(ctx, sessionID)
	})
}

// SeedProgrammes stores the default programme catalogue.
func (s *Service) SeedProgrammes(ctx context.Context) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		for _, p := range DefaultProgrammes() {
			if err := s.repo.SaveProgramme(ctx, p); err != nil {
				return fmt.Errorf("seed programme %s: %w", p.Type, err)
			}
		}
		return nil
	})
}
