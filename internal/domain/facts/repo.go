package facts

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reader loads facts in bulk for the status engine.
type Reader interface {
	LoadSnapshot(ctx context.Context, patientIDs []uuid.UUID) (*Snapshot, error)
	ListPatientIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
	ListProgrammes(ctx context.Context) ([]*Programme, error)
	SessionPatientIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error)
}

// Writer persists fact mutations.
type Writer interface {
	SaveProgramme(ctx context.Context, p *Programme) error
	SavePatient(ctx context.Context, p *Patient) error
	SavePatientLocation(ctx context.Context, pl *PatientLocation) error
	SaveSession(ctx context.Context, s *Session) error
	AddSessionPatient(ctx context.Context, sp *SessionPatient) error
	SaveConsent(ctx context.Context, c *Consent) error
	GetConsent(ctx context.Context, id uuid.UUID) (*Consent, error)
	InvalidateConsent(ctx context.Context, id uuid.UUID, at time.Time) error
	WithdrawConsent(ctx context.Context, id uuid.UUID, at time.Time) error
	SaveTriage(ctx context.Context, t *Triage) error
	GetTriage(ctx context.Context, id uuid.UUID) (*Triage, error)
	InvalidateTriage(ctx context.Context, id uuid.UUID, at time.Time) error
	SaveVaccinationRecord(ctx context.Context, v *VaccinationRecord) error
	GetVaccinationRecord(ctx context.Context, id uuid.UUID) (*VaccinationRecord, error)
	DiscardVaccinationRecord(ctx context.Context, id uuid.UUID) error
	SaveAttendance(ctx context.Context, a *AttendanceRecord) error
	SetSessionProgrammes(ctx context.Context, sessionID uuid.UUID, programmes []ProgrammeType) error
}

// Repository is the full fact store.
type Repository interface {
	Reader
	Writer
}
