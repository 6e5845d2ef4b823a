package statusupdater

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// Store persists the status cache tables.
type Store interface {
	// Apply makes the cache rows of every (patient, academic year) in
	// cs.Scope equal to the rows in cs. Unchanged rows are not written.
	Apply(ctx context.Context, cs ChangeSet) (ApplyResult, error)
	PatientStatuses(ctx context.Context, patientID uuid.UUID, years []facts.AcademicYear) (*PatientStatuses, error)
	ListProgrammeStatuses(ctx context.Context, f ProgrammeStatusFilter, limit, offset int) ([]ProgrammeStatusRow, int, error)
}
