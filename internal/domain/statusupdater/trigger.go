package statusupdater

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/platform/queue"
)

// Enqueuer accepts recompute jobs for the worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// Inline recomputes statuses inside the transaction that changed the facts.
type Inline struct {
	updater *Updater
}

func NewInline(u *Updater) *Inline { return &Inline{updater: u} }

func (t *Inline) Transactional() bool { return true }

func (t *Inline) PatientsChanged(ctx context.Context, patientIDs []uuid.UUID, reason string) error {
	if _, err := t.updater.UpdatePatients(ctx, patientIDs, nil); err != nil {
		return fmt.Errorf("recompute after %s: %w", reason, err)
	}
	return nil
}

// Queued hands changed patients to the worker after the facts are committed.
type Queued struct {
	queue Enqueuer
}

func NewQueued(q Enqueuer) *Queued { return &Queued{queue: q} }

func (t *Queued) Transactional() bool { return false }

func (t *Queued) PatientsChanged(ctx context.Context, patientIDs []uuid.UUID, reason string) error {
	return t.queue.Enqueue(ctx, queue.Job{PatientIDs: patientIDs, Reason: reason})
}
