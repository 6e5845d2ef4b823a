//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/domain/status"
	"github.com/ehr/vaxstatus/internal/domain/statusupdater"
)

func findProgramme(rows []statusupdater.ProgrammeStatusRow, pt facts.ProgrammeType, ay facts.AcademicYear) *statusupdater.ProgrammeStatusRow {
	for i := range rows {
		if rows[i].ProgrammeType == pt && rows[i].AcademicYear == ay {
			return &rows[i]
		}
	}
	return nil
}

func findConsent(rows []statusupdater.ConsentStatusRow, pt facts.ProgrammeType, ay facts.AcademicYear) *statusupdater.ConsentStatusRow {
	for i := range rows {
		if rows[i].ProgrammeType == pt && rows[i].AcademicYear == ay {
			return &rows[i]
		}
	}
	return nil
}

func TestInlineTrigger_WritesStatusesWithFacts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p := createPatient(t, e, 9)
	saveConsent(t, e, p.ID, facts.ProgrammeHPV, facts.ResponseGiven)

	got, err := e.store.PatientStatuses(ctx, p.ID, []facts.AcademicYear{e.ay})
	if err != nil {
		t.Fatalf("PatientStatuses: %v", err)
	}

	consent := findConsent(got.Consents, facts.ProgrammeHPV, e.ay)
	if consent == nil {
		t.Fatal("expected an HPV consent status row")
	}
	if consent.Status != status.ConsentGiven {
		t.Errorf("expected consent given, got %s", consent.Status)
	}

	prog := findProgramme(got.Programmes, facts.ProgrammeHPV, e.ay)
	if prog == nil {
		t.Fatal("expected an HPV programme status row")
	}
	if prog.Status != status.ProgrammeNoneYet {
		t.Errorf("expected none_yet, got %s", prog.Status)
	}
	if prog.Detail != status.DetailDue {
		t.Errorf("expected detail due, got %s", prog.Detail)
	}
	if prog.Vaccinated {
		t.Error("expected not vaccinated")
	}
}

func TestFailedMutation_LeavesCachedStatuses(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p := createPatient(t, e, 9)
	c := saveConsent(t, e, p.ID, facts.ProgrammeHPV, facts.ResponseRefused)

	// Only given consent can be withdrawn, so the whole mutation fails.
	if err := e.service.WithdrawConsent(ctx, c.ID); err == nil {
		t.Fatal("expected withdrawing a refusal to fail")
	}

	got, err := e.store.PatientStatuses(ctx, p.ID, []facts.AcademicYear{e.ay})
	if err != nil {
		t.Fatalf("PatientStatuses: %v", err)
	}
	consent := findConsent(got.Consents, facts.ProgrammeHPV, e.ay)
	if consent == nil || consent.Status != status.ConsentRefused {
		t.Fatalf("expected refused consent to remain cached, got %+v", consent)
	}
}

func TestUpdatePatients_SecondRunWritesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p := createPatient(t, e, 9)
	saveConsent(t, e, p.ID, facts.ProgrammeHPV, facts.ResponseGiven)

	res, err := e.updater.UpdatePatients(ctx, []uuid.UUID{p.ID}, nil)
	if err != nil {
		t.Fatalf("UpdatePatients: %v", err)
	}
	if res.Written() != 0 {
		t.Errorf("expected no rows written for unchanged facts, got %d", res.Written())
	}
	if res.Tables[statusupdater.TableProgramme].Unchanged == 0 {
		t.Error("expected unchanged programme rows to be counted")
	}
	if len(res.VaccinatedChanges) != 0 {
		t.Errorf("expected no vaccinated changes, got %v", res.VaccinatedChanges)
	}
}

func TestUpdatePatients_ReportsVaccinatedChangeOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p := createPatient(t, e, 9)
	saveConsent(t, e, p.ID, facts.ProgrammeHPV, facts.ResponseGiven)

	// Written straight to the repository so the inline trigger does not run.
	v := &facts.VaccinationRecord{
		PatientID:     p.ID,
		ProgrammeType: facts.ProgrammeHPV,
		Outcome:       facts.OutcomeAdministered,
		DoseSequence:  ptrInt(1),
		PerformedAt:   time.Now().UTC(),
	}
	if err := e.repo.SaveVaccinationRecord(ctx, v); err != nil {
		t.Fatalf("SaveVaccinationRecord: %v", err)
	}

	res, err := e.updater.UpdatePatients(ctx, []uuid.UUID{p.ID}, []facts.AcademicYear{e.ay})
	if err != nil {
		t.Fatalf("UpdatePatients: %v", err)
	}
	if len(res.VaccinatedChanges) != 1 {
		t.Fatalf("expected 1 vaccinated change, got %v", res.VaccinatedChanges)
	}
	change := res.VaccinatedChanges[0]
	if change.ProgrammeType != facts.ProgrammeHPV || !change.Vaccinated || change.PatientID != p.ID {
		t.Errorf("unexpected change: %+v", change)
	}

	got, err := e.store.PatientStatuses(ctx, p.ID, []facts.AcademicYear{e.ay})
	if err != nil {
		t.Fatalf("PatientStatuses: %v", err)
	}
	prog := findProgramme(got.Programmes, facts.ProgrammeHPV, e.ay)
	if prog == nil || prog.Status != status.ProgrammeVaccinated || !prog.Vaccinated {
		t.Fatalf("expected vaccinated HPV row, got %+v", prog)
	}

	res, err = e.updater.UpdatePatients(ctx, []uuid.UUID{p.ID}, []facts.AcademicYear{e.ay})
	if err != nil {
		t.Fatalf("UpdatePatients: %v", err)
	}
	if len(res.VaccinatedChanges) != 0 {
		t.Errorf("expected no repeat change, got %v", res.VaccinatedChanges)
	}
}

func TestUpdatePatients_PrunesRowsNoLongerResolved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p := createPatient(t, e, 9)
	got, err := e.store.PatientStatuses(ctx, p.ID, []facts.AcademicYear{e.ay})
	if err != nil {
		t.Fatalf("PatientStatuses: %v", err)
	}
	if findProgramme(got.Programmes, facts.ProgrammeHPV, e.ay) == nil {
		t.Fatal("expected an HPV row for a year 9 patient")
	}

	// Moving the patient to year 5 takes them out of the HPV cohort.
	p.DateOfBirth = dobForYearGroup(e.ay, 5)
	if err := e.service.SavePatient(ctx, p); err != nil {
		t.Fatalf("SavePatient: %v", err)
	}

	got, err = e.store.PatientStatuses(ctx, p.ID, []facts.AcademicYear{e.ay})
	if err != nil {
		t.Fatalf("PatientStatuses: %v", err)
	}
	if row := findProgramme(got.Programmes, facts.ProgrammeHPV, e.ay); row != nil {
		t.Errorf("expected HPV row to be pruned, got %+v", row)
	}
	if findConsent(got.Consents, facts.ProgrammeHPV, e.ay) != nil {
		t.Error("expected HPV consent row to be pruned")
	}
	if findProgramme(got.Programmes, facts.ProgrammeFlu, e.ay) == nil {
		t.Error("expected the flu row to remain")
	}
}

func TestListProgrammeStatuses_Filters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	refused := createPatient(t, e, 9)
	createPatient(t, e, 9)
	saveConsent(t, e, refused.ID, facts.ProgrammeHPV, facts.ResponseRefused)

	rows, total, err := e.store.ListProgrammeStatuses(ctx, statusupdater.ProgrammeStatusFilter{
		AcademicYear:  e.ay,
		ProgrammeType: facts.ProgrammeHPV,
	}, 1, 0)
	if err != nil {
		t.Fatalf("ListProgrammeStatuses: %v", err)
	}
	if total != 2 {
		t.Errorf("expected total 2, got %d", total)
	}
	if len(rows) != 1 {
		t.Errorf("expected a page of 1, got %d", len(rows))
	}

	rows, total, err = e.store.ListProgrammeStatuses(ctx, statusupdater.ProgrammeStatusFilter{
		AcademicYear:  e.ay,
		ProgrammeType: facts.ProgrammeHPV,
		Status:        status.ProgrammeCouldNotVaccinate,
	}, 10, 0)
	if err != nil {
		t.Fatalf("ListProgrammeStatuses: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("expected one refused row, got total %d rows %d", total, len(rows))
	}
	if rows[0].PatientID != refused.ID {
		t.Errorf("expected patient %s, got %s", refused.ID, rows[0].PatientID)
	}
	if rows[0].Detail != status.DetailHasRefusalConsentRefused {
		t.Errorf("expected refusal detail, got %s", rows[0].Detail)
	}
}

func TestRun_ReportsProgressAndResumes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var last uuid.UUID
	for i := 0; i < 3; i++ {
		p := createPatient(t, e, 9)
		if p.ID.String() > last.String() {
			last = p.ID
		}
	}

	var seen []uuid.UUID
	res, err := e.updater.Run(ctx, statusupdater.Scope{}, func(id uuid.UUID) { seen = append(seen, id) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Patients != 3 {
		t.Errorf("expected 3 patients, got %d", res.Patients)
	}
	if len(seen) == 0 || seen[len(seen)-1] != last {
		t.Errorf("expected progress to end at %s, got %v", last, seen)
	}

	res, err = e.updater.Run(ctx, statusupdater.Scope{After: last}, nil)
	if err != nil {
		t.Fatalf("Run after last: %v", err)
	}
	if res.Patients != 0 {
		t.Errorf("expected nothing after the last patient, got %d", res.Patients)
	}
}
