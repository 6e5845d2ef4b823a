package facts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/vaxstatus/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type repoPG struct {
	pool *pgxpool.Pool
	loc  *time.Location
	now  func() time.Time
}

// NewRepoPG returns a Postgres fact store. Snapshots are dated in loc.
func NewRepoPG(pool *pgxpool.Pool, loc *time.Location) Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &repoPG{pool: pool, loc: loc, now: time.Now}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const programmeCols = `id, type, name, default_year_groups, vaccine_methods, seasonal,
	gelatine_relevant, criteria, minimum_age_years, completing_dose_sequence,
	unknown_dose_requires_session, maximum_dose_sequence, first_dose_min_age_months,
	second_dose_min_age_months, min_dose_interval_days`

func scanProgramme(row pgx.Row) (*Programme, error) {
	var p Programme
	var yearGroups []int32
	var methods []string
	err := row.Scan(&p.ID, &p.Type, &p.Name, &yearGroups, &methods, &p.Seasonal,
		&p.GelatineRelevant, &p.Criteria, &p.MinimumAgeYears, &p.CompletingDoseSequence,
		&p.UnknownDoseRequiresSession, &p.MaximumDoseSequence, &p.FirstDoseMinAgeMonths,
		&p.SecondDoseMinAgeMonths, &p.MinDoseIntervalDays)
	if err != nil {
		return nil, err
	}
	for _, yg := range yearGroups {
		p.DefaultYearGroups = append(p.DefaultYearGroups, int(yg))
	}
	p.VaccineMethods = toMethods(methods)
	return &p, nil
}

const patientCols = `id, date_of_birth, school_id, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.DateOfBirth, &p.SchoolID, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

const consentCols = `id, patient_id, programme_type, responder_id, route, response,
	vaccine_methods, without_gelatine, health_answers_need_triage,
	submitted_at, created_at, invalidated_at, withdrawn_at`

func scanConsent(row pgx.Row) (*Consent, error) {
	var c Consent
	var methods []string
	err := row.Scan(&c.ID, &c.PatientID, &c.ProgrammeType, &c.ResponderID, &c.Route, &c.Response,
		&methods, &c.WithoutGelatine, &c.HealthAnswersNeedTriage,
		&c.SubmittedAt, &c.CreatedAt, &c.InvalidatedAt, &c.WithdrawnAt)
	if err != nil {
		return nil, err
	}
	c.VaccineMethods = toMethods(methods)
	return &c, nil
}

const triageCols = `id, patient_id, programme_type, status, vaccine_method,
	without_gelatine, delay_vaccination_until, created_at, invalidated_at`

func scanTriage(row pgx.Row) (*Triage, error) {
	var t Triage
	err := row.Scan(&t.ID, &t.PatientID, &t.ProgrammeType, &t.Status, &t.VaccineMethod,
		&t.WithoutGelatine, &t.DelayVaccinationUntil, &t.CreatedAt, &t.InvalidatedAt)
	return &t, err
}

const vaccinationCols = `id, patient_id, programme_type, outcome, reason, dose_sequence,
	vaccine_method, discarded, session_id, location_id, performed_at, created_at`

func scanVaccination(row pgx.Row) (*VaccinationRecord, error) {
	var v VaccinationRecord
	err := row.Scan(&v.ID, &v.PatientID, &v.ProgrammeType, &v.Outcome, &v.Reason, &v.DoseSequence,
		&v.VaccineMethod, &v.Discarded, &v.SessionID, &v.LocationID, &v.PerformedAt, &v.CreatedAt)
	return &v, err
}

const attendanceCols = `patient_id, session_id, date, attending`

func scanAttendance(row pgx.Row) (*AttendanceRecord, error) {
	var a AttendanceRecord
	err := row.Scan(&a.PatientID, &a.SessionID, &a.Date, &a.Attending)
	return &a, err
}

const sessionCols = `id, location_id, academic_year, dates, programme_types`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var types []string
	err := row.Scan(&s.ID, &s.LocationID, &s.AcademicYear, &s.Dates, &types)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		s.ProgrammeTypes = append(s.ProgrammeTypes, ProgrammeType(t))
	}
	return &s, nil
}

func scanPatientLocation(row pgx.Row) (*PatientLocation, error) {
	var pl PatientLocation
	err := row.Scan(&pl.PatientID, &pl.LocationID, &pl.AcademicYear)
	return &pl, err
}

func scanYearGroupOverride(row pgx.Row) (*LocationProgrammeYearGroup, error) {
	var o LocationProgrammeYearGroup
	err := row.Scan(&o.LocationID, &o.AcademicYear, &o.ProgrammeType, &o.YearGroup)
	return &o, err
}

func scanSessionPatient(row pgx.Row) (*SessionPatient, error) {
	var sp SessionPatient
	err := row.Scan(&sp.PatientID, &sp.SessionID)
	return &sp, err
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func toMethods(in []string) []VaccineMethod {
	if in == nil {
		return nil
	}
	out := make([]VaccineMethod, 0, len(in))
	for _, m := range in {
		out = append(out, VaccineMethod(m))
	}
	return out
}

func fromMethods(in []VaccineMethod) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		out = append(out, string(m))
	}
	return out
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// LoadSnapshot reads every fact for patientIDs in a single batch round trip.
func (r *repoPG) LoadSnapshot(ctx context.Context, patientIDs []uuid.UUID) (*Snapshot, error) {
	b := &pgx.Batch{}
	b.Queue(`SELECT ` + programmeCols + ` FROM programmes ORDER BY type`)
	b.Queue(`SELECT `+patientCols+` FROM patients WHERE id = ANY($1)`, patientIDs)
	b.Queue(`SELECT `+consentCols+` FROM consents WHERE patient_id = ANY($1) ORDER BY submitted_at, created_at`, patientIDs)
	b.Queue(`SELECT `+triageCols+` FROM triages WHERE patient_id = ANY($1) ORDER BY created_at`, patientIDs)
	b.Queue(`SELECT `+vaccinationCols+` FROM vaccination_records WHERE patient_id = ANY($1) ORDER BY performed_at, created_at`, patientIDs)
	b.Queue(`SELECT `+attendanceCols+` FROM attendance_records WHERE patient_id = ANY($1) ORDER BY date`, patientIDs)
	b.Queue(`SELECT patient_id, location_id, academic_year FROM patient_locations WHERE patient_id = ANY($1)`, patientIDs)
	b.Queue(`SELECT patient_id, session_id FROM session_patients WHERE patient_id = ANY($1)`, patientIDs)
	b.Queue(`SELECT `+sessionCols+` FROM sessions
		WHERE id IN (SELECT session_id FROM session_patients WHERE patient_id = ANY($1))`, patientIDs)
	b.Queue(`SELECT location_id, academic_year, programme_type, year_group FROM location_programme_year_groups
		WHERE location_id IN (SELECT location_id FROM patient_locations WHERE patient_id = ANY($1))`, patientIDs)

	br := r.conn(ctx).SendBatch(ctx, b)
	defer br.Close()

	rows, err := br.Query()
	programmes, err := collect(rows, err, scanProgramme)
	if err != nil {
		return nil, fmt.Errorf("load programmes: %w", err)
	}
	snap := NewSnapshot(r.now(), r.loc, programmes)

	rows, err = br.Query()
	patients, err := collect(rows, err, scanPatient)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for _, p := range patients {
		snap.Patients[p.ID] = p
	}

	rows, err = br.Query()
	consents, err := collect(rows, err, scanConsent)
	if err != nil {
		return nil, fmt.Errorf("load consents: %w", err)
	}
	for _, c := range consents {
		snap.Consents[c.PatientID] = append(snap.Consents[c.PatientID], c)
	}

	rows, err = br.Query()
	triages, err := collect(rows, err, scanTriage)
	if err != nil {
		return nil, fmt.Errorf("load triages: %w", err)
	}
	for _, t := range triages {
		snap.Triages[t.PatientID] = append(snap.Triages[t.PatientID], t)
	}

	rows, err = br.Query()
	records, err := collect(rows, err, scanVaccination)
	if err != nil {
		return nil, fmt.Errorf("load vaccination records: %w", err)
	}
	for _, v := range records {
		snap.VaccinationRecords[v.PatientID] = append(snap.VaccinationRecords[v.PatientID], v)
	}

	rows, err = br.Query()
	attendances, err := collect(rows, err, scanAttendance)
	if err != nil {
		return nil, fmt.Errorf("load attendance: %w", err)
	}
	for _, a := range attendances {
		snap.Attendances[a.PatientID] = append(snap.Attendances[a.PatientID], a)
	}

	rows, err = br.Query()
	locations, err := collect(rows, err, scanPatientLocation)
	if err != nil {
		return nil, fmt.Errorf("load patient locations: %w", err)
	}
	for _, pl := range locations {
		snap.PatientLocations[pl.PatientID] = append(snap.PatientLocations[pl.PatientID], pl)
	}

	rows, err = br.Query()
	links, err := collect(rows, err, scanSessionPatient)
	if err != nil {
		return nil, fmt.Errorf("load session patients: %w", err)
	}
	for _, sp := range links {
		snap.SessionPatients[sp.PatientID] = append(snap.SessionPatients[sp.PatientID], sp.SessionID)
	}

	rows, err = br.Query()
	sessions, err := collect(rows, err, scanSession)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, s := range sessions {
		snap.Sessions[s.ID] = s
	}

	rows, err = br.Query()
	overrides, err := collect(rows, err, scanYearGroupOverride)
	if err != nil {
		return nil, fmt.Errorf("load year group overrides: %w", err)
	}
	snap.YearGroupOverrides = overrides

	return snap, nil
}

func (r *repoPG) ListPatientIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id FROM patients WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) ListProgrammes(ctx context.Context) ([]*Programme, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+programmeCols+` FROM programmes ORDER BY type`)
	return collect(rows, err, scanProgramme)
}

func (r *repoPG) SessionPatientIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT patient_id FROM session_patients WHERE session_id = $1 ORDER BY patient_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) SaveProgramme(ctx context.Context, p *Programme) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	yearGroups := make([]int32, 0, len(p.DefaultYearGroups))
	for _, yg := range p.DefaultYearGroups {
		yearGroups = append(yearGroups, int32(yg))
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO programmes (`+programmeCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (type) DO UPDATE SET name = EXCLUDED.name,
			default_year_groups = EXCLUDED.default_year_groups,
			vaccine_methods = EXCLUDED.vaccine_methods,
			seasonal = EXCLUDED.seasonal,
			gelatine_relevant = EXCLUDED.gelatine_relevant,
			criteria = EXCLUDED.criteria,
			minimum_age_years = EXCLUDED.minimum_age_years,
			completing_dose_sequence = EXCLUDED.completing_dose_sequence,
			unknown_dose_requires_session = EXCLUDED.unknown_dose_requires_session,
			maximum_dose_sequence = EXCLUDED.maximum_dose_sequence,
			first_dose_min_age_months = EXCLUDED.first_dose_min_age_months,
			second_dose_min_age_months = EXCLUDED.second_dose_min_age_months,
			min_dose_interval_days = EXCLUDED.min_dose_interval_days`,
		p.ID, p.Type, p.Name, yearGroups, fromMethods(p.VaccineMethods), p.Seasonal,
		p.GelatineRelevant, p.Criteria, p.MinimumAgeYears, p.CompletingDoseSequence,
		p.UnknownDoseRequiresSession, p.MaximumDoseSequence, p.FirstDoseMinAgeMonths,
		p.SecondDoseMinAgeMonths, p.MinDoseIntervalDays)
	return err
}

func (r *repoPG) SavePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (id, date_of_birth, school_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET date_of_birth = EXCLUDED.date_of_birth,
			school_id = EXCLUDED.school_id, updated_at = NOW()`,
		p.ID, p.DateOfBirth, p.SchoolID)
	return err
}

func (r *repoPG) SavePatientLocation(ctx context.Context, pl *PatientLocation) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_locations (patient_id, location_id, academic_year)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		pl.PatientID, pl.LocationID, pl.AcademicYear)
	return err
}

func (r *repoPG) SaveSession(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	types := make([]string, 0, len(s.ProgrammeTypes))
	for _, t := range s.ProgrammeTypes {
		types = append(types, string(t))
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sessions (`+sessionCols+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET location_id = EXCLUDED.location_id,
			academic_year = EXCLUDED.academic_year, dates = EXCLUDED.dates,
			programme_types = EXCLUDED.programme_types`,
		s.ID, s.LocationID, s.AcademicYear, s.Dates, types)
	return err
}

func (r *repoPG) AddSessionPatient(ctx context.Context, sp *SessionPatient) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO session_patients (patient_id, session_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		sp.PatientID, sp.SessionID)
	return err
}

func (r *repoPG) SaveConsent(ctx context.Context, c *Consent) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO consents (id, patient_id, programme_type, responder_id, route, response,
			vaccine_methods, without_gelatine, health_answers_need_triage, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.PatientID, c.ProgrammeType, c.ResponderID, c.Route, c.Response,
		fromMethods(c.VaccineMethods), c.WithoutGelatine, c.HealthAnswersNeedTriage, c.SubmittedAt)
	return err
}

func (r *repoPG) GetConsent(ctx context.Context, id uuid.UUID) (*Consent, error) {
	c, err := scanConsent(r.conn(ctx).QueryRow(ctx, `SELECT `+consentCols+` FROM consents WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "consent")
	}
	return c, nil
}

func (r *repoPG) stamp(ctx context.Context, table, column string, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = COALESCE(%s, $2) WHERE id = $1`, table, column, column), id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

func (r *repoPG) InvalidateConsent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.stamp(ctx, "consents", "invalidated_at", id, at)
}

func (r *repoPG) WithdrawConsent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.stamp(ctx, "consents", "withdrawn_at", id, at)
}

func (r *repoPG) SaveTriage(ctx context.Context, t *Triage) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO triages (id, patient_id, programme_type, status, vaccine_method,
			without_gelatine, delay_vaccination_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.PatientID, t.ProgrammeType, t.Status, t.VaccineMethod,
		t.WithoutGelatine, t.DelayVaccinationUntil)
	return err
}

func (r *repoPG) GetTriage(ctx context.Context, id uuid.UUID) (*Triage, error) {
	t, err := scanTriage(r.conn(ctx).QueryRow(ctx, `SELECT `+triageCols+` FROM triages WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "triage")
	}
	return t, nil
}

func (r *repoPG) InvalidateTriage(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.stamp(ctx, "triages", "invalidated_at", id, at)
}

func (r *repoPG) SaveVaccinationRecord(ctx context.Context, v *VaccinationRecord) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO vaccination_records (id, patient_id, programme_type, outcome, reason,
			dose_sequence, vaccine_method, discarded, session_id, location_id, performed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET outcome = EXCLUDED.outcome, reason = EXCLUDED.reason,
			dose_sequence = EXCLUDED.dose_sequence, vaccine_method = EXCLUDED.vaccine_method,
			session_id = EXCLUDED.session_id, location_id = EXCLUDED.location_id,
			performed_at = EXCLUDED.performed_at`,
		v.ID, v.PatientID, v.ProgrammeType, v.Outcome, v.Reason,
		v.DoseSequence, v.VaccineMethod, v.Discarded, v.SessionID, v.LocationID, v.PerformedAt)
	return err
}

func (r *repoPG) GetVaccinationRecord(ctx context.Context, id uuid.UUID) (*VaccinationRecord, error) {
	v, err := scanVaccination(r.conn(ctx).QueryRow(ctx, `SELECT `+vaccinationCols+` FROM vaccination_records WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "vaccination record")
	}
	return v, nil
}

func (r *repoPG) DiscardVaccinationRecord(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE vaccination_records SET discarded = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vaccination record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *repoPG) SaveAttendance(ctx context.Context, a *AttendanceRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO attendance_records (patient_id, session_id, date, attending)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id, session_id, date) DO UPDATE SET attending = EXCLUDED.attending`,
		a.PatientID, a.SessionID, a.Date, a.Attending)
	return err
}

func (r *repoPG) SetSessionProgrammes(ctx context.Context, sessionID uuid.UUID, programmes []ProgrammeType) error {
	types := make([]string, 0, len(programmes))
	for _, p := range programmes {
		types = append(types, string(p))
	}
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE sessions SET programme_types = $2 WHERE id = $1`, sessionID, types)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}
