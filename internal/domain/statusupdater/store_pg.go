package statusupdater

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/vaxstatus/internal/domain/facts"
	"github.com/ehr/vaxstatus/internal/platform/db"
	"github.com/ehr/vaxstatus/internal/platform/telemetry"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres error codes retried by Apply.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// StorePGConfig tunes the Postgres store.
type StorePGConfig struct {
	// Retries is how many times a conflicting Apply is retried when the store
	// owns the transaction.
	Retries int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
}

type storePG struct {
	pool    *pgxpool.Pool
	cfg     StorePGConfig
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewStorePG returns a Postgres backed Store.
func NewStorePG(pool *pgxpool.Pool, cfg StorePGConfig, metrics *telemetry.Metrics, logger zerolog.Logger) Store {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &storePG{pool: pool, cfg: cfg, metrics: metrics, logger: logger}
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// IsRetryable reports whether err is a serialization failure, a deadlock or
// a unique violation from a concurrent insert of the same key.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
		return true
	}
	return false
}

func (s *storePG) Apply(ctx context.Context, cs ChangeSet) (ApplyResult, error) {
	if cs.Empty() {
		return ApplyResult{Tables: map[string]TableResult{}}, nil
	}
	attempts := 1
	if db.TxFromContext(ctx) == nil {
		// Inside a caller's transaction a failed statement aborts the whole
		// transaction, so only the owner can retry.
		attempts += s.cfg.Retries
	}

	for attempt := 1; ; attempt++ {
		var res ApplyResult
		err := db.RunInTx(ctx, s.pool, pgx.TxOptions{}, func(ctx context.Context) error {
			var err error
			res, err = s.apply(ctx, cs)
			return err
		})
		if err == nil {
			return res, nil
		}
		if attempt >= attempts || !IsRetryable(err) {
			return ApplyResult{}, err
		}
		s.metrics.ObserveUpsertRetry()
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("retrying status cache write")
		select {
		case <-ctx.Done():
			return ApplyResult{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * s.cfg.Backoff):
		}
	}
}

func (s *storePG) apply(ctx context.Context, cs ChangeSet) (ApplyResult, error) {
	scope := newScopeSet(cs.Scope)
	ids := scope.patientIDs()
	existing, err := s.load(ctx, ids, scope.years(), true)
	if err != nil {
		return ApplyResult{}, err
	}
	p := diffChangeSet(cs, existing)

	b := &pgx.Batch{}
	for _, r := range p.consents.upserts {
		b.Queue(upsertConsentSQL, r.PatientID, r.ProgrammeType, int32(r.AcademicYear), r.Status,
			methodStrings(r.VaccineMethods), r.WithoutGelatine)
	}
	for _, r := range p.triages.upserts {
		b.Queue(upsertTriageSQL, r.PatientID, r.ProgrammeType, int32(r.AcademicYear), r.Status,
			r.VaccineMethod, r.WithoutGelatine, r.DelayUntil)
	}
	for _, r := range p.vaccinations.upserts {
		b.Queue(upsertVaccinationSQL, r.PatientID, r.ProgrammeType, int32(r.AcademicYear), r.Status,
			r.LatestSessionStatus, r.LatestDate, r.LatestLocationID, r.DoseSequence)
	}
	for _, r := range p.programmes.upserts {
		b.Queue(upsertProgrammeSQL, r.PatientID, r.ProgrammeType, int32(r.AcademicYear), r.Status,
			r.Detail, r.Vaccinated, r.DoseSequence, methodStrings(r.VaccineMethods), r.WithoutGelatine, r.Date)
	}
	for _, r := range p.sessions.upserts {
		b.Queue(upsertSessionSQL, r.PatientID, r.SessionID, r.ProgrammeType, int32(r.AcademicYear), r.Status)
	}
	for _, r := range p.registrations.upserts {
		b.Queue(upsertRegistrationSQL, r.PatientID, r.SessionID, r.SessionDate, int32(r.AcademicYear), r.Status)
	}

	for table, keys := range map[string][]ProgrammeKey{
		TableConsent:     p.consents.deletes,
		TableTriage:      p.triages.deletes,
		TableVaccination: p.vaccinations.deletes,
		TableProgramme:   p.programmes.deletes,
	} {
		for _, k := range keys {
			b.Queue(`DELETE FROM `+table+` WHERE patient_id = $1 AND programme_type = $2 AND academic_year = $3`,
				k.PatientID, k.ProgrammeType, int32(k.AcademicYear))
		}
	}
	for _, k := range p.sessions.deletes {
		b.Queue(`DELETE FROM `+TableSession+` WHERE patient_id = $1 AND session_id = $2 AND programme_type = $3`,
			k.PatientID, k.SessionID, k.ProgrammeType)
	}
	for _, k := range p.registrations.deletes {
		b.Queue(`DELETE FROM `+TableRegistration+` WHERE patient_id = $1 AND session_id = $2 AND session_date = $3::date`,
			k.PatientID, k.SessionID, k.Date)
	}

	if b.Len() > 0 {
		br := s.conn(ctx).SendBatch(ctx, b)
		for i := 0; i < b.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return ApplyResult{}, fmt.Errorf("write status cache: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return ApplyResult{}, fmt.Errorf("write status cache: %w", err)
		}
	}
	return p.result(len(ids)), nil
}

// The WHERE clauses keep a concurrent identical write from bumping updated_at.
const (
	upsertConsentSQL = `INSERT INTO patient_consent_statuses
		(patient_id, programme_type, academic_year, status, vaccine_methods, without_gelatine)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (patient_id, programme_type, academic_year) DO UPDATE SET
			status = EXCLUDED.status, vaccine_methods = EXCLUDED.vaccine_methods,
			without_gelatine = EXCLUDED.without_gelatine, updated_at = NOW()
		WHERE (patient_consent_statuses.status, patient_consent_statuses.vaccine_methods,
			patient_consent_statuses.without_gelatine)
			IS DISTINCT FROM (EXCLUDED.status, EXCLUDED.vaccine_methods, EXCLUDED.without_gelatine)`

	upsertTriageSQL = `INSERT INTO patient_triage_statuses
		(patient_id, programme_type, academic_year, status, vaccine_method, without_gelatine, delay_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (patient_id, programme_type, academic_year) DO UPDATE SET
			status = EXCLUDED.status, vaccine_method = EXCLUDED.vaccine_method,
			without_gelatine = EXCLUDED.without_gelatine, delay_until = EXCLUDED.delay_until,
			updated_at = NOW()
		WHERE (patient_triage_statuses.status, patient_triage_statuses.vaccine_method,
			patient_triage_statuses.without_gelatine, patient_triage_statuses.delay_until)
			IS DISTINCT FROM (EXCLUDED.status, EXCLUDED.vaccine_method, EXCLUDED.without_gelatine,
			EXCLUDED.delay_until)`

	upsertVaccinationSQL = `INSERT INTO patient_vaccination_statuses
		(patient_id, programme_type, academic_year, status, latest_session_status, latest_date,
		 latest_location_id, dose_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (patient_id, programme_type, academic_year) DO UPDATE SET
			status = EXCLUDED.status, latest_session_status = EXCLUDED.latest_session_status,
			latest_date = EXCLUDED.latest_date, latest_location_id = EXCLUDED.latest_location_id,
			dose_sequence = EXCLUDED.dose_sequence, updated_at = NOW()
		WHERE (patient_vaccination_statuses.status, patient_vaccination_statuses.latest_session_status,
			patient_vaccination_statuses.latest_date, patient_vaccination_statuses.latest_location_id,
			patient_vaccination_statuses.dose_sequence)
			IS DISTINCT FROM (EXCLUDED.status, EXCLUDED.latest_session_status, EXCLUDED.latest_date,
			EXCLUDED.latest_location_id, EXCLUDED.dose_sequence)`

	upsertProgrammeSQL = `INSERT INTO patient_programme_statuses
		(patient_id, programme_type, academic_year, status, detail, vaccinated, dose_sequence,
		 vaccine_methods, without_gelatine, date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (patient_id, programme_type, academic_year) DO UPDATE SET
			status = EXCLUDED.status, detail = EXCLUDED.detail, vaccinated = EXCLUDED.vaccinated,
			dose_sequence = EXCLUDED.dose_sequence, vaccine_methods = EXCLUDED.vaccine_methods,
			without_gelatine = EXCLUDED.without_gelatine, date = EXCLUDED.date, updated_at = NOW()
		WHERE (patient_programme_statuses.status, patient_programme_statuses.detail,
			patient_programme_statuses.vaccinated, patient_programme_statuses.dose_sequence,
			patient_programme_statuses.vaccine_methods, patient_programme_statuses.without_gelatine,
			patient_programme_statuses.date)
			IS DISTINCT FROM (EXCLUDED.status, EXCLUDED.detail, EXCLUDED.vaccinated,
			EXCLUDED.dose_sequence, EXCLUDED.vaccine_methods, EXCLUDED.without_gelatine, EXCLUDED.date)`

	upsertSessionSQL = `INSERT INTO patient_session_statuses
		(patient_id, session_id, programme_type, academic_year, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id, session_id, programme_type) DO UPDATE SET
			academic_year = EXCLUDED.academic_year, status = EXCLUDED.status, updated_at = NOW()
		WHERE (patient_session_statuses.academic_year, patient_session_statuses.status)
			IS DISTINCT FROM (EXCLUDED.academic_year, EXCLUDED.status)`

	upsertRegistrationSQL = `INSERT INTO patient_registration_statuses
		(patient_id, session_id, session_date, academic_year, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (patient_id, session_id, session_date) DO UPDATE SET
			academic_year = EXCLUDED.academic_year, status = EXCLUDED.status, updated_at = NOW()
		WHERE (patient_registration_statuses.academic_year, patient_registration_statuses.status)
			IS DISTINCT FROM (EXCLUDED.academic_year, EXCLUDED.status)`
)

const (
	consentStatusCols      = `patient_id, programme_type, academic_year, status, vaccine_methods, without_gelatine`
	triageStatusCols       = `patient_id, programme_type, academic_year, status, vaccine_method, without_gelatine, delay_until`
	vaccinationStatusCols  = `patient_id, programme_type, academic_year, status, latest_session_status, latest_date, latest_location_id, dose_sequence`
	programmeStatusCols    = `patient_id, programme_type, academic_year, status, detail, vaccinated, dose_sequence, vaccine_methods, without_gelatine, date`
	sessionStatusCols      = `patient_id, session_id, programme_type, academic_year, status`
	registrationStatusCols = `patient_id, session_id, session_date, academic_year, status`
)

func scanConsentStatus(row pgx.Row) (ConsentStatusRow, error) {
	var r ConsentStatusRow
	var ay int32
	var methods []string
	err := row.Scan(&r.PatientID, &r.ProgrammeType, &ay, &r.Status, &methods, &r.WithoutGelatine)
	r.AcademicYear = facts.AcademicYear(ay)
	r.VaccineMethods = toMethods(methods)
	return r, err
}

func scanTriageStatus(row pgx.Row) (TriageStatusRow, error) {
	var r TriageStatusRow
	var ay int32
	err := row.Scan(&r.PatientID, &r.ProgrammeType, &ay, &r.Status, &r.VaccineMethod, &r.WithoutGelatine, &r.DelayUntil)
	r.AcademicYear = facts.AcademicYear(ay)
	return r, err
}

func scanVaccinationStatus(row pgx.Row) (VaccinationStatusRow, error) {
	var r VaccinationStatusRow
	var ay int32
	err := row.Scan(&r.PatientID, &r.ProgrammeType, &ay, &r.Status, &r.LatestSessionStatus,
		&r.LatestDate, &r.LatestLocationID, &r.DoseSequence)
	r.AcademicYear = facts.AcademicYear(ay)
	return r, err
}

func scanProgrammeStatus(row pgx.Row) (ProgrammeStatusRow, error) {
	var r ProgrammeStatusRow
	var ay int32
	var methods []string
	err := row.Scan(&r.PatientID, &r.ProgrammeType, &ay, &r.Status, &r.Detail, &r.Vaccinated,
		&r.DoseSequence, &methods, &r.WithoutGelatine, &r.Date)
	r.AcademicYear = facts.AcademicYear(ay)
	r.VaccineMethods = toMethods(methods)
	return r, err
}

func scanSessionStatus(row pgx.Row) (SessionStatusRow, error) {
	var r SessionStatusRow
	var ay int32
	err := row.Scan(&r.PatientID, &r.SessionID, &r.ProgrammeType, &ay, &r.Status)
	r.AcademicYear = facts.AcademicYear(ay)
	return r, err
}

func scanRegistrationStatus(row pgx.Row) (RegistrationStatusRow, error) {
	var r RegistrationStatusRow
	var ay int32
	err := row.Scan(&r.PatientID, &r.SessionID, &r.SessionDate, &ay, &r.Status)
	r.AcademicYear = facts.AcademicYear(ay)
	return r, err
}

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// load reads every cache row of patientIDs, limited to years when given. With
// lock the rows are locked for the rest of the transaction.
func (s *storePG) load(ctx context.Context, patientIDs []uuid.UUID, years []facts.AcademicYear, lock bool) (ChangeSet, error) {
	var cs ChangeSet
	if len(patientIDs) == 0 {
		return cs, nil
	}
	where := ` WHERE patient_id = ANY($1) AND ($2::int[] IS NULL OR academic_year = ANY($2))`
	suffix := ``
	if lock {
		suffix = ` FOR UPDATE`
	}
	ys := yearInts(years)
	q := s.conn(ctx)
	query := func(cols, table, order string) (pgx.Rows, error) {
		return q.Query(ctx, `SELECT `+cols+` FROM `+table+where+` ORDER BY `+order+suffix, patientIDs, ys)
	}
	const progOrder = `patient_id, programme_type, academic_year`

	rows, err := query(consentStatusCols, TableConsent, progOrder)
	if cs.Consents, err = collect(rows, err, scanConsentStatus); err != nil {
		return cs, fmt.Errorf("load consent statuses: %w", err)
	}
	rows, err = query(triageStatusCols, TableTriage, progOrder)
	if cs.Triages, err = collect(rows, err, scanTriageStatus); err != nil {
		return cs, fmt.Errorf("load triage statuses: %w", err)
	}
	rows, err = query(vaccinationStatusCols, TableVaccination, progOrder)
	if cs.Vaccinations, err = collect(rows, err, scanVaccinationStatus); err != nil {
		return cs, fmt.Errorf("load vaccination statuses: %w", err)
	}
	rows, err = query(programmeStatusCols, TableProgramme, progOrder)
	if cs.Programmes, err = collect(rows, err, scanProgrammeStatus); err != nil {
		return cs, fmt.Errorf("load programme statuses: %w", err)
	}
	rows, err = query(sessionStatusCols, TableSession, `patient_id, session_id, programme_type`)
	if cs.Sessions, err = collect(rows, err, scanSessionStatus); err != nil {
		return cs, fmt.Errorf("load session statuses: %w", err)
	}
	rows, err = query(registrationStatusCols, TableRegistration, `patient_id, session_id, session_date`)
	if cs.Registrations, err = collect(rows, err, scanRegistrationStatus); err != nil {
		return cs, fmt.Errorf("load registration statuses: %w", err)
	}
	return cs, nil
}

func (s *storePG) PatientStatuses(ctx context.Context, patientID uuid.UUID, years []facts.AcademicYear) (*PatientStatuses, error) {
	cs, err := s.load(ctx, []uuid.UUID{patientID}, years, false)
	if err != nil {
		return nil, err
	}
	return &PatientStatuses{
		PatientID:     patientID,
		Consents:      cs.Consents,
		Triages:       cs.Triages,
		Vaccinations:  cs.Vaccinations,
		Programmes:    cs.Programmes,
		Sessions:      cs.Sessions,
		Registrations: cs.Registrations,
	}, nil
}

func (s *storePG) ListProgrammeStatuses(ctx context.Context, f ProgrammeStatusFilter, limit, offset int) ([]ProgrammeStatusRow, int, error) {
	var where []string
	var args []interface{}
	idx := 1
	if f.AcademicYear != 0 {
		where = append(where, fmt.Sprintf("academic_year = $%d", idx))
		args = append(args, int32(f.AcademicYear))
		idx++
	}
	if f.ProgrammeType != "" {
		where = append(where, fmt.Sprintf("programme_type = $%d", idx))
		args = append(args, f.ProgrammeType)
		idx++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", idx))
		args = append(args, f.Status)
		idx++
	}
	if f.Detail != "" {
		where = append(where, fmt.Sprintf("detail = $%d", idx))
		args = append(args, f.Detail)
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM `+TableProgramme+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count programme statuses: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY academic_year DESC, programme_type, patient_id LIMIT $%d OFFSET $%d`,
		programmeStatusCols, TableProgramme, clause, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	list, err := collect(rows, err, scanProgrammeStatus)
	if err != nil {
		return nil, 0, fmt.Errorf("list programme statuses: %w", err)
	}
	return list, total, nil
}

func yearInts(years []facts.AcademicYear) []int32 {
	if len(years) == 0 {
		return nil
	}
	out := make([]int32, len(years))
	for i, y := range years {
		out[i] = int32(y)
	}
	return out
}

func methodStrings(methods []facts.VaccineMethod) []string {
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = string(m)
	}
	return out
}

func toMethods(methods []string) []facts.VaccineMethod {
	if len(methods) == 0 {
		return nil
	}
	out := make([]facts.VaccineMethod, len(methods))
	for i, m := range methods {
		out[i] = facts.VaccineMethod(m)
	}
	return out
}
