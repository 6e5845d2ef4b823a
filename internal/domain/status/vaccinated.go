package status

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// ErrUnsupportedProgramme is returned for a programme whose criteria family
// is missing or unknown.
var ErrUnsupportedProgramme = errors.New("unsupported programme")

// Evaluation is the result of applying a programme's vaccinated criteria.
type Evaluation struct {
	Vaccinated bool

	// Record is the record that satisfied the criteria.
	Record *facts.VaccinationRecord

	// ValidDoses counts the doses that are valid towards the course.
	ValidDoses int

	// UnqualifiedDoses counts administered doses that did not satisfy the
	// criteria. Zero when the patient is vaccinated.
	UnqualifiedDoses int

	// Records are the patient's relevant records for the programme, oldest first.
	Records []*facts.VaccinationRecord
}

// Latest returns the most recent relevant record, or nil.
func (e Evaluation) Latest() *facts.VaccinationRecord {
	if len(e.Records) == 0 {
		return nil
	}
	return e.Records[len(e.Records)-1]
}

type criteria func(programme *facts.Programme, patient *facts.Patient, administered []*facts.VaccinationRecord, loc *time.Location) Evaluation

var criteriaFamilies = map[facts.CriteriaFamily]criteria{
	facts.CriteriaSeasonal:        anyAdministered,
	facts.CriteriaSingleDose:      anyAdministered,
	facts.CriteriaAgeGatedSeries:  ageGatedSeries,
	facts.CriteriaTwoDoseInterval: twoDoseInterval,
}

// Vaccinated reports whether patient has had a sufficient, valid course of
// programme by academic year ay. Seasonal programmes only look at ay; others
// at ay and every earlier year.
func Vaccinated(programme *facts.Programme, ay facts.AcademicYear, patient *facts.Patient, records []*facts.VaccinationRecord, loc *time.Location) (Evaluation, error) {
	check, ok := criteriaFamilies[programme.Criteria]
	if !ok {
		return Evaluation{}, fmt.Errorf("%w: %s has criteria %q", ErrUnsupportedProgramme, programme.Type, programme.Criteria)
	}

	relevant := relevantRecords(programme, ay, patient, records, loc)

	var alreadyHad, administered []*facts.VaccinationRecord
	for _, v := range relevant {
		if v.AlreadyHad() {
			alreadyHad = append(alreadyHad, v)
		}
		if v.Administered() {
			administered = append(administered, v)
		}
	}

	var eval Evaluation
	if len(alreadyHad) > 0 {
		eval = Evaluation{
			Vaccinated: true,
			Record:     alreadyHad[len(alreadyHad)-1],
			ValidDoses: len(alreadyHad),
		}
	} else {
		eval = check(programme, patient, administered, loc)
	}
	eval.Records = relevant
	return eval, nil
}

func relevantRecords(programme *facts.Programme, ay facts.AcademicYear, patient *facts.Patient, records []*facts.VaccinationRecord, loc *time.Location) []*facts.VaccinationRecord {
	var out []*facts.VaccinationRecord
	for _, v := range records {
		if v.Discarded || v.PatientID != patient.ID || v.ProgrammeType != programme.Type {
			continue
		}
		year := v.AcademicYear(loc)
		if programme.Seasonal && year != ay {
			continue
		}
		if !programme.Seasonal && year > ay {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PerformedAt.Equal(out[j].PerformedAt) {
			return out[i].PerformedAt.Before(out[j].PerformedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func anyAdministered(_ *facts.Programme, _ *facts.Patient, administered []*facts.VaccinationRecord, _ *time.Location) Evaluation {
	if len(administered) == 0 {
		return Evaluation{}
	}
	return Evaluation{
		Vaccinated: true,
		Record:     administered[len(administered)-1],
		ValidDoses: len(administered),
	}
}

// ageGatedSeries ignores doses given before the programme's minimum age. A
// remaining dose completes the course when its sequence reaches the completing
// sequence, or when its sequence is unknown and unknown doses are accepted.
func ageGatedSeries(programme *facts.Programme, patient *facts.Patient, administered []*facts.VaccinationRecord, loc *time.Location) Evaluation {
	var eval Evaluation
	for _, v := range administered {
		if patient.AgeYears(v.PerformedAt, loc) < programme.MinimumAgeYears {
			continue
		}
		eval.ValidDoses++
		if completesSeries(programme, v) {
			eval.Vaccinated = true
			eval.Record = v
		}
	}
	if !eval.Vaccinated {
		eval.UnqualifiedDoses = len(administered)
	}
	return eval
}

func completesSeries(programme *facts.Programme, v *facts.VaccinationRecord) bool {
	if programme.CompletingDoseSequence == 0 {
		return true
	}
	if v.DoseSequence == nil {
		return !programme.UnknownDoseRequiresSession || v.RecordedInService()
	}
	return *v.DoseSequence >= programme.CompletingDoseSequence
}

// twoDoseInterval needs a first dose at or above the first-dose age and a
// second dose strictly more than the minimum interval later, at or above the
// second-dose age.
func twoDoseInterval(programme *facts.Programme, patient *facts.Patient, administered []*facts.VaccinationRecord, loc *time.Location) Evaluation {
	var first, second *facts.VaccinationRecord
	for _, v := range administered {
		if patient.AgeMonths(v.PerformedAt, loc) >= programme.FirstDoseMinAgeMonths {
			first = v
			break
		}
	}
	if first == nil {
		return Evaluation{UnqualifiedDoses: len(administered)}
	}

	earliestSecond := first.PerformedAt.AddDate(0, 0, programme.MinDoseIntervalDays)
	for _, v := range administered {
		if v.PerformedAt.After(earliestSecond) && patient.AgeMonths(v.PerformedAt, loc) >= programme.SecondDoseMinAgeMonths {
			second = v
			break
		}
	}

	eval := Evaluation{ValidDoses: 1, Record: first}
	if second != nil {
		eval.ValidDoses = 2
		eval.Record = second
	}
	required := programme.MaximumDoseSequence
	if required == 0 {
		required = 2
	}
	eval.Vaccinated = eval.ValidDoses >= required
	if !eval.Vaccinated {
		eval.Record = nil
		eval.UnqualifiedDoses = len(administered) - eval.ValidDoses
	}
	return eval
}
