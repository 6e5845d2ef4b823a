package status

import (
	"sort"
	"time"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// TriageOutcome is the resolved triage position. VaccineMethod and
// WithoutGelatine come from a deciding triage that cleared vaccination;
// DelayUntil from one that delayed it.
type TriageOutcome struct {
	Status          TriageStatus         `json:"status"`
	VaccineMethod   *facts.VaccineMethod `json:"vaccine_method,omitempty"`
	WithoutGelatine bool                 `json:"without_gelatine"`
	DelayUntil      *time.Time           `json:"delay_until,omitempty"`
}

// ResolveTriage returns the triage position for programme in academic year
// ay. Triage is only required once consent is given and either a deciding
// consent flagged its health answers or an age-gated series has doses on
// record that did not complete it.
func ResolveTriage(programme *facts.Programme, ay facts.AcademicYear, consent ConsentOutcome, eval Evaluation, triages []*facts.Triage, loc *time.Location) TriageOutcome {
	if eval.Vaccinated {
		return TriageOutcome{Status: TriageNotRequired}
	}
	if !triageRequired(programme, consent, eval) {
		return TriageOutcome{Status: TriageNotRequired}
	}

	latest := latestTriage(programme, ay, triages, loc)
	if latest == nil {
		return TriageOutcome{Status: TriageRequired}
	}

	switch latest.Status {
	case facts.TriageSafeToVaccinate:
		out := TriageOutcome{Status: TriageSafeToVaccinate, VaccineMethod: latest.VaccineMethod}
		out.WithoutGelatine = programme.GelatineRelevant && latest.WithoutGelatine
		return out
	case facts.TriageDoNotVaccinate:
		return TriageOutcome{Status: TriageDoNotVaccinate}
	case facts.TriageDelayVaccination:
		return TriageOutcome{Status: TriageDelayVaccination, DelayUntil: latest.DelayVaccinationUntil}
	default:
		return TriageOutcome{Status: TriageRequired}
	}
}

func triageRequired(programme *facts.Programme, consent ConsentOutcome, eval Evaluation) bool {
	if consent.Status != ConsentGiven {
		return false
	}
	if consent.NeedsTriage() {
		return true
	}
	return programme.Criteria == facts.CriteriaAgeGatedSeries && eval.UnqualifiedDoses > 0
}

func latestTriage(programme *facts.Programme, ay facts.AcademicYear, triages []*facts.Triage, loc *time.Location) *facts.Triage {
	var relevant []*facts.Triage
	for _, t := range triages {
		if t.ProgrammeType != programme.Type || !t.Valid() || t.AcademicYear(loc) != ay {
			continue
		}
		relevant = append(relevant, t)
	}
	if len(relevant) == 0 {
		return nil
	}
	sort.SliceStable(relevant, func(i, j int) bool {
		if !relevant[i].CreatedAt.Equal(relevant[j].CreatedAt) {
			return relevant[i].CreatedAt.After(relevant[j].CreatedAt)
		}
		return relevant[i].ID.String() > relevant[j].ID.String()
	})
	return relevant[0]
}
