package status

import (
	"time"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// SessionOutcome is the status of one programme within one session.
type SessionOutcome struct {
	Status SessionStatus `json:"status"`
}

// ResolveSession resolves the programme outcome within session on date.
// What was recorded outranks consent and triage, which outrank attendance.
func ResolveSession(session *facts.Session, date time.Time, consent ConsentOutcome, triage TriageOutcome, eval Evaluation, attendance []*facts.AttendanceRecord, loc *time.Location) SessionOutcome {
	if eval.Vaccinated {
		if eval.Record.AlreadyHad() {
			return SessionOutcome{Status: SessionAlreadyHad}
		}
		return SessionOutcome{Status: SessionVaccinated}
	}

	if rec := latestInSession(session, eval.Records); rec != nil {
		if st, ok := recordedSessionStatus(rec); ok {
			return SessionOutcome{Status: st}
		}
	}

	switch {
	case consent.Status == ConsentRefused:
		return SessionOutcome{Status: SessionRefused}
	case triage.Status == TriageDoNotVaccinate:
		return SessionOutcome{Status: SessionHadContraindications}
	case absentOn(session, date, attendance, loc):
		return SessionOutcome{Status: SessionAbsentFromSession}
	}
	return SessionOutcome{Status: SessionNoneYet}
}

func latestInSession(session *facts.Session, records []*facts.VaccinationRecord) *facts.VaccinationRecord {
	var latest *facts.VaccinationRecord
	for _, v := range records {
		if v.SessionID != nil && *v.SessionID == session.ID {
			latest = v
		}
	}
	return latest
}

func recordedSessionStatus(v *facts.VaccinationRecord) (SessionStatus, bool) {
	if v.Administered() {
		return SessionVaccinated, true
	}
	if v.Reason == nil {
		return "", false
	}
	switch *v.Reason {
	case facts.ReasonAlreadyHad:
		return SessionAlreadyHad, true
	case facts.ReasonUnwell:
		return SessionUnwell, true
	case facts.ReasonRefused:
		return SessionRefused, true
	case facts.ReasonContraindicated:
		return SessionHadContraindications, true
	case facts.ReasonAbsentFromSession, facts.ReasonAbsentFromSchool:
		return SessionAbsentFromSession, true
	}
	return "", false
}

func absentOn(session *facts.Session, date time.Time, attendance []*facts.AttendanceRecord, loc *time.Location) bool {
	for _, a := range attendance {
		if a.SessionID != session.ID || !facts.SameDay(a.Date, date, loc) {
			continue
		}
		return a.Attending != nil && !*a.Attending
	}
	return false
}
