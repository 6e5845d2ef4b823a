package status

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// ResolveRegistration returns the register state of a patient at a session on
// date. The patient is completed once every programme in programmes has a
// record from this session on or before date. Otherwise the attendance record
// for that date decides.
func ResolveRegistration(sessionID uuid.UUID, date time.Time, programmes []facts.ProgrammeType, records []*facts.VaccinationRecord, attendance []*facts.AttendanceRecord, loc *time.Location) RegistrationStatus {
	if len(programmes) > 0 && completedBy(sessionID, date, programmes, records, loc) {
		return RegistrationCompleted
	}

	for _, a := range attendance {
		if a.SessionID != sessionID || !facts.SameDay(a.Date, date, loc) {
			continue
		}
		switch {
		case a.Attending == nil:
			return RegistrationUnknown
		case *a.Attending:
			return RegistrationAttending
		default:
			return RegistrationNotAttending
		}
	}
	return RegistrationUnknown
}

func completedBy(sessionID uuid.UUID, date time.Time, programmes []facts.ProgrammeType, records []*facts.VaccinationRecord, loc *time.Location) bool {
	end := day(date, loc).AddDate(0, 0, 1)
	for _, pt := range programmes {
		found := false
		for _, v := range records {
			if v.Discarded || v.ProgrammeType != pt || v.SessionID == nil || *v.SessionID != sessionID {
				continue
			}
			if v.PerformedAt.Before(end) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
