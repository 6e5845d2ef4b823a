package status

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

func TestResolveRegistration(t *testing.T) {
	p := year9Patient()
	sessionID := uuid.New()
	date := inYear(thisYear, 15)
	both := []facts.ProgrammeType{facts.ProgrammeHPV, facts.ProgrammeMenACWY}

	attending := func(v *bool) []*facts.AttendanceRecord {
		return []*facts.AttendanceRecord{{PatientID: p.ID, SessionID: sessionID, Date: date, Attending: v}}
	}
	given := func(pt facts.ProgrammeType, session uuid.UUID, day int) *facts.VaccinationRecord {
		return inSession(administered(p, pt, inYear(thisYear, day)), session)
	}

	tests := []struct {
		name       string
		programmes []facts.ProgrammeType
		records    []*facts.VaccinationRecord
		attendance []*facts.AttendanceRecord
		want       RegistrationStatus
	}{
		{"no attendance", both, nil, nil, RegistrationUnknown},
		{"not yet registered", both, nil, attending(nil), RegistrationUnknown},
		{"attending", both, nil, attending(ptr(true)), RegistrationAttending},
		{"not attending", both, nil, attending(ptr(false)), RegistrationNotAttending},
		{"attendance on another date", both, nil, []*facts.AttendanceRecord{
			{PatientID: p.ID, SessionID: sessionID, Date: inYear(thisYear, 16), Attending: ptr(true)},
		}, RegistrationUnknown},
		{"attendance at another session", both, nil, []*facts.AttendanceRecord{
			{PatientID: p.ID, SessionID: uuid.New(), Date: date, Attending: ptr(true)},
		}, RegistrationUnknown},
		{"every programme recorded", both, []*facts.VaccinationRecord{
			given(facts.ProgrammeHPV, sessionID, 15),
			inSession(notAdministered(p, facts.ProgrammeMenACWY, facts.ReasonRefused, date), sessionID),
		}, attending(ptr(true)), RegistrationCompleted},
		{"one programme outstanding", both, []*facts.VaccinationRecord{
			given(facts.ProgrammeHPV, sessionID, 15),
		}, attending(ptr(true)), RegistrationAttending},
		{"recorded at another session", both, []*facts.VaccinationRecord{
			given(facts.ProgrammeHPV, uuid.New(), 15),
			given(facts.ProgrammeMenACWY, uuid.New(), 15),
		}, attending(ptr(true)), RegistrationAttending},
		{"recorded on an earlier date of this session", both, []*facts.VaccinationRecord{
			given(facts.ProgrammeHPV, sessionID, 8),
			given(facts.ProgrammeMenACWY, sessionID, 8),
		}, nil, RegistrationCompleted},
		{"recorded on a later date of this session", both, []*facts.VaccinationRecord{
			given(facts.ProgrammeHPV, sessionID, 22),
			given(facts.ProgrammeMenACWY, sessionID, 22),
		}, attending(ptr(false)), RegistrationNotAttending},
		{"discarded record", []facts.ProgrammeType{facts.ProgrammeHPV}, []*facts.VaccinationRecord{
			func() *facts.VaccinationRecord {
				v := given(facts.ProgrammeHPV, sessionID, 15)
				v.Discarded = true
				return v
			}(),
		}, attending(ptr(true)), RegistrationAttending},
		{"no eligible programmes", nil, []*facts.VaccinationRecord{
			given(facts.ProgrammeHPV, sessionID, 15),
		}, attending(ptr(true)), RegistrationAttending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveRegistration(sessionID, date, tt.programmes, tt.records, tt.attendance, loc)
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
			if !got.Valid() {
				t.Errorf("invalid status %q", got)
			}
		})
	}
}
