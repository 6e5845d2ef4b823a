package facts

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is a consistent read of every fact needed to resolve the statuses
// of a batch of patients.
type Snapshot struct {
	Today      time.Time
	Location   *time.Location
	Programmes []*Programme

	Patients           map[uuid.UUID]*Patient
	Consents           map[uuid.UUID][]*Consent
	Triages            map[uuid.UUID][]*Triage
	VaccinationRecords map[uuid.UUID][]*VaccinationRecord
	Attendances        map[uuid.UUID][]*AttendanceRecord
	PatientLocations   map[uuid.UUID][]*PatientLocation
	SessionPatients    map[uuid.UUID][]uuid.UUID
	Sessions           map[uuid.UUID]*Session
	YearGroupOverrides []*LocationProgrammeYearGroup
}

// NewSnapshot returns an empty snapshot for today in loc.
func NewSnapshot(today time.Time, loc *time.Location, programmes []*Programme) *Snapshot {
	if loc == nil {
		loc = time.UTC
	}
	return &Snapshot{
		Today:              today.In(loc),
		Location:           loc,
		Programmes:         programmes,
		Patients:           make(map[uuid.UUID]*Patient),
		Consents:           make(map[uuid.UUID][]*Consent),
		Triages:            make(map[uuid.UUID][]*Triage),
		VaccinationRecords: make(map[uuid.UUID][]*VaccinationRecord),
		Attendances:        make(map[uuid.UUID][]*AttendanceRecord),
		PatientLocations:   make(map[uuid.UUID][]*PatientLocation),
		SessionPatients:    make(map[uuid.UUID][]uuid.UUID),
		Sessions:           make(map[uuid.UUID]*Session),
	}
}

// CurrentAcademicYear returns the academic year containing Today.
func (s *Snapshot) CurrentAcademicYear() AcademicYear {
	return AcademicYearOf(s.Today, s.Location)
}

// Programme returns the programme of type pt, or nil.
func (s *Snapshot) Programme(pt ProgrammeType) *Programme {
	for _, p := range s.Programmes {
		if p.Type == pt {
			return p
		}
	}
	return nil
}

// PatientFacts is the slice of a snapshot belonging to one patient.
type PatientFacts struct {
	Patient            *Patient
	Consents           []*Consent
	Triages            []*Triage
	VaccinationRecords []*VaccinationRecord
	Attendances        []*AttendanceRecord
	Locations          []*PatientLocation
	Sessions           []*Session
}

// For returns the facts of one patient. The patient is nil when the snapshot
// does not contain it.
func (s *Snapshot) For(patientID uuid.UUID) PatientFacts {
	pf := PatientFacts{
		Patient:            s.Patients[patientID],
		Consents:           s.Consents[patientID],
		Triages:            s.Triages[patientID],
		VaccinationRecords: s.VaccinationRecords[patientID],
		Attendances:        s.Attendances[patientID],
		Locations:          s.PatientLocations[patientID],
	}
	for _, sid := range s.SessionPatients[patientID] {
		if sess, ok := s.Sessions[sid]; ok {
			pf.Sessions = append(pf.Sessions, sess)
		}
	}
	return pf
}

// YearGroups returns the year groups the programme targets at a location in
// academic year ay. Location overrides replace the programme defaults.
func (s *Snapshot) YearGroups(locationID uuid.UUID, ay AcademicYear, programme *Programme) []int {
	var groups []int
	for _, o := range s.YearGroupOverrides {
		if o.LocationID == locationID && o.AcademicYear == ay && o.ProgrammeType == programme.Type {
			groups = append(groups, o.YearGroup)
		}
	}
	if groups == nil {
		return programme.DefaultYearGroups
	}
	return groups
}

// Eligible reports whether the patient is enrolled somewhere in ay that
// targets the patient's year group for the programme.
func (s *Snapshot) Eligible(pf PatientFacts, programme *Programme, ay AcademicYear) bool {
	if pf.Patient == nil {
		return false
	}
	yg := pf.Patient.YearGroup(ay)
	for _, pl := range pf.Locations {
		if pl.AcademicYear != ay {
			continue
		}
		for _, g := range s.YearGroups(pl.LocationID, ay, programme) {
			if g == yg {
				return true
			}
		}
	}
	return false
}
