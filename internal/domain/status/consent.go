package status

import (
	"sort"
	"time"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

// ConsentOutcome is the resolved consent position. VaccineMethods and
// WithoutGelatine are only set when Status is ConsentGiven.
type ConsentOutcome struct {
	Status          ConsentStatus         `json:"status"`
	VaccineMethods  []facts.VaccineMethod `json:"vaccine_methods,omitempty"`
	WithoutGelatine bool                  `json:"without_gelatine"`

	// Deciding holds the consents that produced a given outcome.
	Deciding []*facts.Consent `json:"-"`
}

// NeedsTriage reports whether any deciding consent flagged its health answers.
func (o ConsentOutcome) NeedsTriage() bool {
	for _, c := range o.Deciding {
		if c.HealthAnswersNeedTriage {
			return true
		}
	}
	return false
}

// ResolveConsent returns the consent position for programme in academic year
// ay. Each responder's latest response supersedes their earlier ones, and a
// given self-consent outranks any parental response.
func ResolveConsent(programme *facts.Programme, ay facts.AcademicYear, consents []*facts.Consent, loc *time.Location) ConsentOutcome {
	latest := latestPerResponder(programme, ay, consents, loc)
	if len(latest) == 0 {
		return ConsentOutcome{Status: ConsentNoResponse}
	}

	for _, c := range latest {
		if c.SelfConsent() && c.Response == facts.ResponseGiven {
			return given(programme, []*facts.Consent{c})
		}
	}

	var givenConsents, refused []*facts.Consent
	for _, c := range latest {
		switch c.Response {
		case facts.ResponseGiven:
			givenConsents = append(givenConsents, c)
		case facts.ResponseRefused:
			refused = append(refused, c)
		}
	}

	switch {
	case len(givenConsents) > 0 && len(refused) > 0:
		return ConsentOutcome{Status: ConsentConflicts}
	case len(refused) > 0:
		return ConsentOutcome{Status: ConsentRefused}
	case len(givenConsents) > 0:
		out := given(programme, givenConsents)
		if len(givenConsents) > 1 && len(out.VaccineMethods) == 0 {
			return ConsentOutcome{Status: ConsentConflicts}
		}
		return out
	}
	return ConsentOutcome{Status: ConsentNoResponse}
}

// latestPerResponder returns the newest valid given or refused consent of each
// responder, newest first.
func latestPerResponder(programme *facts.Programme, ay facts.AcademicYear, consents []*facts.Consent, loc *time.Location) []*facts.Consent {
	var relevant []*facts.Consent
	for _, c := range consents {
		if c.ProgrammeType != programme.Type || !c.Valid() || c.Response == facts.ResponseNotProvided {
			continue
		}
		if c.AcademicYear(loc) != ay {
			continue
		}
		relevant = append(relevant, c)
	}
	sort.SliceStable(relevant, func(i, j int) bool { return newerConsent(relevant[i], relevant[j]) })

	seen := make(map[string]bool, len(relevant))
	var latest []*facts.Consent
	for _, c := range relevant {
		key := c.ResponderID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		latest = append(latest, c)
	}
	return latest
}

func newerConsent(a, b *facts.Consent) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.After(b.SubmittedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}

// given builds a given outcome from consents ordered newest first. The
// methods are those every consent accepts, in the newest consent's order.
func given(programme *facts.Programme, consents []*facts.Consent) ConsentOutcome {
	methods := methodsOf(programme, consents[0])
	for _, c := range consents[1:] {
		methods = intersect(methods, methodsOf(programme, c))
	}

	withoutGelatine := false
	if programme.GelatineRelevant {
		for _, c := range consents {
			if c.WithoutGelatine {
				withoutGelatine = true
			}
		}
	}

	return ConsentOutcome{
		Status:          ConsentGiven,
		VaccineMethods:  methods,
		WithoutGelatine: withoutGelatine,
		Deciding:        consents,
	}
}

func methodsOf(programme *facts.Programme, c *facts.Consent) []facts.VaccineMethod {
	if len(c.VaccineMethods) == 0 {
		return programme.VaccineMethods
	}
	return c.VaccineMethods
}

func intersect(a, b []facts.VaccineMethod) []facts.VaccineMethod {
	var out []facts.VaccineMethod
	for _, m := range a {
		for _, n := range b {
			if m == n {
				out = append(out, m)
				break
			}
		}
	}
	return out
}
