package status

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/vaxstatus/internal/domain/facts"
)

func TestResolveConsent(t *testing.T) {
	hpv := programme(t, facts.ProgrammeHPV)
	p := year9Patient()
	mum, dad := uuid.New(), uuid.New()
	early, late := inYear(thisYear, 2), inYear(thisYear, 9)

	invalidated := newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, early)
	invalidated.InvalidatedAt = ptr(late)
	withdrawn := newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, early)
	withdrawn.WithdrawnAt = ptr(late)

	tests := []struct {
		name     string
		consents []*facts.Consent
		want     ConsentStatus
	}{
		{"no consent", nil, ConsentNoResponse},
		{"invalidated consent", []*facts.Consent{invalidated}, ConsentNoResponse},
		{"withdrawn consent", []*facts.Consent{withdrawn}, ConsentNoResponse},
		{"not provided", []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseNotProvided, early),
		}, ConsentNoResponse},
		{"refused", []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseRefused, early),
		}, ConsentRefused},
		{"given", []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, early),
		}, ConsentGiven},
		{"two parents disagree", []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, early),
			newConsent(p, facts.ProgrammeHPV, dad, facts.ResponseRefused, late),
		}, ConsentConflicts},
		{"same parent changes mind to given", []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseRefused, early),
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, late),
		}, ConsentGiven},
		{"same parent changes mind to refused", []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, early),
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseRefused, late),
		}, ConsentRefused},
		{"later not provided does not supersede", []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, early),
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseNotProvided, late),
		}, ConsentGiven},
		{"invalidated refusal leaves given", []*facts.Consent{
			func() *facts.Consent {
				c := newConsent(p, facts.ProgrammeHPV, dad, facts.ResponseRefused, early)
				c.InvalidatedAt = ptr(late)
				return c
			}(),
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, early),
		}, ConsentGiven},
		{"self-consent outranks parental refusal", []*facts.Consent{
			selfConsent(p, facts.ProgrammeHPV, facts.ResponseGiven, early),
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseRefused, late),
		}, ConsentGiven},
		{"self-consent outranks parental conflict", []*facts.Consent{
			selfConsent(p, facts.ProgrammeHPV, facts.ResponseGiven, early),
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, late),
			newConsent(p, facts.ProgrammeHPV, dad, facts.ResponseRefused, late),
		}, ConsentGiven},
		{"other programme ignored", []*facts.Consent{
			newConsent(p, facts.ProgrammeFlu, mum, facts.ResponseRefused, early),
		}, ConsentNoResponse},
		{"previous academic year ignored", []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, inYear(thisYear-1, 5)),
		}, ConsentNoResponse},
		{"current year given over previous year refused", []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseRefused, inYear(thisYear-1, 5)),
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, early),
		}, ConsentGiven},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveConsent(hpv, thisYear, tt.consents, loc)
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
			if !got.Status.Valid() {
				t.Errorf("invalid status %q", got.Status)
			}
			if got.Status != ConsentGiven && (len(got.VaccineMethods) != 0 || got.WithoutGelatine) {
				t.Errorf("expected no methods or gelatine preference for %s, got %+v", got.Status, got)
			}
		})
	}
}

func TestResolveConsent_VaccineMethods(t *testing.T) {
	flu := programme(t, facts.ProgrammeFlu)
	p := year9Patient()
	mum, dad := uuid.New(), uuid.New()
	at := inYear(thisYear, 3)

	consentWith := func(responder uuid.UUID, methods ...facts.VaccineMethod) *facts.Consent {
		c := newConsent(p, facts.ProgrammeFlu, responder, facts.ResponseGiven, at)
		c.VaccineMethods = methods
		return c
	}

	t.Run("both methods keep consent order", func(t *testing.T) {
		got := ResolveConsent(flu, thisYear, []*facts.Consent{
			consentWith(mum, facts.MethodNasal, facts.MethodInjection),
		}, loc)
		want := []facts.VaccineMethod{facts.MethodNasal, facts.MethodInjection}
		if !reflect.DeepEqual(got.VaccineMethods, want) {
			t.Errorf("methods = %v, want %v", got.VaccineMethods, want)
		}
	})

	t.Run("one parent nasal and one parent both", func(t *testing.T) {
		got := ResolveConsent(flu, thisYear, []*facts.Consent{
			consentWith(mum, facts.MethodNasal),
			consentWith(dad, facts.MethodInjection, facts.MethodNasal),
		}, loc)
		if got.Status != ConsentGiven {
			t.Fatalf("status = %s, want given", got.Status)
		}
		if !reflect.DeepEqual(got.VaccineMethods, []facts.VaccineMethod{facts.MethodNasal}) {
			t.Errorf("methods = %v, want [nasal]", got.VaccineMethods)
		}
	})

	t.Run("disjoint methods conflict", func(t *testing.T) {
		got := ResolveConsent(flu, thisYear, []*facts.Consent{
			consentWith(mum, facts.MethodInjection),
			consentWith(dad, facts.MethodNasal),
		}, loc)
		if got.Status != ConsentConflicts {
			t.Errorf("status = %s, want conflicts", got.Status)
		}
	})

	t.Run("self-consent uses own methods", func(t *testing.T) {
		self := selfConsent(p, facts.ProgrammeFlu, facts.ResponseGiven, at)
		self.VaccineMethods = []facts.VaccineMethod{facts.MethodInjection}
		got := ResolveConsent(flu, thisYear, []*facts.Consent{
			self,
			newConsent(p, facts.ProgrammeFlu, mum, facts.ResponseRefused, at),
		}, loc)
		if !reflect.DeepEqual(got.VaccineMethods, []facts.VaccineMethod{facts.MethodInjection}) {
			t.Errorf("methods = %v, want [injection]", got.VaccineMethods)
		}
	})

	t.Run("missing methods default to programme methods", func(t *testing.T) {
		hpv := programme(t, facts.ProgrammeHPV)
		got := ResolveConsent(hpv, thisYear, []*facts.Consent{
			newConsent(p, facts.ProgrammeHPV, mum, facts.ResponseGiven, at),
		}, loc)
		if !reflect.DeepEqual(got.VaccineMethods, []facts.VaccineMethod{facts.MethodInjection}) {
			t.Errorf("methods = %v, want [injection]", got.VaccineMethods)
		}
	})
}

func TestResolveConsent_WithoutGelatine(t *testing.T) {
	p := year9Patient()
	at := inYear(thisYear, 3)

	flu := programme(t, facts.ProgrammeFlu)
	c := newConsent(p, facts.ProgrammeFlu, uuid.New(), facts.ResponseGiven, at)
	c.WithoutGelatine = true
	if got := ResolveConsent(flu, thisYear, []*facts.Consent{c}, loc); !got.WithoutGelatine {
		t.Error("expected without gelatine for a gelatine-relevant programme")
	}

	hpv := programme(t, facts.ProgrammeHPV)
	c = newConsent(p, facts.ProgrammeHPV, uuid.New(), facts.ResponseGiven, at)
	c.WithoutGelatine = true
	if got := ResolveConsent(hpv, thisYear, []*facts.Consent{c}, loc); got.WithoutGelatine {
		t.Error("expected gelatine preference ignored when not relevant")
	}
}

func TestResolveConsent_NeedsTriage(t *testing.T) {
	hpv := programme(t, facts.ProgrammeHPV)
	p := year9Patient()
	c := newConsent(p, facts.ProgrammeHPV, uuid.New(), facts.ResponseGiven, inYear(thisYear, 3))
	c.HealthAnswersNeedTriage = true

	if got := ResolveConsent(hpv, thisYear, []*facts.Consent{c}, loc); !got.NeedsTriage() {
		t.Error("expected flagged consent to need triage")
	}
	if got := (ConsentOutcome{Status: ConsentNoResponse}); got.NeedsTriage() {
		t.Error("expected no triage without deciding consents")
	}
}

func TestResolveConsent_InvalidatedMatchesRemoved(t *testing.T) {
	hpv := programme(t, facts.ProgrammeHPV)
	p := year9Patient()
	at := inYear(thisYear, 3)
	keep := newConsent(p, facts.ProgrammeHPV, uuid.New(), facts.ResponseGiven, at)
	dropped := newConsent(p, facts.ProgrammeHPV, uuid.New(), facts.ResponseRefused, at.Add(time.Hour))

	removed := ResolveConsent(hpv, thisYear, []*facts.Consent{keep}, loc)

	dropped.InvalidatedAt = ptr(at.Add(2 * time.Hour))
	invalidated := ResolveConsent(hpv, thisYear, []*facts.Consent{keep, dropped}, loc)

	if !reflect.DeepEqual(removed, invalidated) {
		t.Errorf("invalidating differs from removing: %+v vs %+v", invalidated, removed)
	}
}

func TestResolveConsent_OrderIndependent(t *testing.T) {
	flu := programme(t, facts.ProgrammeFlu)
	p := year9Patient()
	mum, dad := uuid.New(), uuid.New()

	a := newConsent(p, facts.ProgrammeFlu, mum, facts.ResponseRefused, inYear(thisYear, 1))
	b := newConsent(p, facts.ProgrammeFlu, mum, facts.ResponseGiven, inYear(thisYear, 4))
	b.VaccineMethods = []facts.VaccineMethod{facts.MethodNasal, facts.MethodInjection}
	c := newConsent(p, facts.ProgrammeFlu, dad, facts.ResponseGiven, inYear(thisYear, 6))
	c.VaccineMethods = []facts.VaccineMethod{facts.MethodInjection}

	want := ResolveConsent(flu, thisYear, []*facts.Consent{a, b, c}, loc)
	for _, order := range [][]*facts.Consent{{c, b, a}, {b, a, c}, {c, a, b}} {
		got := ResolveConsent(flu, thisYear, order, loc)
		if got.Status != want.Status || !reflect.DeepEqual(got.VaccineMethods, want.VaccineMethods) {
			t.Errorf("order changed outcome: %+v vs %+v", got, want)
		}
	}
	if want.Status != ConsentGiven {
		t.Errorf("status = %s, want given", want.Status)
	}
}
