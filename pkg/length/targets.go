package length

import "github.com/nikogura/resume-workflow/pkg/session"

// Layout names a rendered page geometry the estimator knows how to wrap.
type Layout string

const (
	// LayoutResume is a letter page with 36pt margins in 10.5pt Times.
	LayoutResume Layout = "resume"
	// LayoutCoverLetter is a letter page with 72pt margins in 11pt Times.
	LayoutCoverLetter Layout = "cover_letter"
)

// Target is an inclusive line range for one measured subject.
type Target struct {
	Name        string  `json:"name" mapstructure:"name"`
	Layout      Layout  `json:"layout" mapstructure:"layout"`
	Min         float64 `json:"min" mapstructure:"min"`
	Max         float64 `json:"max" mapstructure:"max"`
	Description string  `json:"description,omitempty" mapstructure:"description"`
}

// Scope is what a section's length is measured over.
type Scope string

const (
	// ScopeSection measures the section text alone.
	ScopeSection Scope = "section"
	// ScopeResume measures the approved summary together with the candidate projects.
	ScopeResume Scope = "resume"
	// ScopeCoverLetter measures approved intro and conclusion around the candidate body.
	ScopeCoverLetter Scope = "cover_letter"
)

// Rule binds a section to the target it must satisfy before approval.
type Rule struct {
	Target Target
	Scope  Scope
}

//nolint:gochecknoglobals // Length configuration constants
var DefaultRules = map[session.SectionID]Rule{
	session.SectionSummary: {
		Target: Target{
			Name:        "RESUME_SUMMARY",
			Layout:      LayoutResume,
			Min:         2,
			Max:         5,
			Description: "Professional summary stays a short paragraph",
		},
		Scope: ScopeSection,
	},
	session.SectionProjects: {
		Target: Target{
			Name:        "RESUME_ONE_PAGE",
			Layout:      LayoutResume,
			Min:         19,
			Max:         24,
			Description: "Summary and projects fill one page without spilling over",
		},
		Scope: ScopeResume,
	},
	session.SectionBody: {
		Target: Target{
			Name:        "COVER_LETTER_PAGE",
			Layout:      LayoutCoverLetter,
			Min:         25,
			Max:         40,
			Description: "Intro, body and conclusion fit one page",
		},
		Scope: ScopeCoverLetter,
	},
}

// DefaultMaxAdjustments bounds the automatic shorten/expand loop.
const DefaultMaxAdjustments = 8

// Rules returns a copy of the default table with overrides applied.
func Rules(overrides map[session.SectionID]Target) (rules map[session.SectionID]Rule) {
	rules = make(map[session.SectionID]Rule, len(DefaultRules))
	for id, rule := range DefaultRules {
		rules[id] = rule
	}

	for id, target := range overrides {
		rule, exists := rules[id]
		if !exists {
			rule = Rule{Scope: ScopeSection}
		}
		if target.Layout == "" {
			target.Layout = rule.Target.Layout
		}
		if target.Layout == "" {
			target.Layout = LayoutResume
		}
		if target.Name == "" {
			target.Name = rule.Target.Name
		}
		rule.Target = target
		rules[id] = rule
	}

	return rules
}
