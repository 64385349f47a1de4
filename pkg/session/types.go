package session

import "time"

// SectionID identifies one document section.
type SectionID string

const (
	// SectionSummary is the résumé professional summary.
	SectionSummary SectionID = "resume_summary"
	// SectionProjects holds the rewritten project bullets.
	SectionProjects SectionID = "resume_projects"
	// SectionIntro is the cover-letter introduction.
	SectionIntro SectionID = "cover_letter_intro"
	// SectionConclusion is the cover-letter conclusion.
	SectionConclusion SectionID = "cover_letter_conclusion"
	// SectionBody is the cover-letter body.
	SectionBody SectionID = "cover_letter_body"
)

// Status is the lifecycle state of a SectionDraft.
type Status string

const (
	StatusPending          Status = "pending"
	StatusGenerated        Status = "generated"
	StatusAwaitingFeedback Status = "awaiting_feedback"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
)

// Origin records what triggered a revision.
type Origin string

const (
	OriginInitial    Origin = "initial"
	OriginRegenerate Origin = "regenerate"
	OriginFeedback   Origin = "feedback"
	OriginLength     Origin = "length"
)

// CandidateBlock is one reusable unit of résumé content (a project or an experience entry).
type CandidateBlock struct {
	ID      string   `json:"id" yaml:"id"`
	Title   string   `json:"title" yaml:"title"`
	RawText string   `json:"raw_text" yaml:"raw_text"`
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// JobContext is the read-only job description for one session.
type JobContext struct {
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// Revision is one generated version of a section.
type Revision struct {
	Number    int       `json:"number"`
	Content   string    `json:"content"`
	Feedback  string    `json:"feedback,omitempty"`
	Origin    Origin    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// Verdict classifies measured size against a target.
type Verdict string

const (
	VerdictFits     Verdict = "fits"
	VerdictTooLong  Verdict = "too_long"
	VerdictTooShort Verdict = "too_short"
)

// LengthVerdict is the outcome of one length evaluation.
type LengthVerdict struct {
	Subject  string  `json:"subject"`
	Measured float64 `json:"measured"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Verdict  Verdict `json:"verdict"`
	Delta    float64 `json:"delta"` // >0 excess, <0 deficit
}

// SectionDraft is the single draft of a section within a session.
type SectionDraft struct {
	SectionID      SectionID       `json:"section_id"`
	Content        string          `json:"content"`
	RevisionNumber int             `json:"revision_number"`
	Status         Status          `json:"status"`
	History        []Revision      `json:"history"`
	Verdicts       []LengthVerdict `json:"verdicts,omitempty"`
	LastFailure    string          `json:"last_failure,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Session aggregates everything one job application's generation needs.
// Blocks is the ranked selection the résumé is built from; Reserve holds the
// next-ranked blocks the length loop may promote into it.
type Session struct {
	ID         string           `json:"id"`
	Job        JobContext       `json:"job"`
	Blocks     []CandidateBlock `json:"blocks"`
	Reserve    []CandidateBlock `json:"reserve,omitempty"`
	Drafts     []*SectionDraft  `json:"drafts"`
	Abandoned  bool             `json:"abandoned"`
	Archived   bool             `json:"archived"`
	PreviewRef string           `json:"preview_ref,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
