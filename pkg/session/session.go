package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

//nolint:gochecknoglobals // Section ordering table
var order = []SectionID{
	SectionSummary,
	SectionProjects,
	SectionIntro,
	SectionConclusion,
	SectionBody,
}

//nolint:gochecknoglobals // Section dependency table
var dependencies = map[SectionID][]SectionID{
	SectionSummary:    {},
	SectionProjects:   {SectionSummary},
	SectionIntro:      {SectionSummary, SectionProjects},
	SectionConclusion: {SectionIntro},
	SectionBody:       {SectionIntro, SectionConclusion},
}

// Order returns the document order of all sections: résumé first, then cover letter.
func Order() (ids []SectionID) {
	ids = make([]SectionID, len(order))
	copy(ids, order)
	return ids
}

// Dependencies returns the sections that must be Approved before id may be generated.
func Dependencies(id SectionID) (deps []SectionID) {
	deps = append([]SectionID{}, dependencies[id]...)
	return deps
}

// Known reports whether id is a recognised section.
func Known(id SectionID) (ok bool) {
	_, ok = dependencies[id]
	return ok
}

// New creates a session with one Pending draft per section.
func New(job JobContext, blocks []CandidateBlock) (s *Session) {
	now := time.Now().UTC()
	s = &Session{
		ID:        uuid.NewString(),
		Job:       job,
		Blocks:    append([]CandidateBlock{}, blocks...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range order {
		s.Drafts = append(s.Drafts, &SectionDraft{
			SectionID: id,
			Status:    StatusPending,
			UpdatedAt: now,
		})
	}
	return s
}

// Promote moves the best-ranked reserve block to the end of the selection.
func (s *Session) Promote() (block CandidateBlock, ok bool) {
	if len(s.Reserve) == 0 {
		return block, ok
	}
	block = s.Reserve[0]
	s.Reserve = append([]CandidateBlock{}, s.Reserve[1:]...)
	s.Blocks = append(s.Blocks, block)
	ok = true
	return block, ok
}

// Demote moves the lowest-ranked selected block back to the head of the
// reserve, keeping at least keep blocks selected.
func (s *Session) Demote(keep int) (block CandidateBlock, ok bool) {
	if len(s.Blocks) <= keep || len(s.Blocks) == 0 {
		return block, ok
	}
	last := len(s.Blocks) - 1
	block = s.Blocks[last]
	s.Blocks = append([]CandidateBlock{}, s.Blocks[:last]...)
	s.Reserve = append([]CandidateBlock{block}, s.Reserve...)
	ok = true
	return block, ok
}

// Draft returns the draft for id, or nil.
func (s *Session) Draft(id SectionID) (draft *SectionDraft) {
	for _, d := range s.Drafts {
		if d.SectionID == id {
			draft = d
			return draft
		}
	}
	return draft
}

// Approved returns approved content in document order.
func (s *Session) Approved() (sections []ApprovedSection) {
	sections = []ApprovedSection{}
	for _, d := range s.Drafts {
		if d.Status == StatusApproved {
			sections = append(sections, ApprovedSection{ID: d.SectionID, Content: d.Content})
		}
	}
	return sections
}

// ApprovedContent returns the approved content of id, or "" if it is not approved.
func (s *Session) ApprovedContent(id SectionID) (content string) {
	d := s.Draft(id)
	if d != nil && d.Status == StatusApproved {
		content = d.Content
	}
	return content
}

// UnmetDependencies lists the upstream sections of id that are not yet Approved.
func (s *Session) UnmetDependencies(id SectionID) (unmet []SectionID) {
	for _, dep := range dependencies[id] {
		d := s.Draft(dep)
		if d == nil || d.Status != StatusApproved {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// Complete reports whether every section is Approved.
func (s *Session) Complete() (complete bool) {
	for _, d := range s.Drafts {
		if d.Status != StatusApproved {
			return complete
		}
	}
	complete = len(s.Drafts) > 0
	return complete
}

// Touch updates the modification time.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy.
func (s *Session) Clone() (clone *Session, err error) {
	var data []byte
	data, err = json.Marshal(s)
	if err != nil {
		err = errors.Wrap(err, "failed to marshal session")
		return clone, err
	}

	clone = &Session{}
	err = json.Unmarshal(data, clone)
	if err != nil {
		err = errors.Wrap(err, "failed to unmarshal session")
		return clone, err
	}

	return clone, err
}

// ApprovedSection is one approved section's final text.
type ApprovedSection struct {
	ID      SectionID `json:"id"`
	Content string    `json:"content"`
}

// Record stores a newly generated revision: the revision counter increments,
// history keeps every prior version and status becomes Generated.
func (d *SectionDraft) Record(content, feedback string, origin Origin) (rev Revision) {
	now := time.Now().UTC()
	d.RevisionNumber++
	rev = Revision{
		Number:    d.RevisionNumber,
		Content:   content,
		Feedback:  feedback,
		Origin:    origin,
		CreatedAt: now,
	}
	d.History = append(d.History, rev)
	d.Content = content
	d.Status = StatusGenerated
	d.LastFailure = ""
	d.UpdatedAt = now
	return rev
}

// SetStatus moves the draft to status.
func (d *SectionDraft) SetStatus(status Status) {
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
}
