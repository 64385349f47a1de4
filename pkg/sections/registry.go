package sections

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikogura/resume-workflow/pkg/generation"
	"github.com/nikogura/resume-workflow/pkg/session"
)

// Generator is the generation boundary. *generation.Service satisfies it.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (text string, err error)
}

// Context is everything a section generator may draw on.
type Context struct {
	Job      session.JobContext
	Blocks   []session.CandidateBlock
	Approved map[session.SectionID]string
	Current  string
	// Focus limits a projects rewrite to one block ID. Every other block
	// keeps its current text.
	Focus string
	// Completed holds project rewrites already produced in this operation,
	// by block ID. Retries reuse them instead of calling the backend again.
	Completed map[string]string
}

// NewContext gathers a section's inputs from a session.
func NewContext(s *session.Session, id session.SectionID) (c Context) {
	c = Context{
		Job:       s.Job,
		Blocks:    s.Blocks,
		Approved:  make(map[session.SectionID]string),
		Completed: make(map[string]string),
	}
	for _, d := range s.Drafts {
		if d.Status == session.StatusApproved {
			c.Approved[d.SectionID] = d.Content
		}
	}
	if d := s.Draft(id); d != nil {
		c.Current = d.Content
	}
	return c
}

// Policy binds each section to the backend that generates it.
type Policy map[session.SectionID]generation.BackendID

// Registry dispatches section generation by policy.
type Registry struct {
	gen    Generator
	policy Policy
	logger *zap.Logger
}

// NewRegistry creates a registry. Every section must have a backend.
func NewRegistry(gen Generator, policy Policy, logger *zap.Logger) (r *Registry, err error) {
	for _, id := range session.Order() {
		if policy[id] == "" {
			err = errors.Errorf("no backend bound to section %s", id)
			return r, err
		}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	r = &Registry{gen: gen, policy: policy, logger: logger}
	return r, err
}

// Backend returns the backend bound to id.
func (r *Registry) Backend(id session.SectionID) (backend generation.BackendID) {
	backend = r.policy[id]
	return backend
}

// Generate produces one attempt at a section's text. req is the last request
// issued, for failure reporting.
func (r *Registry) Generate(ctx context.Context, id session.SectionID, sc Context, feedback string) (text string, req generation.Request, err error) {
	backend := r.policy[id]
	if backend == "" {
		err = errors.Errorf("no backend bound to section %s", id)
		return text, req, err
	}

	previous := ""
	if feedback != "" {
		previous = sc.Current
	}

	switch id {
	case session.SectionSummary:
		req = r.request(backend, generation.TemplateSummary, sc, previous, feedback)
		req.Fields[generation.FieldBlocks] = FormatBlocks(sc.Blocks)
		text, err = r.gen.Generate(ctx, req)

	case session.SectionProjects:
		text, req, err = r.generateProjects(ctx, backend, sc, feedback)

	case session.SectionIntro:
		req = r.request(backend, generation.TemplateIntro, sc, previous, feedback)
		text, err = r.gen.Generate(ctx, req)

	case session.SectionConclusion:
		req = r.request(backend, generation.TemplateConclusion, sc, previous, feedback)
		text, err = r.gen.Generate(ctx, req)

	case session.SectionBody:
		req = r.request(backend, generation.TemplateBody, sc, previous, feedback)
		text, err = r.gen.Generate(ctx, req)

	default:
		err = errors.Errorf("unknown section: %s", id)
		return text, req, err
	}

	if err != nil {
		return text, req, err
	}

	r.logger.Debug("section generated", zap.String("section", string(id)), zap.String("backend", string(backend)), zap.Bool("feedback", feedback != ""))
	return text, req, err
}

func (r *Registry) request(backend generation.BackendID, tmpl generation.TemplateID, sc Context, previous, feedback string) (req generation.Request) {
	req = generation.Request{
		Backend:  backend,
		Template: tmpl,
		Fields: map[string]string{
			generation.FieldJob:        sc.Job.Description,
			generation.FieldKeywords:   strings.Join(sc.Job.Keywords, ", "),
			generation.FieldSummary:    sc.Approved[session.SectionSummary],
			generation.FieldProjects:   sc.Approved[session.SectionProjects],
			generation.FieldIntro:      sc.Approved[session.SectionIntro],
			generation.FieldConclusion: sc.Approved[session.SectionConclusion],
		},
		Previous: previous,
		Feedback: feedback,
	}
	return req
}

// generateProjects rewrites each selected block with its own call, in
// selection order. With a focus only that block is rewritten.
func (r *Registry) generateProjects(ctx context.Context, backend generation.BackendID, sc Context, feedback string) (text string, req generation.Request, err error) {
	if len(sc.Blocks) == 0 {
		err = errors.New("no selected blocks to rewrite")
		return text, req, err
	}
	if sc.Completed == nil {
		sc.Completed = make(map[string]string)
	}

	groups := ProjectGroups(sc.Current)

	rewritten := make([]string, 0, len(sc.Blocks))
	for _, block := range sc.Blocks {
		if done, ok := sc.Completed[block.ID]; ok {
			rewritten = append(rewritten, done)
			continue
		}

		existing, found := groups[block.Title]
		if sc.Focus != "" && block.ID != sc.Focus && found {
			rewritten = append(rewritten, existing)
			continue
		}

		prev, fb := "", feedback
		switch {
		case feedback == "":
		case found:
			prev = existing
		case len(groups) == 0:
			prev = sc.Current
		default:
			// New to the section, so it gets a first rewrite.
			fb = ""
		}

		req = r.request(backend, generation.TemplateProjectRewrite, sc, prev, fb)
		req.Fields[generation.FieldProject] = block.Title + "\n" + block.RawText

		var out string
		out, err = r.gen.Generate(ctx, req)
		if err != nil {
			err = errors.Wrapf(err, "project %s", block.ID)
			return text, req, err
		}

		group := FormatProject(block.Title, out)
		sc.Completed[block.ID] = group
		rewritten = append(rewritten, group)
	}

	text = strings.Join(rewritten, "\n\n")
	return text, req, err
}

// FormatBlocks renders blocks as prompt context.
func FormatBlocks(blocks []session.CandidateBlock) (text string) {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, b.Title+"\n"+b.RawText)
	}
	text = strings.Join(parts, "\n\n")
	return text
}

// FormatProject lays a rewritten project out as a title line followed by one
// bullet per line.
func FormatProject(title, body string) (text string) {
	lines := []string{title}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		for _, prefix := range []string{"- ", "* ", "• "} {
			line = strings.TrimPrefix(line, prefix)
		}
		line = strings.TrimSpace(line)
		if line == "" || line == title {
			continue
		}
		lines = append(lines, "- "+line)
	}
	text = strings.Join(lines, "\n")
	return text
}

// ProjectGroups indexes a projects section by project title, the first line
// of each group.
func ProjectGroups(content string) (groups map[string]string) {
	groups = make(map[string]string)
	for _, part := range strings.Split(strings.TrimSpace(content), "\n\n") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		title := strings.SplitN(part, "\n", 2)[0]
		groups[title] = part
	}
	return groups
}

// JoinProjects lays out the groups of blocks in selection order. Blocks with
// no group are left out.
func JoinProjects(blocks []session.CandidateBlock, groups map[string]string) (text string) {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if group, ok := groups[b.Title]; ok {
			parts = append(parts, group)
		}
	}
	text = strings.Join(parts, "\n\n")
	return text
}

// ProjectToAdjust picks the block a length adjustment should rewrite: the
// longest when the résumé runs long, otherwise the shortest. Ties go to the
// higher-ranked block.
func ProjectToAdjust(blocks []session.CandidateBlock, content string, verdict session.Verdict) (id string) {
	groups := ProjectGroups(content)
	best := -1
	for _, b := range blocks {
		size := len(groups[b.Title])
		better := best < 0
		switch verdict {
		case session.VerdictTooLong:
			better = better || size > best
		default:
			better = better || size < best
		}
		if better {
			best = size
			id = b.ID
		}
	}
	return id
}
