package renderer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nikogura/resume-workflow/pkg/session"
)

// Handle references one assembled document pair.
type Handle struct {
	ID          string
	Resume      []byte
	CoverLetter []byte
	Sections    []session.SectionID
}

// MarkdownAssembler lays approved sections out as résumé and cover-letter
// markdown. With a preview directory set, every assembly is also written there.
type MarkdownAssembler struct {
	name       string
	previewDir string
	logger     *zap.Logger
}

// NewMarkdownAssembler creates an assembler. name heads both documents.
func NewMarkdownAssembler(name, previewDir string, logger *zap.Logger) (a *MarkdownAssembler) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &MarkdownAssembler{
		name:       name,
		previewDir: previewDir,
		logger:     logger,
	}
	return a
}

// Assemble builds both documents from whatever sections are present.
func (a *MarkdownAssembler) Assemble(ctx context.Context, sections []session.ApprovedSection) (handle Handle, err error) {
	content := make(map[session.SectionID]string, len(sections))
	for _, s := range sections {
		if !session.Known(s.ID) {
			err = errors.Errorf("unknown section: %s", s.ID)
			return handle, err
		}
		content[s.ID] = strings.TrimSpace(s.Content)
		handle.Sections = append(handle.Sections, s.ID)
	}

	handle.ID = uuid.NewString()
	handle.Resume = a.resume(content)
	handle.CoverLetter = a.coverLetter(content)

	if a.previewDir != "" {
		err = ctx.Err()
		if err != nil {
			return handle, err
		}

		err = WriteMarkdown(handle.Resume, filepath.Join(a.previewDir, "resume-preview.md"))
		if err != nil {
			return handle, err
		}

		err = WriteMarkdown(handle.CoverLetter, filepath.Join(a.previewDir, "cover-letter-preview.md"))
		if err != nil {
			return handle, err
		}

		a.logger.Debug("preview written", zap.String("handle", handle.ID), zap.String("dir", a.previewDir))
	}

	return handle, err
}

func (a *MarkdownAssembler) resume(content map[session.SectionID]string) (doc []byte) {
	var buf bytes.Buffer
	if a.name != "" {
		fmt.Fprintf(&buf, "# %s\n\n", a.name)
	}
	if summary := content[session.SectionSummary]; summary != "" {
		fmt.Fprintf(&buf, "## Summary\n\n%s\n\n", summary)
	}
	if projects := content[session.SectionProjects]; projects != "" {
		fmt.Fprintf(&buf, "## Projects\n\n%s\n", projects)
	}
	doc = buf.Bytes()
	return doc
}

func (a *MarkdownAssembler) coverLetter(content map[session.SectionID]string) (doc []byte) {
	parts := []string{}
	for _, id := range []session.SectionID{session.SectionIntro, session.SectionBody, session.SectionConclusion} {
		if text := content[id]; text != "" {
			parts = append(parts, text)
		}
	}
	if a.name != "" && len(parts) > 0 {
		parts = append(parts, "Sincerely,\n\n"+a.name)
	}
	doc = []byte(strings.Join(parts, "\n\n"))
	if len(doc) > 0 {
		doc = append(doc, '\n')
	}
	return doc
}

// ExportOptions controls how a handle is written out.
type ExportOptions struct {
	// Pandoc renders PDFs when set.
	Pandoc *Pandoc
	// KeepMarkdown keeps the intermediate markdown once its PDF exists.
	KeepMarkdown bool
}

// Export writes the handle's markdown into dir as <prefix>-resume.md and
// <prefix>-cover-letter.md, then renders PDFs when opts.Pandoc is set. paths
// lists the files left on disk.
func Export(ctx context.Context, handle Handle, dir, prefix string, opts ExportOptions) (paths []string, err error) {
	if prefix == "" {
		prefix = handle.ID
	}

	docs := []struct {
		suffix string
		data   []byte
	}{
		{suffix: "resume", data: handle.Resume},
		{suffix: "cover-letter", data: handle.CoverLetter},
	}

	var rendered []string
	for _, doc := range docs {
		mdPath := filepath.Join(dir, fmt.Sprintf("%s-%s.md", prefix, doc.suffix))
		err = WriteMarkdown(doc.data, mdPath)
		if err != nil {
			return paths, err
		}

		if opts.Pandoc == nil {
			paths = append(paths, mdPath)
			continue
		}

		pdfPath := strings.TrimSuffix(mdPath, ".md") + ".pdf"
		err = opts.Pandoc.RenderPDF(ctx, mdPath, pdfPath)
		if err != nil {
			paths = append(paths, mdPath)
			err = errors.Wrapf(err, "failed to render %s", doc.suffix)
			return paths, err
		}

		if opts.KeepMarkdown {
			paths = append(paths, mdPath)
		} else {
			rendered = append(rendered, mdPath)
		}
		paths = append(paths, pdfPath)
	}

	err = CleanupMarkdown(rendered...)
	return paths, err
}
