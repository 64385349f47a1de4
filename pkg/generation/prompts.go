package generation

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// TemplateID names a prompt template.
type TemplateID string

const (
	TemplateSummary        TemplateID = "summary"
	TemplateProjectRewrite TemplateID = "project_rewrite"
	TemplateIntro          TemplateID = "cl_intro"
	TemplateConclusion     TemplateID = "cl_conclusion"
	TemplateBody           TemplateID = "cl_body"
)

// Field names used by the templates.
const (
	FieldJob        = "job"
	FieldKeywords   = "keywords"
	FieldBlocks     = "blocks"
	FieldProject    = "project"
	FieldSummary    = "summary"
	FieldProjects   = "projects"
	FieldIntro      = "intro"
	FieldConclusion = "conclusion"
)

type template struct {
	required []string
	build    func(f map[string]string) string
}

const outputContract = `Return ONLY valid JSON in this exact format (no markdown, no commentary):
{"text": "the section text"}`

const styleRules = `- Never invent employers, titles, dates, numbers or technologies that are not in the source material
- Do not use em dashes`

//nolint:gochecknoglobals // Prompt template table
var templates = map[TemplateID]template{
	TemplateSummary: {
		required: []string{FieldJob, FieldBlocks},
		build: func(f map[string]string) string {
			return fmt.Sprintf(`You are an expert resume writer. Synthesize the job description and the candidate's selected projects into a concise professional summary of 2-3 sentences, written in first person.
Lead with a strong statement of the candidate's profile and highlight the skills this job asks for.

JOB DESCRIPTION:
%s

KEY TERMS:
%s

CANDIDATE PROJECTS:
%s

RULES:
%s`, f[FieldJob], f[FieldKeywords], f[FieldBlocks], styleRules)
		},
	},
	TemplateProjectRewrite: {
		required: []string{FieldJob, FieldProject, FieldSummary},
		build: func(f map[string]string) string {
			return fmt.Sprintf(`You are an expert resume writer. Rewrite this project for a one-page resume tailored to the job.
Use at least 3 lines: first an overview (what, why, how), then details, and last a line starting with "Technologies used:".
Use the Action Verb, Duty, Result formula for every line except "Technologies used:".
Put each sentence on its own line, about one line on a letter-sized page. Do not include bullet characters.

JOB DESCRIPTION:
%s

APPROVED SUMMARY (stay consistent with it):
%s

ORIGINAL PROJECT:
%s

RULES:
%s`, f[FieldJob], f[FieldSummary], f[FieldProject], styleRules)
		},
	},
	TemplateIntro: {
		required: []string{FieldJob, FieldSummary, FieldProjects},
		build: func(f map[string]string) string {
			return fmt.Sprintf(`You are an expert cover letter writer. Write the introduction of a cover letter for this job.
The introduction should:
1. Open with a creative hook that reflects the company's values and the candidate's commitment
2. Avoid stock openers like "I'm excited to apply" or "Imagine"
3. Show rather than tell, setting a theme the rest of the letter carries
4. Be 3-4 sentences

JOB DESCRIPTION:
%s

CANDIDATE RESUME SUMMARY:
%s

CANDIDATE RESUME PROJECTS:
%s

RULES:
%s`, f[FieldJob], f[FieldSummary], f[FieldProjects], styleRules)
		},
	},
	TemplateConclusion: {
		required: []string{FieldJob, FieldIntro},
		build: func(f map[string]string) string {
			return fmt.Sprintf(`You are an expert cover letter writer. Write the conclusion of a cover letter, continuing the theme of the introduction.
The conclusion should be a final pitch, thank the reader and invite an interview without being pushy, in 3-4 sentences.

INTRODUCTION:
%s

JOB DESCRIPTION:
%s

CANDIDATE RESUME SUMMARY:
%s

RULES:
%s`, f[FieldIntro], f[FieldJob], f[FieldSummary], styleRules)
		},
	},
	TemplateBody: {
		required: []string{FieldJob, FieldIntro, FieldConclusion, FieldProjects},
		build: func(f map[string]string) string {
			return fmt.Sprintf(`You are an expert cover letter writer. Write the body paragraphs of a cover letter that continue the theme of the introduction and lead into the conclusion.
Draw on the projects for concrete evidence. Separate paragraphs with a blank line.

INTRODUCTION:
%s

CONCLUSION:
%s

JOB DESCRIPTION:
%s

CANDIDATE RESUME SUMMARY:
%s

CANDIDATE RESUME PROJECTS:
%s

RULES:
%s`, f[FieldIntro], f[FieldConclusion], f[FieldJob], f[FieldSummary], f[FieldProjects], styleRules)
		},
	},
}

// BuildPrompt renders a template. With previous content and feedback set the
// prompt asks for a revision of the previous content.
func BuildPrompt(id TemplateID, fields map[string]string, previous, feedback string) (prompt string, err error) {
	tmpl, ok := templates[id]
	if !ok {
		err = errors.Errorf("unknown template: %s", id)
		return prompt, err
	}

	for _, name := range tmpl.required {
		if strings.TrimSpace(fields[name]) == "" {
			err = errors.Errorf("template %s requires field %q", id, name)
			return prompt, err
		}
	}

	var b strings.Builder
	b.WriteString(tmpl.build(fields))

	if previous != "" {
		b.WriteString("\n\nPREVIOUS VERSION:\n")
		b.WriteString(previous)
	}

	if feedback != "" {
		b.WriteString("\n\nREVIEWER FEEDBACK:\n")
		b.WriteString(feedback)
		b.WriteString("\n\nRevise the previous version to address the feedback. Keep everything the feedback does not ask to change.")
	}

	b.WriteString("\n\n")
	b.WriteString(outputContract)

	prompt = b.String()
	return prompt, err
}
