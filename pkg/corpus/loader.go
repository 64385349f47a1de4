package corpus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nikogura/resume-workflow/pkg/session"
)

// Load reads the corpus from a JSON or YAML file, chosen by extension.
func Load(path string) (c Corpus, err error) {
	var fileData []byte
	fileData, err = os.ReadFile(path)
	if err != nil {
		err = errors.Wrapf(err, "failed to read corpus file: %s", path)
		return c, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(fileData, &c)
		if err != nil {
			err = errors.Wrapf(err, "failed to parse corpus YAML: %s", path)
			return c, err
		}
	default:
		err = json.Unmarshal(fileData, &c)
		if err != nil {
			err = errors.Wrapf(err, "failed to parse corpus JSON: %s", path)
			return c, err
		}
	}

	err = c.Validate()
	if err != nil {
		err = errors.Wrap(err, "corpus validation failed")
		return c, err
	}

	return c, err
}

// Validate checks that the corpus is well-formed.
func (c *Corpus) Validate() (err error) {
	if len(c.Projects) == 0 {
		err = errors.New("no projects found in corpus")
		return err
	}

	if c.Profile.Name == "" {
		err = errors.New("profile name is required")
		return err
	}

	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if p.ID == "" {
			err = errors.Errorf("project at index %d missing ID", i)
			return err
		}
		if seen[p.ID] {
			err = errors.Errorf("duplicate project ID: %s", p.ID)
			return err
		}
		seen[p.ID] = true
		if p.Title == "" {
			err = errors.Errorf("project %s missing title", p.ID)
			return err
		}
		if p.Description == "" && len(p.Bullets) == 0 {
			err = errors.Errorf("project %s has no description or bullets", p.ID)
			return err
		}
	}

	return err
}

// Blocks converts projects into candidate blocks in corpus order.
func (c *Corpus) Blocks() (blocks []session.CandidateBlock) {
	blocks = make([]session.CandidateBlock, 0, len(c.Projects))
	for _, p := range c.Projects {
		blocks = append(blocks, session.CandidateBlock{
			ID:      p.ID,
			Title:   p.heading(),
			RawText: p.rawText(),
			Tags:    append(append([]string{}, p.Tags...), p.Technologies...),
		})
	}
	return blocks
}

func (p Project) heading() (h string) {
	h = p.Title
	if p.Company != "" {
		h += " | " + p.Company
	}
	if p.Dates != "" {
		h += " | " + p.Dates
	}
	return h
}

func (p Project) rawText() (text string) {
	var b strings.Builder
	if p.Description != "" {
		b.WriteString(p.Description)
		b.WriteString("\n")
	}
	for _, bullet := range p.Bullets {
		b.WriteString("- ")
		b.WriteString(bullet)
		b.WriteString("\n")
	}
	if len(p.Technologies) > 0 {
		b.WriteString("Technologies used: ")
		b.WriteString(strings.Join(p.Technologies, ", "))
		b.WriteString("\n")
	}
	text = strings.TrimSpace(b.String())
	return text
}
