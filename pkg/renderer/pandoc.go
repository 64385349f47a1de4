package renderer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
)

// Pandoc renders markdown to PDF through the pandoc binary.
type Pandoc struct {
	Binary       string
	TemplatePath string
	ClassPath    string
}

// NewPandoc returns a renderer using the given LaTeX template and class. Both are optional.
func NewPandoc(binary, templatePath, classPath string) (p *Pandoc) {
	if binary == "" {
		binary = "pandoc"
	}
	p = &Pandoc{
		Binary:       binary,
		TemplatePath: templatePath,
		ClassPath:    classPath,
	}
	return p
}

// RenderPDF converts markdownPath into a PDF at outputPath.
func (p *Pandoc) RenderPDF(ctx context.Context, markdownPath, outputPath string) (err error) {
	err = p.checkExists(ctx)
	if err != nil {
		return err
	}

	files := []string{markdownPath}
	if p.TemplatePath != "" {
		files = append(files, p.TemplatePath)
	}
	if p.ClassPath != "" {
		files = append(files, p.ClassPath)
	}

	err = validateFiles(files...)
	if err != nil {
		return err
	}

	outputDir := filepath.Dir(outputPath)
	err = os.MkdirAll(outputDir, 0750)
	if err != nil {
		err = errors.Wrapf(err, "failed to create output directory: %s", outputDir)
		return err
	}

	args := []string{
		"-f", "markdown",
		"-t", "pdf",
		"-o", outputPath,
		"--number-sections=false",
	}
	if p.TemplatePath != "" {
		args = append(args, "--template", p.TemplatePath)
	}
	args = append(args, markdownPath)

	cmd := exec.CommandContext(ctx, p.Binary, args...)

	// TEXINPUTS must include the directory holding the .cls file
	if p.ClassPath != "" {
		texinputs := filepath.Dir(p.ClassPath) + ":" + os.Getenv("TEXINPUTS")
		cmd.Env = append(os.Environ(), "TEXINPUTS="+texinputs)
	}

	var output []byte
	output, err = cmd.CombinedOutput()
	if err != nil {
		err = errors.Wrapf(err, "pandoc failed: %s", string(output))
		return err
	}

	return err
}

func (p *Pandoc) checkExists(ctx context.Context) (err error) {
	cmd := exec.CommandContext(ctx, p.Binary, "--version")
	err = cmd.Run()
	if err != nil {
		err = errors.Errorf("%s not found in PATH (install pandoc to generate PDFs)", p.Binary)
		return err
	}
	return err
}

// validateFiles checks that required files exist.
func validateFiles(paths ...string) (err error) {
	for _, path := range paths {
		_, err = os.Stat(path)
		if os.IsNotExist(err) {
			err = errors.Errorf("file not found: %s", path)
			return err
		}
	}
	err = nil
	return err
}

// WriteMarkdown writes markdown content to a file, creating parent directories.
func WriteMarkdown(content []byte, outputPath string) (err error) {
	outputDir := filepath.Dir(outputPath)
	err = os.MkdirAll(outputDir, 0750)
	if err != nil {
		err = errors.Wrapf(err, "failed to create output directory: %s", outputDir)
		return err
	}

	err = os.WriteFile(outputPath, content, 0600)
	if err != nil {
		err = errors.Wrapf(err, "failed to write markdown file: %s", outputPath)
		return err
	}

	return err
}

// CleanupMarkdown removes intermediate markdown files after PDF generation.
func CleanupMarkdown(paths ...string) (err error) {
	for _, path := range paths {
		err = os.Remove(path)
		if err != nil {
			err = errors.Wrapf(err, "failed to remove markdown file: %s", path)
			return err
		}
	}
	return err
}
