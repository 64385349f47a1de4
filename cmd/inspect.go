package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nikogura/resume-workflow/pkg/config"
	"github.com/nikogura/resume-workflow/pkg/session"
)

//nolint:gochecknoglobals // Cobra boilerplate
var inspectJSON bool

//nolint:gochecknoglobals // Cobra boilerplate
var inspectSection string

//nolint:gochecknoglobals // Cobra boilerplate
var inspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Show the state of a stored session",
	Long: `Show the state of a session kept in the Redis session store: each section's
status and revision, or with --section the full revision history of one section.

Requires redis.address in config (or TAILOR_REDIS_ADDRESS).

Example:
  resume-workflow inspect 6f1c2e7a-...
  resume-workflow inspect 6f1c2e7a-... --section resume_projects
  resume-workflow inspect 6f1c2e7a-... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print the raw session snapshot as JSON")
	inspectCmd.Flags().StringVar(&inspectSection, "section", "", "Print every revision of one section")
}

func runInspect(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()

	var cfg config.Config
	cfg, err = config.Load(getConfigFile())
	if err != nil {
		err = errors.Wrap(err, "failed to load config")
		return err
	}

	if cfg.Redis.Address == "" {
		err = errors.New("inspect needs the Redis session store; set redis.address")
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	var s *session.Session
	s, err = store.Load(ctx, args[0])
	if err != nil {
		return err
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(s)
		return err
	}

	if inspectSection != "" {
		err = printRevisions(os.Stdout, s, session.SectionID(inspectSection))
		return err
	}

	printSession(os.Stdout, s)
	return err
}

func printSession(out io.Writer, s *session.Session) {
	state := "active"
	switch {
	case s.Archived:
		state = "finalized"
	case s.Abandoned:
		state = "abandoned"
	}

	fmt.Fprintf(out, "Session %s (%s)\n", s.ID, state)
	fmt.Fprintf(out, "Created %s, updated %s\n", s.CreatedAt.Format("2006-01-02 15:04"), s.UpdatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(out, "Keywords: %v\n\n", s.Job.Keywords)

	fmt.Fprintf(out, "Projects:\n")
	for _, b := range s.Blocks {
		fmt.Fprintf(out, "  %s  %s\n", b.ID, b.Title)
	}
	if len(s.Reserve) > 0 {
		fmt.Fprintf(out, "Reserve:\n")
		for _, b := range s.Reserve {
			fmt.Fprintf(out, "  %s  %s\n", b.ID, b.Title)
		}
	}

	fmt.Fprintf(out, "\nSections:\n")
	for _, d := range s.Drafts {
		fmt.Fprintf(out, "  %-24s %-18s revision %d\n", d.SectionID, d.Status, d.RevisionNumber)
		if d.LastFailure != "" {
			fmt.Fprintf(out, "  %-24s last failure: %s\n", "", d.LastFailure)
		}
	}
}

func printRevisions(out io.Writer, s *session.Session, id session.SectionID) (err error) {
	d := s.Draft(id)
	if d == nil {
		err = errors.Errorf("unknown section: %s", id)
		return err
	}

	fmt.Fprintf(out, "%s: %s, %d revisions\n", id, d.Status, len(d.History))
	for _, rev := range d.History {
		fmt.Fprintf(out, "\n── revision %d (%s, %s) ──\n", rev.Number, rev.Origin, rev.CreatedAt.Format("15:04:05"))
		if rev.Feedback != "" {
			fmt.Fprintf(out, "feedback: %s\n", rev.Feedback)
		}
		fmt.Fprintf(out, "%s\n", rev.Content)
	}
	return err
}
