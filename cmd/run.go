package cmd

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nikogura/resume-workflow/pkg/config"
	"github.com/nikogura/resume-workflow/pkg/corpus"
	"github.com/nikogura/resume-workflow/pkg/jd"
	"github.com/nikogura/resume-workflow/pkg/renderer"
)

//nolint:gochecknoglobals // Cobra boilerplate
var company string

//nolint:gochecknoglobals // Cobra boilerplate
var role string

//nolint:gochecknoglobals // Cobra boilerplate
var outputDir string

//nolint:gochecknoglobals // Cobra boilerplate
var jobID string

//nolint:gochecknoglobals // Cobra boilerplate
var topK int

//nolint:gochecknoglobals // Cobra boilerplate
var skipPDF bool

//nolint:gochecknoglobals // Cobra boilerplate
var keepMarkdown bool

//nolint:gochecknoglobals // Cobra boilerplate
var metricsAddr string

//nolint:gochecknoglobals // Cobra boilerplate
var runCmd = &cobra.Command{
	Use:   "run <jd-file>",
	Short: "Draft and review a tailored resume and cover letter",
	Long: `Draft a tailored resume and cover letter for a job description, one section at
a time, with you reviewing each section before the next one starts.

Sections run in order: resume summary, resume projects, cover letter intro,
conclusion and body. At each prompt:
  a            approve (shortened or expanded automatically to fit the page)
  o            approve as-is, skipping the length check
  r            regenerate without feedback
  x            reject the section and stop
  q            abandon the session
  anything else is sent as feedback and the section is rewritten

Example:
  resume-workflow run jd.txt --company "Acme Corp" --role "Staff Engineer"
  resume-workflow run jd.txt --company "Acme" --role "SRE" --skip-pdf --metrics-addr :9090
  resume-workflow run jd.txt --company "Acme" --role "SRE" --keep-markdown=false`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&company, "company", "", "Company name (prompted for if not provided)")
	runCmd.Flags().StringVar(&role, "role", "", "Role title (prompted for if not provided)")
	runCmd.Flags().StringVar(&outputDir, "output-dir", "", "Output directory (default from config)")
	runCmd.Flags().StringVar(&jobID, "job-id", "", "Optional job/req ID to differentiate multiple applications")
	runCmd.Flags().IntVar(&topK, "k", 0, "Number of projects to select (default from config)")
	runCmd.Flags().BoolVar(&skipPDF, "skip-pdf", false, "Write markdown only")
	runCmd.Flags().BoolVar(&keepMarkdown, "keep-markdown", true, "Keep markdown files after PDF generation")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
}

func runRun(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Config
	cfg, err = config.Load(getConfigFile())
	if err != nil {
		err = errors.Wrap(err, "failed to load config")
		return err
	}

	var logger *zap.Logger
	logger, err = newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if metricsAddr != "" {
		shutdown := serveMetrics(metricsAddr, logger)
		defer shutdown()
	}

	var jobDescription string
	jobDescription, err = fetchAndLogJD(args[0])
	if err != nil {
		return err
	}

	var c corpus.Corpus
	c, err = corpus.Load(cfg.CorpusLocation)
	if err != nil {
		err = errors.Wrap(err, "failed to load corpus")
		return err
	}
	fmt.Printf("Loaded %d projects for %s\n", len(c.Projects), c.Profile.Name)

	stdin := bufio.NewReader(os.Stdin)
	if company == "" {
		company = promptForInput(stdin, os.Stdout, "Company")
	}
	if role == "" {
		role = promptForInput(stdin, os.Stdout, "Role")
	}
	if company == "" || role == "" {
		err = errors.New("company and role are required")
		return err
	}

	baseOutDir := outputDir
	if baseOutDir == "" {
		baseOutDir = cfg.Defaults.OutputDir
	}
	var outDir string
	outDir, err = createCompanyOutputDir(baseOutDir, company)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		err = errors.Wrap(err, "failed to open session store")
		return err
	}
	defer func() { _ = closeStore() }()

	ranker, err := buildRanker(cfg, logger)
	if err != nil {
		err = errors.Wrap(err, "failed to set up project retrieval")
		return err
	}

	gen, err := buildGeneration(cfg, logger)
	if err != nil {
		err = errors.Wrap(err, "failed to set up generation backends")
		return err
	}

	controller, err := buildController(cfg, gen, ranker, store, outDir, logger)
	if err != nil {
		return err
	}

	k := topK
	if k <= 0 {
		k = cfg.Retrieval.K
	}

	r := newReviewer(controller, stdin, os.Stdout, !getVerbose())
	handle, sessionID, err := r.run(ctx, jd.NewJobContext(jobDescription), c.Blocks(), k)
	if sessionID != "" {
		fmt.Printf("Session: %s\n", sessionID)
	}
	if err != nil {
		return err
	}
	if handle.ID == "" {
		return err
	}

	prefix := buildFilePrefix(cfg.Name, company, role, jobID)
	err = renderer.WriteMarkdown([]byte(jobDescription), filepath.Join(outDir, prefix+"-jd.txt"))
	if err != nil {
		return err
	}

	opts := renderer.ExportOptions{KeepMarkdown: keepMarkdown}
	if !skipPDF {
		opts.Pandoc = renderer.NewPandoc(cfg.Pandoc.Binary, cfg.Pandoc.TemplatePath, cfg.Pandoc.ClassFile)
	}

	var paths []string
	paths, err = renderer.Export(ctx, handle, outDir, prefix, opts)
	if err != nil {
		err = errors.Wrap(err, "failed to export documents")
		return err
	}

	fmt.Println("\nGenerated files:")
	for _, p := range paths {
		fmt.Printf("  %s\n", p)
	}

	return err
}

// serveMetrics exposes /metrics until the returned shutdown is called.
func serveMetrics(addr string, logger *zap.Logger) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))

	shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return shutdown
}

func fetchAndLogJD(jdInput string) (jobDescription string, err error) {
	if getVerbose() {
		fmt.Printf("Reading job description from: %s\n", jdInput)
	}

	jobDescription, err = jd.Fetch(jdInput)
	if err != nil {
		err = errors.Wrap(err, "failed to read job description")
		return jobDescription, err
	}

	if getVerbose() {
		fmt.Printf("Job description: %d characters\n", len(jobDescription))
	}

	return jobDescription, err
}

func createCompanyOutputDir(baseOutDir, company string) (outDir string, err error) {
	companyDir := sanitizeFilename(company)
	outDir = filepath.Join(baseOutDir, companyDir)
	err = os.MkdirAll(outDir, 0755)
	if err != nil {
		err = errors.Wrapf(err, "failed to create output directory: %s", outDir)
		return outDir, err
	}
	return outDir, err
}

// buildFilePrefix names output files <name>-<company>-<role>[-<job-id>].
func buildFilePrefix(name, company, role, jobID string) (prefix string) {
	// Keep filenames reasonable.
	roleWords := strings.Fields(role)
	if len(roleWords) > 4 {
		role = strings.Join(roleWords[:4], " ")
	}

	prefix = sanitizeFilename(name) + "-" + sanitizeFilename(company) + "-" + sanitizeFilename(role)
	if jobID != "" {
		prefix = prefix + "-" + sanitizeFilename(jobID)
	}
	return prefix
}

func sanitizeFilename(name string) (sanitized string) {
	suffixes := []string{
		", LLC", ", llc",
		", Inc.", ", inc.",
		", Inc", ", inc",
		" LLC", " llc",
		" Inc.", " inc.",
		" Inc", " inc",
		" Corporation", " corporation",
		" Corp.", " corp.",
		" Corp", " corp",
		" Limited", " limited",
		" Ltd.", " ltd.",
		" Ltd", " ltd",
		" Co.", " co.",
		" Co", " co",
	}

	sanitized = name
	for _, suffix := range suffixes {
		sanitized = strings.TrimSuffix(sanitized, suffix)
	}

	sanitized = strings.ToLower(sanitized)
	sanitized = strings.Map(func(r rune) (result rune) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			result = r
			return result
		}
		result = '-'
		return result
	}, sanitized)

	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}

	sanitized = strings.Trim(sanitized, "-")
	return sanitized
}
