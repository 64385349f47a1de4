package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nikogura/resume-workflow/pkg/config"
	"github.com/nikogura/resume-workflow/pkg/logging"
)

//nolint:gochecknoglobals // Cobra boilerplate
var verbose bool

//nolint:gochecknoglobals // Cobra boilerplate
var configFile string

//nolint:gochecknoglobals // Cobra boilerplate
var logLevel string

//nolint:gochecknoglobals // Cobra boilerplate
var rootCmd = &cobra.Command{
	Use:   "resume-workflow",
	Short: "Generate tailored resumes and cover letters section by section",
	Long: `resume-workflow selects the projects from your master resume that best match a
job description, then drafts the resume summary, projects and cover letter one
section at a time. Each section waits for your review: approve it, send feedback,
regenerate it or reject it. Approved sections are held to one-page length limits
before they are assembled into markdown and PDF.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $HOME/.resume-workflow/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
}

// getVerbose returns the verbose flag value.
func getVerbose() (result bool) {
	result = verbose
	return result
}

// getConfigFile returns the config file path.
func getConfigFile() (result string) {
	result = configFile
	return result
}

// newLogger builds the process logger from config, letting flags win.
func newLogger(cfg config.Config) (logger *zap.Logger, err error) {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if getVerbose() {
		level = "debug"
	}

	logger, err = logging.New(level, cfg.Logging.Format)
	return logger, err
}
