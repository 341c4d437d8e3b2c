// Command biblio-ingest ingests paginated bibliometric APIs into a resumable
// state database.
//
//	biblio-ingest run --config scopus.yaml --entities authors.txt
//	biblio-ingest validate --config scopus.yaml
//	biblio-ingest serve --config scopus.yaml --addr :8080
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/biblio-ingest/internal/config"
	"github.com/Sternrassler/biblio-ingest/pkg/logging"
)

const programName = "biblio-ingest"

// Exit codes.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

// exitError carries a non-zero exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// app is the state shared by all subcommands.
type app struct {
	configFile string
	debug      bool

	cfg      *config.Config
	logger   zerolog.Logger
	closeLog func() error

	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stderr: stderr, closeLog: func() error { return nil }}
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.closeLog()
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitFatal
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           programName,
		Short:         "Resumable ingestion of paginated bibliometric APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "path to the data source config file (required)")
	root.PersistentFlags().BoolVarP(&a.debug, "debug", "D", false, "enable debug logging")
	_ = root.MarkPersistentFlagRequired("config")

	root.AddCommand(runCommand(a))
	root.AddCommand(validateCommand(a))
	root.AddCommand(serveCommand(a))
	return root
}

// load reads the configuration and configures logging.
func (a *app) load() error {
	if a.configFile == "" {
		return errors.New("--config is required")
	}
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	level := logging.LogLevel(cfg.Logging.Level)
	if a.debug {
		level = logging.LevelDebug
	}
	logger, closeLog, err := logging.Setup(logging.Config{
		Level:  level,
		Pretty: cfg.Logging.Pretty,
		Output: a.stderr,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	a.logger = logger
	a.closeLog = closeLog
	return nil
}
