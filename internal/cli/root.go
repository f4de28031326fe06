// Package cli provides the genjobs command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"genjobs/internal/bootstrap"
	"genjobs/internal/infra"
	"genjobs/internal/notice"
	"genjobs/internal/poller"
)

// Version is set at build time.
var Version = "0.1.0"

// BuildFunc wires an orchestrator stack.
type BuildFunc func(ctx context.Context, logger *infra.Logger) (*bootstrap.Stack, *infra.Config, error)

// Options lets tests swap the output streams and the wiring.
type Options struct {
	Out   io.Writer
	Err   io.Writer
	Build BuildFunc
	// PollEvery is how often wait and plain watch read the registry.
	PollEvery time.Duration
}

type runtime struct {
	opts    Options
	verbose bool
	locale  string
	asJSON  bool

	stack *bootstrap.Stack
	cfg   *infra.Config
}

// NewRootCommand assembles the command tree.
func NewRootCommand(opts Options) (*cobra.Command, func()) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Build == nil {
		opts.Build = buildFromEnv
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 500 * time.Millisecond
	}
	rt := &runtime{opts: opts}

	root := &cobra.Command{
		Use:   "genjobs",
		Short: "Submit and track asynchronous generation jobs",
		Long: `genjobs talks to a generation backend: it submits image, video and
face-swap jobs, tracks their progress and manages finished or failed ones.

Configuration comes from the environment (.env is loaded when present):
BACKEND_BASE_URL, LIBRARY_DIR, DATABASE_URL, APP_LOCALE, PROFILES_FILE.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return rt.open(cmd)
		},
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "verbose logging on stderr")
	root.PersistentFlags().StringVar(&rt.locale, "locale", "", "message language (en, id); defaults to APP_LOCALE")
	root.PersistentFlags().BoolVar(&rt.asJSON, "json", false, "print JSON instead of text")

	root.AddCommand(
		newSubmitCmd(rt),
		newJobsCmd(rt),
		newWatchCmd(rt),
		newCancelCmd(rt),
		newRetryCmd(rt),
		newDeleteCmd(rt),
		newClearFailedCmd(rt),
		newExportCmd(rt),
		newHistoryCmd(rt),
	)
	return root, rt.close
}

// Execute runs the CLI and releases the stack afterwards.
func Execute(ctx context.Context, args []string) error {
	root, closeFn := NewRootCommand(Options{})
	defer closeFn()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func (rt *runtime) open(cmd *cobra.Command) error {
	level := zerolog.WarnLevel
	if rt.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: rt.opts.Err, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	stack, cfg, err := rt.opts.Build(cmd.Context(), &logger)
	if err != nil {
		return err
	}
	rt.stack, rt.cfg = stack, cfg

	hints := []string{rt.locale}
	if cfg != nil {
		hints = append(hints, cfg.Locale)
	}
	cmd.SetContext(notice.WithPrinter(cmd.Context(), notice.For(hints...)))
	return nil
}

func (rt *runtime) close() {
	if rt.stack != nil {
		rt.stack.Close()
		rt.stack = nil
	}
}

func buildFromEnv(ctx context.Context, logger *infra.Logger) (*bootstrap.Stack, *infra.Config, error) {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	stack, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return stack, cfg, nil
}

// refresh pulls the backend's job list into the registry. Every command
// runs in a fresh process, so this is how it learns about existing jobs.
// Failures are reported and otherwise ignored.
func (rt *runtime) refresh(ctx context.Context) poller.Cycle {
	cycle, err := rt.stack.Orch.Sync(ctx)
	if err != nil {
		fmt.Fprintf(rt.opts.Err, "warning: refresh failed: %v\n", err)
		return cycle
	}
	if cycle.Errors > 0 {
		fmt.Fprintf(rt.opts.Err, "warning: %d backend request(s) failed; results may be incomplete\n", cycle.Errors)
	}
	return cycle
}

func (rt *runtime) printer(ctx context.Context) *notice.Printer {
	return notice.FromContext(ctx, rt.stack.Orch.Printer())
}
