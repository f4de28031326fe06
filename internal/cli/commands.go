package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"genjobs/internal/commands"
	"genjobs/internal/domain"
)

// noticeError shows the localized notice instead of the wrapped chain.
type noticeError struct {
	notice string
	err    error
}

func (e *noticeError) Error() string { return e.notice }
func (e *noticeError) Unwrap() error { return e.err }

func newCancelCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt.refresh(ctx)
			out, err := rt.stack.Orch.Cancel(ctx, args[0])
			return rt.report(out, err)
		},
	}
}

func newRetryCmd(rt *runtime) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Start a new job from a failed or cancelled one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt.refresh(ctx)
			out, err := rt.stack.Orch.Retry(ctx, args[0])
			if err := rt.report(out, err); err != nil {
				return err
			}
			if wait && out.Job != nil {
				return rt.follow(ctx, out.Job.ID, true)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the new job to finish")
	return cmd
}

func newDeleteCmd(rt *runtime) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job",
		Long: `Delete a finished job. Queued or running jobs need --force, which also
stops them on the backend.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt.refresh(ctx)
			out, err := rt.stack.Orch.Delete(ctx, args[0], force)
			return rt.report(out, err)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "delete even if the job is still active")
	return cmd
}

func newClearFailedCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failed",
		Short: "Remove every failed or cancelled job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt.refresh(ctx)
			out, err := rt.stack.Orch.ClearFailed(ctx)
			return rt.report(out, err)
		},
	}
}

type outcomeJSON struct {
	Job       *domain.Job  `json:"job,omitempty"`
	Removed   []domain.Job `json:"removed,omitempty"`
	Confirmed bool         `json:"confirmed"`
	Notice    string       `json:"notice,omitempty"`
}

func (rt *runtime) report(out commands.Outcome, err error) error {
	if err != nil {
		if out.Notice != "" {
			return &noticeError{notice: out.Notice, err: err}
		}
		return err
	}
	if rt.asJSON {
		return writeJSON(rt, outcomeJSON{Job: out.Job, Removed: out.Removed, Confirmed: out.Confirmed, Notice: out.Notice})
	}
	if out.Notice != "" {
		fmt.Fprintln(rt.opts.Out, out.Notice)
	}
	if !out.Confirmed {
		fmt.Fprintln(rt.opts.Err, "warning: the backend did not confirm this change")
	}
	return nil
}

