package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"genjobs/internal/domain"
	"genjobs/internal/notice"
)

func newJobsCmd(rt *runtime) *cobra.Command {
	var kind, status string
	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List jobs or inspect one",
		Long: `List all jobs known to the backend or inspect a specific job by ID.

Examples:
  genjobs jobs                    # List all jobs
  genjobs jobs --status failed    # Only failed jobs
  genjobs jobs ai_video-12        # Show details for one job`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt.refresh(ctx)
			if len(args) == 1 {
				return rt.showJob(ctx, args[0])
			}
			return rt.listJobs(kind, status)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only this kind")
	cmd.Flags().StringVar(&status, "status", "", "only this status")
	return cmd
}

func (rt *runtime) listJobs(kind, status string) error {
	var jobs []domain.Job
	for _, job := range rt.stack.Orch.Jobs() {
		if kind != "" && string(job.Kind) != kind {
			continue
		}
		if status != "" && string(job.Status) != status {
			continue
		}
		jobs = append(jobs, job)
	}
	if rt.asJSON {
		if jobs == nil {
			jobs = []domain.Job{}
		}
		return writeJSON(rt, jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(rt.opts.Out, "No jobs found")
		return nil
	}

	out := rt.opts.Out
	fmt.Fprintf(out, "%-24s %-20s %-10s %-9s %-18s %s\n", "ID", "KIND", "STATUS", "PROGRESS", "STAGE", "CREATED")
	fmt.Fprintln(out, strings.Repeat("-", 96))
	for _, job := range jobs {
		fmt.Fprintf(out, "%-24s %-20s %-10s %-9s %-18s %s\n",
			job.ID, job.Kind, statusStyle(job.Status).Render(fmt.Sprintf("%-10s", job.Status)),
			formatProgress(job), truncate(job.Stage, 18), job.CreatedAt.Local().Format("15:04:05"))
	}
	return nil
}

func (rt *runtime) showJob(ctx context.Context, id string) error {
	job, ok := rt.stack.Orch.Job(id)
	if !ok {
		return fmt.Errorf("%s: %w", rt.printer(ctx).Sprintf(notice.JobNotFound, id), domain.ErrNotFound)
	}
	if rt.asJSON {
		return writeJSON(rt, job)
	}
	out := rt.opts.Out
	fmt.Fprintf(out, "Job: %s\n", job.ID)
	fmt.Fprintf(out, "  Kind: %s\n", job.Kind)
	fmt.Fprintf(out, "  Status: %s\n", statusStyle(job.Status).Render(string(job.Status)))
	fmt.Fprintf(out, "  Progress: %s\n", formatProgress(job))
	if job.Stage != "" {
		fmt.Fprintf(out, "  Stage: %s\n", job.Stage)
	}
	if job.StageDetail != "" {
		fmt.Fprintf(out, "  Detail: %s\n", job.StageDetail)
	}
	if job.Model != "" {
		fmt.Fprintf(out, "  Model: %s\n", job.Model)
	}
	if job.Provider != "" {
		fmt.Fprintf(out, "  Provider: %s\n", job.Provider)
	}
	fmt.Fprintf(out, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.RetryOfID != "" {
		fmt.Fprintf(out, "  Retry of: %s\n", job.RetryOfID)
	}
	if job.OutputURL != "" {
		fmt.Fprintf(out, "  Output: %s\n", job.OutputURL)
	}
	for _, u := range job.OutputURLs {
		if u != job.OutputURL {
			fmt.Fprintf(out, "          %s\n", u)
		}
	}
	if job.ErrorDetail != "" {
		fmt.Fprintf(out, "  Error: %s\n", job.ErrorDetail)
	}
	for _, pe := range job.ProviderErrors {
		fmt.Fprintf(out, "    - %s\n", pe)
	}
	printWarnings(rt, job.Warnings)
	return nil
}

func formatProgress(job domain.Job) string {
	s := fmt.Sprintf("%.0f%%", job.Progress)
	if job.ProgressSource == domain.ProgressEstimated && !job.Status.Terminal() {
		s = "~" + s
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
