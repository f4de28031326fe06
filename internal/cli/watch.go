package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"genjobs/internal/domain"
	"genjobs/internal/orchestrator"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"),
	Success: lipgloss.Color("#00D787"),
	Error:   lipgloss.Color("#FF005F"),
	Hint:    lipgloss.Color("#6C6C6C"),
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func statusStyle(status domain.JobStatus) lipgloss.Style {
	switch status {
	case domain.JobStatusCompleted:
		return defaultTheme.completedStyle()
	case domain.JobStatusFailed:
		return defaultTheme.errorStyle()
	case domain.JobStatusCancelled:
		return defaultTheme.hintStyle()
	default:
		return defaultTheme.statusStyle()
	}
}

func newWatchCmd(rt *runtime) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until it finishes",
		Long: `Follow a job with a live progress bar. Percentages prefixed with ~ are
estimated from the expected duration of the job kind.

Press q or Ctrl+C to stop watching; the job keeps running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt.refresh(ctx)
			return rt.follow(ctx, args[0], plain)
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print status lines instead of the progress bar")
	return cmd
}

// follow focuses the job, polls at the watched cadence and blocks until it
// reaches a terminal status.
func (rt *runtime) follow(ctx context.Context, id string, plain bool) error {
	orch := rt.stack.Orch
	if err := orch.Focus(id); err != nil {
		return err
	}
	orch.SetWatched(true)
	if err := orch.Start(ctx); err != nil && !errors.Is(err, orchestrator.ErrAlreadyStarted) {
		return err
	}
	defer orch.Stop()

	if !plain {
		return rt.watchUI(ctx, id)
	}

	ticker := time.NewTicker(rt.opts.PollEvery)
	defer ticker.Stop()
	last := ""
	for {
		job, ok := orch.Job(id)
		if !ok {
			return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		line := fmt.Sprintf("%s %s %s", job.Status, formatProgress(job), job.Stage)
		if line != last {
			fmt.Fprintln(rt.opts.Err, strings.TrimSpace(line))
			last = line
		}
		if job.Status.Terminal() {
			if job.Status == domain.JobStatusCompleted {
				rt.printOutputs(job)
			}
			return terminalError(job)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (rt *runtime) printOutputs(job domain.Job) {
	if rt.asJSON {
		_ = writeJSON(rt, job)
		return
	}
	urls := job.OutputURLs
	if len(urls) == 0 && job.OutputURL != "" {
		urls = []string{job.OutputURL}
	}
	for _, u := range urls {
		fmt.Fprintln(rt.opts.Out, u)
	}
	printWarnings(rt, job.Warnings)
}

// terminalError is nil for completed jobs.
func terminalError(job domain.Job) error {
	switch job.Status {
	case domain.JobStatusFailed:
		return &domain.JobFailedError{JobID: job.ID, Detail: job.ErrorDetail, ProviderErrors: job.ProviderErrors}
	case domain.JobStatusCancelled:
		return fmt.Errorf("job %s was cancelled", job.ID)
	default:
		return nil
	}
}

func (rt *runtime) watchUI(ctx context.Context, id string) error {
	model := newWatchModel(rt.stack.Orch, id, rt.opts.PollEvery)
	p := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(rt.opts.Out))
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}
	m, ok := final.(watchModel)
	if !ok || m.quitting {
		return nil
	}
	if m.missing {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return terminalError(m.job)
}

// jobReader is the registry view the watch model polls.
type jobReader interface {
	Job(id string) (domain.Job, bool)
}

type tickMsg time.Time

type watchModel struct {
	src      jobReader
	id       string
	every    time.Duration
	job      domain.Job
	loaded   bool
	bar      progress.Model
	theme    Theme
	done     bool
	missing  bool
	quitting bool
}

func newWatchModel(src jobReader, id string, every time.Duration) watchModel {
	return watchModel{
		src:   src,
		id:    id,
		every: every,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		theme: defaultTheme,
	}
}

func (m watchModel) Init() tea.Cmd {
	return func() tea.Msg { return tickMsg(time.Now()) }
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = min(60, max(10, msg.Width-40))
	case tickMsg:
		job, ok := m.src.Job(m.id)
		if !ok {
			m.missing, m.done = true, true
			return m, tea.Quit
		}
		m.job, m.loaded = job, true
		if job.Status.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, tea.Tick(m.every, func(t time.Time) tea.Msg { return tickMsg(t) })
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.done || m.quitting {
		return m.finalView()
	}
	if !m.loaded {
		return "Loading job status...\n"
	}
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.Status))
	bar := m.bar.ViewAs(m.job.Progress / 100)
	stage := m.job.Stage
	if m.job.StageDetail != "" {
		stage += ": " + m.job.StageDetail
	}
	hint := m.theme.hintStyle().Render("Press q to stop watching; the job keeps running")
	return fmt.Sprintf("%s %s %s %s\n%s\n", status, bar, formatProgress(m.job), stage, hint)
}

func (m watchModel) finalView() string {
	switch {
	case m.quitting:
		return m.theme.hintStyle().Render(fmt.Sprintf("\nJob %s continues in background.\nUse 'genjobs watch %s' to resume.\n", m.id, m.id))
	case m.missing:
		return m.theme.errorStyle().Render(fmt.Sprintf("\nJob %s is no longer known to the backend\n", m.id))
	}
	switch m.job.Status {
	case domain.JobStatusFailed:
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", terminalError(m.job)))
	case domain.JobStatusCancelled:
		return m.theme.hintStyle().Render(fmt.Sprintf("\nJob %s was cancelled\n", m.id))
	}
	var b strings.Builder
	b.WriteString(m.theme.completedStyle().Render("✓ Completed"))
	b.WriteString("\n")
	urls := m.job.OutputURLs
	if len(urls) == 0 && m.job.OutputURL != "" {
		urls = []string{m.job.OutputURL}
	}
	for _, u := range urls {
		fmt.Fprintf(&b, "  %s\n", u)
	}
	for _, w := range m.job.Warnings {
		b.WriteString(m.theme.errorStyle().Render("  • " + w.String()))
		b.WriteString("\n")
	}
	return b.String()
}
