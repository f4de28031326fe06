package cli

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"genjobs/internal/domain"
)

type fakeReader struct {
	jobs map[string]domain.Job
}

func (f *fakeReader) Job(id string) (domain.Job, bool) {
	job, ok := f.jobs[id]
	return job, ok
}

func TestWatchModelTicksUntilTerminal(t *testing.T) {
	src := &fakeReader{jobs: map[string]domain.Job{
		"j1": {ID: "j1", Status: domain.JobStatusRunning, Progress: 42, ProgressSource: domain.ProgressEstimated, Stage: "rendering"},
	}}
	m := newWatchModel(src, "j1", time.Millisecond)

	model, cmd := m.Update(tickMsg(time.Now()))
	m = model.(watchModel)
	if m.done || cmd == nil {
		t.Fatalf("running job should keep ticking")
	}
	view := m.View()
	if !strings.Contains(view, "[running]") || !strings.Contains(view, "~42%") || !strings.Contains(view, "rendering") {
		t.Fatalf("view = %q", view)
	}

	src.jobs["j1"] = domain.Job{ID: "j1", Status: domain.JobStatusCompleted, Progress: 100, OutputURL: "/media/a.png"}
	model, _ = m.Update(tickMsg(time.Now()))
	m = model.(watchModel)
	if !m.done {
		t.Fatalf("completed job should finish the model")
	}
	if view := m.View(); !strings.Contains(view, "Completed") || !strings.Contains(view, "/media/a.png") {
		t.Fatalf("final view = %q", view)
	}
}

func TestWatchModelMissingJob(t *testing.T) {
	m := newWatchModel(&fakeReader{jobs: map[string]domain.Job{}}, "gone", time.Millisecond)
	model, _ := m.Update(tickMsg(time.Now()))
	m = model.(watchModel)
	if !m.missing || !m.done {
		t.Fatalf("missing job should end the watch")
	}
}

func TestWatchModelQuitKeepsJobRunning(t *testing.T) {
	m := newWatchModel(&fakeReader{}, "j1", time.Millisecond)
	model, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	m = model.(watchModel)
	if !m.quitting {
		t.Fatalf("q should quit")
	}
	if !strings.Contains(m.View(), "continues in background") {
		t.Fatalf("view = %q", m.View())
	}
}

func TestWatchModelFailedView(t *testing.T) {
	src := &fakeReader{jobs: map[string]domain.Job{
		"j1": {ID: "j1", Status: domain.JobStatusFailed, ErrorDetail: "quota exceeded"},
	}}
	model, _ := newWatchModel(src, "j1", time.Millisecond).Update(tickMsg(time.Now()))
	m := model.(watchModel)
	if !strings.Contains(m.View(), "quota exceeded") {
		t.Fatalf("view = %q", m.View())
	}
	if err := terminalError(m.job); err == nil {
		t.Fatalf("failed job should map to an error")
	}
}

func TestExtraValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"12", int64(12)},
		{"0.5", 0.5},
		{"cinematic", "cinematic"},
	}
	for _, tc := range tests {
		if got := extraValue(tc.in); got != tc.want {
			t.Fatalf("extraValue(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}
