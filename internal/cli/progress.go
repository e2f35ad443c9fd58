package cli

import (
	"fmt"
	"log/slog"
	"os"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/editnori/metamaprunner/internal/progressbus"
)

// Theme holds the color scheme for the live progress display.
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

func (t Theme) statusStyle() lipgloss.Style    { return lipgloss.NewStyle().Foreground(t.Status) }
func (t Theme) completedStyle() lipgloss.Style { return lipgloss.NewStyle().Foreground(t.Success).Bold(true) }
func (t Theme) errorStyle() lipgloss.Style     { return lipgloss.NewStyle().Foreground(t.Error).Bold(true) }
func (t Theme) hintStyle() lipgloss.Style      { return lipgloss.NewStyle().Foreground(t.Hint).Italic(true) }

// progressEventMsg wraps one delivery from the progress bus subscription.
type progressEventMsg struct {
	ev progressbus.Event
	ok bool
}

func nextEventCmd(sub *progressbus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := sub.Next()
		return progressEventMsg{ev: ev, ok: ok}
	}
}

// progressModel is the bubbletea model driving the live batch progress
// view. It is push-driven: rather than polling on a tick, it subscribes
// directly to the in-process progress bus and blocks on the next event.
type progressModel struct {
	sub       *progressbus.Subscription
	bar       progress.Model
	theme     Theme
	total     int
	completed int
	failed    int
	done      bool
	quitting  bool
}

func newProgressModel(sub *progressbus.Subscription) progressModel {
	return progressModel{
		sub:   sub,
		bar:   progress.New(progress.WithDefaultBlend(), progress.WithWidth(40)),
		theme: defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(nextEventCmd(m.sub), m.bar.Init())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case progressEventMsg:
		if !msg.ok {
			m.done = true
			return m, tea.Quit
		}
		switch msg.ev.Kind {
		case progressbus.BatchStarted:
			m.total = msg.ev.Total
		case progressbus.JobCompleted:
			m.completed++
		case progressbus.JobFailed:
			m.failed++
		case progressbus.BatchCompleted, progressbus.BatchCancelled:
			m.total = msg.ev.Total
			m.completed = msg.ev.Completed
			m.failed = msg.ev.Failed
			m.done = true
			return m, tea.Quit
		}
		return m, nextEventCmd(m.sub)

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.bar, cmd = m.bar.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.render())
}

func (m progressModel) render() string {
	if m.quitting {
		return m.theme.hintStyle().Render("\nContinuing in background.\n")
	}

	var pct float64
	if m.total > 0 {
		pct = float64(m.completed+m.failed) / float64(m.total)
	}

	status := m.theme.statusStyle().Render("[processing]")
	bar := m.bar.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d files (%d failed)", m.completed, m.total, m.failed)
	hint := m.theme.hintStyle().Render("Press q or Ctrl+C to hide progress")

	if m.done {
		status = m.theme.completedStyle().Render("[done]")
		if m.failed > 0 {
			status = m.theme.errorStyle().Render("[done]")
		}
		return fmt.Sprintf("%s %s %s\n", status, bar, counts)
	}

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, counts, hint)
}

// useLiveProgressUI decides between the bubbletea view and the plain
// log-line fallback: forced off by --no-progress-ui, or auto-disabled
// when stdout is not a TTY (non-interactive CI/cron invocations).
func useLiveProgressUI(noUI bool) bool {
	if noUI {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// runProgressView drains sub until the bus closes, rendering either the
// bubbletea live view or plain log lines through logger.
func runProgressView(sub *progressbus.Subscription, noUI bool, logger *slog.Logger) {
	if useLiveProgressUI(noUI) {
		p := tea.NewProgram(newProgressModel(sub))
		p.Run()
		return
	}
	runPlainProgress(sub, logger)
}

func runPlainProgress(sub *progressbus.Subscription, logger *slog.Logger) {
	for {
		ev, ok := sub.Next()
		if !ok {
			return
		}
		switch ev.Kind {
		case progressbus.BatchStarted:
			logger.Info("batch started", "total", ev.Total)
		case progressbus.JobCompleted:
			logger.Info("file completed", "path", ev.FilePath, "attempt", ev.Attempt)
		case progressbus.JobFailed:
			logger.Warn("file failed", "path", ev.FilePath, "attempt", ev.Attempt, "error_kind", ev.ErrorKind)
		case progressbus.JobRetried:
			logger.Info("file retried", "path", ev.FilePath, "attempt", ev.Attempt, "error_kind", ev.ErrorKind)
		case progressbus.BatchCompleted:
			logger.Info("batch completed", "completed", ev.Completed, "failed", ev.Failed, "total", ev.Total)
			return
		case progressbus.BatchCancelled:
			logger.Warn("batch cancelled", "completed", ev.Completed, "failed", ev.Failed, "total", ev.Total)
			return
		}
	}
}
