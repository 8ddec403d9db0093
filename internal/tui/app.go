package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mpataki/devflow/internal/engine"
	"github.com/mpataki/devflow/internal/models"
	"github.com/mpataki/devflow/internal/storage"
)

// Sessions is the engine surface the browser drives.
type Sessions interface {
	ListSessions(ctx context.Context, filter storage.SessionFilter) ([]*models.FlowSession, error)
	Status(ctx context.Context, sessionID string) (*engine.Snapshot, error)
	Pause(ctx context.Context, sessionID string) (*models.FlowSession, error)
	Resume(ctx context.Context, sessionID string) (*models.FlowSession, error)
	Abort(ctx context.Context, sessionID, reason string) (*models.FlowSession, error)
}

// Pointer reads and moves the current session.
type Pointer interface {
	Current(ctx context.Context) (models.StatusRecord, error)
	Activate(ctx context.Context, sessionID string) (models.StatusRecord, error)
}

type View int

const (
	ViewSessionList View = iota
	ViewSessionDetail
)

const listLimit = 50

type row struct {
	session  *models.FlowSession
	snapshot *engine.Snapshot
}

type App struct {
	sessions Sessions
	current  Pointer
	bar      progress.Model

	view        View
	rows        []row
	currentID   string
	selectedIdx int
	detail      *engine.Snapshot

	width  int
	height int
	err    error
}

func NewApp(sessions Sessions, current Pointer) *App {
	return &App{
		sessions: sessions,
		current:  current,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		view:     ViewSessionList,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadSessions, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case sessionsLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.rows = msg.rows
			a.currentID = msg.currentID
			if a.selectedIdx >= len(a.rows) {
				a.selectedIdx = max(len(a.rows)-1, 0)
			}
		}
		return a, nil

	case tickMsg:
		// Other terminals may advance sessions; keep the list fresh.
		if a.view == ViewSessionList {
			return a, tea.Batch(a.loadSessions, a.tickCmd())
		}
		return a, a.tickCmd()

	case detailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.detail = msg.snapshot
			a.view = ViewSessionDetail
		}
		return a, nil

	case actionMsg:
		a.err = msg.err
		if a.view == ViewSessionDetail && a.detail != nil {
			return a, tea.Batch(a.loadSessions, a.loadDetail(a.detail.Session.ID))
		}
		return a, a.loadSessions
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewSessionList:
		return a.handleListKey(msg)
	case ViewSessionDetail:
		return a.handleDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.rows)-1 {
			a.selectedIdx++
		}

	case "r":
		return a, a.loadSessions
	}

	sess := a.selected()
	if sess == nil {
		return a, nil
	}
	switch msg.String() {
	case "enter":
		return a, a.loadDetail(sess.ID)
	case "c":
		return a, a.makeCurrent(sess.ID)
	case "p":
		return a, a.togglePause(sess)
	case "x":
		return a, a.abort(sess.ID)
	}
	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewSessionList
		a.detail = nil
		return a, a.loadSessions

	case "ctrl+c":
		return a, tea.Quit
	}

	if a.detail == nil {
		return a, nil
	}
	sess := a.detail.Session
	switch msg.String() {
	case "r":
		return a, a.loadDetail(sess.ID)
	case "c":
		return a, a.makeCurrent(sess.ID)
	case "p":
		return a, a.togglePause(sess)
	case "x":
		return a, a.abort(sess.ID)
	}
	return a, nil
}

func (a *App) selected() *models.FlowSession {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.rows) {
		return nil
	}
	return a.rows[a.selectedIdx].session
}

func (a *App) View() string {
	switch a.view {
	case ViewSessionList:
		return a.viewSessionList()
	case ViewSessionDetail:
		return a.viewSessionDetail()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusActive    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusPaused    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusAborted   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	missingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewSessionList() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("devflow") + "\n\n")

	if a.err != nil {
		b.WriteString(statusAborted.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n")
	}

	if len(a.rows) == 0 {
		b.WriteString("No sessions yet. Start one with 'devflow session start <workflow>'.\n")
	} else {
		b.WriteString("Sessions\n")
		b.WriteString("────────\n")

		for i, r := range a.rows {
			line := a.formatSessionLine(r)
			marker := "  "
			if r.session.ID == a.currentID {
				marker = "* "
			}

			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case r.session.Status.Terminal():
				line = marker + dimStyle.Render(line)
			default:
				line = marker + line
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString("\n" + helpStyle.Render("[enter] view  [c] make current  [p] pause/resume  [x] abort  [r] refresh  [q] quit"))
	return b.String()
}

func (a *App) formatSessionLine(r row) string {
	stage := "-"
	version := ""
	pct := 0.0
	if r.snapshot != nil {
		if r.snapshot.Stage != nil {
			stage = r.snapshot.Stage.Name
		}
		version = fmt.Sprintf("v%d", r.snapshot.Version.Number)
		pct = r.snapshot.Progress
	}
	name := r.session.Name
	if name == "" {
		name = shortID(r.session.ID)
	}
	return fmt.Sprintf("%-8s %-24s %-4s %s  %-14s %3.0f%%  %s",
		shortID(r.session.ID), truncate(name, 24), version,
		formatStatus(r.session.Status), truncate(stage, 14), pct, formatAge(r.session.UpdatedAt))
}

func (a *App) viewSessionDetail() string {
	if a.detail == nil {
		return "No session selected"
	}

	snap := a.detail
	sess := snap.Session

	var b strings.Builder
	header := fmt.Sprintf("Session %s", shortID(sess.ID))
	if sess.Name != "" {
		header += ": " + sess.Name
	}
	b.WriteString(titleStyle.Render(header) + "  " + formatStatus(sess.Status))
	if sess.ID == a.currentID {
		b.WriteString("  " + labelStyle.Render("(current)"))
	}
	b.WriteString("\n\n")

	if a.err != nil {
		b.WriteString(statusAborted.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n")
	}

	b.WriteString(a.bar.ViewAs(snap.Progress/100) + "\n\n")
	b.WriteString(labelStyle.Render("Version: ") + fmt.Sprintf("v%d", snap.Version.Number) + "\n")
	if sess.TaskID != "" {
		b.WriteString(labelStyle.Render("Task:    ") + shortID(sess.TaskID) + "\n")
	}
	if sess.AbortReason != "" {
		b.WriteString(labelStyle.Render("Aborted: ") + sess.AbortReason + "\n")
	}
	b.WriteString("\n")

	b.WriteString("History\n")
	b.WriteString("───────\n")
	for _, si := range snap.History {
		name := si.StageID
		if st, ok := snap.Version.Stage(si.StageID); ok {
			name = st.Name
		}
		line := fmt.Sprintf("%2d. %-16s %s", si.Seq, name, formatInstanceStatus(si.Status))
		if si.CompletedAt != nil {
			line += "  " + dimStyle.Render(formatDuration(si.CompletedAt.Sub(si.StartedAt)))
		}
		b.WriteString("  " + line + "\n")
		for _, note := range si.Notes {
			b.WriteString("      " + dimStyle.Render(note) + "\n")
		}
	}

	if snap.Stage != nil {
		b.WriteString("\nChecklist: " + snap.Stage.Name + "\n")
		for _, item := range snap.Stage.Checklist {
			mark := "[ ]"
			if snap.Active.HasCompleted(item.ID) {
				mark = statusCompleted.Render("[x]")
			} else if !item.Optional {
				mark = missingStyle.Render("[ ]")
			}
			label := item.Label
			if label == "" {
				label = item.ID
			}
			if item.Optional {
				label += dimStyle.Render(" (optional)")
			}
			b.WriteString(fmt.Sprintf("  %s %s\n", mark, label))
		}

		if len(snap.Next) > 0 {
			names := make([]string, 0, len(snap.Next))
			for _, st := range snap.Next {
				names = append(names, st.Name)
			}
			b.WriteString("\n" + labelStyle.Render("Next: ") + strings.Join(names, ", ") + "\n")
		} else if len(snap.Missing) == 0 {
			b.WriteString("\n" + labelStyle.Render("Next: ") + "complete session\n")
		}
	}

	b.WriteString("\n" + helpStyle.Render("[c] make current  [p] pause/resume  [x] abort  [r] refresh  [esc] back"))
	return b.String()
}

func formatStatus(status models.SessionStatus) string {
	switch status {
	case models.SessionStatusActive:
		return statusActive.Render("● active   ")
	case models.SessionStatusPaused:
		return statusPaused.Render("‖ paused   ")
	case models.SessionStatusCompleted:
		return statusCompleted.Render("✓ completed")
	case models.SessionStatusAborted:
		return statusAborted.Render("✗ aborted  ")
	default:
		return string(status)
	}
}

func formatInstanceStatus(status models.StageInstanceStatus) string {
	switch status {
	case models.StageInstanceActive:
		return statusActive.Render("●")
	case models.StageInstanceCompleted:
		return statusCompleted.Render("✓")
	case models.StageInstanceSkipped:
		return statusAborted.Render("↷")
	default:
		return string(status)
	}
}

// Messages

type sessionsLoadedMsg struct {
	rows      []row
	currentID string
	err       error
}

type detailMsg struct {
	snapshot *engine.Snapshot
	err      error
}

type actionMsg struct {
	err error
}

// Commands

func (a *App) loadSessions() tea.Msg {
	ctx := context.Background()
	sessions, err := a.sessions.ListSessions(ctx, storage.SessionFilter{Limit: listLimit})
	if err != nil {
		return sessionsLoadedMsg{err: err}
	}

	rows := make([]row, 0, len(sessions))
	for _, sess := range sessions {
		snap, err := a.sessions.Status(ctx, sess.ID)
		if err != nil {
			return sessionsLoadedMsg{err: err}
		}
		rows = append(rows, row{session: sess, snapshot: snap})
	}

	msg := sessionsLoadedMsg{rows: rows}
	if a.current != nil {
		rec, err := a.current.Current(ctx)
		if err != nil {
			return sessionsLoadedMsg{err: err}
		}
		msg.currentID = rec.Value
	}
	return msg
}

func (a *App) loadDetail(id string) tea.Cmd {
	return func() tea.Msg {
		snap, err := a.sessions.Status(context.Background(), id)
		return detailMsg{snapshot: snap, err: err}
	}
}

func (a *App) makeCurrent(id string) tea.Cmd {
	return func() tea.Msg {
		if a.current == nil {
			return actionMsg{}
		}
		_, err := a.current.Activate(context.Background(), id)
		return actionMsg{err: err}
	}
}

func (a *App) togglePause(sess *models.FlowSession) tea.Cmd {
	id, status := sess.ID, sess.Status
	return func() tea.Msg {
		var err error
		if status == models.SessionStatusPaused {
			_, err = a.sessions.Resume(context.Background(), id)
		} else {
			_, err = a.sessions.Pause(context.Background(), id)
		}
		return actionMsg{err: err}
	}
}

func (a *App) abort(id string) tea.Cmd {
	return func() tea.Msg {
		_, err := a.sessions.Abort(context.Background(), id, "aborted from the session browser")
		return actionMsg{err: err}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// truncate shortens s to maxLen runes.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
