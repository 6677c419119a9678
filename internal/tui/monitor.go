package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kelsos/crawl-sync/internal/models"
)

const (
	recentTaskCount = 8
	maxLogLines     = 10
)

// Source is where the monitor reads coordinator state from
type Source interface {
	Health() (*models.HealthStatus, error)
	Tasks(limit int) ([]models.Task, error)
	Submit(userIDs []string) (*models.SubmitResult, error)
}

type Model struct {
	source       Source
	interval     time.Duration
	health       *models.HealthStatus
	tasks        []models.Task
	states       map[models.TaskID]models.TaskState
	logs         []string
	lastErr      error
	spinner      spinner.Model
	progress     progress.Model
	width        int
	height       int
	quit         bool
	polled       bool
	successCount int
	errorCount   int
	now          func() time.Time
}

// Snapshot carries one poll of the coordinator
type Snapshot struct {
	Health *models.HealthStatus
	Tasks  []models.Task
	Err    error
}

type LogMessage struct {
	Message string
}

type pollTick struct{}

func NewModel(source Source, interval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	pr := progress.New(progress.WithDefaultGradient())

	if interval <= 0 {
		interval = time.Second
	}

	return Model{
		source:   source,
		interval: interval,
		states:   make(map[models.TaskID]models.TaskState),
		logs:     []string{},
		spinner:  sp,
		progress: pr,
		width:    80,
		height:   24,
		now:      time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.poll(),
	)
}

func (m Model) poll() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		health, err := source.Health()
		if err != nil {
			return Snapshot{Err: err}
		}
		tasks, err := source.Tasks(recentTaskCount)
		if err != nil {
			return Snapshot{Health: health, Err: err}
		}
		return Snapshot{Health: health, Tasks: tasks}
	}
}

func (m Model) scheduleNext() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return pollTick{}
	})
}

func (m Model) triggerCrawl() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		result, err := source.Submit(nil)
		if err != nil {
			return LogMessage{Message: fmt.Sprintf("❌ Crawl not started: %v", err)}
		}
		return LogMessage{Message: fmt.Sprintf("🚀 Crawl task %s started for %d users", result.TaskID, len(result.UserIDs))}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quit = true
			return m, tea.Quit
		case "c":
			cmds = append(cmds, m.triggerCrawl())
		}

	case tea.WindowSizeMsg:
		m = m.handleWindowSizeMsg(msg)

	case pollTick:
		cmds = append(cmds, m.poll())

	case Snapshot:
		m = m.handleSnapshot(msg)
		cmds = append(cmds, m.scheduleNext())

	case LogMessage:
		m = m.handleLogMessage(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		if progressModel, ok := progressModel.(progress.Model); ok {
			m.progress = progressModel
		}
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleWindowSizeMsg(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height
	m.progress.Width = msg.Width - 40
	return m
}

func (m Model) handleSnapshot(msg Snapshot) Model {
	m.lastErr = msg.Err
	if msg.Health != nil {
		m.health = msg.Health
	}
	if msg.Err != nil {
		return m
	}

	m.tasks = msg.Tasks

	// the first poll only records history
	initial := !m.polled
	m.polled = true

	// oldest first so the log reads in order
	for i := len(msg.Tasks) - 1; i >= 0; i-- {
		task := msg.Tasks[i]
		previous, known := m.states[task.ID]
		if known && previous == task.State {
			continue
		}
		m.states[task.ID] = task.State

		if initial && task.State.IsTerminal() {
			continue
		}

		m = m.handleLogMessage(LogMessage{Message: transitionMessage(task)})
		switch task.State {
		case models.TaskStateSucceeded:
			m.successCount++
		case models.TaskStateFailed:
			m.errorCount++
		}
	}

	return m
}

func transitionMessage(task models.Task) string {
	id := truncate(string(task.ID), 8)
	switch task.State {
	case models.TaskStatePending:
		return fmt.Sprintf("⏳ Task %s queued for %d users", id, len(task.Targets))
	case models.TaskStateRunning:
		return fmt.Sprintf("🕷 Task %s crawling %s", id, strings.Join(task.Targets, ", "))
	case models.TaskStateSucceeded:
		return fmt.Sprintf("✅ Task %s succeeded", id)
	case models.TaskStateFailed:
		return fmt.Sprintf("❌ Task %s failed: %s", id, task.Error)
	default:
		return fmt.Sprintf("Task %s is %s", id, task.State)
	}
}

func (m Model) handleLogMessage(msg LogMessage) Model {
	m.logs = append(m.logs, fmt.Sprintf("[%s] %s",
		m.now().Format("15:04:05"), msg.Message))
	if len(m.logs) > maxLogLines {
		m.logs = m.logs[len(m.logs)-maxLogLines:]
	}
	return m
}

func (m Model) View() string {
	if m.quit {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Header
	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39")).
		MarginBottom(1)

	s.WriteString(headerStyle.Render("🕸 Crawl Sync Monitor"))
	s.WriteString("\n\n")

	// Summary
	summaryStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	s.WriteString(summaryStyle.Render(m.summary()))
	s.WriteString("\n\n")

	if m.lastErr != nil {
		errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		s.WriteString(errorStyle.Render(fmt.Sprintf("Coordinator unreachable: %v", m.lastErr)))
		s.WriteString("\n\n")
	}

	// Active task
	activeSectionStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1).
		Width(m.width - 2)

	s.WriteString(activeSectionStyle.Render(m.activeView()))
	s.WriteString("\n\n")

	// Recent tasks
	taskSectionStyle := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(m.width - 2)

	s.WriteString(taskSectionStyle.Render(m.tasksView()))
	s.WriteString("\n\n")

	// Logs section
	logSectionStyle := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(m.width - 2).
		Height(maxLogLines + 1)

	var logSection strings.Builder
	logSection.WriteString("📝 Recent Events\n")
	for _, line := range m.logs {
		logSection.WriteString(line + "\n")
	}

	s.WriteString(logSectionStyle.Render(logSection.String()))
	s.WriteString("\n\n")

	// Footer
	footerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	s.WriteString(footerStyle.Render("Press 'c' to crawl now | 'q' to quit"))

	return s.String()
}

func (m Model) summary() string {
	if m.health == nil {
		return fmt.Sprintf("%s Connecting to coordinator...", m.spinner.View())
	}

	scheduler := "stopped"
	if m.health.SchedulerActive {
		scheduler = fmt.Sprintf("every %s", formatMinutes(m.health.IntervalMinutes))
	}

	return fmt.Sprintf("Status: %s | Scheduler: %s | ✅ Success: %d | ❌ Errors: %d",
		m.health.Status, scheduler, m.successCount, m.errorCount)
}

func (m Model) activeView() string {
	var b strings.Builder
	b.WriteString("📊 Active Task\n")
	b.WriteString(strings.Repeat("─", 60) + "\n")

	if m.health == nil || m.health.RunningTask == nil {
		b.WriteString("⏸ idle")
		return b.String()
	}

	task := m.health.RunningTask
	line := fmt.Sprintf("%s %s %-9s %s",
		getStateIcon(task.State),
		m.spinner.View(),
		task.State,
		m.progress.ViewAs(float64(task.Progress)/100))
	b.WriteString(line + "\n")

	b.WriteString(fmt.Sprintf("ID: %s\n", task.ID))
	b.WriteString(fmt.Sprintf("Users: %s\n", truncate(strings.Join(task.Targets, ", "), 60)))
	if task.StartedAt != nil {
		b.WriteString(fmt.Sprintf("Elapsed: %s", m.now().Sub(*task.StartedAt).Round(time.Second)))
	}
	return b.String()
}

func (m Model) tasksView() string {
	var b strings.Builder
	b.WriteString("🗂 Recent Tasks\n")

	if len(m.tasks) == 0 {
		b.WriteString("no tasks yet")
		return b.String()
	}

	for _, task := range m.tasks {
		stateStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(getStateColor(task.State)))
		line := fmt.Sprintf("%s %-10s %-9s %3d%% %s",
			getStateIcon(task.State),
			truncate(string(task.ID), 10),
			task.State,
			task.Progress,
			truncate(strings.Join(task.Targets, ","), 30))
		if task.Error != "" {
			line += " " + truncate(task.Error, 40)
		}
		b.WriteString(stateStyle.Render(line) + "\n")
	}
	return b.String()
}

func formatMinutes(minutes float64) string {
	return (time.Duration(minutes * float64(time.Minute))).String()
}

func getStateIcon(state models.TaskState) string {
	switch state {
	case models.TaskStatePending:
		return "⏳"
	case models.TaskStateRunning:
		return "🔄"
	case models.TaskStateSucceeded:
		return "✅"
	case models.TaskStateFailed:
		return "❌"
	default:
		return "❓"
	}
}

func getStateColor(state models.TaskState) string {
	switch state {
	case models.TaskStateSucceeded:
		return "82"
	case models.TaskStateFailed:
		return "196"
	case models.TaskStatePending:
		return "244"
	default:
		return "39"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
