package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type TaskMonitor struct {
	source   Source
	interval time.Duration
	program  *tea.Program
}

func NewTaskMonitor(source Source, interval time.Duration) *TaskMonitor {
	return &TaskMonitor{
		source:   source,
		interval: interval,
	}
}

func (tm *TaskMonitor) Start() error {
	model := NewModel(tm.source, tm.interval)
	tm.program = tea.NewProgram(model, tea.WithAltScreen())

	return nil
}

func (tm *TaskMonitor) Stop() {
	if tm.program != nil {
		tm.program.Quit()
	}
}

func (tm *TaskMonitor) AddLog(message string) {
	if tm.program != nil {
		tm.program.Send(LogMessage{
			Message: message,
		})
	}
}

// Run blocks until the user quits
func (tm *TaskMonitor) Run() error {
	if tm.program == nil {
		if err := tm.Start(); err != nil {
			return err
		}
	}

	if _, err := tm.program.Run(); err != nil {
		return fmt.Errorf("failed to run TUI: %w", err)
	}

	return nil
}
