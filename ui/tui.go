package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fieldworks/stagefast/engine"
)

// UIState is the snapshot the TUI renders each tick.
type UIState struct {
	Progress      engine.Progress
	ActiveWorkers int
	MaxWorkers    int
	IsRunning     bool
	Done          bool
}

// TUIModel implements the tea.Model interface for a single upload job.
type TUIModel struct {
	state    *UIState
	spinner  spinner.Model
	progress progress.Model

	width  int
	height int

	onWorkerDelta func(delta int)

	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	statusStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg is sent periodically to update the UI state.
type TUIUpdateMsg struct {
	State *UIState
}

// WorkerCountMsg is sent when modifying the worker count.
type WorkerCountMsg int

func NewTUIModel(initialState *UIState) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		state:        initialState,
		spinner:      s,
		progress:     prog,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		statusStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

// WithWorkerControl installs the callback invoked when the user adjusts the
// worker count with the +/- keys.
func (m TUIModel) WithWorkerControl(fn func(delta int)) TUIModel {
	m.onWorkerDelta = fn
	return m
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.state.IsRunning = false
			return m, tea.Quit
		case "+", "=":
			// Increase workers
			return m, func() tea.Msg { return WorkerCountMsg(1) }
		case "-":
			// Decrease workers
			return m, func() tea.Msg { return WorkerCountMsg(-1) }
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

	case TUIUpdateMsg:
		m.state = msg.State
		if m.state.Done {
			return m, tea.Quit
		}

	case WorkerCountMsg:
		if m.onWorkerDelta != nil {
			m.onWorkerDelta(int(msg))
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	p := m.state.Progress
	var sb strings.Builder

	// Header
	header := fmt.Sprintf("%s Stagefast %s", m.spinner.View(), m.titleStyle.Render("Resumable Dataset Upload"))
	sb.WriteString(header + "\n")

	percent := p.Percentage / 100

	opsInfo := fmt.Sprintf("ETA: %s | Workers: %d/%d | %s / %s | %s",
		formatETA(p.ETASeconds),
		m.state.ActiveWorkers, m.state.MaxWorkers,
		formatBytes(p.BytesUploaded), formatBytes(p.BytesTotal),
		formatSpeed(p.SpeedMBps*1024*1024))

	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	// Status line
	status := m.statusStyle.Render(string(p.Status))
	if p.CurrentFile != "" {
		truncatePath := p.CurrentFile
		if len(truncatePath) > 40 {
			truncatePath = "..." + truncatePath[len(truncatePath)-37:]
		}
		status += " | " + truncatePath
	}
	if p.Error != "" {
		status += "\n" + m.errorStyle.Render(p.Error)
	}
	sb.WriteString(status + "\n")

	// Footer
	help := m.helpStyle.Render("q/ctrl+c: quit • +/-: adjust workers")
	if m.state.Done {
		if p.Status == engine.StateCompleted {
			help = m.successStyle.Render("Upload Complete!") + " Press 'q' to exit."
		} else {
			help = m.errorStyle.Render(fmt.Sprintf("Upload ended: %s.", p.Status)) + " Press 'q' to exit."
		}
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func formatBytes(n int64) string {
	switch {
	case n >= 1024*1024*1024*1024:
		return fmt.Sprintf("%.2f TB", float64(n)/(1024*1024*1024*1024))
	case n >= 1024*1024*1024:
		return fmt.Sprintf("%.2f GB", float64(n)/(1024*1024*1024))
	case n >= 1024*1024:
		return fmt.Sprintf("%.2f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.2f KB", float64(n)/1024)
	}
	return fmt.Sprintf("%d B", n)
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatETA(etaSeconds int64) string {
	if etaSeconds < 0 {
		return "Calculating..."
	}
	if etaSeconds == 0 {
		return "0s"
	}

	d := time.Duration(etaSeconds) * time.Second
	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}
