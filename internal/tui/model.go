// Package tui provides the BubbleTea-based live status view.
package tui

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/tunecord/internal/store"
)

// refreshInterval keeps relative times and the position counter moving
// between status file changes.
const refreshInterval = time.Second

// Model is the watch view model.
type Model struct {
	statusPath string
	updates    <-chan *store.Status

	// Components
	spinner spinner.Model
	help    help.Model
	keys    KeyMap

	// State
	status   *store.Status
	loaded   bool
	loadErr  error
	showRaw  bool
	showHelp bool

	now func() time.Time
}

// New creates a watch view for the status file at statusPath. updates may
// be nil, in which case the view only refreshes on demand.
func New(statusPath string, updates <-chan *store.Status) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = dimStyle

	return Model{
		statusPath: statusPath,
		updates:    updates,
		spinner:    s,
		help:       help.New(),
		keys:       DefaultKeyMap(),
		now:        time.Now,
	}
}

// Init initializes the view.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.loadStatus,
		m.watchForChanges,
		refreshTick(),
	)
}

type statusMsg struct {
	status  *store.Status
	err     error
	watched bool // Delivered by the watcher, which must be re-armed
}

type refreshMsg struct{}

// loadStatus reads the status file from disk.
func (m Model) loadStatus() tea.Msg {
	status, err := store.LoadStatus(m.statusPath)
	if errors.Is(err, os.ErrNotExist) {
		return statusMsg{}
	}
	return statusMsg{status: status, err: err}
}

// watchForChanges waits for the next status file change.
func (m Model) watchForChanges() tea.Msg {
	if m.updates == nil {
		return nil
	}
	status, ok := <-m.updates
	if !ok {
		return nil
	}
	return statusMsg{status: status, watched: true}
}

func refreshTick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case statusMsg:
		m.loaded = true
		m.loadErr = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		if msg.watched {
			return m, m.watchForChanges
		}
		return m, nil

	case refreshMsg:
		return m, refreshTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKey handles key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
	case key.Matches(msg, m.keys.Raw):
		m.showRaw = !m.showRaw
	case key.Matches(msg, m.keys.Reload):
		return m, m.loadStatus
	}
	return m, nil
}

// View renders the view.
func (m Model) View() string {
	var s string

	switch {
	case !m.loaded:
		s = m.spinner.View() + " reading status...\n"
	case m.status == nil:
		s = RenderNotRunning() + "\n" + m.spinner.View() + dimStyle.Render(" waiting for tunecordd") + "\n"
	case m.showRaw:
		s = m.viewRaw()
	default:
		s = RenderStatus(m.status, m.now())
		if !m.status.Alive() {
			s += "\n" + warnStyle.Render(fmt.Sprintf("pid %d has exited, status may be stale", m.status.PID)) + "\n"
		}
	}

	if m.loadErr != nil {
		s += "\n" + errStyle.Render("error: "+m.loadErr.Error()) + "\n"
	}

	if m.showHelp {
		s += "\n" + m.help.FullHelpView(m.keys.FullHelp())
	} else {
		s += "\n" + m.help.ShortHelpView(m.keys.ShortHelp())
	}
	return s
}

func (m Model) viewRaw() string {
	data, err := yaml.Marshal(m.status)
	if err != nil {
		return errStyle.Render(err.Error()) + "\n"
	}
	return string(data)
}

// RunOptions configures the watch view.
type RunOptions struct {
	StatusPath string
	AltScreen  bool
}

// Run starts the watch view and blocks until the user quits.
func Run(opts RunOptions) error {
	// The directory must exist to be watched
	if err := os.MkdirAll(filepath.Dir(opts.StatusPath), 0700); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	var updates <-chan *store.Status
	watcher, err := store.NewStatusWatcher(opts.StatusPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create status watcher: %v\n", err)
	} else if err := watcher.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to start status watcher: %v\n", err)
	} else {
		updates = watcher.Updates()
		defer func() { _ = watcher.Stop() }()
	}

	var progOpts []tea.ProgramOption
	if opts.AltScreen {
		progOpts = append(progOpts, tea.WithAltScreen())
	}

	p := tea.NewProgram(New(opts.StatusPath, updates), progOpts...)
	_, err = p.Run()
	return err
}
