package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentflow/internal/config"
)

// SettingsPaneModel edits the configuration and saves it as TOML.
// Changes take effect on the next start.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form bindings
	saveTarget     string
	workers        string
	maxRetries     string
	defaultTimeout string
	historySize    string
	logLevel       string
}

// NewSettingsPaneModel creates a settings pane for cfg.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	m.saveTarget = "project"
	m.workers = strconv.Itoa(m.config.Scheduler.Workers)
	m.maxRetries = strconv.Itoa(m.config.Scheduler.DefaultMaxRetries)
	m.defaultTimeout = m.config.Scheduler.DefaultTimeout.String()
	m.historySize = strconv.Itoa(m.config.Bus.HistorySize)
	m.logLevel = m.config.Log.Level
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func nonNegativeInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be zero or a positive integer")
	}
	return nil
}

func validDuration(s string) error {
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a duration such as 30s or 5m")
	}
	return nil
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project ("+m.projectPath+")", "project"),
					huh.NewOption("Global ("+m.globalPath+")", "global"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("workers").
				Title("Workers").
				Value(&m.workers).
				Validate(positiveInt),

			huh.NewInput().
				Key("maxRetries").
				Title("Default Max Retries").
				Value(&m.maxRetries).
				Validate(nonNegativeInt),

			huh.NewInput().
				Key("defaultTimeout").
				Title("Default Timeout").
				Description("0s disables the timeout").
				Value(&m.defaultTimeout).
				Validate(validDuration),
		).Title("Scheduler"),

		huh.NewGroup(
			huh.NewInput().
				Key("historySize").
				Title("Message History Size").
				Value(&m.historySize).
				Validate(positiveInt),

			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&m.logLevel),
		).Title("Bus and Logging"),
	)
}

// Init initializes the settings form.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		if err := m.applyFormToConfig(); err != nil {
			m.err = err
			return m, cmd
		}

		target := m.globalPath
		if m.saveTarget == "project" {
			target = m.projectPath
		}
		if err := config.Save(m.config, target); err != nil {
			m.err = err
			m.saved = false
		} else {
			m.saved = true
			m.err = nil
			m.visible = false
		}
	}

	return m, cmd
}

// applyFormToConfig copies the validated form values into the config.
func (m *SettingsPaneModel) applyFormToConfig() error {
	workers, err := strconv.Atoi(m.workers)
	if err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	retries, err := strconv.Atoi(m.maxRetries)
	if err != nil {
		return fmt.Errorf("default max retries: %w", err)
	}
	timeout, err := time.ParseDuration(m.defaultTimeout)
	if err != nil {
		return fmt.Errorf("default timeout: %w", err)
	}
	history, err := strconv.Atoi(m.historySize)
	if err != nil {
		return fmt.Errorf("history size: %w", err)
	}

	m.config.Scheduler.Workers = workers
	m.config.Scheduler.DefaultMaxRetries = retries
	m.config.Scheduler.DefaultTimeout = config.Duration{Duration: timeout}
	m.config.Bus.HistorySize = history
	m.config.Log.Level = m.logLevel
	return m.config.Validate()
}

// View renders the settings overlay.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = StyleError.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the pane. Showing it resets the form.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFromConfig()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible reports whether the pane is shown.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
