// Package monitor renders a terminal dashboard over the mendd status
// API: learning stats, dispatch outcomes, circuit breakers, and
// cooldown records, refreshed on an interval.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/mendd/internal/api"
	"github.com/fyrsmithlabs/mendd/internal/breaker"
	"github.com/fyrsmithlabs/mendd/internal/dispatch"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Model is the BubbleTea dashboard model.
type Model struct {
	apiURL     string
	interval   time.Duration
	lastUpdate time.Time
	status     api.StatusResponse
	err        error
	quitting   bool

	hitRateHistory []float64
	successHistory []float64

	confidenceProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard model polling the given status API.
func NewModel(apiURL string, interval time.Duration) Model {
	confProg := progress.New(
		progress.WithGradient("#ff0000", "#00ff00"),
		progress.WithWidth(40),
	)

	return Model{
		apiURL:             apiURL,
		interval:           interval,
		confidenceProgress: confProg,
		hitRateHistory:     make([]float64, 0, historySize),
		successHistory:     make([]float64, 0, historySize),
	}
}

// confidenceBadge returns a colored badge for an average confidence.
func confidenceBadge(confidence float64) string {
	if confidence >= 0.8 {
		return healthyStyle.Render("[✓]")
	} else if confidence >= 0.5 {
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

// stateBadge returns a colored rendering of a breaker state.
func stateBadge(state breaker.State) string {
	switch state {
	case breaker.StateClosed:
		return healthyStyle.Render("closed")
	case breaker.StateHalfOpen:
		return warningStyle.Render("half-open")
	default:
		return errorStyle.Render("open")
	}
}

// overallBadge summarizes circuit health for the header line.
func overallBadge(circuits []breaker.Snapshot) string {
	degraded := false
	recovering := false
	for _, c := range circuits {
		switch c.State {
		case breaker.StateOpen:
			degraded = true
		case breaker.StateHalfOpen:
			recovering = true
		}
	}
	if degraded {
		return errorStyle.Render("✗ DEGRADED")
	}
	if recovering {
		return warningStyle.Render("⚠ RECOVERING")
	}
	return healthyStyle.Render("✓ HEALTHY")
}

// dispatchSuccessShare computes the success ratio across all skills.
func dispatchSuccessShare(stats []dispatch.Stats) float64 {
	var executions, successes int
	for _, s := range stats {
		executions += s.ExecutionCount
		successes += s.SuccessCount
	}
	if executions == 0 {
		return 0
	}
	return float64(successes) / float64(executions)
}

// appendToHistory appends a value to history, maintaining max size.
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data.
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type statusMsg api.StatusResponse
type errMsg error

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStatus(m.apiURL),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatus(apiURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := NewStatusClient(apiURL).FetchStatus(ctx)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(status)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.apiURL)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchStatus(m.apiURL),
		)

	case statusMsg:
		status := api.StatusResponse(msg)
		m.hitRateHistory = appendToHistory(m.hitRateHistory, status.Learning.HitRate*100)
		m.successHistory = appendToHistory(m.successHistory, dispatchSuccessShare(status.Dispatch)*100)
		m.status = status
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" mendd Monitor ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach the mendd status API") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.apiURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Please ensure:") + "\n"
	content += dimStyle.Render("  1. mendd serve is running") + "\n"
	content += dimStyle.Render("  2. --api points at its server.host:server.port") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m Model) renderDashboard() string {
	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	uptimeStr := m.status.Uptime
	if uptimeStr == "" {
		uptimeStr = "-"
	}

	header := headerStyle.Render(" mendd Monitor ")
	headerLine := fmt.Sprintf("%s   %s   %s   %s",
		overallBadge(m.status.Circuits),
		dimStyle.Render("Uptime:"),
		valueStyle.Render(uptimeStr),
		dimStyle.Render(lastUpdateStr))

	content += header + "\n"
	content += headerLine + "\n"

	// Learning section
	content += "\n" + sectionStyle.Render("┃ Learning") + "\n"

	learning := m.status.Learning
	content += labelStyle.Render("  Patterns: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.status.PatternCount)) +
		"  " +
		labelStyle.Render("Cycles: ") +
		valueStyle.Render(fmt.Sprintf("%d", learning.CyclesCompleted)) + "\n"

	hitRateSparkline := createSparkline(m.hitRateHistory)
	content += labelStyle.Render("  Hit Rate: ") +
		valueStyle.Render(FormatPercent(learning.HitRate)) +
		" " + dimStyle.Render(fmt.Sprintf("(%d hits / %d escalations)", learning.PatternHits, learning.Escalations)) +
		"   " + hitRateSparkline + "\n"

	confidence := learning.AvgConfidence
	content += labelStyle.Render("  Confidence: ") +
		m.confidenceProgress.ViewAs(confidence) +
		" " + valueStyle.Render(FormatConfidence(confidence)) +
		" " + confidenceBadge(confidence) + "\n"

	// Dispatch section
	content += "\n" + sectionStyle.Render("┃ Dispatch") + "\n"

	successSparkline := createSparkline(m.successHistory)
	content += labelStyle.Render("  Success: ") +
		valueStyle.Render(FormatPercent(dispatchSuccessShare(m.status.Dispatch))) +
		"   " + successSparkline + "\n"

	for _, s := range m.status.Dispatch {
		content += labelStyle.Render("  "+s.Skill+": ") +
			valueStyle.Render(fmt.Sprintf("%d exec", s.ExecutionCount)) +
			dimStyle.Render(fmt.Sprintf("  %d failed  %d fallback  avg %s",
				s.FailureCount, s.FallbackCount, FormatAvgDuration(s.AvgDuration))) + "\n"
	}

	// Circuits section
	content += "\n" + sectionStyle.Render("┃ Circuits") + "\n"
	if len(m.status.Circuits) == 0 {
		content += dimStyle.Render("  no breakers registered yet") + "\n"
	}
	for _, c := range m.status.Circuits {
		retry := ""
		if c.NextRetryAt != nil {
			retry = dimStyle.Render("  retry " + c.NextRetryAt.Format("15:04:05"))
		}
		content += labelStyle.Render(fmt.Sprintf("  %-20s", c.Name)) +
			stateBadge(c.State) +
			dimStyle.Render(fmt.Sprintf("  failures=%d", c.FailureCount)) +
			retry + "\n"
	}

	// Cooldowns section
	content += "\n" + sectionStyle.Render("┃ Cooldowns") + "\n"
	content += labelStyle.Render("  Blacklisted: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.status.CooldownCount)) + "\n"

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	content += "\n" + footer

	return containerStyle.Render(content)
}
