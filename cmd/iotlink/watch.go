package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/glimte/iotlink/contracts"
	"github.com/glimte/iotlink/health"
	"github.com/glimte/iotlink/messaging"
	"github.com/glimte/iotlink/monitor"
	"github.com/spf13/cobra"
)

const (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Bold(true).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Background(lipgloss.Color("#374151")).
			Bold(true).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	statusHealthyStyle = lipgloss.NewStyle().Foreground(secondaryColor).Bold(true)
	statusWarningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	statusErrorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2).
			Margin(1, 0)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Margin(1, 0)
)

type tab int

const (
	overviewTab tab = iota
	commandsTab
	healthTab
	tabCount
)

var tabTitles = [tabCount]string{"Overview", "Commands", "Health"}

// receivedCommand is one entry of the dashboard's command history
type receivedCommand struct {
	At        time.Time
	Payload   string
	Completed bool
}

// commandLog keeps the most recent commands, newest first
type commandLog struct {
	mu      sync.Mutex
	limit   int
	entries []receivedCommand
}

func newCommandLog(limit int) *commandLog {
	return &commandLog{limit: limit}
}

func (l *commandLog) add(payload []byte, completed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := receivedCommand{At: time.Now(), Payload: string(payload), Completed: completed}
	l.entries = append([]receivedCommand{entry}, l.entries...)
	if len(l.entries) > l.limit {
		l.entries = l.entries[:l.limit]
	}
}

func (l *commandLog) list() []receivedCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]receivedCommand(nil), l.entries...)
}

// snapshot is everything one refresh of the dashboard shows
type snapshot struct {
	device   string
	name     string
	summary  monitor.MetricsSummary
	queue    *contracts.QueueInfo
	health   health.OverallHealth
	commands []receivedCommand
}

type tickMsg struct{}

type dataMsg struct {
	snapshot snapshot
	err      error
}

type dashboard struct {
	fetch       func(ctx context.Context) (snapshot, error)
	interval    time.Duration
	activeTab   tab
	width       int
	autoRefresh bool
	lastUpdate  time.Time
	data        *snapshot
	err         error
}

func newDashboard(fetch func(ctx context.Context) (snapshot, error), interval time.Duration) dashboard {
	return dashboard{
		fetch:       fetch,
		interval:    interval,
		autoRefresh: true,
	}
}

func (m dashboard) Init() tea.Cmd {
	return tea.Batch(m.fetchData(), m.tickCmd())
}

func (m dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "tab", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil

		case "shift+tab", "left":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			return m, nil

		case "r":
			return m, m.fetchData()

		case " ":
			m.autoRefresh = !m.autoRefresh
			if m.autoRefresh {
				return m, m.tickCmd()
			}
			return m, nil
		}

	case tickMsg:
		if m.autoRefresh {
			return m, tea.Batch(m.fetchData(), m.tickCmd())
		}

	case dataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.data = &msg.snapshot
			m.lastUpdate = time.Now()
		}
		return m, nil
	}

	return m, nil
}

func (m dashboard) View() string {
	if m.data == nil {
		return "Loading..."
	}

	width := m.width
	if width < 40 {
		width = 80
	}
	header := headerStyle.Width(width - 2).Render(fmt.Sprintf("%s  device %s", m.data.name, m.data.device))

	var content string
	switch m.activeTab {
	case overviewTab:
		content = m.renderOverview()
	case commandsTab:
		content = m.renderCommands()
	case healthTab:
		content = m.renderHealth()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.renderTabs(),
		content,
		m.renderStatusBar(),
		helpStyle.Render("Tab/→: Next tab | Shift+Tab/←: Previous tab | R: Refresh | Space: Toggle auto-refresh | Q: Quit"),
	)
}

func (m dashboard) renderTabs() string {
	tabs := make([]string, 0, tabCount)
	for t := tab(0); t < tabCount; t++ {
		if t == m.activeTab {
			tabs = append(tabs, activeTabStyle.Render(tabTitles[t]))
		} else {
			tabs = append(tabs, tabStyle.Render(tabTitles[t]))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, tabs...)
}

func (m dashboard) renderOverview() string {
	s := m.data.summary

	telemetry := fmt.Sprintf(
		"Messages sent: %d\nBatches sent: %d\nBatches failed: %d\nRetries: %d\nBuffered: %d",
		s.Messages[messaging.OutcomeSent],
		s.Batches[messaging.OutcomeSent],
		s.Batches[messaging.OutcomeFailed],
		s.Retries,
		s.Pending,
	)
	if stats, ok := s.FlushStats[messaging.OutcomeSent]; ok && stats.Count > 0 {
		telemetry += fmt.Sprintf("\nFlush: avg %dms, p95 %dms, max %dms", stats.AvgMs, stats.P95Ms, stats.MaxMs)
	}

	commands := fmt.Sprintf(
		"Completed: %d\nAbandoned: %d\nAck failed: %d",
		s.Received[messaging.OutcomeCompleted],
		s.Received[messaging.OutcomeAbandoned],
		s.Received[messaging.OutcomeAckFailed],
	)
	if q := m.data.queue; q != nil {
		commands += fmt.Sprintf("\n\nQueue: %s\nWaiting: %d\nLocked: %d", q.Name, q.Messages, q.Locked)
		if q.Consumers >= 0 {
			commands += fmt.Sprintf("\nConsumers: %d", q.Consumers)
		}
	}

	parts := []string{
		cardStyle.Render("Telemetry\n\n" + telemetry),
		cardStyle.Render("Commands\n\n" + commands),
	}

	var errs []string
	for component, byType := range s.Errors {
		for errType, n := range byType {
			errs = append(errs, fmt.Sprintf("%s/%s: %d", component, errType, n))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		parts = append(parts, cardStyle.Render("Errors\n\n"+statusErrorStyle.Render(strings.Join(errs, "\n"))))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m dashboard) renderCommands() string {
	if len(m.data.commands) == 0 {
		return cardStyle.Render("No commands received")
	}

	rows := []string{"Time      Verdict    Payload", strings.Repeat("─", 60)}
	for _, c := range m.data.commands {
		verdict := statusHealthyStyle.Render("completed")
		if !c.Completed {
			verdict = statusWarningStyle.Render("abandoned")
		}
		rows = append(rows, fmt.Sprintf("%s  %s  %s", c.At.Format("15:04:05"), verdict, truncateString(c.Payload, 40)))
	}
	return cardStyle.Render("Recent Commands\n\n" + strings.Join(rows, "\n"))
}

func (m dashboard) renderHealth() string {
	h := m.data.health
	parts := []string{
		cardStyle.Render("Overall Status: " + statusStyle(h.Status).Render(strings.ToUpper(string(h.Status)))),
	}

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := h.Checks[name]
		body := fmt.Sprintf("%s: %s\n%s", name, statusStyle(check.Status).Render(strings.ToUpper(string(check.Status))), check.Message)
		if check.Error != "" {
			body += "\n" + statusErrorStyle.Render(check.Error)
		}
		parts = append(parts, cardStyle.Render(body))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m dashboard) renderStatusBar() string {
	parts := []string{"Auto-refresh: ON"}
	if !m.autoRefresh {
		parts[0] = "Auto-refresh: OFF"
	}
	parts = append(parts, fmt.Sprintf("Last update: %s", m.lastUpdate.Format("15:04:05")))
	if m.err != nil {
		parts = append(parts, statusErrorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	return helpStyle.Render(strings.Join(parts, " | "))
}

func (m dashboard) fetchData() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		snap, err := m.fetch(ctx)
		return dataMsg{snapshot: snap, err: err}
	}
}

func (m dashboard) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func statusStyle(status health.Status) lipgloss.Style {
	switch status {
	case health.StatusHealthy:
		return statusHealthyStyle
	case health.StatusDegraded:
		return statusWarningStyle
	case health.StatusUnhealthy:
		return statusErrorStyle
	default:
		return lipgloss.NewStyle()
	}
}

func truncateString(s string, length int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func (s *session) fetcher(registry *health.Registry, commands *commandLog) func(ctx context.Context) (snapshot, error) {
	inspector, _ := s.connector.Transport().(messaging.QueueInspector)

	return func(ctx context.Context) (snapshot, error) {
		snap := snapshot{
			device:   s.connector.DeviceID(),
			name:     s.connector.Name(),
			summary:  s.metrics.GetMetricsSummary(),
			health:   registry.Check(ctx),
			commands: commands.list(),
		}
		if inspector != nil {
			q, err := inspector.InspectQueue(ctx)
			if err != nil {
				return snap, err
			}
			snap.queue = q
		}
		return snap, nil
	}
}

func watchCommand(flags *globalFlags) *cobra.Command {
	var (
		abandon  bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Receive commands behind a live dashboard",
		Long: `Run the receive loop and show connector metrics, recent commands and
health checks in a terminal dashboard. Logs are discarded while it runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			flags.logOutput = io.Discard
			s, err := openSession(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer s.close()

			commands := newCommandLog(20)
			if _, err := s.connector.StartReceiving(ctx, func(ctx context.Context, payload []byte) bool {
				commands.add(payload, !abandon)
				return !abandon
			}); err != nil {
				return err
			}

			p := tea.NewProgram(
				newDashboard(s.fetcher(s.healthRegistry(), commands), interval),
				tea.WithAltScreen(),
			)
			go func() {
				<-ctx.Done()
				p.Quit()
			}()

			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().BoolVar(&abandon, "abandon", false, "Abandon instead of completing every command")
	cmd.Flags().DurationVar(&interval, "refresh", 2*time.Second, "Dashboard refresh interval")
	return cmd
}
