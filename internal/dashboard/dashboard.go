// Package dashboard implements an optional terminal UI that shows the
// gateway's live session list and circuit breaker state, refreshed on a
// fixed tick. It is started with --dashboard and never runs by default,
// so it never competes with the structured logs for a terminal.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Rorqualx/browserstream-go/internal/types"
)

const tickInterval = time.Second

// GatewaySource is the subset of *gateway.Gateway the dashboard reads.
type GatewaySource interface {
	Health() types.HealthResponse
	ActiveConnections() int
}

// SessionSource is the subset of *session.Manager the dashboard reads.
type SessionSource interface {
	List() []string
	Count() int
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type tickMsg time.Time

// model is the bubbletea Model driving the dashboard's render loop.
type model struct {
	gw   GatewaySource
	sess SessionSource

	health  types.HealthResponse
	ids     []string
	count   int
	started time.Time
}

// New builds a dashboard model reading from gw and sess.
func New(gw GatewaySource, sess SessionSource) tea.Model {
	return model{gw: gw, sess: sess, started: time.Now()}
}

// Run starts the dashboard's bubbletea program on the current terminal,
// blocking until the user quits with q or Ctrl+C.
func Run(gw GatewaySource, sess SessionSource) error {
	p := tea.NewProgram(New(gw, sess))
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.health = m.gw.Health()
		m.ids = m.sess.List()
		m.count = m.sess.Count()
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("browser streaming gateway"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("uptime %s", time.Since(m.started).Round(time.Second))))
	b.WriteString("\n\n")

	breakerLine := okStyle.Render("circuit: closed")
	if m.health.CircuitBreaker.IsOpen {
		breakerLine = warnStyle.Render(fmt.Sprintf("circuit: OPEN (failures=%d)", m.health.CircuitBreaker.Failures))
	}

	summary := fmt.Sprintf(
		"clients  %d\nsessions %d\n%s",
		m.health.ActiveConnections, m.count, breakerLine,
	)
	b.WriteString(boxStyle.Render(summary))
	b.WriteString("\n\n")

	if len(m.ids) == 0 {
		b.WriteString(dimStyle.Render("no active sessions"))
	} else {
		b.WriteString(titleStyle.Render("sessions"))
		b.WriteString("\n")
		for _, id := range m.ids {
			b.WriteString("  " + id + "\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q to quit"))
	return b.String()
}
