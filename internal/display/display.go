// Package display provides the front-desk terminal UI using Bubble Tea.
//
// The [UI] type renders the active call (phase, name, number, service and
// priority) in a status card at the bottom of the terminal, with finished
// calls scrolling above it. Snapshots arrive from the sequencer through
// [UI.OnSnapshot] and are marshalled onto the Bubble Tea event loop, so
// concurrent updates never garble the display.
package display

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hammamikhairi/balcao/internal/domain"
)

// Compile-time interface check.
var _ domain.SnapshotListener = (*UI)(nil)

// ── Styles ───────────────────────────────────────────────────────

var (
	barBg = lipgloss.NewStyle().
		Background(lipgloss.Color("#27272a")).
		Foreground(lipgloss.Color("#a1a1aa"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#a1a1aa"))

	sepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#52525b"))

	// BannerStyle is the muted slate of the startup banner.
	BannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#94a3b8"))

	nameStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#f4f4f5"))

	numberStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#fde68a"))

	priorityStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("#b91c1c")).
			Foreground(lipgloss.Color("#fef2f2")).
			Padding(0, 1)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#52525b")).
			Padding(0, 2)

	// Dimmed zinc for hints and history.
	secondaryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#71717a"))

	// Soft coral for alerts.
	urgentOutputStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#fca5a5"))

	phaseStyles = map[domain.Phase]lipgloss.Style{
		domain.PhaseIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#71717a")),
		domain.PhaseBell:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#fde68a")),
		domain.PhaseCalling: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#bbf7d0")),
		domain.PhaseClosing: lipgloss.NewStyle().Foreground(lipgloss.Color("#bae6fd")),
	}
)

// ── UI ───────────────────────────────────────────────────────────

// Option configures the UI.
type Option func(*UI)

// WithCancel binds the "x" key to cancel.
func WithCancel(cancel func()) Option {
	return func(u *UI) {
		u.cancel = cancel
	}
}

// WithHistory loads recent calls from calls when the dashboard is idle.
func WithHistory(calls domain.CallLog, size int) Option {
	return func(u *UI) {
		u.calls = calls
		u.historySize = size
	}
}

// UI manages the terminal through Bubble Tea.
//
// Call [NewUI] then [UI.Run] (blocking). Other goroutines may safely call
// [UI.OnSnapshot], [UI.Println] and [UI.Printf] at any time.
type UI struct {
	program     *tea.Program
	readyCh     chan struct{}
	quitCh      chan struct{}
	cancel      func()
	calls       domain.CallLog
	historySize int
	ready       atomic.Bool
	done        atomic.Bool
}

// NewUI creates the display. Call Run() to start.
func NewUI(opts ...Option) *UI {
	u := &UI{
		readyCh:     make(chan struct{}),
		quitCh:      make(chan struct{}),
		historySize: 8,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// OnSnapshot forwards a phase change to the event loop. Snapshots that
// arrive before Run or after quit are discarded.
func (u *UI) OnSnapshot(s domain.Snapshot) {
	if u.ready.Load() && !u.done.Load() {
		u.program.Send(snapshotMsg(s))
	}
}

// Println prints a line above the status card. Thread-safe. If the
// program isn't running, falls back to fmt.Println.
func (u *UI) Println(a ...interface{}) {
	if u.ready.Load() && !u.done.Load() {
		u.program.Println(a...)
	} else {
		fmt.Println(a...)
	}
}

// Printf prints formatted text above the status card. Thread-safe.
func (u *UI) Printf(format string, a ...interface{}) {
	if u.ready.Load() && !u.done.Load() {
		u.program.Printf(format, a...)
	} else {
		fmt.Printf(format, a...)
	}
}

// PrintUrgent prints an alert line.
func (u *UI) PrintUrgent(text string) {
	u.Println(urgentOutputStyle.Render("  " + text))
}

// WaitReady blocks until the Bubble Tea event loop is running.
func (u *UI) WaitReady() { <-u.readyCh }

// Quit tells Bubble Tea to exit.
func (u *UI) Quit() {
	if u.program != nil {
		u.program.Quit()
	}
}

// QuitChan is closed when Run returns.
func (u *UI) QuitChan() <-chan struct{} { return u.quitCh }

// Run starts the Bubble Tea event loop. Blocks until quit.
func (u *UI) Run() error {
	m := newModel(u.cancel, u.calls, u.historySize)
	m.onReady = func() {
		u.ready.Store(true)
		close(u.readyCh)
	}

	u.program = tea.NewProgram(m)
	_, err := u.program.Run()
	u.done.Store(true)
	close(u.quitCh)
	return err
}

// ── Bubble Tea model ─────────────────────────────────────────────

type model struct {
	cancel      func()
	calls       domain.CallLog
	historySize int
	onReady     func()

	snap   domain.Snapshot
	recent []domain.CallRecord
	now    time.Time
	width  int
}

// Messages.
type (
	tickMsg     time.Time
	snapshotMsg domain.Snapshot
	historyMsg  []domain.CallRecord
)

func newModel(cancel func(), calls domain.CallLog, historySize int) model {
	return model{
		cancel:      cancel,
		calls:       calls,
		historySize: historySize,
		snap:        domain.Snapshot{Phase: domain.PhaseIdle, Since: time.Now()},
		now:         time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.signalReady(),
		m.loadHistory(),
	)
}

func (m model) signalReady() tea.Cmd {
	ready := m.onReady
	return func() tea.Msg {
		if ready != nil {
			ready()
		}
		return nil
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) loadHistory() tea.Cmd {
	if m.calls == nil {
		return nil
	}
	calls, size := m.calls, m.historySize
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		recent, err := calls.ListCalls(ctx, size)
		if err != nil {
			return nil
		}
		return historyMsg(recent)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "x":
			if m.cancel == nil || m.snap.Phase == domain.PhaseIdle {
				return m, nil
			}
			cancel := m.cancel
			// Run outside Update: cancelling re-enters OnSnapshot.
			return m, func() tea.Msg {
				cancel()
				return nil
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()

	case snapshotMsg:
		prev := m.snap
		m.snap = domain.Snapshot(msg)
		cmds := []tea.Cmd{tea.SetWindowTitle(m.titleStr())}
		if m.snap.Phase == domain.PhaseIdle && prev.Request != nil {
			cmds = append(cmds, tea.Println(secondaryStyle.Render("  "+describe(*prev.Request))), m.loadHistory())
		}
		return m, tea.Batch(cmds...)

	case historyMsg:
		m.recent = msg
		return m, nil
	}
	return m, nil
}

func (m model) titleStr() string {
	if r := m.snap.Request; r != nil {
		return "Balcão: " + r.SubjectName
	}
	return "Balcão"
}

func (m model) View() string {
	var b strings.Builder

	if len(m.recent) > 0 {
		b.WriteString(labelStyle.Render("  Últimas chamadas"))
		b.WriteByte('\n')
		for _, c := range m.recent {
			b.WriteString(secondaryStyle.Render("  " + c.CompletedAt.Local().Format("15:04") + "  " + describeRecord(c)))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	if r := m.snap.Request; r != nil {
		b.WriteString(m.renderCard(*r))
		b.WriteByte('\n')
	}
	b.WriteString(m.renderBar())
	return b.String()
}

func (m model) renderCard(r domain.CallRequest) string {
	var lines []string

	head := nameStyle.Render(r.SubjectName)
	if r.Priority {
		head += "  " + priorityStyle.Render("PRIORITÁRIO")
	}
	lines = append(lines, head)

	var sub []string
	if r.Kind == domain.KindQueue {
		sub = append(sub, numberStyle.Render(fmt.Sprintf("Senha %d", r.SequenceNumber)))
	} else {
		sub = append(sub, numberStyle.Render("Agendamento"))
	}
	if r.ServiceLabel != "" {
		sub = append(sub, labelStyle.Render(r.ServiceLabel))
	}
	lines = append(lines, strings.Join(sub, sepStyle.Render("  │  ")))

	return cardStyle.Render(strings.Join(lines, "\n"))
}

func (m model) renderBar() string {
	style, ok := phaseStyles[m.snap.Phase]
	if !ok {
		style = labelStyle
	}
	parts := []string{style.Render(phaseLabel(m.snap.Phase))}
	if m.snap.Phase != domain.PhaseIdle {
		parts = append(parts, labelStyle.Render(fmtElapsed(m.now.Sub(m.snap.Since))))
		if m.cancel != nil {
			parts = append(parts, secondaryStyle.Render("x cancelar"))
		}
	}
	parts = append(parts, secondaryStyle.Render("q sair"))

	content := " " + strings.Join(parts, sepStyle.Render("  │  ")) + " "

	w := m.width
	if w <= 0 {
		w = 80
	}
	return barBg.Width(w).Render(content)
}

// ── Helpers ──────────────────────────────────────────────────────

func phaseLabel(p domain.Phase) string {
	switch p {
	case domain.PhaseBell:
		return "♪ Atenção"
	case domain.PhaseCalling:
		return "Chamando"
	case domain.PhaseClosing:
		return "Encerrando"
	default:
		return "Aguardando"
	}
}

func describe(r domain.CallRequest) string {
	if r.Kind == domain.KindQueue {
		return fmt.Sprintf("%s · senha %d", r.SubjectName, r.SequenceNumber)
	}
	return r.SubjectName + " · agendamento"
}

func describeRecord(c domain.CallRecord) string {
	s := describe(domain.CallRequest{SubjectName: c.SubjectName, SequenceNumber: c.SequenceNumber, Kind: c.Kind})
	if c.ServiceLabel != "" {
		s += " (" + c.ServiceLabel + ")"
	}
	return s
}

func fmtElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
