// Package termview renders a running weathermap in the terminal.
//
// The model never touches the registry directly: it reads the drawn scene,
// receives driver status through a Feed, and turns key presses into driver
// commands.
package termview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/signalsfoundry/weathermap/core"
	"github.com/signalsfoundry/weathermap/internal/driver"
	"github.com/signalsfoundry/weathermap/model"
)

// Controller is the slice of *driver.Driver the view drives.
type Controller interface {
	Status() driver.Status
	SetDatatype(dt model.Datatype) error
	Refresh() error
	Step(delta int) error
	TogglePlay() error
	SetSpeed(speed float64) error
}

// Scene is where drawn links and meters are read from.
type Scene interface {
	Snapshot() core.SceneSnapshot
}

// Feed carries driver status into the program. Publish never blocks; when
// the view falls behind only the newest status is kept.
type Feed struct {
	ch chan driver.Status
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{ch: make(chan driver.Status, 1)}
}

// Publish hands s to the view. It is meant to be passed to
// driver.WithObserver.
func (f *Feed) Publish(s driver.Status) {
	for {
		select {
		case f.ch <- s:
			return
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

func (f *Feed) wait() tea.Cmd {
	return func() tea.Msg {
		return statusMsg(<-f.ch)
	}
}

type statusMsg driver.Status

type tickMsg struct{}

type commandErrMsg struct{ err error }

// --- Key bindings ---

type keyMap struct {
	Utilization key.Binding
	Optical     key.Binding
	Health      key.Binding
	Cycle       key.Binding
	Refresh     key.Binding
	Play        key.Binding
	Back        key.Binding
	Forward     key.Binding
	Faster      key.Binding
	Slower      key.Binding
	Help        key.Binding
	Quit        key.Binding
}

var keys = keyMap{
	Utilization: key.NewBinding(key.WithKeys("u"), key.WithHelp("u", "utilization")),
	Optical:     key.NewBinding(key.WithKeys("o"), key.WithHelp("o", "optic")),
	Health:      key.NewBinding(key.WithKeys("h"), key.WithHelp("h", "health")),
	Cycle:       key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next datatype")),
	Refresh:     key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Play:        key.NewBinding(key.WithKeys(" ", "space", "p"), key.WithHelp("space", "play/pause")),
	Back:        key.NewBinding(key.WithKeys("left", "j"), key.WithHelp("←", "step back")),
	Forward:     key.NewBinding(key.WithKeys("right", "k"), key.WithHelp("→", "step forward")),
	Faster:      key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "faster")),
	Slower:      key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "slower")),
	Help:        key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:        key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Cycle, k.Refresh, k.Play, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Utilization, k.Optical, k.Health, k.Cycle},
		{k.Refresh, k.Play, k.Back, k.Forward},
		{k.Faster, k.Slower, k.Help, k.Quit},
	}
}

const (
	minSpeed = 0.25
	maxSpeed = 64
)

// --- Model ---

// Model is the bubbletea model for one weathermap.
type Model struct {
	ctrl  Controller
	scene Scene
	feed  *Feed

	status driver.Status
	snap   core.SceneSnapshot
	err    string

	width    int
	height   int
	help     help.Model
	showHelp bool

	lastStatus time.Time
	now        func() time.Time
}

// New builds a model over ctrl and scene. feed may be nil.
func New(ctrl Controller, scene Scene, feed *Feed) Model {
	return Model{
		ctrl:       ctrl,
		scene:      scene,
		feed:       feed,
		status:     ctrl.Status(),
		snap:       scene.Snapshot(),
		help:       help.New(),
		lastStatus: time.Now(),
		now:        time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	if m.feed == nil {
		return tickEvery()
	}
	return tea.Batch(tickEvery(), m.feed.wait())
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tea.KeyMsg:
		return m.handleKey(msg)

	case statusMsg:
		m.status = driver.Status(msg)
		m.snap = m.scene.Snapshot()
		m.lastStatus = m.now()
		if m.status.LastError != "" {
			m.err = m.status.LastError
		} else {
			m.err = ""
		}
		if m.feed != nil {
			return m, m.feed.wait()
		}

	case commandErrMsg:
		m.err = msg.err.Error()

	case tickMsg:
		// geometry moves between cycles while the layout settles
		m.snap = m.scene.Snapshot()
		return m, tickEvery()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
	case key.Matches(msg, keys.Utilization):
		return m, m.setDatatype(model.Utilization)
	case key.Matches(msg, keys.Optical):
		return m, m.setDatatype(model.Optical)
	case key.Matches(msg, keys.Health):
		return m, m.setDatatype(model.Health)
	case key.Matches(msg, keys.Cycle):
		return m, m.setDatatype(nextDatatype(m.status.Datatype))
	case key.Matches(msg, keys.Refresh):
		return m, command(m.ctrl.Refresh)
	case key.Matches(msg, keys.Play):
		return m, command(m.ctrl.TogglePlay)
	case key.Matches(msg, keys.Back):
		return m, command(func() error { return m.ctrl.Step(-1) })
	case key.Matches(msg, keys.Forward):
		return m, command(func() error { return m.ctrl.Step(1) })
	case key.Matches(msg, keys.Faster):
		return m, m.setSpeed(m.status.Speed * 2)
	case key.Matches(msg, keys.Slower):
		return m, m.setSpeed(m.status.Speed / 2)
	}
	return m, nil
}

func (m Model) setDatatype(dt model.Datatype) tea.Cmd {
	if dt == m.status.Datatype {
		return nil
	}
	return command(func() error { return m.ctrl.SetDatatype(dt) })
}

func (m Model) setSpeed(speed float64) tea.Cmd {
	if speed <= 0 {
		speed = 1
	}
	speed = min(max(speed, minSpeed), maxSpeed)
	return command(func() error { return m.ctrl.SetSpeed(speed) })
}

// command runs fn off the update loop; driver commands block until the
// driver loop accepts them.
func command(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return commandErrMsg{err: err}
		}
		return nil
	}
}

func nextDatatype(dt model.Datatype) model.Datatype {
	all := model.Datatypes()
	for i, d := range all {
		if d == dt {
			return all[(i+1)%len(all)]
		}
	}
	return all[0]
}

// Run shows the map until the user quits or ctx is cancelled.
func Run(ctx context.Context, ctrl Controller, scene Scene, feed *Feed) error {
	p := tea.NewProgram(New(ctrl, scene, feed), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// --- View rendering ---

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderTitleBar())
	b.WriteString("\n\n")

	content := m.renderLinks()
	if aggs := m.renderAggregates(); aggs != "" {
		content += "\n" + aggs
	}
	if m.status.Mode == driver.Replay {
		content += "\n" + m.renderPlayback()
	}

	contentHeight := m.height - 4
	if m.showHelp {
		contentHeight -= 3
	}
	lines := strings.Split(content, "\n")
	if contentHeight > 0 && len(lines) > contentHeight {
		lines = lines[:contentHeight]
	}
	b.WriteString(strings.Join(lines, "\n"))

	rendered := strings.Count(b.String(), "\n")
	for rendered < m.height-2 {
		b.WriteRune('\n')
		rendered++
	}
	b.WriteRune('\n')
	if m.showHelp {
		b.WriteString(m.help.View(keys))
	} else {
		b.WriteString(m.renderStatusBar())
	}
	return truncateLines(b.String(), m.width)
}

func (m Model) renderTitleBar() string {
	name := m.status.Map
	if name == "" {
		name = "weathermap"
	}
	title := titleStyle.Render(name)
	var tabs []string
	for _, dt := range model.Datatypes() {
		if dt == m.status.Datatype {
			tabs = append(tabs, tabActiveStyle.Render(dt.String()))
		} else {
			tabs = append(tabs, tabInactiveStyle.Render(dt.String()))
		}
	}
	stats := dimStyle.Render(fmt.Sprintf("%s | %d nodes | %d links | cycle %d",
		m.status.Mode, m.status.Nodes, m.status.Links, m.status.Cycle))
	left := title + " " + strings.Join(tabs, " ")
	gap := strings.Repeat(" ", max(1, m.width-lipgloss.Width(left)-lipgloss.Width(stats)))
	return left + gap + stats
}

func (m Model) renderLinks() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Links"))
	b.WriteRune('\n')
	if len(m.snap.Links) == 0 {
		b.WriteString(dimStyle.Render("  no links drawn"))
		b.WriteRune('\n')
		return b.String()
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %-32s %-16s %-16s %s", "Link", "Forward", "Reverse", "Circuits")))
	b.WriteRune('\n')
	for _, l := range m.snap.Links {
		name := fmt.Sprintf("%-32s", truncate(l.Source+" ⇄ "+l.Target, 32))
		fwd := bandStyle(l.ForwardBand).Render(fmt.Sprintf("%-16s", label(l.ForwardLabel, l.ForwardBand)))
		rev := bandStyle(l.ReverseBand).Render(fmt.Sprintf("%-16s", label(l.ReverseLabel, l.ReverseBand)))
		line := fmt.Sprintf("  %s %s %s %d", name, fwd, rev, l.NumPhysicalLinks)
		if l.Stale {
			line += " " + staleStyle.Render("stale")
		}
		b.WriteString(line)
		b.WriteRune('\n')
	}
	return b.String()
}

func (m Model) renderAggregates() string {
	if len(m.snap.Aggregates) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("Aggregates"))
	b.WriteRune('\n')
	for _, a := range m.snap.Aggregates {
		name := fmt.Sprintf("%-32s", truncate(a.Up+" → "+a.Down, 32))
		in := bandStyle(a.DownBand).Render(fmt.Sprintf("%-16s", label(a.DownLabel, a.DownBand)))
		out := bandStyle(a.UpBand).Render(fmt.Sprintf("%-16s", label(a.UpLabel, a.UpBand)))
		line := fmt.Sprintf("  %s %s %s %d", name, in, out, a.Links)
		if a.AnyEndDown {
			line += " " + downStyle.Render("end down")
		}
		b.WriteString(line)
		b.WriteRune('\n')
	}
	return b.String()
}

func (m Model) renderPlayback() string {
	state := "paused"
	if m.status.Playing {
		state = "playing"
	}
	frame := m.status.Frame + 1
	if m.status.Frames == 0 {
		frame = 0
	}
	at := ""
	if !m.status.CycleTime.IsZero() && m.status.CycleTime.Unix() != 0 {
		at = " " + m.status.CycleTime.UTC().Format("2006-01-02 15:04")
	}
	return headerStyle.Render("Playback") + "\n" +
		fmt.Sprintf("  frame %d/%d%s  %s  x%g", frame, m.status.Frames, at, state, m.status.Speed) + "\n" +
		"  " + progressBar(m.status.Frame, m.status.Frames, 40)
}

func (m Model) renderStatusBar() string {
	left := " u/o/h: datatype | r: refresh | ?: help | q: quit"
	if m.status.Mode == driver.Replay {
		left = " u/o: datatype | space: play | ←/→: step | +/-: speed | ?: help | q: quit"
	}
	right := fmt.Sprintf("updated %s ago ", m.now().Sub(m.lastStatus).Truncate(time.Second))
	if m.err != "" {
		right = errStyle.Render(truncate(m.err, 48)) + " " + right
	}
	gap := strings.Repeat(" ", max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)))
	return statusBarStyle.Render(left + gap + right)
}

func label(text string, band core.Band) string {
	if text != "" {
		return text
	}
	if band == "" {
		return "-"
	}
	return string(band)
}

func progressBar(frame, frames, width int) string {
	if frames <= 0 {
		return dimStyle.Render(strings.Repeat("·", width))
	}
	filled := width
	if frames > 1 {
		filled = (frame * (width - 1)) / (frames - 1)
		filled++
	}
	filled = min(max(filled, 0), width)
	return cursorStyle.Render(strings.Repeat("█", filled)) + dimStyle.Render(strings.Repeat("·", width-filled))
}

// truncateLines cuts each line to width visible cells, keeping ANSI codes.
func truncateLines(content string, width int) string {
	if width <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if lipgloss.Width(line) > width {
			lines[i] = ansi.Truncate(line, width, "")
		}
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
