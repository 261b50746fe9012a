package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"groundwave/pkg/bus"
	"groundwave/pkg/link"
)

const broadcastCommand = "/all "

type role int

const (
	roleSent role = iota
	roleBroadcast
	roleReply
	roleChannel
	roleError
)

type entry struct {
	role    role
	title   string
	content string
}

type frameMsg struct {
	frame link.Frame
	ok    bool
}

type eventMsg struct {
	event bus.Event
	ok    bool
}

type injectResultMsg struct {
	err error
}

type bootTickMsg struct{}

type model struct {
	ctx    context.Context
	inject InjectFunc
	frames <-chan link.Frame
	events <-chan bus.Event
	info   Info

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	waiting   bool
	lastErr   string
	lastEvent string
	booting   bool
	bootStep  int
	followLog bool
	sent      int
	received  int
}

func newModel(ctx context.Context, inject InjectFunc, frames <-chan link.Frame, events <-chan bus.Event, info Info) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = fmt.Sprintf("Message the gateway, %shelp for commands", info.prefix())
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		inject:    inject,
		frames:    frames,
		events:    events,
		info:      info,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		booting:   true,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(bootTickCmd(), waitForFrame(m.frames), waitForEvent(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}
		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}
		m.booting = false
		return m, textinput.Blink
	case frameMsg:
		if !typed.ok {
			return m, nil
		}
		m.addFrame(typed.frame)
		return m, waitForFrame(m.frames)
	case eventMsg:
		if !typed.ok {
			m.lastEvent = "gateway stopped"
			return m, nil
		}
		m.addEvent(typed.event)
		return m, waitForEvent(m.events)
	case injectResultMsg:
		if typed.err != nil {
			m.waiting = false
			m.lastErr = typed.err.Error()
			m.entries = append(m.entries, entry{role: roleError, title: "[NOT SENT]", content: typed.err.Error()})
			m.refreshViewport(false)
		}
		return m, nil
	case tea.MouseMsg:
		if m.handleViewportMouse(typed) {
			return m, nil
		}
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}
		if m.booting {
			return m, nil
		}
		if m.handleViewportKey(typed) {
			return m, nil
		}
		if typed.String() == "enter" {
			return m, m.submit()
		}
	}

	m.input, cmd = m.input.Update(msg)

	if tick, ok := msg.(spinner.TickMsg); ok {
		if !m.waiting {
			return m, cmd
		}
		var spinCmd tea.Cmd
		m.spinner, spinCmd = m.spinner.Update(tick)
		return m, tea.Batch(cmd, spinCmd)
	}

	return m, cmd
}

// submit sends the input line as the simulated node. Lines starting with
// "/all " go out as channel broadcasts instead of direct messages.
func (m *model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	if isExitCommand(text) {
		return tea.Quit
	}

	direct := true
	r := roleSent
	title := "[" + m.info.NodeID + " → gateway]"
	if strings.HasPrefix(text, broadcastCommand) {
		text = strings.TrimSpace(strings.TrimPrefix(text, broadcastCommand))
		direct = false
		r = roleBroadcast
		title = "[" + m.info.NodeID + " → channel]"
	}
	if text == "" {
		return nil
	}

	m.lastErr = ""
	m.entries = append(m.entries, entry{role: r, title: title, content: text})
	m.input.SetValue("")
	m.sent++
	m.waiting = true
	m.followLog = true
	m.refreshViewport(true)
	return tea.Batch(m.spinner.Tick, injectCmd(m.ctx, m.inject, text, direct))
}

func (m *model) addFrame(f link.Frame) {
	m.received++
	m.waiting = false

	e := entry{role: roleReply, title: "[gateway → " + m.info.NodeID + "]", content: f.Text}
	if f.Destination == link.Broadcast {
		e.role = roleChannel
		e.title = fmt.Sprintf("[gateway → channel %d]", f.Channel)
	}
	if f.Total > 1 {
		e.title += fmt.Sprintf(" %d/%d", f.Seq, f.Total)
	}
	m.entries = append(m.entries, e)
	m.refreshViewport(false)
}

func (m *model) addEvent(ev bus.Event) {
	m.lastEvent = describeEvent(ev)
	if ev.NodeID == m.info.NodeID && (ev.Type == bus.EventMessageIgnored || ev.Type == bus.EventDeliveryAbandoned) {
		m.waiting = false
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("📡 " + displayOrNA(m.info.Community) + " operator console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"node:%s · link:%s · assistant:%s · sent:%d · received:%d",
		displayOrNA(m.info.NodeID),
		displayOrNA(m.info.Link),
		displayOrNA(m.info.Assistant),
		m.sent,
		m.received,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · /all <msg> broadcast · PgUp/PgDn scroll · Ctrl+C/Esc quit")
	if m.waiting {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s waiting for the gateway...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("last message was not delivered to the gateway")
	}

	parts := []string{header, meta, line, m.theme.viewport.Width(m.width - 2).Render(m.viewport.View()), status}
	if m.lastEvent != "" {
		parts = append(parts, m.theme.event.Render("event: "+m.lastEvent))
	}
	parts = append(parts,
		m.theme.inputLabel.Render("📟 "+displayOrNA(m.info.NodeID))+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-11)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		title, box := m.styleFor(e.role)
		sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
			title.Render(e.title),
			box.Width(m.viewport.Width).Render(strings.TrimSpace(e.content)),
		))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) styleFor(r role) (lipgloss.Style, lipgloss.Style) {
	switch r {
	case roleSent, roleBroadcast:
		return m.theme.sentTitle, m.theme.sentBox
	case roleReply:
		return m.theme.replyTitle, m.theme.replyBox
	case roleChannel:
		return m.theme.channelTitle, m.theme.channelBox
	default:
		return m.theme.errorTitle, m.theme.errorBox
	}
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("📡 " + displayOrNA(m.info.Community) + " operator console")
	meta := m.theme.headerMeta.Render("keying up")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("─", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ console online"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] opening loopback link",
		"[BOOT] joining primary channel",
		"[BOOT] listening for replies",
	}
}

func waitForFrame(frames <-chan link.Frame) tea.Cmd {
	if frames == nil {
		return nil
	}
	return func() tea.Msg {
		f, ok := <-frames
		return frameMsg{frame: f, ok: ok}
	}
}

func waitForEvent(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		return eventMsg{event: ev, ok: ok}
	}
}

func injectCmd(ctx context.Context, inject InjectFunc, text string, direct bool) tea.Cmd {
	return func() tea.Msg {
		return injectResultMsg{err: inject(ctx, text, direct)}
	}
}

func describeEvent(ev bus.Event) string {
	parts := []string{string(ev.Type)}
	if ev.Link != "" {
		parts = append(parts, ev.Link)
	}
	if ev.NodeID != "" {
		parts = append(parts, ev.NodeID)
	}
	if reason := ev.Payload["reason"]; reason != "" {
		parts = append(parts, reason)
	}
	if ev.Error != "" {
		parts = append(parts, ev.Error)
	}
	return strings.Join(parts, " · ")
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}
	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
