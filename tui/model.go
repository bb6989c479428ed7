// Package tui renders a live conversation in the terminal.
package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/gosuda/coview/presence"
	"github.com/gosuda/coview/protocol"
	"github.com/gosuda/coview/transport"
)

// Conversation is the view state the UI reads and the actions it triggers.
// *conversation.Controller satisfies it.
type Conversation interface {
	ConversationID() string
	Title() string
	Self() int64
	Status() transport.State
	Attempts() int
	Messages() []protocol.Message
	Viewers() []presence.Viewer
	ViewersOf(messageID string) []presence.Viewer
	SendMessage(text string) bool
	ReportScroll(index int, messageID string) bool
	Retry()
}

// Notifier wakes the program when the conversation changes. Notify never
// blocks; bursts collapse into one redraw.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

type changedMsg struct{}

func (n *Notifier) wait() tea.Cmd {
	return func() tea.Msg {
		<-n.ch
		return changedMsg{}
	}
}

const (
	headerHeight = 2
	footerHeight = 4
)

type Model struct {
	conv        Conversation
	notify      *Notifier
	maxAttempts int

	viewport viewport.Model
	input    textinput.Model
	width    int
	ready    bool

	// starts[i] is the first content line of message i.
	starts     []int
	ids        []string
	reportedAt int
	follow     bool
	banner     string
}

// New builds the model. maxAttempts is shown in the offline banner.
func New(conv Conversation, notify *Notifier, maxAttempts int) Model {
	in := textinput.New()
	in.Placeholder = "Write a message"
	in.CharLimit = 4000
	in.Focus()

	return Model{
		conv:        conv,
		notify:      notify,
		maxAttempts: maxAttempts,
		viewport:    viewport.New(80, 20),
		input:       in,
		width:       80,
		reportedAt:  -1,
		follow:      true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.notify.wait())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight-footerHeight, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.ready = true
		m.refresh()

	case changedMsg:
		m.refresh()
		cmds = append(cmds, m.notify.wait())

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+r":
			m.banner = ""
			m.conv.Retry()
			return m, nil
		case "enter":
			m.submit()
			return m, nil
		case "home":
			m.viewport.GotoTop()
			m.follow = false
			m.reportTop()
			return m, nil
		case "end":
			m.viewport.GotoBottom()
			m.follow = true
			m.reportTop()
			return m, nil
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			m.follow = m.viewport.AtBottom()
			m.reportTop()
			return m, cmd
		}

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()
		m.reportTop()
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit sends the composer text. On failure the text stays so the user
// can retry once the connection is back.
func (m *Model) submit() {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return
	}
	if !m.conv.SendMessage(text) {
		m.banner = "not sent: connection is not open (ctrl+r to reconnect)"
		return
	}
	m.banner = ""
	m.input.Reset()
	m.follow = true
}

func (m *Model) refresh() {
	content, starts, ids := m.renderMessages()
	m.starts, m.ids = starts, ids
	m.viewport.SetContent(content)
	if m.follow {
		m.viewport.GotoBottom()
	}
	m.reportTop()
}

// topMessage returns the index of the message at the top of the viewport.
func (m *Model) topMessage() int {
	top := -1
	for i, start := range m.starts {
		if start > m.viewport.YOffset {
			break
		}
		top = i
	}
	return top
}

func (m *Model) reportTop() {
	i := m.topMessage()
	if i < 0 || i == m.reportedAt {
		return
	}
	if m.conv.ReportScroll(i, m.ids[i]) {
		m.reportedAt = i
	}
}
