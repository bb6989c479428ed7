package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/gosuda/coview/presence"
	"github.com/gosuda/coview/protocol"
	"github.com/gosuda/coview/transport"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	selfColor    = lipgloss.Color("#10B981")
	mutedColor   = lipgloss.Color("#9CA3AF")
	warnColor    = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	headerStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(mutedColor)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	ownNameStyle   = lipgloss.NewStyle().Bold(true).Foreground(selfColor)
	otherNameStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)

	bannerStyle = lipgloss.NewStyle().Foreground(errorColor)

	// avatar colors cycle by user id so a viewer keeps one color
	avatarColors = []lipgloss.Color{"#F472B6", "#60A5FA", "#FBBF24", "#34D399", "#A78BFA", "#F87171"}
)

func avatar(v presence.Viewer) string {
	c := avatarColors[int(uint64(v.UserID)%uint64(len(avatarColors)))]
	initial := "?"
	if r := []rune(v.Username); len(r) > 0 {
		initial = strings.ToUpper(string(r[0]))
	}
	return lipgloss.NewStyle().Foreground(c).Render("●" + initial)
}

// renderMessages lays out the history and returns the content with the
// first line of every message and their ids.
func (m Model) renderMessages() (string, []int, []string) {
	msgs := m.conv.Messages()
	self := m.conv.Self()
	width := max(m.width-2, 20)
	body := lipgloss.NewStyle().Width(width)

	var b strings.Builder
	starts := make([]int, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	line := 0
	for _, msg := range msgs {
		starts = append(starts, line)
		ids = append(ids, msg.ID)

		block := renderMessage(msg, self, body, m.conv.ViewersOf(msg.ID))
		b.WriteString(block)
		b.WriteString("\n")
		line += strings.Count(block, "\n") + 1
	}
	return strings.TrimSuffix(b.String(), "\n"), starts, ids
}

func renderMessage(msg protocol.Message, self int64, body lipgloss.Style, viewers []presence.Viewer) string {
	name := msg.DisplayName
	if name == "" {
		name = msg.Username
	}
	nameStyle := otherNameStyle
	if msg.UserID == self && self != 0 {
		nameStyle = ownNameStyle
	}
	head := nameStyle.Render(name) + " " + mutedStyle.Render(msg.Timestamp.Local().Format("15:04"))
	if msg.Role != "" && msg.Role != protocol.RoleUser {
		head += " " + mutedStyle.Render("["+string(msg.Role)+"]")
	}
	if msg.ParentID != "" {
		head += " " + mutedStyle.Render("↳ reply")
	}

	var avatars []string
	for _, v := range viewers {
		if v.UserID == self {
			continue
		}
		avatars = append(avatars, avatar(v))
	}
	if len(avatars) > 0 {
		head += "  " + strings.Join(avatars, " ")
	}
	return head + "\n" + body.Render(msg.Content)
}

func statusLine(s transport.State, attempts, maxAttempts int) string {
	switch s {
	case transport.StateConnected:
		return lipgloss.NewStyle().Foreground(selfColor).Render("● connected")
	case transport.StateConnecting:
		return lipgloss.NewStyle().Foreground(warnColor).Render("◌ connecting…")
	case transport.StateError:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✕ connection error")
	default:
		text := "○ offline"
		if maxAttempts > 0 && attempts > 0 {
			text += fmt.Sprintf(" · retry %d/%d", attempts, maxAttempts)
		}
		return mutedStyle.Render(text + " · ctrl+r to reconnect")
	}
}

func (m Model) header() string {
	title := m.conv.Title()
	if title == "" {
		title = m.conv.ConversationID()
	}
	viewers := m.conv.Viewers()
	right := mutedStyle.Render(fmt.Sprintf("%d viewing", len(viewers)))
	gap := max(m.width-lipgloss.Width(title)-lipgloss.Width(right)-1, 1)
	return headerStyle.Width(max(m.width, 1)).Render(titleStyle.Render(title) + strings.Repeat(" ", gap) + right)
}

func (m Model) View() string {
	if !m.ready {
		return "loading…"
	}
	footer := statusLine(m.conv.Status(), m.conv.Attempts(), m.maxAttempts)
	if m.banner != "" {
		footer += "  " + bannerStyle.Render(m.banner)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		m.viewport.View(),
		footer,
		m.input.View(),
	)
}
