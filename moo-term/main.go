// moo-term is a terminal client for the portal-moo world server. It
// renders the session state maintained by the client package and
// forwards keystrokes as intents.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gosuda/portal-moo/client"
	"github.com/gosuda/portal-moo/proto"
)

var rootCmd = &cobra.Command{
	Use:   "moo-term",
	Short: "Terminal client for a portal-moo world",
	RunE:  runTerm,
}

var (
	flagURL     string
	flagUser    string
	flagLogFile string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagURL, "url", "ws://127.0.0.1:8080/api/socket", "world server websocket URL")
	flags.StringVar(&flagUser, "user", os.Getenv("MOO_USER"), "username sent in the login handshake")
	flags.StringVar(&flagLogFile, "log-file", "", "optional file for diagnostic logs (the TUI owns the terminal)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTerm(cmd *cobra.Command, args []string) error {
	user := strings.TrimSpace(flagUser)
	if user == "" {
		user = "guest"
	}
	logger := zerolog.Nop()
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger = zerolog.New(f).With().Timestamp().Logger()
	}

	ch := client.Dial(flagURL, user, func(c *client.Config) {
		c.Logger = logger
	})
	defer ch.Close()

	p := tea.NewProgram(newModel(ch, logger), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run terminal: %w", err)
	}
	return nil
}

var (
	statusOnline  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusOffline = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	titleStyle    = lipgloss.NewStyle().Bold(true)
	editorStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// channelEventMsg wraps one channel event for the tea loop; ok is
// false when the channel has shut down.
type channelEventMsg struct {
	ev client.Event
	ok bool
}

func waitEvent(events <-chan client.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		return channelEventMsg{ev: ev, ok: ok}
	}
}

type model struct {
	channel *client.Channel
	session client.Session

	history viewport.Model
	input   textinput.Model
	editor  textarea.Model

	editing bool
	width   int
	height  int
	ready   bool
}

func newModel(ch *client.Channel, logger zerolog.Logger) model {
	input := textinput.New()
	input.Placeholder = "say something, or: look / edit <file>"
	input.Prompt = "> "
	input.Focus()

	editor := textarea.New()
	editor.ShowLineNumbers = true

	session := client.NewSession()
	session.Logger = logger

	return model{
		channel: ch,
		session: session,
		history: viewport.New(0, 0),
		input:   input,
		editor:  editor,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitEvent(m.channel.Events()))
}

// apply folds an event through the session reducer and hands any
// resulting outbound messages to the channel.
func (m *model) apply(ev any) {
	next, outs := m.session.Apply(ev)
	prevEdit := m.session.Edit
	m.session = next
	for _, out := range outs {
		m.channel.Send(out)
	}
	if m.session.Edit != prevEdit {
		m.syncEditor()
	}
	m.refreshHistory()
}

// syncEditor mirrors the session's open edit target into the textarea.
func (m *model) syncEditor() {
	if m.session.Edit == nil {
		m.editing = false
		m.editor.Blur()
		m.input.Focus()
		return
	}
	m.editor.SetValue(m.session.Edit.Content)
	m.editing = true
	m.input.Blur()
	m.editor.Focus()
}

func (m *model) refreshHistory() {
	lines := make([]string, len(m.session.Rows))
	for i, row := range m.session.Rows {
		lines[i] = proto.StripTags(row)
	}
	m.history.SetContent(strings.Join(lines, "\n"))
	m.history.GotoBottom()
}

func (m *model) resize(w, h int) {
	m.width, m.height = w, h
	m.ready = true
	editorLines := 0
	if m.session.Edit != nil {
		editorLines = 12
	}
	// Header, prompt, help line.
	m.history.Width = w
	m.history.Height = maxInt(3, h-3-editorLines)
	m.input.Width = w - 4
	m.editor.SetWidth(w - 4)
	m.editor.SetHeight(10)
	m.refreshHistory()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case channelEventMsg:
		if !msg.ok {
			return m, tea.Quit
		}
		hadEditor := m.session.Edit != nil
		m.apply(msg.ev)
		if (m.session.Edit != nil) != hadEditor {
			m.resize(m.width, m.height)
		}
		return m, waitEvent(m.channel.Events())

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "ctrl+r":
			m.apply(client.RequestReload{})
			return m, nil
		case "ctrl+s":
			if m.session.Edit != nil {
				m.apply(client.SaveEdit{Content: m.editor.Value()})
			}
			return m, nil
		case "esc":
			if m.session.Edit != nil {
				m.apply(client.CloseEditor{})
				m.resize(m.width, m.height)
			}
			return m, nil
		case "tab":
			if m.session.Edit != nil {
				m.editing = !m.editing
				if m.editing {
					m.input.Blur()
					m.editor.Focus()
				} else {
					m.editor.Blur()
					m.input.Focus()
				}
			}
			return m, nil
		case "up":
			if !m.editing && m.input.Value() == "" {
				m.apply(client.RecallLastCommand{})
				m.input.SetValue(m.session.Input)
				m.input.CursorEnd()
				return m, nil
			}
		case "enter":
			if !m.editing {
				m.apply(client.SetInput{Text: m.input.Value()})
				m.apply(client.SubmitCommand{})
				m.input.SetValue(m.session.Input)
				return m, nil
			}
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	if m.editing {
		m.editor, cmd = m.editor.Update(msg)
	} else {
		m.input, cmd = m.input.Update(msg)
	}
	cmds = append(cmds, cmd)
	m.history, cmd = m.history.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return "connecting..."
	}
	status := statusOffline.Render("offline")
	if m.session.Connected {
		status = statusOnline.Render("online")
	}
	header := titleStyle.Render("portal-moo") + "  " + status
	var b strings.Builder
	b.WriteString(header + "\n")
	b.WriteString(m.history.View() + "\n")
	if m.session.Edit != nil {
		label := titleStyle.Render(m.session.Edit.Name)
		b.WriteString(editorStyle.Render(label+"\n"+m.editor.View()) + "\n")
	}
	b.WriteString(m.input.View() + "\n")
	b.WriteString(helpStyle.Render("enter send · up recall · ctrl+r reload code · ctrl+s save · esc close editor · ctrl+c quit"))
	return b.String()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
