package client

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-moo/proto"
)

// EditTarget is the file currently open in the editor, with the
// content as last pushed or edited. At most one is open at a time.
type EditTarget struct {
	Name    string
	Content string
}

// Session is the reducer state a presentation layer renders: the chat
// history, the open editor, the prompt, and connectivity for gating
// input. Apply is a pure step; outbound effects are returned, not
// performed.
type Session struct {
	Rows        []proto.ChatRow
	Edit        *EditTarget
	Input       string
	LastCommand string
	Connected   bool

	// Logger receives the server's Log side channel and reducer
	// diagnostics; it never feeds back into Rows.
	Logger zerolog.Logger
}

// NewSession returns an empty session logging to the global logger.
func NewSession() Session {
	return Session{Logger: log.Logger}
}

// Intent is a user action fed to the reducer by the presentation.
type Intent interface{ intent() }

// SetInput replaces the uncommitted prompt text.
type SetInput struct{ Text string }

// SubmitCommand sends the current prompt text as a Command and clears
// the prompt.
type SubmitCommand struct{}

// RecallLastCommand restores the last submitted text into the prompt
// without resending anything.
type RecallLastCommand struct{}

// RequestReload asks the server to reload its world code.
type RequestReload struct{}

// SaveEdit saves the open editor with the given in-progress content.
// The editor stays open; closing is a separate intent.
type SaveEdit struct{ Content string }

// CloseEditor discards the open editor. No network effect.
type CloseEditor struct{}

func (SetInput) intent()          {}
func (SubmitCommand) intent()     {}
func (RecallLastCommand) intent() {}
func (RequestReload) intent()     {}
func (SaveEdit) intent()          {}
func (CloseEditor) intent()       {}

// Apply folds one event into the session and returns the outbound
// messages the caller should hand to the channel. Events are channel
// Events, raw inbound messages, or user Intents; anything else leaves
// the session unchanged.
func (s Session) Apply(ev any) (Session, []proto.Outbound) {
	switch e := ev.(type) {
	case Event:
		s.Connected = e.Connected
		if e.Msg != nil {
			return s.applyInbound(e.Msg)
		}
		return s, nil
	case proto.Inbound:
		return s.applyInbound(e)
	case Intent:
		return s.applyIntent(e)
	default:
		s.Logger.Debug().Type("event", ev).Msg("ignoring unknown session event")
		return s, nil
	}
}

func (s Session) applyInbound(m proto.Inbound) (Session, []proto.Outbound) {
	switch m := m.(type) {
	case proto.Tell:
		// Full slice expression so appends never mutate a backing
		// array shared with a previous state value.
		s.Rows = append(s.Rows[:len(s.Rows):len(s.Rows)], proto.SanitizeRow(m.Content))
	case proto.Backlog:
		// Wholesale replacement, not a merge.
		s.Rows = proto.SanitizeHistory(m.History)
	case proto.Log:
		s.serverLog(m)
	case proto.EditFile:
		if s.Edit != nil {
			// The push wins over whatever was open. Surfaced here
			// because any local edits are gone.
			s.Logger.Warn().Str("file", s.Edit.Name).Msg("editor replaced by server push; local edits discarded")
		}
		s.Edit = &EditTarget{Name: m.Name, Content: m.Content}
	}
	return s, nil
}

func (s Session) applyIntent(in Intent) (Session, []proto.Outbound) {
	switch e := in.(type) {
	case SetInput:
		s.Input = e.Text
	case SubmitCommand:
		text := strings.TrimSpace(s.Input)
		if text == "" {
			return s, nil
		}
		s.LastCommand = text
		s.Input = ""
		return s, []proto.Outbound{proto.Command{Text: text}}
	case RecallLastCommand:
		s.Input = s.LastCommand
	case RequestReload:
		return s, []proto.Outbound{proto.ReloadCode{}}
	case SaveEdit:
		if s.Edit == nil {
			// Nothing open, nothing to save.
			return s, nil
		}
		edit := EditTarget{Name: s.Edit.Name, Content: e.Content}
		s.Edit = &edit
		return s, []proto.Outbound{proto.SaveFile{Name: edit.Name, Content: edit.Content}}
	case CloseEditor:
		s.Edit = nil
	}
	return s, nil
}

// serverLog routes a Log message to the diagnostic sink at the level
// the server asked for.
func (s Session) serverLog(m proto.Log) {
	lvl, err := zerolog.ParseLevel(m.Level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	s.Logger.WithLevel(lvl).Str("source", "server").Msg(m.Message)
}
