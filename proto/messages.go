// Package proto defines the tagged message protocol spoken between a
// moo client session and the world server. Every frame is a single JSON
// object whose top-level "type" field names one of the variants below.
package proto

import (
	"encoding/json"
	"fmt"
)

// Wire discriminants. The sets are closed: a frame carrying any other
// value decodes to an error, never to a message.
const (
	TypeLogin      = "Login"
	TypeCommand    = "Command"
	TypeReloadCode = "ReloadCode"
	TypeSaveFile   = "SaveFile"

	TypeTell     = "Tell"
	TypeBacklog  = "Backlog"
	TypeLog      = "Log"
	TypeEditFile = "EditFile"
)

// ChatRow is a single displayable history entry: either plain text or
// pre-rendered markup. Markup rows must be sanitized before display
// (see SanitizeRow). ID is only a stable list key; uniqueness is the
// server's problem.
type ChatRow struct {
	ID   string `json:"id"`
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

// IsHTML reports whether the row carries markup rather than plain text.
func (r ChatRow) IsHTML() bool { return r.HTML != "" }

// Outbound is implemented by every client-to-server message variant.
type Outbound interface {
	outboundType() string
}

// Login is the mandatory first frame of every connection.
type Login struct {
	Username string `json:"username"`
}

// Command is a line of user input for the world to interpret. Extra
// carries optional structured arguments alongside the text.
type Command struct {
	Text  string         `json:"text"`
	Extra map[string]any `json:"extra,omitempty"`
}

// ReloadCode asks the server to re-read its world code.
type ReloadCode struct{}

// SaveFile stores edited world code under the given name.
type SaveFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (Login) outboundType() string      { return TypeLogin }
func (Command) outboundType() string    { return TypeCommand }
func (ReloadCode) outboundType() string { return TypeReloadCode }
func (SaveFile) outboundType() string   { return TypeSaveFile }

// Inbound is implemented by every server-pushed message variant.
type Inbound interface {
	inboundType() string
}

// Tell appends one row to the chat history.
type Tell struct {
	Content ChatRow `json:"content"`
}

// Backlog replaces the chat history wholesale, most recent last.
type Backlog struct {
	History []ChatRow `json:"history"`
}

// Log is diagnostic output routed to a side channel keyed by level;
// it never appears in the chat history.
type Log struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// EditFile opens a file in the client editor, replacing whatever was
// open before.
type EditFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (Tell) inboundType() string     { return TypeTell }
func (Backlog) inboundType() string  { return TypeBacklog }
func (Log) inboundType() string      { return TypeLog }
func (EditFile) inboundType() string { return TypeEditFile }

// Type-narrowing predicates over decoded inbound messages. An
// unrecognized frame never decodes, so it matches none of these.
func IsTell(m Inbound) bool     { _, ok := m.(Tell); return ok }
func IsBacklog(m Inbound) bool  { _, ok := m.(Backlog); return ok }
func IsLog(m Inbound) bool      { _, ok := m.(Log); return ok }
func IsEditFile(m Inbound) bool { _, ok := m.(EditFile); return ok }

type header struct {
	Type string `json:"type"`
}

// Marshal encodes an outbound message as a single wire frame with its
// discriminant set.
func Marshal(m Outbound) ([]byte, error) {
	switch v := m.(type) {
	case Login:
		return json.Marshal(struct {
			Type string `json:"type"`
			Login
		}{TypeLogin, v})
	case Command:
		return json.Marshal(struct {
			Type string `json:"type"`
			Command
		}{TypeCommand, v})
	case ReloadCode:
		return json.Marshal(header{TypeReloadCode})
	case SaveFile:
		return json.Marshal(struct {
			Type string `json:"type"`
			SaveFile
		}{TypeSaveFile, v})
	default:
		return nil, fmt.Errorf("proto: unknown outbound message %T", m)
	}
}

// MarshalInbound encodes a server-pushed message as a wire frame.
func MarshalInbound(m Inbound) ([]byte, error) {
	switch v := m.(type) {
	case Tell:
		return json.Marshal(struct {
			Type string `json:"type"`
			Tell
		}{TypeTell, v})
	case Backlog:
		return json.Marshal(struct {
			Type string `json:"type"`
			Backlog
		}{TypeBacklog, v})
	case Log:
		return json.Marshal(struct {
			Type string `json:"type"`
			Log
		}{TypeLog, v})
	case EditFile:
		return json.Marshal(struct {
			Type string `json:"type"`
			EditFile
		}{TypeEditFile, v})
	default:
		return nil, fmt.Errorf("proto: unknown inbound message %T", m)
	}
}

// UnmarshalInbound decodes one server-pushed frame. Frames with a
// malformed payload or an unknown discriminant yield an error.
func UnmarshalInbound(data []byte) (Inbound, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("proto: malformed frame: %w", err)
	}
	switch h.Type {
	case TypeTell:
		var m Tell
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s frame: %w", h.Type, err)
		}
		return m, nil
	case TypeBacklog:
		var m Backlog
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s frame: %w", h.Type, err)
		}
		return m, nil
	case TypeLog:
		var m Log
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s frame: %w", h.Type, err)
		}
		return m, nil
	case TypeEditFile:
		var m EditFile
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s frame: %w", h.Type, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("proto: unknown inbound type %q", h.Type)
	}
}

// UnmarshalOutbound decodes one client-sent frame; the server side of
// the same protocol.
func UnmarshalOutbound(data []byte) (Outbound, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("proto: malformed frame: %w", err)
	}
	switch h.Type {
	case TypeLogin:
		var m Login
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s frame: %w", h.Type, err)
		}
		return m, nil
	case TypeCommand:
		var m Command
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s frame: %w", h.Type, err)
		}
		return m, nil
	case TypeReloadCode:
		return ReloadCode{}, nil
	case TypeSaveFile:
		var m SaveFile
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("proto: bad %s frame: %w", h.Type, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("proto: unknown outbound type %q", h.Type)
	}
}
