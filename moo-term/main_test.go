package main

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/gosuda/portal-moo/client"
	"github.com/gosuda/portal-moo/proto"
)

func testModel(t *testing.T) model {
	t.Helper()
	// Points at nothing; sends buffer inside the channel, which is all
	// these tests need.
	ch := client.Dial("ws://127.0.0.1:1/api/socket", "ford", func(c *client.Config) {
		c.Logger = zerolog.Nop()
		c.MinDelay = time.Hour
	})
	t.Cleanup(func() { _ = ch.Close() })
	m := newModel(ch, zerolog.Nop())
	m2, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return m2.(model)
}

func update(t *testing.T, m model, msg tea.Msg) model {
	t.Helper()
	m2, _ := m.Update(msg)
	return m2.(model)
}

func TestInboundTellShowsUpInHistory(t *testing.T) {
	m := testModel(t)
	m = update(t, m, channelEventMsg{ok: true, ev: client.Event{
		Connected: true,
		Msg:       proto.Tell{Content: proto.ChatRow{ID: "1", Text: "ford: hello"}},
	}})
	if len(m.session.Rows) != 1 {
		t.Fatalf("row not applied: %+v", m.session.Rows)
	}
	if !strings.Contains(m.history.View(), "ford: hello") {
		t.Fatal("history viewport missing the new row")
	}
}

func TestHTMLRowsRenderedAsPlainText(t *testing.T) {
	m := testModel(t)
	m = update(t, m, channelEventMsg{ok: true, ev: client.Event{
		Connected: true,
		Msg:       proto.Tell{Content: proto.ChatRow{ID: "1", HTML: "<b>Here:</b> ford"}},
	}})
	view := m.history.View()
	if strings.Contains(view, "<b>") {
		t.Fatalf("raw markup leaked into terminal view: %q", view)
	}
	if !strings.Contains(view, "Here: ford") {
		t.Fatal("stripped text missing from view")
	}
}

func TestEnterSubmitsPromptThroughReducer(t *testing.T) {
	m := testModel(t)
	m.input.SetValue("say hi")
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.session.LastCommand != "say hi" {
		t.Fatalf("command not recorded: %q", m.session.LastCommand)
	}
	if m.input.Value() != "" {
		t.Fatalf("prompt not cleared: %q", m.input.Value())
	}
}

func TestUpRecallsLastCommand(t *testing.T) {
	m := testModel(t)
	m.input.SetValue("look")
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if m.input.Value() != "look" {
		t.Fatalf("recall failed: %q", m.input.Value())
	}
}

func TestEditFilePushOpensEditor(t *testing.T) {
	m := testModel(t)
	m = update(t, m, channelEventMsg{ok: true, ev: client.Event{
		Connected: true,
		Msg:       proto.EditFile{Name: "main.lua", Content: "x=1"},
	}})
	if m.session.Edit == nil || !m.editing {
		t.Fatal("editor not opened by push")
	}
	if m.editor.Value() != "x=1" {
		t.Fatalf("editor content: %q", m.editor.Value())
	}
}

func TestEscClosesEditor(t *testing.T) {
	m := testModel(t)
	m = update(t, m, channelEventMsg{ok: true, ev: client.Event{
		Connected: true,
		Msg:       proto.EditFile{Name: "main.lua", Content: "x=1"},
	}})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.session.Edit != nil || m.editing {
		t.Fatal("editor still open after esc")
	}
}

func TestConnectivityReflectedInView(t *testing.T) {
	m := testModel(t)
	if !strings.Contains(m.View(), "offline") {
		t.Fatal("expected offline status before connect")
	}
	m = update(t, m, channelEventMsg{ok: true, ev: client.Event{Connected: true}})
	if !strings.Contains(m.View(), "online") {
		t.Fatal("expected online status after connect event")
	}
}
