package main

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gosuda/portal-moo/proto"
)

func newTestWorld(t *testing.T) (*world, *httptest.Server) {
	t.Helper()
	w := newWorld()
	ts := httptest.NewServer(NewHandler("test-world", w))
	t.Cleanup(func() {
		ts.Close()
		w.closeAll()
	})
	return w, ts
}

func socketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/api/socket"
}

func dialWorld(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(socketURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, m proto.Outbound) {
	t.Helper()
	data, err := proto.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readInbound(t *testing.T, conn *websocket.Conn) proto.Inbound {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := proto.UnmarshalInbound(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

// login performs the handshake and consumes the Backlog snapshot and
// the arrival announcement.
func login(t *testing.T, conn *websocket.Conn, name string) {
	t.Helper()
	sendFrame(t, conn, proto.Login{Username: name})
	if _, ok := readInbound(t, conn).(proto.Backlog); !ok {
		t.Fatal("expected Backlog right after login")
	}
	tell, ok := readInbound(t, conn).(proto.Tell)
	if !ok || !strings.Contains(tell.Content.Text, name) {
		t.Fatalf("expected arrival announcement, got %+v", tell)
	}
}

func TestLoginHandshakePushesBacklogFirst(t *testing.T) {
	w, ts := newTestWorld(t)
	w.bootstrap([]proto.ChatRow{{ID: "1", Text: "old news"}})

	conn := dialWorld(t, ts)
	sendFrame(t, conn, proto.Login{Username: "ford"})

	backlog, ok := readInbound(t, conn).(proto.Backlog)
	if !ok {
		t.Fatal("first push after login must be the Backlog")
	}
	if len(backlog.History) != 1 || backlog.History[0].Text != "old news" {
		t.Fatalf("backlog content: %+v", backlog.History)
	}
}

func TestCommandBeforeLoginIsRefused(t *testing.T) {
	_, ts := newTestWorld(t)
	conn := dialWorld(t, ts)

	sendFrame(t, conn, proto.Command{Text: "look"})
	logMsg, ok := readInbound(t, conn).(proto.Log)
	if !ok || logMsg.Level != "error" {
		t.Fatalf("expected error Log, got %+v", logMsg)
	}

	// The connection must still accept a login afterwards.
	sendFrame(t, conn, proto.Login{Username: "ford"})
	if _, ok := readInbound(t, conn).(proto.Backlog); !ok {
		t.Fatal("login after refusal should still work")
	}
}

func TestSayBroadcastsToEveryone(t *testing.T) {
	_, ts := newTestWorld(t)
	a := dialWorld(t, ts)
	login(t, a, "ford")
	b := dialWorld(t, ts)
	login(t, b, "zaphod")
	// ford also sees zaphod arrive.
	if _, ok := readInbound(t, a).(proto.Tell); !ok {
		t.Fatal("expected arrival tell on first connection")
	}

	sendFrame(t, a, proto.Command{Text: "say hello there"})
	for _, conn := range []*websocket.Conn{a, b} {
		tell, ok := readInbound(t, conn).(proto.Tell)
		if !ok || tell.Content.Text != "ford: hello there" {
			t.Fatalf("broadcast wrong: %+v", tell)
		}
	}
}

func TestLookListsConnectedPlayers(t *testing.T) {
	_, ts := newTestWorld(t)
	conn := dialWorld(t, ts)
	login(t, conn, "ford")

	sendFrame(t, conn, proto.Command{Text: "look"})
	tell, ok := readInbound(t, conn).(proto.Tell)
	if !ok || !tell.Content.IsHTML() {
		t.Fatalf("look should answer with an html row: %+v", tell)
	}
	if !strings.Contains(tell.Content.HTML, "ford") {
		t.Fatalf("roster missing player: %q", tell.Content.HTML)
	}
}

func TestUnknownSlashCommandAnswersWithErrorLog(t *testing.T) {
	_, ts := newTestWorld(t)
	conn := dialWorld(t, ts)
	login(t, conn, "ford")

	sendFrame(t, conn, proto.Command{Text: "/teleport"})
	logMsg, ok := readInbound(t, conn).(proto.Log)
	if !ok || logMsg.Level != "error" {
		t.Fatalf("expected error Log, got %+v", logMsg)
	}
}

func TestSaveThenEditRoundTrip(t *testing.T) {
	_, ts := newTestWorld(t)
	conn := dialWorld(t, ts)
	login(t, conn, "ford")

	sendFrame(t, conn, proto.SaveFile{Name: "main.lua", Content: "x=1"})
	ack, ok := readInbound(t, conn).(proto.Log)
	if !ok || ack.Level != "info" {
		t.Fatalf("expected info ack, got %+v", ack)
	}

	sendFrame(t, conn, proto.Command{Text: "edit main.lua"})
	edit, ok := readInbound(t, conn).(proto.EditFile)
	if !ok {
		t.Fatal("expected EditFile push")
	}
	if edit.Name != "main.lua" || edit.Content != "x=1" {
		t.Fatalf("edit push wrong: %+v", edit)
	}
}

func TestReloadCodeAcks(t *testing.T) {
	_, ts := newTestWorld(t)
	conn := dialWorld(t, ts)
	login(t, conn, "ford")

	sendFrame(t, conn, proto.ReloadCode{})
	ack, ok := readInbound(t, conn).(proto.Log)
	if !ok || ack.Level != "info" {
		t.Fatalf("expected info ack, got %+v", ack)
	}
}

func TestMalformedFrameKeepsConnectionAlive(t *testing.T) {
	_, ts := newTestWorld(t)
	conn := dialWorld(t, ts)
	login(t, conn, "ford")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Nope"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	logMsg, ok := readInbound(t, conn).(proto.Log)
	if !ok || logMsg.Level != "error" {
		t.Fatalf("expected error Log, got %+v", logMsg)
	}

	// Still alive.
	sendFrame(t, conn, proto.Command{Text: "say still here"})
	tell, ok := readInbound(t, conn).(proto.Tell)
	if !ok || tell.Content.Text != "ford: still here" {
		t.Fatalf("connection dead after bad frame: %+v", tell)
	}
}

func TestBacklogTrimsToLimit(t *testing.T) {
	w, _ := newTestWorld(t)
	for i := 0; i < backlogLimit+10; i++ {
		w.broadcast(textRow("line"))
	}
	if got := len(w.backlog()); got != backlogLimit {
		t.Fatalf("backlog length %d, want %d", got, backlogLimit)
	}
}
