package proto

import (
	"strings"
	"testing"
)

func TestSanitizeRowStripsScripts(t *testing.T) {
	row := SanitizeRow(ChatRow{ID: "1", HTML: `<b>hello</b><script>alert(1)</script>`})
	if !strings.Contains(row.HTML, "<b>hello</b>") {
		t.Fatalf("safe formatting removed: %q", row.HTML)
	}
	if strings.Contains(row.HTML, "script") || strings.Contains(row.HTML, "alert") {
		t.Fatalf("script survived sanitization: %q", row.HTML)
	}
}

func TestSanitizeRowLeavesPlainTextAlone(t *testing.T) {
	row := ChatRow{ID: "1", Text: `<script>not markup, just text</script>`}
	if got := SanitizeRow(row); got != row {
		t.Fatalf("plain text row changed: %+v", got)
	}
}

func TestSanitizeRowDropsEventHandlers(t *testing.T) {
	row := SanitizeRow(ChatRow{ID: "1", HTML: `<span onclick="evil()">x</span>`})
	if strings.Contains(row.HTML, "onclick") {
		t.Fatalf("event handler survived: %q", row.HTML)
	}
}

func TestStripTags(t *testing.T) {
	if got := StripTags(ChatRow{HTML: "<b>Here:</b> ford, zaphod"}); got != "Here: ford, zaphod" {
		t.Fatalf("strip tags: %q", got)
	}
	if got := StripTags(ChatRow{Text: "plain"}); got != "plain" {
		t.Fatalf("plain passthrough: %q", got)
	}
}

func TestSanitizeHistoryPreservesOrder(t *testing.T) {
	rows := SanitizeHistory([]ChatRow{
		{ID: "a", Text: "first"},
		{ID: "b", HTML: "<i>second</i>"},
	})
	if len(rows) != 2 || rows[0].ID != "a" || rows[1].ID != "b" {
		t.Fatalf("order not preserved: %+v", rows)
	}
}
