package smtpx

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailce/mailce/internal/content"
)

func TestMarshalTextMessage(t *testing.T) {
	e := Envelope{
		From:    "sender@example.com",
		To:      "rcpt@example.com",
		Subject: "Hello",
		Text:    "plain body",
	}
	now := time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC)
	raw := string(e.marshal("example.com", now, "abc123"))

	want := "From: sender@example.com\r\n" +
		"To: rcpt@example.com\r\n" +
		"Subject: Hello\r\n" +
		"Date: Sat, 09 Mar 2024 12:30:00 GMT\r\n" +
		"Message-ID: <1709987400000.abc123@example.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"Content-Transfer-Encoding: 8bit\r\n" +
		"\r\n" +
		"plain body\r\n"
	assert.Equal(t, want, raw)
}

func TestMarshalHTMLWinsContentType(t *testing.T) {
	e := Envelope{From: "a@b.c", To: "d@e.f", Subject: "S", HTML: "<p>x</p>"}
	raw := string(e.Marshal("b.c"))
	assert.Contains(t, raw, "Content-Type: text/html; charset=UTF-8\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n<p>x</p>\r\n"))
	assert.NotContains(t, raw, "text/plain")
}

func TestFromResolved(t *testing.T) {
	e := FromResolved("a@b.c", "d@e.f", content.Resolved{Subject: "S", HTML: "<p>x</p>"})
	assert.Equal(t, "a@b.c", e.From)
	assert.Equal(t, "d@e.f", e.To)
	assert.Equal(t, "S", e.Subject)
	assert.Equal(t, "<p>x</p>", e.HTML)
}

func TestMessageTokenShape(t *testing.T) {
	tok := newMessageToken()
	require.Len(t, tok, 32)
	assert.NotContains(t, tok, "-")
	assert.NotEqual(t, tok, newMessageToken())
}
