package smtpx

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mailce/mailce/internal/content"
)

// rfc1123GMT is RFC 1123 with a literal GMT zone, the conventional Date
// header format.
const rfc1123GMT = "Mon, 02 Jan 2006 15:04:05 GMT"

// Envelope is a single-part message about to be sent. Exactly one of
// Text/HTML should be set; the content resolver guarantees that.
type Envelope struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

func FromResolved(from, to string, r content.Resolved) Envelope {
	return Envelope{From: from, To: to, Subject: r.Subject, Text: r.Text, HTML: r.HTML}
}

// Marshal renders the RFC 822 message. The returned bytes are what goes over
// the wire and what gets mirrored into the Sent mailbox.
func (e Envelope) Marshal(host string) []byte {
	return e.marshal(host, time.Now(), newMessageToken())
}

func (e Envelope) marshal(host string, now time.Time, token string) []byte {
	contentType := "text/plain"
	body := e.Text
	if e.HTML != "" {
		contentType = "text/html"
		body = e.HTML
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", e.From)
	fmt.Fprintf(&buf, "To: %s\r\n", e.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", e.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", now.UTC().Format(rfc1123GMT))
	fmt.Fprintf(&buf, "Message-ID: <%d.%s@%s>\r\n", now.UnixMilli(), token, host)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: %s; charset=UTF-8\r\n", contentType)
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func newMessageToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
