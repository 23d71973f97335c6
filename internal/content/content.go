// Package content derives the effective subject and body for one recipient.
// Group level defaults win over the mailing's own content, and a literal
// [NAME] token is replaced with the contact's name everywhere.
package content

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mailce/mailce/internal/dao"
)

// ErrNoContent means neither text nor html remained after resolution. The
// recipient is failed without a send attempt.
var ErrNoContent = errors.New("no email content")

const namePlaceholder = "[NAME]"

// DefaultPingText is used when neither the group nor the mailing carries any
// ping body.
const DefaultPingText = "Hello [NAME],\n\nI wanted to follow up on my previous email. Have you had a chance to review it?\n\nBest regards"

// Resolved is ready-to-send content. At most one of Text/HTML is non-empty;
// when both sources were present the text part has been folded into HTML.
type Resolved struct {
	Subject string
	Text    string
	HTML    string
}

// Resolve applies the group-over-mailing fallback chain to the primary
// mailing content and substitutes the contact name.
func Resolve(group *dao.ContactGroup, mailing dao.Mailing, contact dao.Contact) (Resolved, error) {
	var subject, text, html string

	if group != nil && hasAny(group.DefaultSubject, group.DefaultTextContent, group.DefaultHTMLContent) {
		subject = group.DefaultSubject
		text = group.DefaultTextContent
		html = group.DefaultHTMLContent
	}
	if subject == "" {
		subject = mailing.Subject
	}
	if text == "" {
		text = mailing.TextContent
	}
	if html == "" {
		html = mailing.HTMLContent
	}

	return assemble(subject, text, html, contact.Name)
}

// PingContent is the resolved follow-up configuration for one recipient.
type PingContent struct {
	Subject    string
	Text       string
	HTML       string
	DelayHours int
	DelayDays  int
}

// ResolvePing applies the same fallback chain to the ping specific fields.
// Unlike Resolve, an empty result is not an error here; the pinger falls
// back to DefaultPingText at send time.
func ResolvePing(group *dao.ContactGroup, mailing dao.Mailing) PingContent {
	if group != nil && hasAny(group.PingSubject, group.PingTextContent, group.PingHTMLContent) {
		return PingContent{
			Subject:    group.PingSubject,
			Text:       group.PingTextContent,
			HTML:       group.PingHTMLContent,
			DelayHours: group.PingDelayHours,
			DelayDays:  group.PingDelayDays,
		}
	}
	return PingContent{
		Subject:    mailing.PingSubject,
		Text:       mailing.PingTextContent,
		HTML:       mailing.PingHTMLContent,
		DelayHours: mailing.PingDelayHours,
		DelayDays:  mailing.PingDelayDays,
	}
}

// AssemblePing turns a ping configuration into sendable content for the
// contact, falling back to the built-in follow-up text.
func AssemblePing(p PingContent, contact dao.Contact) (Resolved, error) {
	subject := p.Subject
	if subject == "" {
		subject = "Follow-up"
	}
	text, html := p.Text, p.HTML
	if text == "" && html == "" {
		text = DefaultPingText
	}
	return assemble(subject, text, html, contact.Name)
}

func assemble(subject, text, html, name string) (Resolved, error) {
	if text == "" && html == "" {
		return Resolved{}, ErrNoContent
	}

	subject = ReplaceNamePlaceholder(subject, name)
	text = ReplaceNamePlaceholder(text, name)
	html = ReplaceNamePlaceholder(html, name)

	// With both parts present the message goes out as html only: the plain
	// text is converted and stacked above the html block.
	if text != "" && html != "" {
		return Resolved{
			Subject: subject,
			HTML:    fmt.Sprintf(`<div style="font-family: Arial, sans-serif;">%s</div><br>%s`, textToHTML(text), html),
		}, nil
	}
	return Resolved{Subject: subject, Text: text, HTML: html}, nil
}

// ReplaceNamePlaceholder substitutes every [NAME] token, with the empty
// string when the contact has no name.
func ReplaceNamePlaceholder(s, name string) string {
	return strings.ReplaceAll(s, namePlaceholder, name)
}

func textToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "<br>")
	text = strings.ReplaceAll(text, "\n", "<br>")
	return strings.ReplaceAll(text, "\r", "<br>")
}

func hasAny(fields ...string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return true
		}
	}
	return false
}
