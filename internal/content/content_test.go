package content

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailce/mailce/internal/dao"
)

func TestResolveMailingOnly(t *testing.T) {
	r, err := Resolve(nil, dao.Mailing{
		Subject:     "Hi [NAME]",
		TextContent: "Hello [NAME], welcome",
	}, dao.Contact{Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", r.Subject)
	assert.Equal(t, "Hello Ada, welcome", r.Text)
	assert.Empty(t, r.HTML)
}

func TestResolveGroupWinsWhenAnyFieldSet(t *testing.T) {
	group := &dao.ContactGroup{DefaultSubject: "Group subject"}
	r, err := Resolve(group, dao.Mailing{
		Subject:     "Mailing subject",
		TextContent: "Mailing text",
	}, dao.Contact{})
	require.NoError(t, err)
	assert.Equal(t, "Group subject", r.Subject)
	// group level content is active, but its empty body is filled from
	// the mailing
	assert.Equal(t, "Mailing text", r.Text)
}

func TestResolveGroupBodyOverridesMailing(t *testing.T) {
	group := &dao.ContactGroup{
		DefaultSubject:     "Group subject",
		DefaultTextContent: "Group text",
	}
	r, err := Resolve(group, dao.Mailing{
		Subject:     "Mailing subject",
		TextContent: "Mailing text",
	}, dao.Contact{})
	require.NoError(t, err)
	assert.Equal(t, "Group subject", r.Subject)
	assert.Equal(t, "Group text", r.Text)
}

func TestResolveBlankGroupFallsThrough(t *testing.T) {
	group := &dao.ContactGroup{DefaultSubject: "   "}
	r, err := Resolve(group, dao.Mailing{Subject: "S", TextContent: "T"}, dao.Contact{})
	require.NoError(t, err)
	assert.Equal(t, "S", r.Subject)
	assert.Equal(t, "T", r.Text)
}

func TestResolveNoContent(t *testing.T) {
	_, err := Resolve(nil, dao.Mailing{Subject: "only a subject"}, dao.Contact{})
	assert.True(t, errors.Is(err, ErrNoContent))
}

func TestResolveCombinesTextAndHTML(t *testing.T) {
	r, err := Resolve(nil, dao.Mailing{
		Subject:     "S",
		TextContent: "line one\nline two",
		HTMLContent: "<p>body</p>",
	}, dao.Contact{})
	require.NoError(t, err)
	assert.Empty(t, r.Text)
	assert.Equal(t,
		`<div style="font-family: Arial, sans-serif;">line one<br>line two</div><br><p>body</p>`,
		r.HTML)
}

func TestReplaceNamePlaceholder(t *testing.T) {
	assert.Equal(t, "Hi Ada, Ada!", ReplaceNamePlaceholder("Hi [NAME], [NAME]!", "Ada"))
	assert.Equal(t, "Hi !", ReplaceNamePlaceholder("Hi [NAME]!", ""))
}

func TestResolvePingGroupWins(t *testing.T) {
	group := &dao.ContactGroup{PingSubject: "Group ping", PingDelayHours: 3}
	p := ResolvePing(group, dao.Mailing{PingSubject: "Mailing ping", PingDelayDays: 2})
	assert.Equal(t, "Group ping", p.Subject)
	assert.Equal(t, 3, p.DelayHours)
	assert.Equal(t, 0, p.DelayDays)
}

func TestResolvePingFallsBackToMailing(t *testing.T) {
	p := ResolvePing(&dao.ContactGroup{}, dao.Mailing{PingSubject: "Mailing ping", PingDelayHours: 5})
	assert.Equal(t, "Mailing ping", p.Subject)
	assert.Equal(t, 5, p.DelayHours)
}

func TestAssemblePingDefaults(t *testing.T) {
	r, err := AssemblePing(PingContent{}, dao.Contact{Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Follow-up", r.Subject)
	assert.Contains(t, r.Text, "Hello Ada,")
	assert.Contains(t, r.Text, "follow up on my previous email")
}

func TestAssemblePingUsesConfiguredContent(t *testing.T) {
	r, err := AssemblePing(PingContent{Subject: "Ping [NAME]", HTML: "<p>hi [NAME]</p>"}, dao.Contact{Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "Ping Ada", r.Subject)
	assert.Equal(t, "<p>hi Ada</p>", r.HTML)
	assert.Empty(t, r.Text)
}
