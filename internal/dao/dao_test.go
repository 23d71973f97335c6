package dao

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a file backed db, ":memory:" would give every pooled connection its own
// empty database
func testDAO(t *testing.T) *sqlite {
	t.Helper()
	s := &sqlite{path: filepath.Join(t.TempDir(), "test.sqlite")}
	err := s.ensureSchema()
	require.NoError(t, err)
	return s
}

func seedMailing(t *testing.T, s *sqlite, m Mailing) int64 {
	t.Helper()
	db, err := s.getDB()
	require.NoError(t, err)
	res, err := db.Exec(`
		INSERT INTO mailings (subject, text_content, html_content, scheduled_at, timezone, status,
			ping_subject, ping_text_content, ping_html_content, ping_delay_hours, ping_delay_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Subject, m.TextContent, m.HTMLContent, m.ScheduledAt, nz(m.Timezone, "UTC"), nz(m.Status, MailingPending),
		m.PingSubject, m.PingTextContent, m.PingHTMLContent, m.PingDelayHours, m.PingDelayDays)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func seedSender(t *testing.T, s *sqlite, email string) int64 {
	t.Helper()
	db, err := s.getDB()
	require.NoError(t, err)
	res, err := db.Exec(`INSERT INTO emails (email, password) VALUES (?, ?)`, email, "secret")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func seedContact(t *testing.T, s *sqlite, email, name string) int64 {
	t.Helper()
	db, err := s.getDB()
	require.NoError(t, err)
	res, err := db.Exec(`INSERT INTO contacts (email, name) VALUES (?, ?)`, email, name)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func seedRecipient(t *testing.T, s *sqlite, mailingID, contactID, senderID int64) int64 {
	t.Helper()
	db, err := s.getDB()
	require.NoError(t, err)
	res, err := db.Exec(`
		INSERT INTO mailing_recipients (mailing_id, contact_id, sender_email_id)
		VALUES (?, ?, ?)
	`, mailingID, contactID, senderID)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func nz(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func TestTryMarkMailingSending(t *testing.T) {
	s := testDAO(t)
	id := seedMailing(t, s, Mailing{Subject: "S"})

	won, err := s.TryMarkMailingSending(id)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.TryMarkMailingSending(id)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestClaimNextRecipientInOrder(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")
	c1 := seedContact(t, s, "one@x.y", "One")
	c2 := seedContact(t, s, "two@x.y", "Two")
	r1 := seedRecipient(t, s, mid, c1, sid)
	r2 := seedRecipient(t, s, mid, c2, sid)

	rec, err := s.ClaimNextRecipient(mid)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, r1, rec.ID)
	assert.Equal(t, RecipientProcessing, rec.Status)
	require.NotNil(t, rec.ProcessingStartedAt)

	rec, err = s.ClaimNextRecipient(mid)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, r2, rec.ID)

	rec, err = s.ClaimNextRecipient(mid)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestClaimNextRecipientConcurrentExactlyOnce(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")

	const recipients = 40
	for i := 0; i < recipients; i++ {
		cid := seedContact(t, s, fmt.Sprintf("c%d@x.y", i), "C")
		seedRecipient(t, s, mid, cid, sid)
	}

	// several loops drain the same mailing; the conditional update must hand
	// every recipient to exactly one of them
	var mu sync.Mutex
	claimed := map[int64]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := s.ClaimNextRecipient(mid)
				if !assert.NoError(t, err) {
					return
				}
				if rec == nil {
					return
				}
				mu.Lock()
				claimed[rec.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, recipients)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "recipient %d claimed %d times", id, n)
	}

	n, err := s.CountPendingRecipients(mid)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClaimSkipsNonPending(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")
	cid := seedContact(t, s, "one@x.y", "One")
	rid := seedRecipient(t, s, mid, cid, sid)

	_, err := s.ClaimNextRecipient(mid)
	require.NoError(t, err)

	// already processing, no further pending rows
	rec, err := s.ClaimNextRecipient(mid)
	require.NoError(t, err)
	assert.Nil(t, rec)

	n, err := s.CountPendingRecipients(mid)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_ = rid
}

func TestFinishRecipientSetsSentAt(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")
	cid := seedContact(t, s, "one@x.y", "One")
	rid := seedRecipient(t, s, mid, cid, sid)

	err := s.FinishRecipient(rid, RecipientSent, "")
	require.NoError(t, err)

	d, err := s.RecipientDetail(rid)
	require.NoError(t, err)
	assert.Equal(t, RecipientSent, d.Recipient.Status)
	assert.NotNil(t, d.Recipient.SentAt)

	err = s.FinishRecipient(rid, RecipientFailed, "smtp said no")
	require.NoError(t, err)
	d, err = s.RecipientDetail(rid)
	require.NoError(t, err)
	assert.Equal(t, "smtp said no", d.Recipient.ErrorMessage)
	assert.Nil(t, d.Recipient.SentAt)
}

func TestOutcomeCountersAccumulate(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")

	require.NoError(t, s.AddMailingOutcome(mid, true))
	require.NoError(t, s.AddMailingOutcome(mid, true))
	require.NoError(t, s.AddMailingOutcome(mid, false))
	require.NoError(t, s.AddSenderOutcome(sid, false))

	db, err := s.getDB()
	require.NoError(t, err)
	var m Mailing
	require.NoError(t, db.Get(&m, `SELECT * FROM mailings WHERE id = ?`, mid))
	assert.Equal(t, 3, m.SentCount)
	assert.Equal(t, 2, m.SuccessCount)
	assert.Equal(t, 1, m.FailedCount)

	var se SenderEmail
	require.NoError(t, db.Get(&se, `SELECT * FROM emails WHERE id = ?`, sid))
	assert.Equal(t, 1, se.SentCount)
	assert.Equal(t, 0, se.SuccessCount)
	assert.Equal(t, 1, se.FailedCount)
}

func TestFinalizeMailing(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")
	cid := seedContact(t, s, "one@x.y", "One")
	rid := seedRecipient(t, s, mid, cid, sid)

	// still pending, nothing written
	status, err := s.FinalizeMailing(mid)
	require.NoError(t, err)
	assert.Empty(t, status)

	require.NoError(t, s.FinishRecipient(rid, RecipientSent, ""))
	require.NoError(t, s.AddMailingOutcome(mid, true))

	status, err = s.FinalizeMailing(mid)
	require.NoError(t, err)
	assert.Equal(t, MailingCompleted, status)

	// terminal status sticks
	status, err = s.FinalizeMailing(mid)
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestFinalizeMailingAllFailed(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})

	require.NoError(t, s.AddMailingOutcome(mid, false))
	status, err := s.FinalizeMailing(mid)
	require.NoError(t, err)
	assert.Equal(t, MailingFailed, status)
}

func TestReleaseStaleProcessing(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")
	cid := seedContact(t, s, "one@x.y", "One")
	rid := seedRecipient(t, s, mid, cid, sid)

	_, err := s.ClaimNextRecipient(mid)
	require.NoError(t, err)

	// not stale yet
	n, err := s.ReleaseStaleProcessing(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = s.ReleaseStaleProcessing(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	d, err := s.RecipientDetail(rid)
	require.NoError(t, err)
	assert.Equal(t, RecipientPending, d.Recipient.Status)
	assert.Nil(t, d.Recipient.ProcessingStartedAt)
}

func TestFirstGroupOf(t *testing.T) {
	s := testDAO(t)
	cid := seedContact(t, s, "one@x.y", "One")

	g, err := s.FirstGroupOf(cid)
	require.NoError(t, err)
	assert.Nil(t, g)

	db, err := s.getDB()
	require.NoError(t, err)
	res, err := db.Exec(`INSERT INTO contact_groups (name, default_subject) VALUES ('g', 'Hi')`)
	require.NoError(t, err)
	gid, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO contact_group_members (contact_id, group_id) VALUES (?, ?)`, cid, gid)
	require.NoError(t, err)

	g, err = s.FirstGroupOf(cid)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "Hi", g.DefaultSubject)
}

func TestInsertPingTrackingOncePerRecipient(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")
	cid := seedContact(t, s, "one@x.y", "One")
	rid := seedRecipient(t, s, mid, cid, sid)

	row := PingTracking{
		MailingRecipientID: rid,
		InitialSentAt:      time.Now().UTC(),
		PingSubject:        "first",
		Status:             TrackingAwaitingResponse,
	}
	require.NoError(t, s.InsertPingTracking(row))

	row.PingSubject = "second"
	require.NoError(t, s.InsertPingTracking(row))

	rows, err := s.AwaitingTrackings()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "first", rows[0].Tracking.PingSubject)
}

func TestMarkPingSentSnapshot(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")
	cid := seedContact(t, s, "one@x.y", "One")
	rid := seedRecipient(t, s, mid, cid, sid)

	require.NoError(t, s.InsertPingTracking(PingTracking{
		MailingRecipientID: rid,
		InitialSentAt:      time.Now().UTC(),
		Status:             TrackingAwaitingResponse,
	}))

	rows, err := s.AwaitingTrackings()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	tid := rows[0].Tracking.ID

	at := time.Now().UTC()
	require.NoError(t, s.MarkPingSent(tid, "Follow-up", "text", "", at))

	rows, err = s.AwaitingTrackings()
	require.NoError(t, err)
	assert.Empty(t, rows)

	unresolved, err := s.UnresolvedTrackings()
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	got := unresolved[0].Tracking
	assert.Equal(t, TrackingPingSent, got.Status)
	assert.True(t, got.PingSent)
	assert.Equal(t, "Follow-up", got.PingSubject)
	assert.Equal(t, "text", got.PingTextContent)
	require.NotNil(t, got.PingSentAt)
}

func TestMarkResponseReceived(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")
	cid := seedContact(t, s, "one@x.y", "One")
	rid := seedRecipient(t, s, mid, cid, sid)

	require.NoError(t, s.InsertPingTracking(PingTracking{
		MailingRecipientID: rid,
		InitialSentAt:      time.Now().UTC(),
		Status:             TrackingAwaitingResponse,
	}))
	rows, err := s.UnresolvedTrackings()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	tid := rows[0].Tracking.ID

	require.NoError(t, s.MarkResponseReceived(tid, time.Now(), true))

	rows, err = s.UnresolvedTrackings()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMarkResponseReceivedAfterPingKeepsStatus(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S"})
	sid := seedSender(t, s, "a@b.c")
	cid := seedContact(t, s, "one@x.y", "One")
	rid := seedRecipient(t, s, mid, cid, sid)

	require.NoError(t, s.InsertPingTracking(PingTracking{
		MailingRecipientID: rid,
		InitialSentAt:      time.Now().UTC(),
		Status:             TrackingAwaitingResponse,
	}))
	rows, err := s.UnresolvedTrackings()
	require.NoError(t, err)
	tid := rows[0].Tracking.ID
	require.NoError(t, s.MarkPingSent(tid, "F", "t", "", time.Now()))

	// reply arrives after the follow-up already went out
	require.NoError(t, s.MarkResponseReceived(tid, time.Now(), false))

	db, err := s.getDB()
	require.NoError(t, err)
	var got PingTracking
	require.NoError(t, db.Get(&got, `SELECT * FROM mailing_ping_tracking WHERE id = ?`, tid))
	assert.Equal(t, TrackingPingSent, got.Status)
	assert.True(t, got.ResponseReceived)
	require.NotNil(t, got.ResponseReceivedAt)
}

func TestPingWaitHours(t *testing.T) {
	s := testDAO(t)

	hours, err := s.PingWaitHours()
	require.NoError(t, err)
	assert.Equal(t, 0, hours)

	db, err := s.getDB()
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO ping_settings (id, wait_time_hours) VALUES (1, 24)`)
	require.NoError(t, err)

	hours, err = s.PingWaitHours()
	require.NoError(t, err)
	assert.Equal(t, 24, hours)
}

func TestRecipientDetailJoins(t *testing.T) {
	s := testDAO(t)
	mid := seedMailing(t, s, Mailing{Subject: "S", TextContent: "T"})
	sid := seedSender(t, s, "a@b.c")
	cid := seedContact(t, s, "one@x.y", "One")
	rid := seedRecipient(t, s, mid, cid, sid)

	d, err := s.RecipientDetail(rid)
	require.NoError(t, err)

	if diff := deep.Equal(d.Contact, Contact{ID: cid, Email: "one@x.y", Name: "One"}); diff != nil {
		t.Error(diff)
	}
	assert.Equal(t, "S", d.Mailing.Subject)
	assert.Equal(t, "a@b.c", d.Sender.Email)
	assert.Equal(t, "secret", d.Sender.Password)
	assert.Equal(t, rid, d.Recipient.ID)
}
