package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

type DAO interface {
	// Mailing level claim. Returns true when this caller won the transition
	// to 'sending', false when another worker already holds the mailing.
	TryMarkMailingSending(mailingID int64) (bool, error)

	// Recipient level claim, the unit of concurrency control. Returns
	// (nil, nil) when no pending recipients remain for the mailing.
	ClaimNextRecipient(mailingID int64) (*MailingRecipient, error)

	CountPendingRecipients(mailingID int64) (int, error)
	RecipientDetail(recipientID int64) (*RecipientDetail, error)
	FirstGroupOf(contactID int64) (*ContactGroup, error)

	FinishRecipient(recipientID int64, status string, errorMessage string) error
	AddMailingOutcome(mailingID int64, success bool) error
	AddSenderOutcome(senderEmailID int64, success bool) error

	// FinalizeMailing writes the terminal mailing status once no pending
	// recipients remain. Returns the status written, or "" when the mailing
	// still has pending rows or already carries a terminal status.
	FinalizeMailing(mailingID int64) (string, error)

	// ReleaseStaleProcessing sweeps recipients stuck in 'processing' since
	// before the cutoff back to 'pending', so a crashed run can be resumed.
	ReleaseStaleProcessing(olderThan time.Time) (int64, error)

	ScheduledPendingMailings() ([]Mailing, error)
	MarkMailingCompleted(mailingID int64) error

	InsertPingTracking(t PingTracking) error
	AwaitingTrackings() ([]TrackingDetail, error)
	UnresolvedTrackings() ([]TrackingDetail, error)
	MarkPingSent(trackingID int64, subject, text, html string, at time.Time) error
	MarkResponseReceived(trackingID int64, at time.Time, resolve bool) error

	// PingWaitHours returns the global wait window, 0 when unset.
	PingWaitHours() (int, error)
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func (s *sqlite) TryMarkMailingSending(mailingID int64) (bool, error) {
	q := `
		UPDATE mailings
		SET status = ?, updated_at = ?
		WHERE id = ?
		  AND status != ?
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.Exec(q, MailingSending, time.Now().In(time.UTC), mailingID, MailingSending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ClaimNextRecipient selects one pending candidate and then issues a
// conditional update on it. The select may race with other workers;
// correctness rests on the WHERE clause of the update alone. A lost race
// just means picking the next candidate.
func (s *sqlite) ClaimNextRecipient(mailingID int64) (*MailingRecipient, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	for {
		var candidateID int64
		err = db.Get(&candidateID, `
			SELECT id FROM mailing_recipients
			WHERE mailing_id = ? AND status = ?
			ORDER BY id
			LIMIT 1
		`, mailingID, RecipientPending)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("could not select pending candidate, %w", err)
		}

		res, err := db.Exec(`
			UPDATE mailing_recipients
			SET status = ?, processing_started_at = ?
			WHERE id = ? AND status = ?
		`, RecipientProcessing, time.Now().In(time.UTC), candidateID, RecipientPending)
		if err != nil {
			return nil, fmt.Errorf("could not claim recipient %d, %w", candidateID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected != 1 {
			// another worker won this row, try a fresh candidate
			continue
		}

		var rec MailingRecipient
		err = db.Get(&rec, `SELECT * FROM mailing_recipients WHERE id = ?`, candidateID)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	}
}

func (s *sqlite) CountPendingRecipients(mailingID int64) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Get(&n, `
		SELECT count(*) FROM mailing_recipients
		WHERE mailing_id = ? AND status = ?
	`, mailingID, RecipientPending)
	return n, err
}

func (s *sqlite) RecipientDetail(recipientID int64) (*RecipientDetail, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var d RecipientDetail
	err = db.Get(&d.Recipient, `SELECT * FROM mailing_recipients WHERE id = ?`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("recipient %d not found, %w", recipientID, err)
	}
	err = db.Get(&d.Mailing, `SELECT * FROM mailings WHERE id = ?`, d.Recipient.MailingID)
	if err != nil {
		return nil, fmt.Errorf("mailing %d not found, %w", d.Recipient.MailingID, err)
	}
	err = db.Get(&d.Contact, `SELECT * FROM contacts WHERE id = ?`, d.Recipient.ContactID)
	if err != nil {
		return nil, fmt.Errorf("contact %d not found, %w", d.Recipient.ContactID, err)
	}
	err = db.Get(&d.Sender, `SELECT * FROM emails WHERE id = ?`, d.Recipient.SenderEmailID)
	if err != nil {
		return nil, fmt.Errorf("sender email %d not found, %w", d.Recipient.SenderEmailID, err)
	}
	return &d, nil
}

// FirstGroupOf returns the contact's first group membership, or nil when the
// contact belongs to no group.
func (s *sqlite) FirstGroupOf(contactID int64) (*ContactGroup, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var g ContactGroup
	err = db.Get(&g, `
		SELECT g.* FROM contact_groups g
		JOIN contact_group_members m ON m.group_id = g.id
		WHERE m.contact_id = ?
		ORDER BY m.group_id
		LIMIT 1
	`, contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *sqlite) FinishRecipient(recipientID int64, status string, errorMessage string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	var sentAt *time.Time
	if status == RecipientSent {
		now := time.Now().In(time.UTC)
		sentAt = &now
	}
	_, err = db.Exec(`
		UPDATE mailing_recipients
		SET status = ?, sent_at = ?, error_message = ?
		WHERE id = ?
	`, status, sentAt, errorMessage, recipientID)
	return err
}

// AddMailingOutcome bumps the mailing counters with atomic in-place addition,
// so concurrent recipients of the same mailing never lose an increment.
func (s *sqlite) AddMailingOutcome(mailingID int64, success bool) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	col := "failed_count"
	if success {
		col = "success_count"
	}
	q := fmt.Sprintf(`
		UPDATE mailings
		SET sent_count = sent_count + 1, %s = %s + 1, updated_at = ?
		WHERE id = ?
	`, col, col)
	_, err = db.Exec(q, time.Now().In(time.UTC), mailingID)
	return err
}

func (s *sqlite) AddSenderOutcome(senderEmailID int64, success bool) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	col := "failed_count"
	if success {
		col = "success_count"
	}
	q := fmt.Sprintf(`
		UPDATE emails
		SET sent_count = sent_count + 1, %s = %s + 1
		WHERE id = ?
	`, col, col)
	_, err = db.Exec(q, senderEmailID)
	return err
}

func (s *sqlite) FinalizeMailing(mailingID int64) (string, error) {
	pending, err := s.CountPendingRecipients(mailingID)
	if err != nil {
		return "", err
	}
	if pending > 0 {
		return "", nil
	}

	db, err := s.getDB()
	if err != nil {
		return "", err
	}
	var successCount int
	err = db.Get(&successCount, `SELECT success_count FROM mailings WHERE id = ?`, mailingID)
	if err != nil {
		return "", err
	}

	status := MailingFailed
	if successCount > 0 {
		status = MailingCompleted
	}
	res, err := db.Exec(`
		UPDATE mailings
		SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, status, time.Now().In(time.UTC), mailingID, MailingCompleted, MailingFailed)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		// terminal status was already written by someone else
		return "", nil
	}
	return status, nil
}

func (s *sqlite) ReleaseStaleProcessing(olderThan time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(`
		UPDATE mailing_recipients
		SET status = ?, processing_started_at = NULL
		WHERE status = ? AND processing_started_at < ?
	`, RecipientPending, RecipientProcessing, olderThan.In(time.UTC))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlite) ScheduledPendingMailings() ([]Mailing, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ms []Mailing
	err = db.Select(&ms, `
		SELECT * FROM mailings
		WHERE status = ? AND scheduled_at != ''
		ORDER BY id
	`, MailingPending)
	return ms, err
}

func (s *sqlite) MarkMailingCompleted(mailingID int64) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE mailings SET status = ?, updated_at = ? WHERE id = ?
	`, MailingCompleted, time.Now().In(time.UTC), mailingID)
	return err
}

// InsertPingTracking creates the follow-up record for a recipient. The unique
// index on mailing_recipient_id makes the insert a no-op when a row already
// exists, which gives the at-most-once guarantee.
func (s *sqlite) InsertPingTracking(t PingTracking) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExec(`
		INSERT OR IGNORE INTO mailing_ping_tracking (
			mailing_recipient_id, initial_sent_at,
			response_received, response_received_at,
			ping_sent, ping_sent_at,
			ping_subject, ping_text_content, ping_html_content,
			ping_delay_hours, ping_delay_days, ping_scheduled_at,
			status
		) VALUES (
			:mailing_recipient_id, :initial_sent_at,
			:response_received, :response_received_at,
			:ping_sent, :ping_sent_at,
			:ping_subject, :ping_text_content, :ping_html_content,
			:ping_delay_hours, :ping_delay_days, :ping_scheduled_at,
			:status
		)
	`, t)
	return err
}

func (s *sqlite) AwaitingTrackings() ([]TrackingDetail, error) {
	return s.trackingsWhere(`status = ?`, TrackingAwaitingResponse)
}

func (s *sqlite) UnresolvedTrackings() ([]TrackingDetail, error) {
	return s.trackingsWhere(`response_received = 0 AND status IN (?, ?)`,
		TrackingAwaitingResponse, TrackingPingSent)
}

func (s *sqlite) trackingsWhere(where string, args ...interface{}) ([]TrackingDetail, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var rows []PingTracking
	err = db.Select(&rows, `SELECT * FROM mailing_ping_tracking WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}

	var details []TrackingDetail
	for _, t := range rows {
		var rec MailingRecipient
		err = db.Get(&rec, `SELECT * FROM mailing_recipients WHERE id = ?`, t.MailingRecipientID)
		if err != nil {
			return nil, fmt.Errorf("recipient %d of tracking %d not found, %w", t.MailingRecipientID, t.ID, err)
		}
		d := TrackingDetail{Tracking: t}
		err = db.Get(&d.Contact, `SELECT * FROM contacts WHERE id = ?`, rec.ContactID)
		if err != nil {
			return nil, err
		}
		err = db.Get(&d.Sender, `SELECT * FROM emails WHERE id = ?`, rec.SenderEmailID)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}

func (s *sqlite) MarkPingSent(trackingID int64, subject, text, html string, at time.Time) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE mailing_ping_tracking
		SET ping_sent = 1, ping_sent_at = ?,
		    ping_subject = ?, ping_text_content = ?, ping_html_content = ?,
		    status = ?
		WHERE id = ? AND status = ?
	`, at.In(time.UTC), subject, text, html, TrackingPingSent, trackingID, TrackingAwaitingResponse)
	return err
}

// MarkResponseReceived records an observed reply. With resolve the tracking
// moves to its terminal 'response_received' status; without it only the flags
// are written, for replies that arrive after the ping already went out.
func (s *sqlite) MarkResponseReceived(trackingID int64, at time.Time, resolve bool) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if resolve {
		_, err = db.Exec(`
			UPDATE mailing_ping_tracking
			SET response_received = 1, response_received_at = ?, status = ?
			WHERE id = ? AND status = ?
		`, at.In(time.UTC), TrackingResponseReceived, trackingID, TrackingAwaitingResponse)
		return err
	}
	_, err = db.Exec(`
		UPDATE mailing_ping_tracking
		SET response_received = 1, response_received_at = ?
		WHERE id = ?
	`, at.In(time.UTC), trackingID)
	return err
}

func (s *sqlite) PingWaitHours() (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var hours int
	err = db.Get(&hours, `SELECT wait_time_hours FROM ping_settings LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return hours, err
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {
	var err error
	for s.db == nil || s.db.Ping() != nil {
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}
	return s.db, nil
}

func (s *sqlite) ensureSchema() error {
	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS mailings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject      TEXT NOT NULL DEFAULT '',
		text_content TEXT NOT NULL DEFAULT '',
		html_content TEXT NOT NULL DEFAULT '',

		scheduled_at TEXT NOT NULL DEFAULT '',
		timezone     TEXT NOT NULL DEFAULT 'UTC',

		status TEXT NOT NULL DEFAULT 'pending', -- pending, sending, completed, failed
		sent_count    INT NOT NULL DEFAULT 0,
		success_count INT NOT NULL DEFAULT 0,
		failed_count  INT NOT NULL DEFAULT 0,

		ping_subject      TEXT NOT NULL DEFAULT '',
		ping_text_content TEXT NOT NULL DEFAULT '',
		ping_html_content TEXT NOT NULL DEFAULT '',
		ping_delay_hours  INT NOT NULL DEFAULT 0,
		ping_delay_days   INT NOT NULL DEFAULT 0,

		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS mailing_recipients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mailing_id      INTEGER NOT NULL,
		contact_id      INTEGER NOT NULL,
		sender_email_id INTEGER NOT NULL,

		status TEXT NOT NULL DEFAULT 'pending', -- pending, processing, sent, failed
		sent_at DATETIME,
		error_message TEXT NOT NULL DEFAULT '',
		processing_started_at DATETIME,

		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);
	CREATE INDEX IF NOT EXISTS idx_recipients_pending
		ON mailing_recipients(mailing_id) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS emails (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email    TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		sent_count    INT NOT NULL DEFAULT 0,
		success_count INT NOT NULL DEFAULT 0,
		failed_count  INT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL,
		name  TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS contact_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',

		default_subject      TEXT NOT NULL DEFAULT '',
		default_text_content TEXT NOT NULL DEFAULT '',
		default_html_content TEXT NOT NULL DEFAULT '',

		ping_subject      TEXT NOT NULL DEFAULT '',
		ping_text_content TEXT NOT NULL DEFAULT '',
		ping_html_content TEXT NOT NULL DEFAULT '',
		ping_delay_hours  INT NOT NULL DEFAULT 0,
		ping_delay_days   INT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS contact_group_members (
		contact_id INTEGER NOT NULL,
		group_id   INTEGER NOT NULL,
		PRIMARY KEY (contact_id, group_id)
	);

	CREATE TABLE IF NOT EXISTS mailing_ping_tracking (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mailing_recipient_id INTEGER NOT NULL UNIQUE,
		initial_sent_at DATETIME NOT NULL,

		response_received    INT NOT NULL DEFAULT 0,
		response_received_at DATETIME,
		ping_sent    INT NOT NULL DEFAULT 0,
		ping_sent_at DATETIME,

		ping_subject      TEXT NOT NULL DEFAULT '',
		ping_text_content TEXT NOT NULL DEFAULT '',
		ping_html_content TEXT NOT NULL DEFAULT '',
		ping_delay_hours  INT NOT NULL DEFAULT 0,
		ping_delay_days   INT NOT NULL DEFAULT 0,
		ping_scheduled_at DATETIME,

		status TEXT NOT NULL DEFAULT 'awaiting_response' -- awaiting_response, ping_sent, response_received
	);

	CREATE TABLE IF NOT EXISTS ping_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		wait_time_hours INT NOT NULL DEFAULT 10
	);
	`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}
	return nil
}
