package dao

import "time"

const (
	MailingPending   = "pending"
	MailingSending   = "sending"
	MailingCompleted = "completed"
	MailingFailed    = "failed"
)

const (
	RecipientPending    = "pending"
	RecipientProcessing = "processing"
	RecipientSent       = "sent"
	RecipientFailed     = "failed"
)

const (
	TrackingAwaitingResponse = "awaiting_response"
	TrackingPingSent         = "ping_sent"
	TrackingResponseReceived = "response_received"
)

type Mailing struct {
	ID          int64  `db:"id"`
	Subject     string `db:"subject"`
	TextContent string `db:"text_content"`
	HTMLContent string `db:"html_content"`

	// ScheduledAt holds the wall clock time the mailing should go out,
	// interpreted in Timezone. Empty means send on demand only.
	ScheduledAt string `db:"scheduled_at"`
	Timezone    string `db:"timezone"`

	Status       string `db:"status"`
	SentCount    int    `db:"sent_count"`
	SuccessCount int    `db:"success_count"`
	FailedCount  int    `db:"failed_count"`

	PingSubject     string `db:"ping_subject"`
	PingTextContent string `db:"ping_text_content"`
	PingHTMLContent string `db:"ping_html_content"`
	PingDelayHours  int    `db:"ping_delay_hours"`
	PingDelayDays   int    `db:"ping_delay_days"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type MailingRecipient struct {
	ID            int64 `db:"id"`
	MailingID     int64 `db:"mailing_id"`
	ContactID     int64 `db:"contact_id"`
	SenderEmailID int64 `db:"sender_email_id"`

	Status              string     `db:"status"`
	SentAt              *time.Time `db:"sent_at"`
	ErrorMessage        string     `db:"error_message"`
	ProcessingStartedAt *time.Time `db:"processing_started_at"`

	CreatedAt time.Time `db:"created_at"`
}

// SenderEmail is a sending account, credentials included.
type SenderEmail struct {
	ID           int64  `db:"id"`
	Email        string `db:"email"`
	Password     string `db:"password"`
	SentCount    int    `db:"sent_count"`
	SuccessCount int    `db:"success_count"`
	FailedCount  int    `db:"failed_count"`
}

type Contact struct {
	ID    int64  `db:"id"`
	Email string `db:"email"`
	Name  string `db:"name"`
}

type ContactGroup struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`

	DefaultSubject     string `db:"default_subject"`
	DefaultTextContent string `db:"default_text_content"`
	DefaultHTMLContent string `db:"default_html_content"`

	PingSubject     string `db:"ping_subject"`
	PingTextContent string `db:"ping_text_content"`
	PingHTMLContent string `db:"ping_html_content"`
	PingDelayHours  int    `db:"ping_delay_hours"`
	PingDelayDays   int    `db:"ping_delay_days"`
}

type PingTracking struct {
	ID                 int64      `db:"id"`
	MailingRecipientID int64      `db:"mailing_recipient_id"`
	InitialSentAt      time.Time  `db:"initial_sent_at"`
	ResponseReceived   bool       `db:"response_received"`
	ResponseReceivedAt *time.Time `db:"response_received_at"`
	PingSent           bool       `db:"ping_sent"`
	PingSentAt         *time.Time `db:"ping_sent_at"`

	PingSubject     string `db:"ping_subject"`
	PingTextContent string `db:"ping_text_content"`
	PingHTMLContent string `db:"ping_html_content"`
	PingDelayHours  int    `db:"ping_delay_hours"`
	PingDelayDays   int    `db:"ping_delay_days"`

	PingScheduledAt *time.Time `db:"ping_scheduled_at"`
	Status          string     `db:"status"`
}

// RecipientDetail is a recipient joined with everything a send needs.
type RecipientDetail struct {
	Recipient MailingRecipient
	Mailing   Mailing
	Contact   Contact
	Sender    SenderEmail
}

// TrackingDetail is a ping tracking row joined with its recipient context.
type TrackingDetail struct {
	Tracking PingTracking
	Contact  Contact
	Sender   SenderEmail
}
