// Package ping implements the follow-up pipeline: a tracking row is created
// for every delivered recipient, a follow-up goes out once the wait window
// passes without a reply, and replies observed in the sender's inbox resolve
// the tracking.
package ping

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailce/mailce/internal/content"
	"github.com/mailce/mailce/internal/dao"
	"github.com/mailce/mailce/internal/imapx"
	"github.com/mailce/mailce/internal/metrics"
	"github.com/mailce/mailce/internal/signals"
	"github.com/mailce/mailce/internal/smtpx"
	"github.com/mailce/mailce/tools"
)

// Mirror copies a sent follow-up into the sender's Sent mailbox.
type Mirror interface {
	ToSent(acct imapx.Account, raw []byte) (string, error)
}

// ReplySearcher looks for replies in the sender's inbox.
type ReplySearcher interface {
	HasReplySince(acct imapx.Account, fromAddr string, since time.Time) (bool, error)
}

func NewTracker(db dao.DAO, lc *tools.Logger) *Tracker {
	return &Tracker{db: db, log: lc.New("ping-tracker")}
}

// Tracker records delivered recipients for follow-up.
type Tracker struct {
	db  dao.DAO
	log *logrus.Logger
}

// Created snapshots the recipient's follow-up configuration and inserts the
// tracking row. The insert is a no-op when the recipient is already tracked.
func (tr *Tracker) Created(d dao.RecipientDetail, group *dao.ContactGroup, sentAt time.Time) error {
	pc := content.ResolvePing(group, d.Mailing)

	var scheduledAt *time.Time
	if pc.DelayHours > 0 || pc.DelayDays > 0 {
		at := sentAt.Add(time.Duration(pc.DelayHours)*time.Hour +
			time.Duration(pc.DelayDays)*24*time.Hour).In(time.UTC)
		scheduledAt = &at
	}

	err := tr.db.InsertPingTracking(dao.PingTracking{
		MailingRecipientID: d.Recipient.ID,
		InitialSentAt:      sentAt.In(time.UTC),
		PingSubject:        pc.Subject,
		PingTextContent:    pc.Text,
		PingHTMLContent:    pc.HTML,
		PingDelayHours:     pc.DelayHours,
		PingDelayDays:      pc.DelayDays,
		PingScheduledAt:    scheduledAt,
		Status:             dao.TrackingAwaitingResponse,
	})
	if err != nil {
		return err
	}
	tr.log.Debugf("tracking follow-up for recipient %d", d.Recipient.ID)
	signals.Broadcast(signals.TrackingCreated)
	return nil
}

type Config struct {
	Tick time.Duration
	// DefaultWaitHours applies when the settings table carries no window.
	DefaultWaitHours int
}

func NewPinger(cfg Config, db dao.DAO, sender smtpx.Sender, mirror Mirror, lc *tools.Logger) *Pinger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pinger{
		cfg:    cfg,
		db:     db,
		sender: sender,
		mirror: mirror,
		log:    lc.New("pinger"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Pinger periodically sends the due follow-ups.
type Pinger struct {
	cfg    Config
	db     dao.DAO
	sender smtpx.Sender
	mirror Mirror
	log    *logrus.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ostart sync.Once
	ostop  sync.Once
}

func (p *Pinger) Start() error {
	p.ostart.Do(func() {
		p.log.Info("starting follow-up sender")
		go p.loop()
	})
	return nil
}

func (p *Pinger) Stop(ctx context.Context) error {
	var err error
	p.ostop.Do(func() {
		p.log.Info("stopping follow-up sender")
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (p *Pinger) loop() {
	defer close(p.done)

	wake, cancelWake := signals.Listen(signals.TrackingCreated)
	defer cancelWake()

	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	for {
		p.pass()
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (p *Pinger) pass() {
	rows, err := p.db.AwaitingTrackings()
	if err != nil {
		p.log.WithError(err).Error("could not list awaiting trackings")
		return
	}
	if len(rows) == 0 {
		return
	}

	waitHours, err := p.db.PingWaitHours()
	if err != nil {
		p.log.WithError(err).Error("could not read wait window")
		return
	}
	if waitHours == 0 {
		waitHours = p.cfg.DefaultWaitHours
	}

	now := p.now()
	for _, d := range rows {
		if !due(d.Tracking, waitHours, now) {
			continue
		}
		p.send(d, now)
		if p.ctx.Err() != nil {
			return
		}
	}
}

// due applies the per-tracking schedule when one was set, the global wait
// window otherwise.
func due(t dao.PingTracking, waitHours int, now time.Time) bool {
	if t.PingScheduledAt != nil {
		return !t.PingScheduledAt.After(now)
	}
	deadline := t.InitialSentAt.Add(time.Duration(waitHours) * time.Hour)
	return !deadline.After(now)
}

func (p *Pinger) send(d dao.TrackingDetail, now time.Time) {
	log := p.log.WithField("tracking", d.Tracking.ID)

	resolved, err := content.AssemblePing(content.PingContent{
		Subject: d.Tracking.PingSubject,
		Text:    d.Tracking.PingTextContent,
		HTML:    d.Tracking.PingHTMLContent,
	}, d.Contact)
	if err != nil {
		log.WithError(err).Error("could not assemble follow-up")
		return
	}

	env := smtpx.FromResolved(d.Sender.Email, d.Contact.Email, resolved)
	raw := env.Marshal(domainOf(d.Sender.Email))

	creds := smtpx.Creds{Email: d.Sender.Email, Password: d.Sender.Password}
	err = p.sender.Send(p.ctx, creds, d.Sender.Email, d.Contact.Email, raw)
	if err != nil {
		// left awaiting, the next pass retries
		log.WithError(err).Warn("follow-up delivery failed")
		return
	}
	metrics.PingsSent.Inc()

	acct := imapx.Account{Email: d.Sender.Email, Password: d.Sender.Password}
	_, err = p.mirror.ToSent(acct, raw)
	if err != nil {
		metrics.MirrorFailures.Inc()
		log.WithError(err).Warn("sent folder mirror failed")
	}

	err = p.db.MarkPingSent(d.Tracking.ID, resolved.Subject, resolved.Text, resolved.HTML, now)
	if err != nil {
		log.WithError(err).Error("could not record sent follow-up")
		return
	}
	log.Info("follow-up sent")
}

func NewResponseChecker(tick time.Duration, db dao.DAO, searcher ReplySearcher, lc *tools.Logger) *ResponseChecker {
	ctx, cancel := context.WithCancel(context.Background())
	return &ResponseChecker{
		tick:     tick,
		db:       db,
		searcher: searcher,
		log:      lc.New("response-checker"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ResponseChecker resolves trackings whose contact has replied.
type ResponseChecker struct {
	tick     time.Duration
	db       dao.DAO
	searcher ReplySearcher
	log      *logrus.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ostart sync.Once
	ostop  sync.Once
}

func (c *ResponseChecker) Start() error {
	c.ostart.Do(func() {
		c.log.Info("starting response checker")
		go c.loop()
	})
	return nil
}

func (c *ResponseChecker) Stop(ctx context.Context) error {
	var err error
	c.ostop.Do(func() {
		c.log.Info("stopping response checker")
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (c *ResponseChecker) loop() {
	defer close(c.done)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		c.pass()
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *ResponseChecker) pass() {
	rows, err := c.db.UnresolvedTrackings()
	if err != nil {
		c.log.WithError(err).Error("could not list unresolved trackings")
		return
	}

	for _, d := range rows {
		if c.ctx.Err() != nil {
			return
		}
		log := c.log.WithField("tracking", d.Tracking.ID)

		acct := imapx.Account{Email: d.Sender.Email, Password: d.Sender.Password}
		has, err := c.searcher.HasReplySince(acct, d.Contact.Email, d.Tracking.InitialSentAt)
		if err != nil {
			log.WithError(err).Warn("inbox search failed")
			continue
		}
		if !has {
			continue
		}

		// a reply after the follow-up went out is recorded but the status
		// stays ping_sent
		resolve := d.Tracking.Status == dao.TrackingAwaitingResponse
		err = c.db.MarkResponseReceived(d.Tracking.ID, c.now(), resolve)
		if err != nil {
			log.WithError(err).Error("could not record response")
			continue
		}
		metrics.ResponsesFound.Inc()
		log.Infof("response from %s recorded", d.Contact.Email)
	}
}

func domainOf(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 && at < len(email)-1 {
		return email[at+1:]
	}
	return "localhost"
}
