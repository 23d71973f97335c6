// Package queue drives delivery of a mailing: it claims recipients one at a
// time, resolves their content, paces the sends, and records every outcome.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailce/mailce/internal/content"
	"github.com/mailce/mailce/internal/dao"
	"github.com/mailce/mailce/internal/imapx"
	"github.com/mailce/mailce/internal/metrics"
	"github.com/mailce/mailce/internal/smtpx"
	"github.com/mailce/mailce/tools"
)

// ErrAlreadyProcessed marks a recipient that already carries a terminal status.
var ErrAlreadyProcessed = errors.New("recipient already processed")

type Config struct {
	// Pacing window, one uniform random delay per recipient before the send
	// and one between loop iterations.
	PacingMin time.Duration
	PacingMax time.Duration

	// Recipients stuck in 'processing' longer than this are released back
	// to 'pending' before a run starts.
	StaleAfter time.Duration
}

// Mirror copies a sent message into the sender's Sent mailbox.
type Mirror interface {
	ToSent(acct imapx.Account, raw []byte) (string, error)
}

// Tracker is notified of every successful delivery so a follow-up can be
// scheduled.
type Tracker interface {
	Created(d dao.RecipientDetail, group *dao.ContactGroup, sentAt time.Time) error
}

func New(cfg Config, db dao.DAO, sender smtpx.Sender, mirror Mirror, tracker Tracker, lc *tools.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:     cfg,
		db:      db,
		sender:  sender,
		mirror:  mirror,
		tracker: tracker,
		log:     lc.New("queue"),
		ctx:     ctx,
		cancel:  cancel,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	r.sleep = func(ctx context.Context, d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	return r
}

type Runner struct {
	cfg     Config
	db      dao.DAO
	sender  smtpx.Sender
	mirror  Mirror
	tracker Tracker
	log     *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	runs    sync.WaitGroup
	mirrors sync.WaitGroup

	mu  sync.Mutex
	rnd *rand.Rand

	// replaced in tests so runs take no wall time
	sleep func(context.Context, time.Duration)

	ostart sync.Once
	ostop  sync.Once
}

func (r *Runner) Start() error {
	r.ostart.Do(func() {
		r.log.Info("starting delivery queue")
	})
	return nil
}

// Stop cancels running mailings after their current recipient and waits for
// in-flight sent-folder mirrors to drain, within the given context.
func (r *Runner) Stop(ctx context.Context) error {
	var err error
	r.ostop.Do(func() {
		r.log.Info("stopping delivery queue")
		r.cancel()
		done := make(chan struct{})
		go func() {
			r.runs.Wait()
			r.mirrors.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// Kick tries to take ownership of the mailing and, on success, starts its
// delivery run in the background. Reports whether the claim was won and how
// many recipients were pending at that point. Losing the claim is not an
// error; someone else is already on it.
func (r *Runner) Kick(mailingID int64) (bool, int, error) {
	// count before claiming, a failure after the claim would leave the
	// mailing stuck in sending with no run to finish it
	total, err := r.db.CountPendingRecipients(mailingID)
	if err != nil {
		return false, 0, err
	}
	won, err := r.db.TryMarkMailingSending(mailingID)
	if err != nil {
		return false, 0, fmt.Errorf("could not claim mailing %d, %w", mailingID, err)
	}
	if !won {
		return false, 0, nil
	}

	r.runs.Add(1)
	go func() {
		defer r.runs.Done()
		r.run(mailingID)
	}()
	return true, total, nil
}

func (r *Runner) run(mailingID int64) {
	log := r.log.WithField("mailing", mailingID)
	log.Info("delivery run starting")

	if r.cfg.StaleAfter > 0 {
		n, err := r.db.ReleaseStaleProcessing(time.Now().Add(-r.cfg.StaleAfter))
		if err != nil {
			log.WithError(err).Error("stale processing sweep failed")
			return
		}
		if n > 0 {
			log.Infof("released %d stale processing recipients", n)
		}
	}

	for r.ctx.Err() == nil {
		rec, err := r.db.ClaimNextRecipient(mailingID)
		if err != nil {
			log.WithError(err).Error("recipient claim failed, aborting run")
			return
		}
		if rec == nil {
			break
		}

		d, err := r.db.RecipientDetail(rec.ID)
		if err != nil {
			// broken reference, fail the row and move on
			log.WithError(err).Warnf("recipient %d could not be loaded", rec.ID)
			err = r.recordOutcome(rec.MailingID, rec.ID, rec.SenderEmailID, false, err.Error())
			if err != nil {
				log.WithError(err).Error("outcome write failed, aborting run")
				return
			}
			continue
		}

		_, _, err = r.deliver(r.ctx, d)
		if err != nil {
			log.WithError(err).Error("delivery aborted")
			return
		}

		r.sleep(r.ctx, r.pace())
	}

	if r.ctx.Err() != nil {
		log.Info("delivery run interrupted by shutdown")
		return
	}

	status, err := r.db.FinalizeMailing(mailingID)
	if err != nil {
		log.WithError(err).Error("could not finalize mailing")
		return
	}
	if status != "" {
		log.Infof("mailing finished with status %s", status)
	}
}

// ProcessRecipient runs the full pipeline for a single recipient, used by the
// direct per-recipient entry point. Returns whether the send succeeded and,
// when it did not, the recorded reason.
func (r *Runner) ProcessRecipient(ctx context.Context, recipientID int64) (bool, string, error) {
	d, err := r.db.RecipientDetail(recipientID)
	if err != nil {
		return false, "", err
	}
	switch d.Recipient.Status {
	case dao.RecipientSent, dao.RecipientFailed:
		return false, "", fmt.Errorf("%w: recipient %d is %s", ErrAlreadyProcessed, recipientID, d.Recipient.Status)
	}
	return r.deliver(ctx, d)
}

// deliver resolves, paces, sends and records one recipient. A failed send is
// a recorded outcome, not an error; the returned error means the run itself
// must stop (store failure or cancellation).
func (r *Runner) deliver(ctx context.Context, d *dao.RecipientDetail) (bool, string, error) {
	log := r.log.WithField("recipient", d.Recipient.ID)

	group, err := r.db.FirstGroupOf(d.Contact.ID)
	if err != nil {
		return false, "", err
	}

	resolved, err := content.Resolve(group, d.Mailing, d.Contact)
	if errors.Is(err, content.ErrNoContent) {
		log.Warn("no content resolved, failing recipient")
		reason := err.Error()
		return false, reason, r.recordOutcome(d.Mailing.ID, d.Recipient.ID, d.Sender.ID, false, reason)
	}
	if err != nil {
		return false, "", err
	}

	r.sleep(ctx, r.pace())
	if ctx.Err() != nil {
		return false, "", ctx.Err()
	}

	env := smtpx.FromResolved(d.Sender.Email, d.Contact.Email, resolved)
	raw := env.Marshal(domainOf(d.Sender.Email))

	creds := smtpx.Creds{Email: d.Sender.Email, Password: d.Sender.Password}
	sendErr := r.sender.Send(ctx, creds, d.Sender.Email, d.Contact.Email, raw)

	reason := ""
	if sendErr != nil {
		reason = sendErr.Error()
		log.WithError(sendErr).Warn("delivery failed")
	}
	err = r.recordOutcome(d.Mailing.ID, d.Recipient.ID, d.Sender.ID, sendErr == nil, reason)
	if err != nil {
		return false, reason, err
	}
	if sendErr != nil {
		return false, reason, nil
	}

	log.Debug("delivered")
	r.mirrors.Add(1)
	go func() {
		defer r.mirrors.Done()
		acct := imapx.Account{Email: d.Sender.Email, Password: d.Sender.Password}
		_, err := r.mirror.ToSent(acct, raw)
		if err != nil {
			metrics.MirrorFailures.Inc()
			log.WithError(err).Warn("sent folder mirror failed")
		}
	}()

	if r.tracker != nil {
		err = r.tracker.Created(*d, group, time.Now())
		if err != nil {
			log.WithError(err).Warn("could not create follow-up tracking")
		}
	}
	return true, "", nil
}

func (r *Runner) recordOutcome(mailingID, recipientID, senderID int64, success bool, reason string) error {
	status := dao.RecipientFailed
	if success {
		status = dao.RecipientSent
	}
	err := r.db.FinishRecipient(recipientID, status, reason)
	if err != nil {
		return err
	}
	err = r.db.AddMailingOutcome(mailingID, success)
	if err != nil {
		return err
	}
	err = r.db.AddSenderOutcome(senderID, success)
	if err != nil {
		return err
	}
	if success {
		metrics.EmailsSent.Inc()
	} else {
		metrics.EmailsFailed.Inc()
	}
	return nil
}

func (r *Runner) pace() time.Duration {
	min, max := r.cfg.PacingMin, r.cfg.PacingMax
	if max <= min {
		return min
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return min + time.Duration(r.rnd.Int63n(int64(max-min)+1))
}

func domainOf(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 && at < len(email)-1 {
		return email[at+1:]
	}
	return "localhost"
}
