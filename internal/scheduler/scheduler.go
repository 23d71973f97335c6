// Package scheduler fires pending mailings whose scheduled time has passed.
// Scheduled times are wall clock values interpreted in the timezone stored on
// the mailing, so "09:00 in Europe/Stockholm" means 09:00 there whatever the
// server runs in.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailce/mailce/internal/dao"
	"github.com/mailce/mailce/internal/signals"
	"github.com/mailce/mailce/tools"
)

// Queue starts delivery runs; satisfied by the queue runner.
type Queue interface {
	Kick(mailingID int64) (bool, int, error)
}

type Config struct {
	Tick       time.Duration
	StaleAfter time.Duration
}

func New(cfg Config, db dao.DAO, queue Queue, lc *tools.Logger) *Trigger {
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{
		cfg:    cfg,
		db:     db,
		queue:  queue,
		log:    lc.New("scheduler"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

type Trigger struct {
	cfg   Config
	db    dao.DAO
	queue Queue
	log   *logrus.Logger
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	ostart sync.Once
	ostop  sync.Once
}

func (t *Trigger) Start() error {
	t.ostart.Do(func() {
		t.log.Info("starting mailing scheduler")
		go t.loop()
	})
	return nil
}

func (t *Trigger) Stop(ctx context.Context) error {
	var err error
	t.ostop.Do(func() {
		t.log.Info("stopping mailing scheduler")
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (t *Trigger) loop() {
	defer close(t.done)

	wake, cancelWake := signals.Listen(signals.MailingQueued)
	defer cancelWake()

	ticker := time.NewTicker(t.cfg.Tick)
	defer ticker.Stop()

	for {
		t.pass()
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// pass evaluates every scheduled pending mailing once.
func (t *Trigger) pass() {
	now := t.now()

	if t.cfg.StaleAfter > 0 {
		_, err := t.db.ReleaseStaleProcessing(now.Add(-t.cfg.StaleAfter))
		if err != nil {
			t.log.WithError(err).Error("stale processing sweep failed")
		}
	}

	ms, err := t.db.ScheduledPendingMailings()
	if err != nil {
		t.log.WithError(err).Error("could not list scheduled mailings")
		return
	}

	for _, m := range ms {
		due, err := isDue(m, now)
		if err != nil {
			// unparseable schedule, leave the mailing pending
			t.log.WithError(err).Warnf("mailing %d has a broken schedule", m.ID)
			continue
		}
		if !due {
			continue
		}

		pending, err := t.db.CountPendingRecipients(m.ID)
		if err != nil {
			t.log.WithError(err).Errorf("could not count recipients of mailing %d", m.ID)
			continue
		}
		if pending == 0 {
			// nothing to deliver, close the mailing out directly
			err = t.db.MarkMailingCompleted(m.ID)
			if err != nil {
				t.log.WithError(err).Errorf("could not complete empty mailing %d", m.ID)
			}
			t.log.Infof("mailing %d had no recipients, marked completed", m.ID)
			continue
		}

		started, total, err := t.queue.Kick(m.ID)
		if err != nil {
			t.log.WithError(err).Errorf("could not start mailing %d", m.ID)
			continue
		}
		if started {
			t.log.Infof("mailing %d is due, delivering to %d recipients", m.ID, total)
		}
	}
}

var scheduleLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// isDue parses the mailing's wall clock schedule in its own timezone and
// compares against now.
func isDue(m dao.Mailing, now time.Time) (bool, error) {
	tz := m.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false, err
	}

	var at time.Time
	for _, layout := range scheduleLayouts {
		at, err = time.ParseInLocation(layout, m.ScheduledAt, loc)
		if err == nil {
			return !at.After(now), nil
		}
	}
	return false, err
}
