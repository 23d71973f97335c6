package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mailce/mailce/internal/config"
	"github.com/mailce/mailce/internal/dao"
	"github.com/mailce/mailce/internal/imapx"
	"github.com/mailce/mailce/internal/ping"
	"github.com/mailce/mailce/internal/queue"
	"github.com/mailce/mailce/internal/scheduler"
	"github.com/mailce/mailce/internal/smtpx"
	"github.com/mailce/mailce/internal/web"
	"github.com/mailce/mailce/tools"
)

type stoppable interface {
	Stop(ctx context.Context) error
}

func main() {
	app := &cli.App{
		Name:  "mailced",
		Usage: "campaign delivery and follow-up daemon",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the delivery queue, scheduler, follow-up jobs and http api",
				Action: serve,
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		os.Exit(1)
	}
}

func serve(_ *cli.Context) error {
	cfg := config.Get()
	lc := tools.LoggerCloner(tools.NewLogger(cfg.LogLevel))
	log := lc.New("main")

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		log.WithError(err).Fatal("could not open database")
	}

	sender := smtpx.New(smtpx.Config{
		Host:    cfg.SMTPHost,
		Port:    cfg.SMTPPort,
		Secure:  cfg.SMTPSecure,
		Timeout: cfg.OpTimeout,
	}, lc.New("smtp"))

	imapCfg := imapx.Config{
		Host:        cfg.IMAPHost,
		Port:        cfg.IMAPPort,
		Timeout:     cfg.OpTimeout,
		MaxAttempts: cfg.MaxMailboxAttempts,
	}
	mirror := imapx.NewMirror(imapCfg, lc.New("imap-mirror"))
	searcher := imapx.NewChecker(imapCfg, lc.New("imap-search"))

	tracker := ping.NewTracker(db, lc)

	runner := queue.New(queue.Config{
		PacingMin:  cfg.PacingMin,
		PacingMax:  cfg.PacingMax,
		StaleAfter: cfg.StaleProcessingAfter,
	}, db, sender, mirror, tracker, lc)

	trigger := scheduler.New(scheduler.Config{
		Tick:       cfg.SchedulerTick,
		StaleAfter: cfg.StaleProcessingAfter,
	}, db, runner, lc)

	pinger := ping.NewPinger(ping.Config{
		Tick:             cfg.PingTick,
		DefaultWaitHours: cfg.PingWaitHours,
	}, db, sender, mirror, lc)

	responses := ping.NewResponseChecker(cfg.PingTick, db, searcher, lc)

	server := web.New(web.Config{
		Port:         cfg.APIPort,
		AutoTLS:      cfg.APIAutoTLS,
		AutoTLSHost:  cfg.APIAutoTLSHost,
		AutoTLSEmail: cfg.APIAutoTLSEmail,
		ServiceKey:   cfg.ServiceKey,
	}, runner, lc)

	services := map[string]stoppable{
		"queue":     runner,
		"scheduler": trigger,
		"pinger":    pinger,
		"responses": responses,
		"web":       server,
	}

	for _, start := range []func() error{
		runner.Start, trigger.Start, pinger.Start, responses.Start, server.Start,
	} {
		err = start()
		if err != nil {
			log.WithError(err).Fatal("could not start service")
		}
	}
	log.Info("mailced is up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for name, s := range services {
		wg.Add(1)
		go func(name string, s stoppable) {
			defer wg.Done()
			err := s.Stop(ctx)
			if err != nil {
				log.WithError(err).Errorf("%s did not stop cleanly", name)
			}
		}(name, s)
	}
	wg.Wait()
	log.Info("bye")
	return nil
}
