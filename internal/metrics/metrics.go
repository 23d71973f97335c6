package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EmailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailce_emails_sent_total",
		Help: "Number of campaign emails delivered",
	})
	EmailsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailce_emails_failed_total",
		Help: "Number of campaign emails that failed delivery",
	})
	PingsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailce_pings_sent_total",
		Help: "Number of follow-up emails sent",
	})
	ResponsesFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailce_responses_found_total",
		Help: "Number of recipient replies detected in sender inboxes",
	})
	MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailce_mirror_failures_total",
		Help: "Number of sent-folder mirror attempts that gave up",
	})
)
