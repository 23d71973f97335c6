package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	LogLevel string `env:"MAILCE_LOG_LEVEL" envDefault:"info"`

	DbURI string `env:"MAILCE_DB_URI" envDefault:"./mailce.sqlite"`

	APIPort         int    `env:"MAILCE_API_PORT" envDefault:"8080"`
	APIAutoTLS      bool   `env:"MAILCE_API_AUTO_TLS" envDefault:"false"` // fetch a certificate for APIAutoTLSHost through autocert
	APIAutoTLSHost  string `env:"MAILCE_API_AUTO_TLS_HOST"`
	APIAutoTLSEmail string `env:"MAILCE_API_AUTO_TLS_EMAIL"` // account email for Let's Encrypt

	// ServiceKey gates POST /send-email, the internal per-recipient entry point.
	ServiceKey string `env:"MAILCE_SERVICE_KEY"`

	SMTPHost   string `env:"MAILCE_SMTP_HOST" envDefault:"smtp.hostinger.com"`
	SMTPPort   int    `env:"MAILCE_SMTP_PORT" envDefault:"465"`
	SMTPSecure bool   `env:"MAILCE_SMTP_SECURE" envDefault:"true"` // implicit TLS; false means plain dial + STARTTLS

	IMAPHost string `env:"MAILCE_IMAP_HOST" envDefault:"imap.hostinger.com"`
	IMAPPort int    `env:"MAILCE_IMAP_PORT" envDefault:"993"`

	OpTimeout          time.Duration `env:"MAILCE_OP_TIMEOUT" envDefault:"30s"` // per network operation, smtp and imap alike
	MaxMailboxAttempts int           `env:"MAILCE_MAX_MAILBOX_ATTEMPTS" envDefault:"6"`

	// Anti-spam pacing window applied once per recipient.
	PacingMin time.Duration `env:"MAILCE_PACING_MIN" envDefault:"8s"`
	PacingMax time.Duration `env:"MAILCE_PACING_MAX" envDefault:"25s"`

	SchedulerTick time.Duration `env:"MAILCE_SCHEDULER_TICK" envDefault:"60s"`

	PingTick      time.Duration `env:"MAILCE_PING_TICK" envDefault:"5m"`
	PingWaitHours int           `env:"MAILCE_PING_WAIT_HOURS" envDefault:"10"` // used when the ping_settings table has no row

	// Rows stuck in 'processing' longer than this are swept back to 'pending'.
	StaleProcessingAfter time.Duration `env:"MAILCE_PROCESSING_STALE_TIMEOUT" envDefault:"15m"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
