// Package imapx talks to the sender's own mailbox: it mirrors sent messages
// into the provider's Sent folder and searches the inbox for replies.
//
// Providers disagree on what the Sent mailbox is called and whether it sits
// under the INBOX namespace, so the mirror probes a candidate list and
// follows the server's own hints.
package imapx

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/modfin/henry/slicez"
	"github.com/sirupsen/logrus"

	"github.com/mailce/mailce/tools"
)

type Config struct {
	Host        string
	Port        int
	Timeout     time.Duration // per operation
	MaxAttempts int           // append attempt budget per mirror call
}

type Account struct {
	Email    string
	Password string
}

func baseCandidates() []string {
	return []string{
		"Sent",
		"Sent Messages",
		"Sent Items",
		"Отправленные",
		"[Gmail]/Sent Mail",
	}
}

// initialCandidates lists the INBOX.-prefixed names first, then the bare
// ones. Most shared-hosting servers keep user folders under INBOX.
func initialCandidates() []string {
	base := baseCandidates()
	prefixed := slicez.Map(base, func(b string) string { return "INBOX." + b })
	return append(prefixed, base...)
}

type appendErrorKind int

const (
	appendErrOther appendErrorKind = iota
	appendErrPrefixHint
	appendErrNonexistent
)

var prefixHintRe = regexp.MustCompile(`(?i)prefixed with:\s*([^)\r\n]+)`)
var prefixTrailerRe = regexp.MustCompile(`[^\w\[\]/.\-]+$`)

// classifyAppendError maps the server's textual APPEND rejection onto the
// recovery strategy. IMAP gives no structured error here, matching response
// text is the protocol.
func classifyAppendError(msg string) appendErrorKind {
	if _, ok := parsePrefixHint(msg); ok {
		return appendErrPrefixHint
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "does not exist") ||
		strings.Contains(lower, "trycreate") ||
		strings.Contains(lower, "no such") {
		return appendErrNonexistent
	}
	return appendErrOther
}

// parsePrefixHint extracts a server-suggested mailbox prefix out of
// responses like `... should probably be prefixed with: INBOX.`.
func parsePrefixHint(msg string) (string, bool) {
	m := prefixHintRe.FindStringSubmatch(msg)
	if m == nil {
		return "", false
	}
	prefix := prefixTrailerRe.ReplaceAllString(strings.TrimSpace(m[1]), "")
	if prefix == "" {
		return "", false
	}
	return prefix, true
}

// appender is the slice of an IMAP session the discovery loop needs.
type appender interface {
	Append(mailbox string, raw []byte) error
	Create(mailbox string) error
}

// discoverAndAppend walks the candidate queue until one APPEND sticks.
// A prefix hint prepends fresh prioritized candidates; a nonexistent mailbox
// gets one create-then-retry; anything else moves on. Every mailbox name is
// tried at most once, except the single retry after a create.
func discoverAndAppend(ap appender, raw []byte, maxAttempts int, log *logrus.Entry) (string, error) {
	candidates := initialCandidates()
	tried := map[string]bool{}
	attempts := 0

	for len(candidates) > 0 && attempts < maxAttempts {
		mailbox := candidates[0]
		candidates = candidates[1:]
		if tried[mailbox] {
			continue
		}
		tried[mailbox] = true
		attempts++

		log.Debugf("append attempt #%d to %q", attempts, mailbox)
		err := ap.Append(mailbox, raw)
		if err == nil {
			return mailbox, nil
		}
		msg := err.Error()
		log.Debugf("append to %q failed: %s", mailbox, msg)

		switch classifyAppendError(msg) {
		case appendErrPrefixHint:
			prefix, _ := parsePrefixHint(msg)
			log.Debugf("server suggested prefix %q", prefix)
			for _, b := range baseCandidates() {
				cand := prefix + b
				if !tried[cand] {
					candidates = append([]string{cand}, candidates...)
				}
			}
			if !strings.HasPrefix(mailbox, prefix) {
				combined := prefix + mailbox
				if !tried[combined] {
					candidates = append([]string{combined}, candidates...)
				}
			}

		case appendErrNonexistent:
			if cerr := ap.Create(mailbox); cerr != nil {
				log.Debugf("create of %q failed: %s", mailbox, cerr.Error())
			}
			if rerr := ap.Append(mailbox, raw); rerr == nil {
				return mailbox, nil
			}
		}
	}

	return "", fmt.Errorf("could not append to any mailbox after %d attempts", attempts)
}

func NewMirror(cfg Config, log *logrus.Logger) *Mirror {
	return &Mirror{cfg: cfg, log: log, locks: tools.NewKeyedMutex()}
}

// Mirror appends raw sent messages into the account's Sent mailbox.
// Best effort by contract: callers log the returned error and move on.
type Mirror struct {
	cfg   Config
	log   *logrus.Logger
	locks *tools.KeyedMutex
}

func (m *Mirror) ToSent(acct Account, raw []byte) (string, error) {
	// one session per account at a time, the delivery loop and the pinger
	// may mirror for the same sender concurrently
	m.locks.Lock(acct.Email)
	defer m.locks.Unlock(acct.Email)

	log := m.log.WithField("tag", "mirror-"+tools.RandToken(6)).WithField("account", acct.Email)
	log.Debugf("saving %d bytes to sent folder via %s:%d", len(raw), m.cfg.Host, m.cfg.Port)

	c, err := client.DialTLS(fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port), nil)
	if err != nil {
		return "", fmt.Errorf("imap connect failed, %w", err)
	}
	c.Timeout = m.cfg.Timeout
	defer func() { _ = c.Logout() }()

	err = c.Login(acct.Email, acct.Password)
	if err != nil {
		return "", fmt.Errorf("imap login failed, %w", err)
	}

	mailbox, err := discoverAndAppend(&imapSession{c: c}, raw, m.cfg.MaxAttempts, log)
	if err != nil {
		return "", err
	}
	log.Debugf("message appended to %q", mailbox)
	return mailbox, nil
}

type imapSession struct {
	c *client.Client
}

func (s *imapSession) Append(mailbox string, raw []byte) error {
	return s.c.Append(mailbox, nil, time.Now(), bytes.NewBuffer(raw))
}

func (s *imapSession) Create(mailbox string) error {
	return s.c.Create(mailbox)
}

func NewChecker(cfg Config, log *logrus.Logger) *Checker {
	return &Checker{cfg: cfg, log: log}
}

// Checker looks for replies in the sender's inbox.
type Checker struct {
	cfg Config
	log *logrus.Logger
}

// HasReplySince reports whether the inbox holds any message from the given
// address received on or after the given day. SINCE compares dates only,
// which matches the reply-window semantics here.
func (ch *Checker) HasReplySince(acct Account, fromAddr string, since time.Time) (bool, error) {
	c, err := client.DialTLS(fmt.Sprintf("%s:%d", ch.cfg.Host, ch.cfg.Port), nil)
	if err != nil {
		return false, fmt.Errorf("imap connect failed, %w", err)
	}
	c.Timeout = ch.cfg.Timeout
	defer func() { _ = c.Logout() }()

	err = c.Login(acct.Email, acct.Password)
	if err != nil {
		return false, fmt.Errorf("imap login failed, %w", err)
	}

	_, err = c.Select("INBOX", true)
	if err != nil {
		return false, fmt.Errorf("could not select inbox, %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since.UTC()
	criteria.Header.Add("From", fromAddr)

	ids, err := c.Search(criteria)
	if err != nil {
		return false, fmt.Errorf("inbox search failed, %w", err)
	}
	return len(ids) > 0, nil
}
