// Package smtpx sends one raw message over an authenticated SMTP session,
// either implicit TLS or STARTTLS, using the AUTH LOGIN mechanism most
// mailbox providers expect for per-account credentials.
package smtpx

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Host    string
	Port    int
	Secure  bool // implicit TLS when set, otherwise plain dial followed by STARTTLS
	Timeout time.Duration
}

type Creds struct {
	Email    string
	Password string
}

// DeliveryError carries the provider response of a failed send attempt.
// Sends are never retried at this level.
type DeliveryError struct {
	Stage    string
	Response string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("smtp %s failed: %s", e.Stage, e.Response)
}

type Sender interface {
	Send(ctx context.Context, creds Creds, from string, to string, raw []byte) error
}

func New(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, log: log}
}

type Client struct {
	cfg Config
	log *logrus.Logger
}

func (c *Client) Send(ctx context.Context, creds Creds, from string, to string, raw []byte) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	var conn net.Conn
	var err error
	if c.cfg.Secure {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: c.cfg.Host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return &DeliveryError{Stage: "connect", Response: err.Error()}
	}
	// bound the whole smtp conversation
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return &DeliveryError{Stage: "greeting", Response: err.Error()}
	}
	defer client.Close()

	if !c.cfg.Secure {
		if ok, _ := client.Extension("STARTTLS"); ok {
			err = client.StartTLS(&tls.Config{ServerName: c.cfg.Host})
			if err != nil {
				return &DeliveryError{Stage: "starttls", Response: err.Error()}
			}
		}
	}

	err = client.Auth(LoginAuth(creds.Email, creds.Password))
	if err != nil {
		return &DeliveryError{Stage: "auth", Response: err.Error()}
	}
	err = client.Mail(from)
	if err != nil {
		return &DeliveryError{Stage: "mail from", Response: err.Error()}
	}
	err = client.Rcpt(to)
	if err != nil {
		return &DeliveryError{Stage: "rcpt to", Response: err.Error()}
	}
	w, err := client.Data()
	if err != nil {
		return &DeliveryError{Stage: "data", Response: err.Error()}
	}
	_, err = w.Write(raw)
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		return &DeliveryError{Stage: "data", Response: err.Error()}
	}

	err = client.Quit()
	if err != nil {
		// the message was accepted, a failed quit is not a delivery failure
		c.log.WithError(err).Debug("smtp quit failed after accepted message")
	}
	return nil
}

// LoginAuth implements the AUTH LOGIN exchange: base64 username and password
// in response to the server prompts. net/smtp only ships PLAIN and CRAM-MD5.
func LoginAuth(username, password string) smtp.Auth {
	return &loginAuth{username: username, password: password}
}

type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	}
	return nil, errors.New("unexpected server challenge for AUTH LOGIN")
}
