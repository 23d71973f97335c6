// Package web is the HTTP surface: health, the mailing trigger, the direct
// per-recipient send, and prometheus metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"github.com/mailce/mailce/internal/queue"
	"github.com/mailce/mailce/internal/signals"
	"github.com/mailce/mailce/tools"
)

// Queue is the part of the delivery runner the API needs.
type Queue interface {
	Kick(mailingID int64) (bool, int, error)
	ProcessRecipient(ctx context.Context, recipientID int64) (bool, string, error)
}

type Config struct {
	Port int

	AutoTLS      bool
	AutoTLSHost  string
	AutoTLSEmail string

	// ServiceKey gates the per-recipient send endpoint.
	ServiceKey string
}

func New(cfg Config, q Queue, lc *tools.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		queue: q,
		log:   lc.New("web"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	p := prometheus.NewPrometheus("mailce", nil)
	p.Use(e)

	e.GET("/health", s.health)
	e.POST("/process-mailing", s.processMailing)
	e.POST("/send-email", s.sendEmail)

	s.e = e
	return s
}

type Server struct {
	cfg   Config
	queue Queue
	log   *logrus.Logger
	e     *echo.Echo

	ostart sync.Once
	ostop  sync.Once
}

func (s *Server) Start() error {
	s.ostart.Do(func() {
		go func() {
			var err error
			if s.cfg.AutoTLS {
				s.log.Infof("serving https on :443 for %s", s.cfg.AutoTLSHost)
				s.e.AutoTLSManager.Prompt = autocert.AcceptTOS
				s.e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.AutoTLSHost)
				s.e.AutoTLSManager.Email = s.cfg.AutoTLSEmail
				s.e.AutoTLSManager.Cache = autocert.DirCache(".cache")
				err = s.e.StartAutoTLS(":443")
			} else {
				s.log.Infof("serving http on :%d", s.cfg.Port)
				err = s.e.Start(fmt.Sprintf(":%d", s.cfg.Port))
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.WithError(err).Error("http server stopped")
			}
		}()
	})
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.ostop.Do(func() {
		s.log.Info("stopping http server")
		err = s.e.Shutdown(ctx)
	})
	return err
}

type result struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	TotalRecipients *int   `json:"total_recipients,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "mailce",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

type mailingReq struct {
	MailingID int64 `json:"mailing_id"`
}

func (s *Server) processMailing(c echo.Context) error {
	var req mailingReq
	err := c.Bind(&req)
	if err != nil || req.MailingID == 0 {
		return c.JSON(http.StatusBadRequest, result{Message: "mailing_id is required"})
	}

	started, total, err := s.queue.Kick(req.MailingID)
	if err != nil {
		s.log.WithError(err).Errorf("could not start mailing %d", req.MailingID)
		return c.JSON(http.StatusInternalServerError, result{Message: "could not start mailing"})
	}
	if !started {
		// idempotent, a duplicate trigger is a no-op ack
		return c.JSON(http.StatusOK, result{Success: true, Message: "mailing is already being processed"})
	}

	signals.Broadcast(signals.MailingQueued)
	return c.JSON(http.StatusAccepted, result{
		Success:         true,
		Message:         "mailing processing started",
		TotalRecipients: &total,
	})
}

type recipientReq struct {
	RecipientID int64 `json:"recipient_id"`
}

func (s *Server) sendEmail(c echo.Context) error {
	if !s.authorized(c) {
		return c.JSON(http.StatusUnauthorized, result{Message: "invalid service key"})
	}

	var req recipientReq
	err := c.Bind(&req)
	if err != nil || req.RecipientID == 0 {
		return c.JSON(http.StatusBadRequest, result{Message: "recipient_id is required"})
	}

	sent, reason, err := s.queue.ProcessRecipient(c.Request().Context(), req.RecipientID)
	if errors.Is(err, queue.ErrAlreadyProcessed) {
		return c.JSON(http.StatusConflict, result{Message: err.Error()})
	}
	if err != nil {
		s.log.WithError(err).Errorf("could not process recipient %d", req.RecipientID)
		return c.JSON(http.StatusInternalServerError, result{Message: "could not process recipient"})
	}
	if !sent {
		return c.JSON(http.StatusBadGateway, result{Message: reason})
	}
	return c.JSON(http.StatusOK, result{Success: true, Message: "email sent"})
}

// authorized accepts the service key as a bearer token or an apikey header.
func (s *Server) authorized(c echo.Context) bool {
	if s.cfg.ServiceKey == "" {
		return false
	}
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.TrimPrefix(auth, "Bearer ") == s.cfg.ServiceKey && auth != "" {
		return true
	}
	return c.Request().Header.Get("apikey") == s.cfg.ServiceKey
}
