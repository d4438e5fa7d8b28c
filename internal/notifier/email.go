package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stockpulse/stockpulse/internal/config"
	"github.com/stockpulse/stockpulse/internal/types"
)

// ErrNoRecipient is returned for events whose user has no email address
var ErrNoRecipient = errors.New("event has no recipient email")

// SendFunc matches smtp.SendMail
type SendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// EmailSender sends trigger emails over SMTP behind a circuit breaker
type EmailSender struct {
	addr    string
	from    string
	auth    sasl.Client
	send    SendFunc
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewEmailSender creates an SMTP sender from cfg. password may be empty for
// relays that accept unauthenticated mail.
func NewEmailSender(cfg config.EmailConfig, password string, logger zerolog.Logger) *EmailSender {
	logger = logger.With().Str("component", "notifier").Logger()

	var auth sasl.Client
	if cfg.Username != "" {
		auth = sasl.NewPlainClient("", cfg.Username, password)
	}

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Email circuit breaker changed state")
		},
	})

	return &EmailSender{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from:    cfg.From,
		auth:    auth,
		send:    smtp.SendMail,
		breaker: breaker,
		logger:  logger,
	}
}

// WithSendFunc replaces the SMTP transport
func (s *EmailSender) WithSendFunc(fn SendFunc) *EmailSender {
	s.send = fn
	return s
}

// SendAlertEmail sends the trigger email to the event's user
func (s *EmailSender) SendAlertEmail(ctx context.Context, event types.TriggeredAlertEvent) error {
	to := strings.TrimSpace(event.User.Email)
	if to == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := buildMessage(s.from, to, formatSubject(event), formatBody(event), time.Now())

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.send(s.addr, s.auth, s.from, []string{to}, bytes.NewReader(msg))
	})
	if err != nil {
		return fmt.Errorf("send alert email to %s: %w", to, err)
	}

	s.logger.Debug().
		Str("to", to).
		Uint("alert_id", event.AlertID).
		Msg("Alert email sent")
	return nil
}

// formatSubject formats the trigger email subject
func formatSubject(event types.TriggeredAlertEvent) string {
	return fmt.Sprintf("Your Alert for %s has been triggered!", event.Symbol)
}

// formatBody formats the plain-text trigger email body
func formatBody(event types.TriggeredAlertEvent) string {
	name := event.User.FirstName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hey %s,\nWe would like to inform you about your Alert for the stock: %s\nPrice is now %s your target of %s\n",
		name,
		event.Symbol,
		strings.ToLower(event.Condition.String()),
		event.TargetValue.StringFixed(2))
}

func buildMessage(from, to, subject, body string, at time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes()
}
