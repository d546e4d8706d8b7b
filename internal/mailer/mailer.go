package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"gopkg.in/gomail.v2"
)

// ErrDelivery wraps transport failures. Transient by default: the scheduler
// retries once before marking a job failed.
var ErrDelivery = errors.New("delivery failed")

// Deliverer hands a message to the transport. Implementations enforce their
// own timeouts and surface failure rather than hang; callers never hold a
// store lock across Deliver.
type Deliverer interface {
	Deliver(ctx context.Context, recipient, subject, body string) error
}

// SMTPDeliverer sends mail through an SMTP relay via gomail.
type SMTPDeliverer struct {
	dialer  *gomail.Dialer
	from    string
	timeout time.Duration
}

// SMTPConfig carries relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds one dial-and-send. Zero defaults to 30s.
	Timeout time.Duration
}

// NewSMTPDeliverer builds the SMTP transport.
func NewSMTPDeliverer(cfg SMTPConfig) (*SMTPDeliverer, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from address required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPDeliverer{
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:    cfg.From,
		timeout: cfg.Timeout,
	}, nil
}

// Deliver sends one message. A send exceeding the deadline counts as a
// delivery failure even if the relay later accepts it.
func (d *SMTPDeliverer) Deliver(ctx context.Context, recipient, subject, body string) error {
	if err := checkmail.ValidateFormat(recipient); err != nil {
		return fmt.Errorf("%w: bad recipient %q: %v", ErrDelivery, recipient, err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", d.from)
	m.SetHeader("To", recipient)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.dialer.DialAndSend(m)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDelivery, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDelivery, ctx.Err())
	}
}
