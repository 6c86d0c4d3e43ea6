package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/config"
	"github.com/wneessen/go-mail"
)

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPNotifier delivers plain-text mail through the configured relay. A
// client is built per message, so Send is safe for concurrent use.
type SMTPNotifier struct {
	from      string
	logger    *logrus.Logger
	newClient func() (sender, error)
}

func NewSMTPNotifier(cfg config.MailConfig, logger *logrus.Logger) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mail host is required")
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(15 * time.Second),
	}

	switch {
	case cfg.UseSSL:
		opts = append(opts, mail.WithSSL())
	case cfg.UseTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	// Fail on bad options now rather than on the first login.
	if _, err := mail.NewClient(cfg.Host, opts...); err != nil {
		return nil, fmt.Errorf("invalid mail settings: %w", err)
	}

	return &SMTPNotifier{
		from:   cfg.From,
		logger: logger,
		newClient: func() (sender, error) {
			return mail.NewClient(cfg.Host, opts...)
		},
	}, nil
}

func (n *SMTPNotifier) Send(ctx context.Context, subject, recipient, body string) error {
	msg, err := n.message(subject, recipient, body)
	if err != nil {
		return err
	}

	client, err := n.newClient()
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		n.logger.WithError(err).WithField("recipient", recipient).Error("Failed to send mail")
		return fmt.Errorf("failed to send mail: %w", err)
	}

	return nil
}

func (n *SMTPNotifier) message(subject, recipient, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(n.from); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// LogNotifier writes messages to the debug log instead of sending them. It
// is used when no mail relay is configured.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, subject, recipient, body string) error {
	n.logger.WithFields(logrus.Fields{
		"recipient": recipient,
		"subject":   subject,
		"body":      body,
	}).Debug("Mail not sent, no relay configured")
	return nil
}
