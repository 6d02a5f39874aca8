package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/xraph/jobq/config"
	"github.com/xraph/jobq/job"
)

// EmailPayload is one message to deliver. At least one of Text and HTML
// must be set.
type EmailPayload struct {
	To      []string `json:"to" msgpack:"to"`
	Subject string   `json:"subject" msgpack:"subject"`
	Text    string   `json:"text,omitempty" msgpack:"text,omitempty"`
	HTML    string   `json:"html,omitempty" msgpack:"html,omitempty"`
}

var (
	errNoRecipients = errors.New("send-email: no recipients")
	errEmptyBody    = errors.New("send-email: empty body")
)

// Mailer delivers EmailPayloads over SMTP, or in dev mode writes them as
// .eml files under OutputPath.
type Mailer struct {
	cfg    config.EmailConfig
	logger *slog.Logger
}

// NewMailer creates a Mailer.
func NewMailer(cfg config.EmailConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, logger: logger}
}

// Send builds and delivers one message. Dial-per-send: no SMTP connection
// is held between jobs.
func (m *Mailer) Send(ctx context.Context, p EmailPayload) error {
	msg, err := m.build(p)
	if err != nil {
		return err
	}

	if m.cfg.DevMode {
		path, err := m.writeFile(ctx, msg)
		if err != nil {
			return err
		}
		m.logger.InfoContext(ctx, "email written",
			append(jobAttrs(ctx), slog.String("path", path), slog.Int("recipients", len(p.To)))...)
		return nil
	}

	c, err := mail.NewClient(m.cfg.SMTPHost, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("send-email: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send-email: %w", err)
	}
	m.logger.InfoContext(ctx, "email sent",
		append(jobAttrs(ctx), slog.Int("recipients", len(p.To)))...)
	return nil
}

func (m *Mailer) build(p EmailPayload) (*mail.Msg, error) {
	if len(p.To) == 0 {
		return nil, errNoRecipients
	}
	if p.Text == "" && p.HTML == "" {
		return nil, errEmptyBody
	}

	// Strip CR/LF from subject to prevent header injection.
	subject := strings.NewReplacer("\r", "", "\n", "").Replace(p.Subject)

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("send-email: set from: %w", err)
	}
	if err := msg.To(p.To...); err != nil {
		return nil, fmt.Errorf("send-email: set to: %w", err)
	}
	msg.Subject(subject)
	switch {
	case p.Text != "" && p.HTML != "":
		msg.SetBodyString(mail.TypeTextPlain, p.Text)
		msg.AddAlternativeString(mail.TypeTextHTML, p.HTML)
	case p.HTML != "":
		msg.SetBodyString(mail.TypeTextHTML, p.HTML)
	default:
		msg.SetBodyString(mail.TypeTextPlain, p.Text)
	}
	return msg, nil
}

func (m *Mailer) clientOptions() []mail.Option {
	opts := []mail.Option{mail.WithPort(m.cfg.SMTPPort)}
	if m.cfg.SMTPUsername != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.SMTPUsername),
			mail.WithPassword(m.cfg.SMTPPassword),
		)
	}
	if m.cfg.SMTPTLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	return opts
}

// writeFile names the file after the job id so a retried attempt
// overwrites its own earlier output.
func (m *Mailer) writeFile(ctx context.Context, msg *mail.Msg) (string, error) {
	if err := os.MkdirAll(m.cfg.OutputPath, 0o750); err != nil {
		return "", fmt.Errorf("send-email: create output dir: %w", err)
	}
	name := time.Now().UTC().Format("20060102T150405.000000000")
	if j, ok := job.FromContext(ctx); ok {
		name = j.ID.String()
	}
	path := filepath.Join(m.cfg.OutputPath, name+".eml")
	if err := msg.WriteToFile(path); err != nil {
		return "", fmt.Errorf("send-email: write %s: %w", path, err)
	}
	return path, nil
}
