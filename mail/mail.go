package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/domodwyer/mailyak/v3"

	"github.com/shotmill/shotmill/config"
)

// Mailer sends the service's transactional mail. It is an optional
// dependency; callers hold it as a nilable port.
type Mailer struct {
	host        string
	port        int
	username    string
	password    string
	from        string
	authMethod  string
	useTLS      bool
	useStartTLS bool
	logger      *slog.Logger
}

// New creates a Mailer from config.
func New(cfg config.Smtp, logger *slog.Logger) *Mailer {
	return &Mailer{
		host:        cfg.Host,
		port:        cfg.Port,
		username:    cfg.Username,
		password:    cfg.Password,
		from:        cfg.From,
		authMethod:  cfg.AuthMethod,
		useTLS:      cfg.UseTLS,
		useStartTLS: cfg.UseStartTLS,
		logger:      logger,
	}
}

func (m *Mailer) auth() smtp.Auth {
	switch m.authMethod {
	case "cram-md5":
		return smtp.CRAMMD5Auth(m.username, m.password)
	case "none":
		return nil
	default: // "plain" or empty
		return smtp.PlainAuth("", m.username, m.password, m.host)
	}
}

// send builds and sends one HTML mail with a bounded timeout.
func (m *Mailer) send(ctx context.Context, to, subject, html string) error {
	mail, err := mailyak.NewWithTLS(fmt.Sprintf("%s:%d", m.host, m.port), m.auth(), &tls.Config{
		ServerName:         m.host,
		InsecureSkipVerify: !m.useTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	mail.To(to)
	mail.From(m.from)
	mail.Subject(subject)
	mail.HTML().Set(html)

	done := make(chan error, 1)
	go func() {
		done <- mail.Send()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send mail: %w", err)
		}
	}
	return nil
}

// SendLowCreditWarning tells a user their balance dropped under the
// configured threshold. Errors are logged, not returned: mail must never
// fail a job submission.
func (m *Mailer) SendLowCreditWarning(email string, balance int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	html := fmt.Sprintf(`
		<h1>Credits running low</h1>
		<p>Your account has %d credits remaining. Captures are rejected once
		the balance reaches zero.</p>
	`, balance)

	if err := m.send(ctx, email, "Your capture credits are running low", html); err != nil {
		m.logger.Error("mail: low-credit warning failed", "email", email, "error", err)
		return
	}
	m.logger.Info("mail: sent low-credit warning", "email", email, "balance", balance)
}
