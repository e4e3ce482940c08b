// Package mail notifies job owners by email when their job reaches a
// terminal state.
package mail

import (
	"context"
	"fmt"
	"strings"

	gomail "gopkg.in/gomail.v2"

	"github.com/ahrav/pacs-ferry/internal/config"
	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

// AddressFn resolves a job owner to an email address. An empty return
// suppresses the notification for that owner.
type AddressFn func(owner string) string

// Mailer implements transfer.Notifier over SMTP.
type Mailer struct {
	dialer    *gomail.Dialer
	from      string
	addressOf AddressFn
	log       *logger.Logger
}

var _ domain.Notifier = (*Mailer)(nil)

// NewMailer creates an SMTP notifier. When addressOf is nil, owners that
// already look like email addresses are used verbatim and everyone else is
// skipped.
func NewMailer(cfg config.MailConfig, addressOf AddressFn, log *logger.Logger) *Mailer {
	if addressOf == nil {
		addressOf = func(owner string) string {
			if strings.Contains(owner, "@") {
				return owner
			}
			return ""
		}
	}
	return &Mailer{
		dialer:    gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:      cfg.From,
		addressOf: addressOf,
		log:       log,
	}
}

// NotifyJobFinished emails the job owner a short result summary.
func (m *Mailer) NotifyJobFinished(ctx context.Context, job *domain.Job) error {
	to := m.addressOf(job.Owner())
	if to == "" {
		m.log.Warn(ctx, "no email address for job owner, skipping notification",
			"job_id", job.ID(), "owner", job.Owner())
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subjectFor(job))
	msg.SetBody("text/plain", bodyFor(job))

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("sending notification for job %s: %w", job.ID(), err)
	}
	return nil
}

func subjectFor(job *domain.Job) string {
	return fmt.Sprintf("Job %s finished with status %s", job.ID(), job.Status())
}

func bodyFor(job *domain.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your %s job %s has finished.\n\n", job.Kind(), job.ID())
	fmt.Fprintf(&b, "Status: %s\n", job.Status())
	if job.Message() != "" {
		fmt.Fprintf(&b, "Result: %s\n", job.Message())
	}
	if !job.Timeline().EndedAt().IsZero() {
		fmt.Fprintf(&b, "Finished at: %s\n", job.Timeline().EndedAt().Format("2006-01-02 15:04:05 MST"))
	}
	return b.String()
}
