package mail

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ahrav/pacs-ferry/internal/config"
	domain "github.com/ahrav/pacs-ferry/internal/domain/transfer"
	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

func TestNotifySkipsOwnersWithoutAddress(t *testing.T) {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	mailer := NewMailer(config.MailConfig{Host: "smtp.local", Port: 25, From: "ferry@local"}, nil, log)

	job := domain.NewJob(uuid.New(), domain.TaskKindTransfer, "alice")
	// No address can be derived, so no dial happens and no error surfaces.
	assert.NoError(t, mailer.NotifyJobFinished(context.Background(), job))
}

func TestDefaultAddressUsesEmailOwnersVerbatim(t *testing.T) {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	mailer := NewMailer(config.MailConfig{Host: "smtp.local"}, nil, log)

	assert.Equal(t, "alice@clinic.example", mailer.addressOf("alice@clinic.example"))
	assert.Equal(t, "", mailer.addressOf("alice"))
}

func TestCustomAddressResolver(t *testing.T) {
	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	mailer := NewMailer(config.MailConfig{Host: "smtp.local"}, func(owner string) string {
		return owner + "@clinic.example"
	}, log)

	assert.Equal(t, "bob@clinic.example", mailer.addressOf("bob"))
}

func TestMessageContent(t *testing.T) {
	job := domain.NewJob(uuid.New(), domain.TaskKindTransfer, "alice@clinic.example")

	subject := subjectFor(job)
	assert.Contains(t, subject, job.ID().String())
	assert.Contains(t, subject, string(domain.JobStatusUnverified))

	body := bodyFor(job)
	assert.Contains(t, body, "transfer job")
	assert.Contains(t, body, job.ID().String())
}
