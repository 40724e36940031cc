// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package mailer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmail-app/certmail/internal/config"
	"github.com/certmail-app/certmail/internal/mailer"
	"github.com/certmail-app/certmail/internal/session"
)

func TestNewSMTPValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := mailer.NewSMTP(config.SMTPConfig{From: "noreply@example.com"})
	assert.Error(t, err, "missing host must be rejected")

	_, err = mailer.NewSMTP(config.SMTPConfig{Host: "smtp.example.com"})
	assert.Error(t, err, "missing from address must be rejected")

	m, err := mailer.NewSMTP(config.SMTPConfig{Host: "smtp.example.com", From: "noreply@example.com"})
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestComposeCodeMail(t *testing.T) {
	t.Parallel()

	subject, body := mailer.ComposeCodeMail(session.CreatePurpose(), "ABC123DEF")
	assert.Contains(t, subject, "creation")
	assert.Contains(t, body, "ABC123DEF")

	subject, body = mailer.ComposeCodeMail(session.Purpose{Kind: session.KindDelete}, "XYZ789QRS")
	assert.Contains(t, subject, "deletion")
	assert.Contains(t, body, "XYZ789QRS")
}

func TestComposeReminderMail(t *testing.T) {
	t.Parallel()

	_, body := mailer.ComposeReminderMail("2b1ae5cd-b6ec-4a22-894a-7e27e1ba4c9b")
	assert.Contains(t, body, "2b1ae5cd-b6ec-4a22-894a-7e27e1ba4c9b")
}
