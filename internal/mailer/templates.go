// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package mailer

import (
	"fmt"

	"github.com/certmail-app/certmail/internal/session"
)

// ComposeCodeMail renders the verification-code message for a purpose.
// It satisfies session.MailComposer.
func ComposeCodeMail(p session.Purpose, code string) (subject, body string) {
	switch p.Kind {
	case session.KindDelete:
		return "Confirm your certificate deletion",
			fmt.Sprintf("You asked to delete your certificate.\n\n"+
				"Your confirmation code is: %s\n\n"+
				"If you did not request this, you can ignore this message.\n", code)
	default:
		return "Confirm your certificate creation",
			fmt.Sprintf("Welcome!\n\n"+
				"Your confirmation code is: %s\n\n"+
				"Enter it together with your details to receive your certificate.\n", code)
	}
}

// ComposeReminderMail renders the certificate-id reminder message.
func ComposeReminderMail(certID string) (subject, body string) {
	return "Your certificate",
		fmt.Sprintf("You asked for a reminder of your certificate.\n\n"+
			"Its serial number is: %s\n", certID)
}
