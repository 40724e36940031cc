// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

const (
	// TitleMinLength is the minimum length of a certificate title after trimming.
	TitleMinLength = 5
	// NameMinLength is the minimum length of a certificate holder name after trimming.
	NameMinLength = 1
)

// Certificate is the record issued to an email address. One certificate per
// address; the id is assigned at creation and never changes.
type Certificate struct { //nolint:govet // fieldalignment: readability over optimization
	ID        uuid.UUID `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	Title     string    `db:"title" json:"title"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SmartTrim trims leading and trailing whitespace, drops control characters,
// and collapses internal whitespace runs into a single space.
func SmartTrim(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	lastWasSpace := false
	for _, r := range strings.TrimSpace(input) {
		// Tab and newline are both control and space; they collapse, so the
		// space check has to run first. Only non-space controls are dropped.
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}

	return strings.TrimSpace(b.String())
}

// ValidTitle reports whether a normalized title is acceptable.
func ValidTitle(title string) bool {
	return len([]rune(title)) >= TitleMinLength
}

// ValidName reports whether a normalized holder name is acceptable.
func ValidName(name string) bool {
	return len([]rune(name)) >= NameMinLength
}
