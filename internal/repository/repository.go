// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package repository provides database access for certificates.
package repository

import (
	"errors"

	"github.com/vinovest/sqlx"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateEmail is returned when a certificate already exists for an email.
var ErrDuplicateEmail = errors.New("certificate already exists for this email")

// ErrInvalidTitle is returned when a certificate title is too short after normalization.
var ErrInvalidTitle = errors.New("certificate title too short")

// ErrInvalidName is returned when a certificate holder name is empty after normalization.
var ErrInvalidName = errors.New("certificate holder name required")

// Repository wraps sqlx for database operations.
type Repository struct {
	db *sqlx.DB
}

// New creates a new Repository instance.
func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}
