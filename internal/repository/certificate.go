// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/certmail-app/certmail/internal/models"
)

// CreateCertificate normalizes and validates the title and holder name,
// assigns a fresh UUID, and persists the certificate. Only one certificate
// may exist per email address.
func (r *Repository) CreateCertificate(ctx context.Context, email, title, name string) (*models.Certificate, error) {
	title = models.SmartTrim(title)
	name = models.SmartTrim(name)

	if !models.ValidTitle(title) {
		return nil, ErrInvalidTitle
	}
	if !models.ValidName(name) {
		return nil, ErrInvalidName
	}

	cert := &models.Certificate{
		ID:        uuid.New(),
		Email:     email,
		Title:     title,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO certificates (id, email, title, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		cert.ID.String(), cert.Email, cert.Title, cert.Name, cert.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}

	return cert, nil
}

// GetCertificate retrieves a certificate by its id.
func (r *Repository) GetCertificate(ctx context.Context, id uuid.UUID) (*models.Certificate, error) {
	var cert certificateRow
	err := r.db.GetContext(ctx, &cert, `SELECT * FROM certificates WHERE id = ?`, id.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return cert.model()
}

// GetCertificateByEmail retrieves the certificate owned by an email address.
func (r *Repository) GetCertificateByEmail(ctx context.Context, email string) (*models.Certificate, error) {
	var cert certificateRow
	err := r.db.GetContext(ctx, &cert, `SELECT * FROM certificates WHERE email = ?`, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return cert.model()
}

// DeleteCertificate removes a certificate by id. Returns ErrNotFound when no
// row was deleted.
func (r *Repository) DeleteCertificate(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM certificates WHERE id = ?`, id.String())
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// CountCertificates returns the total number of stored certificates.
func (r *Repository) CountCertificates(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM certificates`); err != nil {
		return 0, err
	}
	return count, nil
}

// certificateRow is the raw database representation; the id is stored as text.
type certificateRow struct { //nolint:govet // fieldalignment: readability over optimization
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Title     string    `db:"title"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

func (row certificateRow) model() (*models.Certificate, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, err
	}
	return &models.Certificate{
		ID:        id,
		Email:     row.Email,
		Title:     row.Title,
		Name:      row.Name,
		CreatedAt: row.CreatedAt,
	}, nil
}
