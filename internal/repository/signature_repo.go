package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/signature-relay/backend/internal/model"
)

// SignatureRepository provides data access for signature sessions. Sessions
// are only ever inserted and status-updated; there is no delete.
type SignatureRepository struct {
	db *sql.DB
}

// NewSignatureRepository creates a new SignatureRepository.
func NewSignatureRepository(db *sql.DB) *SignatureRepository {
	return &SignatureRepository{db: db}
}

// Create inserts a new signature session.
func (r *SignatureRepository) Create(ctx context.Context, session *model.SignatureSession) error {
	vehicleJSON, err := session.VehicleToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize vehicle: %w", err)
	}

	query := `
		INSERT INTO signature_sessions
			(id, workstation_id, tablet_id, company_id, customer_name, vehicle,
			 document_type, status, created_at, expires_at, signed_at, signature_image_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.WorkstationID,
		session.TabletID,
		session.CompanyID,
		session.CustomerName,
		vehicleJSON,
		session.DocumentType,
		session.Status,
		session.CreatedAt,
		session.ExpiresAt,
		session.SignedAt,
		nullableString(session.SignatureImageURL),
	)
	if err != nil {
		return fmt.Errorf("failed to create signature session: %w", err)
	}

	return nil
}

// GetByID retrieves a signature session by its ID.
func (r *SignatureRepository) GetByID(ctx context.Context, id string) (*model.SignatureSession, error) {
	query := `
		SELECT id, workstation_id, tablet_id, company_id, customer_name, vehicle,
		       document_type, status, created_at, expires_at, signed_at, signature_image_url
		FROM signature_sessions
		WHERE id = ?
	`

	row := r.db.QueryRowContext(ctx, query, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signature session: %w", err)
	}

	return session, nil
}

// ListByCompany retrieves all signature sessions for a company, newest first.
func (r *SignatureRepository) ListByCompany(ctx context.Context, companyID string) ([]*model.SignatureSession, error) {
	query := `
		SELECT id, workstation_id, tablet_id, company_id, customer_name, vehicle,
		       document_type, status, created_at, expires_at, signed_at, signature_image_url
		FROM signature_sessions
		WHERE company_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signature sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.SignatureSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signature session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signature sessions: %w", err)
	}

	return sessions, nil
}

// UpdateStatus records a status transition together with the completion
// fields. signedAt and imageURL are only meaningful for COMPLETED.
func (r *SignatureRepository) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, signedAt sql.NullTime, imageURL string) error {
	query := `
		UPDATE signature_sessions
		SET status = ?, signed_at = ?, signature_image_url = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, signedAt, nullableString(imageURL), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanSession.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.SignatureSession, error) {
	session := &model.SignatureSession{}
	var vehicleJSON sql.NullString
	var signedAt sql.NullTime
	var imageURL sql.NullString

	err := row.Scan(
		&session.ID,
		&session.WorkstationID,
		&session.TabletID,
		&session.CompanyID,
		&session.CustomerName,
		&vehicleJSON,
		&session.DocumentType,
		&session.Status,
		&session.CreatedAt,
		&session.ExpiresAt,
		&signedAt,
		&imageURL,
	)
	if err != nil {
		return nil, err
	}

	if vehicleJSON.Valid {
		if err := session.VehicleFromJSON(vehicleJSON.String); err != nil {
			return nil, fmt.Errorf("failed to parse vehicle: %w", err)
		}
	}
	if signedAt.Valid {
		t := signedAt.Time
		session.SignedAt = &t
	}
	if imageURL.Valid {
		session.SignatureImageURL = imageURL.String
	}

	return session, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
