package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/capsulenote/capsule/models"
	"github.com/google/uuid"
)

type LetterRepository struct {
	db *sql.DB
}

func NewLetterRepository(db *sql.DB) *LetterRepository {
	return &LetterRepository{db: db}
}

func (r *LetterRepository) CreateLetter(ctx context.Context, letter *models.Letter) error {
	if _, err := uuid.Parse(letter.ID); err != nil {
		return fmt.Errorf("invalid letter ID format: %w", err)
	}

	query := `
		INSERT INTO letters (id, user_id, subject, body, sealed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		letter.ID, letter.UserID, letter.Subject, letter.Body, letter.SealedAt, letter.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert letter: %w", err)
	}
	return nil
}

func (r *LetterRepository) GetLetterByID(ctx context.Context, letterID string) (*models.Letter, error) {
	if _, err := uuid.Parse(letterID); err != nil {
		return nil, fmt.Errorf("invalid letter ID format: %w", err)
	}

	query := `
		SELECT id, user_id, subject, body, sealed_at, created_at
		FROM letters
		WHERE id = $1
	`
	var letter models.Letter
	row := r.db.QueryRowContext(ctx, query, letterID)
	err := row.Scan(&letter.ID, &letter.UserID, &letter.Subject, &letter.Body, &letter.SealedAt, &letter.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("letter not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get letter by ID: %w", err)
	}
	return &letter, nil
}

func (r *LetterRepository) GetLettersByUserID(ctx context.Context, userID string) ([]models.Letter, error) {
	query := `
		SELECT id, user_id, subject, body, sealed_at, created_at
		FROM letters
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query letters for user: %w", err)
	}
	defer rows.Close()

	var letters []models.Letter
	for rows.Next() {
		var letter models.Letter
		if err := rows.Scan(&letter.ID, &letter.UserID, &letter.Subject, &letter.Body, &letter.SealedAt, &letter.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan letter row: %w", err)
		}
		letters = append(letters, letter)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating letter rows: %w", err)
	}
	return letters, nil
}

// SealLetter freezes a letter's content. Sealing twice is a no-op.
func (r *LetterRepository) SealLetter(ctx context.Context, letterID, userID string) error {
	if _, err := uuid.Parse(letterID); err != nil {
		return fmt.Errorf("invalid letter ID format: %w", err)
	}

	query := `
		UPDATE letters
		SET sealed_at = COALESCE(sealed_at, $3)
		WHERE id = $1 AND user_id = $2
	`
	result, err := r.db.ExecContext(ctx, query, letterID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to seal letter %s: %w", letterID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read seal result: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("letter not found for seal: %w", sql.ErrNoRows)
	}
	return nil
}
