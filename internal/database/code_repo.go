package database

import (
	"context"
	"fmt"
	"time"

	"github.com/mixelka/verifymail/pkg/models"
)

// RecordCode stores an extracted code
func (db *DB) RecordCode(ctx context.Context, rec *models.CodeRecord) error {
	query := `
		INSERT INTO extracted_codes (recipient, sender, code, folder, strategy, uid, received_at, extracted_at, attempts, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if rec.ExtractedAt.IsZero() {
		rec.ExtractedAt = time.Now()
	}
	result, err := db.ExecContext(ctx, query,
		rec.Recipient,
		rec.Sender,
		rec.Code,
		rec.Folder,
		rec.Strategy,
		rec.UID,
		rec.ReceivedAt,
		rec.ExtractedAt,
		rec.Attempts,
		rec.ElapsedMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record code: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// RecentCodes returns the latest codes, newest first. An empty recipient matches all.
func (db *DB) RecentCodes(ctx context.Context, recipient string, limit int) ([]*models.CodeRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	var records []*models.CodeRecord
	var err error
	if recipient == "" {
		query := `SELECT * FROM extracted_codes ORDER BY extracted_at DESC, id DESC LIMIT ?`
		err = db.SelectContext(ctx, &records, query, limit)
	} else {
		query := `SELECT * FROM extracted_codes WHERE recipient = ? ORDER BY extracted_at DESC, id DESC LIMIT ?`
		err = db.SelectContext(ctx, &records, query, recipient, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get codes: %w", err)
	}
	return records, nil
}
