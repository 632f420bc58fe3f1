package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inkwell-press/inkwell/internal/types"
)

// CreateManuscript inserts a manuscript metadata row. Fills ID and
// CreatedAt when unset.
func (db *DB) CreateManuscript(ctx context.Context, m *types.Manuscript) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO manuscripts (id, owner_id, title, genre, word_count)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		m.ID, m.OwnerID, m.Title, m.Genre, m.WordCount,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create manuscript: %w", err)
	}
	return nil
}

// GetManuscript fetches manuscript metadata by ID.
func (db *DB) GetManuscript(ctx context.Context, id uuid.UUID) (*types.Manuscript, error) {
	var m types.Manuscript
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, genre, word_count, created_at
		 FROM manuscripts WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.OwnerID, &m.Title, &m.Genre, &m.WordCount, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manuscript: %w", err)
	}
	return &m, nil
}
