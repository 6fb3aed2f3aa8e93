package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document is one synchronised record as persisted locally. Data holds the
// normalised record as JSON.
type Document struct {
	ID         string
	Collection string
	ExternalID string
	Data       json.RawMessage
	LastSynced time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ListQuery selects a page of documents. Equals filters on top-level JSON
// fields of the document data, e.g. {"albumId": 3}.
type ListQuery struct {
	Page   int
	Limit  int
	Equals map[string]any
}

// Page is a slice of documents plus pagination metadata.
type Page struct {
	Docs        []*Document
	TotalDocs   int
	TotalPages  int
	Page        int
	Limit       int
	HasNextPage bool
	HasPrevPage bool
}

const selectDocument = `
	SELECT id, collection, external_id, data, last_synced, created_at, updated_at
	FROM documents`

// FindByExternalID returns the document with the given external ID in
// collection, or (nil, nil) if no such document exists.
func (s *Store) FindByExternalID(ctx context.Context, collection, externalID string) (*Document, error) {
	const q = selectDocument + ` WHERE collection = ? AND external_id = ?`
	row := s.db.QueryRowContext(ctx, q, collection, externalID)
	return scanDocument(row)
}

// GetDocument returns the document with the given ID, or (nil, nil).
func (s *Store) GetDocument(ctx context.Context, collection, id string) (*Document, error) {
	const q = selectDocument + ` WHERE collection = ? AND id = ?`
	row := s.db.QueryRowContext(ctx, q, collection, id)
	return scanDocument(row)
}

// CreateDocument inserts a new document. It returns [ErrDuplicate] when the
// (collection, externalID) pair is already taken, which callers treat as a
// signal to retry as an update.
func (s *Store) CreateDocument(ctx context.Context, collection, externalID string, data json.RawMessage, syncedAt time.Time) (*Document, error) {
	const q = `
		INSERT INTO documents (id, collection, external_id, data, last_synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	now := s.now().UTC()
	doc := &Document{
		ID:         uuid.New().String(),
		Collection: collection,
		ExternalID: externalID,
		Data:       data,
		LastSynced: syncedAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, q,
		doc.ID, collection, externalID, string(data),
		formatTime(syncedAt), formatTime(now), formatTime(now),
	)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("creating %s/%s: %w", collection, externalID, ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s/%s: %w", collection, externalID, err)
	}
	return doc, nil
}

// UpdateDocument replaces the data of an existing document and stamps
// last_synced. It returns [ErrNotFound] when id does not exist in collection.
func (s *Store) UpdateDocument(ctx context.Context, collection, id string, data json.RawMessage, syncedAt time.Time) (*Document, error) {
	const q = `
		UPDATE documents SET data = ?, last_synced = ?, updated_at = ?
		WHERE collection = ? AND id = ?`

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, q, string(data), formatTime(syncedAt), formatTime(now), collection, id)
	if err != nil {
		return nil, fmt.Errorf("updating %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("updating %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("updating %s/%s: %w", collection, id, ErrNotFound)
	}
	return s.GetDocument(ctx, collection, id)
}

// CountDocuments returns the number of documents in collection.
func (s *Store) CountDocuments(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting documents in %q: %w", collection, err)
	}
	return count, nil
}

// ListDocuments returns one page of documents in collection, most recently
// synced first.
func (s *Store) ListDocuments(ctx context.Context, collection string, lq ListQuery) (*Page, error) {
	if lq.Page < 1 {
		lq.Page = 1
	}
	if lq.Limit < 1 {
		lq.Limit = 10
	}

	where := ` WHERE collection = ?`
	args := []any{collection}
	for field, value := range lq.Equals {
		where += ` AND json_extract(data, ?) = ?`
		args = append(args, "$."+field, value)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting documents in %q: %w", collection, err)
	}

	q := selectDocument + where + ` ORDER BY last_synced DESC, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, append(args, lq.Limit, (lq.Page-1)*lq.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("listing documents in %q: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	docs := make([]*Document, 0, lq.Limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing documents in %q: %w", collection, err)
	}

	totalPages := (total + lq.Limit - 1) / lq.Limit
	return &Page{
		Docs:        docs,
		TotalDocs:   total,
		TotalPages:  totalPages,
		Page:        lq.Page,
		Limit:       lq.Limit,
		HasNextPage: lq.Page < totalPages,
		HasPrevPage: lq.Page > 1,
	}, nil
}

func scanDocument(s scanner) (*Document, error) {
	var doc Document
	var data, synced, created, updated string

	err := s.Scan(&doc.ID, &doc.Collection, &doc.ExternalID, &data, &synced, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document row: %w", err)
	}

	doc.Data = json.RawMessage(data)
	doc.LastSynced, _ = parseTime(synced)
	doc.CreatedAt, _ = parseTime(created)
	doc.UpdatedAt, _ = parseTime(updated)
	return &doc, nil
}
