package jobdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/owlpress/guideline-pipeline/internal/model"
)

// SyncTeachingGuidelines replaces every row for book_id with one row per
// shard, inside a single transaction: delete-then-insert-fresh-UUIDs, per
// the finalization sync contract. Rolls back and surfaces on any error.
func (s *Store) SyncTeachingGuidelines(ctx context.Context, bookID string, rows []model.TeachingGuidelineRow) error {
	return s.WithTx(ctx, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM teaching_guidelines WHERE book_id = ?`, bookID); err != nil {
			return fmt.Errorf("delete existing teaching_guidelines: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO teaching_guidelines
				(id, book_id, topic_key, topic_title, subtopic_key, subtopic_title, guidelines, subtopic_summary, review_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx,
				row.ID, bookID, row.TopicKey, row.TopicTitle, row.SubtopicKey, row.SubtopicTitle,
				row.Guidelines, row.SubtopicSummary, model.ReviewStatusToBeReviewed,
			); err != nil {
				return fmt.Errorf("insert teaching_guideline row %s: %w", row.SubtopicKey, err)
			}
		}
		return nil
	})
}

// ListTeachingGuidelines returns every row currently stored for a book.
func (s *Store) ListTeachingGuidelines(ctx context.Context, bookID string) ([]model.TeachingGuidelineRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, topic_key, topic_title, subtopic_key, subtopic_title, guidelines, subtopic_summary, review_status
		FROM teaching_guidelines WHERE book_id = ?
	`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TeachingGuidelineRow
	for rows.Next() {
		var r model.TeachingGuidelineRow
		var summary sql.NullString
		if err := rows.Scan(&r.ID, &r.BookID, &r.TopicKey, &r.TopicTitle, &r.SubtopicKey, &r.SubtopicTitle, &r.Guidelines, &summary, &r.ReviewStatus); err != nil {
			return nil, err
		}
		r.SubtopicSummary = summary.String
		out = append(out, r)
	}
	return out, rows.Err()
}
