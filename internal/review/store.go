// Package review provides PostgreSQL-backed storage for flagged and blocked
// chat messages. The moderation review service consumes reports off NATS and
// persists them here for human moderators to work through.
package review

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// validOutcomes matches the CHECK constraint on the flagged_messages table.
var validOutcomes = map[string]bool{
	"flagged": true,
	"blocked": true,
}

// Record is one flagged or blocked message awaiting review.
type Record struct {
	ID          int64
	CommunityID string
	MemberID    string
	MemberName  string
	Message     string
	Term        string // the moderation term that matched
	Outcome     string // "flagged" or "blocked"
	ReportedAt  time.Time
	Reviewed    bool
}

// Store manages flagged messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new review store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a flagged message record. The outcome is validated against
// the allowed set before insertion.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if !validOutcomes[rec.Outcome] {
		return fmt.Errorf("review: invalid outcome %q", rec.Outcome)
	}

	const query = `
		INSERT INTO flagged_messages (community_id, member_id, member_name, message, term, outcome, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		rec.CommunityID,
		rec.MemberID,
		rec.MemberName,
		rec.Message,
		rec.Term,
		rec.Outcome,
		rec.ReportedAt,
	)
	if err != nil {
		return fmt.Errorf("review: insert: %w", err)
	}
	return nil
}

// ListUnreviewed returns up to limit unreviewed records, newest first.
func (s *Store) ListUnreviewed(ctx context.Context, limit int) ([]Record, error) {
	const query = `
		SELECT id, community_id, member_id, member_name, message, term, outcome, reported_at, reviewed
		FROM flagged_messages
		WHERE reviewed = FALSE
		ORDER BY reported_at DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("review: list unreviewed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.CommunityID, &r.MemberID, &r.MemberName,
			&r.Message, &r.Term, &r.Outcome, &r.ReportedAt, &r.Reviewed); err != nil {
			return nil, fmt.Errorf("review: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkReviewed marks a record as handled by a moderator.
func (s *Store) MarkReviewed(ctx context.Context, id int64) error {
	const query = `UPDATE flagged_messages SET reviewed = TRUE WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("review: mark reviewed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("review: record %d not found", id)
	}
	return nil
}

// CountRecent returns the number of reports filed against a member within
// the given time window. Useful for repeat-offender checks (e.g. several
// blocked messages in a day warrants moderator attention).
func (s *Store) CountRecent(ctx context.Context, memberID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM flagged_messages
		WHERE member_id = $1
		  AND reported_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, memberID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("review: count recent: %w", err)
	}
	return count, nil
}
