package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/linkback/internal/linkback"
)

// AttemptStore implements linkback.AttemptStore.
type AttemptStore struct {
	pool pool
}

const attemptColumns = `id, target_uri, source_uri, source_kind, source_id, protocol, title, excerpt, status, message, sent_at`

// FindPingAttempt returns the attempt for key.
func (s *AttemptStore) FindPingAttempt(ctx context.Context, key linkback.AttemptKey) (linkback.PingAttempt, error) {
	kind, id := splitRef(key.Source)
	row := s.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM ping_attempts
WHERE target_uri = $1 AND source_kind = $2 AND source_id = $3`,
		key.TargetURI, kind, id)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return linkback.PingAttempt{}, linkback.ErrNotFound
		}
		return linkback.PingAttempt{}, fmt.Errorf("find ping attempt: %w", err)
	}
	return a, nil
}

// CreatePingAttempt inserts an attempt.
func (s *AttemptStore) CreatePingAttempt(ctx context.Context, a linkback.PingAttempt) error {
	if a.ID == "" {
		return errors.New("ping attempt id is required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO ping_attempts (`+attemptColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, attemptArgs(a)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("ping attempt to %s: %w", a.TargetURI, linkback.ErrDuplicate)
		}
		return fmt.Errorf("insert ping attempt: %w", err)
	}
	return nil
}

// UpdatePingAttempt overwrites the attempt with the same ID.
func (s *AttemptStore) UpdatePingAttempt(ctx context.Context, a linkback.PingAttempt) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE ping_attempts SET
	target_uri = $2, source_uri = $3, source_kind = $4, source_id = $5, protocol = $6,
	title = $7, excerpt = $8, status = $9, message = $10, sent_at = $11
WHERE id = $1`, attemptArgs(a)...)
	if err != nil {
		return fmt.Errorf("update ping attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ping attempt %s: %w", a.ID, linkback.ErrNotFound)
	}
	return nil
}

// ListPingAttempts returns the attempts made for source, or all attempts
// when source is nil, most recent first.
func (s *AttemptStore) ListPingAttempts(ctx context.Context, source *linkback.Reference) ([]linkback.PingAttempt, error) {
	kind, id := splitRef(source)
	rows, err := s.pool.Query(ctx, `SELECT `+attemptColumns+` FROM ping_attempts
WHERE ($1::text = '' OR (source_kind = $1 AND source_id = $2))
ORDER BY sent_at DESC, id DESC`, kind, id)
	if err != nil {
		return nil, fmt.Errorf("list ping attempts: %w", err)
	}
	defer rows.Close()

	var out []linkback.PingAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ping attempt row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ping attempts: %w", err)
	}
	return out, nil
}

func attemptArgs(a linkback.PingAttempt) []any {
	kind, id := splitRef(a.Source)
	return []any{
		a.ID,
		a.TargetURI,
		a.SourceURI,
		kind,
		id,
		a.Protocol,
		a.Title,
		a.Excerpt,
		string(a.Status),
		a.Message,
		a.SentAt,
	}
}

func scanAttempt(row rowScanner) (linkback.PingAttempt, error) {
	var (
		a          linkback.PingAttempt
		kind, id   string
		statusText string
	)
	if err := row.Scan(
		&a.ID,
		&a.TargetURI,
		&a.SourceURI,
		&kind,
		&id,
		&a.Protocol,
		&a.Title,
		&a.Excerpt,
		&statusText,
		&a.Message,
		&a.SentAt,
	); err != nil {
		return linkback.PingAttempt{}, err
	}
	a.Source = joinRef(kind, id)
	a.Status = linkback.AttemptStatus(statusText)
	return a, nil
}
