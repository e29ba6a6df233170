package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/linkback/internal/linkback"
)

// BacklinkStore implements linkback.InboundStore. The partial unique
// indexes in schema.sql back the pipeline's duplicate check.
type BacklinkStore struct {
	pool pool
}

const inboundColumns = `id, source_uri, target_uri, target_kind, target_id, title, excerpt, protocol, received_at, status`

// FindInbound returns the backlink under key.
func (s *BacklinkStore) FindInbound(ctx context.Context, key linkback.InboundKey) (linkback.Inbound, error) {
	var row pgx.Row
	if key.Target != nil {
		row = s.pool.QueryRow(ctx,
			`SELECT `+inboundColumns+` FROM inbound_backlinks
WHERE source_uri = $1 AND target_kind = $2 AND target_id = $3 LIMIT 1`,
			key.SourceURI, key.Target.Kind, key.Target.ID)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT `+inboundColumns+` FROM inbound_backlinks
WHERE source_uri = $1 AND target_uri = $2 AND target_kind = '' AND target_id = '' LIMIT 1`,
			key.SourceURI, key.TargetURI)
	}
	b, err := scanInbound(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return linkback.Inbound{}, linkback.ErrNotFound
		}
		return linkback.Inbound{}, fmt.Errorf("find backlink: %w", err)
	}
	return b, nil
}

// CreateInbound inserts a backlink.
func (s *BacklinkStore) CreateInbound(ctx context.Context, b linkback.Inbound) error {
	if b.ID == "" {
		return errors.New("backlink id is required")
	}
	kind, id := splitRef(b.Target)
	_, err := s.pool.Exec(ctx, `
INSERT INTO inbound_backlinks (`+inboundColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.ID, b.SourceURI, b.TargetURI, kind, id, b.Title, b.Excerpt, b.Protocol, b.ReceivedAt, string(b.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("backlink from %s: %w", b.SourceURI, linkback.ErrDuplicate)
		}
		return fmt.Errorf("insert backlink: %w", err)
	}
	return nil
}

// UpdateInboundStatus sets the moderation status of a backlink.
func (s *BacklinkStore) UpdateInboundStatus(ctx context.Context, id string, status linkback.InboundStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE inbound_backlinks SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update backlink status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("backlink %s: %w", id, linkback.ErrNotFound)
	}
	return nil
}

// ListInbound returns backlinks matching filter, newest first.
func (s *BacklinkStore) ListInbound(ctx context.Context, filter linkback.InboundFilter) ([]linkback.Inbound, error) {
	kind, id := splitRef(filter.Target)
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+inboundColumns+` FROM inbound_backlinks
WHERE ($1::text = '' OR status = $1)
  AND ($2::text = '' OR (target_kind = $2 AND target_id = $3))
ORDER BY received_at DESC, id DESC
LIMIT $4`,
		string(filter.Status), kind, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list backlinks: %w", err)
	}
	defer rows.Close()

	var out []linkback.Inbound
	for rows.Next() {
		b, err := scanInbound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backlink row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list backlinks: %w", err)
	}
	return out, nil
}

func scanInbound(row rowScanner) (linkback.Inbound, error) {
	var (
		b          linkback.Inbound
		kind, id   string
		statusText string
	)
	if err := row.Scan(
		&b.ID,
		&b.SourceURI,
		&b.TargetURI,
		&kind,
		&id,
		&b.Title,
		&b.Excerpt,
		&b.Protocol,
		&b.ReceivedAt,
		&statusText,
	); err != nil {
		return linkback.Inbound{}, err
	}
	b.Target = joinRef(kind, id)
	b.Status = linkback.InboundStatus(statusText)
	return b, nil
}
