package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// AuditStore is the append-only audit_log table. Rule lifecycle changes and
// trigger history land here.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends an entry; detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, detailJSON)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first, filtered by opts.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var where []string
	args := pgx.NamedArgs{}
	if opts.Event != "" {
		where = append(where, "event = @event")
		args["event"] = opts.Event
	}
	if opts.Since != nil {
		where = append(where, "created_at >= @since")
		args["since"] = *opts.Since
	}
	if opts.Until != nil {
		where = append(where, "created_at <= @until")
		args["until"] = *opts.Until
	}

	var b strings.Builder
	b.WriteString("SELECT id, event, detail, created_at FROM audit_log")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT @limit")
		args["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET @offset")
		args["offset"] = opts.Offset
	}

	rows, err := s.pool.Query(ctx, b.String(), args)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	return collectAudit(rows)
}

// ListEventBefore returns up to limit entries of one event created before
// the cutoff, oldest first.
func (s *AuditStore) ListEventBefore(ctx context.Context, event string, before time.Time, limit int) ([]domain.AuditEntry, error) {
	const query = `
		SELECT id, event, detail, created_at FROM audit_log
		WHERE event = $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, event, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s before %s: %w", event, before.Format(time.RFC3339), err)
	}
	return collectAudit(rows)
}

// DeleteEventBefore removes entries of one event created before the cutoff.
func (s *AuditStore) DeleteEventBefore(ctx context.Context, event string, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE event = $1 AND created_at < $2`, event, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete %s before %s: %w", event, before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func collectAudit(rows pgx.Rows) ([]domain.AuditEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditEntry, error) {
		var e domain.AuditEntry
		var detail []byte
		if err := row.Scan(&e.ID, &e.Event, &detail, &e.CreatedAt); err != nil {
			return e, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return e, fmt.Errorf("unmarshal detail: %w", err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan audit entries: %w", err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
