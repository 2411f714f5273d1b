package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tickwatch/internal/domain"
)

// RuleStore keeps both rule kinds in the alert_rules table. Condition
// params are stored as JSONB.
type RuleStore struct {
	pool *pgxpool.Pool
}

func NewRuleStore(pool *pgxpool.Pool) *RuleStore {
	return &RuleStore{pool: pool}
}

const upsertRule = `
	INSERT INTO alert_rules (
		id, kind, symbol, name, direction, target_price, last_observed_price,
		condition, description, message, params, active, state, created_at, triggered_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		symbol = EXCLUDED.symbol,
		name = EXCLUDED.name,
		direction = EXCLUDED.direction,
		target_price = EXCLUDED.target_price,
		last_observed_price = EXCLUDED.last_observed_price,
		condition = EXCLUDED.condition,
		description = EXCLUDED.description,
		message = EXCLUDED.message,
		params = EXCLUDED.params,
		active = EXCLUDED.active,
		state = EXCLUDED.state,
		triggered_at = EXCLUDED.triggered_at,
		updated_at = NOW()`

func (s *RuleStore) SavePriceRule(ctx context.Context, r domain.PriceRule) error {
	_, err := s.pool.Exec(ctx, upsertRule,
		r.ID, string(domain.RuleKindPrice), r.Symbol, "", string(r.Direction), r.TargetPrice, r.LastObservedPrice,
		"", "", r.Message, nil, r.Active, string(r.State), r.CreatedAt, r.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save price rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *RuleStore) SaveConditionRule(ctx context.Context, r domain.ConditionRule) error {
	var params []byte
	if len(r.Params) > 0 {
		var err error
		if params, err = json.Marshal(r.Params); err != nil {
			return fmt.Errorf("postgres: marshal params for %s: %w", r.ID, err)
		}
	}
	_, err := s.pool.Exec(ctx, upsertRule,
		r.ID, string(domain.RuleKindCondition), r.Symbol, r.Name, "", 0.0, 0.0,
		string(r.Kind), r.Description, "", params, r.Active, string(r.State), r.CreatedAt, r.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save condition rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *RuleStore) ListPriceRules(ctx context.Context) ([]domain.PriceRule, error) {
	const query = `
		SELECT id, symbol, direction, target_price, last_observed_price, message,
		       active, state, created_at, triggered_at
		FROM alert_rules WHERE kind = 'price' ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list price rules: %w", err)
	}
	defer rows.Close()

	var out []domain.PriceRule
	for rows.Next() {
		var (
			r           domain.PriceRule
			direction   string
			state       string
			triggeredAt *time.Time
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &direction, &r.TargetPrice, &r.LastObservedPrice, &r.Message,
			&r.Active, &state, &r.CreatedAt, &triggeredAt); err != nil {
			return nil, fmt.Errorf("postgres: scan price rule: %w", err)
		}
		r.Direction = domain.Direction(direction)
		r.State = domain.RuleState(state)
		r.TriggeredAt = triggeredAt
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list price rules rows: %w", err)
	}
	return out, nil
}

func (s *RuleStore) ListConditionRules(ctx context.Context) ([]domain.ConditionRule, error) {
	const query = `
		SELECT id, name, symbol, condition, description, params,
		       active, state, created_at, triggered_at
		FROM alert_rules WHERE kind = 'condition' ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list condition rules: %w", err)
	}
	defer rows.Close()

	var out []domain.ConditionRule
	for rows.Next() {
		var (
			r           domain.ConditionRule
			kind        string
			state       string
			params      []byte
			triggeredAt *time.Time
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Symbol, &kind, &r.Description, &params,
			&r.Active, &state, &r.CreatedAt, &triggeredAt); err != nil {
			return nil, fmt.Errorf("postgres: scan condition rule: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &r.Params); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal params for %s: %w", r.ID, err)
			}
		}
		r.Kind = domain.ConditionKind(kind)
		r.State = domain.RuleState(state)
		r.TriggeredAt = triggeredAt
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list condition rules rows: %w", err)
	}
	return out, nil
}

// MarkTriggered records a trigger on an existing rule. It never inserts, so
// a rule deleted while its trigger was queued stays deleted.
func (s *RuleStore) MarkTriggered(ctx context.Context, kind domain.RuleKind, id string, triggeredAt time.Time, lastObservedPrice float64) error {
	const query = `
		UPDATE alert_rules
		SET state = $3, triggered_at = $4,
		    last_observed_price = CASE WHEN kind = 'price' THEN $5 ELSE last_observed_price END,
		    updated_at = NOW()
		WHERE kind = $1 AND id = $2`

	tag, err := s.pool.Exec(ctx, query, string(kind), id, string(domain.RuleStateTriggered), triggeredAt, lastObservedPrice)
	if err != nil {
		return fmt.Errorf("postgres: mark rule %s triggered: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark rule %s triggered: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteRule returns domain.ErrNotFound when no rule of kind has id.
func (s *RuleStore) DeleteRule(ctx context.Context, kind domain.RuleKind, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alert_rules WHERE kind = $1 AND id = $2`, string(kind), id)
	if err != nil {
		return fmt.Errorf("postgres: delete rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete rule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CountRules returns the number of stored rules of every kind.
func (s *RuleStore) CountRules(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM alert_rules`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count rules: %w", err)
	}
	return n, nil
}

var _ domain.RuleRepository = (*RuleStore)(nil)
