package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mhpenta/ingestq/categorize"
)

const ruleColumns = `id, name, priority, active, category_id, conditions, created_at, updated_at`

func scanRule(row pgx.Row) (categorize.RuleDefinition, error) {
	var def categorize.RuleDefinition
	var conditions []byte
	if err := row.Scan(&def.ID, &def.Name, &def.Priority, &def.Active, &def.CategoryID, &conditions, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return categorize.RuleDefinition{}, err
	}
	if err := json.Unmarshal(conditions, &def.Conditions); err != nil {
		def.Conditions = nil
	}
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = def.UpdatedAt.UTC()
	return def, nil
}

func (s *Store) ListRules(ctx context.Context) ([]categorize.RuleDefinition, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM categorization_rules ORDER BY priority ASC, id ASC`)
}

func (s *Store) ListActiveRules(ctx context.Context) ([]categorize.RuleDefinition, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM categorization_rules WHERE active ORDER BY priority ASC, id ASC`)
}

func (s *Store) queryRules(ctx context.Context, query string) ([]categorize.RuleDefinition, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	defs := []categorize.RuleDefinition{}
	for rows.Next() {
		def, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *Store) GetRule(ctx context.Context, id string) (categorize.RuleDefinition, error) {
	def, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM categorization_rules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return categorize.RuleDefinition{}, categorize.ErrRuleNotFound
		}
		return categorize.RuleDefinition{}, fmt.Errorf("failed to get rule: %w", err)
	}
	return def, nil
}

func (s *Store) SaveRule(ctx context.Context, def categorize.RuleDefinition) (categorize.RuleDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	conditions := []byte(`{}`)
	if def.Conditions != nil {
		b, err := json.Marshal(def.Conditions)
		if err != nil {
			return categorize.RuleDefinition{}, fmt.Errorf("failed to marshal rule conditions: %w", err)
		}
		conditions = b
	}

	def, err := scanRule(s.pool.QueryRow(ctx, `
		INSERT INTO categorization_rules (id, name, priority, active, category_id, conditions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active,
			category_id = EXCLUDED.category_id,
			conditions = EXCLUDED.conditions,
			updated_at = EXCLUDED.updated_at
		RETURNING `+ruleColumns,
		def.ID, def.Name, def.Priority, def.Active, def.CategoryID, conditions, s.now()))
	if err != nil {
		return categorize.RuleDefinition{}, fmt.Errorf("failed to save rule: %w", err)
	}
	return def, nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM categorization_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return categorize.ErrRuleNotFound
	}
	return nil
}
