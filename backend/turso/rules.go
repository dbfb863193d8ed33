package turso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mhpenta/ingestq/categorize"
)

const ruleColumns = `id, name, priority, active, category_id, conditions, created_at, updated_at`

func scanRule(row scanner) (categorize.RuleDefinition, error) {
	var def categorize.RuleDefinition
	var active int
	var conditions string
	var createdAt, updatedAt int64
	if err := row.Scan(&def.ID, &def.Name, &def.Priority, &active, &def.CategoryID, &conditions, &createdAt, &updatedAt); err != nil {
		return categorize.RuleDefinition{}, err
	}
	def.Active = active != 0
	if err := json.Unmarshal([]byte(conditions), &def.Conditions); err != nil {
		// Kept loadable: the compiler reports a rule without conditions.
		def.Conditions = nil
	}
	def.CreatedAt = fromMillis(createdAt)
	def.UpdatedAt = fromMillis(updatedAt)
	return def, nil
}

func (s *Store) ListRules(ctx context.Context) ([]categorize.RuleDefinition, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM categorization_rules ORDER BY priority ASC, id ASC`)
}

func (s *Store) ListActiveRules(ctx context.Context) ([]categorize.RuleDefinition, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM categorization_rules WHERE active = 1 ORDER BY priority ASC, id ASC`)
}

func (s *Store) queryRules(ctx context.Context, query string) ([]categorize.RuleDefinition, error) {
	rows, err := s.db.QueryContext(ctx, query)
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
	def, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM categorization_rules WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	conditions, err := json.Marshal(def.Conditions)
	if err != nil {
		return categorize.RuleDefinition{}, fmt.Errorf("failed to marshal rule conditions: %w", err)
	}
	if def.Conditions == nil {
		conditions = []byte(`{}`)
	}
	now := millis(s.now())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO categorization_rules (id, name, priority, active, category_id, conditions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			priority = excluded.priority,
			active = excluded.active,
			category_id = excluded.category_id,
			conditions = excluded.conditions,
			updated_at = excluded.updated_at`,
		def.ID, def.Name, def.Priority, boolInt(def.Active), def.CategoryID, string(conditions), now, now)
	if err != nil {
		return categorize.RuleDefinition{}, fmt.Errorf("failed to save rule: %w", err)
	}
	return s.GetRule(ctx, def.ID)
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM categorization_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n == 0 {
		return categorize.ErrRuleNotFound
	}
	return nil
}
