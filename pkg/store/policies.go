package store

import (
	"context"
	"fmt"

	"aegis/pkg/models"
)

// PolicyRepo serves active policies with their rules in creation order.
type PolicyRepo struct {
	DB DB
}

func (r *PolicyRepo) ActivePolicies(ctx context.Context, clientID string) ([]models.Policy, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT p.id, p.client_id, p.name, COALESCE(p.description,''), p.policy_type, p.enforcement_level, p.is_active, p.created_at,
		       r.id, r.name, r.condition_field, r.operator, r.condition_value, r.error_message, r.priority, r.is_active
		FROM policies p
		LEFT JOIN policy_rules r ON r.policy_id = p.id
		WHERE p.client_id=$1 AND p.is_active
		ORDER BY p.created_at, p.id, r.priority DESC, r.id
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var out []models.Policy
	index := map[string]int{}
	for rows.Next() {
		var (
			p                                             models.Policy
			policyType, level                             string
			ruleID, ruleName, field, op, value, errorMsg *string
			priority                                      *int
			ruleActive                                    *bool
		)
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Name, &p.Description, &policyType, &level, &p.IsActive, &p.CreatedAt,
			&ruleID, &ruleName, &field, &op, &value, &errorMsg, &priority, &ruleActive); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		i, seen := index[p.ID]
		if !seen {
			p.Type = models.PolicyType(policyType)
			p.EnforcementLevel = models.EnforcementLevel(level)
			out = append(out, p)
			i = len(out) - 1
			index[p.ID] = i
		}
		if ruleID == nil {
			continue
		}
		out[i].Rules = append(out[i].Rules, models.PolicyRule{
			ID:             *ruleID,
			PolicyID:       p.ID,
			Name:           deref(ruleName),
			ConditionField: deref(field),
			Operator:       models.Operator(deref(op)),
			ConditionValue: deref(value),
			ErrorMessage:   deref(errorMsg),
			Priority:       derefInt(priority),
			IsActive:       ruleActive != nil && *ruleActive,
		})
	}
	return out, rows.Err()
}

// SavePolicy inserts a policy and its rules, leaving existing rows untouched.
func (r *PolicyRepo) SavePolicy(ctx context.Context, p models.Policy) error {
	if _, err := r.DB.Exec(ctx, `
		INSERT INTO policies (id, client_id, name, description, policy_type, enforcement_level, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, p.ID, p.ClientID, p.Name, p.Description, string(p.Type), string(p.EnforcementLevel), p.IsActive, p.CreatedAt); err != nil {
		return fmt.Errorf("insert policy %s: %w", p.ID, err)
	}
	for _, rule := range p.Rules {
		if _, err := r.DB.Exec(ctx, `
			INSERT INTO policy_rules (id, policy_id, name, condition_field, operator, condition_value, error_message, priority, is_active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (id) DO NOTHING
		`, rule.ID, p.ID, rule.Name, rule.ConditionField, string(rule.Operator), rule.ConditionValue, rule.ErrorMessage, rule.Priority, rule.IsActive); err != nil {
			return fmt.Errorf("insert rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
