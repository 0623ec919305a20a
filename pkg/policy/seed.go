package policy

import (
	"fmt"
	"time"

	"aegis/pkg/models"
)

// Seed returns the reference policy set for a retail banking client. IDs are
// derived from the client ID so reseeding is idempotent.
func Seed(clientID string, createdAt time.Time) []models.Policy {
	policy := func(n int, name, desc string, typ models.PolicyType, level models.EnforcementLevel, rules ...models.PolicyRule) models.Policy {
		id := fmt.Sprintf("%s-policy-%d", clientID, n)
		for i := range rules {
			rules[i].ID = fmt.Sprintf("%s-rule-%d", id, i+1)
			rules[i].PolicyID = id
			rules[i].IsActive = true
		}
		return models.Policy{
			ID:               id,
			ClientID:         clientID,
			Name:             name,
			Description:      desc,
			Type:             typ,
			EnforcementLevel: level,
			IsActive:         true,
			Rules:            rules,
			CreatedAt:        createdAt.Add(time.Duration(n) * time.Millisecond),
		}
	}
	rule := func(name, field string, op models.Operator, value, msg string, priority int) models.PolicyRule {
		return models.PolicyRule{
			Name:           name,
			ConditionField: field,
			Operator:       op,
			ConditionValue: value,
			ErrorMessage:   msg,
			Priority:       priority,
		}
	}

	return []models.Policy{
		policy(1, "Daily Transaction Limit Policy", "Enforces daily transaction limits for mobile banking",
			models.PolicyTransactionLimit, models.EnforcementBlock,
			rule("Single Transaction Limit", "transaction.amount", models.OpGreaterThan, "500000",
				"Transaction amount exceeds single transaction limit of ₹5,00,000", 100),
			rule("Daily Cumulative Limit", "dailyTotal", models.OpGreaterThan, "1000000",
				"Daily transaction limit of ₹10,00,000 exceeded", 90),
		),
		policy(2, "Device Security Policy", "Ensures device meets minimum security requirements",
			models.PolicyDeviceSecurity, models.EnforcementBlock,
			rule("No Rooted Devices", "device.isRooted", models.OpEquals, "true",
				"Banking operations not allowed on rooted/jailbroken devices", 100),
			rule("Minimum Android Version", "device.osVersion", models.OpLessThan, "10.0",
				"Android version 10 or higher required for banking", 90),
		),
		policy(3, "Geographic Restriction Policy", "Requires additional authentication for international transactions",
			models.PolicyGeographicRestriction, models.EnforcementRequireMFA,
			rule("International Transaction MFA", "location.country", models.OpNotEquals, "IN",
				"International transactions require additional authentication", 100),
			rule("Block High-Risk Countries", "location.country", models.OpIn, "KP,IR,SY",
				"Transactions not allowed from this location", 110),
		),
		policy(4, "Time-Based Transaction Policy", "Monitors unusual transaction timing patterns",
			models.PolicyTimeRestriction, models.EnforcementWarn,
			rule("Late Night High Value", "hourOfDay", models.OpBetween, "0,6",
				"High-value transaction detected during unusual hours", 80),
		),
		policy(5, "Risk Assessment Policy", "Monitors and flags suspicious transaction patterns",
			models.PolicyRiskAssessment, models.EnforcementNotify,
			rule("Multiple Failed Attempts", "failedAttempts", models.OpGreaterThan, "3",
				"Multiple failed authentication attempts detected", 100),
			rule("Transaction Velocity Check", "transactionsPerHour", models.OpGreaterThan, "10",
				"Unusual transaction velocity detected", 90),
		),
	}
}
