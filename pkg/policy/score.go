package policy

import (
	"strings"

	"aegis/pkg/models"
)

var typeBase = map[models.PolicyType]int{
	models.PolicyDeviceSecurity:        90,
	models.PolicyRiskAssessment:        85,
	models.PolicyTransactionLimit:      80,
	models.PolicyTimeRestriction:       60,
	models.PolicyGeographicRestriction: 55,
}

var levelMultiplier = map[models.EnforcementLevel]int{
	models.EnforcementBlock:      100,
	models.EnforcementRequireMFA: 80,
	models.EnforcementWarn:       60,
	models.EnforcementNotify:     40,
}

// SeverityScore scales the policy type base score by the enforcement level.
func SeverityScore(typ models.PolicyType, level models.EnforcementLevel) int {
	base, ok := typeBase[typ]
	if !ok {
		base = 50
	}
	mult, ok := levelMultiplier[level]
	if !ok {
		mult = 50
	}
	return base * mult / 100
}

// RiskScore adds request risk signals on top of the severity, capped at 100.
func RiskScore(severity int, details map[string]any) int {
	score := severity
	flag := func(field string) bool {
		v, ok := Resolve(details, field)
		return ok && strings.EqualFold(v, "true")
	}
	is := func(field, want string) bool {
		v, ok := Resolve(details, field)
		return ok && strings.EqualFold(v, want)
	}
	if flag("riskFactors.isLocationChanged") {
		score += 20
	}
	if flag("riskFactors.isDeviceChanged") {
		score += 30
	}
	if flag("riskFactors.isDormantAccount") {
		score += 25
	}
	if is("transactionContext.amountRange", "HIGH") {
		score += 15
	}
	if is("transactionContext.beneficiaryType", "NEW") {
		score += 10
	}
	if is("transactionContext.timeOfDay", "NIGHT") {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// Violations turns a decision into one record per triggered rule.
func Violations(d Decision, deviceID, clientID string, details map[string]any) []models.PolicyViolation {
	out := make([]models.PolicyViolation, 0, len(d.Triggered))
	flat := flatten(details)
	for _, t := range d.Triggered {
		sev := SeverityScore(t.PolicyType, t.Level)
		out = append(out, models.PolicyViolation{
			DeviceID:         deviceID,
			ClientID:         clientID,
			PolicyID:         t.PolicyID,
			PolicyName:       t.PolicyName,
			RuleID:           t.RuleID,
			RuleName:         t.RuleName,
			ActionTaken:      t.Level,
			SeverityScore:    sev,
			RiskScore:        RiskScore(sev, details),
			RequestDetails:   flat,
			ViolationMessage: t.Message,
		})
	}
	return out
}

func flatten(m map[string]any) map[string]string {
	out := map[string]string{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		if nested, ok := asMap(v); ok {
			for k, inner := range nested {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				walk(key, inner)
			}
			return
		}
		if s, ok := stringify(v); ok && prefix != "" {
			out[prefix] = s
		}
	}
	walk("", m)
	return out
}
