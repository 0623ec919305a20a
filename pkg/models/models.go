package models

import (
	"strings"
	"time"
)

// RegistrationKey is an operator-issued credential that lets a client's devices register.
type RegistrationKey struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	KeyValue    string    `json:"-"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"is_active"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	UseCount    int       `json:"use_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Expired reports whether the key has an expiry set that lies before now.
func (k RegistrationKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && k.ExpiresAt.Before(now)
}

type DeviceStatus string

const (
	DeviceUnregistered DeviceStatus = "UNREGISTERED"
	DeviceActive       DeviceStatus = "ACTIVE"
	DeviceInactive     DeviceStatus = "INACTIVE"
)

// Device is a registered client device. SecretKey never leaves the process
// except in the registration response.
type Device struct {
	ID        string       `json:"id"`
	DeviceID  string       `json:"device_id"`
	ClientID  string       `json:"client_id"`
	SecretKey string       `json:"-"`
	Status    DeviceStatus `json:"status"`
	LastSeen  time.Time    `json:"last_seen,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

func (d Device) IsActive() bool {
	return d.Status == DeviceActive
}

// DeviceIdentity is what a successful registration hands back to the caller.
type DeviceIdentity struct {
	DeviceID  string `json:"deviceId"`
	SecretKey string `json:"secretKey"`
	ClientID  string `json:"clientId"`
}

type PolicyType string

const (
	PolicyTransactionLimit      PolicyType = "TRANSACTION_LIMIT"
	PolicyDeviceSecurity        PolicyType = "DEVICE_SECURITY"
	PolicyGeographicRestriction PolicyType = "GEOGRAPHIC_RESTRICTION"
	PolicyTimeRestriction       PolicyType = "TIME_RESTRICTION"
	PolicyRiskAssessment        PolicyType = "RISK_ASSESSMENT"
)

// EnforcementLevel is ordered by severity; Allow sits below every policy level.
type EnforcementLevel string

const (
	EnforcementAllow      EnforcementLevel = "ALLOW"
	EnforcementNotify     EnforcementLevel = "NOTIFY"
	EnforcementWarn       EnforcementLevel = "WARN"
	EnforcementRequireMFA EnforcementLevel = "REQUIRE_MFA"
	EnforcementBlock      EnforcementLevel = "BLOCK"
)

// Severity ranks the level. Unknown levels rank with Allow.
func (l EnforcementLevel) Severity() int {
	switch l {
	case EnforcementNotify:
		return 1
	case EnforcementWarn:
		return 2
	case EnforcementRequireMFA:
		return 3
	case EnforcementBlock:
		return 4
	default:
		return 0
	}
}

func ParseEnforcementLevel(raw string) (EnforcementLevel, bool) {
	l := EnforcementLevel(strings.ToUpper(strings.TrimSpace(raw)))
	if l.Severity() == 0 {
		return EnforcementAllow, false
	}
	return l, true
}

type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpIn          Operator = "IN"
	OpBetween     Operator = "BETWEEN"
)

type Policy struct {
	ID               string           `json:"id"`
	ClientID         string           `json:"client_id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	Type             PolicyType       `json:"type"`
	EnforcementLevel EnforcementLevel `json:"enforcement_level"`
	IsActive         bool             `json:"is_active"`
	Rules            []PolicyRule     `json:"rules"`
	CreatedAt        time.Time        `json:"created_at"`
}

type PolicyRule struct {
	ID             string   `json:"id"`
	PolicyID       string   `json:"policy_id"`
	Name           string   `json:"name"`
	ConditionField string   `json:"condition_field"`
	Operator       Operator `json:"operator"`
	ConditionValue string   `json:"condition_value"`
	ErrorMessage   string   `json:"error_message"`
	Priority       int      `json:"priority"`
	IsActive       bool     `json:"is_active"`
}

// SignatureContext carries the parts of a request that make up its canonical string.
type SignatureContext struct {
	DeviceID        string
	Method          string
	Path            string
	TimestampMillis int64
	Nonce           string
	BodyHash        string
}

// DeviceRebindingLog is append-only.
type DeviceRebindingLog struct {
	ID                 string    `json:"id"`
	User               string    `json:"user"`
	OldDeviceID        string    `json:"old_device_id,omitempty"`
	NewDeviceID        string    `json:"new_device_id"`
	VerificationMethod string    `json:"verification_method"`
	IPAddress          string    `json:"ip_address,omitempty"`
	UserAgent          string    `json:"user_agent,omitempty"`
	Success            bool      `json:"success"`
	FailureReason      string    `json:"failure_reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// DeviceBinding is the user's currently trusted device.
type DeviceBinding struct {
	User              string    `json:"user"`
	DeviceID          string    `json:"device_id"`
	RequiresRebinding bool      `json:"requires_rebinding"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PolicyViolation records one triggered rule for later review.
type PolicyViolation struct {
	ID               string            `json:"id"`
	DeviceID         string            `json:"device_id"`
	ClientID         string            `json:"client_id"`
	PolicyID         string            `json:"policy_id"`
	PolicyName       string            `json:"policy_name"`
	RuleID           string            `json:"rule_id"`
	RuleName         string            `json:"rule_name"`
	ActionTaken      EnforcementLevel  `json:"action_taken"`
	SeverityScore    int               `json:"severity_score"`
	RiskScore        int               `json:"risk_score"`
	RequestDetails   map[string]string `json:"request_details,omitempty"`
	ViolationMessage string            `json:"violation_message"`
	IPAddress        string            `json:"ip_address,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// FraudReport is sent by a relying party when it suspects a device.
type FraudReport struct {
	ID                string    `json:"id"`
	DeviceID          string    `json:"deviceId"`
	BankTransactionID string    `json:"bankTransactionId"`
	ReasonCode        string    `json:"reasonCode"`
	Description       string    `json:"description"`
	CreatedAt         time.Time `json:"createdAt"`
}

const (
	DeviceEventRegistered  = "device.registered"
	DeviceEventDeactivated = "device.deactivated"
	DeviceEventRebound     = "device.rebound"
)

// DeviceEvent is published when a device changes lifecycle state.
type DeviceEvent struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id"`
	ClientID string    `json:"client_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// IdentityProfile is the identity data a user enrolled with. Answers hold
// hashes of normalised security answers, keyed by question ID.
type IdentityProfile struct {
	User         string            `json:"user"`
	AadhaarLast4 string            `json:"-"`
	PAN          string            `json:"-"`
	Answers      map[string]string `json:"-"`
}
