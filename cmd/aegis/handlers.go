package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aegis/pkg/auth"
	"aegis/pkg/fraud"
	"aegis/pkg/httpx"
	"aegis/pkg/identity"
	"aegis/pkg/models"
	"aegis/pkg/policy"
	"aegis/pkg/rebind"
	"aegis/pkg/registry"

	"github.com/go-chi/chi/v5"
)

const (
	headerTransactionAmount = "X-Transaction-Amount"
	headerBeneficiaryType   = "X-Beneficiary-Type"

	messageRegistered     = "Device registered successfully"
	messageSignatureOK    = "Signature is valid"
	messageSignatureNotOK = "Signature is invalid"
)

// decodeJSON keeps numbers as json.Number so amounts reach the policy engine
// without float rounding.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type registerRequest struct {
	ClientID        string `json:"clientId"`
	RegistrationKey string `json:"registrationKey"`
	IntegrityToken  string `json:"integrityToken,omitempty"`
}

type registerResponse struct {
	Status    string `json:"status"`
	DeviceID  string `json:"deviceId,omitempty"`
	SecretKey string `json:"secretKey,omitempty"`
	Message   string `json:"message"`
}

func registrationFailure(err error) (int, string, string) {
	switch {
	case errors.Is(err, registry.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", "clientId and registrationKey are required"
	case errors.Is(err, registry.ErrInvalidCredential):
		return http.StatusBadRequest, "invalid_credential", "Invalid registration key"
	case errors.Is(err, registry.ErrClientMismatch):
		return http.StatusBadRequest, "client_mismatch", "Registration key does not belong to this client"
	case errors.Is(err, registry.ErrCredentialExpired):
		return http.StatusBadRequest, "credential_expired", "Registration key expired"
	case errors.Is(err, registry.ErrIntegrityCheckFailed):
		return http.StatusForbidden, "integrity_failed", "Device integrity check failed"
	default:
		return http.StatusServiceUnavailable, "unavailable", "Service unavailable"
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if s.Limiter != nil {
		if d := s.Limiter.Allow(r.Context(), httpx.ClientIP(r), s.Config.RegisterRateLimit); !d.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(d.ResetAt).Seconds())+1))
			httpx.WriteJSON(w, http.StatusTooManyRequests, registerResponse{Status: "error", Message: "Too many registration attempts"})
			return
		}
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, registerResponse{Status: "error", Message: "invalid json"})
		return
	}
	id, err := s.Registry.Register(r.Context(), req.ClientID, req.RegistrationKey, req.IntegrityToken)
	if err != nil {
		status, outcome, msg := registrationFailure(err)
		s.Metrics.IncRegistration(outcome)
		if status >= http.StatusInternalServerError {
			s.Log.Error().Err(err).Str("client_id", req.ClientID).Msg("registration failed")
		} else {
			s.Log.Warn().Str("client_id", req.ClientID).Str("outcome", outcome).Msg("registration refused")
		}
		httpx.WriteJSON(w, status, registerResponse{Status: "error", Message: msg})
		return
	}
	s.Metrics.IncRegistration("success")
	httpx.WriteJSON(w, http.StatusOK, registerResponse{
		Status:    "success",
		DeviceID:  id.DeviceID,
		SecretKey: id.SecretKey,
		Message:   messageRegistered,
	})
}

type validateRequest struct {
	DeviceID     string         `json:"deviceId"`
	Signature    string         `json:"signature"`
	StringToSign string         `json:"stringToSign,omitempty"`
	Method       string         `json:"method,omitempty"`
	Path         string         `json:"path,omitempty"`
	Timestamp    json.Number    `json:"timestamp,omitempty"`
	Nonce        string         `json:"nonce,omitempty"`
	BodyHash     string         `json:"bodyHash,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

type validateResponse struct {
	IsValid  bool             `json:"isValid"`
	Message  string           `json:"message"`
	DeviceID string           `json:"deviceId,omitempty"`
	Policy   *policy.Decision `json:"policy,omitempty"`
}

// validateSignature is the server-to-server check. With a valid signature the
// device's client policies are evaluated against the supplied context.
func (s *Server) validateSignature(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, validateResponse{Message: "invalid json"})
		return
	}
	var (
		device *models.Device
		err    error
	)
	if strings.TrimSpace(req.StringToSign) != "" {
		device, err = s.Validator.ValidateStringToSign(r.Context(), req.DeviceID, req.Signature, req.StringToSign)
	} else {
		device, err = s.Validator.Validate(r.Context(), auth.Request{
			Credentials: auth.Credentials{
				Signature: req.Signature,
				DeviceID:  req.DeviceID,
				Timestamp: req.Timestamp.String(),
				Nonce:     req.Nonce,
			},
			Method:   strings.ToUpper(strings.TrimSpace(req.Method)),
			Path:     req.Path,
			BodyHash: req.BodyHash,
		})
	}
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			httpx.WriteJSON(w, http.StatusUnauthorized, validateResponse{Message: messageSignatureNotOK})
			return
		}
		s.internalError(w, "validate signature", err)
		return
	}

	evalCtx := contextFromRequest(r, req.Context)
	d, err := s.Engine.Evaluate(r.Context(), device.ClientID, evalCtx)
	if err != nil {
		s.internalError(w, "evaluate policies", err)
		return
	}
	s.recordViolations(r, d, device.DeviceID, device.ClientID, evalCtx)
	httpx.WriteJSON(w, http.StatusOK, validateResponse{
		IsValid:  true,
		Message:  messageSignatureOK,
		DeviceID: device.DeviceID,
		Policy:   &d,
	})
}

// contextFromRequest merges the body context with the transaction headers.
// A non-numeric amount header is ignored.
func contextFromRequest(r *http.Request, body map[string]any) map[string]any {
	out := make(map[string]any, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	if amount := strings.TrimSpace(r.Header.Get(headerTransactionAmount)); amount != "" {
		if _, ok := new(big.Rat).SetString(amount); ok {
			out["transaction.amount"] = amount
		}
	}
	if bt := strings.TrimSpace(r.Header.Get(headerBeneficiaryType)); bt != "" {
		out["transactionContext.beneficiaryType"] = strings.ToUpper(bt)
	}
	return out
}

func (s *Server) recordViolations(r *http.Request, d policy.Decision, deviceID, clientID string, evalCtx map[string]any) {
	if s.Trail == nil || len(d.Triggered) == 0 {
		return
	}
	ip, ua := httpx.ClientIP(r), r.UserAgent()
	for _, v := range policy.Violations(d, deviceID, clientID, evalCtx) {
		v.IPAddress = ip
		v.UserAgent = ua
		if err := s.Trail.AppendViolation(r.Context(), v); err != nil {
			s.Log.Error().Err(err).Str("client_id", clientID).Str("rule_id", v.RuleID).Msg("policy violation not recorded")
		}
	}
}

type evaluateResponse struct {
	Allowed          bool                    `json:"allowed"`
	EnforcementLevel models.EnforcementLevel `json:"enforcementLevel"`
	Message          string                  `json:"message"`
	RequiresMFA      bool                    `json:"requiresMfa"`
	Triggered        []policy.Triggered      `json:"triggered,omitempty"`
}

// evaluatePolicy is a dry run. Violations are only recorded for signed
// requests, where the device id is authenticated.
func (s *Server) evaluatePolicy(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	evalCtx := map[string]any{}
	if err := decodeJSON(r, &evalCtx); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	evalCtx = contextFromRequest(r, evalCtx)
	d, err := s.Engine.Evaluate(r.Context(), clientID, evalCtx)
	if err != nil {
		s.internalError(w, "evaluate policies", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, evaluateResponse{
		Allowed:          d.Allowed,
		EnforcementLevel: d.EnforcementLevel,
		Message:          d.Message,
		RequiresMFA:      d.RequiresMFA,
		Triggered:        d.Triggered,
	})
}

type rebindRequest struct {
	User   string        `json:"user"`
	Method rebind.Method `json:"verificationMethod"`
	rebind.Evidence
}

// rebindDevice runs on the signed route: the authenticated device is the one
// the user moves to. RebindClientID, when set, names a shared policy set for
// the rebinding gate instead of the device's own client.
func (s *Server) rebindDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := auth.DeviceFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
		return
	}
	var req rebindRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	clientID := device.ClientID
	if s.Config.RebindClientID != "" {
		clientID = s.Config.RebindClientID
	}
	out, err := s.Rebind.Rebind(r.Context(), rebind.Request{
		User:        req.User,
		NewDeviceID: device.DeviceID,
		Method:      req.Method,
		Evidence:    req.Evidence,
		ClientID:    clientID,
		IPAddress:   httpx.ClientIP(r),
		UserAgent:   r.UserAgent(),
	})
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, out)
	case errors.Is(err, rebind.ErrInvalidRequest):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rebind.ErrVerificationFailed):
		httpx.WriteJSON(w, http.StatusUnauthorized, out)
	case errors.Is(err, rebind.ErrPolicyBlocked):
		httpx.WriteJSON(w, http.StatusForbidden, out)
	default:
		s.internalError(w, "rebind device", err)
	}
}

func (s *Server) deviceSelf(w http.ResponseWriter, r *http.Request) {
	device, ok := auth.DeviceFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, auth.ErrUnauthorized.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, device)
}

func (s *Server) reportFraud(w http.ResponseWriter, r *http.Request) {
	var rep models.FraudReport
	if err := decodeJSON(r, &rep); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	rep.ID, rep.CreatedAt = "", time.Time{}
	stored, err := s.Fraud.Report(r.Context(), rep)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{"id": stored.ID, "deviceId": stored.DeviceID, "message": "Fraud report processed"})
	case errors.Is(err, fraud.ErrInvalidReport):
		httpx.Error(w, http.StatusBadRequest, "deviceId and reasonCode are required")
	case errors.Is(err, fraud.ErrUnknownDevice):
		httpx.Error(w, http.StatusNotFound, "Device not found")
	default:
		s.internalError(w, "report fraud", err)
	}
}

func (s *Server) fraudStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Fraud.Stats(r.Context())
	if err != nil {
		s.internalError(w, "fraud stats", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

type keyRequest struct {
	ClientID    string    `json:"clientId"`
	Description string    `json:"description,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) writeKeyError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidRequest):
		httpx.Error(w, http.StatusBadRequest, "clientId required")
	case errors.Is(err, registry.ErrKeyExists):
		httpx.Error(w, http.StatusConflict, "client already holds an active registration key")
	case errors.Is(err, registry.ErrInvalidCredential):
		httpx.Error(w, http.StatusNotFound, "no registration key for client")
	default:
		s.internalError(w, op, err)
	}
}

func (s *Server) issueKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	key, err := s.Registry.IssueKey(r.Context(), req.ClientID, req.Description, req.ExpiresAt)
	if err != nil {
		s.writeKeyError(w, "issue key", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, key)
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Registry.ListKeys(r.Context())
	if err != nil {
		s.internalError(w, "list keys", err)
		return
	}
	if keys == nil {
		keys = []models.RegistrationKey{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	if err := s.Registry.RevokeKey(r.Context(), clientID); err != nil {
		s.writeKeyError(w, "revoke key", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"clientId": clientID, "status": "revoked"})
}

func (s *Server) regenerateKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	key, err := s.Registry.RegenerateKey(r.Context(), chi.URLParam(r, "clientId"), req.ExpiresAt)
	if err != nil {
		s.writeKeyError(w, "regenerate key", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, key)
}

// issueOTP returns the code to the operator, who delivers it out of band.
func (s *Server) issueOTP(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	code, err := s.OTP.Issue(r.Context(), user)
	if err != nil {
		s.internalError(w, "issue otp", err)
		return
	}
	ttl := s.OTP.TTL
	if ttl <= 0 {
		ttl = rebind.DefaultOTPTTL
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"user": user, "code": code, "expiresInSeconds": int(ttl.Seconds())})
}

type profileRequest struct {
	AadhaarLast4    string            `json:"aadhaarLast4"`
	PAN             string            `json:"panNumber"`
	SecurityAnswers map[string]string `json:"securityAnswers"`
}

// enrollProfile stores only hashes of the security answers.
func (s *Server) enrollProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	p := models.IdentityProfile{
		User:         chi.URLParam(r, "user"),
		AadhaarLast4: strings.TrimSpace(req.AadhaarLast4),
		PAN:          strings.ToUpper(strings.TrimSpace(req.PAN)),
		Answers:      make(map[string]string, len(req.SecurityAnswers)),
	}
	for q, a := range req.SecurityAnswers {
		h, err := identity.HashAnswer(a)
		if err != nil {
			s.internalError(w, "hash answer", err)
			return
		}
		p.Answers[q] = h
	}
	if err := s.Profiles.Upsert(r.Context(), p); err != nil {
		s.internalError(w, "enroll profile", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": p.User, "questions": len(p.Answers)})
}

func (s *Server) requireRebind(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	err := s.Bindings.RequireRebinding(r.Context(), user, time.Now().UTC())
	if errors.Is(err, registry.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "no device bound for user")
		return
	}
	if err != nil {
		s.internalError(w, "require rebind", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": user, "requiresRebinding": true})
}

func (s *Server) rebindHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			httpx.Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	user := chi.URLParam(r, "user")
	logs, err := s.Trail.RebindHistory(r.Context(), user, limit)
	if err != nil {
		s.internalError(w, "rebind history", err)
		return
	}
	if logs == nil {
		logs = []models.DeviceRebindingLog{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": user, "attempts": logs})
}

// savePolicy replaces one policy of the client. Rules are validated before
// anything is stored.
func (s *Server) savePolicy(w http.ResponseWriter, r *http.Request) {
	var p models.Policy
	if err := decodeJSON(r, &p); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	p.ClientID = chi.URLParam(r, "clientId")
	if err := validatePolicy(&p); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Policies.SavePolicy(r.Context(), p); err != nil {
		s.internalError(w, "save policy", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func validatePolicy(p *models.Policy) error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
		return errors.New("policy id and name required")
	}
	level, ok := models.ParseEnforcementLevel(string(p.EnforcementLevel))
	if !ok {
		return fmt.Errorf("unknown enforcement level %q", p.EnforcementLevel)
	}
	p.EnforcementLevel = level
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	for i := range p.Rules {
		rule := &p.Rules[i]
		rule.PolicyID = p.ID
		if strings.TrimSpace(rule.ID) == "" || strings.TrimSpace(rule.ConditionField) == "" {
			return errors.New("rule id and condition_field required")
		}
		rule.Operator = models.Operator(strings.ToUpper(strings.TrimSpace(string(rule.Operator))))
		if _, err := policy.Apply(rule.Operator, "0", rule.ConditionValue); errors.Is(err, policy.ErrConfiguration) {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}
	return nil
}
