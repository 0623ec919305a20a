package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"aegis/pkg/models"
)

// sensitiveDetails are request detail keys whose values never reach the trail
// in clear when redaction is on. Matching is on the last path segment.
var sensitiveDetails = map[string]struct{}{
	"accountnumber":      {},
	"beneficiaryaccount": {},
	"aadhaar":            {},
	"aadhaarlast4":       {},
	"pan":                {},
	"phone":              {},
	"email":              {},
	"otp":                {},
}

func redactRebind(rec models.DeviceRebindingLog, salt []byte) models.DeviceRebindingLog {
	rec.IPAddress = hashOptional(rec.IPAddress, salt)
	rec.UserAgent = hashOptional(rec.UserAgent, salt)
	return rec
}

func redactViolation(v models.PolicyViolation, salt []byte) models.PolicyViolation {
	v.IPAddress = hashOptional(v.IPAddress, salt)
	v.UserAgent = hashOptional(v.UserAgent, salt)
	if len(v.RequestDetails) > 0 {
		details := make(map[string]string, len(v.RequestDetails))
		for k, val := range v.RequestDetails {
			if isSensitive(k) {
				val = hashString(val, salt)
			}
			details[k] = val
		}
		v.RequestDetails = details
	}
	return v
}

func isSensitive(key string) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	_, ok := sensitiveDetails[strings.ToLower(key)]
	return ok
}

func hashOptional(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashString(v, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
