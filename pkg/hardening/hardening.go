// Package hardening refuses to start a production-like deployment with
// settings that weaken request integrity.
package hardening

import (
	"fmt"
	"strings"
	"time"
)

// MaxSignatureTolerance bounds the accepted clock skew in strict mode.
const MaxSignatureTolerance = 15 * time.Minute

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	// NonceBackend must be shared across replicas, otherwise a nonce seen by
	// one instance can be replayed against another.
	NonceBackend           string
	SignatureTolerance     time.Duration
	RequiredServiceSecrets []EnvRequirement
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if !strings.EqualFold(strings.TrimSpace(o.NonceBackend), "redis") {
		return fmt.Errorf("%s: strict production hardening requires the redis nonce backend, got %q", service, o.NonceBackend)
	}
	if strings.TrimSpace(o.RedisAddr) == "" {
		return fmt.Errorf("%s: strict production hardening requires REDIS_ADDR", service)
	}
	if !isTrue(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
	}
	if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
		return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
	}
	if o.SignatureTolerance > MaxSignatureTolerance {
		return fmt.Errorf("%s: signature tolerance %s exceeds %s", service, o.SignatureTolerance, MaxSignatureTolerance)
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
