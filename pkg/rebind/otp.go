package rebind

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"aegis/pkg/identity"
	"aegis/pkg/store"
)

const (
	DefaultOTPTTL = 5 * time.Minute
	otpDigits     = 6
)

// OTPVerifier issues one-time codes into the shared cache and consumes them on
// verification. Only a hash of the code is stored.
type OTPVerifier struct {
	Cache store.Cache
	TTL   time.Duration
}

func otpKey(user string) string { return "otp:" + user }

// Issue creates a fresh code for user, replacing any outstanding one. The
// caller delivers it out of band.
func (v OTPVerifier) Issue(ctx context.Context, user string) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", errors.New("user required")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	code := fmt.Sprintf("%0*d", otpDigits, n.Int64())
	ttl := v.TTL
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	if err := v.Cache.Set(ctx, otpKey(user), identity.HashString(code), ttl); err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	return code, nil
}

func (v OTPVerifier) Verify(ctx context.Context, user string, ev Evidence) (Result, error) {
	code := strings.TrimSpace(ev.OTPCode)
	if len(code) != otpDigits {
		return fail("otp code required"), nil
	}
	stored, err := v.Cache.GetDel(ctx, otpKey(user))
	if store.IsCacheMiss(err) {
		return fail("otp expired or not issued"), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("consume otp: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(identity.HashString(code))) != 1 {
		return fail("otp mismatch"), nil
	}
	return pass(), nil
}
