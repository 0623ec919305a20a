package rebind

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"aegis/pkg/identity"
	"aegis/pkg/registry"
)

type Method string

const (
	MethodAadhaarPAN         Method = "AADHAAR_PAN"
	MethodSecurityQuestions  Method = "SECURITY_QUESTIONS"
	MethodOTP                Method = "OTP"
	MethodAadhaarPANSecurity Method = "AADHAAR_PAN_SECURITY"
)

// Evidence is what the user submits to prove identity. Which fields matter
// depends on the method.
type Evidence struct {
	AadhaarLast4    string            `json:"aadhaarLast4,omitempty"`
	PAN             string            `json:"panNumber,omitempty"`
	SecurityAnswers map[string]string `json:"securityAnswers,omitempty"`
	OTPCode         string            `json:"otpCode,omitempty"`
}

// Result is pass or fail with a reason safe to log and return.
type Result struct {
	Passed bool
	Reason string
}

func pass() Result { return Result{Passed: true} }
func fail(reason string) Result { return Result{Reason: reason} }

// Verifier checks evidence for one user. The error return is reserved for
// infrastructure failures; a mismatch is a Result with Passed false.
type Verifier interface {
	Verify(ctx context.Context, user string, ev Evidence) (Result, error)
}

type VerifierFunc func(ctx context.Context, user string, ev Evidence) (Result, error)

func (f VerifierFunc) Verify(ctx context.Context, user string, ev Evidence) (Result, error) {
	return f(ctx, user, ev)
}

var (
	panPattern     = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	aadhaarPattern = regexp.MustCompile(`^[0-9]{4}$`)
)

func lookupProfile(ctx context.Context, src ProfileSource, user string) (*Profile, Result, error) {
	p, err := src.Profile(ctx, user)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, fail("no identity profile on file"), nil
	}
	if err != nil {
		return nil, Result{}, fmt.Errorf("load profile: %w", err)
	}
	return p, Result{}, nil
}

func equalFold(stored, given string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToUpper(stored)), []byte(strings.ToUpper(given))) == 1
}

// KYCVerifier matches Aadhaar last four digits and PAN against the profile.
type KYCVerifier struct {
	Profiles ProfileSource
}

func (v KYCVerifier) Verify(ctx context.Context, user string, ev Evidence) (Result, error) {
	last4 := strings.TrimSpace(ev.AadhaarLast4)
	pan := strings.ToUpper(strings.TrimSpace(ev.PAN))
	if !aadhaarPattern.MatchString(last4) {
		return fail("aadhaar last 4 digits required"), nil
	}
	if !panPattern.MatchString(pan) {
		return fail("invalid PAN format"), nil
	}
	p, res, err := lookupProfile(ctx, v.Profiles, user)
	if p == nil {
		return res, err
	}
	aadhaarOK := equalFold(p.AadhaarLast4, last4)
	panOK := equalFold(p.PAN, pan)
	if !aadhaarOK || !panOK {
		return fail("KYC details do not match"), nil
	}
	return pass(), nil
}

// SecurityAnswersVerifier needs at least Min answers and every submitted
// answer must match.
type SecurityAnswersVerifier struct {
	Profiles ProfileSource
	Min      int
}

func (v SecurityAnswersVerifier) Verify(ctx context.Context, user string, ev Evidence) (Result, error) {
	need := v.Min
	if need <= 0 {
		need = 2
	}
	if len(ev.SecurityAnswers) < need {
		return fail(fmt.Sprintf("at least %d security answers required", need)), nil
	}
	p, res, err := lookupProfile(ctx, v.Profiles, user)
	if p == nil {
		return res, err
	}
	for question, answer := range ev.SecurityAnswers {
		if !identity.CompareAnswer(p.Answers[question], answer) {
			return fail("security answers do not match"), nil
		}
	}
	return pass(), nil
}

// Composite passes only when every verifier passes, checked in order.
type Composite []Verifier

func (c Composite) Verify(ctx context.Context, user string, ev Evidence) (Result, error) {
	if len(c) == 0 {
		return fail("no verifier configured"), nil
	}
	for _, v := range c {
		res, err := v.Verify(ctx, user, ev)
		if err != nil || !res.Passed {
			return res, err
		}
	}
	return pass(), nil
}
