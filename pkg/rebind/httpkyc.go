package rebind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aegis/pkg/httpx"
)

// HTTPKYCVerifier delegates the Aadhaar and PAN match to a remote identity
// provider that answers {"match": bool, "reason": string}.
type HTTPKYCVerifier struct {
	URL        string
	Token      string
	Client     *http.Client
	Retries    int
	RetryDelay time.Duration
}

type kycRequest struct {
	User         string `json:"user"`
	AadhaarLast4 string `json:"aadhaarLast4"`
	PAN          string `json:"pan"`
}

type kycResponse struct {
	Match  bool   `json:"match"`
	Reason string `json:"reason"`
}

func (v HTTPKYCVerifier) Verify(ctx context.Context, user string, ev Evidence) (Result, error) {
	pan := strings.ToUpper(strings.TrimSpace(ev.PAN))
	if !panPattern.MatchString(pan) {
		return fail("invalid PAN format"), nil
	}
	if !aadhaarPattern.MatchString(strings.TrimSpace(ev.AadhaarLast4)) {
		return fail("aadhaar last 4 digits required"), nil
	}
	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	headers := map[string]string{}
	if v.Token != "" {
		headers["Authorization"] = "Bearer " + v.Token
	}
	var out kycResponse
	err := httpx.PostJSON(ctx, client, v.URL, kycRequest{User: user, AadhaarLast4: strings.TrimSpace(ev.AadhaarLast4), PAN: pan}, &out, headers, v.Retries, v.RetryDelay)
	var se *httpx.StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
		return fail("KYC provider rejected request"), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("kyc provider: %w", err)
	}
	if !out.Match {
		reason := out.Reason
		if reason == "" {
			reason = "KYC details do not match"
		}
		return fail(reason), nil
	}
	return pass(), nil
}
