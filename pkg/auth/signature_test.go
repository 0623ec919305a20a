package auth_test

import (
	"testing"

	"aegis/pkg/auth"
	"aegis/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalString(t *testing.T) {
	got := auth.CanonicalString(models.SignatureContext{
		Method: "post", Path: "/api/transfer", TimestampMillis: 1700000000000, Nonce: "n1", BodyHash: "aGFzaA==",
	})
	assert.Equal(t, "POST|/api/transfer|1700000000000|n1|aGFzaA==", got)

	empty := auth.CanonicalString(models.SignatureContext{Method: "GET", Path: "/x", TimestampMillis: 1, Nonce: "n"})
	assert.Equal(t, "GET|/x|1|n|", empty)
}

func TestParseStringToSignRoundTrip(t *testing.T) {
	sc := models.SignatureContext{Method: "PUT", Path: "/v1/a", TimestampMillis: 42, Nonce: "abc", BodyHash: "h"}
	parsed, err := auth.ParseStringToSign(auth.CanonicalString(sc))
	require.NoError(t, err)
	assert.Equal(t, sc, parsed)
}

func TestParseStringToSignRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"GET|/x|1|n",
		"get|/x|1|n|",
		"GET|x|1|n|",
		"GET|/x|abc|n|",
		"GET|/x|1||",
		"GET|/x|1|n|h|extra",
	} {
		_, err := auth.ParseStringToSign(s)
		assert.Error(t, err, s)
	}
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, auth.ReasonOK, auth.ReasonOf(nil))
	assert.Equal(t, auth.Reason(""), auth.ReasonOf(auth.ErrUnavailable))
}
