// Package identity holds the cryptographic primitives behind device identities:
// secret and identifier generation, HMAC-SHA256 request signatures and SHA-256 digests.
package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	DeviceIDPrefix        = "dev_"
	RegistrationKeyPrefix = "rk_"

	secretBytes   = 32
	deviceIDBytes = 16
	keyBytes      = 32
)

// randReader is crypto/rand's process-wide reader; tests swap it to simulate a broken source.
var randReader io.Reader = rand.Reader

func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return nil, fmt.Errorf("entropy source: %w", err)
	}
	return buf, nil
}

// GenerateSecret returns 256 random bits, base64 encoded.
func GenerateSecret() (string, error) {
	b, err := randomBytes(secretBytes)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// GenerateDeviceID returns a dev_ prefixed 128-bit hex token. Uniqueness is
// still enforced by storage.
func GenerateDeviceID() (string, error) {
	b, err := randomBytes(deviceIDBytes)
	if err != nil {
		return "", err
	}
	return DeviceIDPrefix + hex.EncodeToString(b), nil
}

func GenerateRegistrationKey() (string, error) {
	b, err := randomBytes(keyBytes)
	if err != nil {
		return "", err
	}
	return RegistrationKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// Sign computes base64(HMAC-SHA256(secret, data)).
func Sign(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func Verify(secret, data, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(secret, data)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Hash returns base64(SHA-256(input)).
func Hash(input []byte) string {
	sum := sha256.Sum256(input)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func HashString(input string) string {
	return Hash([]byte(input))
}

// BodyHash is Hash for non-empty bodies and "" otherwise.
func BodyHash(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return Hash(body)
}

func IsValidBase64(s string) bool {
	if s == "" {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil
}

// NormalizeAnswer trims and lowercases a security answer before hashing.
func NormalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// HashAnswer stores answers as bcrypt hashes of their normalised form.
func HashAnswer(answer string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(NormalizeAnswer(answer)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash answer: %w", err)
	}
	return string(h), nil
}

// CompareAnswer accepts bcrypt hashes and plain SHA-256 digests from Hash.
func CompareAnswer(stored, answer string) bool {
	if stored == "" {
		return false
	}
	normalized := NormalizeAnswer(answer)
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(normalized)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(HashString(normalized))) == 1
}
