package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aegis/pkg/auth"
	"aegis/pkg/identity"
	"aegis/pkg/models"
)

func TestRunRequiresKnownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"bogus"}, &out); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestGenSecret(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"gen-secret"}, &out); err != nil {
		t.Fatalf("gen-secret: %v", err)
	}
	secret := strings.TrimSpace(out.String())
	if !identity.IsValidBase64(secret) {
		t.Fatalf("secret is not base64: %q", secret)
	}
}

func TestHashAnswer(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"hash-answer", " Fluffy "}, &out); err != nil {
		t.Fatalf("hash-answer: %v", err)
	}
	if !identity.CompareAnswer(strings.TrimSpace(out.String()), "fluffy") {
		t.Fatal("hash should match the normalised answer")
	}
	if err := run([]string{"hash-answer"}, &out); err == nil {
		t.Fatal("expected missing argument error")
	}
}

func TestSignPrintsVerifiableHeaders(t *testing.T) {
	dir := t.TempDir()
	bodyPath := filepath.Join(dir, "body.json")
	body := []byte(`{"amount":"100"}`)
	if err := os.WriteFile(bodyPath, body, 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	err := run([]string{"sign", "--device-id", "dev_1", "--secret", "s3cret", "--method", "post",
		"--path", "/api/transfer", "--body", bodyPath, "--nonce", "n-1", "--timestamp", "1700000000000"}, &out)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	want := auth.CanonicalString(models.SignatureContext{
		Method: "POST", Path: "/api/transfer", TimestampMillis: 1700000000000, Nonce: "n-1", BodyHash: identity.BodyHash(body),
	})
	text := out.String()
	if !strings.Contains(text, "# string to sign: "+want) {
		t.Fatalf("missing string to sign in %q", text)
	}
	if !strings.Contains(text, "X-Signature: "+identity.Sign("s3cret", want)) {
		t.Fatalf("missing signature in %q", text)
	}
}

func TestSignDefaultsNonceAndClock(t *testing.T) {
	origNow := now
	defer func() { now = origNow }()
	now = func() time.Time { return time.UnixMilli(42) }

	headers, sts, err := signRequest(signOptions{deviceID: "dev_1", secret: "s", method: "get", path: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	if headers["X-Timestamp"] != "42" || headers["X-Nonce"] == "" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if !identity.Verify("s", sts, headers["X-Signature"]) {
		t.Fatal("signature should verify")
	}
	if _, _, err := signRequest(signOptions{secret: "s"}); err == nil {
		t.Fatal("expected device-id error")
	}
	if _, _, err := signRequest(signOptions{deviceID: "d", secret: "s", bodyFile: "/no/such/file"}); err == nil {
		t.Fatal("expected body read error")
	}
}

func TestKeysCommands(t *testing.T) {
	type seen struct {
		method, path, auth string
		body               map[string]any
	}
	var calls []seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		s := seen{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &s.body)
		}
		calls = append(calls, s)
		if strings.HasPrefix(r.URL.Path, "/v1/admin/keys/missing") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no registration key for client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()
	t.Setenv("AEGIS_ADMIN_TOKEN", "tok")

	var out bytes.Buffer
	if err := run([]string{"keys", "issue", "uco-bank", "--server", srv.URL, "--description", "android", "--ttl", "24h"}, &out); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := run([]string{"keys", "revoke", "uco-bank", "--server", srv.URL}, &out); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := run([]string{"keys", "regenerate", "uco-bank", "--server", srv.URL}, &out); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if err := run([]string{"keys", "list", "--server", srv.URL}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	err := run([]string{"keys", "revoke", "missing", "--server", srv.URL}, &out)
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected status error, got %v", err)
	}

	if len(calls) != 5 {
		t.Fatalf("expected 5 calls, got %d", len(calls))
	}
	if calls[0].method != http.MethodPost || calls[0].path != "/v1/admin/keys" || calls[0].auth != "Bearer tok" {
		t.Fatalf("unexpected issue call %+v", calls[0])
	}
	if calls[0].body["clientId"] != "uco-bank" || calls[0].body["expiresAt"] == nil {
		t.Fatalf("unexpected issue body %+v", calls[0].body)
	}
	if calls[1].path != "/v1/admin/keys/uco-bank/revoke" || calls[2].path != "/v1/admin/keys/uco-bank/regenerate" {
		t.Fatalf("unexpected paths %+v", calls[1:3])
	}
	if calls[3].method != http.MethodGet {
		t.Fatalf("list should GET, got %s", calls[3].method)
	}
	if strings.Count(out.String(), `{"ok":true}`) != 4 {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestKeysRequireToken(t *testing.T) {
	t.Setenv("AEGIS_ADMIN_TOKEN", "")
	var out bytes.Buffer
	if err := run([]string{"keys", "list"}, &out); err == nil || !strings.Contains(err.Error(), "admin token required") {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestMainExitsOnError(t *testing.T) {
	origExit := osExit
	origArgs := os.Args
	defer func() {
		osExit = origExit
		os.Args = origArgs
	}()
	code := -1
	osExit = func(c int) { code = c }
	os.Args = []string{"aegisctl", "bogus"}
	main()
	if code != 1 {
		t.Fatalf("exit code = %d", code)
	}
}
