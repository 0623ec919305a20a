package audit

import "testing"

func TestIsSensitive(t *testing.T) {
	for key, want := range map[string]bool{
		"pan":                            true,
		"kyc.aadhaarLast4":               true,
		"transaction.beneficiaryAccount": true,
		"transaction.amount":             false,
		"hourOfDay":                      false,
	} {
		if got := isSensitive(key); got != want {
			t.Errorf("isSensitive(%q) = %v", key, got)
		}
	}
}

func TestHashBytesSalted(t *testing.T) {
	a := hashString("10.0.0.1", []byte("a"))
	b := hashString("10.0.0.1", []byte("b"))
	if a == b {
		t.Fatal("salt must change the digest")
	}
	if hashString("x", nil) != hashBytes([]byte("x"), nil) {
		t.Fatal("unsalted hash mismatch")
	}
}
