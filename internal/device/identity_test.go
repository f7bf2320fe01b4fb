package device

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestNewIdentityShape(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error = %v", err)
	}
	if !strings.HasPrefix(id.MACAddress, "02:00:00:") {
		t.Fatalf("MACAddress = %q, want 02:00:00 prefix", id.MACAddress)
	}
	if len(id.HMACKeyHex) != 64 {
		t.Fatalf("HMACKeyHex length = %d, want 64", len(id.HMACKeyHex))
	}
	if !strings.HasPrefix(id.SerialNumber, "SN-") {
		t.Fatalf("SerialNumber = %q, want SN- prefix", id.SerialNumber)
	}
	if id.ClientID == "" {
		t.Fatalf("ClientID should not be empty")
	}
	if id.Activated {
		t.Fatalf("fresh identity should not be activated")
	}
}

func TestSignChallengeReferenceVector(t *testing.T) {
	// HMAC-SHA256 with key 0x0b..0b (20 bytes) over "Hi There" (RFC 4231 case 1).
	id := Identity{HMACKeyHex: strings.Repeat("0b", 20)}
	sig, err := id.SignChallenge("Hi There")
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}
	want := "b0344c61d8db38535ca8afceaf0bf12b881dc200c9833da726e9376c2e32cff7"
	if sig != want {
		t.Fatalf("signature = %s, want %s", sig, want)
	}
}

func TestSignChallengeDeterministic(t *testing.T) {
	id, err := NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity() error = %v", err)
	}
	a, err := id.SignChallenge("nonce-123")
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}
	b, err := id.SignChallenge("nonce-123")
	if err != nil {
		t.Fatalf("SignChallenge() error = %v", err)
	}
	if a != b {
		t.Fatalf("signatures differ: %s vs %s", a, b)
	}
}

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() error = %v", err)
	}
	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() second call error = %v", err)
	}
	if first != second {
		t.Fatalf("identity changed between loads: %+v vs %+v", first, second)
	}
}
