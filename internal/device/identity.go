// Package device holds the gateway's device identity and the one-shot
// activation flow that exchanges it for an upstream credential.
package device

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Identity is the device fingerprint presented to the provisioning
// service. It is loaded once and never mutated by the gateway.
type Identity struct {
	MACAddress   string `json:"mac_address"`
	ClientID     string `json:"client_id"`
	SerialNumber string `json:"serial_number"`
	HMACKeyHex   string `json:"hmac_key_hex"`
	Activated    bool   `json:"activated"`
}

// LoadOrCreateIdentity reads the identity file at path, generating and
// persisting a fresh virtual identity when the file does not exist.
func LoadOrCreateIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return Identity{}, fmt.Errorf("parse device file %s: %w", path, err)
		}
		if id.MACAddress == "" || id.ClientID == "" || id.SerialNumber == "" || id.HMACKeyHex == "" {
			return Identity{}, fmt.Errorf("device file %s is missing identity fields", path)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("read device file %s: %w", path, err)
	}

	id, err := NewIdentity()
	if err != nil {
		return Identity{}, err
	}
	if err := SaveIdentity(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// NewIdentity generates a virtual device identity: a locally administered
// MAC in the 02:00:00 range, a UUID client id, a serial derived from the
// MAC and a 32-byte HMAC signing key.
func NewIdentity() (Identity, error) {
	macTail := make([]byte, 3)
	if _, err := rand.Read(macTail); err != nil {
		return Identity{}, fmt.Errorf("generate mac: %w", err)
	}
	mac := fmt.Sprintf("02:00:00:%02x:%02x:%02x", macTail[0], macTail[1], macTail[2])

	seed := make([]byte, 4)
	if _, err := rand.Read(seed); err != nil {
		return Identity{}, fmt.Errorf("generate serial seed: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return Identity{}, fmt.Errorf("generate hmac key: %w", err)
	}

	return Identity{
		MACAddress:   mac,
		ClientID:     uuid.NewString(),
		SerialNumber: fmt.Sprintf("SN-%s-%s", strings.ToUpper(hex.EncodeToString(seed)), serialTail(mac)),
		HMACKeyHex:   hex.EncodeToString(key),
	}, nil
}

// SaveIdentity persists the identity file with owner-only permissions.
func SaveIdentity(path string, id Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device file: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create device dir %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write device file %s: %w", path, err)
	}
	return nil
}

// SignChallenge computes the hex HMAC-SHA256 signature over the literal
// challenge nonce using the device's provisioned key.
func (id Identity) SignChallenge(challenge string) (string, error) {
	key, err := hex.DecodeString(id.HMACKeyHex)
	if err != nil {
		return "", fmt.Errorf("decode hmac key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func serialTail(mac string) string {
	tail := strings.ToUpper(strings.ReplaceAll(mac, ":", ""))
	if len(tail) < 12 {
		tail = tail + strings.Repeat("0", 12-len(tail))
	}
	return tail[len(tail)-12:]
}
