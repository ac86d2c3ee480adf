// Package identity manages the per-device signing keypair used to
// authenticate gateway connections independent of the bearer token.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/perch-dev/perch/internal/logger"
)

// DeviceIdentity is a persistent Ed25519 keypair bound to one device.
// The device ID is a content hash of the public key, so re-importing the
// same key always yields the same ID.
type DeviceIdentity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// stored is the on-disk JSON shape of a device identity.
type stored struct {
	DeviceID   string `json:"device_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrCreate loads the identity from path, regenerating it on any
// decode or import failure. Corruption is never surfaced to the caller;
// a fresh keypair replaces the broken blob.
func LoadOrCreate(path string) (*DeviceIdentity, error) {
	if id := load(path); id != nil {
		return id, nil
	}
	return generate(path)
}

func load(path string) *DeviceIdentity {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var s stored
	if err := json.Unmarshal(data, &s); err != nil {
		logger.Warn("identity: discarding unreadable key file", "path", path, "error", err)
		return nil
	}
	pub, err := base64.StdEncoding.DecodeString(s.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		logger.Warn("identity: discarding key file with bad public key", "path", path)
		return nil
	}
	priv, err := base64.StdEncoding.DecodeString(s.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		logger.Warn("identity: discarding key file with bad private key", "path", path)
		return nil
	}
	return &DeviceIdentity{
		DeviceID:   DeriveDeviceID(pub),
		PublicKey:  ed25519.PublicKey(pub),
		privateKey: ed25519.PrivateKey(priv),
	}
}

func generate(path string) (*DeviceIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	id := &DeviceIdentity{
		DeviceID:   DeriveDeviceID(pub),
		PublicKey:  pub,
		privateKey: priv,
	}
	s := stored{
		DeviceID:   id.DeviceID,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return id, nil
}

// DeriveDeviceID returns the hex SHA-256 of the raw public key bytes.
func DeriveDeviceID(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

// PublicKeyB64 returns the base64 public key for the connect device block.
func (d *DeviceIdentity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(d.PublicKey)
}

// Sign signs payload and returns the base64 signature.
func (d *DeviceIdentity) Sign(payload string) string {
	sig := ed25519.Sign(d.privateKey, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig)
}

// Verify checks a base64 signature over payload against the public key.
func (d *DeviceIdentity) Verify(payload, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(d.PublicKey, []byte(payload), sig)
}
