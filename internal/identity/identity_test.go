package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Len(t, first.DeviceID, 64) // hex sha256

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.PublicKeyB64(), second.PublicKeyB64())
}

func TestLoadOrCreateRegeneratesOnCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.NotEqual(t, first.DeviceID, second.DeviceID, "corrupt blob should be replaced with a fresh keypair")
}

func TestLoadOrCreateRegeneratesOnBadKeyMaterial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")

	require.NoError(t, os.WriteFile(path, []byte(`{"device_id":"x","public_key":"AAA=","private_key":"AAA="}`), 0600))

	id, err := LoadOrCreate(path)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Len(t, id.DeviceID, 64)
}

func TestSignVerify(t *testing.T) {
	id, err := LoadOrCreate(filepath.Join(t.TempDir(), "device.json"))
	require.NoError(t, err)

	sig := id.Sign("hello")
	assert.True(t, id.Verify("hello", sig))
	assert.False(t, id.Verify("tampered", sig))
	assert.False(t, id.Verify("hello", "!!not-base64"))
}

func TestSignaturePayloadOrdering(t *testing.T) {
	got := SignaturePayload("dev1", "perch", "interactive", "operator", []string{"chat", "files"}, 1700000000000, "tok", "")
	assert.Equal(t, "1|dev1|perch|interactive|operator|chat,files|1700000000000|tok", got)

	withNonce := SignaturePayload("dev1", "perch", "interactive", "operator", []string{"chat"}, 1700000000000, "tok", "n0nce")
	assert.Equal(t, "2|dev1|perch|interactive|operator|chat|1700000000000|tok|n0nce", withNonce)
}
