package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	raw, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestInspectOpaqueToken(t *testing.T) {
	info, err := Inspect("not-a-jwt")
	assert.NoError(t, err)
	assert.Nil(t, info)
}

func TestInspectJWT(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	info, err := Inspect(signedToken(t, exp))
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "user-1", info.Subject)
	assert.Equal(t, exp.Unix(), info.ExpiresAt.Unix())
}

func TestExpiryWarning(t *testing.T) {
	now := time.Now()

	assert.Empty(t, ExpiryWarning("opaque", time.Hour, now))
	assert.Empty(t, ExpiryWarning(signedToken(t, now.Add(48*time.Hour)), time.Hour, now))
	assert.Contains(t, ExpiryWarning(signedToken(t, now.Add(30*time.Minute)), time.Hour, now), "expires in")
	assert.Equal(t, "gateway token is expired", ExpiryWarning(signedToken(t, now.Add(-time.Minute)), time.Hour, now))
}
