package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	m := NewJWTManager("segredo", 1)
	tok, exp, err := m.GenerateToken("admin", RoleAdmin)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := m.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.Equal(t, RoleAdmin, claims.Role)

	_, err = NewJWTManager("outro", 1).VerifyToken(tok)
	assert.Error(t, err)
}

func TestExpiredToken(t *testing.T) {
	m := NewJWTManager("segredo", 1)
	start := time.Now()
	m.now = func() time.Time { return start }
	tok, _, err := m.GenerateToken("admin", RoleAdmin)
	require.NoError(t, err)

	m.now = func() time.Time { return start.Add(2 * time.Hour) }
	_, err = m.VerifyToken(tok)
	assert.Error(t, err)
}
