package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasher(t *testing.T) {
	h, err := NewPasswordHasher(bcrypt.MinCost)
	require.NoError(t, err)

	hash, err := h.Hash("correct_pw")
	require.NoError(t, err)
	assert.NotEqual(t, "correct_pw", hash)

	assert.True(t, h.Verify(hash, "correct_pw"))
	assert.False(t, h.Verify(hash, "wrong_pw"))
	assert.False(t, h.Verify("not-a-hash", "correct_pw"))

	assert.NotPanics(t, func() { h.Burn("anything") })
}

func TestNewPasswordHasher_OutOfRangeCostFallsBack(t *testing.T) {
	h, err := NewPasswordHasher(99)
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost, h.cost)
}
