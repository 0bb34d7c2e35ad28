package auth

import (
	"testing"
	"time"

	"lv-paperdesk/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenRoundTrip(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService("paperdesk", []byte("secret"), time.Hour, "", clk)

	token, exp, err := svc.SignToken("user-1")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Hour), exp)

	userID, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	clk.Advance(2 * time.Hour)
	_, err = svc.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsForeignTokens(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService("paperdesk", []byte("secret"), time.Hour, "", clk)

	other := NewService("someone-else", []byte("secret"), time.Hour, "", clk)
	token, _, err := other.SignToken("user-1")
	require.NoError(t, err)
	_, err = svc.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongKey := NewService("paperdesk", []byte("other"), time.Hour, "", clk)
	token, _, err = wrongKey.SignToken("user-1")
	require.NoError(t, err)
	_, err = svc.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ParseToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = svc.SignToken("  ")
	assert.Error(t, err)
}

func TestCheckOperator(t *testing.T) {
	clk := clock.NewFake(time.Now())
	disabled := NewService("paperdesk", []byte("secret"), time.Hour, "", clk)
	assert.False(t, disabled.OperatorEnabled())
	assert.ErrorIs(t, disabled.CheckOperator("anything"), ErrOperatorDisabled)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	svc := NewService("paperdesk", []byte("secret"), time.Hour, string(hash), clk)
	assert.True(t, svc.OperatorEnabled())
	assert.NoError(t, svc.CheckOperator("hunter2"))
	assert.ErrorIs(t, svc.CheckOperator("hunter3"), ErrInvalidOperator)
	assert.ErrorIs(t, svc.CheckOperator(""), ErrInvalidOperator)
}
