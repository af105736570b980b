package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusType_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to StatusType
		want     bool
	}{
		{StatusCreated, StatusAwaitingChallenge, true},
		{StatusCreated, StatusConfirmed, true},
		{StatusCreated, StatusRejected, true},
		{StatusCreated, StatusFailed, true},
		{StatusAwaitingChallenge, StatusConfirmed, true},
		{StatusAwaitingChallenge, StatusRejected, true},
		{StatusAwaitingChallenge, StatusFailed, true},
		{StatusConfirmed, StatusRolledBack, true},

		{StatusCreated, StatusRolledBack, false},
		{StatusAwaitingChallenge, StatusCreated, false},
		{StatusConfirmed, StatusRejected, false},
		{StatusRejected, StatusConfirmed, false},
		{StatusFailed, StatusConfirmed, false},
		{StatusRolledBack, StatusConfirmed, false},
		{StatusAuthenticated, StatusConfirmed, true},
		{StatusCreated, StatusAuthenticated, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatusType_Terminal(t *testing.T) {
	assert.False(t, StatusCreated.Terminal())
	assert.False(t, StatusAwaitingChallenge.Terminal())
	assert.False(t, StatusAuthenticated.Terminal())
	assert.True(t, StatusConfirmed.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusRolledBack.Terminal())
}

func TestIsReopen(t *testing.T) {
	assert.True(t, IsReopen(StatusFailed, StatusConfirmed))
	assert.False(t, IsReopen(StatusRejected, StatusConfirmed))
	assert.False(t, IsReopen(StatusFailed, StatusRejected))
}

func TestStatusType_Valid(t *testing.T) {
	assert.True(t, StatusRolledBack.Valid())
	assert.False(t, StatusType("pending").Valid())
}

func TestStatusType_Final(t *testing.T) {
	assert.True(t, StatusRejected.Final())
	assert.True(t, StatusRolledBack.Final())
	assert.False(t, StatusConfirmed.Final())
	assert.False(t, StatusFailed.Final())
	assert.False(t, StatusAwaitingChallenge.Final())
}
