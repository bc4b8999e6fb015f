package app

import (
	"testing"
	"time"

	"github.com/dkeye/streamview/internal/core"
	"github.com/dkeye/streamview/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestJoinPolicy_Wants(t *testing.T) {
	assert.False(t, NewJoinPolicy(JoinNone, nil, 4).Wants("a"))
	assert.True(t, NewJoinPolicy(JoinSubscribeAll, nil, 4).Wants("a"))

	explicit := NewJoinPolicy(JoinExplicit, []domain.ChannelID{"b", "a"}, 4)
	assert.True(t, explicit.Wants("a"))
	assert.False(t, explicit.Wants("c"))
	assert.Equal(t, []domain.ChannelID{"a", "b"}, explicit.Channels())
}

func TestJoinPolicy_Admit(t *testing.T) {
	p := NewJoinPolicy(JoinSubscribeAll, nil, 4)
	assert.NoError(t, p.Admit(3))
	assert.ErrorIs(t, p.Admit(4), core.ErrSubscriptionLimit)

	assert.NoError(t, NewJoinPolicy(JoinNone, nil, 0).Admit(100))
}

func TestOnBackpressure(t *testing.T) {
	assert.Equal(t, FailSession, OnBackpressure(core.TypeOffer))
	assert.Equal(t, FailSession, OnBackpressure(core.TypeAnswer))
	assert.Equal(t, DropMessage, OnBackpressure(core.TypeCandidate))
	assert.Equal(t, DropMessage, OnBackpressure(core.TypePing))
}

func TestSubscribeLimiter(t *testing.T) {
	rl := NewSubscribeLimiter(2, time.Minute)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("a"))

	rl.Reset("a")
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))

	assert.True(t, NewSubscribeLimiter(0, time.Second).Allow("x"))
}
