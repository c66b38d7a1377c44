package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_ParsePeerId(t *testing.T) {
	peer, err := ParsePeerId("10.0.0.1:8000")
	assert.NoError(t, err)
	assert.Equal(t, PeerId{Addr: "10.0.0.1:8000"}, peer)

	peer, err = ParsePeerId("10.0.0.1:8000:2")
	assert.NoError(t, err)
	assert.Equal(t, PeerId{Addr: "10.0.0.1:8000", Idx: 2}, peer)

	roundtrip, err := ParsePeerId(peer.String())
	assert.NoError(t, err)
	assert.True(t, roundtrip.Equal(peer))

	_, err = ParsePeerId("localhost")
	assert.Error(t, err)
	_, err = ParsePeerId("host:port:notanumber")
	assert.Error(t, err)
	_, err = ParsePeerId("host:8000:-1")
	assert.Error(t, err)
}

func Test_ConfigurationAlgebra(t *testing.T) {
	a := MustParsePeerId("h:1:0")
	b := MustParsePeerId("h:2:0")
	c := MustParsePeerId("h:3:0")

	conf := NewConfiguration([]PeerId{a, b})
	assert.Equal(t, 2, conf.Size())
	assert.Equal(t, 2, conf.Quorum())
	assert.True(t, conf.Contain(a))
	assert.False(t, conf.Contain(c))
	assert.True(t, conf.ContainAll([]PeerId{a, b}))
	assert.False(t, conf.ContainAll([]PeerId{a, c}))

	conf.AddPeer(c)
	assert.Equal(t, 3, conf.Size())
	assert.Equal(t, 2, conf.Quorum())
	assert.True(t, conf.Equal([]PeerId{c, b, a}))

	conf.RemovePeer(a)
	assert.False(t, conf.Contain(a))
	assert.Equal(t, 2, conf.Size())

	conf.Reset()
	assert.True(t, conf.Empty())
	assert.Equal(t, 1, conf.Quorum())
}

func Test_VoteContextQuorum(t *testing.T) {
	a := MustParsePeerId("h:1:0")
	b := MustParsePeerId("h:2:0")
	c := MustParsePeerId("h:3:0")

	var votes voteContext
	votes.Reset([]PeerId{a, b, c})
	assert.False(t, votes.Quorum())
	votes.Grant(a)
	assert.False(t, votes.Quorum())
	votes.Grant(a) // duplicate grant counts once
	assert.False(t, votes.Quorum())
	votes.Grant(b)
	assert.True(t, votes.Quorum())

	votes.Reset([]PeerId{a})
	votes.Grant(a)
	assert.True(t, votes.Quorum())
}

func Test_ConfigurationCtxInFlight(t *testing.T) {
	var ctx configurationCtx
	assert.True(t, ctx.Empty())

	// A change growing an empty group is still a change in flight.
	ctx.Set(nil)
	assert.False(t, ctx.Empty())
	assert.Empty(t, ctx.OldPeers())

	ctx.Reset()
	assert.True(t, ctx.Empty())

	a := MustParsePeerId("h:1:0")
	ctx.Set([]PeerId{a})
	assert.False(t, ctx.Empty())
	assert.Equal(t, []PeerId{a}, ctx.OldPeers())
}

func Test_RandomTimeoutBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 1000; i++ {
		d := randomTimeout(base)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, 2*base)
	}
}

func Test_OneshotTimer(t *testing.T) {
	var timer oneshotTimer
	fired := make(chan struct{}, 8)

	timer.Schedule(10*time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	// Stop before the fire suppresses the callback.
	timer.Schedule(20*time.Millisecond, func() { fired <- struct{}{} })
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}

	// Rescheduling cancels the earlier fire.
	timer.Schedule(20*time.Millisecond, func() { fired <- struct{}{}; fired <- struct{}{} })
	timer.Schedule(30*time.Millisecond, func() { fired <- struct{}{} })
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, fired, 1)
}
