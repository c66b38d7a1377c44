package raft

// voteContext tallies RequestVote grants for one election round.
// All methods assume the caller holds the node mutex.
type voteContext struct {
	granted map[PeerId]struct{}
	needed  int
}

// Reset prepares the context for a fresh election among peers.
func (v *voteContext) Reset(peers []PeerId) {
	v.granted = make(map[PeerId]struct{})
	v.needed = len(peers)/2 + 1
}

func (v *voteContext) Grant(peer PeerId) {
	v.granted[peer] = struct{}{}
}

func (v *voteContext) Quorum() bool {
	return len(v.granted) >= v.needed
}

// configurationCtx remembers the pre-change peer set while a
// configuration change is in flight. At most one change may be in
// flight at a time; Empty reports whether a new one may start.
type configurationCtx struct {
	busy     bool
	oldPeers []PeerId
}

func (c *configurationCtx) Set(oldPeers []PeerId) {
	c.busy = true
	c.oldPeers = append([]PeerId(nil), oldPeers...)
}

func (c *configurationCtx) Reset() {
	c.busy = false
	c.oldPeers = nil
}

// Empty reports whether no change is in flight. A change whose
// pre-change peer set was empty still counts as in flight.
func (c *configurationCtx) Empty() bool {
	return !c.busy
}

func (c *configurationCtx) OldPeers() []PeerId {
	return c.oldPeers
}
