package raft

import (
	"sync"

	"github.com/raftkit/raftkit/common"
)

// pendingApplication is one leader log entry awaiting quorum. Quorum is
// computed against the entry's configuration-of-record, which for a
// configuration entry is the new peer set carried by the entry itself.
type pendingApplication struct {
	index  int64
	conf   Configuration
	done   common.Closure
	acked  map[PeerId]struct{}
	stable bool
}

// CommitManager tracks which log indexes are stable at which peers and
// reports newly committed indexes to the FSM caller. An entry commits
// once a quorum of its configuration-of-record acknowledges it and the
// entry is durable on the leader itself.
type CommitManager struct {
	mu                 sync.Mutex
	selfPeer           PeerId
	caller             *FSMCaller
	pendingIndex       int64
	pendings           []*pendingApplication
	lastCommittedIndex int64
}

func NewCommitManager(selfPeer PeerId, caller *FSMCaller) *CommitManager {
	return &CommitManager{
		selfPeer: selfPeer,
		caller:   caller,
	}
}

// ResetPendingIndex prepares the manager for a fresh leadership:
// pending applications start at index.
func (c *CommitManager) ResetPendingIndex(index int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingIndex = index
	c.pendings = nil
	if c.lastCommittedIndex < index-1 {
		c.lastCommittedIndex = index - 1
	}
}

// AppendPendingApplication registers the next leader entry. Entries are
// registered in index order, one per AppendEntry.
func (c *CommitManager) AppendPendingApplication(conf Configuration, done common.Closure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index := c.pendingIndex + int64(len(c.pendings))
	c.pendings = append(c.pendings, &pendingApplication{
		index: index,
		conf:  conf,
		done:  done,
		acked: make(map[PeerId]struct{}),
	})
}

// SetStableAtPeer records that peer has persisted all entries up to
// index and advances the committed index if a prefix of the pending
// queue reached quorum. The leader reports its own durability through
// the same path.
func (c *CommitManager) SetStableAtPeer(index int64, peer PeerId) {
	c.mu.Lock()
	for _, pending := range c.pendings {
		if pending.index > index {
			break
		}
		if peer.Equal(c.selfPeer) {
			pending.stable = true
		}
		if pending.conf.Contain(peer) {
			pending.acked[peer] = struct{}{}
		}
	}

	newCommitted := c.lastCommittedIndex
	var committed []*pendingApplication
	for len(c.pendings) > 0 {
		head := c.pendings[0]
		if !head.stable || len(head.acked) < head.conf.Quorum() {
			break
		}
		committed = append(committed, head)
		newCommitted = head.index
		c.pendings = c.pendings[1:]
		c.pendingIndex = head.index + 1
	}
	if newCommitted <= c.lastCommittedIndex {
		c.mu.Unlock()
		return
	}
	c.lastCommittedIndex = newCommitted
	caller := c.caller
	c.mu.Unlock()

	dones := make(map[int64]common.Closure, len(committed))
	for _, pending := range committed {
		dones[pending.index] = pending.done
	}
	caller.OnCommitted(newCommitted, dones)
}

// SetLastCommittedIndex is the follower path: adopt the committed index
// announced by the leader.
func (c *CommitManager) SetLastCommittedIndex(index int64) {
	c.mu.Lock()
	if index <= c.lastCommittedIndex {
		c.mu.Unlock()
		return
	}
	c.lastCommittedIndex = index
	caller := c.caller
	c.mu.Unlock()
	caller.OnCommitted(index, nil)
}

func (c *CommitManager) LastCommittedIndex() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCommittedIndex
}

// ClearPendingApplications fails every registered closure with
// ErrNotLeader. Called on stepdown.
func (c *CommitManager) ClearPendingApplications() {
	c.mu.Lock()
	pendings := c.pendings
	c.pendings = nil
	caller := c.caller
	c.mu.Unlock()
	for _, pending := range pendings {
		caller.OnCleared(pending.index, pending.done, common.ErrNotLeader)
	}
}
