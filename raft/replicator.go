package raft

import (
	"sync"
	"time"

	"github.com/raftkit/raftkit/common"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const (
	// maxEntriesPerBatch bounds one AppendEntries request.
	maxEntriesPerBatch = 64

	// caughtupPollInterval is how often WaitCaughtup samples the match
	// index of the catching-up peer.
	caughtupPollInterval = 50 * time.Millisecond
)

// ReplicatorGroup runs one replication goroutine per follower while the
// local node is leader. It is re-initialized on every term the node
// wins.
type ReplicatorGroup struct {
	node *Node

	mu              sync.Mutex
	term            int64
	heartbeatPeriod time.Duration
	replicators     map[PeerId]*replicator
}

func NewReplicatorGroup(node *Node) *ReplicatorGroup {
	return &ReplicatorGroup{
		node:        node,
		replicators: map[PeerId]*replicator{},
	}
}

// Init prepares the group for a new leadership term. Any replicators
// from a previous term must have been stopped already.
func (g *ReplicatorGroup) Init(term int64, heartbeatPeriod time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.term = term
	g.heartbeatPeriod = heartbeatPeriod
	g.replicators = map[PeerId]*replicator{}
}

// AddReplicator starts replication to peer. Duplicate adds are ignored.
func (g *ReplicatorGroup) AddReplicator(peer PeerId) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.replicators[peer]; ok {
		return nil
	}
	client, err := g.node.manager.ConnectToPeer(peer.Addr)
	if err != nil {
		return err
	}
	r := &replicator{
		group:  g,
		node:   g.node,
		peer:   peer,
		term:   g.term,
		client: client,
		stopCh: make(chan struct{}),
	}
	r.lastResponse.Store(time.Now().UnixMilli())
	g.replicators[peer] = r
	go r.run(g.heartbeatPeriod)
	log.Infof("%v: started replicator for %v at term %d", g.node.serverId, peer, g.term)
	return nil
}

func (g *ReplicatorGroup) StopReplicator(peer PeerId) {
	g.mu.Lock()
	r := g.replicators[peer]
	delete(g.replicators, peer)
	g.mu.Unlock()
	if r != nil {
		r.stop()
	}
}

func (g *ReplicatorGroup) StopAll() {
	g.mu.Lock()
	replicators := g.replicators
	g.replicators = map[PeerId]*replicator{}
	g.mu.Unlock()
	for _, r := range replicators {
		r.stop()
	}
}

// LastResponseTimestamp returns when peer last answered any request, or
// when its replicator started if it has not answered yet.
// The zero time means the peer has no replicator.
func (g *ReplicatorGroup) LastResponseTimestamp(peer PeerId) time.Time {
	g.mu.Lock()
	r := g.replicators[peer]
	g.mu.Unlock()
	if r == nil {
		return time.Time{}
	}
	return time.UnixMilli(r.lastResponse.Load())
}

// MatchIndex returns the highest log index known to be stable at peer.
func (g *ReplicatorGroup) MatchIndex(peer PeerId) int64 {
	g.mu.Lock()
	r := g.replicators[peer]
	g.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.matchIndex.Load()
}

// WaitCaughtup reports nil to cb once peer's match index is within
// margin entries of the leader's last log index, or ErrCatchUpTimeout
// at the deadline.
func (g *ReplicatorGroup) WaitCaughtup(peer PeerId, margin int64, deadline time.Time, cb common.Closure) {
	go func() {
		ticker := time.NewTicker(caughtupPollInterval)
		defer ticker.Stop()
		for {
			match := g.MatchIndex(peer)
			last := g.node.logManager.LastLogIndex()
			if match > 0 && last-match <= margin {
				cb.Run(nil)
				return
			}
			if time.Now().After(deadline) {
				cb.Run(common.ErrCatchUpTimeout)
				return
			}
			<-ticker.C
		}
	}()
}

// replicator drives one follower: periodic heartbeats, batched entry
// shipping, and snapshot install when the follower is too far behind.
type replicator struct {
	group  *ReplicatorGroup
	node   *Node
	peer   PeerId
	term   int64
	client common.PeerClient

	// nextIndex is touched only by the run goroutine.
	nextIndex    int64
	matchIndex   atomic.Int64
	lastResponse atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (r *replicator) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if err := r.client.Close(); err != nil {
			log.Debugf("%v: closing client for %v: %v", r.node.serverId, r.peer, err)
		}
	})
}

func (r *replicator) run(heartbeatPeriod time.Duration) {
	r.nextIndex = r.node.logManager.LastLogIndex() + 1
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		r.replicate()
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// replicate ships as much of the log as the follower will take, then
// returns; an empty batch doubles as the heartbeat.
func (r *replicator) replicate() {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.node.mutex.Lock()
		if r.node.state != StateLeader || r.node.currentTerm != r.term {
			r.node.mutex.Unlock()
			return
		}
		term := r.node.currentTerm
		committed := r.node.commitManager.LastCommittedIndex()
		firstIndex := r.node.logManager.FirstLogIndex()
		lastIndex := r.node.logManager.LastLogIndex()

		if r.nextIndex < firstIndex {
			r.node.mutex.Unlock()
			r.installSnapshot(term)
			return
		}

		prevLogIndex := r.nextIndex - 1
		prevLogTerm := r.node.termAt(prevLogIndex)
		var entries []common.LogEntry
		for index := r.nextIndex; index <= lastIndex && len(entries) < maxEntriesPerBatch; index++ {
			entry, err := r.node.logManager.GetEntry(index)
			if err != nil {
				log.Errorf("%v: reading entry %d for %v: %v", r.node.serverId, index, r.peer, err)
				r.node.mutex.Unlock()
				return
			}
			entries = append(entries, *entry)
		}
		r.node.mutex.Unlock()

		metas, data := common.PackEntries(entries)
		args := common.AppendEntriesArgs{
			GroupId:        r.node.groupId,
			ServerId:       r.node.serverId.String(),
			PeerId:         r.peer.String(),
			Term:           term,
			PrevLogIndex:   prevLogIndex,
			PrevLogTerm:    prevLogTerm,
			Entries:        metas,
			CommittedIndex: committed,
			Data:           data,
		}
		var reply common.AppendEntriesReply
		if err := r.client.AppendEntries(&args, &reply); err != nil {
			log.Debugf("%v: AppendEntries to %v failed: %v", r.node.serverId, r.peer, err)
			return
		}
		r.lastResponse.Store(time.Now().UnixMilli())

		if reply.Term > term {
			r.node.increaseTermTo(reply.Term)
			return
		}
		if !reply.Success {
			// Walk back; the follower's last log index is the best hint.
			next := r.nextIndex - 1
			if reply.LastLogIndex+1 < next {
				next = reply.LastLogIndex + 1
			}
			if next < 1 {
				next = 1
			}
			r.nextIndex = next
			continue
		}
		if len(entries) == 0 {
			return
		}
		r.nextIndex = entries[len(entries)-1].Index + 1
		r.matchIndex.Store(entries[len(entries)-1].Index)
		r.node.advanceCommitIndex(r.peer, entries[len(entries)-1].Index)
		if r.nextIndex > r.node.logManager.LastLogIndex() {
			return
		}
	}
}

// installSnapshot offers the follower the leader's latest snapshot and,
// on acceptance, resumes log shipping right after it.
func (r *replicator) installSnapshot(term int64) {
	if r.node.snapshotStorage == nil {
		log.Errorf("%v: %v is behind the compacted log but no snapshot storage is configured", r.node.serverId, r.peer)
		return
	}
	reader, err := r.node.snapshotStorage.Open()
	if err != nil || reader == nil {
		log.Errorf("%v: opening snapshot for %v: %v", r.node.serverId, r.peer, err)
		return
	}
	meta, err := reader.Meta()
	uri := reader.URI(r.node.manager.Address())
	reader.Close()
	if err != nil {
		log.Errorf("%v: reading snapshot meta for %v: %v", r.node.serverId, r.peer, err)
		return
	}

	args := common.InstallSnapshotArgs{
		GroupId:              r.node.groupId,
		ServerId:             r.node.serverId.String(),
		PeerId:               r.peer.String(),
		Term:                 term,
		LastIncludedLogIndex: meta.LastIncludedIndex,
		LastIncludedLogTerm:  meta.LastIncludedTerm,
		Peers:                meta.Peers,
		Uri:                  uri,
	}
	log.Infof("%v: installing snapshot at index %d on %v", r.node.serverId, meta.LastIncludedIndex, r.peer)
	var reply common.InstallSnapshotReply
	if err := r.client.InstallSnapshot(&args, &reply); err != nil {
		log.Warnf("%v: InstallSnapshot to %v failed: %v", r.node.serverId, r.peer, err)
		return
	}
	r.lastResponse.Store(time.Now().UnixMilli())
	if reply.Term > term {
		r.node.increaseTermTo(reply.Term)
		return
	}
	if !reply.Success {
		log.Warnf("%v: %v declined snapshot at index %d", r.node.serverId, r.peer, meta.LastIncludedIndex)
		return
	}
	r.nextIndex = meta.LastIncludedIndex + 1
	r.matchIndex.Store(meta.LastIncludedIndex)
	r.node.advanceCommitIndex(r.peer, meta.LastIncludedIndex)
}
