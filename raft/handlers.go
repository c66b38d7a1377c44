package raft

import (
	"fmt"
	"time"

	"github.com/raftkit/raftkit/common"
	log "github.com/sirupsen/logrus"
)

// HandleRequestVote decides whether to grant our vote for this term.
// A vote is withheld while we still trust a live leader, so a briefly
// partitioned replica cannot disrupt a healthy group.
func (n *Node) HandleRequestVote(args *common.RequestVoteArgs, reply *common.RequestVoteReply) error {
	candidate, err := ParsePeerId(args.ServerId)
	if err != nil {
		return fmt.Errorf("malformed candidate id: %w", err)
	}
	n.mutex.Lock()
	defer n.mutex.Unlock()
	reply.Term = n.currentTerm
	reply.Granted = false
	if n.state == StateShutdown {
		return nil
	}
	if !n.leaderId.IsEmpty() {
		log.Debugf("%v: rejecting vote for %v, still following %v", n.serverId, candidate, n.leaderId)
		return nil
	}
	if args.Term < n.currentTerm {
		log.Debugf("%v: ignoring vote request from %v at stale term %d", n.serverId, candidate, args.Term)
		return nil
	}
	if args.Term > n.currentTerm {
		n.stepDown(args.Term)
	}

	lastLogIndex := n.logManager.LastLogIndex()
	lastLogTerm := n.termAt(lastLogIndex)
	logIsOk := args.LastLogTerm > lastLogTerm ||
		(args.LastLogTerm == lastLogTerm && args.LastLogIndex >= lastLogIndex)
	if logIsOk && n.votedFor.IsEmpty() {
		n.votedFor = candidate
		n.persistHardState()
		log.Infof("%v: voting for %v at term %d", n.serverId, candidate, n.currentTerm)
	}
	reply.Term = n.currentTerm
	reply.Granted = args.Term == n.currentTerm && n.votedFor.Equal(candidate)
	return nil
}

// HandleAppendEntries replicates a batch from the leader, resolving
// conflicts by suffix truncation, and tolerates duplicate delivery of
// the same batch. An empty batch is the heartbeat.
func (n *Node) HandleAppendEntries(args *common.AppendEntriesArgs, reply *common.AppendEntriesReply) error {
	leader, err := ParsePeerId(args.ServerId)
	if err != nil {
		return fmt.Errorf("malformed leader id: %w", err)
	}
	n.mutex.Lock()
	defer n.mutex.Unlock()
	reply.Term = n.currentTerm
	reply.Success = false
	if n.state == StateShutdown {
		return nil
	}
	reply.LastLogIndex = n.logManager.LastLogIndex()
	if args.Term < n.currentTerm {
		log.Debugf("%v: rejecting entries from %v at stale term %d", n.serverId, leader, args.Term)
		return nil
	}
	if args.Term > n.currentTerm || n.state != StateFollower {
		n.stepDown(args.Term)
	}
	if n.leaderId.IsEmpty() {
		n.leaderId = leader
	}
	reply.Term = n.currentTerm
	if n.loadingSnapshotMeta != nil {
		// A snapshot install owns the log right now.
		n.lastLeaderTimestamp = time.Now()
		return nil
	}

	lastLogIndex := n.logManager.LastLogIndex()
	if args.PrevLogIndex > lastLogIndex {
		log.Debugf("%v: gap before entry %d, local log ends at %d", n.serverId, args.PrevLogIndex+1, lastLogIndex)
		return nil
	}
	if args.PrevLogIndex >= n.logManager.FirstLogIndex() {
		if localTerm := n.logManager.GetTerm(args.PrevLogIndex); localTerm != args.PrevLogTerm {
			log.Debugf("%v: term mismatch at entry %d (%d != %d)", n.serverId, args.PrevLogIndex, localTerm, args.PrevLogTerm)
			return nil
		}
	}

	entries, err := common.UnpackEntries(args.PrevLogIndex+1, args.Entries, args.Data)
	if err != nil {
		return fmt.Errorf("malformed entry batch: %w", err)
	}
	var batch []common.LogEntry
	for _, entry := range entries {
		if entry.Index < n.logManager.FirstLogIndex() {
			continue
		}
		if entry.Index <= n.logManager.LastLogIndex() {
			if n.logManager.GetTerm(entry.Index) == entry.Term {
				continue
			}
			log.Infof("%v: truncating conflicting log suffix from entry %d", n.serverId, entry.Index)
			if err := n.logManager.TruncateSuffix(entry.Index - 1); err != nil {
				log.Errorf("%v: truncating log suffix: %v", n.serverId, err)
				return nil
			}
			n.logManager.CheckAndSetConfiguration(&n.conf)
		}
		batch = append(batch, entry)
	}
	if err := n.logManager.AppendEntries(batch); err != nil {
		log.Errorf("%v: appending %d replicated entries: %v", n.serverId, len(batch), err)
		return nil
	}
	n.logManager.CheckAndSetConfiguration(&n.conf)

	reply.Success = true
	reply.LastLogIndex = n.logManager.LastLogIndex()
	committed := args.CommittedIndex
	if committed > reply.LastLogIndex {
		committed = reply.LastLogIndex
	}
	n.commitManager.SetLastCommittedIndex(committed)
	n.lastLeaderTimestamp = time.Now()
	return nil
}

// HandleInstallSnapshot fetches the leader's snapshot data, publishes
// it locally, and blocks until the FSM has loaded it so the reply
// reflects the real outcome.
func (n *Node) HandleInstallSnapshot(args *common.InstallSnapshotArgs, reply *common.InstallSnapshotReply) error {
	leader, err := ParsePeerId(args.ServerId)
	if err != nil {
		return fmt.Errorf("malformed leader id: %w", err)
	}
	n.mutex.Lock()
	reply.Term = n.currentTerm
	reply.Success = false
	if n.state == StateShutdown {
		n.mutex.Unlock()
		return nil
	}
	if n.loadingSnapshotMeta != nil {
		n.mutex.Unlock()
		return fmt.Errorf("another snapshot install is running: %w", common.ErrBusy)
	}
	if args.Term < n.currentTerm {
		n.mutex.Unlock()
		return nil
	}
	if args.Term > n.currentTerm || n.state != StateFollower {
		n.stepDown(args.Term)
	}
	if n.leaderId.IsEmpty() {
		n.leaderId = leader
	}
	reply.Term = n.currentTerm
	n.lastLeaderTimestamp = time.Now()
	if args.LastIncludedLogIndex == n.lastSnapshotIndex && args.LastIncludedLogTerm == n.lastSnapshotTerm {
		// Duplicate retry of an install we already finished.
		reply.Success = true
		n.mutex.Unlock()
		return nil
	}
	if n.snapshotStorage == nil {
		n.mutex.Unlock()
		log.Warnf("%v: cannot install snapshot, no snapshot storage configured", n.serverId)
		return nil
	}
	lastLogIndex := n.logManager.LastLogIndex()
	if args.LastIncludedLogIndex <= n.lastSnapshotIndex || args.LastIncludedLogIndex <= lastLogIndex {
		n.mutex.Unlock()
		log.Panicf("%v: snapshot install at index %d would move history backward (local snapshot at %d, log ends at %d)",
			n.serverId, args.LastIncludedLogIndex, n.lastSnapshotIndex, lastLogIndex)
	}
	meta := &common.SnapshotMeta{
		LastIncludedIndex: args.LastIncludedLogIndex,
		LastIncludedTerm:  args.LastIncludedLogTerm,
		Peers:             append([]string(nil), args.Peers...),
	}
	n.loadingSnapshotMeta = meta
	n.mutex.Unlock()

	log.Infof("%v: fetching snapshot at index %d from %s", n.serverId, meta.LastIncludedIndex, args.Uri)
	if err := n.copySnapshot(args.Uri, meta); err != nil {
		log.Warnf("%v: copying snapshot from %s: %v", n.serverId, args.Uri, err)
		n.mutex.Lock()
		n.loadingSnapshotMeta = nil
		n.mutex.Unlock()
		return nil
	}

	done := newInstallSnapshotDone(n)
	n.fsmCaller.OnSnapshotLoad(done)
	loadErr := done.Wait()

	n.mutex.Lock()
	reply.Term = n.currentTerm
	n.mutex.Unlock()
	reply.Success = loadErr == nil
	return nil
}

// copySnapshot pulls the snapshot bytes from the leader and publishes
// them in the local snapshot storage. Runs without the node mutex.
func (n *Node) copySnapshot(uri string, meta *common.SnapshotMeta) error {
	writer, err := n.snapshotStorage.Create()
	if err != nil {
		return err
	}
	if err := writer.Copy(uri, n.manager.FileFetcher()); err != nil {
		writer.Close()
		return err
	}
	if err := writer.SaveMeta(*meta); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}
