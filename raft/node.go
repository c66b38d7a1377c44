package raft

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raftkit/raftkit/common"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// State is the role of a node. A node is created in StateShutdown and
// only Init moves it out of it; StateShutdown is terminal afterwards.
type State int32

const (
	StateShutdown State = iota
	StateFollower
	StateCandidate
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateFollower:
		return "Follower"
	case StateCandidate:
		return "Candidate"
	case StateLeader:
		return "Leader"
	default:
		return "Shutdown"
	}
}

// Node is one replica of a raft group. All mutable fields below the
// mutex are guarded by it; every public entry point, RPC handler,
// timer callback, and collaborator completion acquires it before
// touching them.
type Node struct {
	groupId  string
	serverId PeerId
	options  Options
	manager  *NodeManager

	mutex               sync.Mutex
	state               State
	currentTerm         int64
	votedFor            PeerId
	leaderId            PeerId
	conf                ConfigurationPair
	confCtx             configurationCtx
	voteCtx             voteContext
	lastLeaderTimestamp time.Time
	lastSnapshotIndex   int64
	lastSnapshotTerm    int64
	snapshotSaving      bool
	loadingSnapshotMeta *common.SnapshotMeta

	electionTimer oneshotTimer
	voteTimer     oneshotTimer
	stepdownTimer oneshotTimer
	snapshotTimer oneshotTimer

	stableStorage   common.StableStorage
	snapshotStorage common.SnapshotStorage

	logManager    *LogManager
	commitManager *CommitManager
	fsmCaller     *FSMCaller
	replicators   *ReplicatorGroup

	appliedIndex atomic.Int64
}

// NewNode creates a node in StateShutdown, bound to the process-wide
// manager; Init registers it there. Init must be called before any other
// method.
func NewNode(groupId string, serverId PeerId) *Node {
	return NewNodeWithManager(groupId, serverId, GlobalNodeManager)
}

// NewNodeWithManager creates a node bound to a specific manager, which
// lets one process host replicas behind different endpoints.
func NewNodeWithManager(groupId string, serverId PeerId, manager *NodeManager) *Node {
	return &Node{
		groupId:  groupId,
		serverId: serverId,
		manager:  manager,
	}
}

func (n *Node) Id() NodeId {
	return NodeId{GroupId: n.groupId, PeerId: n.serverId}
}

func (n *Node) ServerId() PeerId {
	return n.serverId
}

func (n *Node) State() State {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.state
}

func (n *Node) CurrentTerm() int64 {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.currentTerm
}

func (n *Node) LeaderId() PeerId {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.leaderId
}

func (n *Node) AppliedIndex() int64 {
	return n.appliedIndex.Load()
}

// Init brings the node up: storages, rehydrated hard state, snapshot,
// log view, collaborators, registry, and finally the follower role.
func (n *Node) Init(options Options) error {
	if err := options.validate(); err != nil {
		return err
	}
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state != StateShutdown || n.logManager != nil {
		return fmt.Errorf("node %v already initialized: %w", n.Id(), common.ErrInvalidArgument)
	}
	n.options = options

	logStorage, err := common.NewLogStorage(options.LogURI)
	if err != nil {
		return fmt.Errorf("opening log storage: %w", err)
	}
	n.stableStorage, err = common.NewStableStorage(options.StableURI)
	if err != nil {
		logStorage.Close()
		return fmt.Errorf("opening stable storage: %w", err)
	}
	if n.currentTerm, err = n.stableStorage.GetTerm(); err != nil {
		return fmt.Errorf("reading term: %w", err)
	}
	votedFor, err := n.stableStorage.GetVotedFor()
	if err != nil {
		return fmt.Errorf("reading vote: %w", err)
	}
	if votedFor != "" {
		if n.votedFor, err = ParsePeerId(votedFor); err != nil {
			return fmt.Errorf("rehydrating vote: %w", err)
		}
	}

	var snapshotMeta *common.SnapshotMeta
	if options.SnapshotURI != "" {
		if n.snapshotStorage, err = common.NewSnapshotStorage(options.SnapshotURI); err != nil {
			return fmt.Errorf("opening snapshot storage: %w", err)
		}
		if err = n.snapshotStorage.Init(); err != nil {
			return fmt.Errorf("initializing snapshot storage: %w", err)
		}
		reader, err := n.snapshotStorage.Open()
		if err != nil {
			return fmt.Errorf("opening snapshot: %w", err)
		}
		if reader != nil {
			if snapshotMeta, err = reader.Meta(); err != nil {
				reader.Close()
				return fmt.Errorf("reading snapshot meta: %w", err)
			}
			err = options.FSM.LoadSnapshot(reader)
			reader.Close()
			if err != nil {
				return fmt.Errorf("loading snapshot into FSM: %w", err)
			}
			n.lastSnapshotIndex = snapshotMeta.LastIncludedIndex
			n.lastSnapshotTerm = snapshotMeta.LastIncludedTerm
			n.appliedIndex.Store(snapshotMeta.LastIncludedIndex)
		}
	}

	if n.logManager, err = NewLogManager(logStorage); err != nil {
		return fmt.Errorf("initializing log manager: %w", err)
	}
	if snapshotMeta != nil {
		n.logManager.SetSnapshot(snapshotMeta)
		if err := n.logManager.TruncatePrefix(snapshotMeta.LastIncludedIndex + 1); err != nil {
			return fmt.Errorf("dropping log prefix covered by snapshot: %w", err)
		}
	}

	n.logManager.CheckAndSetConfiguration(&n.conf)
	if n.conf.Conf.Empty() && len(options.InitialConf) > 0 {
		n.conf = ConfigurationPair{Conf: NewConfiguration(options.InitialConf)}
	}

	n.fsmCaller = NewFSMCaller(n, options.FSM, n.logManager, n.snapshotStorage)
	n.fsmCaller.Start(n.lastSnapshotIndex, n.lastSnapshotTerm)
	n.commitManager = NewCommitManager(n.serverId, n.fsmCaller)
	n.commitManager.ResetPendingIndex(n.lastSnapshotIndex + 1)
	n.replicators = NewReplicatorGroup(n)

	if !n.manager.Add(n) {
		return fmt.Errorf("registering node %v: %w", n.Id(), common.ErrDuplicate)
	}
	if n.snapshotStorage != nil {
		n.manager.AllowSnapshotDir(n.snapshotStorage.Path())
	}

	log.Infof("%v: initialized at term %d with configuration [%v]", n.serverId, n.currentTerm, n.conf.Conf)
	n.state = StateFollower
	n.lastLeaderTimestamp = time.Now()
	if !n.conf.Conf.Empty() {
		n.stepDown(n.currentTerm)
	}
	if n.options.SnapshotInterval > 0 && n.snapshotStorage != nil {
		n.snapshotTimer.Schedule(n.options.SnapshotInterval, n.handleSnapshotTimeout)
	}
	return nil
}

// termAt assumes the caller holds the node mutex. It falls back to the
// snapshot term for the compacted boundary index.
func (n *Node) termAt(index int64) int64 {
	if index == 0 {
		return 0
	}
	if term := n.logManager.GetTerm(index); term != 0 {
		return term
	}
	if index == n.lastSnapshotIndex {
		return n.lastSnapshotTerm
	}
	return 0
}

func (n *Node) armElectionTimer() {
	n.electionTimer.Schedule(randomTimeout(n.options.ElectionTimeout), n.handleElectionTimeout)
}

// stepDown transitions to follower at term. It assumes the caller has
// already acquired the node mutex.
func (n *Node) stepDown(term int64) {
	log.Infof("%v: stepping down to term %d from %v at term %d", n.serverId, term, n.state, n.currentTerm)
	switch n.state {
	case StateCandidate:
		n.voteTimer.Stop()
	case StateLeader:
		n.stepdownTimer.Stop()
		n.commitManager.ClearPendingApplications()
		n.logManager.StopDiskThread()
		n.fsmCaller.OnLeaderStop()
		n.replicators.StopAll()
	}
	n.state = StateFollower
	n.leaderId.Reset()
	n.currentTerm = term
	n.votedFor.Reset()
	n.confCtx.Reset()
	n.persistHardState()
	if !n.conf.Conf.Empty() && n.conf.Conf.Contain(n.serverId) {
		n.armElectionTimer()
	}
}

// persistHardState assumes the caller holds the node mutex. The term
// and vote are durable before any reply that depends on them leaves
// this process.
func (n *Node) persistHardState() {
	votedFor := ""
	if !n.votedFor.IsEmpty() {
		votedFor = n.votedFor.String()
	}
	if err := n.stableStorage.SetTermAndVotedFor(n.currentTerm, votedFor); err != nil {
		log.Errorf("%v: persisting term %d: %v", n.serverId, n.currentTerm, err)
	}
}

// electSelf starts a new election. Assumes the caller holds the mutex.
func (n *Node) electSelf() {
	if n.state == StateFollower {
		n.electionTimer.Stop()
	}
	n.state = StateCandidate
	n.currentTerm++
	n.votedFor = n.serverId
	n.leaderId.Reset()
	n.persistHardState()
	log.Infof("%v: starting election for term %d", n.serverId, n.currentTerm)

	peers := n.conf.Conf.Peers()
	n.voteCtx.Reset(peers)
	n.voteTimer.Schedule(randomTimeout(voteRetryBase(n.options.ElectionTimeout)), n.handleVoteTimeout)

	term := n.currentTerm
	lastLogIndex := n.logManager.LastLogIndex()
	args := common.RequestVoteArgs{
		GroupId:      n.groupId,
		ServerId:     n.serverId.String(),
		Term:         term,
		LastLogTerm:  n.termAt(lastLogIndex),
		LastLogIndex: lastLogIndex,
	}
	for _, peer := range peers {
		if peer.Equal(n.serverId) {
			continue
		}
		peer := peer
		go n.requestVoteFrom(peer, args)
	}
	n.voteCtx.Grant(n.serverId)
	if n.voteCtx.Quorum() {
		n.becomeLeader()
	}
}

func (n *Node) requestVoteFrom(peer PeerId, args common.RequestVoteArgs) {
	args.PeerId = peer.String()
	client, err := n.manager.ConnectToPeer(peer.Addr)
	if err != nil {
		log.Debugf("%v: connecting to %v for vote: %v", n.serverId, peer, err)
		return
	}
	defer client.Close()
	var reply common.RequestVoteReply
	if err := client.RequestVote(&args, &reply); err != nil {
		log.Debugf("%v: requesting vote from %v: %v", n.serverId, peer, err)
		return
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()
	if reply.Term > n.currentTerm {
		n.stepDown(reply.Term)
		return
	}
	if n.state != StateCandidate || n.currentTerm != args.Term || !reply.Granted {
		return
	}
	n.voteCtx.Grant(peer)
	if n.voteCtx.Quorum() {
		n.becomeLeader()
	}
}

// becomeLeader assumes the caller holds the mutex and the node is a
// candidate that just reached vote quorum.
func (n *Node) becomeLeader() {
	n.voteTimer.Stop()
	log.Infof("%v: becoming leader of [%v] at term %d", n.serverId, n.conf.Conf, n.currentTerm)
	n.state = StateLeader
	n.leaderId = n.serverId

	n.logManager.StartDiskThread()
	n.replicators.Init(n.currentTerm, heartbeatPeriod(n.options.ElectionTimeout))
	for _, peer := range n.conf.Conf.Peers() {
		if peer.Equal(n.serverId) {
			continue
		}
		if err := n.replicators.AddReplicator(peer); err != nil {
			log.Errorf("%v: starting replicator for %v: %v", n.serverId, peer, err)
		}
	}
	n.commitManager.ResetPendingIndex(n.logManager.LastLogIndex() + 1)

	// Re-assert the configuration as this term's first entry; committing
	// it is also the leadership-established signal.
	entry := &common.LogEntry{
		Term:  n.currentTerm,
		Type:  common.EntryAddPeer,
		Peers: peerStrings(n.conf.Conf.Peers()),
	}
	n.appendEntry(entry, n.fsmCaller.OnLeaderStart(n.currentTerm))
	n.stepdownTimer.Schedule(n.options.ElectionTimeout, n.handleStepdownTimeout)
}

// appendEntry registers the pending application, hands the entry to the
// log manager, and tracks a configuration change if the entry started
// one. Assumes the caller holds the mutex and the node is leader.
func (n *Node) appendEntry(entry *common.LogEntry, done common.Closure) {
	confOfRecord := n.conf.Conf
	if entry.Type == common.EntryAddPeer || entry.Type == common.EntryRemovePeer {
		peers, err := parsePeerIds(entry.Peers)
		if err != nil {
			n.fsmCaller.OnCleared(0, done, err)
			return
		}
		confOfRecord = NewConfiguration(peers)
	}
	n.commitManager.AppendPendingApplication(confOfRecord, done)
	oldPeers := n.conf.Conf.Peers()
	n.logManager.AppendEntry(entry, &leaderStableClosure{node: n, entry: entry})
	if n.logManager.CheckAndSetConfiguration(&n.conf) && n.confCtx.Empty() {
		n.confCtx.Set(oldPeers)
	}
}

// advanceCommitIndex records that peer holds the log durably up to
// index. Invoked from the disk thread for self and from replicators
// for followers.
func (n *Node) advanceCommitIndex(peer PeerId, index int64) {
	n.commitManager.SetStableAtPeer(index, peer)
}

// increaseTermTo steps down when a response reveals a higher term.
func (n *Node) increaseTermTo(term int64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state == StateShutdown || term <= n.currentTerm {
		return
	}
	n.stepDown(term)
}

func (n *Node) handleElectionTimeout() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state != StateFollower {
		return
	}
	if time.Since(n.lastLeaderTimestamp) < n.options.ElectionTimeout {
		n.armElectionTimer()
		return
	}
	n.electSelf()
}

func (n *Node) handleVoteTimeout() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state != StateCandidate {
		return
	}
	log.Infof("%v: election for term %d timed out, retrying", n.serverId, n.currentTerm)
	n.electSelf()
}

// handleStepdownTimeout gives up leadership when a majority of the
// configuration has been silent for a full election timeout.
func (n *Node) handleStepdownTimeout() {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state != StateLeader {
		return
	}
	dead := 0
	for _, peer := range n.conf.Conf.Peers() {
		if peer.Equal(n.serverId) {
			continue
		}
		last := n.replicators.LastResponseTimestamp(peer)
		if time.Since(last) > n.options.ElectionTimeout {
			dead++
		}
	}
	if dead >= n.conf.Conf.Quorum() {
		log.Warnf("%v: lost contact with the majority (%d/%d silent), stepping down",
			n.serverId, dead, n.conf.Conf.Size())
		n.stepDown(n.currentTerm)
		return
	}
	n.stepdownTimer.Schedule(n.options.ElectionTimeout, n.handleStepdownTimeout)
}

func (n *Node) handleSnapshotTimeout() {
	n.mutex.Lock()
	if n.state == StateShutdown {
		n.mutex.Unlock()
		return
	}
	n.mutex.Unlock()
	n.Snapshot(nil)
	n.mutex.Lock()
	if n.state != StateShutdown {
		n.snapshotTimer.Schedule(n.options.SnapshotInterval, n.handleSnapshotTimeout)
	}
	n.mutex.Unlock()
}

// Apply replicates data as a log entry and runs done once the entry is
// committed and applied to the FSM. If done implements ResultSink it
// also receives the FSM's output.
func (n *Node) Apply(data []byte, done common.Closure) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state == StateShutdown {
		n.fsmCaller.OnCleared(0, done, common.ErrShuttingDown)
		return
	}
	if n.state != StateLeader {
		n.fsmCaller.OnCleared(0, done, common.ErrNotLeader)
		return
	}
	entry := &common.LogEntry{
		Term: n.currentTerm,
		Type: common.EntryData,
		Data: data,
	}
	n.appendEntry(entry, done)
}

// AddPeer extends the configuration with newPeer. The peer is first
// brought within catchUpMargin entries of the leader's log; only then
// is the AddPeer entry proposed, with quorum computed against the
// extended peer set.
func (n *Node) AddPeer(oldPeers []PeerId, newPeer PeerId, done common.Closure) {
	n.mutex.Lock()
	if err := n.checkConfChange(oldPeers); err != nil {
		n.mutex.Unlock()
		n.fsmCaller.OnCleared(0, done, err)
		return
	}
	if newPeer.IsEmpty() || n.conf.Conf.Contain(newPeer) {
		n.mutex.Unlock()
		n.fsmCaller.OnCleared(0, done, common.ErrInvalidArgument)
		return
	}
	log.Infof("%v: adding peer %v to [%v]", n.serverId, newPeer, n.conf.Conf)
	n.confCtx.Set(n.conf.Conf.Peers())
	if err := n.replicators.AddReplicator(newPeer); err != nil {
		n.confCtx.Reset()
		n.mutex.Unlock()
		n.fsmCaller.OnCleared(0, done, err)
		return
	}
	term := n.currentTerm
	n.mutex.Unlock()
	n.waitNewPeerCaughtup(newPeer, term, done)
}

func (n *Node) waitNewPeerCaughtup(peer PeerId, term int64, done common.Closure) {
	deadline := time.Now().Add(n.options.ElectionTimeout)
	n.replicators.WaitCaughtup(peer, catchUpMargin, deadline, common.ClosureFunc(func(err error) {
		n.onCaughtUp(peer, term, done, err)
	}))
}

func (n *Node) onCaughtUp(peer PeerId, term int64, done common.Closure, err error) {
	n.mutex.Lock()
	if n.state != StateLeader || n.currentTerm != term {
		n.replicators.StopReplicator(peer)
		n.mutex.Unlock()
		n.fsmCaller.OnCleared(0, done, common.ErrNotLeader)
		return
	}
	if err == nil {
		newPeers := append(n.conf.Conf.Peers(), peer)
		entry := &common.LogEntry{
			Term:  term,
			Type:  common.EntryAddPeer,
			Peers: peerStrings(newPeers),
		}
		n.appendEntry(entry, done)
		n.mutex.Unlock()
		return
	}
	if errors.Is(err, common.ErrCatchUpTimeout) {
		last := n.replicators.LastResponseTimestamp(peer)
		if time.Since(last) <= n.options.ElectionTimeout {
			log.Infof("%v: %v still catching up, waiting another round", n.serverId, peer)
			n.mutex.Unlock()
			n.waitNewPeerCaughtup(peer, term, done)
			return
		}
	}
	log.Warnf("%v: adding peer %v aborted: %v", n.serverId, peer, err)
	n.replicators.StopReplicator(peer)
	n.confCtx.Reset()
	n.mutex.Unlock()
	n.fsmCaller.OnCleared(0, done, err)
}

// RemovePeer shrinks the configuration. The replicator of the removed
// peer keeps running until the RemovePeer entry commits; stopping it is
// part of onConfigurationChangeDone.
func (n *Node) RemovePeer(oldPeers []PeerId, target PeerId, done common.Closure) {
	n.mutex.Lock()
	if err := n.checkConfChange(oldPeers); err != nil {
		n.mutex.Unlock()
		n.fsmCaller.OnCleared(0, done, err)
		return
	}
	if !n.conf.Conf.Contain(target) {
		n.mutex.Unlock()
		n.fsmCaller.OnCleared(0, done, common.ErrInvalidArgument)
		return
	}
	log.Infof("%v: removing peer %v from [%v]", n.serverId, target, n.conf.Conf)
	n.confCtx.Set(n.conf.Conf.Peers())
	newConf := NewConfiguration(n.conf.Conf.Peers())
	newConf.RemovePeer(target)
	entry := &common.LogEntry{
		Term:  n.currentTerm,
		Type:  common.EntryRemovePeer,
		Peers: peerStrings(newConf.Peers()),
	}
	n.appendEntry(entry, done)
	n.mutex.Unlock()
}

// checkConfChange assumes the caller holds the mutex.
func (n *Node) checkConfChange(oldPeers []PeerId) error {
	if n.state == StateShutdown {
		return common.ErrShuttingDown
	}
	if n.state != StateLeader {
		return common.ErrNotLeader
	}
	if !n.confCtx.Empty() {
		return common.ErrConfChangeInFlight
	}
	if !n.conf.Conf.Equal(oldPeers) {
		return fmt.Errorf("configuration is [%v], not [%v]: %w",
			n.conf.Conf, NewConfiguration(oldPeers), common.ErrInvalidArgument)
	}
	return nil
}

// SetPeer is the operator recovery tool: it rewrites the configuration
// without a log entry. It accepts exactly two shapes, bootstrapping an
// empty node and shrinking a quorum-less group to a strict minority of
// surviving peers.
func (n *Node) SetPeer(oldPeers, newPeers []PeerId) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state == StateShutdown {
		return common.ErrShuttingDown
	}
	if n.state == StateLeader && !n.confCtx.Empty() {
		return common.ErrConfChangeInFlight
	}
	if len(newPeers) == 0 {
		return fmt.Errorf("empty new peer set: %w", common.ErrInvalidArgument)
	}
	if n.conf.Conf.Empty() && len(oldPeers) == 0 {
		log.Infof("%v: bootstrapping with configuration [%v]", n.serverId, NewConfiguration(newPeers))
		n.conf = ConfigurationPair{Conf: NewConfiguration(newPeers)}
		term := n.currentTerm
		if term < 1 {
			term = 1
		}
		n.stepDown(term)
		return nil
	}
	if !n.conf.Conf.Equal(oldPeers) {
		return fmt.Errorf("configuration is [%v], not [%v]: %w",
			n.conf.Conf, NewConfiguration(oldPeers), common.ErrInvalidArgument)
	}
	if !n.conf.Conf.ContainAll(newPeers) {
		return fmt.Errorf("new peers must be a subset of [%v]: %w", n.conf.Conf, common.ErrInvalidArgument)
	}
	if len(newPeers) >= len(oldPeers)/2+1 {
		return fmt.Errorf("new peer set must be a strict minority of the old one: %w", common.ErrInvalidArgument)
	}
	log.Warnf("%v: forcing configuration [%v] over [%v]", n.serverId, NewConfiguration(newPeers), n.conf.Conf)
	n.conf = ConfigurationPair{Index: n.conf.Index, Conf: NewConfiguration(newPeers)}
	n.stepDown(n.currentTerm + 1)
	return nil
}

// onConfigurationChangeDone runs on the FSM caller goroutine when an
// AddPeer/RemovePeer entry is applied.
func (n *Node) onConfigurationChangeDone(entry *common.LogEntry) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.state == StateShutdown {
		return
	}
	peers, err := parsePeerIds(entry.Peers)
	if err != nil {
		log.Errorf("%v: committed configuration entry %d has bad peers: %v", n.serverId, entry.Index, err)
		return
	}
	newConf := NewConfiguration(peers)
	switch entry.Type {
	case common.EntryAddPeer:
		log.Infof("%v: configuration [%v] committed at index %d", n.serverId, newConf, entry.Index)
	case common.EntryRemovePeer:
		if !newConf.Contain(n.serverId) {
			log.Infof("%v: removed from the group, stepping down", n.serverId)
			n.conf = ConfigurationPair{Index: entry.Index}
			n.stepDown(n.currentTerm)
			return
		}
		if n.state == StateLeader {
			for _, old := range n.confCtx.OldPeers() {
				if !newConf.Contain(old) && !old.Equal(n.serverId) {
					n.replicators.StopReplicator(old)
				}
			}
		}
		log.Infof("%v: configuration [%v] committed at index %d", n.serverId, newConf, entry.Index)
	}
	n.confCtx.Reset()
}

// Snapshot asks the FSM for a snapshot of its current state. A nil
// done only logs failures. Saving is refused while another save or an
// install is running.
func (n *Node) Snapshot(done common.Closure) {
	if done == nil {
		serverId := n.serverId
		done = common.ClosureFunc(func(err error) {
			if err != nil && !errors.Is(err, common.ErrBusy) {
				log.Warnf("%v: periodic snapshot failed: %v", serverId, err)
			}
		})
	}
	n.mutex.Lock()
	if n.state == StateShutdown {
		n.mutex.Unlock()
		go done.Run(common.ErrShuttingDown)
		return
	}
	if n.snapshotStorage == nil {
		n.mutex.Unlock()
		go done.Run(fmt.Errorf("snapshot storage not configured: %w", common.ErrInvalidArgument))
		return
	}
	if n.loadingSnapshotMeta != nil || n.snapshotSaving {
		n.mutex.Unlock()
		go done.Run(common.ErrBusy)
		return
	}
	n.snapshotSaving = true
	n.mutex.Unlock()
	n.fsmCaller.OnSnapshotSave(&SaveSnapshotDone{node: n, done: done})
}

// onSnapshotSaveDone publishes a finished snapshot unless it was
// superseded by an install that covered a longer prefix meanwhile.
func (n *Node) onSnapshotSaveDone(saveErr error, meta common.SnapshotMeta, writer common.SnapshotWriter, done common.Closure) {
	n.mutex.Lock()
	if saveErr != nil {
		n.snapshotSaving = false
		n.mutex.Unlock()
		if writer != nil {
			writer.Close()
		}
		log.Warnf("%v: snapshot save failed: %v", n.serverId, saveErr)
		done.Run(saveErr)
		return
	}
	if meta.LastIncludedIndex <= n.lastSnapshotIndex {
		n.snapshotSaving = false
		n.mutex.Unlock()
		writer.Close()
		log.Warnf("%v: snapshot at index %d superseded by index %d",
			n.serverId, meta.LastIncludedIndex, n.lastSnapshotIndex)
		done.Run(common.ErrStale)
		return
	}
	err := writer.SaveMeta(meta)
	closeErr := writer.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		n.snapshotSaving = false
		n.mutex.Unlock()
		log.Errorf("%v: publishing snapshot at index %d: %v", n.serverId, meta.LastIncludedIndex, err)
		done.Run(err)
		return
	}
	n.lastSnapshotIndex = meta.LastIncludedIndex
	n.lastSnapshotTerm = meta.LastIncludedTerm
	n.logManager.SetSnapshot(&meta)
	if err := n.logManager.TruncatePrefix(meta.LastIncludedIndex + 1); err != nil {
		log.Errorf("%v: truncating log prefix after snapshot: %v", n.serverId, err)
	}
	n.snapshotSaving = false
	n.mutex.Unlock()
	log.Infof("%v: snapshot saved at index %d term %d", n.serverId, meta.LastIncludedIndex, meta.LastIncludedTerm)
	done.Run(nil)
}

// onSnapshotLoadDone reconciles the log with an installed snapshot: if
// the log tail disagrees with the snapshot it is discarded wholesale,
// otherwise only the covered prefix is dropped.
func (n *Node) onSnapshotLoadDone(loadErr error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	meta := n.loadingSnapshotMeta
	if meta == nil {
		return
	}
	n.loadingSnapshotMeta = nil
	if loadErr != nil {
		log.Errorf("%v: loading installed snapshot failed: %v", n.serverId, loadErr)
		return
	}
	n.lastSnapshotIndex = meta.LastIncludedIndex
	n.lastSnapshotTerm = meta.LastIncludedTerm

	first := n.logManager.FirstLogIndex()
	last := n.logManager.LastLogIndex()
	agrees := meta.LastIncludedIndex >= first-1 && meta.LastIncludedIndex <= last &&
		n.termAt(meta.LastIncludedIndex) == meta.LastIncludedTerm
	if agrees {
		if err := n.logManager.TruncatePrefix(meta.LastIncludedIndex + 1); err != nil {
			log.Errorf("%v: truncating log prefix after install: %v", n.serverId, err)
		}
	} else {
		log.Warnf("%v: local log disagrees with snapshot at index %d, discarding log", n.serverId, meta.LastIncludedIndex)
		if err := n.logManager.Reset(meta.LastIncludedIndex + 1); err != nil {
			log.Errorf("%v: resetting log after install: %v", n.serverId, err)
		}
	}
	n.logManager.SetSnapshot(meta)
	n.logManager.CheckAndSetConfiguration(&n.conf)
	n.commitManager.ResetPendingIndex(meta.LastIncludedIndex + 1)
	log.Infof("%v: snapshot installed at index %d term %d", n.serverId, meta.LastIncludedIndex, meta.LastIncludedTerm)
}

// Shutdown deregisters the node, tears down leadership if held, and
// stops the collaborators. done runs once the FSM caller has drained.
// Repeated calls are safe.
func (n *Node) Shutdown(done common.Closure) {
	// Deregister first so no RPC handler can enter the node afterwards.
	n.manager.Remove(n)
	n.mutex.Lock()
	if n.state == StateShutdown {
		fsmCaller := n.fsmCaller
		n.mutex.Unlock()
		if fsmCaller != nil {
			fsmCaller.Shutdown(done)
		} else if done != nil {
			go done.Run(nil)
		}
		return
	}
	log.Infof("%v: shutting down", n.serverId)
	if n.state != StateFollower {
		n.stepDown(n.currentTerm)
	}
	n.electionTimer.Stop()
	n.snapshotTimer.Stop()
	n.state = StateShutdown
	closeErr := multierr.Combine(n.logManager.Shutdown(), n.stableStorage.Close())
	n.mutex.Unlock()
	n.fsmCaller.Shutdown(common.ClosureFunc(func(err error) {
		if done != nil {
			done.Run(multierr.Combine(closeErr, err))
		} else if closeErr != nil {
			log.Errorf("%v: shutdown: %v", n.serverId, closeErr)
		}
	}))
}
