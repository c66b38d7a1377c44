package raft_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raftkit/raftkit/common"
	"github.com/raftkit/raftkit/kvstore"
	_ "github.com/raftkit/raftkit/persistent"
	"github.com/raftkit/raftkit/raft"
	"github.com/raftkit/raftkit/rpc"
	"github.com/stretchr/testify/assert"
)

const testElectionTimeout = 200 * time.Millisecond

// nextBasePort hands out disjoint port ranges so clusters from
// different tests never collide.
var nextBasePort = 21000

func allocatePorts(n int) int {
	base := nextBasePort
	nextBasePort += n
	return base
}

func cleanupDbFiles() {
	matches, err := filepath.Glob("*.db")
	if err != nil {
		panic(err)
	}
	for _, match := range matches {
		os.Remove(match)
	}
	dirs, err := filepath.Glob("*_snapshots")
	if err != nil {
		panic(err)
	}
	for _, dir := range dirs {
		os.RemoveAll(dir)
	}
}

func generatePeers(n int) []raft.PeerId {
	base := allocatePorts(n)
	var peers []raft.PeerId
	for i := 0; i < n; i++ {
		peers = append(peers, raft.PeerId{
			Addr: common.ServerAddress(fmt.Sprintf("127.0.0.1:%d", base+i)),
			Idx:  i,
		})
	}
	return peers
}

type testServer struct {
	node    *raft.Node
	manager *raft.NodeManager
	me      raft.PeerId
	options raft.Options
}

// startTestServer boots one replica behind its own endpoint.
// initialConf may be nil for a server that waits to be configured.
func startTestServer(t *testing.T, groupId string, me raft.PeerId, initialConf []raft.PeerId, snapshots bool) *testServer {
	manager := raft.NewNodeManager()
	err := manager.Init(me.Addr, rpc.NewManager(), rpc.NewFileService())
	assert.NoError(t, err)

	id := uuid.New()
	options := raft.Options{
		LogURI:          fmt.Sprintf("bolt://logstore-%v.db", id),
		StableURI:       fmt.Sprintf("bolt://pstore-%v.db", id),
		ElectionTimeout: testElectionTimeout,
		InitialConf:     initialConf,
		FSM:             kvstore.NewKeyValFSM(),
	}
	if snapshots {
		options.SnapshotURI = fmt.Sprintf("file://snap-%v_snapshots", id)
	}

	node := raft.NewNodeWithManager(groupId, me, manager)
	assert.NoError(t, node.Init(options))
	return &testServer{node: node, manager: manager, me: me, options: options}
}

func makeRaftCluster(t *testing.T, n int) []*testServer {
	peers := generatePeers(n)
	var servers []*testServer
	for i := 0; i < n; i++ {
		servers = append(servers, startTestServer(t, "test-group", peers[i], peers, false))
	}
	return servers
}

func shutdownNode(t *testing.T, node *raft.Node) {
	done := make(chan error, 1)
	node.Shutdown(common.ClosureFunc(func(err error) { done <- err }))
	assert.NoError(t, <-done)
}

// restart re-creates the node from the same storage files on the same
// endpoint, with a fresh FSM that must be rebuilt from log and
// snapshot.
func (s *testServer) restart(t *testing.T) {
	s.options.FSM = kvstore.NewKeyValFSM()
	node := raft.NewNodeWithManager("test-group", s.me, s.manager)
	assert.NoError(t, node.Init(s.options))
	s.node = node
}

func verifyElectionSafetyAndLiveness(t *testing.T, servers []*testServer) {
	liveness := false
	for i := 0; i < 20; i++ {
		leaders := make(map[int64][]raft.PeerId)
		for _, server := range servers {
			if server.node.State() == raft.StateLeader {
				leaders[server.node.CurrentTerm()] = append(leaders[server.node.CurrentTerm()], server.node.ServerId())
			}
		}
		for term, ldrs := range leaders {
			assert.LessOrEqualf(t, len(ldrs), 1, "multiple leaders for term %d", term)
			liveness = true
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Truef(t, liveness, "election liveness not satisfied (no leader elected ever)")
}

// waitForLeader blocks until some server is leader, up to deadline.
func waitForLeader(t *testing.T, servers []*testServer) *testServer {
	for i := 0; i < 100; i++ {
		for _, server := range servers {
			if server.node.State() == raft.StateLeader {
				return server
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("no leader elected")
	return nil
}

func setRequest(t *testing.T, key, val string, id uuid.UUID) []byte {
	bytes, err := json.Marshal(kvstore.Request{
		Type:          kvstore.Set,
		Key:           key,
		Val:           val,
		TransactionId: id,
	})
	assert.NoError(t, err)
	return bytes
}

// apply submits one entry to node and waits for it to commit.
func apply(node *raft.Node, data []byte) error {
	done := make(chan error, 1)
	node.Apply(data, common.ClosureFunc(func(err error) { done <- err }))
	return <-done
}

func Test_SimpleElection(t *testing.T) {
	t.Cleanup(cleanupDbFiles)
	servers := makeRaftCluster(t, 3)
	defer func() {
		for _, server := range servers {
			shutdownNode(t, server.node)
			server.manager.Stop()
		}
	}()
	verifyElectionSafetyAndLiveness(t, servers)
}

func Test_SingleNodeBootstrap(t *testing.T) {
	// A server started with no configuration must sit idle as a
	// follower; only an explicit peer override forms the cluster. After
	// the override the server should elect itself and accept writes.
	t.Cleanup(cleanupDbFiles)
	peers := generatePeers(1)
	server := startTestServer(t, "test-group", peers[0], nil, false)
	defer server.manager.Stop()
	defer shutdownNode(t, server.node)

	time.Sleep(3 * testElectionTimeout)
	assert.Equal(t, raft.StateFollower, server.node.State())

	assert.NoError(t, server.node.SetPeer(nil, []raft.PeerId{peers[0]}))
	waitForLeader(t, []*testServer{server})

	assert.NoError(t, apply(server.node, setRequest(t, "a", "1", uuid.New())))
	assert.Greater(t, server.node.AppliedIndex(), int64(0))
}

func Test_ClientSetGet(t *testing.T) {
	// End-to-end path: kv client -> kv server -> raft log -> FSM.
	t.Cleanup(cleanupDbFiles)
	servers := makeRaftCluster(t, 3)
	defer func() {
		for _, server := range servers {
			shutdownNode(t, server.node)
			server.manager.Stop()
		}
	}()
	waitForLeader(t, servers)

	kvBase := allocatePorts(3)
	var kvAddrs []common.ServerAddress
	for i, server := range servers {
		addr := common.ServerAddress(fmt.Sprintf("127.0.0.1:%d", kvBase+i))
		kvServer := kvstore.NewKVServer(server.node)
		assert.NoError(t, kvServer.Start(addr))
		defer kvServer.Stop()
		kvAddrs = append(kvAddrs, addr)
	}

	store := kvstore.NewKeyValStore(kvAddrs)
	defer store.Close()
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%d", i)
		val := fmt.Sprintf("val%d", i)
		_, err := store.Set(key, val)
		assert.NoError(t, err)
		_, got, err := store.Get(key)
		assert.NoError(t, err)
		assert.Equal(t, val, got)
	}

	// A retried transaction id must not apply twice.
	id, err := store.Set("dedup", "first")
	assert.NoError(t, err)
	_, err = store.Set("dedup", "second")
	assert.NoError(t, err)
	assert.NoError(t, store.SetWithUUID("dedup", "first", id))
	_, got, err := store.Get("dedup")
	assert.NoError(t, err)
	assert.Equal(t, "second", got)
}

func Test_FollowerRestartCatchUp(t *testing.T) {
	// A follower that misses writes while down must rebuild its state
	// from its own log plus replication after restart.
	t.Cleanup(cleanupDbFiles)
	servers := makeRaftCluster(t, 3)
	defer func() {
		for _, server := range servers {
			shutdownNode(t, server.node)
			server.manager.Stop()
		}
	}()
	leader := waitForLeader(t, servers)

	for i := 0; i < 10; i++ {
		assert.NoError(t, apply(leader.node, setRequest(t, fmt.Sprintf("key%d", i), "x", uuid.New())))
	}

	var follower *testServer
	for _, server := range servers {
		if server != leader {
			follower = server
			break
		}
	}
	shutdownNode(t, follower.node)

	for i := 10; i < 60; i++ {
		assert.NoError(t, apply(leader.node, setRequest(t, fmt.Sprintf("key%d", i), "x", uuid.New())))
	}

	follower.restart(t)
	caughtUp := false
	for i := 0; i < 100; i++ {
		if follower.node.AppliedIndex() >= leader.node.AppliedIndex() {
			caughtUp = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Truef(t, caughtUp, "restarted follower never caught up (follower %d, leader %d)",
		follower.node.AppliedIndex(), leader.node.AppliedIndex())
}

func Test_AddAndRemovePeer(t *testing.T) {
	// Membership growth: a two-server cluster adopts a third, initially
	// unconfigured server, which must then receive the whole log. The
	// third server is removed again afterwards.
	t.Cleanup(cleanupDbFiles)
	peers := generatePeers(3)
	initial := peers[:2]
	var servers []*testServer
	for i := 0; i < 2; i++ {
		servers = append(servers, startTestServer(t, "test-group", peers[i], initial, false))
	}
	third := startTestServer(t, "test-group", peers[2], nil, false)
	servers = append(servers, third)
	defer func() {
		for _, server := range servers {
			shutdownNode(t, server.node)
			server.manager.Stop()
		}
	}()
	leader := waitForLeader(t, servers[:2])

	for i := 0; i < 20; i++ {
		assert.NoError(t, apply(leader.node, setRequest(t, fmt.Sprintf("key%d", i), "x", uuid.New())))
	}

	added := make(chan error, 1)
	leader.node.AddPeer(initial, peers[2], common.ClosureFunc(func(err error) { added <- err }))
	assert.NoError(t, <-added)

	replicated := false
	for i := 0; i < 100; i++ {
		if third.node.AppliedIndex() >= leader.node.AppliedIndex() {
			replicated = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Truef(t, replicated, "added server never received the log")

	removed := make(chan error, 1)
	leader.node.RemovePeer(peers, peers[2], common.ClosureFunc(func(err error) { removed <- err }))
	assert.NoError(t, <-removed)
}

func Test_ConfChangeSerialization(t *testing.T) {
	// A second membership change must be refused while one is still in
	// flight.
	t.Cleanup(cleanupDbFiles)
	servers := makeRaftCluster(t, 3)
	defer func() {
		for _, server := range servers {
			shutdownNode(t, server.node)
			server.manager.Stop()
		}
	}()
	leader := waitForLeader(t, servers)

	var current []raft.PeerId
	for _, server := range servers {
		current = append(current, server.me)
	}
	// Point at an endpoint nobody serves so the catch-up phase hangs
	// long enough to observe the overlap rejection.
	ghost := raft.PeerId{Addr: common.ServerAddress(fmt.Sprintf("127.0.0.1:%d", allocatePorts(1))), Idx: 9}

	first := make(chan error, 1)
	leader.node.AddPeer(current, ghost, common.ClosureFunc(func(err error) { first <- err }))
	second := make(chan error, 1)
	leader.node.AddPeer(current, ghost, common.ClosureFunc(func(err error) { second <- err }))
	assert.ErrorIs(t, <-second, common.ErrConfChangeInFlight)
	assert.Error(t, <-first)
}

func Test_LeaderStepsDownWithoutQuorum(t *testing.T) {
	// A leader that cannot reach a majority of its followers must
	// voluntarily abdicate instead of serving stale writes forever.
	t.Cleanup(cleanupDbFiles)
	servers := makeRaftCluster(t, 3)
	leader := waitForLeader(t, servers)
	defer func() {
		shutdownNode(t, leader.node)
		for _, server := range servers {
			server.manager.Stop()
		}
	}()

	for _, server := range servers {
		if server != leader {
			shutdownNode(t, server.node)
		}
	}

	steppedDown := false
	for i := 0; i < 50; i++ {
		if leader.node.State() != raft.StateLeader {
			steppedDown = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Truef(t, steppedDown, "leader kept its role without a quorum")
}

func Test_SnapshotInstallOnAddPeer(t *testing.T) {
	// After the leader compacts its log into a snapshot, a newly added
	// empty server can only catch up through snapshot install.
	t.Cleanup(cleanupDbFiles)
	peers := generatePeers(2)
	leaderServer := startTestServer(t, "test-group", peers[0], nil, true)
	joiner := startTestServer(t, "test-group", peers[1], nil, true)
	defer func() {
		shutdownNode(t, leaderServer.node)
		shutdownNode(t, joiner.node)
		leaderServer.manager.Stop()
		joiner.manager.Stop()
	}()

	assert.NoError(t, leaderServer.node.SetPeer(nil, peers[:1]))
	waitForLeader(t, []*testServer{leaderServer})

	for i := 0; i < 30; i++ {
		assert.NoError(t, apply(leaderServer.node, setRequest(t, fmt.Sprintf("key%d", i), "x", uuid.New())))
	}
	snapshotted := make(chan error, 1)
	leaderServer.node.Snapshot(common.ClosureFunc(func(err error) { snapshotted <- err }))
	assert.NoError(t, <-snapshotted)

	added := make(chan error, 1)
	leaderServer.node.AddPeer(peers[:1], peers[1], common.ClosureFunc(func(err error) { added <- err }))
	assert.NoError(t, <-added)

	installed := false
	for i := 0; i < 100; i++ {
		if joiner.node.AppliedIndex() >= 30 {
			installed = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Truef(t, installed, "joining server never loaded the snapshot (applied %d)", joiner.node.AppliedIndex())
}

func Test_RestartAfterSnapshotRestoresState(t *testing.T) {
	// A restarted server must come back from snapshot plus log tail,
	// not from replaying a log that was already compacted away.
	t.Cleanup(cleanupDbFiles)
	peers := generatePeers(1)
	server := startTestServer(t, "test-group", peers[0], nil, true)
	defer server.manager.Stop()

	assert.NoError(t, server.node.SetPeer(nil, peers))
	waitForLeader(t, []*testServer{server})

	for i := 0; i < 25; i++ {
		assert.NoError(t, apply(server.node, setRequest(t, fmt.Sprintf("key%d", i), "x", uuid.New())))
	}
	snapshotted := make(chan error, 1)
	server.node.Snapshot(common.ClosureFunc(func(err error) { snapshotted <- err }))
	assert.NoError(t, <-snapshotted)
	applied := server.node.AppliedIndex()

	shutdownNode(t, server.node)
	server.restart(t)
	defer shutdownNode(t, server.node)

	restored := false
	for i := 0; i < 100; i++ {
		if server.node.AppliedIndex() >= applied {
			restored = true
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Truef(t, restored, "state not restored after restart (applied %d, want %d)",
		server.node.AppliedIndex(), applied)
}
