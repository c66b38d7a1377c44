package rpc_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/raftkit/raftkit/common"
	"github.com/raftkit/raftkit/rpc"
	"github.com/stretchr/testify/assert"
)

// testRaftService is a stub raft service for exercising the transport.
type testRaftService struct {
	mu    sync.Mutex
	votes int
}

var _ common.RaftService = &testRaftService{}

func (s *testRaftService) RequestVote(args *common.RequestVoteArgs, reply *common.RequestVoteReply) error {
	s.mu.Lock()
	s.votes++
	s.mu.Unlock()
	reply.Term = args.Term
	reply.Granted = true
	return nil
}

func (s *testRaftService) AppendEntries(args *common.AppendEntriesArgs, reply *common.AppendEntriesReply) error {
	return fmt.Errorf("append refused")
}

func (s *testRaftService) InstallSnapshot(args *common.InstallSnapshotArgs, reply *common.InstallSnapshotReply) error {
	reply.Success = true
	return nil
}

func startTestManager(t *testing.T, address common.ServerAddress, raftService common.RaftService, fileService common.FileService) *rpc.Manager {
	manager := rpc.NewManager()
	assert.NoError(t, manager.Start(address, raftService, fileService))
	t.Cleanup(func() { manager.Stop() })
	return manager
}

func Test_ManagerRoundTrip(t *testing.T) {
	service := &testRaftService{}
	manager := startTestManager(t, "127.0.0.1:24001", service, rpc.NewFileService())

	peer, err := manager.ConnectToPeer("127.0.0.1:24001")
	assert.NoError(t, err)
	defer peer.Close()

	var voteReply common.RequestVoteReply
	err = peer.RequestVote(&common.RequestVoteArgs{Term: 3}, &voteReply)
	assert.NoError(t, err)
	assert.True(t, voteReply.Granted)
	assert.Equal(t, int64(3), voteReply.Term)

	// Service errors travel back to the caller as rpc errors.
	var appendReply common.AppendEntriesReply
	err = peer.AppendEntries(&common.AppendEntriesArgs{}, &appendReply)
	assert.EqualError(t, err, "append refused")

	var snapReply common.InstallSnapshotReply
	err = peer.InstallSnapshot(&common.InstallSnapshotArgs{}, &snapReply)
	assert.NoError(t, err)
	assert.True(t, snapReply.Success)
}

func Test_ManagerConcurrentPeers(t *testing.T) {
	service := &testRaftService{}
	manager := startTestManager(t, "127.0.0.1:24002", service, rpc.NewFileService())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer, err := manager.ConnectToPeer("127.0.0.1:24002")
			assert.NoError(t, err)
			defer peer.Close()
			var reply common.RequestVoteReply
			assert.NoError(t, peer.RequestVote(&common.RequestVoteArgs{Term: 1}, &reply))
			assert.True(t, reply.Granted)
		}()
	}
	wg.Wait()
	service.mu.Lock()
	defer service.mu.Unlock()
	assert.Equal(t, 50, service.votes)
}

func Test_ManagerDoubleStart(t *testing.T) {
	manager := startTestManager(t, "127.0.0.1:24003", &testRaftService{}, rpc.NewFileService())
	err := manager.Start("127.0.0.1:24004", &testRaftService{}, rpc.NewFileService())
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func Test_PeerConnectsLazily(t *testing.T) {
	// The peer is created before any server listens on the address; the
	// first call retries until the server comes up.
	peer := rpc.NewPeer("127.0.0.1:24005")
	defer peer.Close()

	done := make(chan error, 1)
	go func() {
		var reply common.RequestVoteReply
		done <- peer.RequestVote(&common.RequestVoteArgs{Term: 1}, &reply)
	}()

	startTestManager(t, "127.0.0.1:24005", &testRaftService{}, rpc.NewFileService())
	assert.NoError(t, <-done)
}

func writeServedFile(t *testing.T, service *rpc.FileService, name string, data []byte) string {
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	assert.NoError(t, os.WriteFile(path, data, 0600))
	service.Allow(dir)
	return path
}

func Test_FileServiceReadFile(t *testing.T) {
	service := rpc.NewFileService()
	path := writeServedFile(t, service, "data", []byte("0123456789"))

	var reply common.ReadFileReply
	assert.NoError(t, service.ReadFile(&common.ReadFileArgs{Path: path, Offset: 0, Count: 4}, &reply))
	assert.Equal(t, "0123", string(reply.Data))
	assert.False(t, reply.Eof)

	reply = common.ReadFileReply{}
	assert.NoError(t, service.ReadFile(&common.ReadFileArgs{Path: path, Offset: 4, Count: 100}, &reply))
	assert.Equal(t, "456789", string(reply.Data))
	assert.True(t, reply.Eof)
}

func Test_FileServiceWhitelist(t *testing.T) {
	service := rpc.NewFileService()
	path := writeServedFile(t, service, "data", []byte("secret"))

	var reply common.ReadFileReply
	outside := filepath.Join(filepath.Dir(filepath.Dir(path)), "other")
	err := service.ReadFile(&common.ReadFileArgs{Path: outside, Offset: 0, Count: 1}, &reply)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	// Path traversal out of an allowed directory is rejected too.
	escaped := filepath.Join(filepath.Dir(path), "..", "other")
	err = service.ReadFile(&common.ReadFileArgs{Path: escaped, Offset: 0, Count: 1}, &reply)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	err = service.ReadFile(&common.ReadFileArgs{Path: path, Offset: -1, Count: 1}, &reply)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	err = service.ReadFile(&common.ReadFileArgs{Path: path, Offset: 0, Count: 0}, &reply)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	service.Disallow(filepath.Dir(path))
	err = service.ReadFile(&common.ReadFileArgs{Path: path, Offset: 0, Count: 1}, &reply)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func Test_FileServiceOverRPC(t *testing.T) {
	service := rpc.NewFileService()
	path := writeServedFile(t, service, "data", []byte("abcdefgh"))
	manager := startTestManager(t, "127.0.0.1:24006", &testRaftService{}, service)

	peer, err := manager.ConnectToPeer("127.0.0.1:24006")
	assert.NoError(t, err)
	defer peer.Close()

	// Fetch the whole file in small chunks, the way snapshot copy does.
	var fetched []byte
	offset := int64(0)
	for {
		var reply common.ReadFileReply
		assert.NoError(t, peer.ReadFile(&common.ReadFileArgs{Path: path, Offset: offset, Count: 3}, &reply))
		fetched = append(fetched, reply.Data...)
		offset += int64(len(reply.Data))
		if reply.Eof {
			break
		}
	}
	assert.Equal(t, "abcdefgh", string(fetched))
}
