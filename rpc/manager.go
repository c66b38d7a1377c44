package rpc

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/raftkit/raftkit/common"
	log "github.com/sirupsen/logrus"
)

// Manager is the implementation of common.RPCManager using the
// golang's net/rpc package.
type Manager struct {
	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

var _ common.RPCManager = &Manager{}

func NewManager() *Manager {
	return &Manager{}
}

// raftEndpoint exposes exactly the three peer-facing methods to
// net/rpc, keeping any extra methods of the service off the wire.
type raftEndpoint struct {
	service common.RaftService
}

func (e *raftEndpoint) RequestVote(args *common.RequestVoteArgs, reply *common.RequestVoteReply) error {
	return e.service.RequestVote(args, reply)
}

func (e *raftEndpoint) AppendEntries(args *common.AppendEntriesArgs, reply *common.AppendEntriesReply) error {
	return e.service.AppendEntries(args, reply)
}

func (e *raftEndpoint) InstallSnapshot(args *common.InstallSnapshotArgs, reply *common.InstallSnapshotReply) error {
	return e.service.InstallSnapshot(args, reply)
}

// fileEndpoint hides Allow/Disallow from the rpc registry.
type fileEndpoint struct {
	service common.FileService
}

func (e *fileEndpoint) ReadFile(args *common.ReadFileArgs, reply *common.ReadFileReply) error {
	return e.service.ReadFile(args, reply)
}

// Start establishes the listener and serves connections from a
// background goroutine. It returns once the address is bound.
func (manager *Manager) Start(address common.ServerAddress, raftService common.RaftService, fileService common.FileService) error {
	server := rpc.NewServer()
	if err := server.RegisterName("RaftService", &raftEndpoint{service: raftService}); err != nil {
		return err
	}
	if err := server.RegisterName("FileService", &fileEndpoint{service: fileService}); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", string(address))
	if err != nil {
		return err
	}
	manager.mu.Lock()
	if manager.listener != nil {
		manager.mu.Unlock()
		listener.Close()
		return fmt.Errorf("rpc manager already started: %w", common.ErrInvalidArgument)
	}
	manager.listener = listener
	manager.mu.Unlock()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				manager.mu.Lock()
				stopped := manager.stopped
				manager.mu.Unlock()
				if !stopped {
					log.Errorf("rpc accept on %s: %v", address, err)
				}
				return
			}
			go server.ServeConn(conn)
		}
	}()
	return nil
}

func (manager *Manager) ConnectToPeer(address common.ServerAddress) (common.PeerClient, error) {
	return NewPeer(address), nil
}

// Stop closes the listener. Connections already being served drain on
// their own.
func (manager *Manager) Stop() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.listener == nil || manager.stopped {
		return nil
	}
	manager.stopped = true
	return manager.listener.Close()
}
