package raft

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/raftkit/raftkit/common"
	log "github.com/sirupsen/logrus"
)

// snapshotChunkSize is how much of a snapshot file one ReadFile call
// transfers.
const snapshotChunkSize = 64 * 1024

// GlobalNodeManager is the per-process manager every Node registers
// with. One process hosts many raft groups behind a single transport.
var GlobalNodeManager = NewNodeManager()

// NodeManager multiplexes all raft nodes of this process over one RPC
// endpoint. Incoming requests are routed to nodes by (group, peer).
type NodeManager struct {
	mu          sync.Mutex
	address     common.ServerAddress
	rpcManager  common.RPCManager
	fileService common.FileService
	nodes       map[NodeId]*Node
	started     bool
}

func NewNodeManager() *NodeManager {
	return &NodeManager{
		nodes: map[NodeId]*Node{},
	}
}

// Init starts the transport on address. It must run before any Node
// Init in this process and is idempotent for the same address.
func (m *NodeManager) Init(address common.ServerAddress, rpcManager common.RPCManager, fileService common.FileService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		if m.address == address {
			return nil
		}
		return fmt.Errorf("node manager already serving %s: %w", m.address, common.ErrInvalidArgument)
	}
	if err := rpcManager.Start(address, &raftService{manager: m}, fileService); err != nil {
		return fmt.Errorf("starting rpc server on %s: %w", address, err)
	}
	m.address = address
	m.rpcManager = rpcManager
	m.fileService = fileService
	m.started = true
	log.Infof("node manager serving on %s", address)
	return nil
}

// Address returns the address the transport was started on.
func (m *NodeManager) Address() common.ServerAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// Add registers node and reports false when its id is already taken.
func (m *NodeManager) Add(node *Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := node.Id()
	if _, ok := m.nodes[id]; ok {
		return false
	}
	m.nodes[id] = node
	return true
}

func (m *NodeManager) Remove(node *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, node.Id())
}

// Get returns the registered node for (groupId, peer), or nil.
func (m *NodeManager) Get(groupId string, peer PeerId) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[NodeId{GroupId: groupId, PeerId: peer}]
}

func (m *NodeManager) ConnectToPeer(address common.ServerAddress) (common.PeerClient, error) {
	m.mu.Lock()
	rpcManager := m.rpcManager
	m.mu.Unlock()
	if rpcManager == nil {
		return nil, fmt.Errorf("node manager not initialized: %w", common.ErrInvalidArgument)
	}
	return rpcManager.ConnectToPeer(address)
}

// AllowSnapshotDir whitelists dir with the file service so peers can
// fetch snapshot files below it.
func (m *NodeManager) AllowSnapshotDir(dir string) {
	m.mu.Lock()
	fileService := m.fileService
	m.mu.Unlock()
	if fileService != nil {
		fileService.Allow(dir)
	}
}

// FileFetcher returns a fetcher that resolves raft:// uris through
// peer connections of this manager.
func (m *NodeManager) FileFetcher() common.FileFetcher {
	return &rpcFileFetcher{manager: m}
}

// Stop shuts down the transport. Nodes must have been shut down first.
func (m *NodeManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	return m.rpcManager.Stop()
}

// raftService routes incoming raft RPCs to the target node. The target
// is named by (GroupId, PeerId) in every request.
type raftService struct {
	manager *NodeManager
}

var _ common.RaftService = &raftService{}

func (s *raftService) target(groupId, peerId string) (*Node, error) {
	peer, err := ParsePeerId(peerId)
	if err != nil {
		return nil, fmt.Errorf("malformed target peer id: %w", err)
	}
	node := s.manager.Get(groupId, peer)
	if node == nil {
		return nil, fmt.Errorf("no node %s/%v registered here: %w", groupId, peer, common.ErrInvalidArgument)
	}
	return node, nil
}

func (s *raftService) RequestVote(args *common.RequestVoteArgs, reply *common.RequestVoteReply) error {
	node, err := s.target(args.GroupId, args.PeerId)
	if err != nil {
		return err
	}
	return node.HandleRequestVote(args, reply)
}

func (s *raftService) AppendEntries(args *common.AppendEntriesArgs, reply *common.AppendEntriesReply) error {
	node, err := s.target(args.GroupId, args.PeerId)
	if err != nil {
		return err
	}
	return node.HandleAppendEntries(args, reply)
}

func (s *raftService) InstallSnapshot(args *common.InstallSnapshotArgs, reply *common.InstallSnapshotReply) error {
	node, err := s.target(args.GroupId, args.PeerId)
	if err != nil {
		return err
	}
	return node.HandleInstallSnapshot(args, reply)
}

// rpcFileFetcher streams a remote file over chunked ReadFile calls.
type rpcFileFetcher struct {
	manager *NodeManager
}

var _ common.FileFetcher = &rpcFileFetcher{}

func (f *rpcFileFetcher) Fetch(uri string, w io.Writer) error {
	addr, path, err := parseFileURI(uri)
	if err != nil {
		return err
	}
	client, err := f.manager.ConnectToPeer(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	var offset int64
	for {
		args := common.ReadFileArgs{Path: path, Offset: offset, Count: snapshotChunkSize}
		var reply common.ReadFileReply
		if err := client.ReadFile(&args, &reply); err != nil {
			return fmt.Errorf("reading %s at offset %d: %w", uri, offset, err)
		}
		if len(reply.Data) > 0 {
			if _, err := w.Write(reply.Data); err != nil {
				return err
			}
			offset += int64(len(reply.Data))
		}
		if reply.Eof {
			return nil
		}
		if len(reply.Data) == 0 {
			return fmt.Errorf("empty read without eof from %s at offset %d: %w", uri, offset, common.ErrInvalidArgument)
		}
	}
}

// parseFileURI splits raft://host:port/path into the peer address and
// the absolute file path.
func parseFileURI(uri string) (common.ServerAddress, string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("malformed file uri %q: %w", uri, err)
	}
	if parsed.Scheme != "raft" || parsed.Host == "" || parsed.Path == "" {
		return "", "", fmt.Errorf("file uri %q is not raft://host:port/path: %w", uri, common.ErrInvalidArgument)
	}
	return common.ServerAddress(parsed.Host), strings.TrimSuffix(parsed.Path, "/"), nil
}
