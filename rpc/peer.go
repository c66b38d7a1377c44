package rpc

import (
	"io"
	"net/rpc"
	"sync"
	"time"

	"github.com/raftkit/raftkit/common"
)

// Peer is the client side of one remote raft server over net/rpc.
type Peer struct {
	address common.ServerAddress

	mu     sync.Mutex
	client *rpc.Client
	closed bool
}

var _ common.PeerClient = &Peer{}

// NewPeer creates a Peer instance with lazy initialization.
// Actual RPC connection is not established until an actual RPC
// call takes place.
func NewPeer(address common.ServerAddress) *Peer {
	return &Peer{
		address: address,
	}
}

// call takes care of automatically re-trying on transient failures.
func (peer *Peer) call(method string, args interface{}, result interface{}) (err error) {
	for i := 0; i < 3; i++ {
		var client *rpc.Client
		if client, err = peer.connect(); err != nil {
			// retry with one-second delay
			time.Sleep(time.Second)
			continue
		}
		err = client.Call(method, args, result)
		if err == io.EOF || err == rpc.ErrShutdown {
			// likely that connection timed out, retry immediately
			peer.disconnect(client)
			continue
		}
		return err
	}
	return err
}

func (peer *Peer) connect() (*rpc.Client, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return nil, rpc.ErrShutdown
	}
	if peer.client != nil {
		return peer.client, nil
	}
	client, err := rpc.Dial("tcp", string(peer.address))
	if err != nil {
		return nil, err
	}
	peer.client = client
	return client, nil
}

func (peer *Peer) disconnect(client *rpc.Client) {
	peer.mu.Lock()
	if peer.client == client {
		peer.client = nil
	}
	peer.mu.Unlock()
	client.Close()
}

func (peer *Peer) RequestVote(args *common.RequestVoteArgs, reply *common.RequestVoteReply) error {
	return peer.call("RaftService.RequestVote", args, reply)
}

func (peer *Peer) AppendEntries(args *common.AppendEntriesArgs, reply *common.AppendEntriesReply) error {
	return peer.call("RaftService.AppendEntries", args, reply)
}

func (peer *Peer) InstallSnapshot(args *common.InstallSnapshotArgs, reply *common.InstallSnapshotReply) error {
	return peer.call("RaftService.InstallSnapshot", args, reply)
}

func (peer *Peer) ReadFile(args *common.ReadFileArgs, reply *common.ReadFileReply) error {
	return peer.call("FileService.ReadFile", args, reply)
}

func (peer *Peer) Close() error {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	peer.closed = true
	if peer.client == nil {
		return nil
	}
	client := peer.client
	peer.client = nil
	return client.Close()
}
