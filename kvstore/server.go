package kvstore

import (
	"net"
	"net/rpc"
	"sync"

	"github.com/raftkit/raftkit/common"
	"github.com/raftkit/raftkit/raft"
	log "github.com/sirupsen/logrus"
)

type ClientRequestArgs struct {
	Data []byte
}

type ClientRequestReply struct {
	Success bool
	Error   string
	Data    []byte
}

// KVServer exposes the store to clients on its own endpoint, separate
// from the raft peer transport. Every request, reads included, goes
// through the replicated log of the underlying node.
type KVServer struct {
	node *raft.Node

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

func NewKVServer(node *raft.Node) *KVServer {
	return &KVServer{node: node}
}

// applyDone blocks a ClientRequest handler until the entry commits and
// applies, collecting the FSM output on the way.
type applyDone struct {
	ch   chan error
	data []byte
}

func newApplyDone() *applyDone {
	return &applyDone{ch: make(chan error, 1)}
}

func (d *applyDone) SetResult(data []byte) {
	d.data = data
}

func (d *applyDone) Run(err error) {
	d.ch <- err
}

func (s *KVServer) ClientRequest(args *ClientRequestArgs, reply *ClientRequestReply) error {
	done := newApplyDone()
	s.node.Apply(args.Data, done)
	if err := <-done.ch; err != nil {
		reply.Error = err.Error()
		return nil
	}
	reply.Success = true
	reply.Data = done.data
	return nil
}

// kvEndpoint exposes only ClientRequest to net/rpc.
type kvEndpoint struct {
	server *KVServer
}

func (e *kvEndpoint) ClientRequest(args *ClientRequestArgs, reply *ClientRequestReply) error {
	return e.server.ClientRequest(args, reply)
}

// Start serves client requests on address from a background goroutine.
func (s *KVServer) Start(address common.ServerAddress) error {
	server := rpc.NewServer()
	if err := server.RegisterName("KVService", &kvEndpoint{server: s}); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", string(address))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				s.mu.Lock()
				stopped := s.stopped
				s.mu.Unlock()
				if !stopped {
					log.Errorf("kv accept on %s: %v", address, err)
				}
				return
			}
			go server.ServeConn(conn)
		}
	}()
	return nil
}

func (s *KVServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.stopped {
		return nil
	}
	s.stopped = true
	return s.listener.Close()
}
