package kvstore

import (
	"encoding/json"
	"errors"
	"io"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raftkit/raftkit/common"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// KVStore implements a simple key-value store client over the raft
// cluster. This acts as a small abstraction over the KVService RPC
// intended to be used as a library by clients.
// This is a thread-safe library.
type KVStore struct {
	servers            []*kvPeer
	LastKnownResponder *atomic.Int32
}

func NewKeyValStore(addrs []common.ServerAddress) *KVStore {
	store := KVStore{
		LastKnownResponder: atomic.NewInt32(0),
	}
	for _, addr := range addrs {
		store.servers = append(store.servers, &kvPeer{address: addr})
	}
	return &store
}

// request walks the servers starting from the last known responder and
// returns the first successful result. A server that answers but is
// not the leader rotates to the next one.
func (kv *KVStore) request(data []byte) (result []byte, err error) {
	lastKnownResponder := int(kv.LastKnownResponder.Load())
	for i := 0; i < len(kv.servers); i++ {
		at := (i + lastKnownResponder) % len(kv.servers)
		var reply ClientRequestReply
		reqErr := kv.servers[at].call("KVService.ClientRequest", &ClientRequestArgs{Data: data}, &reply)
		if reqErr != nil {
			err = multierr.Append(err, reqErr)
			continue
		}
		if !reply.Success {
			err = multierr.Append(err, errors.New(reply.Error))
			continue
		}
		kv.LastKnownResponder.Store(int32(at))
		return reply.Data, nil
	}
	return nil, err
}

// SetWithUUID creates a Set request with the given id. If the store has
// already seen a request (even a Get) with the same id it will not
// apply this operation again.
func (kv *KVStore) SetWithUUID(key, val string, id uuid.UUID) error {
	data, err := json.Marshal(Request{
		Type:          Set,
		Key:           key,
		Val:           val,
		TransactionId: id,
	})
	if err != nil {
		return err
	}
	_, err = kv.request(data)
	return err
}

// Set adds or updates a key-value pair in the store. It returns a UUID
// which may be used to retry the operation with idempotence guarantees
// using the SetWithUUID method.
func (kv *KVStore) Set(key, val string) (uuid.UUID, error) {
	id := uuid.New()
	return id, kv.SetWithUUID(key, val, id)
}

func (kv *KVStore) GetWithUUID(key string, id uuid.UUID) (string, error) {
	data, err := json.Marshal(Request{
		Type:          Get,
		Key:           key,
		TransactionId: id,
	})
	if err != nil {
		return "", err
	}
	result, err := kv.request(data)
	return string(result), err
}

// Get returns the value for key. It also returns a UUID that may be
// used to retry this operation with idempotence guarantees; a retried
// Get returns the value observed by the original call.
func (kv *KVStore) Get(key string) (uuid.UUID, string, error) {
	id := uuid.New()
	val, err := kv.GetWithUUID(key, id)
	return id, val, err
}

func (kv *KVStore) Close() error {
	var err error
	for _, server := range kv.servers {
		err = multierr.Append(err, server.close())
	}
	return err
}

// kvPeer is one lazily dialed client connection to a KV server.
type kvPeer struct {
	address common.ServerAddress

	mu     sync.Mutex
	client *rpc.Client
}

func (peer *kvPeer) call(method string, args interface{}, result interface{}) (err error) {
	for i := 0; i < 3; i++ {
		var client *rpc.Client
		if client, err = peer.connect(); err != nil {
			time.Sleep(time.Second)
			continue
		}
		err = client.Call(method, args, result)
		if err == io.EOF || err == rpc.ErrShutdown {
			peer.disconnect(client)
			continue
		}
		return err
	}
	return err
}

func (peer *kvPeer) connect() (*rpc.Client, error) {
	peer.mu.Lock()
	defer peer.mu.Unlock()
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

func (peer *kvPeer) disconnect(client *rpc.Client) {
	peer.mu.Lock()
	if peer.client == client {
		peer.client = nil
	}
	peer.mu.Unlock()
	client.Close()
}

func (peer *kvPeer) close() error {
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.client == nil {
		return nil
	}
	client := peer.client
	peer.client = nil
	return client.Close()
}
