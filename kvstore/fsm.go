package kvstore

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/raftkit/raftkit/common"
)

type RequestType int

const (
	Get RequestType = iota
	Set
)

// Request is the operation format carried in the data of applied log
// entries. TransactionId makes retries idempotent: the store remembers
// the result of every transaction it has executed.
type Request struct {
	Type          RequestType
	Key           string
	Val           string
	TransactionId uuid.UUID
}

// KeyValFSM is the implementation of the common.FSM interface for the
// key-value store. The pairs live in memory; durability comes from the
// replicated log and snapshots.
type KeyValFSM struct {
	store   map[string]string
	results map[uuid.UUID][]byte
}

var _ common.FSM = &KeyValFSM{}

func NewKeyValFSM() *KeyValFSM {
	return &KeyValFSM{
		store:   make(map[string]string),
		results: make(map[uuid.UUID][]byte),
	}
}

// Apply executes one committed request. A transaction id that was
// already executed returns the recorded result of the first execution,
// so a retried Get observes the value of its original attempt.
func (fsm *KeyValFSM) Apply(entry common.LogEntry) ([]byte, error) {
	var request Request
	if err := json.Unmarshal(entry.Data, &request); err != nil {
		return nil, fmt.Errorf("malformed kv request at entry %d: %w", entry.Index, err)
	}
	if result, ok := fsm.results[request.TransactionId]; ok {
		return result, nil
	}
	var result []byte
	switch request.Type {
	case Get:
		result = []byte(fsm.store[request.Key])
	case Set:
		fsm.store[request.Key] = request.Val
	default:
		return nil, fmt.Errorf("unknown kv request type %d: %w", request.Type, common.ErrInvalidArgument)
	}
	fsm.results[request.TransactionId] = result
	return result, nil
}

// fsmSnapshot is the gob image of the whole store, transaction history
// included so dedup survives compaction.
type fsmSnapshot struct {
	Store   map[string]string
	Results map[uuid.UUID][]byte
}

func (fsm *KeyValFSM) SaveSnapshot(w io.Writer) error {
	return gob.NewEncoder(w).Encode(fsmSnapshot{
		Store:   fsm.store,
		Results: fsm.results,
	})
}

func (fsm *KeyValFSM) LoadSnapshot(r io.Reader) error {
	var snapshot fsmSnapshot
	if err := gob.NewDecoder(r).Decode(&snapshot); err != nil {
		return err
	}
	fsm.store = snapshot.Store
	fsm.results = snapshot.Results
	if fsm.store == nil {
		fsm.store = make(map[string]string)
	}
	if fsm.results == nil {
		fsm.results = make(map[uuid.UUID][]byte)
	}
	return nil
}
