package kvstore_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/raftkit/raftkit/common"
	"github.com/raftkit/raftkit/kvstore"
	"github.com/stretchr/testify/assert"
)

func setEntry(t *testing.T, key, val string) common.LogEntry {
	data, err := json.Marshal(kvstore.Request{
		Type:          kvstore.Set,
		Key:           key,
		Val:           val,
		TransactionId: uuid.New(),
	})
	assert.NoError(t, err)
	return common.LogEntry{Type: common.EntryData, Data: data}
}

func getEntry(t *testing.T, key string) common.LogEntry {
	data, err := json.Marshal(kvstore.Request{
		Type:          kvstore.Get,
		Key:           key,
		TransactionId: uuid.New(),
	})
	assert.NoError(t, err)
	return common.LogEntry{Type: common.EntryData, Data: data}
}

func TestKeyValFSM_Apply(t *testing.T) {
	fsm := kvstore.NewKeyValFSM()

	result, err := fsm.Apply(setEntry(t, "a", "1"))
	assert.NoError(t, err)
	assert.Empty(t, result)
	_, err = fsm.Apply(setEntry(t, "b", "1"))
	assert.NoError(t, err)

	result, err = fsm.Apply(getEntry(t, "a"))
	assert.NoError(t, err)
	assert.Equal(t, "1", string(result))
	result, err = fsm.Apply(getEntry(t, "b"))
	assert.NoError(t, err)
	assert.Equal(t, "1", string(result))

	// A missing key reads as the empty string.
	result, err = fsm.Apply(getEntry(t, "c"))
	assert.NoError(t, err)
	assert.Empty(t, result)

	_, err = fsm.Apply(setEntry(t, "a", "2"))
	assert.NoError(t, err)
	result, err = fsm.Apply(getEntry(t, "a"))
	assert.NoError(t, err)
	assert.Equal(t, "2", string(result))

	_, err = fsm.Apply(common.LogEntry{Data: []byte("not json")})
	assert.Error(t, err)
}

func TestKeyValFSM_Dedup(t *testing.T) {
	fsm := kvstore.NewKeyValFSM()
	_, err := fsm.Apply(setEntry(t, "a", "1"))
	assert.NoError(t, err)

	// A client retry replays the same transaction id; the recorded
	// result of the first execution must come back, not the current
	// value of the key.
	read := getEntry(t, "a")
	result, err := fsm.Apply(read)
	assert.NoError(t, err)
	assert.Equal(t, "1", string(result))

	_, err = fsm.Apply(setEntry(t, "a", "2"))
	assert.NoError(t, err)
	result, err = fsm.Apply(read)
	assert.NoError(t, err)
	assert.Equal(t, "1", string(result))

	// A retried set is a no-op too and must not roll the key back.
	first := setEntry(t, "b", "old")
	_, err = fsm.Apply(first)
	assert.NoError(t, err)
	_, err = fsm.Apply(setEntry(t, "b", "new"))
	assert.NoError(t, err)
	_, err = fsm.Apply(first)
	assert.NoError(t, err)
	result, err = fsm.Apply(getEntry(t, "b"))
	assert.NoError(t, err)
	assert.Equal(t, "new", string(result))
}

func TestKeyValFSM_SnapshotRoundTrip(t *testing.T) {
	fsm := kvstore.NewKeyValFSM()
	_, err := fsm.Apply(setEntry(t, "a", "1"))
	assert.NoError(t, err)
	_, err = fsm.Apply(setEntry(t, "b", "2"))
	assert.NoError(t, err)
	read := getEntry(t, "a")
	_, err = fsm.Apply(read)
	assert.NoError(t, err)

	var buf bytes.Buffer
	assert.NoError(t, fsm.SaveSnapshot(&buf))

	restored := kvstore.NewKeyValFSM()
	assert.NoError(t, restored.LoadSnapshot(&buf))

	result, err := restored.Apply(getEntry(t, "a"))
	assert.NoError(t, err)
	assert.Equal(t, "1", string(result))
	result, err = restored.Apply(getEntry(t, "b"))
	assert.NoError(t, err)
	assert.Equal(t, "2", string(result))

	// Transaction history survives compaction, so replayed requests
	// still dedup after a restore.
	_, err = restored.Apply(setEntry(t, "a", "3"))
	assert.NoError(t, err)
	result, err = restored.Apply(read)
	assert.NoError(t, err)
	assert.Equal(t, "1", string(result))
}
