package raft

import (
	"fmt"
	"testing"

	"github.com/raftkit/raftkit/common"
	"github.com/stretchr/testify/assert"
)

// memLogStorage is an in-memory LogStorage for exercising the manager
// without a database file.
type memLogStorage struct {
	first   int64
	entries map[int64]common.LogEntry
}

var _ common.LogStorage = &memLogStorage{}

func newMemLogStorage() *memLogStorage {
	return &memLogStorage{first: 1, entries: map[int64]common.LogEntry{}}
}

func (s *memLogStorage) FirstIndex() (int64, error) {
	return s.first, nil
}

func (s *memLogStorage) LastIndex() (int64, error) {
	last := s.first - 1
	for index := range s.entries {
		if index > last {
			last = index
		}
	}
	return last, nil
}

func (s *memLogStorage) Term(index int64) (int64, error) {
	entry, ok := s.entries[index]
	if !ok {
		return 0, nil
	}
	return entry.Term, nil
}

func (s *memLogStorage) Get(index int64) (*common.LogEntry, error) {
	entry, ok := s.entries[index]
	if !ok {
		return nil, fmt.Errorf("entry %d not stored: %w", index, common.ErrInvalidArgument)
	}
	return &entry, nil
}

func (s *memLogStorage) Append(entries []common.LogEntry) error {
	for _, entry := range entries {
		s.entries[entry.Index] = entry
	}
	return nil
}

func (s *memLogStorage) TruncatePrefix(firstIndexKept int64) error {
	for index := range s.entries {
		if index < firstIndexKept {
			delete(s.entries, index)
		}
	}
	if firstIndexKept > s.first {
		s.first = firstIndexKept
	}
	return nil
}

func (s *memLogStorage) TruncateSuffix(lastIndexKept int64) error {
	for index := range s.entries {
		if index > lastIndexKept {
			delete(s.entries, index)
		}
	}
	return nil
}

func (s *memLogStorage) Close() error {
	return nil
}

func dataEntry(index, term int64) common.LogEntry {
	return common.LogEntry{Index: index, Term: term, Type: common.EntryData, Data: []byte("x")}
}

func confEntry(index, term int64, peers ...string) common.LogEntry {
	return common.LogEntry{Index: index, Term: term, Type: common.EntryAddPeer, Peers: peers}
}

func Test_LogManagerIndexing(t *testing.T) {
	manager, err := NewLogManager(newMemLogStorage())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), manager.FirstLogIndex())
	assert.Equal(t, int64(0), manager.LastLogIndex())

	assert.NoError(t, manager.AppendEntries([]common.LogEntry{
		dataEntry(1, 1), dataEntry(2, 1), dataEntry(3, 2),
	}))
	assert.Equal(t, int64(3), manager.LastLogIndex())
	assert.Equal(t, int64(2), manager.GetTerm(3))
	assert.Equal(t, int64(0), manager.GetTerm(9))

	entry, err := manager.GetEntry(2)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), entry.Term)
	_, err = manager.GetEntry(9)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	assert.NoError(t, manager.TruncateSuffix(1))
	assert.Equal(t, int64(1), manager.LastLogIndex())

	assert.NoError(t, manager.TruncatePrefix(2))
	assert.Equal(t, int64(2), manager.FirstLogIndex())
	assert.Equal(t, int64(1), manager.LastLogIndex())
}

func Test_LogManagerConfigurationView(t *testing.T) {
	storage := newMemLogStorage()
	assert.NoError(t, storage.Append([]common.LogEntry{
		confEntry(1, 1, "h:1:0", "h:2:0"),
		dataEntry(2, 1),
		confEntry(3, 1, "h:1:0", "h:2:0", "h:3:0"),
	}))
	manager, err := NewLogManager(storage)
	assert.NoError(t, err)

	pair := manager.GetConfiguration(2)
	assert.Equal(t, int64(1), pair.Index)
	assert.Equal(t, 2, pair.Conf.Size())

	pair = manager.GetConfiguration(3)
	assert.Equal(t, int64(3), pair.Index)
	assert.Equal(t, 3, pair.Conf.Size())

	var current ConfigurationPair
	assert.True(t, manager.CheckAndSetConfiguration(&current))
	assert.Equal(t, int64(3), current.Index)
	assert.False(t, manager.CheckAndSetConfiguration(&current))

	// Truncating away the later configuration entry reverts the view.
	assert.NoError(t, manager.TruncateSuffix(2))
	assert.True(t, manager.CheckAndSetConfiguration(&current))
	assert.Equal(t, int64(1), current.Index)
	assert.Equal(t, 2, current.Conf.Size())
}

func Test_LogManagerSnapshotConfiguration(t *testing.T) {
	manager, err := NewLogManager(newMemLogStorage())
	assert.NoError(t, err)
	manager.SetSnapshot(&common.SnapshotMeta{
		LastIncludedIndex: 7,
		LastIncludedTerm:  2,
		Peers:             []string{"h:1:0", "h:2:0", "h:3:0"},
	})

	pair := manager.GetConfiguration(10)
	assert.Equal(t, int64(7), pair.Index)
	assert.Equal(t, 3, pair.Conf.Size())

	assert.NoError(t, manager.Reset(8))
	assert.Equal(t, int64(8), manager.FirstLogIndex())
	assert.Equal(t, int64(7), manager.LastLogIndex())
}

func Test_LogManagerLeaderAppend(t *testing.T) {
	manager, err := NewLogManager(newMemLogStorage())
	assert.NoError(t, err)

	// Without the disk thread the append must be refused.
	refused := make(chan error, 1)
	entry := dataEntry(0, 1)
	manager.AppendEntry(&entry, common.ClosureFunc(func(err error) { refused <- err }))
	assert.ErrorIs(t, <-refused, common.ErrNotLeader)

	manager.StartDiskThread()
	durable := make(chan error, 2)
	first := dataEntry(0, 1)
	second := dataEntry(0, 1)
	manager.AppendEntry(&first, common.ClosureFunc(func(err error) { durable <- err }))
	manager.AppendEntry(&second, common.ClosureFunc(func(err error) { durable <- err }))
	assert.NoError(t, <-durable)
	assert.NoError(t, <-durable)
	assert.Equal(t, int64(1), first.Index)
	assert.Equal(t, int64(2), second.Index)
	manager.StopDiskThread()
	assert.Equal(t, int64(2), manager.LastLogIndex())
}
