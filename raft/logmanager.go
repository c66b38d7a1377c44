package raft

import (
	"fmt"
	"sync"

	"github.com/raftkit/raftkit/common"
	log "github.com/sirupsen/logrus"
)

const diskQueueDepth = 1024

type diskWrite struct {
	entries []common.LogEntry
	done    common.Closure
}

// LogManager wraps the log storage with index assignment, an in-memory
// view of the configuration entries, and the leader-only disk thread
// that makes AppendEntry a non-blocking enqueue.
//
// The follower path (AppendEntries) writes synchronously; only a leader
// runs the disk thread.
type LogManager struct {
	mu            sync.Mutex
	storage       common.LogStorage
	firstLogIndex int64
	lastLogIndex  int64

	// confs holds the configurations established by AddPeer/RemovePeer
	// entries still present in the log, in index order. snapshotConf is
	// the configuration carried by the latest snapshot.
	confs        []ConfigurationPair
	snapshotConf ConfigurationPair

	diskCh chan diskWrite
	diskWg sync.WaitGroup
}

// NewLogManager loads the index range from storage and rebuilds the
// configuration view by scanning the stored entries.
func NewLogManager(storage common.LogStorage) (*LogManager, error) {
	first, err := storage.FirstIndex()
	if err != nil {
		return nil, fmt.Errorf("reading first log index: %w", err)
	}
	last, err := storage.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("reading last log index: %w", err)
	}
	m := &LogManager{
		storage:       storage,
		firstLogIndex: first,
		lastLogIndex:  last,
	}
	for i := first; i <= last; i++ {
		entry, err := storage.Get(i)
		if err != nil {
			return nil, fmt.Errorf("scanning log entry %d: %w", i, err)
		}
		m.recordConfEntry(entry)
	}
	return m, nil
}

// recordConfEntry assumes the caller holds the manager mutex (or is
// still single-threaded during construction).
func (m *LogManager) recordConfEntry(entry *common.LogEntry) {
	if entry.Type != common.EntryAddPeer && entry.Type != common.EntryRemovePeer {
		return
	}
	peers, err := parsePeerIds(entry.Peers)
	if err != nil {
		log.Warnf("ignoring configuration entry %d with bad peer list: %v", entry.Index, err)
		return
	}
	m.confs = append(m.confs, ConfigurationPair{
		Index: entry.Index,
		Conf:  NewConfiguration(peers),
	})
}

func (m *LogManager) FirstLogIndex() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstLogIndex
}

func (m *LogManager) LastLogIndex() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLogIndex
}

// GetTerm returns the term of the entry at index, or 0 when the index
// is not present in the log. Callers fall back to the snapshot term for
// compacted indexes.
func (m *LogManager) GetTerm(index int64) int64 {
	m.mu.Lock()
	if index < m.firstLogIndex || index > m.lastLogIndex {
		m.mu.Unlock()
		return 0
	}
	m.mu.Unlock()
	term, err := m.storage.Term(index)
	if err != nil {
		log.Errorf("reading term of log entry %d: %v", index, err)
		return 0
	}
	return term
}

func (m *LogManager) GetEntry(index int64) (*common.LogEntry, error) {
	m.mu.Lock()
	if index < m.firstLogIndex || index > m.lastLogIndex {
		m.mu.Unlock()
		return nil, fmt.Errorf("log index %d out of range [%d, %d]: %w",
			index, m.firstLogIndex, m.lastLogIndex, common.ErrInvalidArgument)
	}
	m.mu.Unlock()
	return m.storage.Get(index)
}

// AppendEntry assigns the next index to entry and enqueues it for the
// disk thread. done runs once the entry is durable (leader path only;
// the disk thread must have been started).
func (m *LogManager) AppendEntry(entry *common.LogEntry, done common.Closure) {
	m.mu.Lock()
	ch := m.diskCh
	if ch == nil {
		m.mu.Unlock()
		done.Run(common.ErrNotLeader)
		return
	}
	entry.Index = m.lastLogIndex + 1
	m.lastLogIndex++
	m.recordConfEntry(entry)
	m.mu.Unlock()
	ch <- diskWrite{entries: []common.LogEntry{*entry}, done: done}
}

// AppendEntries synchronously persists a batch replicated from the
// leader. Indexes must already be assigned and contiguous.
func (m *LogManager) AppendEntries(entries []common.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := m.storage.Append(entries); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLogIndex = entries[len(entries)-1].Index
	for i := range entries {
		m.recordConfEntry(&entries[i])
	}
	return nil
}

// TruncateSuffix discards entries after lastKept, used on follower
// conflict resolution.
func (m *LogManager) TruncateSuffix(lastKept int64) error {
	if err := m.storage.TruncateSuffix(lastKept); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLogIndex = lastKept
	for len(m.confs) > 0 && m.confs[len(m.confs)-1].Index > lastKept {
		m.confs = m.confs[:len(m.confs)-1]
	}
	return nil
}

// TruncatePrefix discards entries before firstKept, used after a
// snapshot covers them.
func (m *LogManager) TruncatePrefix(firstKept int64) error {
	if err := m.storage.TruncatePrefix(firstKept); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if firstKept > m.firstLogIndex {
		m.firstLogIndex = firstKept
	}
	if m.lastLogIndex < m.firstLogIndex-1 {
		m.lastLogIndex = m.firstLogIndex - 1
	}
	var kept []ConfigurationPair
	for _, pair := range m.confs {
		if pair.Index >= firstKept {
			kept = append(kept, pair)
		}
	}
	m.confs = kept
	return nil
}

// Reset discards the entire log and restarts it at firstIndex. Used
// when an installed snapshot disagrees with the local log tail.
func (m *LogManager) Reset(firstIndex int64) error {
	m.mu.Lock()
	last := m.lastLogIndex
	m.mu.Unlock()
	if err := m.storage.TruncateSuffix(last); err != nil {
		return err
	}
	if err := m.storage.TruncatePrefix(firstIndex); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstLogIndex = firstIndex
	m.lastLogIndex = firstIndex - 1
	m.confs = nil
	return nil
}

// SetSnapshot records the configuration carried by a snapshot. The
// caller is responsible for the accompanying log truncation.
func (m *LogManager) SetSnapshot(meta *common.SnapshotMeta) {
	peers, err := parsePeerIds(meta.Peers)
	if err != nil {
		log.Warnf("snapshot meta carries bad peer list: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotConf = ConfigurationPair{
		Index: meta.LastIncludedIndex,
		Conf:  NewConfiguration(peers),
	}
}

// GetConfiguration returns the configuration in effect at or before
// maxIndex.
func (m *LogManager) GetConfiguration(maxIndex int64) ConfigurationPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.snapshotConf
	for _, pair := range m.confs {
		if pair.Index > maxIndex {
			break
		}
		latest = pair
	}
	return ConfigurationPair{
		Index: latest.Index,
		Conf:  NewConfiguration(latest.Conf.Peers()),
	}
}

// CheckAndSetConfiguration overwrites current with the latest known
// configuration and reports whether it changed.
func (m *LogManager) CheckAndSetConfiguration(current *ConfigurationPair) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.snapshotConf
	if len(m.confs) > 0 {
		latest = m.confs[len(m.confs)-1]
	}
	if latest.Index == current.Index {
		return false
	}
	*current = ConfigurationPair{
		Index: latest.Index,
		Conf:  NewConfiguration(latest.Conf.Peers()),
	}
	return true
}

// StartDiskThread starts the leader-only goroutine that drains the
// append queue. It must not be called twice without an intervening
// StopDiskThread.
func (m *LogManager) StartDiskThread() {
	m.mu.Lock()
	if m.diskCh != nil {
		m.mu.Unlock()
		return
	}
	ch := make(chan diskWrite, diskQueueDepth)
	m.diskCh = ch
	m.mu.Unlock()

	m.diskWg.Add(1)
	go func() {
		defer m.diskWg.Done()
		for write := range ch {
			err := m.storage.Append(write.entries)
			if write.done != nil {
				write.done.Run(err)
			}
		}
	}()
}

// StopDiskThread flushes the queued writes and stops the goroutine.
func (m *LogManager) StopDiskThread() {
	m.mu.Lock()
	ch := m.diskCh
	m.diskCh = nil
	m.mu.Unlock()
	if ch == nil {
		return
	}
	close(ch)
	m.diskWg.Wait()
}

// Shutdown stops the disk thread and closes the underlying storage.
func (m *LogManager) Shutdown() error {
	m.StopDiskThread()
	return m.storage.Close()
}
