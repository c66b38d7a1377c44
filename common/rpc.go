package common

import (
	"fmt"
)

// Wire structures for the three raft RPCs plus the snapshot file
// transfer. GroupId and PeerId route a request to the right node on
// the receiving process; ServerId names the sender.

type RequestVoteArgs struct {
	GroupId      string
	ServerId     string
	PeerId       string
	Term         int64
	LastLogTerm  int64
	LastLogIndex int64
}

type RequestVoteReply struct {
	Term    int64
	Granted bool
}

// EntryMeta describes one log entry in an AppendEntries batch. The
// entries' data payloads are concatenated in order into
// AppendEntriesArgs.Data; each meta records how many bytes belong to
// its entry.
type EntryMeta struct {
	Term    int64
	Type    EntryType
	Peers   []string
	DataLen int64
}

type AppendEntriesArgs struct {
	GroupId        string
	ServerId       string
	PeerId         string
	Term           int64
	PrevLogIndex   int64
	PrevLogTerm    int64
	Entries        []EntryMeta
	CommittedIndex int64
	Data           []byte
}

type AppendEntriesReply struct {
	Term         int64
	Success      bool
	LastLogIndex int64
}

type InstallSnapshotArgs struct {
	GroupId              string
	ServerId             string
	PeerId               string
	Term                 int64
	LastIncludedLogIndex int64
	LastIncludedLogTerm  int64
	Peers                []string
	// Uri locates the snapshot data on the leader, raft://host:port/path.
	Uri string
}

type InstallSnapshotReply struct {
	Term    int64
	Success bool
}

type ReadFileArgs struct {
	Path   string
	Offset int64
	Count  int64
}

type ReadFileReply struct {
	Data []byte
	Eof  bool
}

// PackEntries flattens log entries into the meta list + framed payload
// representation used on the wire. firstIndex is implied by
// PrevLogIndex+1 and therefore not transmitted per entry.
func PackEntries(entries []LogEntry) (metas []EntryMeta, data []byte) {
	for _, entry := range entries {
		metas = append(metas, EntryMeta{
			Term:    entry.Term,
			Type:    entry.Type,
			Peers:   entry.Peers,
			DataLen: int64(len(entry.Data)),
		})
		data = append(data, entry.Data...)
	}
	return
}

// UnpackEntries is the inverse of PackEntries. Indexes are assigned
// contiguously starting at firstIndex.
func UnpackEntries(firstIndex int64, metas []EntryMeta, data []byte) ([]LogEntry, error) {
	var entries []LogEntry
	offset := int64(0)
	for i, meta := range metas {
		if offset+meta.DataLen > int64(len(data)) {
			return nil, fmt.Errorf("entry payload truncated at meta %d: %w", i, ErrInvalidArgument)
		}
		var payload []byte
		if meta.DataLen > 0 {
			payload = data[offset : offset+meta.DataLen]
		}
		entries = append(entries, LogEntry{
			Index: firstIndex + int64(i),
			Term:  meta.Term,
			Type:  meta.Type,
			Data:  payload,
			Peers: meta.Peers,
		})
		offset += meta.DataLen
	}
	if offset != int64(len(data)) {
		return nil, fmt.Errorf("%d trailing payload bytes: %w", int64(len(data))-offset, ErrInvalidArgument)
	}
	return entries, nil
}
