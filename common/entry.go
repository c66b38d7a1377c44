package common

// EntryType discriminates the payload carried by a log entry.
type EntryType int32

const (
	EntryUnknown EntryType = iota
	EntryNoOp
	EntryData
	EntryAddPeer
	EntryRemovePeer
)

func (t EntryType) String() string {
	switch t {
	case EntryNoOp:
		return "NoOp"
	case EntryData:
		return "Data"
	case EntryAddPeer:
		return "AddPeer"
	case EntryRemovePeer:
		return "RemovePeer"
	default:
		return "Unknown"
	}
}

// LogEntry represents one particular log entry in the raft log.
// Data is set for EntryData entries, Peers (stringified peer ids) for
// EntryAddPeer/EntryRemovePeer entries.
type LogEntry struct {
	Index, Term int64
	Type        EntryType
	Data        []byte
	Peers       []string
}

// SnapshotMeta is the metadata record persisted next to every snapshot.
type SnapshotMeta struct {
	LastIncludedIndex int64
	LastIncludedTerm  int64
	Peers             []string
}
