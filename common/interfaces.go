package common

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// ServerAddress is a host:port network address of a raft server process.
type ServerAddress string

// Closure is a completion callback for an asynchronous node operation.
// Run is invoked exactly once, with nil on success and the failure
// cause otherwise. Closures are never invoked while the node mutex is
// held.
type Closure interface {
	Run(err error)
}

// ClosureFunc adapts a plain function to the Closure interface.
type ClosureFunc func(err error)

func (f ClosureFunc) Run(err error) {
	if f != nil {
		f(err)
	}
}

// ResultSink is optionally implemented by closures passed to Apply.
// If the applied entry produces output bytes from the FSM they are
// delivered through SetResult before Run is called.
type ResultSink interface {
	SetResult(data []byte)
}

// FSM is the replicated state machine supplied by the user of this
// library. Apply is invoked for every committed Data entry, in log
// order, from a single goroutine. SaveSnapshot and LoadSnapshot are
// also invoked from that same goroutine and therefore never race with
// Apply; the one exception is the LoadSnapshot of node initialization,
// which runs on the caller's goroutine before the apply goroutine starts.
type FSM interface {
	Apply(entry LogEntry) ([]byte, error)
	SaveSnapshot(w io.Writer) error
	LoadSnapshot(r io.Reader) error
}

// LogStorage stores the raft log of one replica. Indexes are contiguous
// in [FirstIndex, LastIndex]; an empty log has FirstIndex == LastIndex+1.
// Implementations must guarantee persistence across restarts.
type LogStorage interface {
	FirstIndex() (int64, error)
	LastIndex() (int64, error)
	// Term returns 0 for indexes outside the stored range.
	Term(index int64) (int64, error)
	Get(index int64) (*LogEntry, error)
	// Append overwrites any existing entries at the same indexes.
	Append(entries []LogEntry) error
	// TruncatePrefix discards entries with index < firstIndexKept.
	TruncatePrefix(firstIndexKept int64) error
	// TruncateSuffix discards entries with index > lastIndexKept.
	TruncateSuffix(lastIndexKept int64) error
	Close() error
}

// StableStorage stores the hard state (term, votedFor) of one replica.
// SetTermAndVotedFor must be atomic so that a crash can never observe a
// new term with a stale vote.
type StableStorage interface {
	GetTerm() (int64, error)
	GetVotedFor() (string, error)
	SetTermAndVotedFor(term int64, votedFor string) error
	SetVotedFor(votedFor string) error
	Close() error
}

// SnapshotReader streams the data of the latest snapshot.
type SnapshotReader interface {
	io.ReadCloser
	Meta() (*SnapshotMeta, error)
	// URI returns a raft://host:port/path locator under which peers can
	// fetch this snapshot's data through the file service.
	URI(addr ServerAddress) string
}

// SnapshotWriter builds a new snapshot. Either the FSM writes data
// through Write, or Copy pulls it from a remote peer. Close without a
// prior SaveMeta discards the snapshot.
type SnapshotWriter interface {
	io.WriteCloser
	// Copy fetches the snapshot data from the given raft:// uri.
	Copy(uri string, fetcher FileFetcher) error
	// SaveMeta atomically publishes the snapshot on Close.
	SaveMeta(meta SnapshotMeta) error
	Meta() (*SnapshotMeta, error)
}

// SnapshotStorage manages the snapshots of one replica. Open serves the
// snapshot with the highest index; publishing a snapshot removes those
// with lower indexes, but not those with higher ones.
type SnapshotStorage interface {
	Init() error
	// Open returns nil (not an error) when no snapshot exists.
	Open() (SnapshotReader, error)
	Create() (SnapshotWriter, error)
	// Path returns the directory this storage serves snapshot files from,
	// used to whitelist it with the file service.
	Path() string
}

// FileFetcher fetches a remote file addressed by a raft:// uri and
// streams it into w.
type FileFetcher interface {
	Fetch(uri string, w io.Writer) error
}

// RaftService is the RPC surface one raft process exposes to its peers.
// A single service routes requests to nodes by (GroupId, PeerId).
type RaftService interface {
	RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error
	AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error
	InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error
}

// FileService serves whitelisted files to peers, used for snapshot
// transfer. Directories must be allowed explicitly before any file
// below them can be read.
type FileService interface {
	ReadFile(args *ReadFileArgs, reply *ReadFileReply) error
	Allow(dir string)
	Disallow(dir string)
}

// PeerClient is the client side of RaftService plus the file service,
// as seen by replicators and snapshot writers.
type PeerClient interface {
	RaftService
	ReadFile(args *ReadFileArgs, reply *ReadFileReply) error
	Close() error
}

// RPCManager owns the server side of the transport and hands out peer
// clients. Start is non-blocking; it returns once the listener is
// established.
type RPCManager interface {
	Start(address ServerAddress, raftService RaftService, fileService FileService) error
	ConnectToPeer(address ServerAddress) (PeerClient, error)
	Stop() error
}

// Storage factories are registered per uri scheme, e.g. the bolt-backed
// implementations register themselves under "bolt". A storage uri looks
// like "bolt:///var/raft/log.db"; the part after the scheme is handed
// to the factory verbatim.

type (
	LogStorageFactory      func(path string) (LogStorage, error)
	StableStorageFactory   func(path string) (StableStorage, error)
	SnapshotStorageFactory func(path string) (SnapshotStorage, error)
)

var storageRegistry struct {
	sync.Mutex
	log      map[string]LogStorageFactory
	stable   map[string]StableStorageFactory
	snapshot map[string]SnapshotStorageFactory
}

func RegisterLogStorage(scheme string, factory LogStorageFactory) {
	storageRegistry.Lock()
	defer storageRegistry.Unlock()
	if storageRegistry.log == nil {
		storageRegistry.log = make(map[string]LogStorageFactory)
	}
	storageRegistry.log[scheme] = factory
}

func RegisterStableStorage(scheme string, factory StableStorageFactory) {
	storageRegistry.Lock()
	defer storageRegistry.Unlock()
	if storageRegistry.stable == nil {
		storageRegistry.stable = make(map[string]StableStorageFactory)
	}
	storageRegistry.stable[scheme] = factory
}

func RegisterSnapshotStorage(scheme string, factory SnapshotStorageFactory) {
	storageRegistry.Lock()
	defer storageRegistry.Unlock()
	if storageRegistry.snapshot == nil {
		storageRegistry.snapshot = make(map[string]SnapshotStorageFactory)
	}
	storageRegistry.snapshot[scheme] = factory
}

// splitStorageURI splits "scheme://path" into its parts.
func splitStorageURI(uri string) (scheme, path string, err error) {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return "", "", fmt.Errorf("malformed storage uri %q: %w", uri, ErrInvalidArgument)
	}
	return uri[:i], uri[i+3:], nil
}

func NewLogStorage(uri string) (LogStorage, error) {
	scheme, path, err := splitStorageURI(uri)
	if err != nil {
		return nil, err
	}
	storageRegistry.Lock()
	factory, ok := storageRegistry.log[scheme]
	storageRegistry.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStorageUnavailable, scheme)
	}
	return factory(path)
}

func NewStableStorage(uri string) (StableStorage, error) {
	scheme, path, err := splitStorageURI(uri)
	if err != nil {
		return nil, err
	}
	storageRegistry.Lock()
	factory, ok := storageRegistry.stable[scheme]
	storageRegistry.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStorageUnavailable, scheme)
	}
	return factory(path)
}

func NewSnapshotStorage(uri string) (SnapshotStorage, error) {
	scheme, path, err := splitStorageURI(uri)
	if err != nil {
		return nil, err
	}
	storageRegistry.Lock()
	factory, ok := storageRegistry.snapshot[scheme]
	storageRegistry.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStorageUnavailable, scheme)
	}
	return factory(path)
}
