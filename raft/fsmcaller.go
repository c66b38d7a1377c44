package raft

import (
	"github.com/raftkit/raftkit/common"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const fsmQueueDepth = 4096

type fsmTaskKind int

const (
	taskCommitted fsmTaskKind = iota
	taskSnapshotSave
	taskSnapshotLoad
	taskLeaderStop
	taskShutdown
)

type fsmTask struct {
	kind           fsmTaskKind
	committedIndex int64
	dones          map[int64]common.Closure
	saveDone       *SaveSnapshotDone
	loadDone       *InstallSnapshotDone
	shutdownDone   common.Closure
}

// FSMCaller owns the single goroutine that touches the user FSM. All
// applies, snapshot saves, and snapshot loads run on it, so the FSM
// never needs its own synchronization against this library.
type FSMCaller struct {
	node    *Node
	fsm     common.FSM
	logs    *LogManager
	storage common.SnapshotStorage

	tasks   chan fsmTask
	stopped atomic.Bool

	// Mutated only by the caller goroutine (after init).
	lastAppliedIndex int64
	lastAppliedTerm  int64
}

func NewFSMCaller(node *Node, fsm common.FSM, logs *LogManager, storage common.SnapshotStorage) *FSMCaller {
	return &FSMCaller{
		node:    node,
		fsm:     fsm,
		logs:    logs,
		storage: storage,
		tasks:   make(chan fsmTask, fsmQueueDepth),
	}
}

// Start launches the apply loop. lastApplied seeds the applied position
// from the snapshot loaded during node init.
func (f *FSMCaller) Start(lastAppliedIndex, lastAppliedTerm int64) {
	f.lastAppliedIndex = lastAppliedIndex
	f.lastAppliedTerm = lastAppliedTerm
	go f.run()
}

func (f *FSMCaller) LastAppliedIndex() int64 {
	return f.node.appliedIndex.Load()
}

func (f *FSMCaller) enqueue(task fsmTask) bool {
	if f.stopped.Load() {
		return false
	}
	f.tasks <- task
	return true
}

// OnCommitted schedules application of all entries up to index. dones
// maps leader entry indexes to their completion closures and is nil on
// followers.
func (f *FSMCaller) OnCommitted(index int64, dones map[int64]common.Closure) {
	if f.enqueue(fsmTask{kind: taskCommitted, committedIndex: index, dones: dones}) {
		return
	}
	for i, done := range dones {
		f.OnCleared(i, done, common.ErrShuttingDown)
	}
}

func (f *FSMCaller) OnSnapshotSave(done *SaveSnapshotDone) {
	if !f.enqueue(fsmTask{kind: taskSnapshotSave, saveDone: done}) {
		done.Run(common.ErrShuttingDown)
	}
}

func (f *FSMCaller) OnSnapshotLoad(done *InstallSnapshotDone) {
	if !f.enqueue(fsmTask{kind: taskSnapshotLoad, loadDone: done}) {
		done.Run(common.ErrShuttingDown)
	}
}

// OnLeaderStart returns the closure attached to the configuration
// marker entry a fresh leader appends; it runs when that entry commits.
func (f *FSMCaller) OnLeaderStart(term int64) common.Closure {
	node := f.node
	return common.ClosureFunc(func(err error) {
		if err != nil {
			log.Warnf("%v: leadership marker at term %d failed: %v", node.serverId, term, err)
			return
		}
		log.Infof("%v: leadership established at term %d", node.serverId, term)
	})
}

func (f *FSMCaller) OnLeaderStop() {
	f.enqueue(fsmTask{kind: taskLeaderStop})
}

// OnCleared fails a closure without going through the apply loop. The
// closure runs on its own goroutine so callers may hold the node mutex.
func (f *FSMCaller) OnCleared(index int64, done common.Closure, err error) {
	if done == nil {
		return
	}
	go func() {
		log.Debugf("%v: clearing pending entry %d: %v", f.node.serverId, index, err)
		done.Run(err)
	}()
}

// Shutdown stops the apply loop after draining the already queued
// tasks, then runs done.
func (f *FSMCaller) Shutdown(done common.Closure) {
	if !f.stopped.CAS(false, true) {
		if done != nil {
			go done.Run(nil)
		}
		return
	}
	f.tasks <- fsmTask{kind: taskShutdown, shutdownDone: done}
}

func (f *FSMCaller) run() {
	for task := range f.tasks {
		switch task.kind {
		case taskCommitted:
			f.applyTo(task.committedIndex, task.dones)
		case taskSnapshotSave:
			f.doSnapshotSave(task.saveDone)
		case taskSnapshotLoad:
			f.doSnapshotLoad(task.loadDone)
		case taskLeaderStop:
			log.Infof("%v: leadership lost", f.node.serverId)
		case taskShutdown:
			if task.shutdownDone != nil {
				task.shutdownDone.Run(nil)
			}
			return
		}
	}
}

func (f *FSMCaller) applyTo(index int64, dones map[int64]common.Closure) {
	for i := f.lastAppliedIndex + 1; i <= index; i++ {
		entry, err := f.logs.GetEntry(i)
		if err != nil {
			log.Errorf("%v: cannot read committed entry %d: %v", f.node.serverId, i, err)
			return
		}
		done := dones[i]
		switch entry.Type {
		case common.EntryData:
			result, applyErr := f.fsm.Apply(*entry)
			if done != nil {
				if sink, ok := done.(common.ResultSink); ok {
					sink.SetResult(result)
				}
				done.Run(applyErr)
			} else if applyErr != nil {
				log.Errorf("%v: FSM apply failed at entry %d: %v", f.node.serverId, i, applyErr)
			}
		case common.EntryAddPeer, common.EntryRemovePeer:
			f.node.onConfigurationChangeDone(entry)
			if done != nil {
				done.Run(nil)
			}
		default:
			if done != nil {
				done.Run(nil)
			}
		}
		f.lastAppliedIndex = entry.Index
		f.lastAppliedTerm = entry.Term
		f.node.appliedIndex.Store(entry.Index)
	}
}

func (f *FSMCaller) doSnapshotSave(done *SaveSnapshotDone) {
	meta := common.SnapshotMeta{
		LastIncludedIndex: f.lastAppliedIndex,
		LastIncludedTerm:  f.lastAppliedTerm,
	}
	pair := f.logs.GetConfiguration(f.lastAppliedIndex)
	meta.Peers = peerStrings(pair.Conf.Peers())

	writer, err := f.storage.Create()
	if err != nil {
		done.setResult(meta, nil)
		done.Run(err)
		return
	}
	if err := f.fsm.SaveSnapshot(writer); err != nil {
		writer.Close()
		done.setResult(meta, nil)
		done.Run(err)
		return
	}
	done.setResult(meta, writer)
	done.Run(nil)
}

func (f *FSMCaller) doSnapshotLoad(done *InstallSnapshotDone) {
	reader, err := f.storage.Open()
	if err == nil && reader == nil {
		err = common.ErrStorageUnavailable
	}
	if err != nil {
		done.Run(err)
		return
	}
	meta, err := reader.Meta()
	if err != nil {
		reader.Close()
		done.Run(err)
		return
	}
	err = f.fsm.LoadSnapshot(reader)
	reader.Close()
	if err != nil {
		done.Run(err)
		return
	}
	f.lastAppliedIndex = meta.LastIncludedIndex
	f.lastAppliedTerm = meta.LastIncludedTerm
	f.node.appliedIndex.Store(meta.LastIncludedIndex)
	done.Run(nil)
}
