package raft

import (
	"github.com/raftkit/raftkit/common"
	log "github.com/sirupsen/logrus"
)

// leaderStableClosure reports the leader's own durability for an entry
// to the commit manager. It runs on the log manager's disk thread.
type leaderStableClosure struct {
	node  *Node
	entry *common.LogEntry
}

func (c *leaderStableClosure) Run(err error) {
	if err != nil {
		log.Errorf("%v: persisting log entry %d failed: %v", c.node.serverId, c.entry.Index, err)
		return
	}
	c.node.advanceCommitIndex(c.node.serverId, c.entry.Index)
}

// SaveSnapshotDone carries a snapshot save from the FSM caller back
// into the node. The FSM caller fills in the meta and writer before
// running it.
type SaveSnapshotDone struct {
	node   *Node
	done   common.Closure
	meta   common.SnapshotMeta
	writer common.SnapshotWriter
}

func (d *SaveSnapshotDone) setResult(meta common.SnapshotMeta, writer common.SnapshotWriter) {
	d.meta = meta
	d.writer = writer
}

func (d *SaveSnapshotDone) Run(err error) {
	d.node.onSnapshotSaveDone(err, d.meta, d.writer, d.done)
}

// InstallSnapshotDone re-enters the node once the FSM finished loading
// an installed snapshot, then releases the blocked RPC handler.
type InstallSnapshotDone struct {
	node *Node
	ch   chan error
}

func newInstallSnapshotDone(node *Node) *InstallSnapshotDone {
	return &InstallSnapshotDone{node: node, ch: make(chan error, 1)}
}

func (d *InstallSnapshotDone) Run(err error) {
	d.node.onSnapshotLoadDone(err)
	d.ch <- err
}

// Wait blocks until Run delivers the load outcome.
func (d *InstallSnapshotDone) Wait() error {
	return <-d.ch
}
