package common

import (
	"errors"
)

// Sentinel errors surfaced by the node's client API and collaborators.
// Callers are expected to match them with errors.Is.
var (
	// ErrShuttingDown is returned by any operation invoked on a node that
	// has been shut down or is in the middle of shutting down.
	ErrShuttingDown = errors.New("raft: node is shutting down")

	// ErrNotLeader is returned when a leader-only operation is invoked on
	// a follower or candidate, and delivered to pending closures when the
	// leader steps down before their entries commit.
	ErrNotLeader = errors.New("raft: not leader")

	// ErrConfChangeInFlight rejects a configuration change while another
	// one has not yet committed.
	ErrConfChangeInFlight = errors.New("raft: configuration change already in progress")

	// ErrInvalidArgument covers malformed peer lists, peers not present in
	// the current configuration, and similar caller mistakes.
	ErrInvalidArgument = errors.New("raft: invalid argument")

	// ErrDuplicate is returned when registering a node whose (group, peer)
	// identity is already registered.
	ErrDuplicate = errors.New("raft: duplicate node")

	// ErrStale indicates the operation was superseded by a newer one, for
	// example a snapshot save finishing after a snapshot install covered
	// a larger prefix.
	ErrStale = errors.New("raft: stale operation")

	// ErrBusy indicates a conflicting operation is currently running, for
	// example installing a snapshot while another install is loading.
	ErrBusy = errors.New("raft: busy")

	// ErrCatchUpTimeout is delivered to an add-peer closure when the new
	// peer fails to catch up with the leader's log in time.
	ErrCatchUpTimeout = errors.New("raft: peer catch-up timed out")

	// ErrStorageUnavailable is returned for storage URIs whose scheme has
	// no registered driver.
	ErrStorageUnavailable = errors.New("raft: no storage registered for scheme")
)
