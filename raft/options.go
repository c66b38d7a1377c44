package raft

import (
	"fmt"
	"time"

	"github.com/raftkit/raftkit/common"
)

const (
	// defaultElectionTimeout is used when Options.ElectionTimeout is zero.
	defaultElectionTimeout = 1000 * time.Millisecond

	// catchUpMargin is how close (in entries) a new peer's match index
	// must be to the leader's last log index before the peer counts as
	// caught up and the AddPeer entry may be appended.
	catchUpMargin = 1000

	// minHeartbeatPeriod floors the heartbeat period derived from the
	// election timeout.
	minHeartbeatPeriod = 10 * time.Millisecond

	// minVoteRetryBase floors the vote-retry timer base derived from the
	// election timeout.
	minVoteRetryBase = 1 * time.Millisecond
)

func heartbeatPeriod(electionTimeout time.Duration) time.Duration {
	period := electionTimeout / 10
	if period < minHeartbeatPeriod {
		period = minHeartbeatPeriod
	}
	return period
}

func voteRetryBase(electionTimeout time.Duration) time.Duration {
	base := electionTimeout / 10
	if base < minVoteRetryBase {
		base = minVoteRetryBase
	}
	return base
}

// Options configures a Node. LogURI and StableURI are mandatory;
// SnapshotURI may be empty to disable snapshots entirely.
type Options struct {
	// Storage URIs, dispatched through the scheme registry, for example
	// "bolt:///var/raft/log.db".
	LogURI      string
	StableURI   string
	SnapshotURI string

	// ElectionTimeout is the base for all election-related timers.
	ElectionTimeout time.Duration

	// SnapshotInterval enables periodic snapshots when positive.
	SnapshotInterval time.Duration

	// InitialConf is the bootstrap peer set, consulted only when the log
	// and snapshot carry no configuration.
	InitialConf []PeerId

	// FSM is the user state machine.
	FSM common.FSM
}

func (o *Options) validate() error {
	if o.FSM == nil {
		return fmt.Errorf("options: missing FSM: %w", common.ErrInvalidArgument)
	}
	if o.LogURI == "" || o.StableURI == "" {
		return fmt.Errorf("options: missing storage uri: %w", common.ErrInvalidArgument)
	}
	if o.SnapshotInterval > 0 && o.SnapshotURI == "" {
		return fmt.Errorf("options: snapshot interval set without snapshot uri: %w", common.ErrInvalidArgument)
	}
	if o.ElectionTimeout == 0 {
		o.ElectionTimeout = defaultElectionTimeout
	}
	return nil
}
