package raft

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/raftkit/raftkit/common"
)

// PeerId identifies one replica: a network endpoint plus an index so
// that multiple replicas of the same group can share a process.
type PeerId struct {
	Addr common.ServerAddress
	Idx  int
}

// ParsePeerId parses "host:port" or "host:port:idx".
func ParsePeerId(s string) (PeerId, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		return PeerId{Addr: common.ServerAddress(s)}, nil
	case 3:
		idx, err := strconv.Atoi(parts[2])
		if err != nil || idx < 0 {
			return PeerId{}, fmt.Errorf("bad peer index in %q: %w", s, common.ErrInvalidArgument)
		}
		return PeerId{Addr: common.ServerAddress(parts[0] + ":" + parts[1]), Idx: idx}, nil
	default:
		return PeerId{}, fmt.Errorf("bad peer id %q: %w", s, common.ErrInvalidArgument)
	}
}

// MustParsePeerId is ParsePeerId for trusted literals; it panics on error.
func MustParsePeerId(s string) PeerId {
	peer, err := ParsePeerId(s)
	if err != nil {
		panic(err)
	}
	return peer
}

func parsePeerIds(strs []string) ([]PeerId, error) {
	var peers []PeerId
	for _, s := range strs {
		peer, err := ParsePeerId(s)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func peerStrings(peers []PeerId) []string {
	var strs []string
	for _, peer := range peers {
		strs = append(strs, peer.String())
	}
	return strs
}

func (p PeerId) String() string {
	return fmt.Sprintf("%s:%d", p.Addr, p.Idx)
}

func (p PeerId) Equal(other PeerId) bool {
	return p.Addr == other.Addr && p.Idx == other.Idx
}

func (p PeerId) IsEmpty() bool {
	return p.Addr == ""
}

func (p *PeerId) Reset() {
	p.Addr = ""
	p.Idx = 0
}

// NodeId is the registry key of a node: which group, which replica.
type NodeId struct {
	GroupId string
	PeerId  PeerId
}

func (n NodeId) String() string {
	return fmt.Sprintf("%s/%s", n.GroupId, n.PeerId)
}
