package raft

import (
	"sort"
	"strings"
)

// Configuration is a set of peers. Order is irrelevant for equality;
// Peers returns a sorted copy for stable logging and wire encoding.
type Configuration struct {
	peers map[PeerId]struct{}
}

func NewConfiguration(peers []PeerId) Configuration {
	var conf Configuration
	for _, peer := range peers {
		conf.AddPeer(peer)
	}
	return conf
}

func (c *Configuration) AddPeer(peer PeerId) {
	if c.peers == nil {
		c.peers = make(map[PeerId]struct{})
	}
	c.peers[peer] = struct{}{}
}

func (c *Configuration) RemovePeer(peer PeerId) {
	delete(c.peers, peer)
}

func (c *Configuration) Reset() {
	c.peers = nil
}

func (c Configuration) Empty() bool {
	return len(c.peers) == 0
}

func (c Configuration) Size() int {
	return len(c.peers)
}

func (c Configuration) Contain(peer PeerId) bool {
	_, ok := c.peers[peer]
	return ok
}

func (c Configuration) ContainAll(peers []PeerId) bool {
	for _, peer := range peers {
		if !c.Contain(peer) {
			return false
		}
	}
	return true
}

func (c Configuration) Equal(peers []PeerId) bool {
	if len(peers) != len(c.peers) {
		return false
	}
	return c.ContainAll(peers)
}

// Peers returns the members sorted by their string form.
func (c Configuration) Peers() []PeerId {
	var peers []PeerId
	for peer := range c.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].String() < peers[j].String()
	})
	return peers
}

// Quorum is the number of members needed for a majority.
func (c Configuration) Quorum() int {
	return len(c.peers)/2 + 1
}

func (c Configuration) String() string {
	return strings.Join(peerStrings(c.Peers()), ",")
}

// ConfigurationPair binds a peer set to the log index of the entry that
// established it.
type ConfigurationPair struct {
	Index int64
	Conf  Configuration
}
