package model

import (
	"fmt"
	"net"
	"sort"
)

// PeerId identifies a process by its host:port address. Peer identifiers
// are totally ordered by their string form, which the distributed lock
// protocol relies on for tie-breaking.
type PeerId string

// InvalidPeerId is the zero peer identifier.
const InvalidPeerId PeerId = ""

// NewPeerId validates a host:port address.
func NewPeerId(address string) (PeerId, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return InvalidPeerId, fmt.Errorf("invalid peer address %q: %w", address, err)
	}
	return PeerId(address), nil
}

// IsValid reports whether the peer identifier is set.
func (p PeerId) IsValid() bool {
	return p != InvalidPeerId
}

// Less imposes the lexicographic total order used for lock tie-breaking.
func (p PeerId) Less(other PeerId) bool {
	return p < other
}

func (p PeerId) String() string {
	return string(p)
}

// PeerList is a set of peers kept sorted in ascending address order.
type PeerList struct {
	peers []PeerId
}

// NewPeerList builds a sorted peer list from the given peers.
func NewPeerList(peers ...PeerId) *PeerList {
	list := &PeerList{}
	for _, peer := range peers {
		list.Add(peer)
	}
	return list
}

// Add inserts a peer keeping ascending order. Reports whether the
// peer was not already present.
func (l *PeerList) Add(peer PeerId) bool {
	i := sort.Search(len(l.peers), func(i int) bool { return l.peers[i] >= peer })
	if i < len(l.peers) && l.peers[i] == peer {
		return false
	}
	l.peers = append(l.peers, InvalidPeerId)
	copy(l.peers[i+1:], l.peers[i:])
	l.peers[i] = peer
	return true
}

// Remove deletes a peer. Reports whether it was present.
func (l *PeerList) Remove(peer PeerId) bool {
	i := sort.Search(len(l.peers), func(i int) bool { return l.peers[i] >= peer })
	if i >= len(l.peers) || l.peers[i] != peer {
		return false
	}
	l.peers = append(l.peers[:i], l.peers[i+1:]...)
	return true
}

// Contains reports whether the peer is in the list.
func (l *PeerList) Contains(peer PeerId) bool {
	i := sort.Search(len(l.peers), func(i int) bool { return l.peers[i] >= peer })
	return i < len(l.peers) && l.peers[i] == peer
}

// Len returns the number of peers.
func (l *PeerList) Len() int {
	return len(l.peers)
}

// Empty reports whether the list holds no peers.
func (l *PeerList) Empty() bool {
	return len(l.peers) == 0
}

// Min returns the lowest-address peer. The list must not be empty.
func (l *PeerList) Min() PeerId {
	return l.peers[0]
}

// Ascending returns the peers in ascending address order.
func (l *PeerList) Ascending() []PeerId {
	out := make([]PeerId, len(l.peers))
	copy(out, l.peers)
	return out
}

// Descending returns the peers in descending address order, the order
// required by the unlock protocol.
func (l *PeerList) Descending() []PeerId {
	out := make([]PeerId, len(l.peers))
	for i, peer := range l.peers {
		out[len(l.peers)-1-i] = peer
	}
	return out
}

// Copy returns an independent copy of the list.
func (l *PeerList) Copy() *PeerList {
	out := &PeerList{peers: make([]PeerId, len(l.peers))}
	copy(out.peers, l.peers)
	return out
}
