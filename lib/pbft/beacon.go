package pbft

// StaticBeacon is a fixed membership list. Until dynamic membership lands
// the swarm composition is part of the node configuration, so a static
// beacon is all the consensus layer needs.
type StaticBeacon []Peer

// NewStaticBeacon creates a beacon over a fixed peer list.
func NewStaticBeacon(peers []Peer) IPeersBeacon {
	return StaticBeacon(peers)
}

func (b StaticBeacon) Current() []Peer {
	peers := make([]Peer, len(b))
	copy(peers, b)
	return peers
}
