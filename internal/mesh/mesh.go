package mesh

import (
	"sort"
	"sync"
	"time"

	"loom/internal/capability"
)

// PeerState tracks where a peer sits in its staleness lifecycle. Expired
// peers are removed outright and never observable.
type PeerState string

const (
	PeerConnected PeerState = "connected"
	PeerStale     PeerState = "stale"
)

// Peer is a reachable device on the mesh. Peers are owned exclusively by
// the Topology; callers only ever see copies.
type Peer struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Capability      capability.Capability `json:"capability"`
	PricePerRequest int64                 `json:"pricePerRequest"`
	ServeAddress    string                `json:"serveAddress,omitempty"`
	HopCount        int                   `json:"hopCount"` // 1 = direct neighbor
	LastSeen        time.Time             `json:"lastSeen"`
	State           PeerState             `json:"state"`
}

// Stats is an on-demand aggregate over the current peer set.
type Stats struct {
	PeerCount         int     `json:"peerCount"`
	ModelCapableCount int     `json:"modelCapableCount"`
	MaxHop            int     `json:"maxHop"`
	AverageTrustScore float64 `json:"averageTrustScore"`
}

// TrustSource supplies the trust aggregate for Stats.
type TrustSource interface {
	AverageScore(deviceIDs []string) float64
}

// Config holds the staleness windows. ExpireAfter must exceed StaleAfter.
type Config struct {
	StaleAfter  time.Duration `json:"staleAfter" yaml:"staleAfter"`
	ExpireAfter time.Duration `json:"expireAfter" yaml:"expireAfter"`
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:  30 * time.Second,
		ExpireAfter: 2 * time.Minute,
	}
}

// Topology maintains the set of currently reachable peers. All mutation
// goes through Apply, Disconnect and Tick under a single writer lock;
// readers receive consistent copies.
type Topology struct {
	mu     sync.RWMutex
	peers  map[string]*Peer
	config Config
	trust  TrustSource
}

func NewTopology(config Config, trust TrustSource) *Topology {
	return &Topology{
		peers:  make(map[string]*Peer),
		config: config,
		trust:  trust,
	}
}

// Apply folds one advertisement into the peer set. Unknown peers are
// created as connected; known peers have capability, price, hop count and
// last-seen refreshed, and a stale peer advertising again becomes
// connected. Out-of-order delivery is resolved by strict last-seen
// monotonicity: an advertisement whose timestamp is not newer than the
// stored one is dropped entirely and does not reset staleness.
func (t *Topology) Apply(advert Advertisement) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.peers[advert.DeviceID]
	if ok && !advert.Timestamp.After(existing.LastSeen) {
		return false
	}

	t.peers[advert.DeviceID] = &Peer{
		ID:              advert.DeviceID,
		Name:            advert.Name,
		Capability:      advert.Capability,
		PricePerRequest: advert.PricePerRequest,
		ServeAddress:    advert.ServeAddress,
		HopCount:        advert.HopCount,
		LastSeen:        advert.Timestamp,
		State:           PeerConnected,
	}
	return true
}

// Disconnect removes a peer immediately, e.g. on an explicit leave.
func (t *Topology) Disconnect(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, deviceID)
}

// Tick runs the staleness sweep: peers unseen for longer than StaleAfter
// turn stale, peers unseen for longer than ExpireAfter are removed. It
// returns the IDs of expired peers.
func (t *Topology) Tick(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for id, peer := range t.peers {
		age := now.Sub(peer.LastSeen)
		switch {
		case age > t.config.ExpireAfter:
			delete(t.peers, id)
			expired = append(expired, id)
		case age > t.config.StaleAfter:
			peer.State = PeerStale
		}
	}
	return expired
}

// ConnectedPeers returns copies of all non-stale peers, ordered by ID so
// the sequence is stable for consumers.
func (t *Topology) ConnectedPeers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		if peer.State == PeerConnected {
			peers = append(peers, *peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// AllPeers returns copies of every live peer, stale included.
func (t *Topology) AllPeers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	peers := make([]Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		peers = append(peers, *peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Stats computes aggregate statistics over the current peer set on demand.
func (t *Topology) Stats() Stats {
	t.mu.RLock()
	ids := make([]string, 0, len(t.peers))
	stats := Stats{PeerCount: len(t.peers)}
	for id, peer := range t.peers {
		ids = append(ids, id)
		if peer.Capability.HasLocalModel {
			stats.ModelCapableCount++
		}
		if peer.HopCount > stats.MaxHop {
			stats.MaxHop = peer.HopCount
		}
	}
	t.mu.RUnlock()

	if t.trust != nil {
		stats.AverageTrustScore = t.trust.AverageScore(ids)
	}
	return stats
}
