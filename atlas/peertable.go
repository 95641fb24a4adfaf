// Package atlas implements the Atlas Subsystem (spec.md §4.5): a gossip
// layer that replicates zone-file blobs across peers independently of the
// chain itself, backed by the local zonefile.Store.
//
// The peer table is grounded on the teacher's networks/p2p/discover/table.go
// Kademlia bucket table, simplified from a DHT (no XOR-distance buckets, no
// bonding/ping-pong liveness protocol) down to the spec's flat,
// shuffle-then-truncate neighbor set — Atlas's gossip fanout does not need
// a distributed hash table, just a bounded pool of known-live peers.
package atlas

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	blocklog "github.com/blockstack/blockstackd-go/log"
)

var logger = blocklog.NewModuleLogger(blocklog.ModuleAtlas)

// Peer identifies one Atlas neighbor.
type Peer struct {
	Host string
	Port int

	lastSeen time.Time
	failures int
}

func (p Peer) key() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// maxFailures exceeding this drops a peer, mirroring the teacher's
// maxFindnodeFailures eviction rule in discover/table.go.
const maxFailures = 5

// PeerTable is a bounded, randomly-sampled pool of known Atlas neighbors.
type PeerTable struct {
	mu          sync.Mutex
	peers       map[string]*Peer
	maxNeighbors int
	rand        *rand.Rand
}

// NewPeerTable creates a table capped at maxNeighbors entries.
func NewPeerTable(maxNeighbors int) *PeerTable {
	return &PeerTable{
		peers:        make(map[string]*Peer),
		maxNeighbors: maxNeighbors,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue adds or refreshes a peer, evicting a random existing entry if the
// table is already at capacity (spec.md §4.5 enqueue_peer).
func (t *PeerTable) Enqueue(host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &Peer{Host: host, Port: port, lastSeen: time.Now()}
	key := p.key()
	if _, exists := t.peers[key]; exists {
		t.peers[key].lastSeen = time.Now()
		return
	}
	if len(t.peers) >= t.maxNeighbors {
		t.evictOneLocked()
	}
	t.peers[key] = p
}

func (t *PeerTable) evictOneLocked() {
	for k := range t.peers {
		delete(t.peers, k)
		return
	}
}

// MarkFailure records a failed contact attempt, dropping the peer past
// maxFailures.
func (t *PeerTable) MarkFailure(host string, port int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := Peer{Host: host, Port: port}.key()
	p, ok := t.peers[key]
	if !ok {
		return
	}
	p.failures++
	if p.failures > maxFailures {
		delete(t.peers, key)
	}
}

// LiveNeighbors returns every peer currently tracked other than
// excludeHost, which is normally the caller's own reported host (spec.md
// §4.5 get_live_neighbors(hostport)).
func (t *PeerTable) LiveNeighbors(excludeHost string) []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.Host == excludeHost {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// MaxNeighbors reports the table's capacity (spec.md §4.5 max_neighbors).
func (t *PeerTable) MaxNeighbors() int { return t.maxNeighbors }

// Sample returns up to n peers, shuffled, for gossip fanout — the
// shuffle-then-truncate selection the spec calls for in place of a DHT
// closest-node lookup.
func (t *PeerTable) Sample(n int) []Peer {
	t.mu.Lock()
	all := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		all = append(all, *p)
	}
	t.mu.Unlock()

	t.rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// shuffleTruncate uniformly shuffles peers in place and truncates to n
// entries — the same selection rule Sample applies, exposed package-level
// for callers that already hold their own peer slice (get_atlas_peers).
func shuffleTruncate(peers []Peer, n int) []Peer {
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if n > len(peers) {
		n = len(peers)
	}
	return peers[:n]
}
