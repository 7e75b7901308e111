package federation

import (
	"sort"
	"sync"
	"time"
)

// PeerInfo is what a peer told us about itself in its last hello.
type PeerInfo struct {
	Host      string    `json:"host"`
	Name      string    `json:"peername"`
	HTTPPort  int       `json:"port_http"`
	HTTPSPort int       `json:"port_https"`
	LastSeen  time.Time `json:"last_seen"`
}

// Directory remembers the peers that announced themselves to us.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]PeerInfo
	ttl   time.Duration
	now   func() time.Time
}

// NewDirectory keeps peers for ttl after their last hello; ttl <= 0 keeps
// them forever.
func NewDirectory(ttl time.Duration, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{peers: make(map[string]PeerInfo), ttl: ttl, now: now}
}

func (d *Directory) Register(info PeerInfo) {
	info.LastSeen = d.now()
	d.mu.Lock()
	d.peers[info.Host] = info
	d.mu.Unlock()
}

// List returns the live peers, most recently seen first.
func (d *Directory) List() []PeerInfo {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]PeerInfo, 0, len(d.peers))
	for host, p := range d.peers {
		if d.ttl > 0 && now.Sub(p.LastSeen) > d.ttl {
			delete(d.peers, host)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Host < out[j].Host
	})
	return out
}
