// Package heartbeat tracks the peers a node exchanges heartbeats with.
package heartbeat

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/user/osd/internal/osdmap"
)

// DefaultMinPeers is the number of peers kept even when no hosted pg needs them.
const DefaultMinPeers = 10

// ErrNotRunning is returned when the peer table is used before Start.
var ErrNotRunning = errors.New("heartbeat: not running")

// Peer is one heartbeat peer.
type Peer struct {
	OSD        int32          `json:"osd"`
	Epoch      osdmap.Epoch   `json:"epoch"`
	FrontAddrs osdmap.AddrVec `json:"front_addrs,omitempty"`
	BackAddrs  osdmap.AddrVec `json:"back_addrs,omitempty"`
}

// Heartbeat holds the peer table. Peers are added with the epoch of the map
// that justified them; UpdatePeers drops every peer not re-added at the
// current epoch.
type Heartbeat struct {
	currentMap func() *osdmap.Map
	minPeers   int

	requireAuthorizer atomic.Bool
	running           atomic.Bool

	mu    sync.Mutex
	front osdmap.AddrVec
	back  osdmap.AddrVec
	peers map[int32]*Peer
}

// New returns a peer table that reads peer addresses from currentMap.
func New(currentMap func() *osdmap.Map, minPeers int) *Heartbeat {
	if minPeers <= 0 {
		minPeers = DefaultMinPeers
	}
	return &Heartbeat{currentMap: currentMap, minPeers: minPeers, peers: map[int32]*Peer{}}
}

// Start records the addresses heartbeats are served on.
func (h *Heartbeat) Start(front, back osdmap.AddrVec) error {
	h.mu.Lock()
	h.front = front
	h.back = back
	h.mu.Unlock()
	h.running.Store(true)
	slog.Info("heartbeat started", "front", front.String(), "back", back.String())
	return nil
}

// Stop clears the peer table.
func (h *Heartbeat) Stop() {
	if !h.running.Swap(false) {
		return
	}
	h.mu.Lock()
	h.peers = map[int32]*Peer{}
	h.mu.Unlock()
	slog.Info("heartbeat stopped")
}

func (h *Heartbeat) FrontAddrs() osdmap.AddrVec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.front
}

func (h *Heartbeat) BackAddrs() osdmap.AddrVec {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.back
}

func (h *Heartbeat) SetRequireAuthorizer(require bool) {
	if h.requireAuthorizer.Swap(require) != require {
		slog.Info("heartbeat authorizer requirement changed", "require", require)
	}
}

func (h *Heartbeat) RequireAuthorizer() bool { return h.requireAuthorizer.Load() }

// AddPeer adds osd, or refreshes its epoch when already present.
func (h *Heartbeat) AddPeer(osd int32, epoch osdmap.Epoch) error {
	if !h.running.Load() {
		return ErrNotRunning
	}
	m := h.currentMap()
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[osd]
	if !ok {
		p = &Peer{OSD: osd}
		h.peers[osd] = p
		slog.Debug("heartbeat peer added", "osd", osd, "epoch", epoch)
	}
	p.Epoch = epoch
	p.FrontAddrs = m.HBFrontAddrs(osd)
	p.BackAddrs = m.HBBackAddrs(osd)
	return nil
}

// UpdatePeers drops peers that are stale or down in the current map, then
// tops the table up to the minimum with the up nodes that follow whoami.
func (h *Heartbeat) UpdatePeers(whoami int32) {
	if !h.running.Load() {
		return
	}
	m := h.currentMap()
	epoch := m.GetEpoch()

	h.mu.Lock()
	for osd, p := range h.peers {
		if p.Epoch < epoch || !m.IsUp(osd) {
			delete(h.peers, osd)
			slog.Debug("heartbeat peer removed", "osd", osd, "peer_epoch", p.Epoch, "epoch", epoch)
		}
	}
	n := len(h.peers)
	h.mu.Unlock()

	if n >= h.minPeers {
		return
	}
	up := m.UpOSDs()
	start, _ := slices.BinarySearch(up, whoami+1)
	for i := 0; i < len(up) && n < h.minPeers; i++ {
		osd := up[(start+i)%len(up)]
		if osd == whoami || h.hasPeer(osd) {
			continue
		}
		if err := h.AddPeer(osd, epoch); err != nil {
			return
		}
		n++
	}
}

func (h *Heartbeat) hasPeer(osd int32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[osd]
	return ok
}

// Peers returns the peer table ordered by osd id.
func (h *Heartbeat) Peers() []Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Peer) int { return int(a.OSD - b.OSD) })
	return out
}
