package realtime

import (
	"sync"
	"time"
)

// Peer is a point-in-time copy of one registered connection.
type Peer struct {
	Transport      Transport
	DeviceID       string
	ConnectedAt    time.Time
	LastLivenessAt time.Time
	Alive          bool
}

// Stats summarizes the registry for observability.
type Stats struct {
	Total      int            `json:"total"`
	Registered int            `json:"registered"`
	Devices    map[string]int `json:"devices"`
}

type entry struct {
	deviceID       string
	connectedAt    time.Time
	lastLivenessAt time.Time
	alive          bool
}

func (e *entry) peer(t Transport) Peer {
	return Peer{
		Transport:      t,
		DeviceID:       e.deviceID,
		ConnectedAt:    e.connectedAt,
		LastLivenessAt: e.lastLivenessAt,
		Alive:          e.alive,
	}
}

// RemoveFunc observes a removal. remaining is the number of connections
// still bound to the removed peer's device.
type RemoveFunc func(p Peer, remaining int)

// Registry tracks live connections and their liveness. Each method holds
// the lock for its whole mutation; callbacks and transport I/O run after it
// is released.
type Registry struct {
	mu       sync.Mutex
	conns    map[Transport]*entry
	devices  map[string]int
	now      func() time.Time
	onRemove RemoveFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:   make(map[Transport]*entry),
		devices: make(map[string]int),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// OnRemove installs fn to run after every removal except CloseAll.
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.mu.Lock()
	r.onRemove = fn
	r.mu.Unlock()
}

// Add registers t with no device. It returns false if t is already present.
func (r *Registry) Add(t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[t]; ok {
		return false
	}
	now := r.now()
	r.conns[t] = &entry{connectedAt: now, lastLivenessAt: now, alive: true}
	return true
}

// Remove drops t. Removing an absent transport is a no-op that returns false.
func (r *Registry) Remove(t Transport) bool {
	r.mu.Lock()
	e, ok := r.conns[t]
	if !ok {
		r.mu.Unlock()
		return false
	}
	remaining := r.dropLocked(t, e)
	fn := r.onRemove
	p := e.peer(t)
	r.mu.Unlock()

	if fn != nil {
		fn(p, remaining)
	}
	return true
}

// BindDevice attaches deviceID to t and returns the device it was bound to
// before, if any. ok is false if t is not registered.
func (r *Registry) BindDevice(t Transport, deviceID string) (previous string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[t]
	if !ok {
		return "", false
	}
	previous = e.deviceID
	if previous == deviceID {
		return previous, true
	}
	if previous != "" {
		r.releaseDeviceLocked(previous)
	}
	e.deviceID = deviceID
	r.devices[deviceID]++
	return previous, true
}

// DeviceOf returns the device bound to t.
func (r *Registry) DeviceOf(t Transport) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[t]; ok {
		return e.deviceID
	}
	return ""
}

// DeviceConnections returns how many connections are bound to deviceID.
func (r *Registry) DeviceConnections(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[deviceID]
}

// MarkAlive records inbound traffic or a pong from t.
func (r *Registry) MarkAlive(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[t]; ok {
		e.alive = true
		e.lastLivenessAt = r.now()
	}
}

// Snapshot returns connection counts.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Total: len(r.conns), Devices: make(map[string]int, len(r.devices))}
	for id, n := range r.devices {
		s.Devices[id] = n
		s.Registered += n
	}
	return s
}

// Peers returns a copy of every registered connection.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]Peer, 0, len(r.conns))
	for t, e := range r.conns {
		peers = append(peers, e.peer(t))
	}
	return peers
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// BeginProbe starts a heartbeat round. Connections still marked dead from
// the previous round are removed and closed; every survivor is marked dead
// until it answers and is returned for probing.
func (r *Registry) BeginProbe() (evicted []Peer, probe []Transport) {
	return r.evict("liveness probe unanswered", func(e *entry, _ time.Time) bool {
		if !e.alive {
			return true
		}
		e.alive = false
		return false
	})
}

// ReapStale removes and closes connections that have shown no liveness for
// longer than timeout.
func (r *Registry) ReapStale(timeout time.Duration) []Peer {
	evicted, _ := r.evict("liveness timeout", func(e *entry, now time.Time) bool {
		return now.Sub(e.lastLivenessAt) > timeout
	})
	return evicted
}

// CloseAll closes and removes every connection without running OnRemove.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	all := make([]Transport, 0, len(r.conns))
	for t := range r.conns {
		all = append(all, t)
	}
	r.conns = make(map[Transport]*entry)
	r.devices = make(map[string]int)
	r.mu.Unlock()

	for _, t := range all {
		_ = t.Close(reason)
	}
	return len(all)
}

type removal struct {
	peer      Peer
	remaining int
}

// evict closes and removes every entry for which dead returns true and
// returns the survivors.
func (r *Registry) evict(reason string, dead func(e *entry, now time.Time) bool) ([]Peer, []Transport) {
	r.mu.Lock()
	now := r.now()
	var removed []removal
	var kept []Transport
	for t, e := range r.conns {
		if dead(e, now) {
			removed = append(removed, removal{peer: e.peer(t), remaining: r.dropLocked(t, e)})
			continue
		}
		kept = append(kept, t)
	}
	fn := r.onRemove
	r.mu.Unlock()

	evicted := make([]Peer, 0, len(removed))
	for _, rm := range removed {
		_ = rm.peer.Transport.Close(reason)
		if fn != nil {
			fn(rm.peer, rm.remaining)
		}
		evicted = append(evicted, rm.peer)
	}
	return evicted, kept
}

func (r *Registry) dropLocked(t Transport, e *entry) int {
	delete(r.conns, t)
	if e.deviceID == "" {
		return 0
	}
	return r.releaseDeviceLocked(e.deviceID)
}

func (r *Registry) releaseDeviceLocked(deviceID string) int {
	n := r.devices[deviceID] - 1
	if n <= 0 {
		delete(r.devices, deviceID)
		return 0
	}
	r.devices[deviceID] = n
	return n
}
