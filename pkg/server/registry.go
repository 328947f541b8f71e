package server

import (
	"net"
	"sync"
	"sync/atomic"
)

// Connection is one authenticated participant.
type Connection struct {
	ID        uint64
	Nickname  string
	Address   string // host part of the remote address
	IsAdmin   bool
	Transport string // "tcp", "ssh" or "websocket"
	Conn      *SafeConn
}

// Registry tracks live connections. Every entry is present in the ordered
// list and both indices, or in none of them.
type Registry struct {
	mu        sync.RWMutex
	conns     []*Connection
	byNick    map[string]*Connection
	byAddress map[string]map[uint64]*Connection
	nextID    uint64
	metrics   *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byNick:    make(map[string]*Connection),
		byAddress: make(map[string]map[uint64]*Connection),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// NextID allocates a connection ID.
func (r *Registry) NextID() uint64 {
	return atomic.AddUint64(&r.nextID, 1)
}

// Register inserts c. The duplicate check and the insert happen in one
// critical section.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	if _, taken := r.byNick[c.Nickname]; taken {
		r.mu.Unlock()
		return ErrDuplicateNickname
	}
	r.conns = append(r.conns, c)
	r.byNick[c.Nickname] = c
	ids := r.byAddress[c.Address]
	if ids == nil {
		ids = make(map[uint64]*Connection)
		r.byAddress[c.Address] = ids
	}
	ids[c.ID] = c
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.RecordActiveConnections(count)
	return nil
}

// Remove drops the connection with id. It reports false when the
// connection was already gone, so callers run teardown exactly once.
func (r *Registry) Remove(id uint64) (*Connection, bool) {
	r.mu.Lock()
	idx := -1
	for i, c := range r.conns {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return nil, false
	}

	c := r.conns[idx]
	r.conns = append(r.conns[:idx:idx], r.conns[idx+1:]...)
	delete(r.byNick, c.Nickname)
	if ids := r.byAddress[c.Address]; ids != nil {
		delete(ids, c.ID)
		if len(ids) == 0 {
			delete(r.byAddress, c.Address)
		}
	}
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.RecordActiveConnections(count)
	return c, true
}

// Lookup returns the live connection for nickname.
func (r *Registry) Lookup(nickname string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byNick[nickname]
	return c, ok
}

// AddressOf returns the address nickname connected from.
func (r *Registry) AddressOf(nickname string) (string, bool) {
	c, ok := r.Lookup(nickname)
	if !ok {
		return "", false
	}
	return c.Address, true
}

// ByAddress returns every connection from address.
func (r *Registry) ByAddress(address string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byAddress[address]
	result := make([]*Connection, 0, len(ids))
	for _, c := range r.conns {
		if _, ok := ids[c.ID]; ok {
			result = append(result, c)
		}
	}
	return result
}

// Snapshot returns the connections in registration order.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Connection, len(r.conns))
	copy(result, r.conns)
	return result
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.byNick = make(map[string]*Connection)
	r.byAddress = make(map[string]map[uint64]*Connection)
	r.mu.Unlock()

	for _, c := range conns {
		c.Conn.Close()
	}
	r.metrics.RecordActiveConnections(0)
}

// hostOf strips the port so bans survive reconnects from a new port.
func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
