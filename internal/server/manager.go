package server

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Conn is what the manager needs from a served connection.
type Conn interface {
	ID() uint64
	Close() error
}

// ConnectionManager tracks the connections currently being served. It does
// not own them: closing is delegated back to each connection, which
// deregisters itself.
type ConnectionManager struct {
	logger hclog.Logger

	mu    sync.Mutex
	conns map[uint64]Conn
}

// NewConnectionManager creates an empty manager.
func NewConnectionManager(logger hclog.Logger) *ConnectionManager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &ConnectionManager{
		logger: logger.Named("manager"),
		conns:  make(map[uint64]Conn),
	}
}

// Register adds c. Registering an id twice replaces the earlier entry.
func (m *ConnectionManager) Register(c Conn) {
	m.mu.Lock()
	m.conns[c.ID()] = c
	n := len(m.conns)
	m.mu.Unlock()
	m.logger.Trace("registered", "conn", c.ID(), "active", n)
}

// Deregister removes id; unknown ids are ignored.
func (m *ConnectionManager) Deregister(id uint64) {
	m.mu.Lock()
	delete(m.conns, id)
	n := len(m.conns)
	m.mu.Unlock()
	m.logger.Trace("deregistered", "conn", id, "active", n)
}

// Len returns the number of registered connections.
func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Each calls fn for a snapshot of the registered connections.
func (m *ConnectionManager) Each(fn func(Conn)) {
	for _, c := range m.snapshot() {
		fn(c)
	}
}

// CloseAll closes every registered connection and empties the registry.
// Connections may deregister themselves while being closed.
func (m *ConnectionManager) CloseAll() error {
	conns := m.snapshot()
	m.logger.Debug("closing all connections", "count", len(conns))

	var result *multierror.Error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	m.mu.Lock()
	clear(m.conns)
	m.mu.Unlock()
	return result.ErrorOrNil()
}

func (m *ConnectionManager) snapshot() []Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}
