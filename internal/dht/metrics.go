package dht

import (
	"sync/atomic"
	"time"
)

// Metrics is intentionally tiny and dependency-free.
// Implementations must be thread-safe.
type Metrics interface {
	IncRPC(kind string, ok bool)
	ObserveLookup(queries int, duration time.Duration, ok bool)
	SetTableSize(n int)
}

// NoopMetrics is the default.
type NoopMetrics struct{}

func (NoopMetrics) IncRPC(kind string, ok bool)                                {}
func (NoopMetrics) ObserveLookup(queries int, duration time.Duration, ok bool) {}
func (NoopMetrics) SetTableSize(n int)                                         {}

// AtomicMetrics is a lock-free counter set good enough for tests and
// periodic log snapshots.
type AtomicMetrics struct {
	rpcOK         atomic.Uint64
	rpcFail       atomic.Uint64
	lookups       atomic.Uint64
	lookupOK      atomic.Uint64
	lookupFail    atomic.Uint64
	lookupQueries atomic.Uint64
	tableSize     atomic.Int64
}

func (m *AtomicMetrics) IncRPC(kind string, ok bool) {
	if ok {
		m.rpcOK.Add(1)
	} else {
		m.rpcFail.Add(1)
	}
}

func (m *AtomicMetrics) ObserveLookup(queries int, duration time.Duration, ok bool) {
	m.lookups.Add(1)
	m.lookupQueries.Add(uint64(queries))
	if ok {
		m.lookupOK.Add(1)
	} else {
		m.lookupFail.Add(1)
	}
}

func (m *AtomicMetrics) SetTableSize(n int) { m.tableSize.Store(int64(n)) }

func (m *AtomicMetrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"rpc_ok":         m.rpcOK.Load(),
		"rpc_fail":       m.rpcFail.Load(),
		"lookups":        m.lookups.Load(),
		"lookup_ok":      m.lookupOK.Load(),
		"lookup_fail":    m.lookupFail.Load(),
		"lookup_queries": m.lookupQueries.Load(),
		"table_size":     uint64(m.tableSize.Load()),
	}
}
