package relay

import "sync/atomic"

// Stats holds process-lifetime counters exposed read-only by the
// admin/observability surface (§4.7). Every field is updated with atomics
// so the relay's hot path never takes a lock just to bump a counter.
type Stats struct {
	ConnectionsAccepted atomic.Int64
	ConnectionsRejected atomic.Int64
	ActiveSessions      atomic.Int64
	BytesRelayed        atomic.Int64
	FilesRelayed        atomic.Int64
}

// Snapshot is a point-in-time copy of Stats suitable for JSON encoding.
type Snapshot struct {
	ConnectionsAccepted int64 `json:"connections_accepted"`
	ConnectionsRejected int64 `json:"connections_rejected"`
	ActiveSessions      int64 `json:"active_sessions"`
	BytesRelayed        int64 `json:"bytes_relayed"`
	FilesRelayed        int64 `json:"files_relayed"`
}

// Snapshot reads every counter into a plain struct.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsAccepted: s.ConnectionsAccepted.Load(),
		ConnectionsRejected: s.ConnectionsRejected.Load(),
		ActiveSessions:      s.ActiveSessions.Load(),
		BytesRelayed:        s.BytesRelayed.Load(),
		FilesRelayed:        s.FilesRelayed.Load(),
	}
}
