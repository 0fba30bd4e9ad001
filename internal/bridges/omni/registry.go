package omni

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// DeviceRecord is the metadata Lockgate holds for one open connection.
type DeviceRecord struct {
	ID          string    `json:"id"`
	IMEI        string    `json:"imei,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Identified reports whether the connection has reported an IMEI.
func (d DeviceRecord) Identified() bool {
	return d.IMEI != ""
}

func (d DeviceRecord) clone() DeviceRecord {
	d.Status = d.Status.Clone()
	return d
}

// registryEntry pairs a transport with its record.
type registryEntry struct {
	conn   net.Conn
	record DeviceRecord
}

// Registry maps connection identities to live transports and device
// records.
//
// A transport is present if and only if its session's read loop is
// running. Records are copied in and out; callers never share memory with
// the registry. List returns a point-in-time snapshot, so an identity taken
// from it may be gone by the time it is used; Lookup then fails with
// ErrNotFound rather than handing out a stale transport.
//
// All methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		now:     time.Now,
	}
}

// Register adds a transport under the given identity.
// Registering an identity twice replaces the transport and resets the record.
func (r *Registry) Register(id string, conn net.Conn) {
	now := r.now()
	r.mu.Lock()
	r.entries[id] = &registryEntry{
		conn: conn,
		record: DeviceRecord{
			ID:          id,
			ConnectedAt: now,
			LastSeen:    now,
		},
	}
	r.mu.Unlock()
}

// Forget removes an identity. Forgetting an absent identity is a no-op.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// release removes an identity only while it still maps to conn, so a
// session that is shutting down cannot remove a newer connection that
// reused its address.
func (r *Registry) release(id string, conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.conn != conn {
		return false
	}
	delete(r.entries, id)
	return true
}

// UpdateIMEI binds an IMEI to a connection.
//
// Re-binding the same IMEI is a no-op. A different IMEI is rejected with
// ErrIMEIConflict; an IMEI is never changed while the connection is open.
//
// Returns:
//   - bool: true if this call bound the IMEI for the first time
//   - error: ErrNotFound or ErrIMEIConflict
func (r *Registry) UpdateIMEI(id, imei string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.record.LastSeen = r.now()

	switch e.record.IMEI {
	case "":
		e.record.IMEI = imei
		return true, nil
	case imei:
		return false, nil
	default:
		return false, fmt.Errorf("%w: connection %s identified as %s, got %s", ErrIMEIConflict, id, e.record.IMEI, imei)
	}
}

// UpdateStatus stores the latest status for a connection.
func (r *Registry) UpdateStatus(id string, status *Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.record.Status = status.Clone()
	e.record.LastSeen = r.now()
	return nil
}

// Touch records activity on a connection.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.record.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// Lookup returns the transport and a copy of the record for an identity.
func (r *Registry) Lookup(id string) (net.Conn, DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, DeviceRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.conn, e.record.clone(), nil
}

// LookupIMEI finds the connection a lock with the given IMEI is using.
//
// A lock that reconnects while its old socket is still open is briefly
// bound to two connections. The most recently connected one wins, then the
// most recently active, then the greater identity, so the answer never
// depends on map order.
func (r *Registry) LookupIMEI(imei string) (string, error) {
	if imei == "" {
		return "", fmt.Errorf("%w: empty imei", ErrNotFound)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *registryEntry
	for _, e := range r.entries {
		if e.record.IMEI == imei && (best == nil || newer(e.record, best.record)) {
			best = e
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: imei %s", ErrNotFound, imei)
	}
	return best.record.ID, nil
}

func newer(a, b DeviceRecord) bool {
	if !a.ConnectedAt.Equal(b.ConnectedAt) {
		return a.ConnectedAt.After(b.ConnectedAt)
	}
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.ID > b.ID
}

// supersededBy returns the other open connections bound to imei. Called
// when id has just bound it, they belong to earlier sessions of the same
// lock.
func (r *Registry) supersededBy(id, imei string) map[string]net.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale map[string]net.Conn
	for other, e := range r.entries {
		if other == id || e.record.IMEI != imei {
			continue
		}
		if stale == nil {
			stale = make(map[string]net.Conn)
		}
		stale[other] = e.conn
	}
	return stale
}

// List returns a snapshot of all records, ordered by identity.
func (r *Registry) List() []DeviceRecord {
	r.mu.RLock()
	records := make([]DeviceRecord, 0, len(r.entries))
	for _, e := range r.entries {
		records = append(records, e.record.clone())
	}
	r.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
	return records
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll closes every registered transport. Entries are left in place;
// each session removes its own entry as its read loop observes the close.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]net.Conn, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if c != nil {
			_ = c.Close() //nolint:errcheck // best-effort close during shutdown
		}
	}
}
