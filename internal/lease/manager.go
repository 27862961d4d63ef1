package lease

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ssh-port-lease/internal/logging"
	"ssh-port-lease/internal/store"
)

const (
	DefaultMinutes       = 30
	MaxMinutes           = 24 * 60
	DefaultSweepInterval = 30 * time.Second

	opRequest = "request_port"
	opAddTime = "add_time"
	opLookup  = "lookup_port"
)

// Manager owns the lease table. Every operation runs under one mutex, so
// picking a free port and recording its lease happen as a unit, and an
// expired lease is reclaimed and its port reissued without a reader ever
// seeing the intermediate state. Store writes happen inside the same
// critical section and before the in-memory commit.
type Manager struct {
	mu        sync.Mutex
	leases    map[string]*Lease
	ports     map[int]string
	allocator *PortAllocator
	store     store.Store

	now            func() time.Time
	defaultMinutes int
	maxMinutes     int
	sweepInterval  time.Duration
	metrics        *Metrics
}

type Option func(*Manager)

// WithClock replaces the wall clock. The function must return UTC times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithDefaultMinutes(minutes int) Option {
	return func(m *Manager) {
		if minutes > 0 {
			m.defaultMinutes = minutes
		}
	}
}

// WithMaxMinutes lowers the longest lease a call may set. Values above
// MaxMinutes are clamped to it.
func WithMaxMinutes(minutes int) Option {
	return func(m *Manager) {
		if minutes > 0 {
			m.maxMinutes = min(minutes, MaxMinutes)
		}
	}
}

// WithSweepInterval sets how often RunReaper reclaims expired leases. Zero
// disables the sweep; expiry is still enforced on every call.
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = interval
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager builds a manager over allocator. A nil leaseStore keeps the
// table in memory only.
func NewManager(allocator *PortAllocator, leaseStore store.Store, opts ...Option) *Manager {
	if leaseStore == nil {
		leaseStore = store.NewMemory()
	}
	m := &Manager{
		leases:         make(map[string]*Lease),
		ports:          make(map[int]string),
		allocator:      allocator,
		store:          leaseStore,
		now:            func() time.Time { return time.Now().UTC() },
		defaultMinutes: DefaultMinutes,
		maxMinutes:     MaxMinutes,
		sweepInterval:  DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.defaultMinutes > m.maxMinutes {
		m.defaultMinutes = m.maxMinutes
	}
	m.metrics.observePool(0, allocator.Free())
	return m
}

// DefaultMinutes is the lease length used when a request does not name one.
func (m *Manager) DefaultMinutes() int {
	return m.defaultMinutes
}

// MaxMinutes is the longest lease a single call may set.
func (m *Manager) MaxMinutes() int {
	return m.maxMinutes
}

// RequestPort leases a port to macID for minutes (zero selects the
// default). A client that still holds an active lease keeps its port and
// gets a fresh cutoff.
func (m *Manager) RequestPort(ctx context.Context, macID string, minutes int) (Lease, error) {
	if macID == "" {
		return Lease{}, m.fail(opRequest, newError(KindInvalidClientID, opRequest, "macid is required", ErrInvalidClientID))
	}
	if minutes == 0 {
		minutes = m.defaultMinutes
	}
	if minutes < 0 || minutes > m.maxMinutes {
		return Lease{}, m.fail(opRequest, newError(KindInvalidParameter, opRequest, "minutes out of range", ErrInvalidMinutes))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if existing, ok := m.leases[macID]; ok {
		if existing.Active(now) {
			return m.extendLocked(ctx, opRequest, existing, now, minutes)
		}
		m.reclaimLocked(ctx, existing)
	}

	port, err := m.allocator.Acquire()
	if errors.Is(err, ErrNoPortsAvailable) && m.cleanupLocked(ctx, now) > 0 {
		port, err = m.allocator.Acquire()
	}
	if err != nil {
		return Lease{}, m.fail(opRequest, newError(KindPoolExhausted, opRequest, "no free port", ErrPoolExhausted))
	}

	created := Lease{
		MacID:      macID,
		Port:       port,
		Minutes:    minutes,
		CutoffTime: now.Add(time.Duration(minutes) * time.Minute),
	}
	if err := m.store.Save(ctx, created.record()); err != nil {
		m.allocator.Release(port)
		return Lease{}, m.fail(opRequest, newError(KindStorage, opRequest, "persist lease", err))
	}
	m.leases[macID] = &created
	m.ports[port] = macID
	m.metrics.allocated()
	m.metrics.observePool(len(m.leases), m.allocator.Free())
	return created, nil
}

// AddTime moves the cutoff of macID's active lease to now+minutes and keeps
// its port. An expired lease is not revived.
func (m *Manager) AddTime(ctx context.Context, macID string, minutes int) (Lease, error) {
	if macID == "" {
		return Lease{}, m.fail(opAddTime, newError(KindInvalidClientID, opAddTime, "macid is required", ErrInvalidClientID))
	}
	if minutes <= 0 || minutes > m.maxMinutes {
		return Lease{}, m.fail(opAddTime, newError(KindInvalidParameter, opAddTime, "minutes out of range", ErrInvalidMinutes))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	existing, ok := m.leases[macID]
	if !ok {
		return Lease{}, m.fail(opAddTime, newError(KindNotFound, opAddTime, "unknown macid", ErrLeaseNotFound))
	}
	if !existing.Active(now) {
		m.reclaimLocked(ctx, existing)
		return Lease{}, m.fail(opAddTime, newError(KindNotFound, opAddTime, "lease expired", ErrLeaseNotFound))
	}
	return m.extendLocked(ctx, opAddTime, existing, now, minutes)
}

// LookupPort returns the port of macID's active lease, or 0 when there is
// none.
func (m *Manager) LookupPort(ctx context.Context, macID string) (int, error) {
	if macID == "" {
		return 0, m.fail(opLookup, newError(KindInvalidClientID, opLookup, "macid is required", ErrInvalidClientID))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[macID]
	if !ok {
		return 0, nil
	}
	if !existing.Active(m.now()) {
		m.reclaimLocked(ctx, existing)
		return 0, nil
	}
	return existing.Port, nil
}

// Cleanup reclaims every lease whose cutoff is at or before now and returns
// how many were removed.
func (m *Manager) Cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(context.Background(), now)
}

// RunReaper sweeps expired leases every sweep interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context) error {
	if m.sweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := m.Cleanup(m.now()); removed > 0 {
				logging.L().Info("lease.sweep", "reclaimed", removed)
			}
		}
	}
}

// Restore loads persisted leases into an empty manager. Expired records and
// records whose port cannot be claimed are deleted from the store.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.leases) > 0 {
		return 0, newError(KindStorage, "restore", "lease table already populated", ErrTableNotEmpty)
	}
	records, err := m.store.List(ctx)
	if err != nil {
		return 0, newError(KindStorage, "restore", "list persisted leases", err)
	}
	now := m.now()
	restored := 0
	for _, rec := range records {
		restoredLease := fromRecord(rec)
		if m.leases[restoredLease.MacID] != nil {
			// The stored record may be the one backing the live lease.
			logging.WithMacID(rec.MacID).Info("lease.restore skipped", "port", rec.Port, "reason", "duplicate macid")
			continue
		}
		discard := ""
		switch {
		case restoredLease.MacID == "":
			discard = "missing macid"
		case !restoredLease.Active(now):
			discard = "expired"
		default:
			if err := m.allocator.Claim(restoredLease.Port); err != nil {
				discard = err.Error()
			}
		}
		if discard != "" {
			logging.WithMacID(rec.MacID).Info("lease.restore skipped", "port", rec.Port, "reason", discard)
			if err := m.store.Delete(ctx, rec.MacID); err != nil {
				logging.WithMacID(rec.MacID).Warn("lease.restore delete failed", "error", err)
			}
			continue
		}
		m.leases[restoredLease.MacID] = &restoredLease
		m.ports[restoredLease.Port] = restoredLease.MacID
		restored++
	}
	m.metrics.observePool(len(m.leases), m.allocator.Free())
	return restored, nil
}

// Leases returns the active leases ordered by port.
func (m *Manager) Leases() []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Lease, 0, len(m.leases))
	for _, l := range m.leases {
		if l.Active(now) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

type Stats struct {
	Leases    int `json:"leases"`
	FreePorts int `json:"free_ports"`
	PoolSize  int `json:"pool_size"`
}

// Stats counts active leases only. Expired leases awaiting the sweep are
// excluded even though their ports are not yet back in the pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	active := 0
	for _, l := range m.leases {
		if l.Active(now) {
			active++
		}
	}
	return Stats{
		Leases:    active,
		FreePorts: m.allocator.Free(),
		PoolSize:  m.allocator.Size(),
	}
}

func (m *Manager) extendLocked(ctx context.Context, op string, existing *Lease, now time.Time, minutes int) (Lease, error) {
	updated := *existing
	updated.Minutes = minutes
	updated.CutoffTime = now.Add(time.Duration(minutes) * time.Minute)
	if err := m.store.Save(ctx, updated.record()); err != nil {
		return Lease{}, m.fail(op, newError(KindStorage, op, "persist lease", err))
	}
	*existing = updated
	m.metrics.renewed(op)
	return updated, nil
}

func (m *Manager) cleanupLocked(ctx context.Context, now time.Time) int {
	removed := 0
	for _, l := range m.leases {
		if l.Active(now) {
			continue
		}
		m.reclaimLocked(ctx, l)
		removed++
	}
	return removed
}

// reclaimLocked drops an expired lease and returns its port to the pool. A
// failed store delete is only logged: the record is expired and Restore
// discards it.
func (m *Manager) reclaimLocked(ctx context.Context, l *Lease) {
	delete(m.leases, l.MacID)
	if m.ports[l.Port] == l.MacID {
		delete(m.ports, l.Port)
	}
	m.allocator.Release(l.Port)
	if err := m.store.Delete(ctx, l.MacID); err != nil {
		logging.WithMacID(l.MacID).Warn("lease.expire delete failed", "error", err)
	}
	m.metrics.expired()
	m.metrics.observePool(len(m.leases), m.allocator.Free())
	logging.WithMacID(l.MacID).Info("lease.expire", "port", l.Port, "cutoff_time", FormatCutoff(l.CutoffTime))
}

func (m *Manager) fail(op string, err *Error) error {
	m.metrics.failed(op, err.Kind)
	return err
}
