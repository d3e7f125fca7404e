package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelfort/vmhub/internal/models"
)

var (
	ErrHostNotFound = errors.New("host not found")
	ErrHostRemoved  = errors.New("host removed")

	// ErrUIDConflict rejects a heartbeat claiming a server uid that another
	// host already owns. Uids embed the host id by convention, so this only
	// happens when an agent misbehaves.
	ErrUIDConflict = errors.New("server uid owned by another host")

	// ErrDuplicatePort rejects a heartbeat whose snapshot lists one port twice.
	ErrDuplicatePort = errors.New("duplicate port in heartbeat")
)

// BindingStore clears player bindings for reaped server uids. Implemented by
// the player-data store; called only after the registry lock is released.
type BindingStore interface {
	ClearServerBindings(ctx context.Context, serverUIDs []string) (int64, error)
}

// Server is the registry's view of one game-server process.
type Server struct {
	models.ServerSnapshot
	LastHeartbeat time.Time
	EmptySince    *time.Time
}

// Host is one worker machine and its server table. All fields are guarded by
// the registry mutex; callers only ever see copies.
type Host struct {
	ID                string
	Address           string
	ResourceID        *int64
	Status            models.HostStatus
	IsMaster          bool
	CreatedAt         time.Time
	LastHeartbeat     time.Time
	EmptySince        *time.Time
	TotalPlayers      int
	ShutdownRequested bool
	Servers           map[string]*Server

	seq int64 // registration order, drives deterministic iteration
}

// HeartbeatResult reports what one heartbeat application changed.
type HeartbeatResult struct {
	FirstHeartbeat  bool // host moved provisioning -> active
	AddedUIDs       []string
	RemovedUIDs     []string
	Command         string // models.CommandShutdown when the host must drain
	BindingsCleared int64
}

type waiter struct {
	ch chan models.ServerSnapshot
}

// Registry is the single authoritative in-memory view of worker hosts. One
// mutex serializes every read and write; nothing may perform I/O while
// holding it. Binding clears happen through the BindingStore after unlock.
type Registry struct {
	logger   *zap.Logger
	bindings BindingStore

	mu       sync.Mutex
	hosts    map[string]*Host
	uidIndex map[string]string // server uid -> host id
	waiters  map[string][]*waiter
	nextSeq  int64
}

func New(bindings BindingStore, logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		bindings: bindings,
		hosts:    make(map[string]*Host),
		uidIndex: make(map[string]string),
		waiters:  make(map[string][]*waiter),
	}
}

// RegisterMaster inserts the control plane's own host, already active. The
// master is a worker like any other except the lifecycle monitor never reaps
// it.
func (r *Registry) RegisterMaster(hostID, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.hosts[hostID] = &Host{
		ID:            hostID,
		Address:       address,
		Status:        models.HostStatusActive,
		IsMaster:      true,
		CreatedAt:     now,
		LastHeartbeat: now,
		Servers:       make(map[string]*Server),
		seq:           r.nextSeq,
	}
	r.nextSeq++
}

// RegisterProvisioning inserts a freshly created cloud host. It stays in
// provisioning until its agent's first heartbeat arrives. The agent can start
// beating while the provisioner is still probing readiness; a host that beat
// us here keeps its server table and only gains the resource linkage.
func (r *Registry) RegisterProvisioning(hostID, address string, resourceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if host, ok := r.hosts[hostID]; ok {
		host.Address = address
		host.ResourceID = &resourceID
		return
	}

	r.hosts[hostID] = &Host{
		ID:            hostID,
		Address:       address,
		ResourceID:    &resourceID,
		Status:        models.HostStatusProvisioning,
		CreatedAt:     time.Now(),
		LastHeartbeat: time.Now(),
		Servers:       make(map[string]*Server),
		seq:           r.nextSeq,
	}
	r.nextSeq++
}

// ApplyHeartbeat rewrites the host's server table from the snapshot, moves
// provisioning/inactive hosts back to active, recomputes the player totals
// and empty timers, and, after releasing the lock, clears player bindings
// for every removed uid. Heartbeats for unknown hosts upsert a new entry
// using peerAddr.
func (r *Registry) ApplyHeartbeat(ctx context.Context, hb *models.HeartbeatRequest, peerAddr string) (*HeartbeatResult, error) {
	now := time.Now()

	r.mu.Lock()
	host, ok := r.hosts[hb.HostID]
	if !ok {
		host = &Host{
			ID:        hb.HostID,
			Address:   peerAddr,
			Status:    models.HostStatusProvisioning,
			CreatedAt: now,
			Servers:   make(map[string]*Server),
			seq:       r.nextSeq,
		}
		r.nextSeq++
		r.hosts[hb.HostID] = host
	}

	// Validate the snapshot against the uid and port invariants before
	// touching anything.
	ports := make(map[int]struct{}, len(hb.Servers))
	for _, snap := range hb.Servers {
		if owner, claimed := r.uidIndex[snap.UID]; claimed && owner != hb.HostID {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s claimed by %s", ErrUIDConflict, snap.UID, owner)
		}
		if _, dup := ports[snap.Port]; dup {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: port %d", ErrDuplicatePort, snap.Port)
		}
		ports[snap.Port] = struct{}{}
	}

	result := &HeartbeatResult{}
	if host.Status == models.HostStatusProvisioning {
		result.FirstHeartbeat = true
	}
	if host.Status != models.HostStatusDraining {
		host.Status = models.HostStatusActive
	}
	host.LastHeartbeat = now

	hadServers := len(host.Servers) > 0

	// Rewrite the server table: additive plus remove-missing.
	seen := make(map[string]struct{}, len(hb.Servers))
	total := 0
	for _, snap := range hb.Servers {
		seen[snap.UID] = struct{}{}
		total += snap.PlayerCount

		existing, known := host.Servers[snap.UID]
		if !known {
			server := &Server{ServerSnapshot: snap, LastHeartbeat: now}
			if snap.PlayerCount == 0 {
				t := now
				server.EmptySince = &t
			}
			host.Servers[snap.UID] = server
			r.uidIndex[snap.UID] = hb.HostID
			result.AddedUIDs = append(result.AddedUIDs, snap.UID)
			continue
		}

		existing.ServerSnapshot = snap
		existing.LastHeartbeat = now
		if snap.PlayerCount > 0 {
			existing.EmptySince = nil
		} else if existing.EmptySince == nil {
			t := now
			existing.EmptySince = &t
		}
	}

	for uid := range host.Servers {
		if _, still := seen[uid]; !still {
			delete(host.Servers, uid)
			delete(r.uidIndex, uid)
			result.RemovedUIDs = append(result.RemovedUIDs, uid)
		}
	}
	sort.Strings(result.RemovedUIDs)

	host.TotalPlayers = total

	// Host-level empty timer: only hosts that currently have servers are
	// idle candidates, and any player resets the clock.
	if len(host.Servers) > 0 && total == 0 {
		if host.EmptySince == nil {
			t := now
			host.EmptySince = &t
		}
	} else {
		host.EmptySince = nil
	}

	if host.ShutdownRequested {
		result.Command = models.CommandShutdown
	}

	// Wake provisioning waiters on the first published server.
	var notify []*waiter
	var firstServer models.ServerSnapshot
	if !hadServers && len(host.Servers) > 0 && len(r.waiters[hb.HostID]) > 0 {
		notify = r.waiters[hb.HostID]
		delete(r.waiters, hb.HostID)
		firstServer = pickFirstServer(host)
	}
	r.mu.Unlock()

	for _, w := range notify {
		w.ch <- firstServer
		close(w.ch)
	}

	// Scoped binding clear, off-lock, before the caller responds: the next
	// matchmaker read must never observe a stale binding to a removed uid.
	if len(result.RemovedUIDs) > 0 {
		cleared, err := r.bindings.ClearServerBindings(ctx, result.RemovedUIDs)
		if err != nil {
			r.logger.Error("failed to clear bindings for removed servers",
				zap.String("host_id", hb.HostID),
				zap.Strings("uids", result.RemovedUIDs),
				zap.Error(err))
		}
		result.BindingsCleared = cleared
	}

	return result, nil
}

// pickFirstServer returns the lowest-port server; callers hold the lock.
func pickFirstServer(host *Host) models.ServerSnapshot {
	var best *Server
	for _, s := range host.Servers {
		if best == nil || s.Port < best.Port {
			best = s
		}
	}
	return best.ServerSnapshot
}

// WaitForFirstServer blocks until hostID publishes its first server through a
// heartbeat, the host is removed, or ctx expires. Used by the matchmaker's
// provisioning wait.
func (r *Registry) WaitForFirstServer(ctx context.Context, hostID string) (models.ServerSnapshot, error) {
	r.mu.Lock()
	host, ok := r.hosts[hostID]
	if !ok {
		r.mu.Unlock()
		return models.ServerSnapshot{}, ErrHostNotFound
	}
	if len(host.Servers) > 0 {
		snap := pickFirstServer(host)
		r.mu.Unlock()
		return snap, nil
	}

	w := &waiter{ch: make(chan models.ServerSnapshot, 1)}
	r.waiters[hostID] = append(r.waiters[hostID], w)
	r.mu.Unlock()

	defer r.dropWaiter(hostID, w)

	select {
	case snap, delivered := <-w.ch:
		if !delivered {
			return models.ServerSnapshot{}, ErrHostRemoved
		}
		return snap, nil
	case <-ctx.Done():
		return models.ServerSnapshot{}, ctx.Err()
	}
}

func (r *Registry) dropWaiter(hostID string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.waiters[hostID]
	for i, candidate := range list {
		if candidate == w {
			r.waiters[hostID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.waiters[hostID]) == 0 {
		delete(r.waiters, hostID)
	}
}

// Get returns a copy of one host.
func (r *Registry) Get(hostID string) (models.HostInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.hosts[hostID]
	if !ok {
		return models.HostInfo{}, false
	}
	return copyHost(host), true
}

// Hosts returns copies of every host in registration order.
func (r *Registry) Hosts() []models.HostInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	hosts := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].seq < hosts[j].seq })

	out := make([]models.HostInfo, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, copyHost(h))
	}
	return out
}

// ServerState is a rich copy of one server row, carrying the bookkeeping the
// lifecycle monitors read.
type ServerState struct {
	models.ServerSnapshot
	LastHeartbeat time.Time
	EmptySince    *time.Time
}

// ServerStates returns copies of hostID's servers ordered by uid.
func (r *Registry) ServerStates(hostID string) []ServerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.hosts[hostID]
	if !ok {
		return nil
	}
	out := make([]ServerState, 0, len(host.Servers))
	for _, s := range host.Servers {
		state := ServerState{ServerSnapshot: s.ServerSnapshot, LastHeartbeat: s.LastHeartbeat}
		if s.EmptySince != nil {
			t := *s.EmptySince
			state.EmptySince = &t
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// ServerCount returns how many servers hostID currently publishes.
func (r *Registry) ServerCount(hostID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.hosts[hostID]
	if !ok {
		return 0
	}
	return len(host.Servers)
}

// FindOwnedServer scans active hosts for ownerID's private server.
func (r *Registry) FindOwnedServer(ownerID int64) (models.HostInfo, models.ServerSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, host := range r.hosts {
		if host.Status != models.HostStatusActive {
			continue
		}
		for _, s := range host.Servers {
			if s.OwnerID != nil && *s.OwnerID == ownerID {
				return copyHost(host), s.ServerSnapshot, true
			}
		}
	}
	return models.HostInfo{}, models.ServerSnapshot{}, false
}

// FindBestPublicServer picks the joinable public server with the lowest
// player count, holding one seat back so a double-join race at the capacity
// boundary cannot overfill it. Ties break by host id, then uid.
func (r *Registry) FindBestPublicServer(capacity int) (models.HostInfo, models.ServerSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		bestHost   *Host
		bestServer *Server
	)
	for _, host := range r.hosts {
		if host.Status != models.HostStatusActive {
			continue
		}
		for _, s := range host.Servers {
			if s.OwnerID != nil {
				continue
			}
			if s.Status != models.ServerStatusStarting && s.Status != models.ServerStatusRunning {
				continue
			}
			if s.PlayerCount > capacity-2 {
				continue
			}
			if bestServer == nil || less(host, s, bestHost, bestServer) {
				bestHost, bestServer = host, s
			}
		}
	}
	if bestServer == nil {
		return models.HostInfo{}, models.ServerSnapshot{}, false
	}
	return copyHost(bestHost), bestServer.ServerSnapshot, true
}

func less(h1 *Host, s1 *Server, h2 *Host, s2 *Server) bool {
	if s1.PlayerCount != s2.PlayerCount {
		return s1.PlayerCount < s2.PlayerCount
	}
	if h1.ID != h2.ID {
		return h1.ID < h2.ID
	}
	return s1.UID < s2.UID
}

// ActiveRemoteHosts returns active non-master hosts in registration order.
func (r *Registry) ActiveRemoteHosts() []models.HostInfo {
	var out []models.HostInfo
	for _, info := range r.Hosts() {
		if info.IsMaster || info.Status != models.HostStatusActive {
			continue
		}
		out = append(out, info)
	}
	return out
}

// MarkInactive flags a host whose heartbeats stopped arriving.
func (r *Registry) MarkInactive(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if host, ok := r.hosts[hostID]; ok && !host.IsMaster {
		host.Status = models.HostStatusInactive
	}
}

// RequestShutdown moves a host to draining; its next heartbeat answer will
// carry the shutdown command.
func (r *Registry) RequestShutdown(hostID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if host, ok := r.hosts[hostID]; ok && !host.IsMaster {
		host.Status = models.HostStatusDraining
		host.ShutdownRequested = true
	}
}

// Remove drops a host and returns the uids of its servers so the caller can
// clear their bindings. Pending provision waiters are released with an error.
func (r *Registry) Remove(hostID string) []string {
	r.mu.Lock()

	host, ok := r.hosts[hostID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	var uids []string
	for uid := range host.Servers {
		uids = append(uids, uid)
		delete(r.uidIndex, uid)
	}
	sort.Strings(uids)
	delete(r.hosts, hostID)

	pending := r.waiters[hostID]
	delete(r.waiters, hostID)
	r.mu.Unlock()

	for _, w := range pending {
		close(w.ch)
	}
	return uids
}

// RemoveServers drops specific uids from a host's table and returns the ones
// actually present. Monitors call this after the corresponding agent RPCs.
func (r *Registry) RemoveServers(hostID string, uids []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.hosts[hostID]
	if !ok {
		return nil
	}

	var removed []string
	total := 0
	for _, uid := range uids {
		if _, present := host.Servers[uid]; present {
			delete(host.Servers, uid)
			delete(r.uidIndex, uid)
			removed = append(removed, uid)
		}
	}
	for _, s := range host.Servers {
		total += s.PlayerCount
	}
	host.TotalPlayers = total
	if len(host.Servers) == 0 {
		host.EmptySince = nil
	}
	return removed
}

// Stats is a point-in-time summary for metrics and the admin dashboard.
type Stats struct {
	HostsByStatus map[models.HostStatus]int
	Servers       int
	Players       int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{HostsByStatus: make(map[models.HostStatus]int)}
	for _, host := range r.hosts {
		stats.HostsByStatus[host.Status]++
		stats.Servers += len(host.Servers)
		stats.Players += host.TotalPlayers
	}
	return stats
}

func copyHost(h *Host) models.HostInfo {
	info := models.HostInfo{
		ID:            h.ID,
		Address:       h.Address,
		Status:        h.Status,
		IsMaster:      h.IsMaster,
		CreatedAt:     h.CreatedAt,
		LastHeartbeat: h.LastHeartbeat,
		TotalPlayers:  h.TotalPlayers,
	}
	if h.ResourceID != nil {
		rid := *h.ResourceID
		info.ResourceID = &rid
	}
	if h.EmptySince != nil {
		t := *h.EmptySince
		info.EmptySince = &t
	}
	servers := make([]models.ServerSnapshot, 0, len(h.Servers))
	for _, s := range h.Servers {
		servers = append(servers, s.ServerSnapshot)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].UID < servers[j].UID })
	info.Servers = servers
	return info
}
