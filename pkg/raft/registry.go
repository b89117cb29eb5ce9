package raft

import (
	"slices"
	"sync"
	"time"
)

type EndpointInfo struct {
	Id                  EndpointId
	Reachable           bool
	ConsecutiveFailures int
	LastContact         time.Time
	LastError           error
}

// Registry is the membership view of a server: the set of remote endpoints
// it knows about along with their liveness. The local endpoint is not part
// of the registry but always counts as a member.
type Registry struct {
	localId          EndpointId
	failureThreshold int

	endpoints map[EndpointId]*EndpointInfo
	mu        sync.RWMutex
}

func NewRegistry(localId EndpointId, failureThreshold int) *Registry {
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	return &Registry{
		localId:          localId,
		failureThreshold: failureThreshold,

		endpoints: make(map[EndpointId]*EndpointInfo),
	}
}

func (r *Registry) Add(id EndpointId) bool {
	if id == r.localId {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.endpoints[id]; found {
		return false
	}

	r.endpoints[id] = &EndpointInfo{
		Id:        id,
		Reachable: true,
	}

	return true
}

func (r *Registry) Remove(id EndpointId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.endpoints[id]; !found {
		return false
	}

	delete(r.endpoints, id)
	return true
}

func (r *Registry) Contains(id EndpointId) bool {
	r.mu.RLock()
	_, found := r.endpoints[id]
	r.mu.RUnlock()

	return found
}

// Ids returns the identifiers of remote endpoints in ascending order.
func (r *Registry) Ids() []EndpointId {
	r.mu.RLock()
	ids := make([]EndpointId, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Members is the number of grid members, the local endpoint included.
func (r *Registry) Members() int {
	r.mu.RLock()
	n := len(r.endpoints)
	r.mu.RUnlock()

	return n + 1
}

// Quorum is the strict majority of the registered membership.
func (r *Registry) Quorum() int {
	return r.Members()/2 + 1
}

func (r *Registry) Info(id EndpointId) (EndpointInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, found := r.endpoints[id]
	if !found {
		return EndpointInfo{}, false
	}

	return *info, true
}

func (r *Registry) Reachable(id EndpointId) bool {
	info, found := r.Info(id)
	return found && info.Reachable
}

// RecordContact marks an endpoint as reachable. It returns true if the
// endpoint was previously unreachable.
func (r *Registry) RecordContact(id EndpointId, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, found := r.endpoints[id]
	if !found {
		return false
	}

	recovered := !info.Reachable

	info.Reachable = true
	info.ConsecutiveFailures = 0
	info.LastContact = now
	info.LastError = nil

	return recovered
}

// RecordFailure counts a delivery failure. It returns true when the
// endpoint crosses the failure threshold and becomes unreachable.
func (r *Registry) RecordFailure(id EndpointId, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, found := r.endpoints[id]
	if !found {
		return false
	}

	info.ConsecutiveFailures++
	info.LastError = err

	if info.Reachable && info.ConsecutiveFailures >= r.failureThreshold {
		info.Reachable = false
		return true
	}

	return false
}

func (r *Registry) Infos() []EndpointInfo {
	r.mu.RLock()
	infos := make([]EndpointInfo, 0, len(r.endpoints))
	for _, info := range r.endpoints {
		infos = append(infos, *info)
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b EndpointInfo) int {
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		default:
			return 0
		}
	})

	return infos
}
