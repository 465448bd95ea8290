// Package contracker implements connection admission control: a global
// concurrency limit plus a per-remote-IP limit, each a counted
// semaphore built the way the pack's simplest SMTP servers build theirs
// (a buffered channel used as a semaphore), generalized here to a pair
// of semaphores so a single abusive IP cannot exhaust the global slot
// pool.
package contracker

import "sync"

// Tracker admits connections under a global limit and a per-IP limit.
// The zero value is not usable; use New.
type Tracker struct {
	global chan struct{}

	mu      sync.Mutex
	perIP   map[string]chan struct{}
	refs    map[string]int
	maxPerIP int
}

// New returns a Tracker allowing at most maxGlobal concurrently admitted
// connections in total, and at most maxPerIP from any single remote IP.
// A value of 0 for either means unlimited.
func New(maxGlobal, maxPerIP int) *Tracker {
	t := &Tracker{
		perIP:    map[string]chan struct{}{},
		refs:     map[string]int{},
		maxPerIP: maxPerIP,
	}
	if maxGlobal > 0 {
		t.global = make(chan struct{}, maxGlobal)
	}
	return t
}

// Handle is a scoped lease on one global slot and one per-IP slot.
// Release is idempotent; a zero-value Handle's Release is a no-op.
type Handle struct {
	t        *Tracker
	ip       string
	sem      chan struct{}
	released bool
	mu       sync.Mutex
}

// semFor returns (creating if necessary) the per-IP semaphore for ip,
// bumping its reference count. Must be called with t.mu held.
func (t *Tracker) semFor(ip string) chan struct{} {
	sem, ok := t.perIP[ip]
	if !ok {
		cap := t.maxPerIP
		if cap <= 0 {
			cap = 1 << 30 // effectively unlimited, but still a valid buffered channel
		}
		sem = make(chan struct{}, cap)
		t.perIP[ip] = sem
	}
	t.refs[ip]++
	return sem
}

// TryAcquire attempts to admit a connection from remoteIP. It returns
// (handle, true) on success, or (nil, false) if either the global or
// the per-IP limit is currently exhausted. Acquisition order is
// global-then-per-IP; on per-IP failure the global permit is released
// immediately, so TryAcquire never leaks a permit on a failed call.
func (t *Tracker) TryAcquire(remoteIP string) (*Handle, bool) {
	if t.global != nil {
		select {
		case t.global <- struct{}{}:
		default:
			return nil, false
		}
	}

	t.mu.Lock()
	sem := t.semFor(remoteIP)
	t.mu.Unlock()

	select {
	case sem <- struct{}{}:
	default:
		t.mu.Lock()
		t.releaseIPRef(remoteIP)
		t.mu.Unlock()
		if t.global != nil {
			<-t.global
		}
		return nil, false
	}

	return &Handle{t: t, ip: remoteIP, sem: sem}, true
}

// Count returns the number of currently live Handles for remoteIP.
func (t *Tracker) Count(remoteIP string) int {
	t.mu.Lock()
	sem, ok := t.perIP[remoteIP]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return len(sem)
}

// releaseIPRef decrements remoteIP's reference count, reclaiming the
// entry once it reaches zero. Must be called with t.mu held.
func (t *Tracker) releaseIPRef(remoteIP string) {
	t.refs[remoteIP]--
	if t.refs[remoteIP] <= 0 {
		delete(t.refs, remoteIP)
		delete(t.perIP, remoteIP)
	}
}

// Release returns the handle's slots to the tracker. It is safe to call
// multiple times; only the first call has an effect.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	<-h.sem
	h.t.mu.Lock()
	h.t.releaseIPRef(h.ip)
	h.t.mu.Unlock()

	if h.t.global != nil {
		<-h.t.global
	}
}
