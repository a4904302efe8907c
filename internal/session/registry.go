package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"scout/backend/internal/domain"
	"scout/backend/internal/sandbox"
)

// ErrClosed is returned to callers that were waiting on a sandbox whose
// session was torn down before creation finished.
var ErrClosed = errors.New("session was closed")

// SandboxService is the slice of the sandbox client the registry needs.
type SandboxService interface {
	CreateSession(ctx context.Context, opts sandbox.SessionOpts) (*sandbox.Handle, error)
	Release(ctx context.Context, h *sandbox.Handle) error
}

// sandboxSlot reserves one flavor of sandbox for a session. The slot is
// published under the registry lock before the remote create starts, so
// concurrent callers wait on ready instead of racing a second create.
type sandboxSlot struct {
	ready  chan struct{}
	handle *sandbox.Handle
	err    error
}

type entry struct {
	datasets    []domain.DatasetInfo
	documents   []domain.DocumentInfo
	profile     *domain.CompanyProfile
	competitors []domain.Competitor
	comparison  *domain.Comparison
	sandboxes   map[string]*sandboxSlot
	lastUse     time.Time
}

// Registry owns all per-session state. Every map access goes through one
// RWMutex; sessions come into existence on first attach or sandbox request
// and disappear on Close.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	service      SandboxService
	searchAPIKey string
	onClose      func(sessionKey string)
}

// New builds a registry around the sandbox service. onClose runs after
// handle release on every Close so sibling stores (the document index) can
// drop their per-session state; it may be nil.
func New(service SandboxService, searchAPIKey string, onClose func(sessionKey string)) *Registry {
	return &Registry{
		sessions:     map[string]*entry{},
		service:      service,
		searchAPIKey: searchAPIKey,
		onClose:      onClose,
	}
}

func (r *Registry) ensureLocked(key string) *entry {
	st, ok := r.sessions[key]
	if !ok {
		st = &entry{sandboxes: map[string]*sandboxSlot{}}
		r.sessions[key] = st
	}
	st.lastUse = time.Now()
	return st
}

func (r *Registry) AttachDataset(key string, info domain.DatasetInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ensureLocked(key)
	st.datasets = append(st.datasets, info)
}

func (r *Registry) Datasets(key string) []domain.DatasetInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[key]
	if !ok {
		return nil
	}
	return append([]domain.DatasetInfo(nil), st.datasets...)
}

func (r *Registry) AttachDocument(key string, info domain.DocumentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ensureLocked(key)
	st.documents = append(st.documents, info)
}

func (r *Registry) Documents(key string) []domain.DocumentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[key]
	if !ok {
		return nil
	}
	return append([]domain.DocumentInfo(nil), st.documents...)
}

func (r *Registry) SetProfile(key string, profile domain.CompanyProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ensureLocked(key)
	st.profile = &profile
}

func (r *Registry) Profile(key string) (domain.CompanyProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[key]
	if !ok || st.profile == nil {
		return domain.CompanyProfile{}, false
	}
	return *st.profile, true
}

// SetCompetitors replaces the session's competitor list. Any cached
// comparison derives from the old list or its scraped content, so it is
// dropped here.
func (r *Registry) SetCompetitors(key string, competitors []domain.Competitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ensureLocked(key)
	st.competitors = append([]domain.Competitor(nil), competitors...)
	st.comparison = nil
}

func (r *Registry) Competitors(key string) []domain.Competitor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[key]
	if !ok {
		return nil
	}
	return append([]domain.Competitor(nil), st.competitors...)
}

func (r *Registry) SetComparison(key string, comparison domain.Comparison) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.ensureLocked(key)
	st.comparison = &comparison
}

func (r *Registry) Comparison(key string) (domain.Comparison, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[key]
	if !ok || st.comparison == nil {
		return domain.Comparison{}, false
	}
	return *st.comparison, true
}

// Touch marks the session as recently used without touching its contents.
func (r *Registry) Touch(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sessions[key]; ok {
		st.lastUse = time.Now()
	}
}

// Sandbox returns the session's sandbox of the given flavor, creating it on
// first use. The slot is claimed under the lock before the remote call, so
// two concurrent requests for the same session and flavor yield exactly one
// create; the loser waits for the winner's result.
func (r *Registry) Sandbox(ctx context.Context, key, flavor string) (*sandbox.Handle, error) {
	if flavor == "" {
		flavor = sandbox.FlavorExec
	}

	r.mu.Lock()
	st := r.ensureLocked(key)
	if slot, ok := st.sandboxes[flavor]; ok {
		r.mu.Unlock()
		return awaitSlot(ctx, slot)
	}
	slot := &sandboxSlot{ready: make(chan struct{})}
	st.sandboxes[flavor] = slot
	r.mu.Unlock()

	opts := sandbox.SessionOpts{Flavor: flavor}
	if flavor != sandbox.FlavorExec {
		opts.SearchAPIKey = r.searchAPIKey
	}
	handle, err := r.service.CreateSession(ctx, opts)

	r.mu.Lock()
	st, live := r.sessions[key]
	owned := live && st.sandboxes[flavor] == slot
	switch {
	case err != nil:
		slot.err = err
		if owned {
			delete(st.sandboxes, flavor)
		}
	case owned:
		slot.handle = handle
	default:
		slot.err = ErrClosed
	}
	r.mu.Unlock()
	close(slot.ready)

	if err != nil {
		return nil, err
	}
	if !owned {
		// the session was closed while the create was in flight
		r.releaseHandle(key, flavor, handle)
		return nil, ErrClosed
	}
	return handle, nil
}

func awaitSlot(ctx context.Context, slot *sandboxSlot) (*sandbox.Handle, error) {
	select {
	case <-slot.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if slot.err != nil {
		return nil, slot.err
	}
	return slot.handle, nil
}

// Close tears the session down. Calling it twice, or for a session that was
// never created, is a no-op. Handles still being created are released by
// their creator once it notices the session is gone.
func (r *Registry) Close(key string) {
	r.mu.Lock()
	st, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	for flavor, slot := range st.sandboxes {
		select {
		case <-slot.ready:
			if slot.handle != nil {
				r.releaseHandle(key, flavor, slot.handle)
			}
		default:
		}
	}
	if r.onClose != nil {
		r.onClose(key)
	}
}

// CloseFlavor releases one sandbox flavor of the session and leaves the rest
// of the session intact. The next request for that flavor creates a fresh
// sandbox. Unknown sessions and flavors are a no-op.
func (r *Registry) CloseFlavor(key, flavor string) {
	r.mu.Lock()
	var slot *sandboxSlot
	if st, ok := r.sessions[key]; ok {
		slot = st.sandboxes[flavor]
		delete(st.sandboxes, flavor)
	}
	r.mu.Unlock()
	if slot == nil {
		return
	}

	select {
	case <-slot.ready:
		if slot.err == nil && slot.handle != nil {
			r.releaseHandle(key, flavor, slot.handle)
		}
	default:
		// an in-flight create sees its slot was discarded and releases the
		// handle itself
	}
}

// CloseAll closes every live session. Used by signal/exit teardown and the
// admin cleanup endpoint.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.Close(key)
	}
}

// ReapIdle releases sandbox handles of sessions idle longer than maxIdle.
// Attached data survives; a reaped sandbox is recreated on next use. Returns
// the number of handles released.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	type victim struct {
		key    string
		flavor string
		handle *sandbox.Handle
	}
	now := time.Now()
	var victims []victim

	r.mu.Lock()
	for key, st := range r.sessions {
		if now.Sub(st.lastUse) <= maxIdle {
			continue
		}
		for flavor, slot := range st.sandboxes {
			select {
			case <-slot.ready:
			default:
				continue
			}
			if slot.err == nil && slot.handle != nil {
				victims = append(victims, victim{key: key, flavor: flavor, handle: slot.handle})
			}
			delete(st.sandboxes, flavor)
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.releaseHandle(v.key, v.flavor, v.handle)
	}
	return len(victims)
}

// Stats reports live session and sandbox counts for the health endpoint.
func (r *Registry) Stats() (sessions, sandboxes int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions = len(r.sessions)
	for _, st := range r.sessions {
		sandboxes += len(st.sandboxes)
	}
	return sessions, sandboxes
}

// releaseHandle is best-effort: a handle that fails to release is logged and
// dropped, never retried. The vendor reaps stragglers by keepalive timeout.
func (r *Registry) releaseHandle(key, flavor string, h *sandbox.Handle) {
	if err := r.service.Release(context.Background(), h); err != nil {
		log.Printf("event=sandbox_release_failed session=%s flavor=%s err=%v", key, flavor, err)
	}
}
