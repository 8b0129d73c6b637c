// Package registry implements AppRegistry (SPEC_FULL.md §4.5): the
// in-memory public_key -> OnlineApplication index that merges observed
// liveness facts (from AppMonitor) with persisted facts (from
// PersistedStore) under a single mutex. A small mutex-guarded map type
// exposes its own narrow read/write API, rather than exposing the map
// itself.
package registry

import (
	"bytes"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/alljoyn/core-securitymgr/internal/model"
)

// ChangeListener is notified with the before/after pair whenever an
// entry's liveness or claim state changes. Registry calls listeners
// outside of its own lock (SPEC_FULL.md §5: registry_lock and
// listener_lock must never be held simultaneously), so a listener must
// not assume exclusivity.
type ChangeListener func(old, new model.OnlineApplication)

// Registry is C7.
type Registry struct {
	mu        sync.Mutex
	byPubKey  map[model.PublicKey]model.OnlineApplication
	listeners []ChangeListener
	selfBus   string
}

// New returns an empty Registry. selfBusName identifies the agent's own
// bus attachment so its self-announcements are dropped rather than
// tracked as a remote application.
func New(selfBusName string) *Registry {
	return &Registry{byPubKey: make(map[model.PublicKey]model.OnlineApplication), selfBus: selfBusName}
}

// AddListener registers l to be called on every future state change.
func (r *Registry) AddListener(l ChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Load seeds the registry from persisted applications at startup, with
// bus_name left empty (offline) until AppMonitor reports otherwise.
func (r *Registry) Load(apps []model.Application) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, app := range apps {
		r.byPubKey[app.PublicKey] = model.OnlineApplication{Application: app}
	}
}

// ObserveAnnouncement merges an AppMonitor sighting: inserts a new entry
// if the key is absent, or updates bus_name/claim_state if present, and in
// either case notifies listeners of the before/after pair. Self-announcements
// (matching the agent's own bus name) are dropped.
func (r *Registry) ObserveAnnouncement(busName string, pubKey model.PublicKey, state model.ClaimState) {
	if busName != "" && busName == r.selfBus {
		return
	}

	r.mu.Lock()
	before, existed := r.byPubKey[pubKey]
	after := before
	if !existed {
		after = model.OnlineApplication{
			Application: model.Application{PublicKey: pubKey, AuthorityKeyID: pubKey.AKI()},
		}
	}
	after.BusName = busName
	after.ClaimState = state
	r.byPubKey[pubKey] = after
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if !existed || before != after {
		r.notify(listeners, before, after)
	}
}

// ObserveLost clears bus_name on the entry matching busName and notifies.
func (r *Registry) ObserveLost(busName string) {
	r.mu.Lock()
	var before, after model.OnlineApplication
	var found bool
	for k, v := range r.byPubKey {
		if v.BusName == busName {
			before = v
			after = v
			after.BusName = ""
			r.byPubKey[k] = after
			found = true
			break
		}
	}
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if found {
		r.notify(listeners, before, after)
	}
}

// SetUpdatesPending updates the in-memory UpdatesPending flag for pubKey
// and notifies listeners iff the flag actually changed.
func (r *Registry) SetUpdatesPending(pubKey model.PublicKey, pending bool) {
	r.mu.Lock()
	before, ok := r.byPubKey[pubKey]
	if !ok || before.UpdatesPending == pending {
		r.mu.Unlock()
		return
	}
	after := before
	after.UpdatesPending = pending
	r.byPubKey[pubKey] = after
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.notify(listeners, before, after)
}

// SetClaimState directly sets an entry's claim state (used by the claim
// driver once a Claim attempt commits), notifying listeners.
func (r *Registry) SetClaimState(pubKey model.PublicKey, state model.ClaimState) {
	r.mu.Lock()
	before, ok := r.byPubKey[pubKey]
	if !ok {
		r.mu.Unlock()
		return
	}
	after := before
	after.ClaimState = state
	r.byPubKey[pubKey] = after
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	if before != after {
		r.notify(listeners, before, after)
	}
}

// Remove deletes pubKey's entry entirely, used when PersistedStore's
// remove_application has committed.
func (r *Registry) Remove(pubKey model.PublicKey) {
	r.mu.Lock()
	delete(r.byPubKey, pubKey)
	r.mu.Unlock()
}

// Get returns the entry for pubKey, if any.
func (r *Registry) Get(pubKey model.PublicKey) (model.OnlineApplication, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.byPubKey[pubKey]
	return app, ok
}

// List returns every entry whose claim state matches filter, sorted by
// public key so callers (the CLI table view, the admin API) see stable
// output across calls rather than Go's randomized map order. Pass
// model.ClaimStateUnknown to return every entry regardless of state.
func (r *Registry) List(filter model.ClaimState) []model.OnlineApplication {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OnlineApplication
	for _, app := range r.byPubKey {
		if filter == model.ClaimStateUnknown || app.ClaimState == filter {
			out = append(out, app)
		}
	}
	slices.SortFunc(out, func(a, b model.OnlineApplication) int {
		return bytes.Compare(a.PublicKey[:], b.PublicKey[:])
	})
	return out
}

func (r *Registry) snapshotListeners() []ChangeListener {
	return append([]ChangeListener(nil), r.listeners...)
}

func (r *Registry) notify(listeners []ChangeListener, old, new model.OnlineApplication) {
	for _, l := range listeners {
		l(old, new)
	}
}
