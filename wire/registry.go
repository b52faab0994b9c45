package wire

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/DasDarki/MagicWire/sessions"
)

var (
	// ErrAlreadyRegistered is returned when an object name is registered
	// twice. Registration is not idempotent; a duplicate is a caller bug.
	ErrAlreadyRegistered = errors.New("object already registered")
	// ErrNotWireable is returned for objects missing the wireable minimum: a
	// non-reserved, non-empty name.
	ErrNotWireable = errors.New("object is not wireable")
)

// Registry holds every managed object, indexed by name, together with the
// authority bookkeeping. The object-to-sessions set and its inverse
// session-to-objects index are kept under one lock so the bidirectional
// membership invariant cannot be observed half-updated.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]*Object
	authority map[string]map[string]struct{} // object name -> owning session IDs
	owned     map[string]map[string]struct{} // session ID -> owned object names
	notifier  Notifier
}

// NewRegistry constructs an empty object registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*Object),
		authority: make(map[string]map[string]struct{}),
		owned:     make(map[string]map[string]struct{}),
	}
}

// Bind installs the notifier that registered objects report field changes
// and events to. Objects registered earlier are rebound.
func (r *Registry) Bind(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	objs := make([]*Object, 0, len(r.byName))
	for _, o := range r.byName {
		objs = append(objs, o)
	}
	r.mu.Unlock()
	for _, o := range objs {
		o.bind(n)
	}
}

// Register adds an object to the registry. Registering the same name twice
// is an error, not a no-op.
func (r *Registry) Register(obj *Object) error {
	if obj == nil || obj.name == "" || strings.HasPrefix(obj.name, "$") {
		return ErrNotWireable
	}

	r.mu.Lock()
	if _, exists := r.byName[obj.name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, obj.name)
	}
	r.byName[obj.name] = obj
	n := r.notifier
	r.mu.Unlock()

	if n != nil {
		obj.bind(n)
	}
	return nil
}

// Lookup resolves an object by name.
func (r *Registry) Lookup(name string) (*Object, bool) {
	r.mu.RLock()
	obj, ok := r.byName[name]
	r.mu.RUnlock()
	return obj, ok
}

// Objects returns every registered object, sorted by name for deterministic
// iteration.
func (r *Registry) Objects() []*Object {
	r.mu.RLock()
	out := make([]*Object, 0, len(r.byName))
	for _, o := range r.byName {
		out = append(out, o)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// SetAuthority adds the session to the object's authority set and the object
// to the session's authority list. Adding twice is a no-op.
func (r *Registry) SetAuthority(obj *Object, sess *sessions.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.authority[obj.name]
	if !ok {
		set = make(map[string]struct{})
		r.authority[obj.name] = set
	}
	set[sess.ID()] = struct{}{}

	names, ok := r.owned[sess.ID()]
	if !ok {
		names = make(map[string]struct{})
		r.owned[sess.ID()] = names
	}
	names[obj.name] = struct{}{}
}

// RemoveAuthority is the symmetric removal; a non-member is a no-op.
func (r *Registry) RemoveAuthority(obj *Object, sess *sessions.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(obj.name, sess.ID())
}

func (r *Registry) removeLocked(objName, sessID string) {
	if set, ok := r.authority[objName]; ok {
		delete(set, sessID)
		if len(set) == 0 {
			delete(r.authority, objName)
		}
	}
	if names, ok := r.owned[sessID]; ok {
		delete(names, objName)
		if len(names) == 0 {
			delete(r.owned, sessID)
		}
	}
}

// ClearAuthorities empties the object's authority set without touching any
// session's authority list. Asymmetric by design: it is an administrative
// reset, and callers needing symmetry must also disown from the session side.
func (r *Registry) ClearAuthorities(obj *Object) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.authority, obj.name)
}

// ReleaseSession removes the session from the authority set of every object
// it owns. Wired into the session registry's destruction path.
func (r *Registry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for objName := range r.owned[sessionID] {
		if set, ok := r.authority[objName]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(r.authority, objName)
			}
		}
	}
	delete(r.owned, sessionID)
}

// Authorized reports whether the session may see and invoke the object. An
// empty authority set means public.
func (r *Registry) Authorized(obj *Object, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.authority[obj.name]
	if !ok || len(set) == 0 {
		return true
	}
	_, member := set[sessionID]
	return member
}

// AuthoritySessions returns the object's owning session IDs. restricted is
// false for public objects.
func (r *Registry) AuthoritySessions(obj *Object) (ids []string, restricted bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.authority[obj.name]
	if !ok || len(set) == 0 {
		return nil, false
	}
	ids = make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, true
}

// OwnedBy returns the names of every object the session owns, sorted.
func (r *Registry) OwnedBy(sessionID string) []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.owned[sessionID]))
	for name := range r.owned[sessionID] {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// VisibleTo returns every object the session may see in its Init snapshot:
// public objects plus those whose authority set contains the session.
func (r *Registry) VisibleTo(sessionID string) []*Object {
	all := r.Objects()
	out := make([]*Object, 0, len(all))
	for _, obj := range all {
		if r.Authorized(obj, sessionID) {
			out = append(out, obj)
		}
	}
	return out
}
