package sdk

import (
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/Mauler125/r5sdk-sub022/pkg/detour"
)

type entry struct {
	d     Descriptor
	state State
}

// Registry is the ordered set of descriptors. Its membership is fixed at
// construction.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
	log     log.Interface
}

// NewRegistry calls every factory in table order.
func NewRegistry(table []Factory) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*entry, len(table)),
		log:    log.Log,
	}
	for i, f := range table {
		if f == nil {
			return nil, errors.Errorf("factory %d is nil", i)
		}
		d := f()
		if d == nil {
			return nil, errors.Errorf("factory %d returned no descriptor", i)
		}
		name := d.Name()
		if _, ok := r.byName[name]; ok {
			return nil, errors.Wrap(ErrDuplicate, name)
		}
		e := &entry{d: d}
		r.entries = append(r.entries, e)
		r.byName[name] = e
	}
	return r, nil
}

func (r *Registry) WithLogger(l log.Interface) *Registry {
	if l != nil {
		r.log = l
	}
	return r
}

func (r *Registry) Len() int { return len(r.entries) }

// Names returns descriptor names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.d.Name()
	}
	return names
}

// State returns the lifecycle state of the named descriptor.
func (r *Registry) State(name string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return Unresolved, false
	}
	return e.state, true
}

// Resolve runs the GetFun, GetVar and GetCon sweeps over every descriptor
// that has not been resolved yet.
func (r *Registry) Resolve(res *Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(Unresolved, FunctionsResolved, func(d Descriptor) { d.GetFun(res) })
	r.sweep(FunctionsResolved, VariablesResolved, func(d Descriptor) { d.GetVar(res) })
	r.sweep(VariablesResolved, ConstantsResolved, func(d Descriptor) { d.GetCon(res) })
}

func (r *Registry) sweep(from, to State, fn func(Descriptor)) {
	for _, e := range r.entries {
		if e.state != from {
			continue
		}
		fn(e.d)
		e.state = to
	}
}

// AttachAll reports and queues the detours of every resolved descriptor in
// one transaction of m. Descriptors are marked attached only if the commit
// succeeds.
func (r *Registry) AttachAll(m *detour.Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := m.Begin()
	var batch []*entry
	for _, e := range r.entries {
		if !e.state.CanAttach() {
			if e.state == Attached {
				continue
			}
			tx.Abort()
			return errors.Wrapf(ErrNotResolved, "%s is %v", e.d.Name(), e.state)
		}
		e.d.GetAdr(r.log.WithField("descriptor", e.d.Name()))
		e.d.Attach(tx)
		batch = append(batch, e)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, e := range batch {
		e.state = Attached
	}
	r.log.WithField("descriptors", len(batch)).Info("detours attached")
	return nil
}

// DetachAll removes the detours of every attached descriptor in one
// transaction.
func (r *Registry) DetachAll(m *detour.Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := m.Begin()
	var batch []*entry
	for _, e := range r.entries {
		if e.state != Attached {
			continue
		}
		e.d.Detach(tx)
		batch = append(batch, e)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, e := range batch {
		e.state = Detached
	}
	r.log.WithField("descriptors", len(batch)).Info("detours detached")
	return nil
}

// Toggle attaches or detaches one descriptor on demand. Turning on a
// descriptor that is already attached, or off one that is not, does
// nothing.
func (r *Registry) Toggle(m *detour.Manager, name string, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return errors.Wrap(ErrUnknownDescriptor, name)
	}
	if on == (e.state == Attached) {
		return nil
	}
	if on && !e.state.CanAttach() {
		return errors.Wrapf(ErrNotResolved, "%s is %v", name, e.state)
	}
	tx := m.Begin()
	next := Detached
	if on {
		e.d.GetAdr(r.log.WithField("descriptor", name))
		e.d.Attach(tx)
		next = Attached
	} else {
		e.d.Detach(tx)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.state = next
	r.log.WithFields(log.Fields{"descriptor": name, "state": next.String()}).Info("descriptor toggled")
	return nil
}
