package detour

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/Mauler125/r5sdk-sub022/pkg/address"
)

type op struct {
	attach      bool
	ptr         *address.Handle
	replacement address.Handle
}

// Transaction queues attach and detach operations and applies them all or
// none. It is used by one goroutine and finishes with Commit or Abort.
type Transaction struct {
	m    *Manager
	ops  []op
	done bool
}

// Attach queues a detour of the function *target to replacement. After a
// successful commit *target holds the trampoline, so calling through it
// runs the original function.
func (t *Transaction) Attach(target *address.Handle, replacement address.Handle) {
	t.ops = append(t.ops, op{attach: true, ptr: target, replacement: replacement})
}

// Detach queues removal of the detour recorded in *target. After a
// successful commit *target holds the original function again.
func (t *Transaction) Detach(target *address.Handle, replacement address.Handle) {
	t.ops = append(t.ops, op{ptr: target, replacement: replacement})
}

// Pending returns the number of queued operations.
func (t *Transaction) Pending() int { return len(t.ops) }

// Abort drops the queued operations.
func (t *Transaction) Abort() {
	t.ops = nil
	t.done = true
}

type step struct {
	attach      bool
	target      address.Handle
	replacement address.Handle
	ptr         *address.Handle
	hook        *Hook
	// over is the installed hook a detach in the same plan removes first
	over *Hook
}

type targetState struct {
	installed *Hook
	attached  bool
	detached  bool
	attach    *op
	detachPtr *address.Handle
}

// plan nets the queued operations per target and checks them against the
// installed hooks. Detaches come before attaches. It runs with m.mu held.
func (t *Transaction) plan() ([]step, error) {
	m := t.m
	states := map[address.Handle]*targetState{}
	var order []address.Handle
	state := func(key address.Handle) *targetState {
		st, ok := states[key]
		if !ok {
			st = &targetState{installed: m.hooks[key]}
			st.attached = st.installed != nil
			states[key] = st
			order = append(order, key)
		}
		return st
	}

	for i := range t.ops {
		o := &t.ops[i]
		if o.ptr == nil || o.ptr.IsNull() {
			return nil, errors.Wrapf(ErrNullTarget, "operation %d", i)
		}
		cur := *o.ptr
		key := cur
		if _, pending := states[cur]; !pending {
			if h := m.byPointer(cur); h != nil {
				key = h.Target
			}
		}
		st := state(key)
		if o.attach {
			if o.replacement.IsNull() {
				return nil, errors.Wrapf(ErrNullTarget, "replacement for %v", key)
			}
			if st.attached {
				return nil, errors.Wrapf(ErrDoubleHook, "%v", key)
			}
			st.attached = true
			st.attach = o
			continue
		}
		if !st.attached {
			return nil, errors.Wrapf(ErrHookNotFound, "%v", key)
		}
		if want := expected(st); !o.replacement.IsNull() && o.replacement != want {
			return nil, errors.Wrapf(ErrHookNotFound, "%v is detoured to %v, not %v", key, want, o.replacement)
		}
		st.attached = false
		if st.attach != nil {
			// attach and detach in one transaction cancel out
			st.attach = nil
			continue
		}
		st.detached = true
		st.detachPtr = o.ptr
	}

	var detaches, attaches []step
	for _, key := range order {
		st := states[key]
		if st.detached {
			detaches = append(detaches, step{target: key, ptr: st.detachPtr, hook: st.installed, replacement: st.installed.Replacement})
		}
		if st.attach != nil {
			s := step{attach: true, target: key, ptr: st.attach.ptr, replacement: st.attach.replacement}
			if st.detached {
				s.over = st.installed
			}
			attaches = append(attaches, s)
		}
	}
	return append(detaches, attaches...), nil
}

func expected(st *targetState) address.Handle {
	if st.attach != nil {
		return st.attach.replacement
	}
	return st.installed.Replacement
}

// Commit applies the queued operations. Trampolines are prepared first,
// then the other threads are frozen while code is rewritten, and threads
// stopped inside rewritten bytes are moved to the equivalent instruction.
// If any write fails every write already made is undone and the hooks
// installed before the transaction are left exactly as they were.
func (t *Transaction) Commit() error {
	if t.done {
		return ErrTransactionDone
	}
	t.done = true
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := t.plan()
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		return nil
	}

	for i := range plan {
		if !plan[i].attach {
			continue
		}
		h, err := m.patcher.Prepare(plan[i].target, plan[i].replacement, plan[i].over)
		if err != nil {
			m.release(plan[:i])
			return errors.WithMessagef(err, "prepare %v", plan[i].target)
		}
		plan[i].hook = h
	}
	forward := func(ip uintptr) uintptr { return moveIP(plan, ip, false) }
	backward := func(ip uintptr) uintptr { return moveIP(plan, ip, true) }

	frozen, err := m.freeze()
	if err != nil {
		m.release(plan)
		return errors.Wrap(err, "freeze threads")
	}
	applied, applyErr := m.apply(plan)
	var moveErr, undoErr error
	if applyErr == nil {
		if moveErr = frozen.Retarget(forward); moveErr != nil {
			frozen.Retarget(backward)
		}
	}
	if applyErr != nil || moveErr != nil {
		undoErr = m.undo(plan[:applied])
	}
	resumeErr := frozen.Resume()

	if resumeErr != nil {
		m.log.WithError(resumeErr).Error("resuming threads")
	}
	if applyErr != nil || moveErr != nil {
		if undoErr != nil {
			m.log.WithError(undoErr).Error("rollback incomplete")
		}
		m.release(plan)
		if applyErr != nil {
			return errors.WithMessagef(applyErr, "apply %v", plan[applied].target)
		}
		return errors.WithMessage(moveErr, "move suspended threads")
	}

	for _, s := range plan {
		if s.attach {
			m.hooks[s.target] = s.hook
			*s.ptr = s.hook.Trampoline
			continue
		}
		delete(m.hooks, s.target)
		*s.ptr = s.target
		if err := m.patcher.Release(s.hook); err != nil {
			m.log.WithError(err).WithField("addr", s.target.String()).Warn("releasing trampoline")
		}
	}
	m.log.WithFields(log.Fields{"steps": len(plan), "installed": len(m.hooks)}).Debug("transaction committed")
	return nil
}

// apply rewrites code for every step in order and returns how many steps
// were applied. It runs with other threads frozen and does not allocate.
func (m *Manager) apply(plan []step) (int, error) {
	for i := range plan {
		var err error
		if plan[i].attach {
			err = m.patcher.Apply(plan[i].hook)
		} else {
			err = m.patcher.Revert(plan[i].hook)
		}
		if err != nil {
			return i, err
		}
	}
	return len(plan), nil
}

// undo reverses applied steps, newest first, and returns the first error.
func (m *Manager) undo(applied []step) error {
	var first error
	for i := len(applied) - 1; i >= 0; i-- {
		var err error
		if applied[i].attach {
			err = m.patcher.Revert(applied[i].hook)
		} else {
			err = m.patcher.Apply(applied[i].hook)
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// moveIP returns where a thread stopped at ip continues once plan is
// applied, or undone when undo is set. A thread inside the stolen bytes of
// a target moves to the same instruction in its trampoline; a thread inside
// a trampoline that goes away moves back to the target. Steps are walked in
// apply order, or in reverse for undo, so a detach followed by an attach of
// the same target carries a thread from the old trampoline to the new one.
// The start of a target is an instruction boundary of both layouts and is
// never moved.
func moveIP(plan []step, ip uintptr, undo bool) uintptr {
	for i := range plan {
		s := &plan[i]
		if undo {
			s = &plan[len(plan)-1-i]
		}
		h := s.hook
		if h == nil {
			continue
		}
		target, tramp := h.Target.Uintptr(), h.Trampoline.Uintptr()
		n := uintptr(len(h.saved))
		if s.attach != undo {
			if ip > target && ip < target+n {
				ip = tramp + (ip - target)
			}
		} else if ip >= tramp && ip < tramp+uintptr(h.trampSize) {
			ip = target + min(ip-tramp, n)
		}
	}
	return ip
}

// release frees the trampolines prepared for attach steps.
func (m *Manager) release(plan []step) {
	for _, s := range plan {
		if !s.attach || s.hook == nil {
			continue
		}
		if err := m.patcher.Release(s.hook); err != nil {
			m.log.WithError(err).WithField("addr", s.target.String()).Warn("releasing trampoline")
		}
	}
}
