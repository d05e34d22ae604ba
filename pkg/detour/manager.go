package detour

import (
	"sync"

	"github.com/apex/log"

	"github.com/Mauler125/r5sdk-sub022/internal/threads"
	"github.com/Mauler125/r5sdk-sub022/internal/vmem"
	"github.com/Mauler125/r5sdk-sub022/pkg/address"
)

// Threads are the suspended threads of the process during a commit.
type Threads interface {
	// Retarget moves every thread stopped at ip to move(ip). It must not
	// allocate.
	Retarget(move func(ip uintptr) uintptr) error
	Resume() error
}

// Freezer suspends the other threads of the process.
type Freezer func() (Threads, error)

// FreezeThreads is the Freezer for the running process.
func FreezeThreads() (Threads, error) {
	f, err := threads.Freeze()
	if err != nil {
		return nil, err
	}
	return f, nil
}

// running stands in for frozen threads when nothing is suspended.
type running struct{}

func (running) Retarget(func(uintptr) uintptr) error { return nil }
func (running) Resume() error                        { return nil }

func noFreeze() (Threads, error) { return running{}, nil }

// Manager owns the hooks installed in the process. Transactions of one
// Manager commit one at a time.
type Manager struct {
	mu      sync.Mutex
	patcher Patcher
	freeze  Freezer
	// installed hooks with target addresses as keys
	hooks map[address.Handle]*Hook
	log   log.Interface
}

// NewManager returns a Manager patching through p. Threads are not frozen
// unless WithFreezer is used.
func NewManager(p Patcher) *Manager {
	return &Manager{
		patcher: p,
		freeze:  noFreeze,
		hooks:   make(map[address.Handle]*Hook),
		log:     log.Log,
	}
}

// Default returns a Manager that patches this process's code and freezes
// its threads during commits.
func Default() *Manager {
	return NewManager(NewInline(vmem.Memory{})).WithFreezer(FreezeThreads)
}

func (m *Manager) WithFreezer(f Freezer) *Manager {
	if f == nil {
		f = noFreeze
	}
	m.freeze = f
	return m
}

func (m *Manager) WithLogger(l log.Interface) *Manager {
	if l != nil {
		m.log = l
	}
	return m
}

// Begin opens a transaction.
func (m *Manager) Begin() *Transaction {
	return &Transaction{m: m}
}

// Installed returns the hook on target.
func (m *Manager) Installed(target address.Handle) (*Hook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hooks[target]
	return h, ok
}

// Len returns the number of installed hooks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hooks)
}

// byPointer finds the hook a detach refers to: the pointer holds either the
// trampoline, after a committed attach, or the original target.
func (m *Manager) byPointer(v address.Handle) *Hook {
	if h, ok := m.hooks[v]; ok {
		return h
	}
	for _, h := range m.hooks {
		if h.Trampoline == v {
			return h
		}
	}
	return nil
}
