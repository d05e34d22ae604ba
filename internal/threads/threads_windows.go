//go:build windows && amd64

package threads

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procSuspendThread    = kernel32.NewProc("SuspendThread")
	procGetThreadContext = kernel32.NewProc("GetThreadContext")
	procSetThreadContext = kernel32.NewProc("SetThreadContext")
)

const (
	// headroom covers threads created between counting and suspending.
	headroom = 64

	threadGetContext = 0x0008
	threadSetContext = 0x0010
	threadAccess     = windows.THREAD_SUSPEND_RESUME | threadGetContext | threadSetContext

	// CONTEXT_AMD64 | CONTEXT_CONTROL: rip, rsp, eflags and segments
	contextControl = 0x00100001
)

// context is the x86-64 CONTEXT record.
type context struct {
	P1Home, P2Home, P3Home, P4Home, P5Home, P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs, SegDs, SegEs, SegFs, SegGs, SegSs uint16
	EFlags                                   uint32

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint64

	Rax, Rcx, Rdx, Rbx, Rsp, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	Rip                                    uint64

	FltSave        [512]byte
	VectorRegister [26][16]byte
	VectorControl  uint64
	DebugControl   uint64

	LastBranchToRip, LastBranchFromRip       uint64
	LastExceptionToRip, LastExceptionFromRip uint64
}

// GetThreadContext wants the record 16 byte aligned.
const contextAlign = 16

// Freeze suspends every thread of the process except the calling one. The
// goroutine stays locked to its OS thread until Resume. The handle slice is
// sized before the first suspension so nothing allocates while the Go
// runtime's own threads are stopped.
func Freeze() (*Frozen, error) {
	for _, p := range []*windows.LazyProc{procSuspendThread, procGetThreadContext, procSetThreadContext} {
		if err := p.Find(); err != nil {
			return nil, errors.Wrap(err, "kernel32")
		}
	}
	runtime.LockOSThread()
	pid := windows.GetCurrentProcessId()
	self := windows.GetCurrentThreadId()

	n, err := eachThread(pid, self, nil)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	f := &Frozen{
		handles: make([]uintptr, 0, n+headroom),
		scratch: make([]byte, unsafe.Sizeof(context{})+contextAlign-1),
	}
	_, err = eachThread(pid, self, func(tid uint32) bool {
		if len(f.handles) == cap(f.handles) {
			return false
		}
		h, err := windows.OpenThread(threadAccess, false, tid)
		if err != nil {
			// exited since the snapshot
			return true
		}
		if r, _, _ := procSuspendThread.Call(uintptr(h)); r == 0xFFFFFFFF {
			windows.CloseHandle(h)
			return true
		}
		f.handles = append(f.handles, uintptr(h))
		return true
	})
	if err != nil {
		f.Resume()
		return nil, err
	}
	return f, nil
}

// Retarget reads the instruction pointer of every suspended thread and
// sets it to move(ip) where that differs. It does not allocate.
func (f *Frozen) Retarget(move func(ip uintptr) uintptr) error {
	if f == nil || len(f.handles) == 0 {
		return nil
	}
	ctx := f.context()
	for _, h := range f.handles {
		*ctx = context{ContextFlags: contextControl}
		if r, _, _ := procGetThreadContext.Call(h, uintptr(unsafe.Pointer(ctx))); r == 0 {
			return ErrContext
		}
		ip := uintptr(ctx.Rip)
		to := move(ip)
		if to == ip {
			continue
		}
		ctx.Rip = uint64(to)
		if r, _, _ := procSetThreadContext.Call(h, uintptr(unsafe.Pointer(ctx))); r == 0 {
			return ErrContext
		}
	}
	return nil
}

// context returns the aligned register record inside f.scratch.
func (f *Frozen) context() *context {
	p := uintptr(unsafe.Pointer(&f.scratch[0]))
	pad := (contextAlign - p%contextAlign) % contextAlign
	return (*context)(unsafe.Pointer(&f.scratch[pad]))
}

// Resume resumes and releases every suspended thread.
func (f *Frozen) Resume() error {
	if f == nil {
		return nil
	}
	var first error
	for _, h := range f.handles {
		if _, err := windows.ResumeThread(windows.Handle(h)); err != nil && first == nil {
			first = errors.Wrap(err, "ResumeThread")
		}
		windows.CloseHandle(windows.Handle(h))
	}
	f.handles = f.handles[:0]
	runtime.UnlockOSThread()
	return first
}

// eachThread walks the threads of pid other than self and returns how many
// it visited. A nil fn only counts.
func eachThread(pid, self uint32, fn func(tid uint32) bool) (int, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return 0, errors.Wrap(err, "CreateToolhelp32Snapshot")
	}
	defer windows.CloseHandle(snap)

	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	n := 0
	for err = windows.Thread32First(snap, &te); err == nil; err = windows.Thread32Next(snap, &te) {
		if te.OwnerProcessID != pid || te.ThreadID == self {
			continue
		}
		n++
		if fn != nil && !fn(te.ThreadID) {
			break
		}
	}
	return n, nil
}
