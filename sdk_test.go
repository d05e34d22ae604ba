package sdk

import (
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/pkg/errors"

	"github.com/Mauler125/r5sdk-sub022/pkg/address"
	"github.com/Mauler125/r5sdk-sub022/pkg/detour"
	"github.com/Mauler125/r5sdk-sub022/pkg/module"
	"github.com/Mauler125/r5sdk-sub022/pkg/pattern"
	"github.com/Mauler125/r5sdk-sub022/pkg/sigcache"
)

const (
	sigHostInit  = "48 89 5C 24 ?? 57 48 83 EC 20"
	sigFrame     = "40 53 48 83 EC 30 8B D9"
	sigMissing   = "E9 11 22 33 44 55"
	hostInitAt   = 0x40
	frameAt      = 0x120
	testBuild    = "5F3A00115000"
	replacements = 0x7FF600000000
)

// testModule maps a small .text section with two functions.
func testModule(t *testing.T) (*module.Module, []byte) {
	t.Helper()
	buf := make([]byte, 0x400)
	for i := range buf {
		buf[i] = 0xCC
	}
	copy(buf[hostInitAt:], []byte{0x48, 0x89, 0x5C, 0x24, 0x08, 0x57, 0x48, 0x83, 0xEC, 0x20})
	copy(buf[frameAt:], []byte{0x40, 0x53, 0x48, 0x83, 0xEC, 0x30, 0x8B, 0xD9})
	base := address.FromSlice(buf)
	t.Cleanup(func() { runtime.KeepAlive(buf) })
	mod := module.New("r5apex.exe", base, uintptr(len(buf)), []module.Section{
		{Name: ".text", Base: base, Size: uintptr(len(buf)), Executable: true},
	}).WithBuildID(testBuild)
	return mod, buf
}

// recorder is a descriptor that logs its lifecycle calls.
type recorder struct {
	name  string
	calls *[]string
	sig   string
	fn    address.Handle
	repl  address.Handle
}

func (d *recorder) Name() string { return d.name }
func (d *recorder) record(op string) {
	*d.calls = append(*d.calls, d.name+"."+op)
}

func (d *recorder) GetFun(r *Resolver) {
	d.record("GetFun")
	if d.sig != "" {
		d.fn = r.Find(d.sig)
	}
}

func (d *recorder) GetVar(r *Resolver)     { d.record("GetVar") }
func (d *recorder) GetCon(r *Resolver)     { d.record("GetCon") }
func (d *recorder) GetAdr(l log.Interface) { d.record("GetAdr") }

func (d *recorder) Attach(tx *detour.Transaction) {
	d.record("Attach")
	if d.sig != "" {
		tx.Attach(&d.fn, d.repl)
	}
}

func (d *recorder) Detach(tx *detour.Transaction) {
	d.record("Detach")
	if d.sig != "" {
		tx.Detach(&d.fn, d.repl)
	}
}

// fakePatcher patches nothing and fails the failAt-th Apply.
type fakePatcher struct {
	patched map[address.Handle]bool
	applies int
	failAt  int
}

func (p *fakePatcher) Prepare(target, replacement address.Handle, over *detour.Hook) (*detour.Hook, error) {
	return &detour.Hook{Target: target, Replacement: replacement, Trampoline: target.Offset(0x10000)}, nil
}

func (p *fakePatcher) Apply(h *detour.Hook) error {
	p.applies++
	if p.applies == p.failAt {
		return errors.New("no room for patch")
	}
	p.patched[h.Target] = true
	return nil
}

func (p *fakePatcher) Revert(h *detour.Hook) error {
	delete(p.patched, h.Target)
	return nil
}

func (p *fakePatcher) Release(h *detour.Hook) error { return nil }

func quietLogger() (*log.Logger, *memory.Handler) {
	h := memory.New()
	return &log.Logger{Handler: h, Level: log.DebugLevel}, h
}

func stubExit(t *testing.T) *int {
	t.Helper()
	code := -1
	old := exit
	exit = func(c int) { code = c }
	t.Cleanup(func() { exit = old })
	return &code
}

type fixture struct {
	engine  *Engine
	patcher *fakePatcher
	calls   *[]string
	descs   []*recorder
	buf     []byte
}

func newFixture(t *testing.T, cfg Config, descs ...*recorder) *fixture {
	t.Helper()
	mod, buf := testModule(t)
	calls := &[]string{}
	table := make([]Factory, len(descs))
	for i, d := range descs {
		d := d
		d.calls = calls
		table[i] = func() Descriptor { return d }
	}
	p := &fakePatcher{patched: map[address.Handle]bool{}}
	l, _ := quietLogger()
	e, err := New(cfg, mod, table, WithManager(detour.NewManager(p)), WithLogger(l))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{engine: e, patcher: p, calls: calls, descs: descs, buf: buf}
}

func noCache() Config {
	return Config{DisableCache: true}
}

func TestRegistryOrdering(t *testing.T) {
	f := newFixture(t, noCache(),
		&recorder{name: "A"}, &recorder{name: "B"}, &recorder{name: "C"})
	if err := f.engine.Attach(); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"A.GetFun", "B.GetFun", "C.GetFun",
		"A.GetVar", "B.GetVar", "C.GetVar",
		"A.GetCon", "B.GetCon", "C.GetCon",
		"A.GetAdr", "A.Attach", "B.GetAdr", "B.Attach", "C.GetAdr", "C.Attach",
	}
	if !reflect.DeepEqual(*f.calls, want) {
		t.Errorf("calls:\n got %v\nwant %v", *f.calls, want)
	}
	for _, name := range []string{"A", "B", "C"} {
		if st, _ := f.engine.Registry().State(name); st != Attached {
			t.Errorf("%s is %v", name, st)
		}
	}
}

func TestAttachInstallsDetours(t *testing.T) {
	host := &recorder{name: "host", sig: sigHostInit, repl: replacements}
	frame := &recorder{name: "frame", sig: sigFrame, repl: replacements + 0x10}
	f := newFixture(t, noCache(), host, frame)
	base := address.FromSlice(f.buf)

	if err := f.engine.Attach(); err != nil {
		t.Fatal(err)
	}
	if !f.patcher.patched[base.Offset(hostInitAt)] || !f.patcher.patched[base.Offset(frameAt)] {
		t.Errorf("patched %v", f.patcher.patched)
	}
	if host.fn != base.Offset(hostInitAt+0x10000) {
		t.Errorf("host pointer %v is not the trampoline", host.fn)
	}

	if err := f.engine.Detach(); err != nil {
		t.Fatal(err)
	}
	if len(f.patcher.patched) != 0 {
		t.Errorf("still patched: %v", f.patcher.patched)
	}
	if host.fn != base.Offset(hostInitAt) {
		t.Errorf("host pointer %v after detach", host.fn)
	}
	if st, _ := f.engine.Registry().State("host"); st != Detached {
		t.Errorf("host is %v", st)
	}
}

func TestFatalOnNullAttach(t *testing.T) {
	code := stubExit(t)
	good := &recorder{name: "good", sig: sigFrame, repl: replacements}
	bad := &recorder{name: "bad", sig: sigMissing, repl: replacements + 0x10}
	f := newFixture(t, noCache(), good, bad)

	err := f.engine.Attach()
	if errors.Cause(err) != detour.ErrNullTarget {
		t.Fatalf("Attach = %v, want ErrNullTarget", err)
	}
	if *code != ExitUnresolvedTarget {
		t.Errorf("exit code = %d, want %d", *code, ExitUnresolvedTarget)
	}
	if len(f.patcher.patched) != 0 {
		t.Error("some detours installed")
	}
	if st, _ := f.engine.Registry().State("good"); st == Attached {
		t.Error("descriptor marked attached after a failed commit")
	}
	if misses := f.engine.Resolver().Misses(); len(misses) != 1 || misses[0] != pattern.MustParse(sigMissing).String() {
		t.Errorf("misses = %v", misses)
	}
}

func TestFatalOnCommitFailure(t *testing.T) {
	code := stubExit(t)
	f := newFixture(t, noCache(),
		&recorder{name: "host", sig: sigHostInit, repl: replacements},
		&recorder{name: "frame", sig: sigFrame, repl: replacements + 0x10})
	f.patcher.failAt = 2

	if err := f.engine.Attach(); err == nil {
		t.Fatal("Attach succeeded")
	}
	if *code != ExitCommitFailure {
		t.Errorf("exit code = %d, want %d", *code, ExitCommitFailure)
	}
	if len(f.patcher.patched) != 0 || f.engine.Manager().Len() != 0 {
		t.Errorf("partial install: %v", f.patcher.patched)
	}
}

func TestDuplicateNames(t *testing.T) {
	calls := &[]string{}
	mk := func(name string) Factory {
		return func() Descriptor { return &recorder{name: name, calls: calls} }
	}
	if _, err := NewRegistry([]Factory{mk("a"), mk("b"), mk("a")}); errors.Cause(err) != ErrDuplicate {
		t.Errorf("NewRegistry = %v", err)
	}
	if _, err := NewRegistry([]Factory{mk("a"), nil}); err == nil {
		t.Error("nil factory accepted")
	}
	r, err := NewRegistry([]Factory{mk("x"), mk("y")})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Names(), []string{"x", "y"}) {
		t.Errorf("Names = %v", r.Names())
	}
}

func TestAttachBeforeResolve(t *testing.T) {
	calls := &[]string{}
	r, err := NewRegistry([]Factory{func() Descriptor { return &recorder{name: "a", calls: calls} }})
	if err != nil {
		t.Fatal(err)
	}
	m := detour.NewManager(&fakePatcher{patched: map[address.Handle]bool{}})
	if err := r.AttachAll(m); errors.Cause(err) != ErrNotResolved {
		t.Errorf("AttachAll = %v", err)
	}
	if len(*calls) != 0 {
		t.Errorf("descriptor called: %v", *calls)
	}
	if err := r.Toggle(m, "a", true); errors.Cause(err) != ErrNotResolved {
		t.Errorf("Toggle = %v", err)
	}
}

func TestToggle(t *testing.T) {
	host := &recorder{name: "host", sig: sigHostInit, repl: replacements}
	f := newFixture(t, noCache(), host)
	if err := f.engine.Attach(); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Toggle("host", false); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.engine.Registry().State("host"); st != Detached || len(f.patcher.patched) != 0 {
		t.Errorf("after toggle off: %v, patched %v", st, f.patcher.patched)
	}
	if err := f.engine.Toggle("host", true); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.engine.Registry().State("host"); st != Attached || len(f.patcher.patched) != 1 {
		t.Errorf("after toggle on: %v, patched %v", st, f.patcher.patched)
	}
	if err := f.engine.Toggle("host", true); err != nil {
		t.Errorf("second toggle on: %v", err)
	}
	if err := f.engine.Toggle("nope", true); errors.Cause(err) != ErrUnknownDescriptor {
		t.Errorf("unknown descriptor: %v", err)
	}
}

func TestResolverCache(t *testing.T) {
	mod, buf := testModule(t)
	l, _ := quietLogger()
	cache := sigcache.New(1, testBuild)
	p := pattern.MustParse(sigFrame)

	r := NewResolver(mod, cache, l)
	h := r.Find(sigFrame)
	if h != address.FromSlice(buf).Offset(frameAt) {
		t.Fatalf("Find = %v", h)
	}
	if rva, ok := cache.FindEntry(p.String()); !ok || rva != frameAt {
		t.Errorf("cache entry %#x, %v", rva, ok)
	}
	if hits, scans := r.Stats(); hits != 0 || scans != 1 {
		t.Errorf("first run hits %d scans %d", hits, scans)
	}

	r = NewResolver(mod, cache, l)
	if got := r.Find(sigFrame); got != h {
		t.Errorf("cached Find = %v", got)
	}
	if hits, scans := r.Stats(); hits != 1 || scans != 0 {
		t.Errorf("second run hits %d scans %d", hits, scans)
	}

	// a stale RVA is rescanned and replaced
	cache.AddEntry(p.String(), hostInitAt)
	r = NewResolver(mod, cache, l)
	if got := r.Find(sigFrame); got != h {
		t.Errorf("Find with stale entry = %v", got)
	}
	if rva, _ := cache.FindEntry(p.String()); rva != frameAt {
		t.Errorf("stale entry not replaced: %#x", rva)
	}
	if hits, scans := r.Stats(); hits != 0 || scans != 1 {
		t.Errorf("stale run hits %d scans %d", hits, scans)
	}

	// misses are not cached
	if got := r.Find(sigMissing); !got.IsNull() {
		t.Errorf("missing signature = %v", got)
	}
	if _, ok := cache.FindEntry(pattern.MustParse(sigMissing).String()); ok {
		t.Error("miss cached")
	}
	if got := r.Find("zz"); !got.IsNull() {
		t.Errorf("invalid signature = %v", got)
	}
}

func TestResolverOccurrenceKeys(t *testing.T) {
	mod, buf := testModule(t)
	copy(buf[0x300:], []byte{0x40, 0x53, 0x48, 0x83, 0xEC, 0x30, 0x8B, 0xD9})
	cache := sigcache.New(1, testBuild)
	r := NewResolver(mod, cache, nil)

	first := r.FindIn(".text", sigFrame, 1)
	second := r.FindIn(".text", sigFrame, 2)
	if first == second || second != address.FromSlice(buf).Offset(0x300) {
		t.Fatalf("first %v second %v", first, second)
	}
	if cache.Len() != 2 {
		t.Errorf("cache has %d entries, want one per occurrence", cache.Len())
	}
}

func TestResolverVariants(t *testing.T) {
	mod, buf := testModule(t)
	r := NewResolver(mod, nil, nil)
	v := pattern.Variants{
		Default: sigMissing,
		Builds:  map[string]string{testBuild: sigFrame},
	}
	if got := r.FindVariant(v); got != address.FromSlice(buf).Offset(frameAt) {
		t.Errorf("FindVariant = %v", got)
	}
}

func TestEngineCachePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigcache.bin")
	cfg := Config{CachePath: path, CacheMinor: 2}

	f := newFixture(t, cfg, &recorder{name: "frame", sig: sigFrame, repl: replacements})
	if err := f.engine.Attach(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cache not written on attach: %v", err)
	}

	g := newFixture(t, cfg, &recorder{name: "frame", sig: sigFrame, repl: replacements})
	if err := g.engine.Attach(); err != nil {
		t.Fatal(err)
	}
	if hits, scans := g.engine.Resolver().Stats(); hits != 1 || scans != 0 {
		t.Errorf("second engine hits %d scans %d", hits, scans)
	}

	// another minor version scans again
	cfg.CacheMinor = 3
	h := newFixture(t, cfg, &recorder{name: "frame", sig: sigFrame, repl: replacements})
	if err := h.engine.Attach(); err != nil {
		t.Fatal(err)
	}
	if hits, scans := h.engine.Resolver().Stats(); hits != 0 || scans != 1 {
		t.Errorf("new minor hits %d scans %d", hits, scans)
	}
	if err := h.engine.Detach(); err != nil {
		t.Fatal(err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	env := map[string]string{
		"SDK_MODULE":         "r5apex_ds.exe",
		"SDK_SIGCACHE":       `C:\cache\sig.bin`,
		"SDK_SIGCACHE_MINOR": "7",
		"SDK_NOSIGCACHE":     "true",
		"SDK_DEBUG":          "1",
	}
	c := configFrom(DefaultConfig(), func(k string) string { return env[k] })
	want := Config{
		Module:       "r5apex_ds.exe",
		CachePath:    `C:\cache\sig.bin`,
		CacheMinor:   7,
		DisableCache: true,
		Debug:        true,
	}
	if c != want {
		t.Errorf("config = %+v, want %+v", c, want)
	}
	if c := configFrom(DefaultConfig(), func(string) string { return "" }); c != DefaultConfig() {
		t.Errorf("empty env changed config: %+v", c)
	}
	if c := configFrom(DefaultConfig(), func(k string) string {
		if k == "SDK_SIGCACHE_MINOR" {
			return "70000"
		}
		return ""
	}); c.CacheMinor != 0 {
		t.Errorf("out of range minor accepted: %d", c.CacheMinor)
	}
}

func TestStateString(t *testing.T) {
	if Attached.String() != "attached" || State(42).String() != "invalid" {
		t.Error("State.String")
	}
	if !ConstantsResolved.CanAttach() || !Detached.CanAttach() || VariablesResolved.CanAttach() {
		t.Error("CanAttach")
	}
}
