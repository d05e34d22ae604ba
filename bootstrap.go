package sdk

import (
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/Mauler125/r5sdk-sub022/pkg/detour"
	"github.com/Mauler125/r5sdk-sub022/pkg/module"
	"github.com/Mauler125/r5sdk-sub022/pkg/sigcache"
)

// Process exit codes of the fatal paths.
const (
	ExitUnresolvedTarget = 3
	ExitCommitFailure    = 4
)

// exit terminates the process; tests replace it.
var exit = os.Exit

// Engine drives resolution and detours for one module.
type Engine struct {
	cfg   Config
	mod   *module.Module
	cache *sigcache.Cache
	reg   *Registry
	mgr   *detour.Manager
	res   *Resolver
	log   log.Interface
}

// Option configures an Engine.
type Option func(*Engine)

// WithManager replaces the detour manager, which defaults to patching the
// running process.
func WithManager(m *detour.Manager) Option {
	return func(e *Engine) { e.mgr = m }
}

// WithLogger replaces the package logger of apex/log.
func WithLogger(l log.Interface) Option {
	return func(e *Engine) { e.log = l }
}

// New builds the registry from table for mod. Nothing is resolved yet.
func New(cfg Config, mod *module.Module, table []Factory, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg, mod: mod, log: log.Log}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.WithField("module", mod.Name())
	if e.mgr == nil {
		e.mgr = detour.Default()
	}
	e.mgr.WithLogger(e.log)

	reg, err := NewRegistry(table)
	if err != nil {
		return nil, err
	}
	e.reg = reg.WithLogger(e.log)
	e.cache = sigcache.New(cfg.CacheMinor, mod.BuildID()).WithLogger(e.log)
	e.cache.SetDisabled(cfg.DisableCache)
	e.res = NewResolver(mod, e.cache, e.log)
	return e, nil
}

// OnAttach is the load entry point: it finds the configured module in the
// process and runs Attach.
func OnAttach(cfg Config, table []Factory, opts ...Option) (*Engine, error) {
	cfg.SetupLogging(nil)
	mod, err := module.LoadByName(cfg.Module)
	if err != nil {
		return nil, err
	}
	e, err := New(cfg, mod, table, opts...)
	if err != nil {
		return nil, err
	}
	return e, e.Attach()
}

func (e *Engine) Registry() *Registry      { return e.reg }
func (e *Engine) Resolver() *Resolver      { return e.res }
func (e *Engine) Cache() *sigcache.Cache   { return e.cache }
func (e *Engine) Manager() *detour.Manager { return e.mgr }
func (e *Engine) Module() *module.Module   { return e.mod }

// Attach loads the signature cache, resolves every descriptor and installs
// all detours. A failed install terminates the process.
func (e *Engine) Attach() error {
	if !e.cfg.DisableCache && e.cfg.CachePath != "" {
		if err := e.cache.ReadCache(e.cfg.CachePath); err != nil && !os.IsNotExist(errors.Cause(err)) {
			e.log.WithError(err).Debug("scanning without signature cache")
		}
	}
	e.reg.Resolve(e.res)
	hits, scans := e.res.Stats()
	e.log.WithFields(log.Fields{
		"cached":  hits,
		"scanned": scans,
		"missed":  len(e.res.Misses()),
	}).Info("signatures resolved")

	if err := e.reg.AttachAll(e.mgr); err != nil {
		return e.fatal(err)
	}
	if e.cache.Dirty() {
		e.writeCache()
	}
	return nil
}

// Detach is the unload entry point: it removes every detour and writes the
// signature cache.
func (e *Engine) Detach() error {
	if err := e.reg.DetachAll(e.mgr); err != nil {
		return e.fatal(err)
	}
	e.writeCache()
	return nil
}

// Toggle attaches or detaches one descriptor. A failed install terminates
// the process.
func (e *Engine) Toggle(name string, on bool) error {
	err := e.reg.Toggle(e.mgr, name, on)
	switch errors.Cause(err) {
	case nil:
		return nil
	case ErrUnknownDescriptor, ErrNotResolved:
		return err
	}
	return e.fatal(err)
}

func (e *Engine) writeCache() {
	if e.cfg.DisableCache || e.cfg.CachePath == "" {
		return
	}
	if err := e.cache.WriteCache(e.cfg.CachePath); err != nil {
		e.log.WithError(err).WithField("path", e.cfg.CachePath).Warn("signature cache not written")
	}
}

// fatal logs err and exits with the code for its cause. It returns only
// when exit is stubbed.
func (e *Engine) fatal(err error) error {
	code := ExitCommitFailure
	switch errors.Cause(err) {
	case detour.ErrNullTarget, ErrNotResolved:
		code = ExitUnresolvedTarget
	}
	e.log.WithError(err).WithField("exit", code).Error("detour install failed")
	exit(code)
	return err
}
