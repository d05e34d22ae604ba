package sdk

import (
	"fmt"
	"sync"

	"github.com/apex/log"

	"github.com/Mauler125/r5sdk-sub022/pkg/address"
	"github.com/Mauler125/r5sdk-sub022/pkg/module"
	"github.com/Mauler125/r5sdk-sub022/pkg/pattern"
	"github.com/Mauler125/r5sdk-sub022/pkg/sigcache"
)

// CodeSection is the section signatures are scanned in by default.
const CodeSection = ".text"

// Resolver finds addresses in one module for descriptors. Results found by
// scanning are recorded in the signature cache as RVAs; cached RVAs are
// checked against the image before they are trusted.
type Resolver struct {
	mod   *module.Module
	cache *sigcache.Cache
	log   log.Interface

	mu     sync.Mutex
	misses []string
	hits   int
	scans  int
}

// NewResolver returns a resolver over mod. cache may be nil.
func NewResolver(mod *module.Module, cache *sigcache.Cache, l log.Interface) *Resolver {
	if l == nil {
		l = log.Log
	}
	return &Resolver{mod: mod, cache: cache, log: l}
}

func (r *Resolver) Module() *module.Module { return r.mod }

// Find returns the first match of sig in the code section, or Null.
func (r *Resolver) Find(sig string) address.Handle {
	return r.FindIn(CodeSection, sig, 1)
}

// FindIn returns the occurrence-th match of sig in section, or Null.
func (r *Resolver) FindIn(section, sig string, occurrence int) address.Handle {
	p, err := pattern.Parse(sig)
	if err != nil {
		r.log.WithError(err).WithField("pattern", sig).Error("invalid signature")
		r.miss(sig)
		return address.Null
	}
	return r.FindPattern(section, p, occurrence)
}

// FindVariant picks the signature for the running build from v.
func (r *Resolver) FindVariant(v pattern.Variants) address.Handle {
	p, err := v.For(r.mod.BuildID())
	if err != nil {
		r.log.WithError(err).WithField("build", r.mod.BuildID()).Error("invalid signature")
		r.miss(v.Default)
		return address.Null
	}
	return r.FindPattern(CodeSection, p, 1)
}

// FindPattern returns the occurrence-th match of p in section, or Null.
func (r *Resolver) FindPattern(section string, p pattern.Pattern, occurrence int) address.Handle {
	if occurrence < 1 {
		occurrence = 1
	}
	key := p.String()
	if section != CodeSection || occurrence != 1 {
		key = fmt.Sprintf("%s|%s|%d", section, key, occurrence)
	}
	verify := func(h address.Handle) bool {
		s := r.mod.SectionByName(section)
		return s.Contains(h) && s.Contains(h.Offset(int64(p.Len()-1))) && p.Match(h.Bytes(p.Len()))
	}
	return r.lookup(key, verify, func() address.Handle {
		return r.mod.FindPattern(p, section, occurrence)
	})
}

// FindString returns the occurrence-th instruction loading the address of
// the null terminated string s, or Null.
func (r *Resolver) FindString(s string, occurrence int) address.Handle {
	if occurrence < 1 {
		occurrence = 1
	}
	key := fmt.Sprintf("str|%q|%d", s, occurrence)
	text := r.mod.SectionByName(CodeSection)
	return r.lookup(key, text.Contains, func() address.Handle {
		return r.mod.FindString(s, occurrence, true)
	})
}

// VTable returns the vtable of the class typeName found through its RTTI,
// or Null.
func (r *Resolver) VTable(typeName string, refIndex int) address.Handle {
	key := fmt.Sprintf("vt|%s|%d", typeName, refIndex)
	return r.lookup(key, r.mod.Contains, func() address.Handle {
		return r.mod.FindVirtualTable(typeName, refIndex)
	})
}

// Export returns the address of an export of the module, or Null.
func (r *Resolver) Export(name string) address.Handle {
	h := r.mod.ExportedSymbol(name)
	if h.IsNull() {
		r.log.WithField("export", name).Warn("export not found")
		r.miss(name)
	}
	return h
}

// Import returns the import address table slot of symbol from dll, or Null.
func (r *Resolver) Import(dll, symbol string) address.Handle {
	h := r.mod.ImportedSymbol(dll, symbol)
	if h.IsNull() {
		r.log.WithFields(log.Fields{"import": symbol, "dll": dll}).Warn("import not found")
		r.miss(dll + "!" + symbol)
	}
	return h
}

func (r *Resolver) lookup(key string, verify func(address.Handle) bool, scan func() address.Handle) address.Handle {
	if r.cache != nil {
		if rva, ok := r.cache.FindEntry(key); ok {
			h := r.mod.FromRVA(rva)
			if verify(h) {
				r.mu.Lock()
				r.hits++
				r.mu.Unlock()
				return h
			}
			r.log.WithFields(log.Fields{"pattern": key, "rva": fmt.Sprintf("%#x", rva)}).Warn("stale cache entry")
			r.cache.Remove(key)
		}
	}
	r.mu.Lock()
	r.scans++
	r.mu.Unlock()

	h := scan()
	if h.IsNull() {
		r.log.WithField("pattern", key).Warn("signature not found")
		r.miss(key)
		return h
	}
	if r.cache != nil {
		r.cache.AddEntry(key, r.mod.RVA(h))
	}
	return h
}

func (r *Resolver) miss(key string) {
	r.mu.Lock()
	r.misses = append(r.misses, key)
	r.mu.Unlock()
}

// Misses returns the lookups that resolved to Null, in order.
func (r *Resolver) Misses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.misses...)
}

// Stats returns how many lookups were served from the cache and how many
// needed a scan.
func (r *Resolver) Stats() (hits, scans int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.scans
}
