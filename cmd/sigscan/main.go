// Command sigscan resolves signatures against an image file on disk and
// fills a signature cache for it.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/fatih/color"
	"github.com/pkg/errors"

	sdk "github.com/Mauler125/r5sdk-sub022"
	"github.com/Mauler125/r5sdk-sub022/pkg/address"
	"github.com/Mauler125/r5sdk-sub022/pkg/sigcache"
)

type list []string

func (l *list) String() string     { return strings.Join(*l, ",") }
func (l *list) Set(v string) error { *l = append(*l, v); return nil }

var (
	found  = color.New(color.FgGreen).SprintFunc()
	missed = color.New(color.FgRed).SprintFunc()
)

func main() {
	var (
		image   = flag.String("image", "", "image file to scan")
		cache   = flag.String("cache", "", "signature cache to read and update")
		minor   = flag.Uint("minor", 0, "signature cache minor version")
		symbols = flag.Bool("sym", false, "list the symbols of the image")
		debug   = flag.Bool("debug", false, "debug logging")
		sigs    list
		strs    list
		vtables list
	)
	flag.Var(&sigs, "sig", "code signature, `[section:]pattern` (repeatable)")
	flag.Var(&strs, "str", "string whose first lea reference is wanted (repeatable)")
	flag.Var(&vtables, "vtable", "class name whose vtable is wanted, `name[@ref]` (repeatable)")
	flag.Parse()

	if *image == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *minor > 0xFFFF {
		fmt.Fprintln(os.Stderr, "sigscan: -minor out of range")
		os.Exit(2)
	}
	cfg := sdk.Config{CachePath: *cache, CacheMinor: uint16(*minor), Debug: *debug}
	cfg.SetupLogging(os.Stderr)

	if *symbols {
		if err := listSymbols(*image); err != nil {
			log.WithError(err).Fatal("reading symbols")
		}
	}

	img, err := sdk.OpenImage(*image)
	if err != nil {
		log.WithError(err).Fatal("opening image")
	}
	ctx := log.WithFields(log.Fields{"image": img.Name(), "build": img.BuildID()})

	c := sigcache.New(cfg.CacheMinor, img.BuildID()).WithLogger(ctx)
	if cfg.CachePath != "" {
		if err := c.ReadCache(cfg.CachePath); err != nil && !os.IsNotExist(errors.Cause(err)) {
			ctx.WithError(err).Warn("starting with an empty cache")
		}
	}
	r := sdk.NewResolver(img.Module, c, ctx)

	for _, s := range sigs {
		section, pat := sdk.CodeSection, s
		if i := strings.IndexByte(s, ':'); i > 0 {
			section, pat = s[:i], s[i+1:]
		}
		report(img, s, r.FindIn(section, pat, 1))
	}
	for _, s := range strs {
		report(img, strconv.Quote(s), r.FindString(s, 1))
	}
	for _, v := range vtables {
		name, ref := v, 0
		if i := strings.LastIndexByte(v, '@'); i > 0 {
			n, err := strconv.Atoi(v[i+1:])
			if err != nil {
				log.WithField("vtable", v).Fatal("bad reference index")
			}
			name, ref = v[:i], n
		}
		report(img, v, r.VTable(name, ref))
	}

	hits, scans := r.Stats()
	ctx.WithFields(log.Fields{"cached": hits, "scanned": scans, "missed": len(r.Misses())}).Info("done")

	if cfg.CachePath != "" && c.Dirty() {
		if err := c.WriteCache(cfg.CachePath); err != nil {
			ctx.WithError(err).Fatal("writing cache")
		}
	}
	runtime.KeepAlive(img)
	if len(r.Misses()) > 0 {
		os.Exit(1)
	}
}

func report(img *sdk.OfflineImage, what string, h address.Handle) {
	if h.IsNull() {
		fmt.Printf("%s  %s\n", missed("not found"), what)
		return
	}
	fmt.Printf("%s  %s\n", found(fmt.Sprintf("%#09x", img.RVA(h))), what)
}

func listSymbols(path string) error {
	syms, err := sdk.GetSymbols(path)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(syms))
	for name := range syms {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return syms[names[i]] < syms[names[j]] })
	for _, name := range names {
		fmt.Printf("%s  %s\n", found(fmt.Sprintf("%#09x", syms[name])), name)
	}
	return nil
}
