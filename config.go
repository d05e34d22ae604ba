package sdk

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
)

// DefaultCachePath is where the signature cache lives unless configured.
const DefaultCachePath = "sigcache.bin"

// Config is read once at attach.
type Config struct {
	// Module is the image to resolve in; empty means the main executable.
	Module string
	// CachePath is the signature cache file.
	CachePath string
	// CacheMinor is the cache minor version this build accepts. Bump it to
	// drop every existing cache file.
	CacheMinor   uint16
	DisableCache bool
	Debug        bool
}

func DefaultConfig() Config {
	return Config{CachePath: DefaultCachePath}
}

// ConfigFromEnv applies SDK_MODULE, SDK_SIGCACHE, SDK_SIGCACHE_MINOR,
// SDK_NOSIGCACHE and SDK_DEBUG over the defaults.
func ConfigFromEnv() Config {
	return configFrom(DefaultConfig(), os.Getenv)
}

func configFrom(c Config, getenv func(string) string) Config {
	if v := getenv("SDK_MODULE"); v != "" {
		c.Module = v
	}
	if v := getenv("SDK_SIGCACHE"); v != "" {
		c.CachePath = v
	}
	if v := getenv("SDK_SIGCACHE_MINOR"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.CacheMinor = uint16(n)
		}
	}
	if isTrue(getenv("SDK_NOSIGCACHE")) {
		c.DisableCache = true
	}
	if isTrue(getenv("SDK_DEBUG")) {
		c.Debug = true
	}
	return c
}

func isTrue(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true"
}

// SetupLogging installs the cli handler on the package logger of apex/log
// at the level the config asks for.
func (c Config) SetupLogging(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	log.SetHandler(cli.New(w))
	if c.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
