// Package sigcache persists pattern to RVA mappings between runs so a large
// image is scanned once per build.
//
// File layout, little-endian:
//
//	int32  magic "SGC1"
//	uint16 major version
//	uint16 minor version
//	uint64 payload size after decompression
//	uint64 payload size on disk
//	uint32 Adler-32 of the decompressed payload
//	[]byte zstd compressed payload
//
// The payload is a protobuf message: field 1 the build id, field 2 repeated
// entries of {1: pattern string, 2: rva}.
package sigcache

import (
	"bytes"
	"encoding/binary"
	"hash/adler32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const (
	// Magic is "SGC1" read as a little-endian int32.
	Magic int32 = 'S' | 'G'<<8 | 'C'<<16 | '1'<<24
	// MajorVersion changes when the file layout changes.
	MajorVersion uint16 = 1

	headerSize = 28
	maxPayload = 64 << 20
)

var (
	ErrBadMagic = errors.New("not a signature cache")
	ErrVersion  = errors.New("cache version mismatch")
	ErrSize     = errors.New("cache size mismatch")
	ErrChecksum = errors.New("cache checksum mismatch")
	ErrBuild    = errors.New("cache was written for another build")
	ErrPayload  = errors.New("malformed cache payload")
)

// Header is the fixed file header.
type Header struct {
	Magic        int32
	Major        uint16
	Minor        uint16
	BlobSizeMem  uint64
	BlobSizeDisk uint64
	Checksum     uint32
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	minor    uint16
	build    string
	entries  map[string]uint64
	disabled bool
	dirty    bool
	log      log.Interface
}

// New returns an empty cache accepting files of the given minor version
// written for build.
func New(minor uint16, build string) *Cache {
	return &Cache{
		minor:   minor,
		build:   build,
		entries: map[string]uint64{},
		log:     log.Log,
	}
}

// WithLogger sets the logger used for discard diagnostics.
func (c *Cache) WithLogger(l log.Interface) *Cache {
	if l != nil {
		c.log = l
	}
	return c
}

// Build returns the build id entries are valid for.
func (c *Cache) Build() string { return c.build }

// AddEntry inserts or overwrites key. Nothing is written to disk until
// WriteCache.
func (c *Cache) AddEntry(key string, rva uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return
	}
	if old, ok := c.entries[key]; !ok || old != rva {
		c.entries[key] = rva
		c.dirty = true
	}
}

// FindEntry returns the RVA stored for key.
func (c *Cache) FindEntry(key string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return 0, false
	}
	rva, ok := c.entries[key]
	return rva, ok
}

// Remove drops key, used when a cached RVA no longer matches its pattern.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.dirty = true
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Dirty reports whether entries changed since the last read or write.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// SetDisabled turns the cache into a no-op: lookups miss, adds are dropped
// and nothing is read or written.
func (c *Cache) SetDisabled(disabled bool) {
	c.mu.Lock()
	c.disabled = disabled
	c.mu.Unlock()
}

func (c *Cache) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// Invalidate drops every entry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = map[string]uint64{}
	c.dirty = true
	c.mu.Unlock()
}

// ReadCache replaces the in-memory map with the contents of path. Any
// header, checksum or build mismatch leaves the cache empty and returns the
// reason; a partially valid file is never used.
func (c *Cache) ReadCache(path string) error {
	if c.Disabled() {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read signature cache")
	}
	entries, err := c.decode(raw)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.entries = map[string]uint64{}
		c.dirty = true
		c.log.WithError(err).WithField("path", path).Warn("discarding signature cache")
		return err
	}
	c.entries = entries
	c.dirty = false
	c.log.WithFields(log.Fields{"path": path, "entries": len(entries)}).Debug("signature cache loaded")
	return nil
}

// WriteCache serializes the map to path through a temporary file in the
// same directory, so readers never observe a half-written cache.
func (c *Cache) WriteCache(path string) error {
	if c.Disabled() {
		return nil
	}
	c.mu.Lock()
	raw, err := c.encode()
	n := len(c.entries)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create signature cache")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write signature cache")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write signature cache")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "replace signature cache")
	}
	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	c.log.WithFields(log.Fields{"path": path, "entries": n}).Debug("signature cache written")
	return nil
}

// encode runs with c.mu held.
func (c *Cache) encode() ([]byte, error) {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := marshalPayload(c.build, keys, c.entries)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, errors.Wrap(err, "zstd encoder")
	}
	blob := enc.EncodeAll(payload, nil)
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "zstd encoder")
	}

	hdr := Header{
		Magic:        Magic,
		Major:        MajorVersion,
		Minor:        c.minor,
		BlobSizeMem:  uint64(len(payload)),
		BlobSizeDisk: uint64(len(blob)),
		Checksum:     adler32.Checksum(payload),
	}
	var buf bytes.Buffer
	buf.Grow(headerSize + len(blob))
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "encode header")
	}
	buf.Write(blob)
	return buf.Bytes(), nil
}

func (c *Cache) decode(raw []byte) (map[string]uint64, error) {
	hdr, err := ReadHeader(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Major != MajorVersion || hdr.Minor != c.minor {
		return nil, errors.Wrapf(ErrVersion, "file %d.%d, want %d.%d", hdr.Major, hdr.Minor, MajorVersion, c.minor)
	}
	blob := raw[headerSize:]
	if hdr.BlobSizeDisk != uint64(len(blob)) || hdr.BlobSizeMem > maxPayload {
		return nil, errors.Wrapf(ErrSize, "header declares %d/%d bytes, file has %d", hdr.BlobSizeMem, hdr.BlobSizeDisk, len(blob))
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxPayload))
	if err != nil {
		return nil, errors.Wrap(err, "zstd decoder")
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(blob, make([]byte, 0, hdr.BlobSizeMem))
	if err != nil {
		return nil, errors.Wrap(ErrPayload, err.Error())
	}
	if uint64(len(payload)) != hdr.BlobSizeMem {
		return nil, errors.Wrapf(ErrSize, "payload is %d bytes, header declares %d", len(payload), hdr.BlobSizeMem)
	}
	if sum := adler32.Checksum(payload); sum != hdr.Checksum {
		return nil, errors.Wrapf(ErrChecksum, "%08x != %08x", sum, hdr.Checksum)
	}

	build, entries, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if build != c.build {
		return nil, errors.Wrapf(ErrBuild, "file %q, image %q", build, c.build)
	}
	return entries, nil
}

// ReadHeader parses and checks the magic of a cache file header.
func ReadHeader(raw []byte) (Header, error) {
	var hdr Header
	if len(raw) < headerSize {
		return hdr, errors.Wrapf(ErrBadMagic, "%d bytes", len(raw))
	}
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return hdr, errors.Wrap(ErrBadMagic, err.Error())
	}
	if hdr.Magic != Magic {
		return hdr, errors.Wrapf(ErrBadMagic, "magic %#08x", uint32(hdr.Magic))
	}
	return hdr, nil
}
