// Package pattern implements wildcard byte signatures and the scanner that
// locates them in a byte range.
package pattern

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrEmpty means the pattern has no bytes
	ErrEmpty = errors.New("empty pattern")
	// ErrMaskLength means bytes and mask differ in length
	ErrMaskLength = errors.New("mask length differs from pattern length")
	// ErrMaskChar means the mask contains something other than 'x' or '?'
	ErrMaskChar = errors.New("mask must contain only 'x' and '?'")
	// ErrNoAnchor means every position is a wildcard
	ErrNoAnchor = errors.New("pattern has no fixed byte")
	// ErrBadToken means a pattern string token is not a hex byte
	ErrBadToken = errors.New("bad pattern token")
)

// Pattern is an immutable byte sequence plus an equal-length mask where
// 'x' must match and '?' matches anything.
type Pattern struct {
	bytes  []byte
	mask   []byte
	anchor int
}

// New builds a pattern from raw bytes and a mask string.
func New(b []byte, mask string) (Pattern, error) {
	if len(b) == 0 {
		return Pattern{}, ErrEmpty
	}
	if len(b) != len(mask) {
		return Pattern{}, errors.Wrapf(ErrMaskLength, "%d bytes, %d mask", len(b), len(mask))
	}
	p := Pattern{
		bytes:  append([]byte(nil), b...),
		mask:   []byte(mask),
		anchor: -1,
	}
	for i, m := range p.mask {
		switch m {
		case 'x':
			if p.anchor < 0 {
				p.anchor = i
			}
		case '?':
			p.bytes[i] = 0
		default:
			return Pattern{}, errors.Wrapf(ErrMaskChar, "position %d", i)
		}
	}
	if p.anchor < 0 {
		return Pattern{}, ErrNoAnchor
	}
	return p, nil
}

// Exact builds a pattern with no wildcards.
func Exact(b []byte) (Pattern, error) {
	return New(b, strings.Repeat("x", len(b)))
}

// Parse reads the "48 8B 05 ?? ?? ?? ??" form. A token of "?" or "??" is a
// wildcard.
func Parse(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Pattern{}, ErrEmpty
	}
	b := make([]byte, len(fields))
	mask := make([]byte, len(fields))
	for i, tok := range fields {
		if tok == "?" || tok == "??" {
			mask[i] = '?'
			continue
		}
		if len(tok) != 2 {
			return Pattern{}, errors.Wrapf(ErrBadToken, "%q", tok)
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return Pattern{}, errors.Wrapf(ErrBadToken, "%q", tok)
		}
		b[i] = byte(v)
		mask[i] = 'x'
	}
	return New(b, string(mask))
}

// MustParse is Parse that panics, for static signature tables.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) Len() int { return len(p.bytes) }

// Bytes returns a copy of the pattern bytes; wildcard positions are zero.
func (p Pattern) Bytes() []byte { return append([]byte(nil), p.bytes...) }

// Mask returns the mask string.
func (p Pattern) Mask() string { return string(p.mask) }

// String returns the canonical form, used as the signature cache key.
func (p Pattern) String() string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	sb.Grow(len(p.bytes) * 3)
	for i, b := range p.bytes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if p.mask[i] == '?' {
			sb.WriteString("??")
			continue
		}
		sb.WriteByte(hex[b>>4])
		sb.WriteByte(hex[b&0xF])
	}
	return sb.String()
}

// Match reports whether p matches at the start of data.
func (p Pattern) Match(data []byte) bool {
	if len(data) < len(p.bytes) || len(p.bytes) == 0 {
		return false
	}
	return p.matchAt(data, 0)
}

func (p Pattern) matchAt(data []byte, at int) bool {
	d := data[at : at+len(p.bytes)]
	for i, m := range p.mask {
		if m == 'x' && d[i] != p.bytes[i] {
			return false
		}
	}
	return true
}
