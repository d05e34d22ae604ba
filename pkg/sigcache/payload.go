package sigcache

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldBuild   protowire.Number = 1
	fieldEntries protowire.Number = 2

	fieldEntryKey protowire.Number = 1
	fieldEntryRVA protowire.Number = 2
)

func marshalPayload(build string, keys []string, entries map[string]uint64) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldBuild, protowire.BytesType)
	b = protowire.AppendString(b, build)

	var e []byte
	for _, k := range keys {
		e = e[:0]
		e = protowire.AppendTag(e, fieldEntryKey, protowire.BytesType)
		e = protowire.AppendString(e, k)
		e = protowire.AppendTag(e, fieldEntryRVA, protowire.VarintType)
		e = protowire.AppendVarint(e, entries[k])

		b = protowire.AppendTag(b, fieldEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

func unmarshalPayload(b []byte) (string, map[string]uint64, error) {
	var build string
	entries := map[string]uint64{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, errors.Wrap(ErrPayload, protowire.ParseError(n).Error())
		}
		b = b[n:]
		switch {
		case num == fieldBuild && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, errors.Wrap(ErrPayload, protowire.ParseError(n).Error())
			}
			build = v
			b = b[n:]
		case num == fieldEntries && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, errors.Wrap(ErrPayload, protowire.ParseError(n).Error())
			}
			key, rva, err := unmarshalEntry(v)
			if err != nil {
				return "", nil, err
			}
			entries[key] = rva
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, errors.Wrap(ErrPayload, protowire.ParseError(n).Error())
			}
			b = b[n:]
		}
	}
	return build, entries, nil
}

func unmarshalEntry(b []byte) (string, uint64, error) {
	var (
		key    string
		rva    uint64
		hasKey bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", 0, errors.Wrap(ErrPayload, protowire.ParseError(n).Error())
		}
		b = b[n:]
		switch {
		case num == fieldEntryKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
			hasKey = true
		case num == fieldEntryRVA && typ == protowire.VarintType:
			rva, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", 0, errors.Wrap(ErrPayload, protowire.ParseError(n).Error())
		}
		b = b[n:]
	}
	if !hasKey {
		return "", 0, errors.Wrap(ErrPayload, "entry without pattern")
	}
	return key, rva, nil
}
