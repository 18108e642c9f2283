package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
)

// volatileFields are excluded from the canonical serialisation used to
// compute a Result's fingerprint: they vary run-to-run for an otherwise
// identical record and would defeat deduplication.
var volatileFields = map[string]bool{
	"scraped_at": true,
}

// Fingerprint computes the stable content hash over v's canonical
// serialisation: sorted object keys, UTF-8, excluding volatile fields. Returned as 64 lowercase
// hex characters (SHA-256).
func Fingerprint(v Value) string {
	var buf []byte
	buf = appendCanonical(buf, v)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func appendCanonical(buf []byte, v Value) []byte {
	switch v.kind {
	case KindNull:
		return append(buf, "null"...)
	case KindBool:
		b, _ := v.Bool()
		if b {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case KindNumber:
		n, _ := v.Number()
		buf = append(buf, 'n')
		return appendFloat(buf, n)
	case KindString:
		s, _ := v.Str()
		buf = append(buf, '"')
		buf = append(buf, s...)
		return append(buf, '"')
	case KindArray:
		buf = append(buf, '[')
		items, _ := v.Items()
		for i, item := range items {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, item)
		}
		return append(buf, ']')
	case KindObject:
		buf = append(buf, '{')
		first := true
		keys := append([]string(nil), v.Keys()...)
		sort.Strings(keys)
		for _, k := range keys {
			if volatileFields[k] {
				continue
			}
			if !first {
				buf = append(buf, ',')
			}
			first = false
			buf = append(buf, '"')
			buf = append(buf, k...)
			buf = append(buf, '"', ':')
			val, _ := v.Get(k)
			buf = appendCanonical(buf, val)
		}
		return append(buf, '}')
	default:
		return buf
	}
}

func appendFloat(buf []byte, f float64) []byte {
	return strconv.AppendFloat(buf, f, 'g', -1, 64)
}
