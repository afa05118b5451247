package codec

import (
	"sort"
	"strconv"
)

// Encode produces the canonical wire form of v: sorted dict keys,
// integers with no leading zeros and no negative zero.
func Encode(v Value) []byte {
	buf := make([]byte, 0, 64)
	return appendValue(buf, v)
}

func appendValue(buf []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		return appendInt(buf, 'i', v.Int)
	case KindTimestamp:
		return appendInt(buf, 't', v.Int)
	case KindBytes:
		buf = strconv.AppendInt(buf, int64(len(v.Bytes)), 10)
		buf = append(buf, ':')
		return append(buf, v.Bytes...)
	case KindList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			buf = appendValue(buf, item)
		}
		return append(buf, 'e')
	case KindDict:
		buf = append(buf, 'd')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = appendValue(buf, Str([]byte(k)))
			buf = appendValue(buf, v.Dict[k])
		}
		return append(buf, 'e')
	default:
		panic("codec: encode of invalid Value kind")
	}
}

func appendInt(buf []byte, sigil byte, n int64) []byte {
	buf = append(buf, sigil)
	buf = strconv.AppendInt(buf, n, 10)
	return append(buf, 'e')
}
