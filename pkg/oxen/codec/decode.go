package codec

import (
	"bytes"
	"fmt"

	"github.com/jabolina/oxen/internal/oxenerr"
)

// Decode parses a single Value from data, rejecting trailing bytes,
// unsorted dict keys, non-canonical integers and any whitespace.
func Decode(data []byte) (Value, error) {
	d := &decoder{buf: data}
	v, err := d.value()
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.buf) {
		return Value{}, decodeErr("trailing bytes after top-level value", nil)
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func decodeErr(note string, cause error) error {
	return oxenerr.New(oxenerr.Decode, note, cause)
}

func (d *decoder) eof() bool {
	return d.pos >= len(d.buf)
}

func (d *decoder) peek() (byte, error) {
	if d.eof() {
		return 0, decodeErr("unexpected end of input", nil)
	}
	b := d.buf[d.pos]
	if isWhitespace(b) {
		return 0, decodeErr("whitespace is not permitted on the wire", nil)
	}
	return b, nil
}

func isWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}

func (d *decoder) value() (Value, error) {
	b, err := d.peek()
	if err != nil {
		return Value{}, err
	}
	switch {
	case b == 'i':
		n, err := d.integer('i', 'e')
		if err != nil {
			return Value{}, err
		}
		return Int(n), nil
	case b == 't':
		n, err := d.integer('t', 'e')
		if err != nil {
			return Value{}, err
		}
		return Timestamp(n), nil
	case b == 'l':
		return d.list()
	case b == 'd':
		return d.dict()
	case b >= '0' && b <= '9':
		return d.bytesValue()
	default:
		return Value{}, decodeErr(fmt.Sprintf("unexpected sigil %q", b), nil)
	}
}

// integer parses `<sigil><decimal><terminator>`, rejecting leading
// zeros (other than a lone "0"), negative zero and non-digit bytes.
func (d *decoder) integer(sigil, terminator byte) (int64, error) {
	if d.buf[d.pos] != sigil {
		return 0, decodeErr("integer: bad sigil", nil)
	}
	d.pos++
	neg := false
	if !d.eof() && d.buf[d.pos] == '-' {
		neg = true
		d.pos++
	}
	digitsStart := d.pos
	for !d.eof() && d.buf[d.pos] >= '0' && d.buf[d.pos] <= '9' {
		d.pos++
	}
	if d.pos == digitsStart {
		return 0, decodeErr("integer: no digits", nil)
	}
	digits := d.buf[digitsStart:d.pos]
	if len(digits) > 1 && digits[0] == '0' {
		return 0, decodeErr("integer: leading zero", nil)
	}
	if neg && digits[0] == '0' {
		return 0, decodeErr("integer: negative zero", nil)
	}
	if d.eof() || d.buf[d.pos] != terminator {
		return 0, decodeErr("integer: missing terminator", nil)
	}
	d.pos++

	var n int64
	for _, c := range digits {
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// bytesValue parses `<length>:<bytes>`, rejecting a leading zero on a
// length greater than zero digits (i.e. "01:" is invalid).
func (d *decoder) bytesValue() (Value, error) {
	start := d.pos
	for !d.eof() && d.buf[d.pos] >= '0' && d.buf[d.pos] <= '9' {
		d.pos++
	}
	if d.pos == start {
		return Value{}, decodeErr("octet string: missing length", nil)
	}
	digits := d.buf[start:d.pos]
	if len(digits) > 1 && digits[0] == '0' {
		return Value{}, decodeErr("octet string: leading zero in length", nil)
	}
	if d.eof() || d.buf[d.pos] != ':' {
		return Value{}, decodeErr("octet string: missing ':'", nil)
	}
	d.pos++

	var length int64
	for _, c := range digits {
		length = length*10 + int64(c-'0')
	}
	if length < 0 || int(length) < 0 {
		return Value{}, decodeErr("octet string: negative length", nil)
	}
	if d.pos+int(length) > len(d.buf) {
		return Value{}, decodeErr("octet string: length exceeds buffer", nil)
	}
	b := d.buf[d.pos : d.pos+int(length)]
	d.pos += int(length)
	return Str(b), nil
}

func (d *decoder) list() (Value, error) {
	d.pos++ // consume 'l'
	items := make([]Value, 0)
	for {
		b, err := d.peek()
		if err != nil {
			return Value{}, err
		}
		if b == 'e' {
			d.pos++
			return List(items...), nil
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dict() (Value, error) {
	d.pos++ // consume 'd'
	m := make(map[string]Value)
	var lastKey []byte
	haveLast := false
	for {
		b, err := d.peek()
		if err != nil {
			return Value{}, err
		}
		if b == 'e' {
			d.pos++
			return Dict(m), nil
		}
		if b < '0' || b > '9' {
			return Value{}, decodeErr("dict: key must be an octet string", nil)
		}
		keyVal, err := d.bytesValue()
		if err != nil {
			return Value{}, err
		}
		if haveLast && bytes.Compare(keyVal.Bytes, lastKey) <= 0 {
			return Value{}, decodeErr("dict: keys not in strictly ascending order", nil)
		}
		lastKey = keyVal.Bytes
		haveLast = true

		val, err := d.value()
		if err != nil {
			return Value{}, err
		}
		m[string(keyVal.Bytes)] = val
	}
}
