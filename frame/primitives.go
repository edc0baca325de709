package frame

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrShortBody is returned when a body ends in the middle of a value.
var ErrShortBody = errors.New("frame body is truncated")

func AppendShort(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

func AppendInt(dst []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

// AppendString appends a [string]: [short] length followed by the bytes.
func AppendString(dst []byte, s string) []byte {
	dst = AppendShort(dst, uint16(len(s)))
	return append(dst, s...)
}

// AppendLongString appends a [long string]: [int] length followed by the bytes.
func AppendLongString(dst []byte, s string) []byte {
	dst = AppendInt(dst, int32(len(s)))
	return append(dst, s...)
}

// AppendBytes appends [bytes]; nil is encoded as a negative length.
func AppendBytes(dst []byte, b []byte) []byte {
	if b == nil {
		return AppendInt(dst, -1)
	}
	dst = AppendInt(dst, int32(len(b)))
	return append(dst, b...)
}

func AppendStringList(dst []byte, l []string) []byte {
	dst = AppendShort(dst, uint16(len(l)))
	for _, s := range l {
		dst = AppendString(dst, s)
	}
	return dst
}

func AppendStringMap(dst []byte, m map[string]string) []byte {
	dst = AppendShort(dst, uint16(len(m)))
	for k, v := range m {
		dst = AppendString(dst, k)
		dst = AppendString(dst, v)
	}
	return dst
}

func AppendStringMultiMap(dst []byte, m map[string][]string) []byte {
	dst = AppendShort(dst, uint16(len(m)))
	for k, v := range m {
		dst = AppendString(dst, k)
		dst = AppendStringList(dst, v)
	}
	return dst
}

// Reader decodes protocol primitives from a body.
// The first decoding failure is sticky: check Err() once after reading everything.
type Reader struct {
	buf []byte
	err error
}

func NewReader(body []byte) *Reader {
	return &Reader{buf: body}
}

func (r *Reader) Err() error {
	return r.err
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf)
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = ErrShortBody
		return nil
	}

	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *Reader) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Short() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Int() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) ShortString() string {
	return string(r.take(int(r.Short())))
}

func (r *Reader) LongString() string {
	n := r.Int()
	if n < 0 {
		r.fail(errors.Errorf("negative long string length %d", n))
		return ""
	}
	return string(r.take(int(n)))
}

// Bytes reads [bytes]. A negative length yields nil.
func (r *Reader) Bytes() []byte {
	n := r.Int()
	if n < 0 {
		return nil
	}
	return r.take(int(n))
}

func (r *Reader) ShortBytes() []byte {
	return r.take(int(r.Short()))
}

func (r *Reader) StringList() []string {
	n := int(r.Short())
	l := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		l = append(l, r.ShortString())
	}
	return l
}

func (r *Reader) StringMap() map[string]string {
	n := int(r.Short())
	m := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.ShortString()
		m[k] = r.ShortString()
	}
	return m
}

func (r *Reader) StringMultiMap() map[string][]string {
	n := int(r.Short())
	m := make(map[string][]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.ShortString()
		m[k] = r.StringList()
	}
	return m
}

// Rest returns all unread bytes.
func (r *Reader) Rest() []byte {
	return r.take(len(r.buf))
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func fitsShort(n int) bool {
	return n >= 0 && n <= math.MaxUint16
}
