package internal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	amqpError "github.com/aleybovich/carrot-client/amqperror"
)

// Field table type tags.
const (
	tagLongString = 'S'
	tagInt        = 'I'
	tagDecimal    = 'D'
	tagTimestamp  = 'T'
	tagTable      = 'F'
)

const maxShortStringLen = 255

// FieldValue is one of LongString, Int, Decimal, Timestamp or Table.
// The set is closed: fieldTag is unexported.
type FieldValue interface {
	fieldTag() byte
}

// LongString is an arbitrary byte string, tag 'S'.
type LongString []byte

// Int is a signed 32-bit integer, tag 'I'.
type Int int32

// Decimal is Value x 10^-Scale, tag 'D'.
type Decimal struct {
	Scale uint8
	Value int32
}

// Timestamp is seconds since the Unix epoch, tag 'T'.
type Timestamp uint64

// Field is a single named table entry.
type Field struct {
	Name  string
	Value FieldValue
}

// Table is a field table. Entry order is kept so that encoding is
// reproducible; names are unique.
type Table []Field

func (LongString) fieldTag() byte { return tagLongString }
func (Int) fieldTag() byte        { return tagInt }
func (Decimal) fieldTag() byte    { return tagDecimal }
func (Timestamp) fieldTag() byte  { return tagTimestamp }
func (Table) fieldTag() byte      { return tagTable }

func (s LongString) String() string { return string(s) }

// Float64 returns the decimal as a float; precision may be lost.
func (d Decimal) Float64() float64 {
	return float64(d.Value) / math.Pow10(int(d.Scale))
}

// String renders the exact decimal, e.g. {2, -12345} is "-123.45".
func (d Decimal) String() string {
	digits := strconv.FormatInt(int64(d.Value), 10)
	sign := ""
	if d.Value < 0 {
		sign, digits = "-", digits[1:]
	}
	scale := int(d.Scale)
	if scale == 0 {
		return sign + digits
	}
	if len(digits) <= scale {
		digits = strings.Repeat("0", scale-len(digits)+1) + digits
	}
	cut := len(digits) - scale
	return sign + digits[:cut] + "." + digits[cut:]
}

// Get returns the value stored under name.
func (t Table) Get(name string) (FieldValue, bool) {
	for _, f := range t {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the value stored under name, or appends a new entry.
func (t *Table) Set(name string, v FieldValue) {
	for i := range *t {
		if (*t)[i].Name == name {
			(*t)[i].Value = v
			return
		}
	}
	*t = append(*t, Field{Name: name, Value: v})
}

// String formats the table for log output.
func (t Table) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range t {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", f.Name, f.Value)
	}
	sb.WriteByte('}')
	return sb.String()
}

// Reader decodes AMQP fields from a byte source.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func newBytesReader(b []byte) *Reader {
	return &Reader{r: bytes.NewReader(b)}
}

func (r *Reader) readFull(n int, what string) ([]byte, error) {
	if l, ok := r.r.(interface{ Len() int }); ok && n > l.Len() {
		return nil, fmt.Errorf("%w: not enough data for %s: expected %d, available %d: %w",
			amqpError.ErrDecode, what, n, l.Len(), io.ErrUnexpectedEOF)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", amqpError.ErrDecode, what, err)
	}
	return buf, nil
}

func (r *Reader) ReadOctet() (uint8, error) {
	b, err := r.readFull(1, "octet")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadShort() (uint16, error) {
	b, err := r.readFull(2, "short")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadLong() (uint32, error) {
	b, err := r.readFull(4, "long")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadLongLong() (uint64, error) {
	b, err := r.readFull(8, "longlong")
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadShortString reads a length octet and that many UTF-8 bytes.
func (r *Reader) ReadShortString() (string, error) {
	length, err := r.ReadOctet()
	if err != nil {
		return "", fmt.Errorf("reading short string length: %w", err)
	}
	if length == 0 {
		return "", nil
	}
	data, err := r.readFull(int(length), "short string")
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: short string is not valid UTF-8", amqpError.ErrDecode)
	}
	return string(data), nil
}

// ReadLongString reads a 4-byte length and that many raw bytes.
func (r *Reader) ReadLongString() ([]byte, error) {
	length, err := r.ReadLong()
	if err != nil {
		return nil, fmt.Errorf("reading long string length: %w", err)
	}
	return r.readFull(int(length), "long string")
}

// ReadTable reads a length-prefixed field table. Entries must fill the
// declared length exactly.
func (r *Reader) ReadTable() (Table, error) {
	length, err := r.ReadLong()
	if err != nil {
		return nil, fmt.Errorf("reading table length: %w", err)
	}
	data, err := r.readFull(int(length), "table")
	if err != nil {
		return nil, err
	}

	region := bytes.NewReader(data)
	entries := &Reader{r: region}
	table := Table{}
	for region.Len() > 0 {
		name, value, err := entries.readField()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: field table entry overruns declared length %d: %w",
					amqpError.ErrFraming, length, err)
			}
			return nil, err
		}
		table.Set(name, value)
	}
	return table, nil
}

func (r *Reader) readField() (string, FieldValue, error) {
	name, err := r.ReadShortString()
	if err != nil {
		return "", nil, fmt.Errorf("reading field name: %w", err)
	}
	tag, err := r.ReadOctet()
	if err != nil {
		return "", nil, fmt.Errorf("reading type of field %q: %w", name, err)
	}

	var value FieldValue
	switch tag {
	case tagLongString:
		var s []byte
		s, err = r.ReadLongString()
		value = LongString(s)
	case tagInt:
		var v uint32
		v, err = r.ReadLong()
		value = Int(int32(v))
	case tagDecimal:
		var scale uint8
		var v uint32
		if scale, err = r.ReadOctet(); err == nil {
			v, err = r.ReadLong()
		}
		value = Decimal{Scale: scale, Value: int32(v)}
	case tagTimestamp:
		var v uint64
		v, err = r.ReadLongLong()
		value = Timestamp(v)
	case tagTable:
		value, err = r.ReadTable()
	default:
		return "", nil, fmt.Errorf("%w: unsupported field table value type: %c (%d) for field %q",
			amqpError.ErrDecode, tag, tag, name)
	}
	if err != nil {
		return "", nil, fmt.Errorf("reading value of field %q (type %c): %w", name, tag, err)
	}
	return name, value, nil
}

// Writer encodes AMQP fields. Consecutive bits are packed into octets,
// least significant bit first; any other write flushes pending bits.
type Writer struct {
	buf      bytes.Buffer
	bits     []byte
	bitCount int
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) flushBits() {
	if len(w.bits) == 0 {
		return
	}
	w.buf.Write(w.bits)
	w.bits = w.bits[:0]
	w.bitCount = 0
}

// Bytes flushes pending bits and returns the encoded bytes.
func (w *Writer) Bytes() []byte {
	w.flushBits()
	return w.buf.Bytes()
}

// Write appends raw bytes.
func (w *Writer) Write(p []byte) (int, error) {
	w.flushBits()
	return w.buf.Write(p)
}

func (w *Writer) WriteBit(b bool) {
	shift := w.bitCount % 8
	if shift == 0 {
		w.bits = append(w.bits, 0)
	}
	if b {
		w.bits[len(w.bits)-1] |= 1 << shift
	}
	w.bitCount++
}

func (w *Writer) WriteOctet(v uint8) {
	w.flushBits()
	w.buf.WriteByte(v)
}

func (w *Writer) WriteShort(v uint16) {
	w.flushBits()
	w.buf.Write(binary.BigEndian.AppendUint16(nil, v))
}

func (w *Writer) WriteLong(v uint32) {
	w.flushBits()
	w.buf.Write(binary.BigEndian.AppendUint32(nil, v))
}

func (w *Writer) WriteLongLong(v uint64) {
	w.flushBits()
	w.buf.Write(binary.BigEndian.AppendUint64(nil, v))
}

// WriteShortString fails if s is longer than 255 bytes or is not UTF-8.
func (w *Writer) WriteShortString(s string) error {
	w.flushBits()
	if len(s) > maxShortStringLen {
		return fmt.Errorf("%w: short string of %d bytes exceeds %d", amqpError.ErrEncode, len(s), maxShortStringLen)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: short string is not valid UTF-8", amqpError.ErrEncode)
	}
	w.buf.WriteByte(uint8(len(s)))
	w.buf.WriteString(s)
	return nil
}

func (w *Writer) WriteLongString(s []byte) {
	w.WriteLong(uint32(len(s)))
	w.buf.Write(s)
}

// WriteTable buffers the encoded entries to learn their length, then
// writes the length-prefixed table. Field names must be unique.
func (w *Writer) WriteTable(t Table) error {
	w.flushBits()
	entries := NewWriter()
	seen := make(map[string]struct{}, len(t))
	for _, f := range t {
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate field name %q", amqpError.ErrEncode, f.Name)
		}
		seen[f.Name] = struct{}{}
		if err := entries.WriteShortString(f.Name); err != nil {
			return fmt.Errorf("writing field name: %w", err)
		}
		if err := entries.writeFieldValue(f.Value); err != nil {
			return fmt.Errorf("writing field %q: %w", f.Name, err)
		}
	}
	data := entries.Bytes()
	w.WriteLong(uint32(len(data)))
	w.buf.Write(data)
	return nil
}

func (w *Writer) writeFieldValue(v FieldValue) error {
	switch v := v.(type) {
	case LongString:
		w.WriteOctet(tagLongString)
		w.WriteLongString(v)
	case Int:
		w.WriteOctet(tagInt)
		w.WriteLong(uint32(int32(v)))
	case Decimal:
		w.WriteOctet(tagDecimal)
		w.WriteOctet(v.Scale)
		w.WriteLong(uint32(v.Value))
	case Timestamp:
		w.WriteOctet(tagTimestamp)
		w.WriteLongLong(uint64(v))
	case Table:
		w.WriteOctet(tagTable)
		return w.WriteTable(v)
	default:
		return fmt.Errorf("%w: unsupported field value type %T", amqpError.ErrEncode, v)
	}
	return nil
}
