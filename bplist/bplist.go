// Package bplist encodes and decodes Apple binary property lists (bplist00),
// the self-describing offset-table format used throughout the usbmuxd and
// lockdown wire protocols.
package bplist

import "time"

// Value is a recursive tagged union mirroring the set of types a binary
// property list can represent. Exactly one field is meaningful per Kind.
type Value struct {
	Kind Kind

	Bool   bool
	Int    int64
	Uint   uint64 // encoder input only; Decode always yields KindInt, so an 8-byte value above MaxInt64 decodes as a negative Int
	Real   float64
	Date   time.Time
	Data   []byte
	String string
	Array  []Value
	Dict   *Dict
}

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindReal
	KindDate
	KindData
	KindString
	KindArray
	KindDict
)

// Dict is an ordered string-keyed map. Binary plists observe insertion order
// on the wire (keys precede values in separate reference blocks), so a plain
// Go map cannot represent it faithfully.
type Dict struct {
	keys   []string
	values []Value
}

// NewDict creates an empty, order-preserving dictionary.
func NewDict() *Dict {
	return &Dict{}
}

// Set appends key/value, or overwrites the value in place if key is already
// present (preserving its original position).
func (d *Dict) Set(key string, v Value) {
	for i, k := range d.keys {
		if k == key {
			d.values[i] = v
			return
		}
	}
	d.keys = append(d.keys, key)
	d.values = append(d.values, v)
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (Value, bool) {
	for i, k := range d.keys {
		if k == key {
			return d.values[i], true
		}
	}
	return Value{}, false
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	return d.keys
}

func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func Uint(u uint64) Value        { return Value{Kind: KindUint, Uint: u} }
func Real(f float64) Value       { return Value{Kind: KindReal, Real: f} }
func DateVal(t time.Time) Value  { return Value{Kind: KindDate, Date: t} }
func Bytes(b []byte) Value       { return Value{Kind: KindData, Data: b} }
func Str(s string) Value         { return Value{Kind: KindString, String: s} }
func ArrayVal(v []Value) Value   { return Value{Kind: KindArray, Array: v} }
func DictVal(d *Dict) Value      { return Value{Kind: KindDict, Dict: d} }

// epoch is the Apple reference date, 2001-01-01T00:00:00Z, against which
// bplist date values are seconds offsets.
var epoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// IsBplist reports whether buf begins with the binary plist magic.
func IsBplist(buf []byte) bool {
	return len(buf) >= 8 && string(buf[:6]) == "bplist"
}

// tag nibbles, per Apple's CFBinaryPList format.
const (
	tagNull    = 0x00
	tagFalse   = 0x08
	tagTrue    = 0x09
	tagInt     = 0x10
	tagReal    = 0x20
	tagDate    = 0x30
	tagData    = 0x40
	tagASCII   = 0x50
	tagUTF16   = 0x60
	tagArray   = 0xA0
	tagDict    = 0xD0
	tagFillHi  = 0xF0 // unused high nibble reserved by the format
	realWidth  = 8    // doubles are always encoded 8-byte big endian
	dateWidth  = 8
	magicLen   = 8
	trailerLen = 32
)
