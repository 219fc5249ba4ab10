package bplist

import (
	"bytes"
	"encoding/binary"
	"math"
	"unicode/utf16"
)

type dictChild struct {
	keys []int
	vals []int
}

type encoder struct {
	objects       []Value
	arrayChildren map[int][]int
	dictChildren  map[int]dictChild
	nullID        int
	trueID        int
	falseID       int
}

func newEncoder() *encoder {
	return &encoder{
		arrayChildren: map[int][]int{},
		dictChildren:  map[int]dictChild{},
		nullID:        -1,
		trueID:        -1,
		falseID:       -1,
	}
}

func (e *encoder) alloc(v Value) int {
	e.objects = append(e.objects, v)
	return len(e.objects) - 1
}

// assign walks v depth-first, pre-order, handing out object ids. null, true
// and false are canonical: every occurrence of each shares one object id.
func (e *encoder) assign(v Value) int {
	switch v.Kind {
	case KindNull:
		if e.nullID == -1 {
			e.nullID = e.alloc(v)
		}
		return e.nullID
	case KindBool:
		if v.Bool {
			if e.trueID == -1 {
				e.trueID = e.alloc(v)
			}
			return e.trueID
		}
		if e.falseID == -1 {
			e.falseID = e.alloc(v)
		}
		return e.falseID
	case KindArray:
		id := e.alloc(v)
		children := make([]int, len(v.Array))
		for i, c := range v.Array {
			children[i] = e.assign(c)
		}
		e.arrayChildren[id] = children
		return id
	case KindDict:
		id := e.alloc(v)
		keys := v.Dict.Keys()
		child := dictChild{keys: make([]int, len(keys)), vals: make([]int, len(keys))}
		for i, k := range keys {
			child.keys[i] = e.assign(Str(k))
			val, _ := v.Dict.Get(k)
			child.vals[i] = e.assign(val)
		}
		e.dictChildren[id] = child
		return id
	default:
		return e.alloc(v)
	}
}

// Encode serializes root into a binary property list image per the bplist00
// format: magic, object records, offset table, 32-byte trailer.
func Encode(root Value) ([]byte, error) {
	e := newEncoder()
	topID := e.assign(root)

	numObjects := len(e.objects)
	refSize := minBytesUnsigned(uint64(numObjects - 1))

	buf := bytes.NewBuffer(nil)
	buf.WriteString("bplist00")

	offsets := make([]uint64, numObjects)
	for id, v := range e.objects {
		offsets[id] = uint64(buf.Len())
		if err := e.writeObject(buf, id, v, refSize); err != nil {
			return nil, err
		}
	}

	offsetTableOffset := uint64(buf.Len())
	var maxOffset uint64
	for _, o := range offsets {
		if o > maxOffset {
			maxOffset = o
		}
	}
	offsetSize := minBytesUnsigned(maxOffset)
	for _, o := range offsets {
		writeUintWidth(buf, o, offsetSize)
	}

	// trailer: 6 unused bytes, offset_size, ref_size, num_objects, top_object_id, offset_table_offset
	buf.Write(make([]byte, 6))
	buf.WriteByte(byte(offsetSize))
	buf.WriteByte(byte(refSize))
	writeUint64BE(buf, uint64(numObjects))
	writeUint64BE(buf, uint64(topID))
	writeUint64BE(buf, offsetTableOffset)

	return buf.Bytes(), nil
}

func (e *encoder) writeObject(buf *bytes.Buffer, id int, v Value, refSize int) error {
	switch v.Kind {
	case KindNull:
		buf.WriteByte(tagNull)
	case KindBool:
		if v.Bool {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case KindInt:
		writeIntTagged(buf, v.Int)
	case KindUint:
		// values outside int64 range always take the full 8-byte form.
		if v.Uint <= math.MaxInt64 {
			writeIntTagged(buf, int64(v.Uint))
		} else {
			buf.WriteByte(tagInt | 0x03)
			writeUint64BE(buf, v.Uint)
		}
	case KindReal:
		buf.WriteByte(tagReal | 0x03)
		writeUint64BE(buf, math.Float64bits(v.Real))
	case KindDate:
		buf.WriteByte(tagDate | 0x03)
		secs := v.Date.Sub(epoch).Seconds()
		writeUint64BE(buf, math.Float64bits(secs))
	case KindData:
		writeLengthTag(buf, tagData, len(v.Data))
		buf.Write(v.Data)
	case KindString:
		if isASCII(v.String) {
			writeLengthTag(buf, tagASCII, len(v.String))
			buf.WriteString(v.String)
		} else {
			units := utf16.Encode([]rune(v.String))
			writeLengthTag(buf, tagUTF16, len(units))
			for _, u := range units {
				var b [2]byte
				binary.BigEndian.PutUint16(b[:], u)
				buf.Write(b[:])
			}
		}
	case KindArray:
		children := e.arrayChildren[id]
		writeLengthTag(buf, tagArray, len(children))
		for _, ref := range children {
			writeUintWidth(buf, uint64(ref), refSize)
		}
	case KindDict:
		child := e.dictChildren[id]
		writeLengthTag(buf, tagDict, len(child.keys))
		for _, ref := range child.keys {
			writeUintWidth(buf, uint64(ref), refSize)
		}
		for _, ref := range child.vals {
			writeUintWidth(buf, uint64(ref), refSize)
		}
	}
	return nil
}

// writeIntTagged picks the smallest of {1,2,4,8} bytes that represents i with
// its sign preserved, per the bplist int encoding rule.
func writeIntTagged(buf *bytes.Buffer, i int64) {
	switch {
	case i >= -128 && i <= 127:
		buf.WriteByte(tagInt | 0x00)
		buf.WriteByte(byte(i))
	case i >= -32768 && i <= 32767:
		buf.WriteByte(tagInt | 0x01)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(i))
		buf.Write(b[:])
	case i >= math.MinInt32 && i <= math.MaxInt32:
		buf.WriteByte(tagInt | 0x02)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(i))
		buf.Write(b[:])
	default:
		buf.WriteByte(tagInt | 0x03)
		writeUint64BE(buf, uint64(i))
	}
}

func writeLengthTag(buf *bytes.Buffer, highNibble byte, count int) {
	if count < 15 {
		buf.WriteByte(highNibble | byte(count))
		return
	}
	buf.WriteByte(highNibble | 0x0F)
	writeIntTagged(buf, int64(count))
}

func writeUint64BE(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUintWidth(buf *bytes.Buffer, v uint64, width int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[8-width:])
}

func minBytesUnsigned(v uint64) int {
	switch {
	case v <= math.MaxUint8:
		return 1
	case v <= math.MaxUint16:
		return 2
	case v <= math.MaxUint32:
		return 4
	default:
		return 8
	}
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 0x7F {
			return false
		}
	}
	return true
}
