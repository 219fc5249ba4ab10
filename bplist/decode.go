package bplist

import (
	"encoding/binary"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf16"
)

type decoder struct {
	buf        []byte
	numObjects uint64
	refSize    int
	offsetSize int
	offsets    []uint64
}

// Decode parses a binary property list image into a Value tree.
func Decode(buf []byte) (Value, error) {
	if !IsBplist(buf) {
		return Value{}, newErr(InvalidMagic, "missing 'bplist' prefix")
	}
	if len(buf) < magicLen+trailerLen {
		return Value{}, newErr(Truncated, "file shorter than magic+trailer")
	}

	trailer := buf[len(buf)-trailerLen:]
	offsetSize := int(trailer[6])
	refSize := int(trailer[7])
	numObjects := binary.BigEndian.Uint64(trailer[8:16])
	topObjectID := binary.BigEndian.Uint64(trailer[16:24])
	offsetTableOffset := binary.BigEndian.Uint64(trailer[24:32])

	if !validWidth(offsetSize) || !validWidth(refSize) {
		return Value{}, newErr(BadTrailer, "offset_size/ref_size must be one of 1,2,4,8")
	}
	if topObjectID >= numObjects {
		return Value{}, newErr(BadTrailer, "top_object_id %d out of range for %d objects", topObjectID, numObjects)
	}
	if offsetTableOffset+numObjects*uint64(offsetSize) > uint64(len(buf)) {
		return Value{}, newErr(Truncated, "offset table extends past end of file")
	}

	d := &decoder{buf: buf, numObjects: numObjects, refSize: refSize, offsetSize: offsetSize}
	d.offsets = make([]uint64, numObjects)
	for i := uint64(0); i < numObjects; i++ {
		pos := offsetTableOffset + i*uint64(offsetSize)
		d.offsets[i] = readUintWidth(buf[pos:], offsetSize)
	}

	if err := d.checkNoOverlap(); err != nil {
		return Value{}, err
	}

	return d.materialize(topObjectID, map[uint64]bool{})
}

type objectRange struct {
	id    uint64
	start uint64
	end   uint64
}

// checkNoOverlap computes every object's byte extent from the offset table
// and rejects the image if any two ranges intersect. This only measures
// each object's own tag+header+refs bytes, not the space its children
// occupy elsewhere in the file - that's enough to catch an offset table
// that aliases two objects onto the same bytes.
func (d *decoder) checkNoOverlap() error {
	ranges := make([]objectRange, d.numObjects)
	for id := uint64(0); id < d.numObjects; id++ {
		offset := d.offsets[id]
		if offset >= uint64(len(d.buf)) {
			return newErr(Truncated, "object %d offset %d past end of file", id, offset)
		}
		length, err := d.objectHeaderLength(offset)
		if err != nil {
			return err
		}
		ranges[id] = objectRange{id: id, start: offset, end: offset + length}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	for i := 1; i < len(ranges); i++ {
		if ranges[i].start < ranges[i-1].end {
			return newErr(OverlappingOffsets, "object %d [%d,%d) overlaps object %d [%d,%d)",
				ranges[i].id, ranges[i].start, ranges[i].end,
				ranges[i-1].id, ranges[i-1].start, ranges[i-1].end)
		}
	}
	return nil
}

// objectHeaderLength returns the number of bytes the object at offset
// occupies: tag byte, any extended-length header, and (for containers) its
// own ref table - not the bytes its children occupy elsewhere.
func (d *decoder) objectHeaderLength(offset uint64) (uint64, error) {
	r := d.buf[offset:]
	if len(r) < 1 {
		return 0, newErr(Truncated, "object at %d truncated before tag byte", offset)
	}
	tag := r[0]
	nibble := tag & 0xF0
	low := int(tag & 0x0F)

	switch nibble {
	case 0x00:
		return 1, nil
	case tagInt:
		width := 1 << low
		if len(r) < 1+width {
			return 0, newErr(Truncated, "int object truncated")
		}
		return uint64(1 + width), nil
	case tagReal:
		width := 1 << low
		if width != 8 || len(r) < 9 {
			return 0, newErr(BadTrailer, "unsupported real width %d", width)
		}
		return 9, nil
	case tagDate:
		width := 1 << low
		if width != 8 || len(r) < 9 {
			return 0, newErr(BadTrailer, "unsupported date width %d", width)
		}
		return 9, nil
	case tagData:
		return d.lengthPrefixedExtent(r, low, 1)
	case tagASCII:
		return d.lengthPrefixedExtent(r, low, 1)
	case tagUTF16:
		return d.lengthPrefixedExtent(r, low, 2)
	case tagArray:
		return d.lengthPrefixedExtent(r, low, d.refSize)
	case tagDict:
		return d.lengthPrefixedExtent(r, low, 2*d.refSize)
	default:
		return 0, newErr(BadTrailer, "unknown type tag 0x%02x", tag)
	}
}

// lengthPrefixedExtent returns the total byte length (header plus payload)
// of a length-prefixed object whose payload consists of count elements of
// elemSize bytes each.
func (d *decoder) lengthPrefixedExtent(r []byte, low int, elemSize int) (uint64, error) {
	count, body, err := d.readLengthPrefixed(r, low)
	if err != nil {
		return 0, err
	}
	headerLen := len(r) - len(body)
	payloadLen := count * elemSize
	if len(body) < payloadLen {
		return 0, newErr(Truncated, "object payload truncated")
	}
	return uint64(headerLen + payloadLen), nil
}

func validWidth(w int) bool {
	return w == 1 || w == 2 || w == 4 || w == 8
}

func (d *decoder) materialize(id uint64, trail map[uint64]bool) (Value, error) {
	if id >= d.numObjects {
		return Value{}, newErr(BadRef, "reference %d >= num_objects %d", id, d.numObjects)
	}
	if trail[id] {
		return Value{}, newErr(Cycle, "cyclic reference at object %d", id)
	}
	trail[id] = true
	defer delete(trail, id)

	offset := d.offsets[id]
	if offset >= uint64(len(d.buf)) {
		return Value{}, newErr(Truncated, "object %d offset %d past end of file", id, offset)
	}
	r := d.buf[offset:]

	tag := r[0]
	nibble := tag & 0xF0
	low := int(tag & 0x0F)

	switch nibble {
	case 0x00:
		switch tag {
		case tagNull:
			return Null(), nil
		case tagFalse:
			return Bool(false), nil
		case tagTrue:
			return Bool(true), nil
		}
		return Value{}, newErr(BadTrailer, "unknown fill-type tag 0x%02x", tag)
	case tagInt:
		width := 1 << low
		if len(r) < 1+width {
			return Value{}, newErr(Truncated, "int object truncated")
		}
		return Int(decodeSignedWidth(r[1:1+width], width)), nil
	case tagReal:
		width := 1 << low
		if width != 8 || len(r) < 9 {
			return Value{}, newErr(BadTrailer, "unsupported real width %d", width)
		}
		bits := binary.BigEndian.Uint64(r[1:9])
		return Real(math.Float64frombits(bits)), nil
	case tagDate:
		width := 1 << low
		if width != 8 || len(r) < 9 {
			return Value{}, newErr(BadTrailer, "unsupported date width %d", width)
		}
		bits := binary.BigEndian.Uint64(r[1:9])
		secs := math.Float64frombits(bits)
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return Value{}, newErr(DateOutOfRange, "date seconds value %v is not finite", secs)
		}
		return DateVal(epoch.Add(time.Duration(secs * float64(time.Second)))), nil
	case tagData:
		length, body, err := d.readLengthPrefixed(r, low)
		if err != nil {
			return Value{}, err
		}
		if len(body) < length {
			return Value{}, newErr(Truncated, "data object truncated")
		}
		out := make([]byte, length)
		copy(out, body[:length])
		return Bytes(out), nil
	case tagASCII:
		length, body, err := d.readLengthPrefixed(r, low)
		if err != nil {
			return Value{}, err
		}
		if len(body) < length {
			return Value{}, newErr(Truncated, "ascii string truncated")
		}
		return Str(string(body[:length])), nil
	case tagUTF16:
		length, body, err := d.readLengthPrefixed(r, low)
		if err != nil {
			return Value{}, err
		}
		if len(body) < length*2 {
			return Value{}, newErr(Truncated, "utf16 string truncated")
		}
		units := make([]uint16, length)
		for i := 0; i < length; i++ {
			units[i] = binary.BigEndian.Uint16(body[i*2 : i*2+2])
		}
		decoded, err := decodeUTF16Strict(units)
		if err != nil {
			return Value{}, err
		}
		s := strings.TrimRight(decoded, "\x00")
		return Str(s), nil
	case tagArray:
		count, body, err := d.readLengthPrefixed(r, low)
		if err != nil {
			return Value{}, err
		}
		if len(body) < count*d.refSize {
			return Value{}, newErr(Truncated, "array refs truncated")
		}
		out := make([]Value, count)
		for i := 0; i < count; i++ {
			ref := readUintWidth(body[i*d.refSize:], d.refSize)
			v, err := d.materialize(ref, trail)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return ArrayVal(out), nil
	case tagDict:
		count, body, err := d.readLengthPrefixed(r, low)
		if err != nil {
			return Value{}, err
		}
		if len(body) < 2*count*d.refSize {
			return Value{}, newErr(Truncated, "dict refs truncated")
		}
		keyRefs := make([]uint64, count)
		valRefs := make([]uint64, count)
		for i := 0; i < count; i++ {
			keyRefs[i] = readUintWidth(body[i*d.refSize:], d.refSize)
		}
		valBase := count * d.refSize
		for i := 0; i < count; i++ {
			valRefs[i] = readUintWidth(body[valBase+i*d.refSize:], d.refSize)
		}
		dict := NewDict()
		for i := 0; i < count; i++ {
			k, err := d.materialize(keyRefs[i], trail)
			if err != nil {
				return Value{}, err
			}
			if k.Kind != KindString {
				return Value{}, newErr(BadTrailer, "dict key object %d is not a string", keyRefs[i])
			}
			v, err := d.materialize(valRefs[i], trail)
			if err != nil {
				return Value{}, err
			}
			dict.Set(k.String, v)
		}
		return DictVal(dict), nil
	default:
		return Value{}, newErr(BadTrailer, "unknown type tag 0x%02x", tag)
	}
}

// readLengthPrefixed reads the embedded-or-extended length nibble at the
// start of r (r[0] is the tag byte) and returns the length plus the slice of
// r that follows the length encoding (tag byte and any extended int header).
func (d *decoder) readLengthPrefixed(r []byte, low int) (int, []byte, error) {
	if low != 0x0F {
		if len(r) < 1 {
			return 0, nil, newErr(Truncated, "length-tagged object truncated")
		}
		return low, r[1:], nil
	}
	if len(r) < 2 {
		return 0, nil, newErr(Truncated, "extended length header truncated")
	}
	intTag := r[1]
	if intTag&0xF0 != tagInt {
		return 0, nil, newErr(BadTrailer, "expected int header for extended length, got 0x%02x", intTag)
	}
	width := 1 << int(intTag&0x0F)
	if len(r) < 2+width {
		return 0, nil, newErr(Truncated, "extended length value truncated")
	}
	length := decodeSignedWidth(r[2:2+width], width)
	if length < 0 {
		return 0, nil, newErr(BadTrailer, "negative length %d", length)
	}
	return int(length), r[2+width:], nil
}

// decodeUTF16Strict decodes big-endian UTF-16 code units, rejecting
// unpaired surrogates instead of silently substituting U+FFFD the way
// utf16.Decode does.
func decodeUTF16Strict(units []uint16) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(units); i++ {
		u := units[i]
		switch {
		case u < 0xD800 || u > 0xDFFF:
			sb.WriteRune(rune(u))
		case u <= 0xDBFF:
			if i+1 >= len(units) {
				return "", newErr(Utf16Decode, "unpaired high surrogate 0x%04x at end of string", u)
			}
			low := units[i+1]
			if low < 0xDC00 || low > 0xDFFF {
				return "", newErr(Utf16Decode, "high surrogate 0x%04x not followed by a low surrogate (got 0x%04x)", u, low)
			}
			sb.WriteRune(utf16.DecodeRune(rune(u), rune(low)))
			i++
		default:
			return "", newErr(Utf16Decode, "unpaired low surrogate 0x%04x", u)
		}
	}
	return sb.String(), nil
}

func decodeSignedWidth(b []byte, width int) int64 {
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	if width == 8 {
		return int64(v)
	}
	signBit := uint64(1) << (uint(width)*8 - 1)
	if v&signBit != 0 {
		v |= ^uint64(0) << (uint(width) * 8)
	}
	return int64(v)
}

func readUintWidth(b []byte, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
