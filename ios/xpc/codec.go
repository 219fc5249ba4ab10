// Package xpc implements the RemoteXPC wire codec used by iOS17+ services
// reached over the tunnel interface: a little-endian wrapper header
// followed by a type-tagged, 4-byte-aligned object tree.
package xpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

const bodyVersion = uint32(0x00000005)

const (
	wrapperMagic = uint32(0x29b00b92)
	objectMagic  = uint32(0x42133742)
)

type xpcType uint32

const (
	nullType         = xpcType(0x00001000)
	boolType         = xpcType(0x00002000)
	int64Type        = xpcType(0x00003000)
	uint64Type       = xpcType(0x00004000)
	doubleType       = xpcType(0x00005000)
	dateType         = xpcType(0x00007000)
	dataType         = xpcType(0x00008000)
	stringType       = xpcType(0x00009000)
	uuidType         = xpcType(0x0000a000)
	arrayType        = xpcType(0x0000e000)
	dictionaryType   = xpcType(0x0000f000)
	fileTransferType = xpcType(0x0001a000)
)

// Flag bits carried in the wrapper header.
const (
	AlwaysSetFlag        = uint32(0x00000001)
	DataFlag             = uint32(0x00000100)
	HeartbeatRequestFlag = uint32(0x00010000)
	HeartbeatReplyFlag   = uint32(0x00020000)
	FileOpenFlag         = uint32(0x00100000)
	InitHandshakeFlag    = uint32(0x00400000)
)

type wrapperHeader struct {
	Flags   uint32
	BodyLen uint64
	MsgId   uint64
}

// XpcMessage is one decoded RemoteXPC frame: its flags plus, if present, a
// dictionary body.
type XpcMessage struct {
	Flags uint32
	Body  map[string]interface{}
	Id    uint64
}

func (m XpcMessage) IsFileOpen() bool {
	return m.Flags&FileOpenFlag > 0
}

// FileTransfer describes an in-flight file payload announced via the
// fileTransferType object.
type FileTransfer struct {
	MsgId        uint64
	TransferSize uint64
}

// DecodeMessage reads one complete RemoteXPC frame from r.
func DecodeMessage(r io.Reader) (XpcMessage, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return XpcMessage{}, fmt.Errorf("DecodeMessage: failed to read magic number: %w", err)
	}
	if magic != wrapperMagic {
		return XpcMessage{}, fmt.Errorf("DecodeMessage: wrong magic number 0x%x", magic)
	}
	msg, err := decodeWrapper(r)
	if err != nil {
		return XpcMessage{}, fmt.Errorf("DecodeMessage: failed to decode wrapper: %w", err)
	}
	return msg, nil
}

// EncodeMessage writes message as one complete RemoteXPC frame to w.
func EncodeMessage(w io.Writer, message XpcMessage) error {
	if message.Body == nil {
		wrapper := struct {
			Magic  uint32
			Header wrapperHeader
		}{
			Magic: wrapperMagic,
			Header: wrapperHeader{
				Flags:   message.Flags,
				BodyLen: 0,
				MsgId:   message.Id,
			},
		}
		if err := binary.Write(w, binary.LittleEndian, wrapper); err != nil {
			return fmt.Errorf("EncodeMessage: failed to write empty message: %w", err)
		}
		return nil
	}

	buf := bytes.NewBuffer(nil)
	if err := encodeDictionary(buf, message.Body); err != nil {
		return fmt.Errorf("EncodeMessage: failed to encode dictionary: %w", err)
	}

	wrapper := struct {
		Magic  uint32
		Header wrapperHeader
		Body   struct {
			Magic   uint32
			Version uint32
		}
	}{
		Magic: wrapperMagic,
		Header: wrapperHeader{
			Flags:   message.Flags,
			BodyLen: uint64(buf.Len() + 8),
			MsgId:   message.Id,
		},
		Body: struct {
			Magic   uint32
			Version uint32
		}{
			Magic:   objectMagic,
			Version: bodyVersion,
		},
	}

	if err := binary.Write(w, binary.LittleEndian, wrapper); err != nil {
		return fmt.Errorf("EncodeMessage: failed to write xpc wrapper: %w", err)
	}
	if _, err := io.Copy(w, buf); err != nil {
		return fmt.Errorf("EncodeMessage: failed to write message body: %w", err)
	}
	return nil
}

func decodeWrapper(r io.Reader) (XpcMessage, error) {
	var h wrapperHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return XpcMessage{}, fmt.Errorf("decodeWrapper: failed to decode header: %w", err)
	}
	if h.BodyLen == 0 {
		return XpcMessage{Flags: h.Flags, Id: h.MsgId}, nil
	}
	body, err := decodeBody(r, h)
	if err != nil {
		return XpcMessage{}, fmt.Errorf("decodeWrapper: failed to decode body: %w", err)
	}
	return XpcMessage{Flags: h.Flags, Body: body, Id: h.MsgId}, nil
}

func decodeBody(r io.Reader, h wrapperHeader) (map[string]interface{}, error) {
	bodyHeader := struct {
		Magic   uint32
		Version uint32
	}{}
	if err := binary.Read(r, binary.LittleEndian, &bodyHeader); err != nil {
		return nil, fmt.Errorf("decodeBody: failed to decode header: %w", err)
	}
	if bodyHeader.Magic != objectMagic {
		return nil, fmt.Errorf("decodeBody: invalid object magic number 0x%x", bodyHeader.Magic)
	}
	if bodyHeader.Version != bodyVersion {
		return nil, fmt.Errorf("decodeBody: expected version 0x%x but got 0x%x", bodyVersion, bodyHeader.Version)
	}
	bodyPayloadLength := h.BodyLen - 8
	body := make([]byte, bodyPayloadLength)
	n, err := io.ReadFull(r, body)
	if err != nil {
		return nil, fmt.Errorf("decodeBody: failed to read body data: %w", err)
	}
	if uint64(n) != bodyPayloadLength {
		return nil, fmt.Errorf("decodeBody: could not read full body, only %d instead of %d", n, bodyPayloadLength)
	}
	res, err := decodeObject(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decodeBody: failed to decode body: %w", err)
	}
	dict, ok := res.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("decodeBody: top level object is not a dictionary")
	}
	return dict, nil
}

func decodeObject(r io.Reader) (interface{}, error) {
	var t xpcType
	if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
		return nil, fmt.Errorf("decodeObject: could not read type: %w", err)
	}
	switch t {
	case nullType:
		return nil, nil
	case boolType:
		return decodeBool(r)
	case int64Type:
		return decodeInt64(r)
	case uint64Type:
		return decodeUint64(r)
	case doubleType:
		return decodeDouble(r)
	case dateType:
		return decodeDate(r)
	case dataType:
		return decodeData(r)
	case stringType:
		return decodeString(r)
	case uuidType:
		return decodeUuid(r)
	case arrayType:
		return decodeArray(r)
	case dictionaryType:
		return decodeDictionary(r)
	case fileTransferType:
		return decodeFileTransfer(r)
	default:
		return nil, fmt.Errorf("decodeObject: can't handle unknown type 0x%08x", t)
	}
}

func decodeUuid(r io.Reader) (uuid.UUID, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return uuid.UUID{}, fmt.Errorf("decodeUuid: failed to read data: %w", err)
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("decodeUuid: failed to parse UUID: %w", err)
	}
	return u, nil
}

func decodeFileTransfer(r io.Reader) (FileTransfer, error) {
	header := struct{ MsgId uint64 }{}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return FileTransfer{}, fmt.Errorf("decodeFileTransfer: failed to read data: %w", err)
	}
	d, err := decodeObject(r)
	if err != nil {
		return FileTransfer{}, fmt.Errorf("decodeFileTransfer: failed to decode object: %w", err)
	}
	dict, ok := d.(map[string]interface{})
	if !ok {
		return FileTransfer{}, fmt.Errorf("decodeFileTransfer: expected a dictionary but got %T", d)
	}
	transferLen, ok := dict["s"].(uint64)
	if !ok {
		return FileTransfer{}, fmt.Errorf("decodeFileTransfer: expected uint64 for transfer length")
	}
	return FileTransfer{MsgId: header.MsgId, TransferSize: transferLen}, nil
}

func decodeDictionary(r io.Reader) (map[string]interface{}, error) {
	var payloadLen, numEntries uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("decodeDictionary: failed to read payload length: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &numEntries); err != nil {
		return nil, fmt.Errorf("decodeDictionary: failed to read number of entries: %w", err)
	}
	dict := make(map[string]interface{}, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		key, err := readDictionaryKey(r)
		if err != nil {
			return nil, fmt.Errorf("decodeDictionary: failed to read key: %w", err)
		}
		dict[key], err = decodeObject(r)
		if err != nil {
			return nil, fmt.Errorf("decodeDictionary: failed to decode object for key '%s': %w", key, err)
		}
	}
	return dict, nil
}

func readDictionaryKey(r io.Reader) (string, error) {
	var b strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("readDictionaryKey: failed to read character: %w", err)
		}
		if buf[0] == 0 {
			s := b.String()
			toSkip := calcPadding(len(s) + 1)
			if _, err := io.CopyN(io.Discard, r, toSkip); err != nil {
				return "", fmt.Errorf("readDictionaryKey: failed to discard padding: %w", err)
			}
			return s, nil
		}
		b.WriteByte(buf[0])
	}
}

func decodeArray(r io.Reader) ([]interface{}, error) {
	var payloadLen, numEntries uint32
	if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("decodeArray: failed to read payload length: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &numEntries); err != nil {
		return nil, fmt.Errorf("decodeArray: failed to read number of entries: %w", err)
	}
	arr := make([]interface{}, numEntries)
	var err error
	for i := uint32(0); i < numEntries; i++ {
		arr[i], err = decodeObject(r)
		if err != nil {
			return nil, fmt.Errorf("decodeArray: failed to decode object at index %d: %w", i, err)
		}
	}
	return arr, nil
}

func decodeString(r io.Reader) (string, error) {
	var l uint32
	if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
		return "", fmt.Errorf("decodeString: failed to read string length: %w", err)
	}
	s := make([]byte, l)
	if _, err := io.ReadFull(r, s); err != nil {
		return "", fmt.Errorf("decodeString: failed to read string: %w", err)
	}
	res := strings.Trim(string(s), "\x00")
	toSkip := calcPadding(int(l))
	if _, err := io.CopyN(io.Discard, r, toSkip); err != nil {
		return "", fmt.Errorf("decodeString: failed to skip padding bytes: %w", err)
	}
	return res, nil
}

func decodeData(r io.Reader) ([]byte, error) {
	var l uint32
	if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
		return nil, fmt.Errorf("decodeData: failed to read payload length: %w", err)
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("decodeData: failed to read payload: %w", err)
	}
	toSkip := calcPadding(int(l))
	if _, err := io.CopyN(io.Discard, r, toSkip); err != nil {
		return nil, fmt.Errorf("decodeData: failed to skip padding: %w", err)
	}
	return b, nil
}

func decodeDouble(r io.Reader) (interface{}, error) {
	var d float64
	if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
		return 0, fmt.Errorf("decodeDouble: failed to read data: %w", err)
	}
	return d, nil
}

func decodeUint64(r io.Reader) (uint64, error) {
	var i uint64
	if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
		return 0, fmt.Errorf("decodeUint64: failed to read data: %w", err)
	}
	return i, nil
}

func decodeInt64(r io.Reader) (int64, error) {
	var i int64
	if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
		return 0, fmt.Errorf("decodeInt64: failed to read data: %w", err)
	}
	return i, nil
}

func decodeBool(r io.Reader) (bool, error) {
	var b bool
	if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
		return false, fmt.Errorf("decodeBool: failed to read data: %w", err)
	}
	_, _ = io.CopyN(io.Discard, r, 3)
	return b, nil
}

func decodeDate(r io.Reader) (time.Time, error) {
	var i int64
	if err := binary.Read(r, binary.LittleEndian, &i); err != nil {
		return time.Time{}, fmt.Errorf("decodeDate: failed to read date payload: %w", err)
	}
	return time.Unix(0, i), nil
}

func calcPadding(l int) int64 {
	c := int(math.Ceil(float64(l) / 4.0))
	return int64(c*4 - l)
}

func encodeDictionary(w io.Writer, v map[string]interface{}) error {
	buf := bytes.NewBuffer(nil)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(v))); err != nil {
		return fmt.Errorf("encodeDictionary: failed to write number of entries: %w", err)
	}
	for k, e := range v {
		if err := encodeDictionaryKey(buf, k); err != nil {
			return fmt.Errorf("encodeDictionary: failed to encode key '%s': %w", k, err)
		}
		if err := encodeObject(buf, e); err != nil {
			return fmt.Errorf("encodeDictionary: failed to encode object: %w", err)
		}
	}

	if err := binary.Write(w, binary.LittleEndian, dictionaryType); err != nil {
		return fmt.Errorf("encodeDictionary: failed to write type: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(buf.Len())); err != nil {
		return fmt.Errorf("encodeDictionary: failed to write payload length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("encodeDictionary: failed to write payload: %w", err)
	}
	return nil
}

func encodeObject(w io.Writer, e interface{}) error {
	if e == nil {
		if err := binary.Write(w, binary.LittleEndian, nullType); err != nil {
			return fmt.Errorf("encodeObject: failed to encode null object: %w", err)
		}
		return nil
	}
	if v := reflect.ValueOf(e); v.Kind() == reflect.Slice {
		if b, ok := e.([]byte); ok {
			return encodeData(w, b)
		}
		r := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			r[i] = v.Index(i).Interface()
		}
		return encodeArray(w, r)
	}
	switch t := e.(type) {
	case bool:
		return encodeBool(w, t)
	case int64:
		return encodeInt64(w, t)
	case uint64:
		return encodeUint64(w, t)
	case int:
		return encodeInt64(w, int64(t))
	case float64:
		return encodeDouble(w, t)
	case string:
		return encodeString(w, t)
	case uuid.UUID:
		return encodeUuid(w, t)
	case time.Time:
		return encodeDate(w, t)
	case map[string]interface{}:
		return encodeDictionary(w, t)
	default:
		return fmt.Errorf("encodeObject: can not encode type %T", t)
	}
}

func encodeUuid(w io.Writer, u uuid.UUID) error {
	out := struct {
		T xpcType
		U uuid.UUID
	}{uuidType, u}
	if err := binary.Write(w, binary.LittleEndian, out); err != nil {
		return fmt.Errorf("encodeUuid: failed to write payload: %w", err)
	}
	return nil
}

func encodeArray(w io.Writer, slice []interface{}) error {
	buf := bytes.NewBuffer(nil)
	for i, e := range slice {
		if err := encodeObject(buf, e); err != nil {
			return fmt.Errorf("encodeArray: failed to encode object at index %d: %w", i, err)
		}
	}
	header := struct {
		T          xpcType
		L          uint32
		NumObjects uint32
	}{arrayType, uint32(buf.Len()), uint32(len(slice))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("encodeArray: failed to write header: %w", err)
	}
	if _, err := io.Copy(w, buf); err != nil {
		return fmt.Errorf("encodeArray: failed to copy payload: %w", err)
	}
	return nil
}

func encodeString(w io.Writer, s string) error {
	header := struct {
		T xpcType
		L uint32
	}{stringType, uint32(len(s) + 1)}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("encodeString: failed to write header: %w", err)
	}
	toPad := calcPadding(int(header.L))
	padded := make([]byte, len(s)+int(toPad)+1)
	copy(padded, s)
	if _, err := w.Write(padded); err != nil {
		return fmt.Errorf("encodeString: failed to write payload: %w", err)
	}
	return nil
}

func encodeData(w io.Writer, b []byte) error {
	header := struct {
		T xpcType
		L uint32
	}{dataType, uint32(len(b))}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("encodeData: failed to write length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("encodeData: failed to write payload: %w", err)
	}
	toPad := calcPadding(int(header.L))
	if _, err := w.Write(make([]byte, toPad)); err != nil {
		return fmt.Errorf("encodeData: failed to write padding: %w", err)
	}
	return nil
}

func encodeUint64(w io.Writer, i uint64) error {
	out := struct {
		T xpcType
		I uint64
	}{uint64Type, i}
	if err := binary.Write(w, binary.LittleEndian, out); err != nil {
		return fmt.Errorf("encodeUint64: failed to write data: %w", err)
	}
	return nil
}

func encodeInt64(w io.Writer, i int64) error {
	out := struct {
		T xpcType
		I int64
	}{int64Type, i}
	if err := binary.Write(w, binary.LittleEndian, out); err != nil {
		return fmt.Errorf("encodeInt64: failed to write data: %w", err)
	}
	return nil
}

func encodeDouble(w io.Writer, d float64) error {
	out := struct {
		T xpcType
		D float64
	}{doubleType, d}
	if err := binary.Write(w, binary.LittleEndian, out); err != nil {
		return fmt.Errorf("encodeDouble: failed to write data: %w", err)
	}
	return nil
}

func encodeBool(w io.Writer, b bool) error {
	out := struct {
		T   xpcType
		B   bool
		Pad [3]byte
	}{T: boolType, B: b}
	if err := binary.Write(w, binary.LittleEndian, out); err != nil {
		return fmt.Errorf("encodeBool: failed to write data: %w", err)
	}
	return nil
}

func encodeDate(w io.Writer, t time.Time) error {
	out := struct {
		T xpcType
		I int64
	}{dateType, t.UnixNano()}
	if err := binary.Write(w, binary.LittleEndian, out); err != nil {
		return fmt.Errorf("encodeDate: failed to write data: %w", err)
	}
	return nil
}

func encodeDictionaryKey(w io.Writer, k string) error {
	strLen := len(k) + 1
	toPad := calcPadding(strLen)
	content := make([]byte, strLen+int(toPad))
	copy(content, k)
	if _, err := w.Write(content); err != nil {
		return fmt.Errorf("encodeDictionaryKey: failed to write data: %w", err)
	}
	return nil
}
