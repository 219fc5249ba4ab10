package xpc

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEmptyDictionary(t *testing.T) {
	msg := XpcMessage{
		Flags: AlwaysSetFlag | DataFlag,
		Body:  map[string]interface{}{},
		Id:    1,
	}
	buf := bytes.NewBuffer(nil)
	require.NoError(t, EncodeMessage(buf, msg))

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, msg.Flags, decoded.Flags)
	assert.Equal(t, msg.Body, decoded.Body)
}

func TestEncodeDecodeNilBody(t *testing.T) {
	msg := XpcMessage{Flags: InitHandshakeFlag | AlwaysSetFlag, Id: 7}
	buf := bytes.NewBuffer(nil)
	require.NoError(t, EncodeMessage(buf, msg))

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, msg.Flags, decoded.Flags)
	assert.Nil(t, decoded.Body)
	assert.Equal(t, msg.Id, decoded.Id)
}

func TestEncodeDecodeNestedDictionary(t *testing.T) {
	id := uuid.New()
	now := time.Unix(1700000000, 0)
	msg := XpcMessage{
		Flags: AlwaysSetFlag | DataFlag,
		Body: map[string]interface{}{
			"stringValue": "hello",
			"intValue":    int64(-42),
			"uintValue":   uint64(42),
			"boolValue":   true,
			"doubleValue": float64(3.5),
			"bytesValue":  []byte{0x01, 0x02, 0x03},
			"uuidValue":   id,
			"dateValue":   now,
			"arrayValue":  []interface{}{int64(1), int64(2), "three"},
			"dictValue": map[string]interface{}{
				"nested": "value",
			},
		},
		Id: 3,
	}
	buf := bytes.NewBuffer(nil)
	require.NoError(t, EncodeMessage(buf, msg))

	decoded, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", decoded.Body["stringValue"])
	assert.Equal(t, int64(-42), decoded.Body["intValue"])
	assert.Equal(t, uint64(42), decoded.Body["uintValue"])
	assert.Equal(t, true, decoded.Body["boolValue"])
	assert.Equal(t, float64(3.5), decoded.Body["doubleValue"])
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, decoded.Body["bytesValue"])
	assert.Equal(t, id, decoded.Body["uuidValue"])
	assert.Equal(t, now.UnixNano(), decoded.Body["dateValue"].(time.Time).UnixNano())
	assert.Equal(t, []interface{}{int64(1), int64(2), "three"}, decoded.Body["arrayValue"])
	assert.Equal(t, map[string]interface{}{"nested": "value"}, decoded.Body["dictValue"])
}

func TestDecodeMessageWrongMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	_, err := DecodeMessage(buf)
	assert.Error(t, err)
}

func TestEncodeMessageBytesUsedByHandshake(t *testing.T) {
	b, err := EncodeMessageBytes(XpcMessage{Flags: AlwaysSetFlag | DataFlag, Body: map[string]interface{}{}, Id: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, b)

	decoded, err := DecodeMessage(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{}, decoded.Body)
}
