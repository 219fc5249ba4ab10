package xpc

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/muxstack/muxstack/ios/h2"
)

// Connection is a RemoteXPC channel to a service reached over the tunnel
// interface of an iOS17+ device: XPC messages framed by codec.go, carried
// over the two fixed streams h2.Http2Frames exposes.
type Connection struct {
	frames *h2.Http2Frames
	msgId  uint64
}

// NewConnection performs the HTTP/2 preface/SETTINGS/WINDOW_UPDATE exchange
// over rw (steps 1-4 of the RemoteXPC handshake) and returns a Connection.
// It sends none of the XPC handshake frames on the root or reply channel;
// rsd.PerformHandshake runs the full nine-step sequence and wraps the
// result with WrapFrames.
func NewConnection(rw io.ReadWriteCloser) (*Connection, error) {
	frames, err := h2.NewHttp2Frames(rw)
	if err != nil {
		return nil, fmt.Errorf("NewConnection: %w", err)
	}
	return &Connection{frames: frames, msgId: 1}, nil
}

// WrapFrames builds a Connection directly on top of an already-handshaked
// Http2Frames, used by ios/rsd once its nine-step handshake has completed.
func WrapFrames(frames *h2.Http2Frames) *Connection {
	return &Connection{frames: frames, msgId: 1}
}

// ReceiveOnServerClientStream blocks for the next message on the
// server-to-client stream, the channel async service replies arrive on.
func (c *Connection) ReceiveOnServerClientStream() (map[string]interface{}, error) {
	msg, err := DecodeMessage(h2.NewStreamReadWriter(c.frames, h2.ServerClient))
	if err != nil {
		return nil, fmt.Errorf("ReceiveOnServerClientStream: %w", err)
	}
	return msg.Body, nil
}

// ReceiveOnClientServerStream blocks for the next message on the
// client-to-server stream (used by a handful of services that echo there).
func (c *Connection) ReceiveOnClientServerStream() (map[string]interface{}, error) {
	msg, err := DecodeMessage(h2.NewStreamReadWriter(c.frames, h2.ClientServer))
	if err != nil {
		return nil, fmt.Errorf("ReceiveOnClientServerStream: %w", err)
	}
	return msg.Body, nil
}

// Send encodes data as an XPC dictionary message and writes it to the
// client-to-server stream. Extra flags (e.g. HeartbeatReplyFlag) can be
// OR'd in on top of the defaults this always sets.
func (c *Connection) Send(data map[string]interface{}, flags ...uint32) error {
	f := AlwaysSetFlag
	if data != nil {
		f |= DataFlag
	}
	for _, flag := range flags {
		f |= flag
	}
	msg := XpcMessage{
		Flags: f,
		Body:  data,
		Id:    atomic.AddUint64(&c.msgId, 1) - 1,
	}
	return EncodeMessage(h2.NewStreamReadWriter(c.frames, h2.ClientServer), msg)
}

// EncodeMessageBytes is used by the handshake code in ios/rsd, which needs
// a complete encoded frame to hand to h2.Http2Frames.WriteDataOnRoot rather
// than a stream writer.
func EncodeMessageBytes(msg XpcMessage) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := EncodeMessage(buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Connection) Close() error {
	return c.frames.Close()
}
