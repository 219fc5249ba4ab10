// Package rsd implements the RemoteServiceDiscovery checkin that happens
// once a CoreDeviceProxy/RemoteXPC tunnel has been opened to an iOS17+
// device: a nine-step XPC handshake over raw HTTP/2 framing, followed by an
// RSDCheckin request whose response lists every service name and the port
// it listens on for the lifetime of the tunnel.
package rsd

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/net/http2"

	"github.com/muxstack/muxstack/ios/h2"
	"github.com/muxstack/muxstack/ios/xpc"
)

// PerformHandshake drives the nine-step RemoteXPC handshake over rw:
//
//  1. HTTP/2 connection preface
//  2. client SETTINGS (MAX_CONCURRENT_STREAMS, INITIAL_WINDOW_SIZE)
//  3. WINDOW_UPDATE on stream 0 (connection level)
//  4. read the peer's SETTINGS frame and ACK it
//  5. HEADERS on the root channel (stream 1)
//  6. DATA on the root channel: an empty XPC dictionary message
//  7. DATA on the root channel: an XPC message with no body, flags 0x201
//  8. HEADERS + DATA on the reply stream: InitHandshakeFlag, no body
//  9. read and discard the peer's final handshake frame
//
// Steps 1-4 are handled by h2.NewHttp2Frames; this function performs 5-9 and
// returns an xpc.Connection ready for ordinary XPC traffic.
func PerformHandshake(rw io.ReadWriteCloser) (*xpc.Connection, error) {
	frames, err := h2.NewHttp2Frames(rw)
	if err != nil {
		return nil, fmt.Errorf("PerformHandshake: %w", err)
	}

	if err := frames.WriteHeadersOnRoot(); err != nil {
		return nil, fmt.Errorf("PerformHandshake: writing root HEADERS: %w", err)
	}

	emptyDict, err := xpc.EncodeMessageBytes(xpc.XpcMessage{
		Flags: xpc.AlwaysSetFlag | xpc.DataFlag,
		Body:  map[string]interface{}{},
		Id:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("PerformHandshake: encoding empty dictionary: %w", err)
	}
	if err := frames.WriteDataOnRoot(emptyDict, false); err != nil {
		return nil, fmt.Errorf("PerformHandshake: writing empty dictionary: %w", err)
	}
	if _, err := readAnyDataMessage(frames); err != nil {
		return nil, fmt.Errorf("PerformHandshake: waiting on empty dictionary ack: %w", err)
	}

	ackFlags, err := xpc.EncodeMessageBytes(xpc.XpcMessage{Flags: 0x201, Id: 1})
	if err != nil {
		return nil, fmt.Errorf("PerformHandshake: encoding handshake ack: %w", err)
	}
	if err := frames.WriteDataOnRoot(ackFlags, false); err != nil {
		return nil, fmt.Errorf("PerformHandshake: writing handshake ack: %w", err)
	}
	if _, err := readAnyDataMessage(frames); err != nil {
		return nil, fmt.Errorf("PerformHandshake: waiting on handshake ack response: %w", err)
	}

	initHandshake, err := xpc.EncodeMessageBytes(xpc.XpcMessage{Flags: xpc.InitHandshakeFlag | xpc.AlwaysSetFlag, Id: 1})
	if err != nil {
		return nil, fmt.Errorf("PerformHandshake: encoding init handshake: %w", err)
	}
	if _, err := frames.WriteServerClientStream(initHandshake); err != nil {
		return nil, fmt.Errorf("PerformHandshake: writing init handshake on reply stream: %w", err)
	}
	if _, err := readAnyDataMessage(frames); err != nil {
		return nil, fmt.Errorf("PerformHandshake: waiting on init handshake response: %w", err)
	}

	return xpc.WrapFrames(frames), nil
}

// readAnyDataMessage reads frames until it finds a DATA frame (ACKing any
// interleaved SETTINGS frame along the way, the same way a steady-state
// connection would), then decodes it as an XPC message. Only used during
// the handshake, where the stream a given reply lands on isn't load-bearing.
func readAnyDataMessage(frames *h2.Http2Frames) (xpc.XpcMessage, error) {
	for {
		f, err := frames.ReadFrame()
		if err != nil {
			return xpc.XpcMessage{}, err
		}
		switch fr := f.(type) {
		case *http2.DataFrame:
			msg, err := xpc.DecodeMessage(bytes.NewReader(fr.Data()))
			if err != nil {
				return xpc.XpcMessage{}, fmt.Errorf("readAnyDataMessage: %w", err)
			}
			return msg, nil
		case *http2.SettingsFrame:
			if fr.Flags&http2.FlagSettingsAck == 0 {
				if err := frames.WriteSettingsAck(); err != nil {
					return xpc.XpcMessage{}, err
				}
			}
		case *http2.GoAwayFrame:
			return xpc.XpcMessage{}, fmt.Errorf("readAnyDataMessage: received GOAWAY: %s", fr.ErrCode)
		default:
			// ignore WINDOW_UPDATE, PING and anything else seen mid-handshake.
		}
	}
}
