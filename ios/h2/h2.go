// Package h2 implements the minimal HTTP/2 framing iOS17+ devices expect
// as the transport underneath a RemoteXPC connection: a connection preface,
// one round of SETTINGS/WINDOW_UPDATE, and two unidirectional DATA streams
// (client-to-server and server-to-client) carrying XPC messages.
package h2

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// StreamID identifies an HTTP/2 stream of a RemoteXPC tunnel: RootStream is
// stream 0, the connection-level stream that carries WINDOW_UPDATE; the two
// fixed XPC channels are ClientServer (stream 1, the ROOT channel) and
// ServerClient (stream 3, the REPLY channel).
type StreamID uint32

const (
	RootStream   = StreamID(0)
	ClientServer = StreamID(1)
	ServerClient = StreamID(3)
)

// Http2Frames is a wrapper around a http2.Framer that exposes the two fixed
// RemoteXPC streams as plain io.Reader/io.Writer pairs, hiding frame
// boundaries from callers above it (the XPC codec).
type Http2Frames struct {
	framer             *http2.Framer
	clientServerStream *bytes.Buffer
	serverClientStream *bytes.Buffer
	closer             io.Closer
	csIsOpen           *atomic.Bool
	scIsOpen           *atomic.Bool
}

func (r *Http2Frames) Close() error {
	return r.closer.Close()
}

// NewHttp2Frames performs the connection preface and initial SETTINGS/
// WINDOW_UPDATE exchange over rw, then returns a handle for reading and
// writing the two XPC streams.
func NewHttp2Frames(rw io.ReadWriteCloser) (*Http2Frames, error) {
	framer := http2.NewFramer(rw, rw)

	_, err := rw.Write([]byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"))
	if err != nil {
		return nil, fmt.Errorf("NewHttp2Frames: could not write preface: %w", err)
	}

	err = framer.WriteSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 100},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1048576},
	)
	if err != nil {
		return nil, fmt.Errorf("NewHttp2Frames: could not write settings: %w", err)
	}

	err = framer.WriteWindowUpdate(uint32(RootStream), 983041)
	if err != nil {
		return nil, fmt.Errorf("NewHttp2Frames: could not write window update: %w", err)
	}

	frame, err := framer.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("NewHttp2Frames: could not read frame: %w", err)
	}
	if frame.Header().Type == http2.FrameSettings {
		settings := frame.(*http2.SettingsFrame)
		if v, ok := settings.Value(http2.SettingInitialWindowSize); ok {
			framer.SetMaxReadFrameSize(v)
		}
		if err := framer.WriteSettingsAck(); err != nil {
			return nil, fmt.Errorf("NewHttp2Frames: could not write settings ack: %w", err)
		}
	} else {
		log.WithField("frame", frame.Header().String()).Warn("expected settings frame")
	}

	return &Http2Frames{
		framer:             framer,
		clientServerStream: bytes.NewBuffer(nil),
		serverClientStream: bytes.NewBuffer(nil),
		closer:             rw,
		csIsOpen:           &atomic.Bool{},
		scIsOpen:           &atomic.Bool{},
	}, nil
}

// WriteHeadersOnRoot sends a bare HEADERS frame on the ROOT channel
// (ClientServer, stream 1), used only during the RemoteXPC handshake.
func (r *Http2Frames) WriteHeadersOnRoot() error {
	return r.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:   uint32(ClientServer),
		EndHeaders: true,
	})
}

// WriteDataOnRoot writes a raw DATA frame on the ROOT channel (ClientServer,
// stream 1) with the given flags, without the HEADERS frame that
// WriteClientServerStream sends before its first write. Used for the
// handshake frames described in the RemoteXPC handshake sequence.
func (r *Http2Frames) WriteDataOnRoot(p []byte, endStream bool) error {
	return r.framer.WriteData(uint32(ClientServer), endStream, p)
}

// WriteSettingsAck acknowledges a SETTINGS frame from the peer.
func (r *Http2Frames) WriteSettingsAck() error {
	return r.framer.WriteSettingsAck()
}

// ReadFrame exposes the underlying framer's ReadFrame for handshake code
// that needs to inspect individual frames rather than reassembled streams.
func (r *Http2Frames) ReadFrame() (http2.Frame, error) {
	return r.framer.ReadFrame()
}

func (r *Http2Frames) ReadClientServerStream(p []byte) (int, error) {
	for r.clientServerStream.Len() < len(p) {
		if err := r.readDataFrame(); err != nil {
			return 0, fmt.Errorf("ReadClientServerStream: %w", err)
		}
	}
	return r.clientServerStream.Read(p)
}

func (r *Http2Frames) WriteClientServerStream(p []byte) (int, error) {
	return r.write(p, uint32(ClientServer), r.csIsOpen)
}

func (r *Http2Frames) WriteServerClientStream(p []byte) (int, error) {
	return r.write(p, uint32(ServerClient), r.scIsOpen)
}

func (r *Http2Frames) write(p []byte, stream uint32, isOpen *atomic.Bool) (int, error) {
	if isOpen.CompareAndSwap(false, true) {
		err := r.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:   stream,
			EndHeaders: true,
		})
		if err != nil {
			return 0, fmt.Errorf("write: could not send headers: %w", err)
		}
	}
	return r.Write(p, stream)
}

func (r *Http2Frames) Write(p []byte, streamID uint32) (int, error) {
	if err := r.framer.WriteData(streamID, false, p); err != nil {
		return 0, fmt.Errorf("Write: could not write data: %w", err)
	}
	return len(p), nil
}

func (r *Http2Frames) readDataFrame() error {
	for {
		f, err := r.framer.ReadFrame()
		if err != nil {
			return fmt.Errorf("readDataFrame: could not read frame: %w", err)
		}
		switch f.Header().Type {
		case http2.FrameData:
			d := f.(*http2.DataFrame)
			switch StreamID(d.StreamID) {
			case ClientServer:
				r.clientServerStream.Write(d.Data())
			case ServerClient:
				r.serverClientStream.Write(d.Data())
			default:
				return fmt.Errorf("readDataFrame: unknown stream id %d", d.StreamID)
			}
			return nil
		case http2.FrameGoAway:
			return fmt.Errorf("received GOAWAY")
		case http2.FrameSettings:
			s := f.(*http2.SettingsFrame)
			if s.Flags&http2.FlagSettingsAck != http2.FlagSettingsAck {
				if err := r.framer.WriteSettingsAck(); err != nil {
					return fmt.Errorf("readDataFrame: could not write settings ack: %w", err)
				}
			}
		case http2.FrameRSTStream:
			rst := f.(*http2.RSTStreamFrame)
			return fmt.Errorf("readDataFrame: got RST frame with error code: %s", rst.ErrCode.String())
		default:
		}
	}
}

func (r *Http2Frames) ReadServerClientStream(p []byte) (int, error) {
	for r.serverClientStream.Len() < len(p) {
		if err := r.readDataFrame(); err != nil {
			return 0, err
		}
	}
	return r.serverClientStream.Read(p)
}

// StreamReadWriter adapts one of the two fixed streams to io.Reader/io.Writer.
type StreamReadWriter struct {
	h        *Http2Frames
	streamID StreamID
}

func NewStreamReadWriter(h *Http2Frames, streamID StreamID) StreamReadWriter {
	return StreamReadWriter{h: h, streamID: streamID}
}

func (h StreamReadWriter) Read(p []byte) (int, error) {
	switch h.streamID {
	case ClientServer:
		return h.h.ReadClientServerStream(p)
	case ServerClient:
		return h.h.ReadServerClientStream(p)
	default:
		return 0, fmt.Errorf("Read: unknown stream id %d", h.streamID)
	}
}

func (h StreamReadWriter) Write(p []byte) (int, error) {
	switch h.streamID {
	case ClientServer:
		return h.h.WriteClientServerStream(p)
	case ServerClient:
		return h.h.WriteServerClientStream(p)
	default:
		return 0, fmt.Errorf("Write: unknown stream id %d", h.streamID)
	}
}
