package ios

import (
	"encoding/binary"
	"io"
)

// Endian selects the byte order of the length field a LengthSplitter reads.
type Endian int

const (
	// LittleEndian matches the usbmuxd wire header, where Length is the
	// first of four little-endian uint32 fields.
	LittleEndian Endian = iota
	// BigEndian matches the lockdown/XPC framing, where the length prefix
	// is a lone big-endian uint32.
	BigEndian
)

// SplitterConfig describes how a LengthSplitter carves frames out of a byte
// stream. A frame occupies LengthOffset+LengthWidth bytes of header, then a
// payload whose length is read from those bytes plus Adjust.
//
// usbmuxd's 16 byte header encodes the length of the *entire* message
// (header included), so MuxClient uses Adjust=-4 to subtract the 4 bytes of
// the length field itself from what's already been consumed and leave the
// remaining 12 header bytes + plist as the emitted payload. Lockdown's 4
// byte prefix is payload-only, so LockdownClient uses Adjust=0.
type SplitterConfig struct {
	LengthOffset int
	LengthWidth  int
	Adjust       int
	Endian       Endian
	MaxFrame     int
}

// LengthSplitter is a pure, stateless-per-call byte-stream demuxer: given a
// io.Reader, it knows how to pull exactly one length-prefixed frame off of
// it and return the payload bytes that follow the length field. It carries
// no knowledge of what the payload means — that's the codec's job above it.
type LengthSplitter struct {
	cfg SplitterConfig
}

// NewLengthSplitter builds a LengthSplitter for the given configuration.
func NewLengthSplitter(cfg SplitterConfig) *LengthSplitter {
	return &LengthSplitter{cfg: cfg}
}

// ReadFrame reads one frame from r and returns its payload, i.e. everything
// after the length field (and any other fixed header bytes up to
// LengthOffset+LengthWidth).
func (s *LengthSplitter) ReadFrame(r io.Reader) ([]byte, error) {
	cfg := s.cfg
	headerLen := cfg.LengthOffset + cfg.LengthWidth
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, wrapErr(Framing, err, "reading %d byte frame header", headerLen)
	}

	lengthField := header[cfg.LengthOffset : cfg.LengthOffset+cfg.LengthWidth]
	var length int64
	switch cfg.LengthWidth {
	case 4:
		if cfg.Endian == LittleEndian {
			length = int64(binary.LittleEndian.Uint32(lengthField))
		} else {
			length = int64(binary.BigEndian.Uint32(lengthField))
		}
	default:
		return nil, newErr(Framing, "unsupported length field width %d", cfg.LengthWidth)
	}
	length += int64(cfg.Adjust)
	if length < 0 {
		return nil, newErr(Framing, "frame length %d is negative after adjustment", length)
	}
	if cfg.MaxFrame > 0 && length > int64(cfg.MaxFrame) {
		return nil, newErr(Framing, "frame length %d exceeds maximum %d", length, cfg.MaxFrame)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, wrapErr(Framing, err, "reading %d byte frame payload", length)
	}
	return payload, nil
}

// WriteFrame writes payload to w prefixed with a length field computed so
// that decoding it with ReadFrame reproduces the same payload. extraHeader,
// if non-empty, is written between the length field and the payload and
// must already be included by the caller in how it wants the length
// interpreted (MuxClient passes the version/request/tag trio here).
func (s *LengthSplitter) WriteFrame(w io.Writer, extraHeader []byte, payload []byte) error {
	cfg := s.cfg
	// Inverse of ReadFrame's `length := lengthField + Adjust`: the bytes
	// following the length field are extraHeader+payload, so the field we
	// write must satisfy lengthField + Adjust == len(extraHeader)+len(payload).
	total := len(extraHeader) + len(payload) - cfg.Adjust
	if total < 0 {
		return newErr(Framing, "computed negative frame length")
	}

	lengthField := make([]byte, cfg.LengthWidth)
	switch cfg.LengthWidth {
	case 4:
		if cfg.Endian == LittleEndian {
			binary.LittleEndian.PutUint32(lengthField, uint32(total))
		} else {
			binary.BigEndian.PutUint32(lengthField, uint32(total))
		}
	default:
		return newErr(Framing, "unsupported length field width %d", cfg.LengthWidth)
	}

	if _, err := w.Write(lengthField); err != nil {
		return wrapErr(Transport, err, "writing frame length")
	}
	if len(extraHeader) > 0 {
		if _, err := w.Write(extraHeader); err != nil {
			return wrapErr(Transport, err, "writing frame extra header")
		}
	}
	if _, err := w.Write(payload); err != nil {
		return wrapErr(Transport, err, "writing frame payload")
	}
	return nil
}
