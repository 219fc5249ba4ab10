package ios

import (
	"bufio"
	"reflect"

	log "github.com/sirupsen/logrus"
)

// PlistTransport composes a DeviceConnectionInterface with a LengthSplitter
// and a PlistCodec to turn a raw, length-framed byte stream into a
// request/response channel of plist messages. It knows nothing about
// usbmuxd's header fields or lockdown's Request/Label conventions - those
// live one layer up, in MuxClient and LockdownClient respectively.
type PlistTransport struct {
	conn     DeviceConnectionInterface
	splitter *LengthSplitter
	codec    PlistCodec
	buffered *bufio.Reader
}

// NewPlistTransport wraps conn with the given splitter configuration. All
// reads are buffered so TLS upgrades can detect whether unconsumed
// plaintext bytes are still sitting in front of the handshake.
func NewPlistTransport(conn DeviceConnectionInterface, cfg SplitterConfig) *PlistTransport {
	return &PlistTransport{
		conn:     conn,
		splitter: NewLengthSplitter(cfg),
		codec:    NewPlistCodec(),
		buffered: bufio.NewReader(conn.Reader()),
	}
}

// Send encodes msg as a plist and writes it as one length-prefixed frame.
func (t *PlistTransport) Send(msg interface{}) error {
	payload, err := t.codec.Encode(msg)
	if err != nil {
		return wrapErr(Codec, err, "encoding %v", reflect.TypeOf(msg))
	}
	if err := t.splitter.WriteFrame(t.conn.Writer(), nil, payload); err != nil {
		return err
	}
	return nil
}

// Receive reads one length-prefixed frame and returns its raw plist bytes.
func (t *PlistTransport) Receive() ([]byte, error) {
	payload, err := t.splitter.ReadFrame(t.buffered)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// SendAndReceive is the common request/response round trip used by
// LockdownClient: send msg, then block for exactly one response frame.
func (t *PlistTransport) SendAndReceive(msg interface{}) ([]byte, error) {
	if err := t.Send(msg); err != nil {
		return nil, err
	}
	return t.Receive()
}

// UpgradeTLS swaps the underlying connection for a TLS client connection
// using pairRecord's host certificate and key. It is a protocol error to
// upgrade while plaintext bytes the peer already sent are still sitting
// unread in the transport's buffer - that would mean a response was
// pipelined ahead of the StartSession reply, which lockdown never does and
// which would otherwise be silently fed into the TLS handshake as noise.
func (t *PlistTransport) UpgradeTLS(pairRecord PairRecord) error {
	if t.buffered.Buffered() > 0 {
		return newErr(Protocol, "%d unread bytes present before TLS upgrade", t.buffered.Buffered())
	}
	if err := t.conn.EnableSessionSsl(pairRecord); err != nil {
		return wrapErr(Transport, err, "enabling TLS")
	}
	t.buffered = bufio.NewReader(t.conn.Reader())
	log.Debug("PlistTransport: TLS enabled")
	return nil
}

// Close closes the underlying connection.
func (t *PlistTransport) Close() error {
	return t.conn.Close()
}
