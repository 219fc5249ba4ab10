package ios

import (
	"encoding/binary"
	"errors"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrConnectionRefused is the sentinel wrapped into the error Connect
// returns when usbmuxd's own result code says the device refused the
// connection (as opposed to a framing/timeout/transport failure). Callers
// can check for it with errors.Is instead of parsing the message.
var ErrConnectionRefused = errors.New("connection refused")

const (
	usbmuxdSocketEnvVar = "USBMUXD_SOCKET_ADDRESS"
	defaultUsbmuxdSock  = "unix:///var/run/usbmuxd"
	windowsUsbmuxdSock  = "tcp://127.0.0.1:27015"

	muxProtoVersion = uint32(1)
	muxTypePlist    = uint32(8)
)

var muxSplitterConfig = SplitterConfig{
	LengthOffset: 0,
	LengthWidth:  4,
	Adjust:       -4,
	Endian:       LittleEndian,
	MaxFrame:     64 * 1024 * 1024,
}

// GetUsbmuxdSocket resolves the usbmuxd socket address: an explicit
// argument wins, then USBMUXD_SOCKET_ADDRESS, then the platform default.
func GetUsbmuxdSocket(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(usbmuxdSocketEnvVar); env != "" {
		return env
	}
	if runtime.GOOS == "windows" {
		return windowsUsbmuxdSock
	}
	return defaultUsbmuxdSock
}

// GetSocketTypeAndAddress splits a "unix://" or "tcp://" prefixed address
// into the (network, address) pair net.Dial expects.
func GetSocketTypeAndAddress(socketAddress string) (string, string) {
	switch {
	case strings.HasPrefix(socketAddress, "unix://"):
		return "unix", strings.TrimPrefix(socketAddress, "unix://")
	case strings.HasPrefix(socketAddress, "tcp://"):
		return "tcp", strings.TrimPrefix(socketAddress, "tcp://")
	default:
		return "unix", socketAddress
	}
}

type muxFrameHeader struct {
	Version uint32
	Request uint32
	Tag     uint32
}

func encodeMuxHeader(tag uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], muxProtoVersion)
	binary.LittleEndian.PutUint32(buf[4:8], muxTypePlist)
	binary.LittleEndian.PutUint32(buf[8:12], tag)
	return buf
}

func decodeMuxHeader(frame []byte) (muxFrameHeader, []byte, error) {
	if len(frame) < 12 {
		return muxFrameHeader{}, nil, newErr(Framing, "mux frame shorter than header: %d bytes", len(frame))
	}
	h := muxFrameHeader{
		Version: binary.LittleEndian.Uint32(frame[0:4]),
		Request: binary.LittleEndian.Uint32(frame[4:8]),
		Tag:     binary.LittleEndian.Uint32(frame[8:12]),
	}
	return h, frame[12:], nil
}

type muxFrame struct {
	header  muxFrameHeader
	payload []byte
	err     error
}

// MuxClient is a usbmuxd connection that dispatches responses by tag rather
// than assuming strict request/response ordering. A single background
// goroutine owns the socket read side; callers sending concurrent requests
// each get their own waiter channel and their own timeout, matching the
// fact that usbmuxd itself may interleave replies to overlapping requests.
type MuxClient struct {
	conn     DeviceConnectionInterface
	splitter *LengthSplitter
	codec    PlistCodec

	tagSeq uint32

	// writeMu serializes outgoing frames so concurrent requests never
	// interleave their length, header and payload writes on the socket.
	writeMu sync.Mutex

	mu        sync.Mutex
	waiters   map[uint32]chan muxFrame
	listeners map[uint32]chan AttachedMessage
	readErr   error
	closed    bool
	hasDetach bool
	detachTag uint32

	// stopped is closed when readLoop returns. Connect waits on it before
	// handing the raw conn back to its caller, so the caller never races
	// readLoop for bytes on the same socket.
	stopped chan struct{}
}

// NewMuxClient dials the usbmuxd socket (resolved via GetUsbmuxdSocket if
// socketAddress is empty) and starts its background read loop.
func NewMuxClient(socketAddress string) (*MuxClient, error) {
	addr := GetUsbmuxdSocket(socketAddress)
	network, address := GetSocketTypeAndAddress(addr)
	nc, err := net.Dial(network, address)
	if err != nil {
		return nil, wrapErr(Transport, err, "dialing usbmuxd at %s", addr)
	}
	return newMuxClientWithConn(NewDeviceConnectionWithConn(nc)), nil
}

func newMuxClientWithConn(conn DeviceConnectionInterface) *MuxClient {
	c := &MuxClient{
		conn:      conn,
		splitter:  NewLengthSplitter(muxSplitterConfig),
		codec:     NewPlistCodec(),
		waiters:   make(map[uint32]chan muxFrame),
		listeners: make(map[uint32]chan AttachedMessage),
		stopped:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *MuxClient) nextTag() uint32 {
	return atomic.AddUint32(&c.tagSeq, 1)
}

// markDetachTag tells readLoop to stop issuing further reads as soon as it
// has delivered the response for tag, instead of looping back for the next
// frame. Connect uses this to detach the read loop before handing the raw
// conn off to a caller that will read/write a different wire format on the
// same socket.
func (c *MuxClient) markDetachTag(tag uint32) {
	c.mu.Lock()
	c.hasDetach = true
	c.detachTag = tag
	c.mu.Unlock()
}

func (c *MuxClient) readLoop() {
	defer close(c.stopped)
	for {
		payload, err := c.splitter.ReadFrame(c.conn.Reader())
		if err != nil {
			c.failAll(err)
			return
		}
		header, body, err := decodeMuxHeader(payload)
		if err != nil {
			c.failAll(err)
			return
		}

		c.mu.Lock()
		if ch, ok := c.listeners[header.Tag]; ok {
			c.mu.Unlock()
			msg, err := attachedFromPayload(c.codec, body)
			if err != nil {
				log.WithError(err).Warn("MuxClient: dropping malformed Listen notification")
				continue
			}
			ch <- msg
			continue
		}
		ch, ok := c.waiters[header.Tag]
		if ok {
			delete(c.waiters, header.Tag)
		}
		detach := c.hasDetach && c.detachTag == header.Tag
		c.mu.Unlock()

		if !ok {
			log.Warnf("MuxClient: no waiter for tag %d, dropping frame", header.Tag)
			continue
		}
		ch <- muxFrame{header: header, payload: body}
		if detach {
			return
		}
	}
}

func (c *MuxClient) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tag, ch := range c.listeners {
		close(ch)
		delete(c.listeners, tag)
	}
	if c.closed {
		return
	}
	c.readErr = err
	for tag, ch := range c.waiters {
		ch <- muxFrame{err: err}
		delete(c.waiters, tag)
	}
}

// sendAndWait sends msg tagged with a fresh tag and blocks for the matching
// response, or until timeout elapses.
func (c *MuxClient) sendAndWait(msg interface{}, timeout time.Duration) ([]byte, error) {
	return c.sendAndWaitTagged(msg, c.nextTag(), timeout)
}

// sendAndWaitTagged is sendAndWait with the tag supplied by the caller,
// so a caller that needs to know the tag ahead of time (Connect, to mark it
// for detach) can register it before sending.
func (c *MuxClient) sendAndWaitTagged(msg interface{}, tag uint32, timeout time.Duration) ([]byte, error) {
	ch := make(chan muxFrame, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, wrapErr(Transport, err, "MuxClient connection already failed")
	}
	c.waiters[tag] = ch
	c.mu.Unlock()

	if err := c.send(msg, tag); err != nil {
		c.mu.Lock()
		delete(c.waiters, tag)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case f := <-ch:
		if f.err != nil {
			return nil, f.err
		}
		return f.payload, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.waiters, tag)
		c.mu.Unlock()
		return nil, newErr(Timeout, "no usbmuxd response for tag %d within %s", tag, timeout)
	}
}

func (c *MuxClient) send(msg interface{}, tag uint32) error {
	payload, err := c.codec.Encode(msg)
	if err != nil {
		return wrapErr(Codec, err, "encoding mux request")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.splitter.WriteFrame(c.conn.Writer(), encodeMuxHeader(tag), payload)
}

// Close shuts down the underlying socket; the background read loop exits
// on the resulting read error.
func (c *MuxClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

const defaultMuxTimeout = 5 * time.Second

type muxBaseRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
}

func newMuxBaseRequest(messageType string) muxBaseRequest {
	return muxBaseRequest{
		MessageType:         messageType,
		ProgName:            "muxstack",
		ClientVersionString: "muxstack-1.0",
		LibUSBMuxVersion:    3,
	}
}

// ListDevices opens a short-lived MuxClient and returns usbmuxd's current
// device table.
func ListDevices() (DeviceList, error) {
	c, err := NewMuxClient("")
	if err != nil {
		return DeviceList{}, err
	}
	defer c.Close()
	return c.ListDevices()
}

// ListDevices issues a ListDevices request and returns usbmuxd's current
// device table.
func (c *MuxClient) ListDevices() (DeviceList, error) {
	resp, err := c.sendAndWait(newMuxBaseRequest("ListDevices"), defaultMuxTimeout)
	if err != nil {
		return DeviceList{}, err
	}
	var list DeviceList
	if err := decodeInto(c.codec, resp, &list); err != nil {
		return DeviceList{}, wrapErr(Codec, err, "decoding ListDevices response")
	}
	return list, nil
}

type readBuidResponse struct {
	BUID string
}

// ReadBUID returns the host's usbmuxd-assigned system BUID.
func (c *MuxClient) ReadBUID() (string, error) {
	resp, err := c.sendAndWait(newMuxBaseRequest("ReadBUID"), defaultMuxTimeout)
	if err != nil {
		return "", err
	}
	var r readBuidResponse
	if err := decodeInto(c.codec, resp, &r); err != nil {
		return "", wrapErr(Codec, err, "decoding ReadBUID response")
	}
	return r.BUID, nil
}

type readPairRecordRequest struct {
	muxBaseRequest
	PairRecordID string
}

// ReadPairRecord fetches the pairing record usbmuxd stored for udid the
// first time this host paired with the device.
func (c *MuxClient) ReadPairRecord(udid string) (PairRecord, error) {
	req := readPairRecordRequest{
		muxBaseRequest: newMuxBaseRequest("ReadPairRecord"),
		PairRecordID:   udid,
	}
	resp, err := c.sendAndWait(req, defaultMuxTimeout)
	if err != nil {
		return PairRecord{}, err
	}
	return decodePairRecord(c.codec, resp)
}

type connectRequest struct {
	muxBaseRequest
	DeviceID   int
	PortNumber uint16
}

type muxResultResponse struct {
	MessageType string
	Number      int
}

// Connect asks usbmuxd to splice this client's socket through to port on
// deviceID. port must be supplied in host byte order; usbmuxd's wire format
// wants it network (big-endian) order, so it is byte-swapped here before
// sending, matching how every real usbmuxd client does it.
//
// usbmuxd spends the socket on a Connect attempt whether or not it
// succeeds, so either way Connect marks its request tag for detach before
// sending: once the background read loop has delivered that tag's response,
// it exits for good rather than looping back for another frame. Connect
// then blocks until the read loop has actually stopped before returning (or
// failing), so the returned conn is never shared between this MuxClient's
// read loop and whatever the caller does with it next (typically handing it
// straight to a LockdownClient speaking a different wire format).
func (c *MuxClient) Connect(deviceID int, port uint16) (DeviceConnectionInterface, error) {
	tag := c.nextTag()
	c.markDetachTag(tag)

	req := connectRequest{
		muxBaseRequest: newMuxBaseRequest("Connect"),
		DeviceID:       deviceID,
		PortNumber:     Ntohs(port),
	}
	resp, err := c.sendAndWaitTagged(req, tag, defaultMuxTimeout)
	if err != nil {
		return nil, err
	}
	<-c.stopped

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	var result muxResultResponse
	if err := decodeInto(c.codec, resp, &result); err != nil {
		return nil, wrapErr(Codec, err, "decoding Connect response")
	}
	if result.Number != 0 {
		return nil, connectError(deviceID, port, result.Number)
	}
	return c.conn, nil
}

// connectError builds the error Connect returns for a non-zero usbmuxd
// Connect result. Result 3 is usbmuxd's dedicated "connection refused"
// code; every other non-zero code is a generic muxer failure. Wrapping
// ErrConnectionRefused lets callers branch with errors.Is instead of
// parsing the formatted message.
func connectError(deviceID int, port uint16, code int) error {
	if code == 3 {
		return wrapErr(Muxer, ErrConnectionRefused, "Connect to device %d port %d refused by usbmuxd", deviceID, port)
	}
	return newErr(Muxer, "Connect to device %d port %d failed with usbmuxd result %d", deviceID, port, code)
}

// AttachedMessage is one push notification delivered while a MuxClient is
// in Listen mode.
type AttachedMessage struct {
	MessageType string
	DeviceID    int
	Properties  DeviceProperties
}

func attachedFromPayload(codec PlistCodec, payload []byte) (AttachedMessage, error) {
	var m AttachedMessage
	if err := decodeInto(codec, payload, &m); err != nil {
		return AttachedMessage{}, wrapErr(Codec, err, "decoding Attached/Detached notification")
	}
	return m, nil
}

// Listen takes over the connection for unsolicited Attached/Detached push
// notifications. Once invoked, this MuxClient can no longer be used for
// ordinary request/response calls - open a new one for that. The returned
// channel is closed when the connection fails or Close is called.
func (c *MuxClient) Listen() (<-chan AttachedMessage, error) {
	tag := c.nextTag()
	ch := make(chan AttachedMessage, 16)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, wrapErr(Transport, err, "MuxClient connection already failed")
	}
	c.listeners[tag] = ch
	c.mu.Unlock()

	if err := c.send(newMuxBaseRequest("Listen"), tag); err != nil {
		c.mu.Lock()
		delete(c.listeners, tag)
		c.mu.Unlock()
		return nil, err
	}
	return ch, nil
}
