package ios

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSocketTypeAndAddress(t *testing.T) {
	network, addr := GetSocketTypeAndAddress("unix:///var/run/usbmuxd")
	assert.Equal(t, "unix", network)
	assert.Equal(t, "/var/run/usbmuxd", addr)

	network, addr = GetSocketTypeAndAddress("tcp://127.0.0.1:27015")
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "127.0.0.1:27015", addr)
}

func TestGetUsbmuxdSocketExplicitWins(t *testing.T) {
	assert.Equal(t, "unix:///custom", GetUsbmuxdSocket("unix:///custom"))
}

func TestGetUsbmuxdSocketEnvVar(t *testing.T) {
	t.Setenv(usbmuxdSocketEnvVar, "tcp://10.0.0.1:1234")
	assert.Equal(t, "tcp://10.0.0.1:1234", GetUsbmuxdSocket(""))
}

func TestMuxHeaderRoundTrip(t *testing.T) {
	h := encodeMuxHeader(7)
	header, body, err := decodeMuxHeader(append(h, []byte("payload")...))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), header.Tag)
	assert.Equal(t, muxProtoVersion, header.Version)
	assert.Equal(t, muxTypePlist, header.Request)
	assert.Equal(t, []byte("payload"), body)
}

// fakeUsbmuxd answers ListDevices/ReadBUID requests over a net.Conn using
// the same length+header framing a MuxClient speaks, intentionally
// replying out of request order to exercise tag-based dispatch rather than
// ordering assumptions.
func fakeUsbmuxd(t *testing.T, conn net.Conn) {
	splitter := NewLengthSplitter(muxSplitterConfig)
	codec := NewPlistCodec()

	type pending struct {
		tag  uint32
		mtyp string
	}
	var reqs []pending
	for i := 0; i < 2; i++ {
		frame, err := splitter.ReadFrame(conn)
		require.NoError(t, err)
		header, body, err := decodeMuxHeader(frame)
		require.NoError(t, err)
		var req muxBaseRequest
		require.NoError(t, decodeInto(codec, body, &req))
		reqs = append(reqs, pending{tag: header.Tag, mtyp: req.MessageType})
	}

	// reply in reverse order of arrival
	for i := len(reqs) - 1; i >= 0; i-- {
		r := reqs[i]
		var resp interface{}
		switch r.mtyp {
		case "ListDevices":
			resp = DeviceList{DeviceList: []DeviceEntry{
				{DeviceID: 1, Properties: DeviceProperties{SerialNumber: "udid0"}},
			}}
		case "ReadBUID":
			resp = readBuidResponse{BUID: "test-buid"}
		}
		payload, err := codec.Encode(resp)
		require.NoError(t, err)
		require.NoError(t, splitter.WriteFrame(conn, encodeMuxHeader(r.tag), payload))
	}
}

func TestMuxClientConcurrentTagDispatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeUsbmuxd(t, server)
	}()

	c := newMuxClientWithConn(NewDeviceConnectionWithRWC(client))
	defer c.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	var list DeviceList
	var buid string
	var listErr, buidErr error

	go func() {
		defer wg.Done()
		list, listErr = c.ListDevices()
	}()
	go func() {
		defer wg.Done()
		buid, buidErr = c.ReadBUID()
	}()
	wg.Wait()

	require.NoError(t, listErr)
	require.NoError(t, buidErr)
	assert.Equal(t, "udid0", list.DeviceList[0].Properties.SerialNumber)
	assert.Equal(t, "test-buid", buid)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake usbmuxd goroutine did not finish")
	}
}

func TestMuxClientConnectStopsReadLoopBeforeHandoff(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	splitter := NewLengthSplitter(muxSplitterConfig)
	codec := NewPlistCodec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := splitter.ReadFrame(server)
		require.NoError(t, err)
		header, _, err := decodeMuxHeader(frame)
		require.NoError(t, err)

		payload, err := codec.Encode(muxResultResponse{Number: 0})
		require.NoError(t, err)
		require.NoError(t, splitter.WriteFrame(server, encodeMuxHeader(header.Tag), payload))

		// Once Connect hands the conn back, nothing but the caller should
		// be reading it: write a lockdown-framed message and confirm it
		// isn't consumed or corrupted by the mux read loop.
		lockdownSplitter := NewLengthSplitter(lockdownSplitterConfig)
		require.NoError(t, lockdownSplitter.WriteFrame(server, nil, []byte("<plist/>")))
	}()

	c := newMuxClientWithConn(NewDeviceConnectionWithRWC(client))

	conn, err := c.Connect(1, 62078)
	require.NoError(t, err)

	select {
	case <-c.stopped:
	default:
		t.Fatal("readLoop did not stop before Connect returned")
	}

	lockdownSplitter := NewLengthSplitter(lockdownSplitterConfig)
	got, err := lockdownSplitter.ReadFrame(conn.Reader())
	require.NoError(t, err)
	assert.Equal(t, []byte("<plist/>"), got)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake usbmuxd goroutine did not finish")
	}
}

func TestMuxClientConnectRefusedIsConnectionRefused(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	splitter := NewLengthSplitter(muxSplitterConfig)
	codec := NewPlistCodec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := splitter.ReadFrame(server)
		require.NoError(t, err)
		header, _, err := decodeMuxHeader(frame)
		require.NoError(t, err)

		payload, err := codec.Encode(muxResultResponse{Number: 3})
		require.NoError(t, err)
		require.NoError(t, splitter.WriteFrame(server, encodeMuxHeader(header.Tag), payload))
	}()

	c := newMuxClientWithConn(NewDeviceConnectionWithRWC(client))
	defer c.Close()

	_, err := c.Connect(1, 62078)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionRefused))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake usbmuxd goroutine did not finish")
	}
}

func TestMuxClientConnectOtherErrorIsNotConnectionRefused(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	splitter := NewLengthSplitter(muxSplitterConfig)
	codec := NewPlistCodec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := splitter.ReadFrame(server)
		require.NoError(t, err)
		header, _, err := decodeMuxHeader(frame)
		require.NoError(t, err)

		payload, err := codec.Encode(muxResultResponse{Number: 1})
		require.NoError(t, err)
		require.NoError(t, splitter.WriteFrame(server, encodeMuxHeader(header.Tag), payload))
	}()

	c := newMuxClientWithConn(NewDeviceConnectionWithRWC(client))
	defer c.Close()

	_, err := c.Connect(1, 62078)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConnectionRefused))
	var iosErr *Error
	require.ErrorAs(t, err, &iosErr)
	assert.Equal(t, Muxer, iosErr.Kind)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake usbmuxd goroutine did not finish")
	}
}

func TestMuxClientConnectByteSwapsPort(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	splitter := NewLengthSplitter(muxSplitterConfig)
	codec := NewPlistCodec()

	done := make(chan struct{})
	go func() {
		defer close(done)
		frame, err := splitter.ReadFrame(server)
		require.NoError(t, err)
		header, body, err := decodeMuxHeader(frame)
		require.NoError(t, err)
		var req connectRequest
		require.NoError(t, decodeInto(codec, body, &req))
		assert.Equal(t, Ntohs(62078), req.PortNumber)

		payload, err := codec.Encode(muxResultResponse{Number: 0})
		require.NoError(t, err)
		require.NoError(t, splitter.WriteFrame(server, encodeMuxHeader(header.Tag), payload))
	}()

	c := newMuxClientWithConn(NewDeviceConnectionWithRWC(client))
	defer c.Close()

	_, err := c.Connect(1, 62078)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake usbmuxd goroutine did not finish")
	}
}
