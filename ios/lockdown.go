package ios

import (
	"strings"
	"sync"

	"github.com/Masterminds/semver"
	log "github.com/sirupsen/logrus"
)

// LockdownPort is lockdownd's fixed TCP port on the device side of a USB
// mux Connect, reachable once usbmuxd has spliced a client socket through.
const LockdownPort uint16 = 62078

var lockdownSplitterConfig = SplitterConfig{
	LengthOffset: 0,
	LengthWidth:  4,
	Adjust:       0,
	Endian:       BigEndian,
	MaxFrame:     64 * 1024 * 1024,
}

// LockdownState is the lockdown session state machine: a fresh connection
// starts in StateInit, moves to StatePlain once StartSession has succeeded
// (StateFailed if it fails), and to StateSecure once TLS is upgraded.
// StartService and value queries are only valid once the session has
// reached whichever of StatePlain/StateSecure the device demanded.
type LockdownState int

const (
	StateInit LockdownState = iota
	StatePlain
	StateSecure
	StateFailed
	StateClosed
)

func (s LockdownState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StatePlain:
		return "Plain"
	case StateSecure:
		return "Secure"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// LockdownClient talks to lockdownd over a usbmuxd Connect socket: it can
// start a session, optionally upgrade it to TLS, start an arbitrary
// service, and query/set device values. All requests carry the big-endian,
// payload-only length prefix lockdownd expects, handled by PlistTransport.
type LockdownClient struct {
	transport *PlistTransport

	mu             sync.Mutex
	state          LockdownState
	lastPairRecord PairRecord
	productVersion *semver.Version
}

// NewLockdownClient wraps conn (already Connect'd to LockdownPort by a
// MuxClient) in a fresh, unauthenticated lockdown session.
func NewLockdownClient(conn DeviceConnectionInterface) *LockdownClient {
	return &LockdownClient{
		transport: NewPlistTransport(conn, lockdownSplitterConfig),
		state:     StateInit,
	}
}

func (c *LockdownClient) requireState(want LockdownState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != want {
		return newErr(State, "lockdown: expected state %s, got %s", want, c.state)
	}
	return nil
}

func (c *LockdownClient) setState(s LockdownState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the client's current position in the lockdown session
// state machine.
func (c *LockdownClient) State() LockdownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

type startSessionRequest struct {
	Label           string
	ProtocolVersion string
	Request         string
	HostID          string
	SystemBUID      string
}

// StartSessionResponse is lockdownd's reply to StartSession: EnableSessionSSL
// tells the caller whether it must now call TryUpgradeTLS before issuing any
// further requests.
type StartSessionResponse struct {
	EnableSessionSSL bool
	SessionID        string
	Error            string
}

// StartSession opens a lockdown session using the host identity from
// pairRecord. On success the client moves to StatePlain; the caller must
// check resp.EnableSessionSSL and call TryUpgradeTLS if it's true before
// issuing any further request.
func (c *LockdownClient) StartSession(pairRecord PairRecord) (StartSessionResponse, error) {
	if err := c.requireState(StateInit); err != nil {
		return StartSessionResponse{}, err
	}
	req := startSessionRequest{
		Label:           "muxstack",
		ProtocolVersion: "2",
		Request:         "StartSession",
		HostID:          pairRecord.HostID,
		SystemBUID:      pairRecord.SystemBUID,
	}
	payload, err := c.transport.SendAndReceive(req)
	if err != nil {
		c.setState(StateFailed)
		return StartSessionResponse{}, err
	}
	var resp StartSessionResponse
	if err := decodeInto(c.transport.codec, payload, &resp); err != nil {
		c.setState(StateFailed)
		return StartSessionResponse{}, wrapErr(Codec, err, "decoding StartSession response")
	}
	if resp.Error != "" {
		c.setState(StateFailed)
		return resp, newErr(Protocol, "StartSession failed: %s", resp.Error)
	}
	c.mu.Lock()
	c.state = StatePlain
	c.lastPairRecord = pairRecord
	c.mu.Unlock()
	return resp, nil
}

// TryUpgradeTLS switches the underlying connection to TLS using the host
// certificate from the pair record StartSession was called with. Must only
// be called after a StartSession whose response had EnableSessionSSL set.
func (c *LockdownClient) TryUpgradeTLS() error {
	if err := c.requireState(StatePlain); err != nil {
		return err
	}
	c.mu.Lock()
	pairRecord := c.lastPairRecord
	c.mu.Unlock()
	if err := c.transport.UpgradeTLS(pairRecord); err != nil {
		c.setState(StateFailed)
		return err
	}
	c.setState(StateSecure)
	log.Debug("lockdown: session upgraded to TLS")
	return nil
}

// coreDeviceServicePrefix marks the CoreDevice service family that iOS 17+
// no longer hands out a plain lockdown port for; those services only
// answer over the RSD/XPC tunnel (package rsd) once CoreDeviceProxy is
// running, mirroring how real lockdownd behaves on 17+ devices.
const coreDeviceServicePrefix = "com.apple.coredevice."

// productVersionCached returns the device's ProductVersion, fetching and
// caching it via GetValue on first use.
func (c *LockdownClient) productVersionCached() (*semver.Version, error) {
	c.mu.Lock()
	if c.productVersion != nil {
		v := c.productVersion
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	raw, err := c.GetProductVersion()
	if err != nil {
		return nil, err
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, wrapErr(Protocol, err, "parsing ProductVersion %q", raw)
	}
	c.mu.Lock()
	c.productVersion = v
	c.mu.Unlock()
	return v, nil
}

type startServiceRequest struct {
	Label   string
	Request string
	Service string
}

// StartServiceResponse is lockdownd's reply to StartService: Port is the
// port the requested service now listens on for a single subsequent
// Connect, and EnableServiceSSL indicates that connection must itself be
// TLS-upgraded before use.
type StartServiceResponse struct {
	Port             uint16
	Request          string
	Service          string
	EnableServiceSSL bool
	Error            string
}

// StartService asks lockdownd to start serviceName and return the port to
// reach it on. Valid in either StatePlain or StateSecure, since some
// services run happily without a TLS-upgraded lockdown session and some
// refuse to start without one.
func (c *LockdownClient) StartService(serviceName string) (StartServiceResponse, error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StatePlain && st != StateSecure {
		return StartServiceResponse{}, newErr(State, "lockdown: StartService requires an active session, got state %s", st)
	}
	if strings.HasPrefix(serviceName, coreDeviceServicePrefix) {
		version, err := c.productVersionCached()
		if err != nil {
			return StartServiceResponse{}, wrapErr(Protocol, err, "determining whether %s requires the RSD/XPC tunnel", serviceName)
		}
		if !version.LessThan(IOS17()) {
			return StartServiceResponse{}, newErr(Protocol, "service %s is only reachable through the RSD/XPC tunnel on iOS %s (device is on %s); use rsd.Checkin instead of StartService", serviceName, version, IOS17())
		}
	}
	req := startServiceRequest{
		Label:   "muxstack",
		Request: "StartService",
		Service: serviceName,
	}
	payload, err := c.transport.SendAndReceive(req)
	if err != nil {
		return StartServiceResponse{}, err
	}
	var resp StartServiceResponse
	if err := decodeInto(c.transport.codec, payload, &resp); err != nil {
		return StartServiceResponse{}, wrapErr(Codec, err, "decoding StartService response")
	}
	if resp.Error != "" {
		return resp, newErr(Protocol, "StartService %s failed: %s", serviceName, resp.Error)
	}
	return resp, nil
}

type stopSessionRequest struct {
	Label     string
	Request   string
	SessionID string
}

type stopSessionResponse struct {
	Result string
}

// StopSession ends the current lockdown session without closing the
// underlying connection, matching lockdownd's actual StopSession semantics.
func (c *LockdownClient) StopSession(sessionID string) error {
	req := stopSessionRequest{Label: "muxstack", Request: "StopSession", SessionID: sessionID}
	payload, err := c.transport.SendAndReceive(req)
	if err != nil {
		return err
	}
	var resp stopSessionResponse
	if err := decodeInto(c.transport.codec, payload, &resp); err != nil {
		return wrapErr(Codec, err, "decoding StopSession response")
	}
	c.setState(StateClosed)
	return nil
}

// Close closes the underlying connection.
func (c *LockdownClient) Close() error {
	return c.transport.Close()
}

// ConnectLockdownWithSession opens a fresh usbmuxd connection to device's
// lockdown port, reads its stored pair record, and starts a session,
// upgrading to TLS if lockdownd demands it. The returned client is in
// either StatePlain or StateSecure depending on what lockdownd required.
func ConnectLockdownWithSession(device DeviceEntry) (*LockdownClient, error) {
	muxClient, err := NewMuxClient("")
	if err != nil {
		return nil, err
	}
	pairRecord, err := muxClient.ReadPairRecord(device.UDID())
	if err != nil {
		muxClient.Close()
		return nil, wrapErr(Protocol, err, "reading pair record for %s", device.UDID())
	}
	// Connect detaches muxClient's own read loop before returning conn, so
	// conn is safe to hand to a LockdownClient speaking a different wire
	// format on the same socket. muxClient itself is spent at this point:
	// don't call muxClient.Close (it would close conn out from under the
	// LockdownClient) or issue any further mux requests on it.
	conn, err := muxClient.Connect(device.DeviceID, LockdownPort)
	if err != nil {
		muxClient.Close()
		return nil, err
	}
	client := NewLockdownClient(conn)
	resp, err := client.StartSession(pairRecord)
	if err != nil {
		client.Close()
		return nil, err
	}
	if resp.EnableSessionSSL {
		if err := client.TryUpgradeTLS(); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}
