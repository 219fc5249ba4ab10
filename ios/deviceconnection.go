package ios

import (
	"crypto/tls"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
)

// DeviceConnectionInterface contains a physical network connection to a usbmuxd socket.
type DeviceConnectionInterface interface {
	Close() error
	Send(message []byte) error
	Reader() io.Reader
	Writer() io.Writer
	EnableSessionSsl(pairRecord PairRecord) error
	Conn() net.Conn
	io.ReadWriteCloser
}

// DeviceConnection wraps the net.Conn to the ios Device and has support for
// enabling SSL.
type DeviceConnection struct {
	c               net.Conn
	unencryptedConn net.Conn
}

// DeviceConnectionRWC adapts an arbitrary io.ReadWriteCloser (e.g. net.Pipe
// in tests, or any other duplex stream) to DeviceConnectionInterface, for
// callers that don't have a real net.Conn to dial.
type DeviceConnectionRWC struct {
	c io.ReadWriteCloser
}

// Conn implements DeviceConnectionInterface.
func (conn *DeviceConnectionRWC) Conn() net.Conn {
	panic("unimplemented")
}

// EnableSessionSsl implements DeviceConnectionInterface.
func (conn *DeviceConnectionRWC) EnableSessionSsl(pairRecord PairRecord) error {
	panic("unimplemented")
}

// Read implements DeviceConnectionInterface.
func (conn *DeviceConnectionRWC) Read(p []byte) (n int, err error) {
	return conn.c.Read(p)
}

// Reader implements DeviceConnectionInterface.
func (conn *DeviceConnectionRWC) Reader() io.Reader {
	return conn.c
}

// Send implements DeviceConnectionInterface.
func (conn *DeviceConnectionRWC) Send(message []byte) error {
	n, err := conn.c.Write(message)
	if n < len(message) {
		log.Errorf("DeviceConnection failed writing %d bytes, only %d sent", len(message), n)
	}
	if err != nil {
		log.Errorf("Failed sending: %s", err)
		conn.Close()
		return err
	}
	return nil
}

// Write implements DeviceConnectionInterface.
func (conn *DeviceConnectionRWC) Write(p []byte) (n int, err error) {
	return conn.c.Write(p)
}

// Writer implements DeviceConnectionInterface.
func (conn *DeviceConnectionRWC) Writer() io.Writer {
	return conn.c
}

func (conn *DeviceConnectionRWC) Close() error {
	return conn.c.Close()
}

func NewDeviceConnectionWithRWC(rwc io.ReadWriteCloser) DeviceConnectionInterface {
	return &DeviceConnectionRWC{c: rwc}
}

// Read reads incoming data from the connection to the device
func (conn *DeviceConnection) Read(p []byte) (n int, err error) {
	return conn.c.Read(p)
}

// Write writes data on the connection to the device
func (conn *DeviceConnection) Write(p []byte) (n int, err error) {
	return conn.c.Write(p)
}

// NewDeviceConnectionWithConn create a DeviceConnection with a already connected network conn.
func NewDeviceConnectionWithConn(conn net.Conn) *DeviceConnection {
	return &DeviceConnection{c: conn}
}

// Close closes the network connection
func (conn *DeviceConnection) Close() error {
	log.Tracef("Closing connection: %v", &conn.c)
	return conn.c.Close()
}

// Send sends a message
func (conn *DeviceConnection) Send(bytes []byte) error {
	n, err := conn.c.Write(bytes)
	if n < len(bytes) {
		log.Errorf("DeviceConnection failed writing %d bytes, only %d sent", len(bytes), n)
	}
	if err != nil {
		log.Errorf("Failed sending: %s", err)
		conn.Close()
		return err
	}
	return nil
}

// Reader exposes the underlying net.Conn as io.Reader
func (conn *DeviceConnection) Reader() io.Reader {
	return conn.c
}

// Writer exposes the underlying net.Conn as io.Writer
func (conn *DeviceConnection) Writer() io.Writer {
	return conn.c
}

// EnableSessionSsl wraps the underlying net.Conn in a client tls.Conn using the pairRecord.
func (conn *DeviceConnection) EnableSessionSsl(pairRecord PairRecord) error {
	tlsConn, err := conn.createClientTLSConn(pairRecord)
	if err != nil {
		return err
	}
	conn.unencryptedConn = conn.c
	conn.c = net.Conn(tlsConn)
	return nil
}

func (conn *DeviceConnection) createClientTLSConn(pairRecord PairRecord) (*tls.Conn, error) {
	cert5, err := tls.X509KeyPair(pairRecord.HostCertificate, pairRecord.HostPrivateKey)
	if err != nil {
		log.Error("Error SSL:" + err.Error())
		return nil, err
	}
	conf := &tls.Config{
		// We always trust whatever the phone sends, I do not see an issue here as probably
		// nobody would build a fake iphone to hack this library.
		InsecureSkipVerify: true,
		Certificates:       []tls.Certificate{cert5},
		ClientAuth:         tls.NoClientCert,
	}

	tlsConn := tls.Client(conn.c, conf)
	err = tlsConn.Handshake()
	if err != nil {
		log.Info("Handshake error", err)
		return nil, err
	}

	log.Tracef("enable session ssl on %v and wrap with tlsConn: %v", &conn.c, &tlsConn)
	return tlsConn, nil
}

func (conn *DeviceConnection) Conn() net.Conn {
	return conn.c
}
