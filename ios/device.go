package ios

import "fmt"

// ServicePortProvider resolves a service name to the TCP port it listens on
// over the RemoteXPC tunnel interface. DeviceEntry.Rsd is populated only for
// devices that were checked in via an ios/rsd handshake; on older devices it
// is nil and services are reached through usbmuxd's Connect instead.
type ServicePortProvider interface {
	GetPort(service string) int
}

// DeviceProperties is the per-device dictionary usbmuxd attaches to every
// DeviceEntry in a ListDevices or Listen response.
type DeviceProperties struct {
	ConnectionSpeed int
	ConnectionType  string
	DeviceID        int
	LocationID      int
	ProductID       int
	SerialNumber    string
	USBSerialNumber string
}

// DeviceEntry is one device as reported by usbmuxd, plus whatever this
// process has since learned about it out of band (its RemoteXPC tunnel
// address and port provider, once one has been established).
type DeviceEntry struct {
	DeviceID    int
	MessageType string
	Properties  DeviceProperties

	// Address is the RemoteXPC tunnel interface address, set once a tunnel
	// to this device has been established. Empty for devices only reached
	// over the classic usbmuxd Connect path.
	Address string
	// Rsd resolves service name to port over the tunnel interface. Nil
	// unless Address is also set. Never part of the plist encoding.
	Rsd ServicePortProvider `plist:"-"`
}

// SupportsRsd reports whether this device has an established RemoteXPC
// tunnel and can resolve services by name rather than by usbmuxd Connect.
func (d DeviceEntry) SupportsRsd() bool {
	return d.Rsd != nil
}

// UDID returns the device's serial number, which usbmuxd and every other
// Apple protocol layer actually use as the device identifier despite the
// name; DeviceID is only a meaningless per-connection usbmuxd handle.
func (d DeviceEntry) UDID() string {
	return d.Properties.SerialNumber
}

func (d DeviceEntry) String() string {
	return fmt.Sprintf("DeviceEntry{udid=%s, deviceID=%d}", d.UDID(), d.DeviceID)
}

// DeviceList is the decoded payload of a usbmuxd ListDevices response.
type DeviceList struct {
	DeviceList []DeviceEntry
}

func (l DeviceList) String() string {
	return fmt.Sprintf("DeviceList with %d devices", len(l.DeviceList))
}
