package ios

import (
	"fmt"

	"github.com/Masterminds/semver"
)

// BasebandKeyHashInformationType contains some baseband related data
// directly from the iOS device.
type BasebandKeyHashInformationType struct {
	AKeyStatus int
	SKeyHash   []byte
	SKeyStatus int
}

// NonVolatileRAMType contains some internal device info and can be
// retrieved by getting all values.
type NonVolatileRAMType struct {
	AutoBoot              []byte `plist:"auto-boot"`
	BacklightLevel        []byte `plist:"backlight-level"`
	BootArgs              string `plist:"boot-args"`
	Bootdelay             []byte `plist:"bootdelay"`
	ComAppleSystemTz0Size []byte `plist:"com.apple.System.tz0-size"`
	OblitBegins           []byte `plist:"oblit-begins"`
	Obliteration          []byte `plist:"obliteration"`
}

// GetAllValuesResponse is the wrapper lockdownd returns around AllValuesType.
type GetAllValuesResponse struct {
	Request string
	Value   AllValuesType
}

// AllValuesType contains all possible values that can be requested from lockdown.
type AllValuesType struct {
	ActivationState                             string
	ActivationStateAcknowledged                 bool
	BasebandActivationTicketVersion             string
	BasebandCertID                              int `plist:"BasebandCertId"`
	BasebandChipID                              int
	BasebandKeyHashInformation                  BasebandKeyHashInformationType
	BasebandMasterKeyHash                       string
	BasebandRegionSKU                           []byte
	BasebandSerialNumber                        []byte
	BasebandStatus                              string
	BasebandVersion                             string
	BluetoothAddress                            string
	BoardID                                     int `plist:"BoardId"`
	BrickState                                  bool
	BuildVersion                                string
	CPUArchitecture                             string
	CarrierBundleInfoArray                      []interface{}
	CertID                                      int
	ChipID                                      int
	ChipSerialNo                                []byte
	DeviceClass                                 string
	DeviceColor                                 string
	DeviceName                                  string
	DieID                                       int
	EthernetAddress                             string
	FirmwareVersion                             string
	FusingStatus                                int
	HardwareModel                               string
	HardwarePlatform                            string
	HasSiDP                                     bool
	HostAttached                                bool
	InternationalMobileEquipmentIdentity        string
	MLBSerialNumber                             string
	MobileEquipmentIdentifier                   string
	MobileSubscriberCountryCode                 string
	MobileSubscriberNetworkCode                 string
	ModelNumber                                  string
	NonVolatileRAM                              NonVolatileRAMType
	PartitionType                               string
	PasswordProtected                           bool
	PkHash                                      []byte
	ProductName                                 string
	ProductType                                 string
	ProductVersion                              string
	ProductionSOC                               bool
	ProtocolVersion                             string
	ProximitySensorCalibration                  []byte
	RegionInfo                                  string
	SBLockdownEverRegisteredKey                 bool
	SIMStatus                                   string
	SIMTrayStatus                               string
	SerialNumber                                string
	SoftwareBehavior                            []byte
	SoftwareBundleVersion                       string
	SupportedDeviceFamilies                     []int
	TelephonyCapability                         bool
	TimeIntervalSince1970                       float64
	TimeZone                                    string
	TimeZoneOffsetFromUTC                       float64
	TrustedHostAttached                         bool
	UniqueChipID                                uint64
	UniqueDeviceID                              string
	UseRaptorCerts                              bool
	Uses24HourClock                             bool
	WiFiAddress                                 string
	WirelessBoardSerialNumber                   string
	KCTPostponementInfoPRIVersion               string `plist:"kCTPostponementInfoPRIVersion"`
	KCTPostponementInfoPRLName                  int    `plist:"kCTPostponementInfoPRLName"`
	KCTPostponementInfoServiceProvisioningState bool   `plist:"kCTPostponementInfoServiceProvisioningState"`
	KCTPostponementStatus                       string `plist:"kCTPostponementStatus"`
}

type valueRequest struct {
	Label   string
	Key     string `plist:"Key,omitempty"`
	Request string
	Domain  string      `plist:"Domain,omitempty"`
	Value   interface{} `plist:"Value,omitempty"`
}

func newGetValue(key string) valueRequest {
	return valueRequest{Label: "muxstack", Key: key, Request: "GetValue"}
}

func newSetValue(key string, domain string, value interface{}) valueRequest {
	return valueRequest{Label: "muxstack", Key: key, Domain: domain, Request: "SetValue", Value: value}
}

// ValueResponse is lockdownd's reply to a GetValue or SetValue request.
type ValueResponse struct {
	Key     string
	Request string
	Error   string
	Domain  string
	Value   interface{}
}

// GetValues retrieves every value lockdownd will return for this device.
func (c *LockdownClient) GetValues() (GetAllValuesResponse, error) {
	payload, err := c.transport.SendAndReceive(newGetValue(""))
	if err != nil {
		return GetAllValuesResponse{}, err
	}
	var resp GetAllValuesResponse
	if err := decodeInto(c.transport.codec, payload, &resp); err != nil {
		return GetAllValuesResponse{}, wrapErr(Codec, err, "decoding GetValues response")
	}
	return resp, nil
}

// GetProductVersion returns the ProductVersion of the device, e.g. "17.0.3".
func (c *LockdownClient) GetProductVersion() (string, error) {
	v, err := c.GetValue("ProductVersion")
	if err != nil {
		return "", fmt.Errorf("GetProductVersion: %w", err)
	}
	result, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("GetProductVersion: unexpected response type %T", v)
	}
	return result, nil
}

// GetValue fetches a single top-level lockdown value by key.
func (c *LockdownClient) GetValue(key string) (interface{}, error) {
	payload, err := c.transport.SendAndReceive(newGetValue(key))
	if err != nil {
		return nil, err
	}
	var resp ValueResponse
	if err := decodeInto(c.transport.codec, payload, &resp); err != nil {
		return nil, wrapErr(Codec, err, "decoding GetValue response")
	}
	if resp.Error != "" {
		return nil, newErr(Protocol, "GetValue '%s' failed: %s", key, resp.Error)
	}
	return resp.Value, nil
}

// GetValueForDomain fetches key scoped to a lockdown value domain, e.g.
// "com.apple.disk_usage".
func (c *LockdownClient) GetValueForDomain(key string, domain string) (interface{}, error) {
	req := newGetValue(key)
	req.Domain = domain
	payload, err := c.transport.SendAndReceive(req)
	if err != nil {
		return nil, err
	}
	var resp ValueResponse
	if err := decodeInto(c.transport.codec, payload, &resp); err != nil {
		return nil, wrapErr(Codec, err, "decoding GetValue response")
	}
	if resp.Error != "" {
		return nil, newErr(Protocol, "GetValue '%s' in domain '%s' failed: %s", key, domain, resp.Error)
	}
	return resp.Value, nil
}

// SetValueForDomain sets key to value within domain. Most keys require a
// TLS-upgraded (StateSecure) session; lockdownd reports which via Error.
func (c *LockdownClient) SetValueForDomain(key string, domain string, value interface{}) error {
	payload, err := c.transport.SendAndReceive(newSetValue(key, domain, value))
	if err != nil {
		return err
	}
	var resp ValueResponse
	if err := decodeInto(c.transport.codec, payload, &resp); err != nil {
		return wrapErr(Codec, err, "decoding SetValue response")
	}
	if resp.Error != "" {
		return newErr(Protocol, "SetValue '%s' to '%v' failed: %s", key, value, resp.Error)
	}
	return nil
}

// GetProductVersion opens its own lockdown session to device and returns
// its parsed iOS version.
func GetProductVersion(device DeviceEntry) (*semver.Version, error) {
	client, err := ConnectLockdownWithSession(device)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	version, err := client.GetProductVersion()
	if err != nil {
		return nil, err
	}
	return semver.NewVersion(version)
}

// GetWifiMac returns the static MAC address of the device's WiFi adapter.
// This does not reflect the dynamic address devices report when the
// "private WiFi address" feature is enabled.
func GetWifiMac(device DeviceEntry) (string, error) {
	client, err := ConnectLockdownWithSession(device)
	if err != nil {
		return "", err
	}
	defer client.Close()
	wifiMac, err := client.GetValue("WiFiAddress")
	if err != nil {
		return "", err
	}
	result, ok := wifiMac.(string)
	if !ok {
		return "", fmt.Errorf("GetWifiMac: unexpected response type %T", wifiMac)
	}
	return result, nil
}

// GetValuesPlist opens its own lockdown session and returns the full
// GetValues response as a generic map, convenient for JSON re-encoding.
func GetValuesPlist(device DeviceEntry) (map[string]interface{}, error) {
	client, err := ConnectLockdownWithSession(device)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	payload, err := client.transport.SendAndReceive(newGetValue(""))
	if err != nil {
		return nil, err
	}
	parsed, err := ParsePlist(payload)
	if err != nil {
		return nil, err
	}
	value, ok := parsed["Value"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("GetValuesPlist: unexpected response shape: %+v", parsed)
	}
	return value, nil
}

// GetValues opens its own lockdown session and returns every value
// lockdownd will report for device.
func GetValues(device DeviceEntry) (GetAllValuesResponse, error) {
	client, err := ConnectLockdownWithSession(device)
	if err != nil {
		return GetAllValuesResponse{}, err
	}
	defer client.Close()
	return client.GetValues()
}
