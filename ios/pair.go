package ios

import (
	"bytes"

	plist "howett.net/plist"
)

// PairRecord holds the certificates and keys usbmuxd exchanged with a device
// the first time it was paired with this host. TLS on lockdown and later
// RemoteXPC connections is always established using the host cert/key pair
// stored here.
type PairRecord struct {
	HostID            string
	SystemBUID        string
	HostCertificate   []byte
	HostPrivateKey    []byte
	DeviceCertificate []byte
	EscrowBag         []byte
	WiFiMACAddress    string
	RootCertificate   []byte
	RootPrivateKey    []byte
}

// pairRecordPayload mirrors the plist dictionary layout of a ReadPairRecord
// response: a single PairRecordData data blob holding the record as an
// embedded plist, rather than PairRecord's own field names.
type pairRecordPayload struct {
	PairRecordData []byte
}

// pairRecordData is the plist-encoded dictionary nested inside
// pairRecordPayload.PairRecordData.
type pairRecordData struct {
	HostID            string
	SystemBUID        string
	HostCertificate   []byte
	HostPrivateKey    []byte
	DeviceCertificate []byte
	EscrowBag         []byte
	WiFiMACAddress    string
	RootCertificate   []byte
	RootPrivateKey    []byte
}

func decodePairRecord(codec PlistCodec, payload []byte) (PairRecord, error) {
	var outer pairRecordPayload
	if err := decodeInto(codec, payload, &outer); err != nil {
		return PairRecord{}, wrapErr(Codec, err, "decoding pair record envelope")
	}
	var inner pairRecordData
	decoder := plist.NewDecoder(bytes.NewReader(outer.PairRecordData))
	if err := decoder.Decode(&inner); err != nil {
		return PairRecord{}, wrapErr(Codec, err, "decoding nested pair record data")
	}
	return PairRecord{
		HostID:            inner.HostID,
		SystemBUID:        inner.SystemBUID,
		HostCertificate:   inner.HostCertificate,
		HostPrivateKey:    inner.HostPrivateKey,
		DeviceCertificate: inner.DeviceCertificate,
		EscrowBag:         inner.EscrowBag,
		WiFiMACAddress:    inner.WiFiMACAddress,
		RootCertificate:   inner.RootCertificate,
		RootPrivateKey:    inner.RootPrivateKey,
	}, nil
}
