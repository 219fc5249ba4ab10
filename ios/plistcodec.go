package ios

import (
	"bytes"
	"reflect"

	log "github.com/sirupsen/logrus"
	plist "howett.net/plist"

	"github.com/muxstack/muxstack/bplist"
)

// PlistCodec turns Go values into plist payload bytes and back. It carries
// no framing of its own - LengthSplitter/PlistTransport own the wire
// boundaries, this type only knows about the plist dialect.
//
// usbmuxd and lockdown requests are always sent as XML plists, matching
// what real client libraries do. Responses, though, may come back as
// either dialect: usbmuxd replies with binary plists, lockdown with XML.
// Decode probes the magic bytes and normalizes binary responses to XML so
// every caller downstream can keep using a single struct-tag-based
// decoder (howett.net/plist) regardless of which dialect the peer chose.
type PlistCodec struct{}

// NewPlistCodec creates a PlistCodec.
func NewPlistCodec() PlistCodec {
	return PlistCodec{}
}

// Encode marshals message to an XML plist.
func (PlistCodec) Encode(message interface{}) ([]byte, error) {
	log.Tracef("plist encode %v", reflect.TypeOf(message))
	b, err := plist.Marshal(message, plist.XMLFormat)
	if err != nil {
		return nil, wrapErr(Codec, err, "marshaling %v to plist", reflect.TypeOf(message))
	}
	return b, nil
}

// Decode accepts a raw plist payload in either dialect and returns it as an
// XML plist, so callers can decode it with a single consistent path.
func (PlistCodec) Decode(payload []byte) ([]byte, error) {
	if !bplist.IsBplist(payload) {
		return payload, nil
	}
	v, err := bplist.Decode(payload)
	if err != nil {
		return nil, wrapErr(Codec, err, "decoding binary plist payload")
	}
	goValue := toGoValue(v)
	out, err := plist.Marshal(goValue, plist.XMLFormat)
	if err != nil {
		return nil, wrapErr(Codec, err, "re-encoding binary plist as xml")
	}
	return out, nil
}

// toGoValue converts a bplist.Value tree into the plain Go types that
// howett.net/plist can marshal: map[string]interface{}, []interface{},
// string, int64, uint64, float64, bool, []byte, time.Time, or nil.
func toGoValue(v bplist.Value) interface{} {
	switch v.Kind {
	case bplist.KindNull:
		return nil
	case bplist.KindBool:
		return v.Bool
	case bplist.KindInt:
		return v.Int
	case bplist.KindUint:
		return v.Uint
	case bplist.KindReal:
		return v.Real
	case bplist.KindDate:
		return v.Date
	case bplist.KindData:
		return v.Data
	case bplist.KindString:
		return v.String
	case bplist.KindArray:
		out := make([]interface{}, len(v.Array))
		for i, e := range v.Array {
			out[i] = toGoValue(e)
		}
		return out
	case bplist.KindDict:
		out := make(map[string]interface{}, v.Dict.Len())
		for _, k := range v.Dict.Keys() {
			val, _ := v.Dict.Get(k)
			out[k] = toGoValue(val)
		}
		return out
	default:
		return nil
	}
}

// ParsePlist decodes an XML or binary plist byte slice into a generic map.
func ParsePlist(data []byte) (map[string]interface{}, error) {
	if bplist.IsBplist(data) {
		v, err := bplist.Decode(data)
		if err != nil {
			return nil, wrapErr(Codec, err, "decoding binary plist")
		}
		m, ok := toGoValue(v).(map[string]interface{})
		if !ok {
			return nil, newErr(Codec, "top level bplist object is not a dictionary")
		}
		return m, nil
	}
	var result map[string]interface{}
	if _, err := plist.Unmarshal(data, &result); err != nil {
		return nil, wrapErr(Codec, err, "decoding xml plist")
	}
	return result, nil
}

// decodeInto normalizes payload to XML (if it arrived as a binary plist)
// and decodes it into out using struct tags, the same pattern the teacher
// used throughout lockdown/usbmux response parsing.
func decodeInto(codec PlistCodec, payload []byte, out interface{}) error {
	normalized, err := codec.Decode(payload)
	if err != nil {
		return err
	}
	decoder := plist.NewDecoder(bytes.NewReader(normalized))
	if err := decoder.Decode(out); err != nil {
		return wrapErr(Codec, err, "decoding plist into %T", out)
	}
	return nil
}
