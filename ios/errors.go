package ios

import "fmt"

// Kind classifies the layer and nature of a failure raised anywhere in the
// ios package, so callers can branch on failure mode instead of matching
// error strings.
type Kind int

const (
	// Transport covers dial, write and TLS-upgrade failures on the underlying
	// socket; the LengthSplitter itself reports a failed read as Framing.
	Transport Kind = iota
	// Framing covers LengthSplitter failures: truncated length prefixes,
	// frames exceeding the configured maximum, or a failed read.
	Framing
	// Codec covers plist (XML or binary) marshal/unmarshal failures.
	Codec
	// Protocol covers a peer responding with a well-formed but unexpected
	// or error-carrying message, e.g. lockdown "Error" fields, unread bytes
	// still buffered at a TLS upgrade, or a CoreDevice service requested
	// through lockdown on iOS 17+.
	Protocol
	// Muxer covers usbmuxd-specific failures: a non-zero Connect result
	// code. A frame whose tag matches no pending request is logged and
	// dropped, not returned as an error.
	Muxer
	// Timeout covers a request that was sent but never correlated with a
	// response within its deadline.
	Timeout
	// State covers an operation attempted while a client is in the wrong
	// state, e.g. StartSession called twice or StartService before a
	// session.
	State
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "Transport"
	case Framing:
		return "Framing"
	case Codec:
		return "Codec"
	case Protocol:
		return "Protocol"
	case Muxer:
		return "Muxer"
	case Timeout:
		return "Timeout"
	case State:
		return "State"
	default:
		return "Unknown"
	}
}

// Error wraps a failure with its Kind so callers can use errors.As instead
// of matching against fmt.Errorf strings.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ios: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("ios: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(kind Kind, msg string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...)}
}

func wrapErr(kind Kind, err error, msg string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...), Err: err}
}
