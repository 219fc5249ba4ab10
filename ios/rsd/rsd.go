package rsd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/muxstack/muxstack/ios/xpc"
)

// RsdPortProvider answers "what port does this service listen on" for the
// lifetime of a single RemoteXPC tunnel, as reported by an RSDCheckin.
type RsdPortProvider map[string]service

type service struct {
	Port string
}

// NewRsdPortProvider parses a standalone RSD checkin payload (as captured
// by a debug proxy, for instance) rather than one received live over a
// Connection.
func NewRsdPortProvider(input io.Reader) (RsdPortProvider, error) {
	decoder := json.NewDecoder(input)
	parse := struct {
		Services map[string]service
	}{}
	if err := decoder.Decode(&parse); err != nil {
		return nil, fmt.Errorf("NewRsdPortProvider: %w", err)
	}
	return parse.Services, nil
}

func rsdPortProviderFromXpcBody(body map[string]interface{}) (RsdPortProvider, error) {
	servicesRaw, ok := body["Services"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("rsdPortProviderFromXpcBody: missing or malformed Services dictionary")
	}
	provider := make(RsdPortProvider, len(servicesRaw))
	for name, v := range servicesRaw {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		port, _ := entry["Port"].(string)
		provider[name] = service{Port: port}
	}
	return provider, nil
}

// GetPort resolves a service name to its listening port, falling back to
// the "<service>.shim.remote" alias real devices register for a handful of
// legacy lockdown services exposed over the tunnel interface.
func (r RsdPortProvider) GetPort(service string) int {
	p := r[service].Port
	if p == "" {
		shim := fmt.Sprintf("%s.shim.remote", service)
		if r[shim].Port != "" {
			log.Debugf("rsd: returning port of '%s'-shim", service)
			return r.GetPort(shim)
		}
		return 0
	}
	port, err := strconv.ParseInt(p, 10, 64)
	if err != nil {
		return 0
	}
	return int(port)
}

// Checkin sends an RSDCheckin request over an already-handshaked XPC
// connection and parses the response's service table.
func Checkin(conn *xpc.Connection) (RsdPortProvider, error) {
	req := map[string]interface{}{
		"Label":           "muxstack",
		"ProtocolVersion": "2",
		"Request":         "RSDCheckin",
	}
	if err := conn.Send(req); err != nil {
		return nil, fmt.Errorf("Checkin: sending RSDCheckin: %w", err)
	}
	body, err := conn.ReceiveOnServerClientStream()
	if err != nil {
		return nil, fmt.Errorf("Checkin: reading RSDCheckin response: %w", err)
	}
	provider, err := rsdPortProviderFromXpcBody(body)
	if err != nil {
		return nil, fmt.Errorf("Checkin: %w", err)
	}
	log.Debugf("rsd: checked in with %d services", len(provider))
	return provider, nil
}
