// Package handshake validates the HTTP/1 WebSocket opening handshake for
// observed connections. It never generates handshake traffic; it only
// decides whether a captured request/response pair switched protocols.
package handshake

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// websocketGUID is the fixed suffix digested with the client key (RFC 6455
// section 1.3).
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrMissingKey reports an upgrade exchange without a Sec-WebSocket-Key.
var ErrMissingKey = errors.New("no websocket key found")

// AcceptToken computes the Sec-WebSocket-Accept value expected for key: the
// base64-encoded SHA-1 digest of key + websocketGUID.
func AcceptToken(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// IsUpgrade reports whether the header block asks for (or confirms) a switch
// to the websocket protocol. The Connection header is treated as a
// case-insensitive token list, so "keep-alive, Upgrade" qualifies.
func IsUpgrade(h http.Header) bool {
	if !strings.EqualFold(h.Get("Upgrade"), "websocket") {
		return false
	}
	connection := strings.ReplaceAll(strings.ToLower(h.Get("Connection")), " ", "")
	for _, token := range strings.Split(connection, ",") {
		if token == "upgrade" {
			return true
		}
	}
	return false
}

// State tracks one connection's handshake between request and response: the
// client's opening key and whether the connection has switched to WebSocket
// framing. The switched flag, once set, is permanent.
type State struct {
	key      string
	switched bool
}

// Switched reports whether the connection switched to WebSocket framing.
func (s *State) Switched() bool { return s.switched }

// OnRequest inspects a parsed HTTP/1 request header block and captures the
// client's opening key. It fails only when an upgrade is requested without a
// key; requests not asking for an upgrade are ignored.
func (s *State) OnRequest(h http.Header) error {
	if !IsUpgrade(h) {
		return nil
	}
	key := h.Get("Sec-WebSocket-Key")
	if key == "" {
		return ErrMissingKey
	}
	s.key = key
	return nil
}

// OnResponse inspects a parsed HTTP/1 response. A 101 response with upgrade
// headers must present the accept token derived from the captured key;
// anything else fails without switching protocols. It returns true when the
// connection switched.
func (s *State) OnResponse(status int, h http.Header) (bool, error) {
	if status != http.StatusSwitchingProtocols || !IsUpgrade(h) {
		return false, nil
	}
	if s.key == "" {
		return false, ErrMissingKey
	}
	expected := AcceptToken(s.key)
	if got := h.Get("Sec-WebSocket-Accept"); got != expected {
		return false, fmt.Errorf("invalid websocket accept token: %q != %q", got, expected)
	}
	s.switched = true
	return true, nil
}
