// Package wstap reconstructs WebSocket traffic observed on HTTP/1 upgraded
// connections and HTTP/2 extended-CONNECT streams: frame decoding over
// arbitrarily split byte chunks, unmasking, fragmented-message reassembly,
// permessage-deflate reversal and handshake validation. It is a passive,
// read-only transform driven by the host's chunk delivery; it opens no
// sockets and generates no frames.
package wstap

import (
	"io"
	"log"

	"github.com/FumingPower3925/wstap/internal/wsframe"
)

// Direction identifies which peer sent a chunk or frame.
type Direction = wsframe.Direction

// Directions of observed traffic.
const (
	ClientToServer = wsframe.ClientToServer
	ServerToClient = wsframe.ServerToClient
)

// Config holds the converter options.
type Config struct {
	FragmentLimit int         // Maximum frames one fragmented message may span
	Logger        *log.Logger // Logger for negotiation and violation events
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		FragmentLimit: wsframe.DefaultFragmentLimit,
		Logger:        newSilentLogger(),
	}
}

// Validate normalizes the configuration values: non-positive and missing
// fields fall back to their defaults.
func (c *Config) Validate() {
	if c.FragmentLimit <= 0 {
		c.FragmentLimit = wsframe.DefaultFragmentLimit
	}
	if c.Logger == nil {
		c.Logger = newSilentLogger()
	}
}
