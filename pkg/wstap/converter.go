package wstap

import (
	"fmt"
	"log"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/wstap/internal/extension"
	"github.com/FumingPower3925/wstap/internal/handshake"
	"github.com/FumingPower3925/wstap/internal/wsdeflate"
	"github.com/FumingPower3925/wstap/internal/wsframe"
)

// settingEnableConnectProtocol is the SETTINGS identifier a server advertises
// to allow extended CONNECT (RFC 8441).
const settingEnableConnectProtocol http2.SettingID = 0x8

// http1StreamID keys the single HTTP/1 connection in the stream state arena.
// HTTP/2 streams use their wire stream id.
const http1StreamID uint32 = 0

// streamState is the decoder state of one logical stream: partial-frame
// carryover per direction, the fragment accumulator, the compression
// contexts and the websocket-mode flag. It is created on first use and torn
// down when the host signals stream completion.
type streamState struct {
	leftover  [2][]byte
	assembler *wsframe.Assembler
	codec     *wsdeflate.Codec // nil until permessage-deflate is negotiated
	websocket bool             // HTTP/2 only: extended CONNECT succeeded
}

// Converter reconstructs the WebSocket traffic of one observed connection.
// It is driven synchronously by the host's delivery of ordered byte chunks
// and header events; every call runs to completion. Calls for one converter
// must not be made concurrently.
//
// Internal failures never abort processing: a structural violation while
// handling one chunk yields a replacement chunk holding a human-readable
// error, and later chunks and unrelated streams continue normally.
type Converter struct {
	cfg    Config
	logger *log.Logger

	handshake       handshake.State
	connectProtocol bool
	streams         map[uint32]*streamState
}

// New creates a converter for one observed connection.
func New(cfg Config) *Converter {
	cfg.Validate()
	return &Converter{
		cfg:     cfg,
		logger:  cfg.Logger,
		streams: make(map[uint32]*streamState),
	}
}

// stream looks up or creates the state record of a logical stream.
func (c *Converter) stream(id uint32) *streamState {
	st, ok := c.streams[id]
	if !ok {
		st = &streamState{assembler: wsframe.NewAssembler(c.cfg.FragmentLimit)}
		c.streams[id] = st
		activeStreams.Inc()
	}
	return st
}

// EndStream discards all decoder state of a logical stream. The host calls
// it when no more chunks will arrive for that stream.
func (c *Converter) EndStream(id uint32) {
	if _, ok := c.streams[id]; ok {
		delete(c.streams, id)
		activeStreams.Dec()
	}
}

// Switched reports whether the HTTP/1 connection has switched to WebSocket
// framing. Once set, the flag is permanent.
func (c *Converter) Switched() bool { return c.handshake.Switched() }

// HandleHTTP1Request observes a parsed HTTP/1 request header block and
// captures the client's opening key. When the request asks for an upgrade
// without a key, a diagnostic replacement chunk is returned with ok=true;
// otherwise (nil, false) and the host renders the request as usual.
func (c *Converter) HandleHTTP1Request(h http.Header) ([]byte, bool) {
	if err := c.handshake.OnRequest(h); err != nil {
		handshakesObserved.WithLabelValues("missing_key").Inc()
		c.logger.Printf("websocket upgrade request rejected: %v", err)
		return []byte("No websocket key found"), true
	}
	return nil, false
}

// HandleHTTP1Response observes a parsed HTTP/1 response. For a valid 101
// switch it activates negotiated extensions and decodes any body bytes
// already read as the first WebSocket chunk, returning the transformed bytes
// with ok=true. A failed handshake yields a diagnostic chunk with ok=true
// and does not switch protocols. Responses unrelated to an upgrade return
// (nil, false).
func (c *Converter) HandleHTTP1Response(status int, h http.Header, body []byte) ([]byte, bool) {
	switched, err := c.handshake.OnResponse(status, h)
	if err != nil {
		handshakesObserved.WithLabelValues("invalid").Inc()
		c.logger.Printf("websocket handshake failed: %v", err)
		return []byte(fmt.Sprintf("Unable to parse HTTP1 response (websockets): %v", err)), true
	}
	if !switched {
		return nil, false
	}
	handshakesObserved.WithLabelValues("switched").Inc()
	c.negotiateExtensions(http1StreamID, h.Get("Sec-WebSocket-Extensions"))
	if len(body) == 0 {
		return nil, true
	}
	return c.convertChunk(ServerToClient, http1StreamID, body, false), true
}

// HandleRawChunk processes one ordered byte chunk of the HTTP/1 connection
// after the protocol switch. Before the switch it returns (nil, false) and
// the host keeps treating the bytes as HTTP. last marks the final chunk of
// that direction; any buffered partial frame is then emitted verbatim.
func (c *Converter) HandleRawChunk(dir Direction, data []byte, last bool) ([]byte, bool) {
	if !c.handshake.Switched() {
		return nil, false
	}
	return c.convertChunk(dir, http1StreamID, data, last), true
}

// HandleHTTP2Settings observes a SETTINGS frame event. Only the server can
// advertise the extended CONNECT capability; client settings are ignored.
func (c *Converter) HandleHTTP2Settings(dir Direction, settings map[http2.SettingID]uint32) {
	if dir != ServerToClient {
		return
	}
	if settings[settingEnableConnectProtocol] != 0 {
		c.connectProtocol = true
	}
}

// HandleHTTP2Headers observes a HEADERS frame event and performs extended
// CONNECT negotiation: a client HEADERS carrying ":protocol: websocket" with
// an http or https scheme, while the server has enabled the capability,
// switches that stream to websocket mode and activates any negotiated
// extensions for it.
func (c *Converter) HandleHTTP2Headers(dir Direction, streamID uint32, headers []hpack.HeaderField) {
	if !c.connectProtocol || dir != ClientToServer {
		return
	}

	var protocol, scheme, extensionsHeader string
	for _, h := range headers {
		switch h.Name {
		case ":protocol":
			protocol = h.Value
		case ":scheme":
			scheme = h.Value
		case "sec-websocket-extensions":
			extensionsHeader = h.Value
		}
	}
	if protocol != "websocket" {
		return
	}
	if scheme != "http" && scheme != "https" {
		return
	}

	c.negotiateExtensions(streamID, extensionsHeader)
	c.stream(streamID).websocket = true
}

// WebsocketStream reports whether an HTTP/2 stream carries websocket frames.
func (c *Converter) WebsocketStream(streamID uint32) bool {
	st, ok := c.streams[streamID]
	return ok && st.websocket
}

// HandleHTTP2Data routes a DATA frame of a websocket-mode stream through the
// frame pipeline, returning the transformed bytes with ok=true. Data on
// other streams returns (nil, false) and stays opaque to this engine.
func (c *Converter) HandleHTTP2Data(dir Direction, streamID uint32, data []byte, last bool) ([]byte, bool) {
	if !c.WebsocketStream(streamID) {
		return nil, false
	}
	return c.convertChunk(dir, streamID, data, last), true
}

// negotiateExtensions parses a Sec-WebSocket-Extensions header and activates
// per-message compression for the logical stream when negotiated.
// Unsupported extensions are logged and ignored.
func (c *Converter) negotiateExtensions(streamID uint32, header string) {
	exts := extension.Parse(header)
	if len(exts) == 0 {
		return
	}
	if pmd := extension.Find(exts, extension.PermessageDeflate); pmd != nil {
		c.stream(streamID).codec = wsdeflate.NewCodec(pmd.Params)
		return
	}
	c.logger.Printf("stream %d: unsupported websocket extensions: %v", streamID, extension.Names(exts))
}

// convertChunk applies the frame pipeline and converts structural violations
// into a diagnostic replacement chunk for the failing chunk only.
func (c *Converter) convertChunk(dir Direction, streamID uint32, data []byte, last bool) []byte {
	st := c.stream(streamID)
	out, err := c.processChunk(st, dir, data, last)
	if err != nil {
		c.logger.Printf("stream %d: error while handling websocket frames: %v", streamID, err)
		st.assembler.Reset()
		return []byte(fmt.Sprintf("Error while handling websocket frame: %v", err))
	}
	return out
}

// processChunk runs the decode -> unmask -> reassemble -> decompress ->
// re-serialize pipeline over one ordered byte chunk, prepending any
// previously buffered leftover bytes. Trailing bytes that do not yet form a
// complete frame are retained for the next chunk, or emitted verbatim when
// this is the stream's final chunk.
func (c *Converter) processChunk(st *streamState, dir Direction, data []byte, last bool) ([]byte, error) {
	buf := data
	if len(st.leftover[dir]) > 0 {
		buf = append(st.leftover[dir], data...)
		st.leftover[dir] = nil
	}

	var out []byte
	for len(buf) > 0 {
		f, n, res := wsframe.DecodeNext(dir, buf)
		if res == wsframe.DecodeNeedMore {
			break
		}
		if res == wsframe.DecodeViolation {
			structuralViolations.WithLabelValues("frame_length").Inc()
			return nil, fmt.Errorf("invalid frame length field")
		}
		buf = buf[n:]
		framesDecoded.WithLabelValues(dir.String()).Inc()

		// Control frames bypass reassembly and compression entirely.
		if f.Opcode.IsControl() {
			out = wsframe.Append(out, f)
			continue
		}

		fragmented := f.Opcode == wsframe.OpContinuation
		msg, done, err := st.assembler.Push(f)
		if err != nil {
			structuralViolations.WithLabelValues("fragmentation").Inc()
			return nil, err
		}
		if !done {
			continue
		}
		if fragmented {
			messagesReassembled.Inc()
		}

		if st.codec != nil {
			compressed := msg.Rsv1
			msg, err = st.codec.Decompress(msg)
			if err != nil {
				structuralViolations.WithLabelValues("decompression").Inc()
				return nil, fmt.Errorf("permessage-deflate: %w", err)
			}
			if compressed {
				bytesInflated.Add(float64(len(msg.Payload)))
			}
		}

		out = wsframe.Append(out, msg)
	}

	if len(buf) > 0 {
		if last {
			// Truncated capture: surface the unconsumed bytes rather than
			// holding them forever.
			out = append(out, buf...)
		} else {
			st.leftover[dir] = append([]byte(nil), buf...)
		}
	}
	return out, nil
}
