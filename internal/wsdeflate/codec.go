// Package wsdeflate reverses the permessage-deflate WebSocket extension
// (RFC 7692) for observed traffic. Decompression contexts are persistent:
// the sliding window is shared across all messages of one direction and is
// never reset mid-stream.
package wsdeflate

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"strconv"

	"github.com/FumingPower3925/wstap/internal/wsframe"
)

// deflateTail is the sync-flush trailer the sender strips from every
// message; it is re-appended before each decompress call to flush the
// inflater without terminating the stream.
var deflateTail = []byte{0x00, 0x00, 0xFF, 0xFF}

// Window-size bounds allowed by the extension grammar.
const (
	MinWindowBits = 8
	MaxWindowBits = 15
)

// Inflater is one persistent raw-DEFLATE decompression context. Context
// takeover is expressed with flate.NewReaderDict: the trailing windowSize
// bytes of everything decompressed so far are retained and supplied as the
// dictionary for the next message. This is equivalent to one long-lived
// inflate stream because every message ends on a sync flush, so the next
// message starts byte-aligned at a block boundary and the only state carried
// across messages is the sliding window itself.
type Inflater struct {
	windowSize int
	window     []byte
}

// NewInflater creates a context with the given negotiated window size.
// Out-of-range values select the maximum.
func NewInflater(bits int) *Inflater {
	if bits < MinWindowBits || bits > MaxWindowBits {
		bits = MaxWindowBits
	}
	return &Inflater{windowSize: 1 << bits}
}

// Decompress inflates one complete message payload.
func (inf *Inflater) Decompress(data []byte) ([]byte, error) {
	src := make([]byte, 0, len(data)+len(deflateTail))
	src = append(src, data...)
	src = append(src, deflateTail...)

	fr := flate.NewReaderDict(bytes.NewReader(src), inf.window)
	out, err := io.ReadAll(fr)
	// The sync-flush trailer leaves the stream open, so the reader runs out
	// of input mid-stream; ErrUnexpectedEOF is the expected terminator.
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	_ = fr.Close()

	inf.remember(out)
	return out, nil
}

// remember keeps the trailing windowSize bytes of decompressed output as the
// dictionary for the next message.
func (inf *Inflater) remember(out []byte) {
	if len(out) >= inf.windowSize {
		inf.window = append(inf.window[:0], out[len(out)-inf.windowSize:]...)
		return
	}
	keep := inf.windowSize - len(out)
	if keep > len(inf.window) {
		keep = len(inf.window)
	}
	window := make([]byte, 0, keep+len(out))
	window = append(window, inf.window[len(inf.window)-keep:]...)
	window = append(window, out...)
	inf.window = window
}

// Codec owns the two per-direction decompression contexts of one logical
// stream, created when permessage-deflate is confirmed active for it.
type Codec struct {
	inflaters [2]*Inflater
}

// NewCodec creates the contexts from negotiated extension parameters.
// Each direction gets an independent context; the optional
// client_max_window_bits / server_max_window_bits parameters lower the
// window from its default maximum.
func NewCodec(params map[string]string) *Codec {
	c := &Codec{}
	c.inflaters[wsframe.ClientToServer] = NewInflater(windowBits(params, "client_max_window_bits"))
	c.inflaters[wsframe.ServerToClient] = NewInflater(windowBits(params, "server_max_window_bits"))
	return c
}

// windowBits reads a negotiated window-size parameter. Absent, valueless or
// malformed parameters keep the default maximum.
func windowBits(params map[string]string, name string) int {
	v, ok := params[name]
	if !ok || v == "" {
		return MaxWindowBits
	}
	bits, err := strconv.Atoi(v)
	if err != nil || bits < MinWindowBits || bits > MaxWindowBits {
		return MaxWindowBits
	}
	return bits
}

// Decompress reverses the per-message compression of f. Control frames and
// frames without the RSV1 marker pass through unchanged; the marker is
// cleared on output.
func (c *Codec) Decompress(f wsframe.Frame) (wsframe.Frame, error) {
	if f.Opcode.IsControl() || !f.Rsv1 {
		return f, nil
	}
	out, err := c.inflaters[f.Direction].Decompress(f.Payload)
	if err != nil {
		return wsframe.Frame{}, err
	}
	f.Rsv1 = false
	f.Payload = out
	return f, nil
}
