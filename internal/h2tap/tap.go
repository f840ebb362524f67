// Package h2tap incrementally parses the raw bytes of an observed HTTP/2
// connection into frame events. It is a passive reader: it validates nothing
// it does not need, sends nothing, and tolerates truncation by simply
// stopping at the last complete frame.
package h2tap

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/wstap/internal/wsframe"
)

// clientPreface opens every HTTP/2 client connection.
const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// frameHeaderLen is the fixed HTTP/2 frame header size.
const frameHeaderLen = 9

// EventHandler receives parsed frame events. Handlers are invoked
// synchronously from Feed in wire order.
type EventHandler interface {
	OnSettings(dir wsframe.Direction, settings map[http2.SettingID]uint32)
	OnHeaders(dir wsframe.Direction, streamID uint32, headers []hpack.HeaderField, endStream bool)
	OnData(dir wsframe.Direction, streamID uint32, data []byte, endStream bool)
}

// Tap parses both directions of one HTTP/2 connection. Each direction keeps
// its own buffer and HPACK dynamic table; chunks must arrive in wire order
// per direction.
type Tap struct {
	handler EventHandler
	dirs    [2]*dirState
}

type dirState struct {
	dir     wsframe.Direction
	buf     []byte
	decoder *hpack.Decoder

	prefacePending bool

	// header block accumulation across CONTINUATION frames
	headerBlock  []byte
	headerStream uint32
	headerEnd    bool
	inHeaders    bool
}

// New creates a tap delivering events to handler.
func New(handler EventHandler) *Tap {
	t := &Tap{handler: handler}
	t.dirs[wsframe.ClientToServer] = &dirState{
		dir:            wsframe.ClientToServer,
		decoder:        hpack.NewDecoder(4096, nil),
		prefacePending: true,
	}
	t.dirs[wsframe.ServerToClient] = &dirState{
		dir:     wsframe.ServerToClient,
		decoder: hpack.NewDecoder(4096, nil),
	}
	return t
}

// Feed buffers one ordered byte chunk for a direction and drains as many
// complete frames as the buffer allows.
func (t *Tap) Feed(dir wsframe.Direction, data []byte) error {
	d := t.dirs[dir]
	d.buf = append(d.buf, data...)

	if d.prefacePending {
		if len(d.buf) < len(clientPreface) {
			return nil
		}
		if string(d.buf[:len(clientPreface)]) != clientPreface {
			return fmt.Errorf("invalid HTTP/2 client preface")
		}
		d.buf = d.buf[len(clientPreface):]
		d.prefacePending = false
	}

	for len(d.buf) >= frameHeaderLen {
		length := uint32(d.buf[0])<<16 | uint32(d.buf[1])<<8 | uint32(d.buf[2])
		total := frameHeaderLen + int(length)
		if len(d.buf) < total {
			break
		}
		ftype := http2.FrameType(d.buf[3])
		flags := http2.Flags(d.buf[4])
		streamID := binary.BigEndian.Uint32(d.buf[5:9]) & 0x7fffffff
		payload := d.buf[frameHeaderLen:total]

		if err := t.dispatch(d, ftype, flags, streamID, payload); err != nil {
			return err
		}
		d.buf = d.buf[total:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return nil
}

func (t *Tap) dispatch(d *dirState, ftype http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) error {
	switch ftype {
	case http2.FrameSettings:
		if flags.Has(http2.FlagSettingsAck) || streamID != 0 || len(payload)%6 != 0 {
			return nil
		}
		settings := make(map[http2.SettingID]uint32, len(payload)/6)
		for off := 0; off < len(payload); off += 6 {
			id := http2.SettingID(binary.BigEndian.Uint16(payload[off : off+2]))
			settings[id] = binary.BigEndian.Uint32(payload[off+2 : off+6])
		}
		t.handler.OnSettings(d.dir, settings)

	case http2.FrameHeaders:
		block, err := stripHeadersPayload(payload, flags)
		if err != nil {
			return err
		}
		d.inHeaders = true
		d.headerStream = streamID
		d.headerEnd = flags.Has(http2.FlagHeadersEndStream)
		d.headerBlock = append(d.headerBlock[:0], block...)
		if flags.Has(http2.FlagHeadersEndHeaders) {
			return t.emitHeaders(d)
		}

	case http2.FrameContinuation:
		if !d.inHeaders || streamID != d.headerStream {
			return fmt.Errorf("unexpected CONTINUATION on stream %d", streamID)
		}
		d.headerBlock = append(d.headerBlock, payload...)
		if flags.Has(http2.FlagContinuationEndHeaders) {
			return t.emitHeaders(d)
		}

	case http2.FrameData:
		data, err := stripDataPadding(payload, flags)
		if err != nil {
			return err
		}
		t.handler.OnData(d.dir, streamID, data, flags.Has(http2.FlagDataEndStream))
	}
	return nil
}

// emitHeaders decodes the accumulated header block and delivers the event.
func (t *Tap) emitHeaders(d *dirState) error {
	var fields []hpack.HeaderField
	d.decoder.SetEmitFunc(func(hf hpack.HeaderField) {
		fields = append(fields, hf)
	})
	if _, err := d.decoder.Write(d.headerBlock); err != nil {
		return fmt.Errorf("hpack decode error: %w", err)
	}
	if err := d.decoder.Close(); err != nil {
		return fmt.Errorf("hpack decode error: %w", err)
	}
	d.inHeaders = false
	d.headerBlock = d.headerBlock[:0]
	t.handler.OnHeaders(d.dir, d.headerStream, fields, d.headerEnd)
	return nil
}

// stripHeadersPayload removes padding and priority fields from a HEADERS
// payload, leaving the header block fragment.
func stripHeadersPayload(payload []byte, flags http2.Flags) ([]byte, error) {
	var padLen int
	if flags.Has(http2.FlagHeadersPadded) {
		if len(payload) < 1 {
			return nil, fmt.Errorf("invalid HEADERS padding")
		}
		padLen = int(payload[0])
		payload = payload[1:]
	}
	if flags.Has(http2.FlagHeadersPriority) {
		if len(payload) < 5 {
			return nil, fmt.Errorf("invalid HEADERS priority fields")
		}
		payload = payload[5:]
	}
	if padLen > len(payload) {
		return nil, fmt.Errorf("invalid HEADERS pad length %d", padLen)
	}
	return payload[:len(payload)-padLen], nil
}

// stripDataPadding removes padding from a DATA payload.
func stripDataPadding(payload []byte, flags http2.Flags) ([]byte, error) {
	if !flags.Has(http2.FlagDataPadded) {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, fmt.Errorf("invalid DATA padding")
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		return nil, fmt.Errorf("invalid DATA pad length %d", padLen)
	}
	return payload[:len(payload)-padLen], nil
}
