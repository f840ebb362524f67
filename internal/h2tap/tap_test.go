package h2tap

import (
	"bytes"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/wstap/internal/wsframe"
)

type headerEvent struct {
	dir       wsframe.Direction
	streamID  uint32
	headers   []hpack.HeaderField
	endStream bool
}

type dataEvent struct {
	dir       wsframe.Direction
	streamID  uint32
	data      []byte
	endStream bool
}

type recorder struct {
	settings []map[http2.SettingID]uint32
	headers  []headerEvent
	data     []dataEvent
}

func (r *recorder) OnSettings(_ wsframe.Direction, s map[http2.SettingID]uint32) {
	r.settings = append(r.settings, s)
}

func (r *recorder) OnHeaders(dir wsframe.Direction, streamID uint32, headers []hpack.HeaderField, endStream bool) {
	r.headers = append(r.headers, headerEvent{dir, streamID, headers, endStream})
}

func (r *recorder) OnData(dir wsframe.Direction, streamID uint32, data []byte, endStream bool) {
	r.data = append(r.data, dataEvent{dir, streamID, append([]byte(nil), data...), endStream})
}

// wireBuilder assembles raw connection bytes. The tap keeps one HPACK
// decoder per direction, so each test builds its direction's header blocks
// with one encoder.
type wireBuilder struct {
	buf      bytes.Buffer
	framer   *http2.Framer
	hpackBuf bytes.Buffer
	encoder  *hpack.Encoder
}

func newWireBuilder() *wireBuilder {
	w := &wireBuilder{}
	w.framer = http2.NewFramer(&w.buf, nil)
	w.encoder = hpack.NewEncoder(&w.hpackBuf)
	return w
}

func (w *wireBuilder) encode(t *testing.T, pairs ...string) []byte {
	t.Helper()
	w.hpackBuf.Reset()
	for i := 0; i < len(pairs); i += 2 {
		if err := w.encoder.WriteField(hpack.HeaderField{Name: pairs[i], Value: pairs[i+1]}); err != nil {
			t.Fatalf("hpack encode error = %v", err)
		}
	}
	return append([]byte(nil), w.hpackBuf.Bytes()...)
}

func (w *wireBuilder) bytes() []byte {
	return append([]byte(nil), w.buf.Bytes()...)
}

func TestTap_ClientConnection(t *testing.T) {
	w := newWireBuilder()
	w.buf.WriteString(clientPreface)
	if err := w.framer.WriteSettings(http2.Setting{ID: 0x8, Val: 1}); err != nil {
		t.Fatalf("WriteSettings() error = %v", err)
	}
	block := w.encode(t, ":method", "CONNECT", ":protocol", "websocket", ":scheme", "https", ":path", "/chat")
	if err := w.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block,
		EndHeaders:    true,
	}); err != nil {
		t.Fatalf("WriteHeaders() error = %v", err)
	}
	if err := w.framer.WriteData(1, true, []byte("payload")); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}

	rec := &recorder{}
	tap := New(rec)
	if err := tap.Feed(wsframe.ClientToServer, w.bytes()); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}

	if len(rec.settings) != 1 || rec.settings[0][0x8] != 1 {
		t.Errorf("settings events = %v", rec.settings)
	}
	if len(rec.headers) != 1 {
		t.Fatalf("header events = %d, want 1", len(rec.headers))
	}
	h := rec.headers[0]
	if h.streamID != 1 || h.endStream {
		t.Errorf("header event = stream:%d endStream:%v", h.streamID, h.endStream)
	}
	fields := map[string]string{}
	for _, f := range h.headers {
		fields[f.Name] = f.Value
	}
	if fields[":protocol"] != "websocket" || fields[":scheme"] != "https" {
		t.Errorf("decoded fields = %v", fields)
	}
	if len(rec.data) != 1 {
		t.Fatalf("data events = %d, want 1", len(rec.data))
	}
	d := rec.data[0]
	if d.streamID != 1 || !d.endStream || string(d.data) != "payload" {
		t.Errorf("data event = stream:%d endStream:%v data:%q", d.streamID, d.endStream, d.data)
	}
}

func TestTap_ServerDirectionHasNoPreface(t *testing.T) {
	w := newWireBuilder()
	if err := w.framer.WriteSettings(http2.Setting{ID: 0x8, Val: 1}); err != nil {
		t.Fatalf("WriteSettings() error = %v", err)
	}

	rec := &recorder{}
	tap := New(rec)
	if err := tap.Feed(wsframe.ServerToClient, w.bytes()); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(rec.settings) != 1 {
		t.Errorf("settings events = %d, want 1", len(rec.settings))
	}
}

func TestTap_InvalidPreface(t *testing.T) {
	tap := New(&recorder{})
	err := tap.Feed(wsframe.ClientToServer, []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	if err == nil {
		t.Error("Feed(non-HTTP/2 bytes) error = nil, want error")
	}
}

func TestTap_ByteAtATime(t *testing.T) {
	w := newWireBuilder()
	w.buf.WriteString(clientPreface)
	if err := w.framer.WriteSettings(); err != nil {
		t.Fatalf("WriteSettings() error = %v", err)
	}
	block := w.encode(t, ":method", "GET", ":path", "/")
	if err := w.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      3,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     true,
	}); err != nil {
		t.Fatalf("WriteHeaders() error = %v", err)
	}
	if err := w.framer.WriteData(3, false, []byte("abc")); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}

	rec := &recorder{}
	tap := New(rec)
	for _, b := range w.bytes() {
		if err := tap.Feed(wsframe.ClientToServer, []byte{b}); err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
	}

	if len(rec.headers) != 1 || rec.headers[0].streamID != 3 || !rec.headers[0].endStream {
		t.Errorf("header events = %+v", rec.headers)
	}
	if len(rec.data) != 1 || string(rec.data[0].data) != "abc" {
		t.Errorf("data events = %+v", rec.data)
	}
}

func TestTap_ContinuationFrames(t *testing.T) {
	w := newWireBuilder()
	block := w.encode(t, ":method", "CONNECT", ":protocol", "websocket")
	half := len(block) / 2
	if err := w.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      5,
		BlockFragment: block[:half],
		EndHeaders:    false,
	}); err != nil {
		t.Fatalf("WriteHeaders() error = %v", err)
	}
	if err := w.framer.WriteContinuation(5, true, block[half:]); err != nil {
		t.Fatalf("WriteContinuation() error = %v", err)
	}

	rec := &recorder{}
	tap := New(rec)
	if err := tap.Feed(wsframe.ServerToClient, w.bytes()); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(rec.headers) != 1 {
		t.Fatalf("header events = %d, want 1", len(rec.headers))
	}
	if got := len(rec.headers[0].headers); got != 2 {
		t.Errorf("decoded fields = %d, want 2", got)
	}
}

func TestTap_UnexpectedContinuation(t *testing.T) {
	w := newWireBuilder()
	if err := w.framer.WriteContinuation(7, true, []byte{0x82}); err != nil {
		t.Fatalf("WriteContinuation() error = %v", err)
	}

	tap := New(&recorder{})
	if err := tap.Feed(wsframe.ServerToClient, w.bytes()); err == nil {
		t.Error("Feed(stray CONTINUATION) error = nil, want error")
	}
}

func TestTap_PaddedData(t *testing.T) {
	w := newWireBuilder()
	if err := w.framer.WriteDataPadded(9, true, []byte("padded"), make([]byte, 4)); err != nil {
		t.Fatalf("WriteDataPadded() error = %v", err)
	}

	rec := &recorder{}
	tap := New(rec)
	if err := tap.Feed(wsframe.ServerToClient, w.bytes()); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(rec.data) != 1 || string(rec.data[0].data) != "padded" {
		t.Errorf("data events = %+v", rec.data)
	}
}

func TestTap_SettingsAckIgnored(t *testing.T) {
	w := newWireBuilder()
	if err := w.framer.WriteSettingsAck(); err != nil {
		t.Fatalf("WriteSettingsAck() error = %v", err)
	}

	rec := &recorder{}
	tap := New(rec)
	if err := tap.Feed(wsframe.ServerToClient, w.bytes()); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(rec.settings) != 0 {
		t.Errorf("settings events = %d, want 0", len(rec.settings))
	}
}

func TestTap_UnknownFrameTypesSkipped(t *testing.T) {
	w := newWireBuilder()
	if err := w.framer.WritePing(false, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("WritePing() error = %v", err)
	}
	if err := w.framer.WriteWindowUpdate(0, 65535); err != nil {
		t.Fatalf("WriteWindowUpdate() error = %v", err)
	}
	if err := w.framer.WriteData(11, false, []byte("after")); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}

	rec := &recorder{}
	tap := New(rec)
	if err := tap.Feed(wsframe.ServerToClient, w.bytes()); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(rec.data) != 1 || string(rec.data[0].data) != "after" {
		t.Errorf("data events = %+v", rec.data)
	}
}
