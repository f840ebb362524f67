// Command wstap-proxy is a transparent TCP relay for inspecting WebSocket
// traffic: it forwards bytes between a downstream client and an upstream
// server unmodified, while feeding a copy of both directions through the
// reconstruction engine and logging the decoded frames.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/wstap/internal/h2tap"
	"github.com/FumingPower3925/wstap/pkg/wstap"
)

// http2Preface opens every HTTP/2 client connection; seeing it switches a
// session from HTTP/1 sniffing to the HTTP/2 tap.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

func main() {
	var (
		addr      = flag.String("addr", ":9000", "address to listen on")
		upstream  = flag.String("upstream", "127.0.0.1:8080", "upstream address to relay to")
		multicore = flag.Bool("multicore", false, "enable gnet multicore mode")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "wstap ", log.LstdFlags)
	p := &proxy{
		upstreamAddr: *upstream,
		logger:       logger,
	}

	logger.Printf("relaying %s -> %s", *addr, *upstream)
	if err := gnet.Run(p, "tcp://"+*addr, gnet.WithMulticore(*multicore)); err != nil {
		logger.Fatalf("gnet: %v", err)
	}
}

// proxy implements the gnet event handlers; one session per accepted
// connection.
type proxy struct {
	gnet.BuiltinEventEngine
	upstreamAddr string
	logger       *log.Logger
	sessions     sync.Map // map[gnet.Conn]*session
}

func (p *proxy) OnBoot(_ gnet.Engine) gnet.Action {
	return gnet.None
}

func (p *proxy) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	up, err := net.DialTimeout("tcp", p.upstreamAddr, 10*time.Second)
	if err != nil {
		p.logger.Printf("dial upstream %s: %v", p.upstreamAddr, err)
		return nil, gnet.Close
	}

	s := newSession(c, up, p.logger)
	p.sessions.Store(c, s)
	go s.relayUpstream()
	return nil, gnet.None
}

func (p *proxy) OnClose(c gnet.Conn, err error) gnet.Action {
	if v, ok := p.sessions.Load(c); ok {
		v.(*session).close()
		p.sessions.Delete(c)
	}
	if err != nil && err != io.EOF {
		p.logger.Printf("connection closed: %v", err)
	}
	return gnet.None
}

func (p *proxy) OnTraffic(c gnet.Conn) gnet.Action {
	v, ok := p.sessions.Load(c)
	if !ok {
		return gnet.Close
	}
	s := v.(*session)

	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	// gnet reuses its read buffer after OnTraffic returns.
	data := make([]byte, len(buf))
	copy(data, buf)

	if _, err := s.upstream.Write(data); err != nil {
		p.logger.Printf("write upstream: %v", err)
		return gnet.Close
	}
	s.observeClient(data)
	return gnet.None
}

type sessionMode int

const (
	modeSniffing sessionMode = iota
	modeHTTP1
	modeHTTP2
)

// session taps one relayed connection. The gnet event loop delivers client
// bytes and a goroutine delivers upstream bytes; mu serializes the converter.
type session struct {
	mu       sync.Mutex
	client   gnet.Conn
	upstream net.Conn
	logger   *log.Logger

	conv *wstap.Converter
	tap  *h2tap.Tap
	mode sessionMode

	clientHead []byte
	serverHead []byte
	closed     bool
}

func newSession(client gnet.Conn, upstream net.Conn, logger *log.Logger) *session {
	s := &session{
		client:   client,
		upstream: upstream,
		logger:   logger,
		conv:     wstap.New(wstap.Config{Logger: logger}),
	}
	s.tap = h2tap.New(&tapEvents{conv: s.conv, logger: logger})
	return s
}

// relayUpstream pumps server-to-client bytes: forward verbatim, then observe.
func (s *session) relayUpstream() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.upstream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			_ = s.client.AsyncWrite(data, nil)
			s.observeServer(data)
		}
		if err != nil {
			_ = s.client.Close()
			return
		}
	}
}

func (s *session) observeClient(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case modeSniffing:
		s.clientHead = append(s.clientHead, data...)
		if len(s.clientHead) >= len(http2Preface) || !bytes.HasPrefix([]byte(http2Preface), s.clientHead) {
			if bytes.HasPrefix(s.clientHead, []byte(http2Preface)) {
				s.mode = modeHTTP2
				s.feedTap(wstap.ClientToServer, s.clientHead)
				s.clientHead = nil
				if len(s.serverHead) > 0 {
					s.feedTap(wstap.ServerToClient, s.serverHead)
					s.serverHead = nil
				}
			} else {
				s.mode = modeHTTP1
				s.parseRequestHead()
				s.parseResponseHead()
			}
		}
	case modeHTTP1:
		if out, ok := s.conv.HandleRawChunk(wstap.ClientToServer, data, false); ok {
			s.logDecoded(wstap.ClientToServer, out)
			return
		}
		s.clientHead = append(s.clientHead, data...)
		s.parseRequestHead()
	case modeHTTP2:
		s.feedTap(wstap.ClientToServer, data)
	}
}

func (s *session) observeServer(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case modeSniffing:
		// Protocol not decided yet; hold server bytes until it is.
		s.serverHead = append(s.serverHead, data...)
	case modeHTTP1:
		if out, ok := s.conv.HandleRawChunk(wstap.ServerToClient, data, false); ok {
			s.logDecoded(wstap.ServerToClient, out)
			return
		}
		s.serverHead = append(s.serverHead, data...)
		s.parseResponseHead()
	case modeHTTP2:
		s.feedTap(wstap.ServerToClient, data)
	}
}

// parseRequestHead consumes complete HTTP/1 request heads from the client
// buffer and hands their headers to the converter. Request bodies are not
// expected on upgrade flows and are skipped by the tap (the relay forwards
// them regardless).
func (s *session) parseRequestHead() {
	for {
		idx := bytes.Index(s.clientHead, []byte("\r\n\r\n"))
		if idx < 0 {
			return
		}
		head := s.clientHead[:idx+4]
		s.clientHead = append([]byte(nil), s.clientHead[idx+4:]...)

		req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
		if err != nil {
			s.logger.Printf("parse request head: %v", err)
			continue
		}
		if out, ok := s.conv.HandleHTTP1Request(req.Header); ok {
			s.logDecoded(wstap.ClientToServer, out)
		}
	}
}

// parseResponseHead consumes one HTTP/1 response head from the server buffer
// and hands it to the converter; on a protocol switch, the remaining bytes
// are the first WebSocket chunk.
func (s *session) parseResponseHead() {
	idx := bytes.Index(s.serverHead, []byte("\r\n\r\n"))
	if idx < 0 {
		return
	}
	head := s.serverHead[:idx+4]
	rest := append([]byte(nil), s.serverHead[idx+4:]...)
	s.serverHead = nil

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		s.logger.Printf("parse response head: %v", err)
		return
	}
	if out, ok := s.conv.HandleHTTP1Response(resp.StatusCode, resp.Header, rest); ok {
		s.logDecoded(wstap.ServerToClient, out)
	}
}

func (s *session) feedTap(dir wstap.Direction, data []byte) {
	if err := s.tap.Feed(dir, data); err != nil {
		s.logger.Printf("http2 tap: %v", err)
	}
}

func (s *session) logDecoded(dir wstap.Direction, out []byte) {
	if len(out) == 0 {
		return
	}
	s.logger.Printf("%s: %d bytes: %q", dir, len(out), preview(out))
}

// close flushes any buffered partial frames as final chunks and tears the
// session down.
func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	if s.conv.Switched() {
		if out, ok := s.conv.HandleRawChunk(wstap.ClientToServer, nil, true); ok {
			s.logDecoded(wstap.ClientToServer, out)
		}
		if out, ok := s.conv.HandleRawChunk(wstap.ServerToClient, nil, true); ok {
			s.logDecoded(wstap.ServerToClient, out)
		}
	}
	_ = s.upstream.Close()
}

// preview truncates decoded output for log lines.
func preview(b []byte) []byte {
	const max = 128
	if len(b) <= max {
		return b
	}
	return b[:max]
}

// tapEvents adapts parsed HTTP/2 frame events to the converter.
type tapEvents struct {
	conv   *wstap.Converter
	logger *log.Logger
}

func (e *tapEvents) OnSettings(dir wstap.Direction, settings map[http2.SettingID]uint32) {
	e.conv.HandleHTTP2Settings(dir, settings)
}

func (e *tapEvents) OnHeaders(dir wstap.Direction, streamID uint32, headers []hpack.HeaderField, _ bool) {
	e.conv.HandleHTTP2Headers(dir, streamID, headers)
}

func (e *tapEvents) OnData(dir wstap.Direction, streamID uint32, data []byte, endStream bool) {
	if out, ok := e.conv.HandleHTTP2Data(dir, streamID, data, endStream); ok && len(out) > 0 {
		e.logger.Printf("stream %d %s: %d bytes: %q", streamID, dir, len(out), preview(out))
	}
}
