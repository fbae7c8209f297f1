// Package h2 implements the HTTP/2 front door: a per-connection session that
// frames, assembles, and dispatches request streams, and emits buffered
// responses back on the same connection.
package h2

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"tunnel-proxy-go/internal/model"
	"tunnel-proxy-go/internal/router"
)

const (
	// readBufferSize is the per-session buffered-reader size.
	readBufferSize = 8192

	// maxConcurrentStreams is advertised in the initial SETTINGS frame.
	maxConcurrentStreams = 100

	// defaultMaxFrameSize is the HTTP/2 default until the peer raises it.
	defaultMaxFrameSize = 16384

	// defaultInitialWindow is the HTTP/2 default flow control window.
	defaultInitialWindow = 65535

	// hpackTableSize is the HPACK dynamic table size (RFC 7541 default).
	hpackTableSize = 4096

	// handshakeTimeout bounds the server-side TLS handshake.
	handshakeTimeout = 10 * time.Second
)

// streamData accumulates one request stream until END_STREAM dispatches it.
type streamData struct {
	method     string
	path       string
	body       bytes.Buffer
	dispatched bool
}

// Session owns one accepted HTTP/2 connection: the framer, the HPACK state,
// the per-stream accumulators, and the write side. Frame reading happens on
// a single goroutine; writes are serialized by writeMu so handler goroutines
// may emit responses concurrently.
type Session struct {
	conn    net.Conn
	handler router.HandlerFunc
	logger  *slog.Logger

	framer *http2.Framer

	// writeMu serializes frame writes and the HPACK encoder, whose state
	// must match the order header blocks reach the wire.
	writeMu sync.Mutex
	henc    *hpack.Encoder
	hbuf    bytes.Buffer

	streamsMu sync.Mutex
	streams   map[uint32]*streamData

	// Send-side flow control. reserveSendWindow blocks handler goroutines
	// until the peer grants window; the read loop credits it.
	flowMu        sync.Mutex
	flowCond      *sync.Cond
	connWindow    int64
	streamWindow  map[uint32]int64
	initialWindow int64
	maxFrameSize  uint32
	closed        bool
}

// New creates a Session for an accepted connection. The connection may be a
// plain TCP stream or a *tls.Conn; a TLS connection is handshaken when Serve
// starts and must negotiate ALPN h2.
func New(conn net.Conn, handler router.HandlerFunc, logger *slog.Logger) *Session {
	s := &Session{
		conn:          conn,
		handler:       handler,
		logger:        logger.With("component", "h2_session", "remote", conn.RemoteAddr().String()),
		streams:       make(map[uint32]*streamData),
		streamWindow:  make(map[uint32]int64),
		connWindow:    defaultInitialWindow,
		initialWindow: defaultInitialWindow,
		maxFrameSize:  defaultMaxFrameSize,
	}
	s.flowCond = sync.NewCond(&s.flowMu)
	s.henc = hpack.NewEncoder(&s.hbuf)
	return s
}

// Serve drives the session to completion: TLS handshake (when applicable),
// preface, initial SETTINGS, then the frame loop. It returns when the peer
// goes away or a fatal protocol error occurs, and always releases the
// transport.
func (s *Session) Serve() {
	defer s.shutdown()

	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			s.logger.Error("tls handshake failed", "err", err)
			return
		}
		if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "h2" {
			s.logger.Error("client did not negotiate h2", "proto", proto)
			return
		}
		s.logger.Debug("tls handshake completed")
	}

	br := bufio.NewReaderSize(s.conn, readBufferSize)

	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(br, preface); err != nil {
		s.logger.Error("read connection preface", "err", err)
		return
	}
	if string(preface) != http2.ClientPreface {
		s.logger.Error("invalid connection preface")
		return
	}

	s.framer = http2.NewFramer(s.conn, br)
	s.framer.ReadMetaHeaders = hpack.NewDecoder(hpackTableSize, nil)

	s.writeMu.Lock()
	err := s.framer.WriteSettings(http2.Setting{
		ID:  http2.SettingMaxConcurrentStreams,
		Val: maxConcurrentStreams,
	})
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Error("write initial settings", "err", err)
		return
	}

	s.readLoop()
}

func (s *Session) readLoop() {
	for {
		frame, err := s.framer.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("read frame", "err", err)
			}
			return
		}

		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			s.onHeaders(f)
		case *http2.DataFrame:
			if err := s.onData(f); err != nil {
				s.logger.Error("handle data frame", "err", err)
				return
			}
		case *http2.SettingsFrame:
			if err := s.onSettings(f); err != nil {
				s.logger.Error("handle settings frame", "err", err)
				return
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				s.writeMu.Lock()
				err := s.framer.WritePing(true, f.Data)
				s.writeMu.Unlock()
				if err != nil {
					s.logger.Error("write ping ack", "err", err)
					return
				}
			}
		case *http2.WindowUpdateFrame:
			s.onWindowUpdate(f)
		case *http2.RSTStreamFrame:
			s.closeStream(f.StreamID)
			s.logger.Debug("stream reset by peer", "stream_id", f.StreamID)
		case *http2.GoAwayFrame:
			s.logger.Debug("received goaway", "last_stream", f.LastStreamID, "code", f.ErrCode)
			return
		case *http2.PriorityFrame:
			// Prioritization is not implemented.
		default:
			s.logger.Debug("ignoring frame", "type", fmt.Sprintf("%T", frame))
		}
	}
}

// onHeaders records :method and :path for the stream and dispatches when the
// HEADERS frame carries END_STREAM (a body-less request, or trailers).
func (s *Session) onHeaders(f *http2.MetaHeadersFrame) {
	s.streamsMu.Lock()
	sd, ok := s.streams[f.StreamID]
	if !ok {
		sd = &streamData{}
		s.streams[f.StreamID] = sd

		s.flowMu.Lock()
		s.streamWindow[f.StreamID] = s.initialWindow
		s.flowMu.Unlock()
	}
	for _, hf := range f.Fields {
		switch hf.Name {
		case ":method":
			sd.method = hf.Value
		case ":path":
			sd.path = hf.Value
		}
		// Other headers are not recorded.
	}
	s.streamsMu.Unlock()

	if f.StreamEnded() {
		s.dispatch(f.StreamID)
	}
}

// onData appends DATA payload to the stream's body buffer, replenishes the
// receive windows, and dispatches on END_STREAM.
func (s *Session) onData(f *http2.DataFrame) error {
	s.streamsMu.Lock()
	sd, ok := s.streams[f.StreamID]
	if ok {
		sd.body.Write(f.Data())
	}
	s.streamsMu.Unlock()

	// Credit back what the frame consumed (padding included) so the peer can
	// keep sending. Bodies are buffered in memory, so there is no reason to
	// withhold window.
	if n := f.Length; n > 0 {
		s.writeMu.Lock()
		err := s.framer.WriteWindowUpdate(0, n)
		if err == nil && ok && !f.StreamEnded() {
			err = s.framer.WriteWindowUpdate(f.StreamID, n)
		}
		s.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("write window update: %w", err)
		}
	}

	if ok && f.StreamEnded() {
		s.dispatch(f.StreamID)
	}
	return nil
}

func (s *Session) onSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}

	_ = f.ForeachSetting(func(st http2.Setting) error {
		switch st.ID {
		case http2.SettingInitialWindowSize:
			s.applyInitialWindow(int64(st.Val))
		case http2.SettingMaxFrameSize:
			s.flowMu.Lock()
			s.maxFrameSize = st.Val
			s.flowMu.Unlock()
		}
		return nil
	})

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.framer.WriteSettingsAck(); err != nil {
		return fmt.Errorf("write settings ack: %w", err)
	}
	return nil
}

// applyInitialWindow adjusts every open stream's send window by the delta
// between the old and new initial window, per RFC 9113 section 6.9.2.
func (s *Session) applyInitialWindow(val int64) {
	s.flowMu.Lock()
	delta := val - s.initialWindow
	s.initialWindow = val
	for id := range s.streamWindow {
		s.streamWindow[id] += delta
	}
	s.flowMu.Unlock()
	s.flowCond.Broadcast()
}

func (s *Session) onWindowUpdate(f *http2.WindowUpdateFrame) {
	s.flowMu.Lock()
	if f.StreamID == 0 {
		s.connWindow += int64(f.Increment)
	} else if _, ok := s.streamWindow[f.StreamID]; ok {
		s.streamWindow[f.StreamID] += int64(f.Increment)
	}
	s.flowMu.Unlock()
	s.flowCond.Broadcast()
}

// dispatch hands the assembled request to the router exactly once. The
// handler runs on its own goroutine because forwarding blocks on backend I/O.
func (s *Session) dispatch(streamID uint32) {
	s.streamsMu.Lock()
	sd, ok := s.streams[streamID]
	if !ok || sd.dispatched {
		s.streamsMu.Unlock()
		return
	}
	sd.dispatched = true
	method := sd.method
	path := sd.path
	body := append([]byte(nil), sd.body.Bytes()...)
	s.streamsMu.Unlock()

	s.logger.Debug("dispatching request",
		"stream_id", streamID,
		"method", method,
		"path", path,
		"body_bytes", len(body),
	)

	go s.handler(method, path, body, streamID, s.sendResponse)
}

// sendResponse emits one buffered response on the stream. An empty body is a
// single HEADERS frame with END_STREAM and no content-length; otherwise the
// headers carry content-type and content-length for the stored body length,
// followed by DATA frames with END_STREAM on the last.
func (s *Session) sendResponse(streamID uint32, resp model.HTTPResponse) {
	if !s.streamOpen(streamID) {
		s.logger.Debug("dropping response for closed stream", "stream_id", streamID)
		return
	}

	endStream := len(resp.Body) == 0

	s.writeMu.Lock()
	s.hbuf.Reset()
	_ = s.henc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.StatusCode)})
	if !endStream {
		contentType := resp.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		_ = s.henc.WriteField(hpack.HeaderField{Name: "content-type", Value: contentType})
		_ = s.henc.WriteField(hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(resp.Body))})
	}
	err := s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: s.hbuf.Bytes(),
		EndStream:     endStream,
		EndHeaders:    true,
	})
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Error("write response headers", "stream_id", streamID, "err", err)
		return
	}

	if !endStream {
		if err := s.writeBody(streamID, resp.Body); err != nil {
			s.logger.Error("write response body", "stream_id", streamID, "err", err)
			return
		}
	}

	s.closeStream(streamID)
	s.logger.Debug("response sent", "stream_id", streamID, "status", resp.StatusCode)
}

// writeBody sends the body as DATA frames, honoring the peer's max frame
// size and both levels of its flow control window.
func (s *Session) writeBody(streamID uint32, body []byte) error {
	for len(body) > 0 {
		n := s.reserveSendWindow(streamID, len(body))
		if n == 0 {
			return fmt.Errorf("stream %d closed while awaiting window", streamID)
		}

		chunk := body[:n]
		body = body[n:]
		last := len(body) == 0

		s.writeMu.Lock()
		err := s.framer.WriteData(streamID, last, chunk)
		s.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// reserveSendWindow blocks until the peer has granted window for streamID,
// then deducts and returns the number of bytes that may be sent, capped at
// the peer's max frame size. Returns 0 when the stream or session is gone.
func (s *Session) reserveSendWindow(streamID uint32, want int) int {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	for {
		if s.closed {
			return 0
		}
		win, ok := s.streamWindow[streamID]
		if !ok {
			return 0
		}

		n := int64(want)
		if n > win {
			n = win
		}
		if n > s.connWindow {
			n = s.connWindow
		}
		if n > int64(s.maxFrameSize) {
			n = int64(s.maxFrameSize)
		}
		if n > 0 {
			s.streamWindow[streamID] -= n
			s.connWindow -= n
			return int(n)
		}

		s.flowCond.Wait()
	}
}

// streamOpen reports whether the stream still has an accumulator entry.
func (s *Session) streamOpen(streamID uint32) bool {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	_, ok := s.streams[streamID]
	return ok
}

// closeStream discards the stream's accumulator and flow control state.
func (s *Session) closeStream(streamID uint32) {
	s.streamsMu.Lock()
	delete(s.streams, streamID)
	s.streamsMu.Unlock()

	s.flowMu.Lock()
	delete(s.streamWindow, streamID)
	s.flowMu.Unlock()
	s.flowCond.Broadcast()
}

// shutdown releases the transport and unblocks any handler goroutine still
// waiting on flow control.
func (s *Session) shutdown() {
	s.flowMu.Lock()
	s.closed = true
	s.flowMu.Unlock()
	s.flowCond.Broadcast()

	_ = s.conn.Close()
	s.logger.Debug("session closed")
}
