package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/sardanioss/cloakengine/fingerprint"
	tls "github.com/sardanioss/utls"
)

// HTTP/2 frame types
const (
	frameTypeData         = 0x0
	frameTypeHeaders      = 0x1
	frameTypePriority     = 0x2
	frameTypeRSTStream    = 0x3
	frameTypeSettings     = 0x4
	frameTypeWindowUpdate = 0x8
)

const (
	frameHeaderLen = 9
	flagAck        = 0x1
	flagEndStream  = 0x1

	defaultWindow = 65535
)

var clientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// http2Conn rewrites the client's connection preface so the first SETTINGS,
// the connection WINDOW_UPDATE and any PRIORITY frames match a fingerprint.
// Frames after the preface pass through untouched.
//
// When the fingerprint advertises larger receive windows than the client
// library keeps internally, the peer may send more DATA than the library
// accepts. In that case inbound frames are routed through an inboundFlow
// that holds DATA back until the library has opened its own window.
type http2Conn struct {
	net.Conn
	fp *fingerprint.HTTP2Fingerprint

	mu            sync.Mutex
	buf           bytes.Buffer
	wrotePreface  bool
	wroteSettings bool
	droppedWindow bool
	sawHeaders    bool

	// Windows the client library actually advertised, before rewriting.
	clientStreamWindow int64
	clientConnWindow   int64
	tracking           bool

	inMu      sync.Mutex
	inCond    *sync.Cond
	in        *inboundFlow
	readState int // 0 undecided, 1 direct, 2 shaped
}

func newHTTP2Conn(conn net.Conn, fp *fingerprint.HTTP2Fingerprint) *http2Conn {
	c := &http2Conn{
		Conn:               conn,
		fp:                 fp,
		clientStreamWindow: defaultWindow,
		clientConnWindow:   defaultWindow,
	}
	c.inCond = sync.NewCond(&c.inMu)
	return c
}

// Write intercepts writes to modify HTTP/2 frames
func (c *http2Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.passthrough() && !c.tracking && c.buf.Len() == 0 {
		return c.Conn.Write(p)
	}

	c.buf.Write(p)
	var out bytes.Buffer
	var updates []windowUpdate
	for c.buf.Len() > 0 {
		data := c.buf.Bytes()

		if !c.wrotePreface {
			if len(data) < len(clientPreface) {
				break
			}
			if bytes.Equal(data[:len(clientPreface)], clientPreface) {
				out.Write(clientPreface)
				c.buf.Next(len(clientPreface))
			}
			c.wrotePreface = true
			continue
		}

		if len(data) < frameHeaderLen {
			break
		}
		length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		frameType := data[3]
		flags := data[4]
		streamID := binary.BigEndian.Uint32(data[5:9]) & 0x7fffffff
		frameSize := frameHeaderLen + length
		if len(data) < frameSize {
			break
		}

		inPreface := !c.passthrough()
		switch {
		case frameType == frameTypeSettings && flags&flagAck == 0 && !c.wroteSettings:
			c.noteClientSettings(data[frameHeaderLen:frameSize])
			out.Write(c.prefaceFrames())
			c.wroteSettings = true

		case frameType == frameTypeWindowUpdate && streamID == 0 && !c.droppedWindow && !c.sawHeaders:
			// Replaced by the fingerprint's increment in prefaceFrames.
			if length == 4 {
				c.clientConnWindow += int64(binary.BigEndian.Uint32(data[frameHeaderLen:]) & 0x7fffffff)
			}
			c.droppedWindow = true

		default:
			if frameType == frameTypeHeaders {
				c.sawHeaders = true
			}
			if c.tracking {
				if u, ok := parseClientFlowFrame(frameType, streamID, data[frameHeaderLen:frameSize]); ok {
					updates = append(updates, u)
				}
			}
			out.Write(data[:frameSize])
		}
		c.buf.Next(frameSize)

		if inPreface && c.passthrough() && c.needsInboundShaping() {
			c.tracking = true
			c.inMu.Lock()
			c.in = newInboundFlow(c.clientStreamWindow, c.clientConnWindow)
			c.inMu.Unlock()
		}
	}

	if len(updates) > 0 {
		c.inMu.Lock()
		if c.in != nil {
			for _, u := range updates {
				c.in.apply(u)
			}
			c.inCond.Broadcast()
		}
		c.inMu.Unlock()
	}

	if out.Len() > 0 {
		if _, err := c.Conn.Write(out.Bytes()); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// noteClientSettings records the INITIAL_WINDOW_SIZE the client library
// advertised before its SETTINGS are replaced.
func (c *http2Conn) noteClientSettings(payload []byte) {
	for len(payload) >= 6 {
		if binary.BigEndian.Uint16(payload) == fingerprint.H2SettingInitialWindowSize {
			c.clientStreamWindow = int64(binary.BigEndian.Uint32(payload[2:]))
		}
		payload = payload[6:]
	}
}

// needsInboundShaping reports whether the rewritten preface lets the peer
// send more than the client library will accept.
func (c *http2Conn) needsInboundShaping() bool {
	wireStream := int64(defaultWindow)
	if v, ok := c.fp.Setting(fingerprint.H2SettingInitialWindowSize); ok {
		wireStream = int64(v)
	}
	wireConn := int64(defaultWindow) + int64(c.fp.WindowUpdate)
	return wireStream > c.clientStreamWindow || wireConn > c.clientConnWindow
}

// Read returns frames from the peer. Without shaping it reads the
// connection directly. The mode is fixed by the first Read, which the
// client library issues only after writing its preface.
func (c *http2Conn) Read(p []byte) (int, error) {
	c.inMu.Lock()
	if c.readState == 0 {
		c.readState = 1
		if c.in != nil {
			c.readState = 2
			go c.pump()
		}
	}
	if c.readState == 1 {
		c.inMu.Unlock()
		return c.Conn.Read(p)
	}
	defer c.inMu.Unlock()

	for c.in.out.Len() == 0 && c.in.err == nil {
		c.inCond.Wait()
	}
	if c.in.out.Len() > 0 {
		return c.in.out.Read(p)
	}
	return 0, c.in.err
}

// pump reads whole frames from the peer and hands them to the inbound flow.
func (c *http2Conn) pump() {
	r := bufio.NewReaderSize(c.Conn, 32<<10)
	hdr := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			c.stopInbound(err)
			return
		}
		length := int(hdr[0])<<16 | int(hdr[1])<<8 | int(hdr[2])
		f := make([]byte, frameHeaderLen+length)
		copy(f, hdr)
		if _, err := io.ReadFull(r, f[frameHeaderLen:]); err != nil {
			c.stopInbound(err)
			return
		}
		c.inMu.Lock()
		c.in.route(f)
		c.inCond.Broadcast()
		c.inMu.Unlock()
	}
}

func (c *http2Conn) stopInbound(err error) {
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	c.inMu.Lock()
	c.in.err = err
	c.inCond.Broadcast()
	c.inMu.Unlock()
}

func (c *http2Conn) passthrough() bool {
	return c.wroteSettings && (c.droppedWindow || c.sawHeaders)
}

// prefaceFrames returns SETTINGS, WINDOW_UPDATE and PRIORITY frames, in that
// order, as the fingerprint describes them. A zero window increment sends no
// WINDOW_UPDATE.
func (c *http2Conn) prefaceFrames() []byte {
	var b bytes.Buffer
	b.Write(buildSettingsFrame(c.fp.Settings))
	if c.fp.WindowUpdate > 0 {
		b.Write(buildWindowUpdateFrame(c.fp.WindowUpdate))
	}
	for _, p := range c.fp.Priorities {
		b.Write(buildPriorityFrame(p))
	}
	return b.Bytes()
}

func appendFrameHeader(b []byte, length int, frameType, flags byte, streamID uint32) []byte {
	b = append(b, byte(length>>16), byte(length>>8), byte(length), frameType, flags)
	return binary.BigEndian.AppendUint32(b, streamID&0x7fffffff)
}

// buildSettingsFrame writes settings in exactly the given order.
func buildSettingsFrame(settings []fingerprint.Setting) []byte {
	frame := appendFrameHeader(make([]byte, 0, frameHeaderLen+6*len(settings)), 6*len(settings), frameTypeSettings, 0, 0)
	for _, s := range settings {
		frame = binary.BigEndian.AppendUint16(frame, s.ID)
		frame = binary.BigEndian.AppendUint32(frame, s.Value)
	}
	return frame
}

func buildWindowUpdateFrame(increment uint32) []byte {
	frame := appendFrameHeader(make([]byte, 0, frameHeaderLen+4), 4, frameTypeWindowUpdate, 0, 0)
	return binary.BigEndian.AppendUint32(frame, increment&0x7fffffff)
}

// buildPriorityFrame encodes weight on the wire as weight-1.
func buildPriorityFrame(p fingerprint.Priority) []byte {
	frame := appendFrameHeader(make([]byte, 0, frameHeaderLen+5), 5, frameTypePriority, 0, p.StreamID)
	dep := p.DependsOn & 0x7fffffff
	if p.Exclusive {
		dep |= 0x80000000
	}
	frame = binary.BigEndian.AppendUint32(frame, dep)
	return append(frame, byte(p.Weight-1))
}

// tlsConnWrapper wraps http2Conn and provides TLS state for http2.Transport
type tlsConnWrapper struct {
	*http2Conn
	tlsConn *tls.UConn
}

func (w *tlsConnWrapper) ConnectionState() tls.ConnectionState {
	return w.tlsConn.ConnectionState()
}

func wrapTLSConn(tlsConn *tls.UConn, fp *fingerprint.HTTP2Fingerprint) net.Conn {
	return &tlsConnWrapper{
		http2Conn: newHTTP2Conn(tlsConn, fp),
		tlsConn:   tlsConn,
	}
}
