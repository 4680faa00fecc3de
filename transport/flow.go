package transport

import (
	"bytes"
	"encoding/binary"
	"math"
)

// windowUpdate is flow credit the client library returned to the peer.
// reset marks a stream the library abandoned with RST_STREAM.
type windowUpdate struct {
	streamID  uint32
	increment int64
	reset     bool
}

// parseClientFlowFrame extracts the flow credit carried by an outbound
// WINDOW_UPDATE or RST_STREAM frame.
func parseClientFlowFrame(frameType byte, streamID uint32, payload []byte) (windowUpdate, bool) {
	switch frameType {
	case frameTypeWindowUpdate:
		if len(payload) != 4 {
			return windowUpdate{}, false
		}
		return windowUpdate{
			streamID:  streamID,
			increment: int64(binary.BigEndian.Uint32(payload) & 0x7fffffff),
		}, true
	case frameTypeRSTStream:
		if streamID == 0 {
			return windowUpdate{}, false
		}
		return windowUpdate{streamID: streamID, reset: true}, true
	}
	return windowUpdate{}, false
}

type streamFlow struct {
	avail int64
	held  [][]byte
}

// inboundFlow mirrors the receive windows the client library enforces.
// DATA the library has no room for waits in a per-stream queue; later
// frames of that stream queue behind it so END_STREAM and RST_STREAM keep
// their order. Connection frames always pass.
type inboundFlow struct {
	streamInit int64
	connAvail  int64
	streams    map[uint32]*streamFlow

	out bytes.Buffer
	err error
}

func newInboundFlow(streamWindow, connWindow int64) *inboundFlow {
	return &inboundFlow{
		streamInit: streamWindow,
		connAvail:  connWindow,
		streams:    make(map[uint32]*streamFlow),
	}
}

// heldBytes returns the DATA payload currently held back.
func (f *inboundFlow) heldBytes() int {
	n := 0
	for _, st := range f.streams {
		for _, fr := range st.held {
			if fr[3] == frameTypeData {
				n += len(fr) - frameHeaderLen
			}
		}
	}
	return n
}

func (f *inboundFlow) stream(id uint32) *streamFlow {
	st, ok := f.streams[id]
	if !ok {
		st = &streamFlow{avail: f.streamInit}
		f.streams[id] = st
	}
	return st
}

// route takes one complete frame from the peer.
func (f *inboundFlow) route(fr []byte) {
	streamID := binary.BigEndian.Uint32(fr[5:9]) & 0x7fffffff
	if streamID == 0 {
		f.out.Write(fr)
		return
	}
	st := f.stream(streamID)
	if len(st.held) > 0 || !f.fits(st, fr) {
		st.held = append(st.held, fr)
		return
	}
	f.deliver(streamID, st, fr)
}

func (f *inboundFlow) fits(st *streamFlow, fr []byte) bool {
	if fr[3] != frameTypeData {
		return true
	}
	n := int64(len(fr) - frameHeaderLen)
	return n <= st.avail && n <= f.connAvail
}

func (f *inboundFlow) deliver(streamID uint32, st *streamFlow, fr []byte) {
	if fr[3] == frameTypeData {
		n := int64(len(fr) - frameHeaderLen)
		st.avail -= n
		f.connAvail -= n
	}
	f.out.Write(fr)

	closes := fr[3] == frameTypeRSTStream ||
		(fr[3] == frameTypeData || fr[3] == frameTypeHeaders) && fr[4]&flagEndStream != 0
	if closes && len(st.held) == 0 {
		delete(f.streams, streamID)
	}
}

// apply credits a window update from the client library and releases
// whatever now fits.
func (f *inboundFlow) apply(u windowUpdate) {
	switch {
	case u.streamID == 0:
		f.connAvail += u.increment
		for id, st := range f.streams {
			f.release(id, st)
		}
	case u.reset:
		// The library still charges the connection window for DATA on a
		// reset stream, so only the stream limit is lifted.
		if st, ok := f.streams[u.streamID]; ok {
			st.avail = math.MaxInt64 / 2
			f.release(u.streamID, st)
		}
	default:
		if st, ok := f.streams[u.streamID]; ok {
			st.avail += u.increment
			f.release(u.streamID, st)
		}
	}
}

func (f *inboundFlow) release(id uint32, st *streamFlow) {
	for len(st.held) > 0 && f.fits(st, st.held[0]) {
		fr := st.held[0]
		st.held = st.held[1:]
		f.deliver(id, st, fr)
	}
	if len(st.held) == 0 {
		st.held = nil
	}
}
