// Package audiosocket implements the TCP framed ingress: a PBX-defined
// typed/length-prefixed frame stream correlated to a call via a UUID
// handshake, forwarding decoded audio payloads to the realtime AI client.
package audiosocket

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariloop/callbridge/pkg/tracker"
)

// Frame type tags, per the wire format type(1) || length(2 BE) || payload.
const (
	FrameTerminate byte = 0x00
	FrameUUID      byte = 0x01
	FrameDTMF      byte = 0x03
	FrameAudio     byte = 0x10
	FrameError     byte = 0xFF
)

const headerLen = 3 // type(1) + length(2)

// connState is this connection's position in AwaitingUuid -> Streaming ->
// Closed/Error.
type connState int

const (
	stateAwaitingUUID connState = iota
	stateStreaming
	stateClosed
	stateError
)

var errIncompleteFrame = errors.New("audiosocket: incomplete frame")

// AudioSink is the subset of the realtime AI client this package depends on;
// kept as an interface so audiosocket never imports realtime directly.
type AudioSink interface {
	SendAudio(correlationID string, muLawBase64 string)
}

// Listener accepts AudioSocket TCP connections on a single fixed port.
type Listener struct {
	addr string

	tracker  *tracker.Tracker
	realtime AudioSink
	logger   *zap.SugaredLogger
}

// New constructs a Listener bound to addr (e.g. "0.0.0.0:9099").
func New(addr string, logger *zap.SugaredLogger) *Listener {
	return &Listener{addr: addr, logger: logger}
}

// Attach wires the tracker and realtime AI client this listener correlates
// connections against and forwards audio to. C7 calls this during
// setupMediaPipeline when the AudioSocket ingress mode is selected.
func (l *Listener) Attach(trk *tracker.Tracker, realtime AudioSink) {
	l.tracker = trk
	l.realtime = realtime
}

// Listen binds the TCP port and accepts connections until the listener is
// closed. Each accepted connection runs its own state machine in its own
// goroutine.
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("audiosocket: listen %s: %w", l.addr, err)
	}

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				l.logger.Warnw("audiosocket: accept failed, stopping listener", "error", err)
				return
			}
			conn := &connection{
				netConn:  c,
				tracker:  l.tracker,
				realtime: l.realtime,
				logger:   l.logger,
				state:    stateAwaitingUUID,
			}
			go conn.run()
		}
	}()
	return nil
}

// connection is the per-accepted-socket state machine.
type connection struct {
	netConn net.Conn

	tracker  *tracker.Tracker
	realtime AudioSink
	logger   *zap.SugaredLogger

	state         connState
	channelID     string
	correlationID string

	buf []byte
}

func (c *connection) run() {
	defer c.netConn.Close()

	readBuf := make([]byte, 4096)
	for {
		n, err := c.netConn.Read(readBuf)
		if n > 0 {
			c.buf = append(c.buf, readBuf[:n]...)
			c.drainFrames()
		}
		if err != nil {
			if c.state != stateClosed {
				c.state = stateError
			}
			return
		}
		if c.state == stateClosed {
			return
		}
	}
}

// drainFrames parses as many complete frames as are currently buffered,
// tolerant of frames arriving split across arbitrary read boundaries.
func (c *connection) drainFrames() {
	for {
		frameType, payload, consumed, err := parseFrame(c.buf)
		if err != nil {
			return // incomplete frame; wait for more bytes
		}
		c.buf = c.buf[consumed:]
		c.handleFrame(frameType, payload)
		if c.state == stateClosed || c.state == stateError {
			return
		}
	}
}

func parseFrame(buf []byte) (frameType byte, payload []byte, consumed int, err error) {
	if len(buf) < headerLen {
		return 0, nil, 0, errIncompleteFrame
	}
	frameType = buf[0]
	length := int(binary.BigEndian.Uint16(buf[1:3]))
	total := headerLen + length
	if len(buf) < total {
		return 0, nil, 0, errIncompleteFrame
	}
	return frameType, buf[headerLen:total], total, nil
}

func (c *connection) handleFrame(frameType byte, payload []byte) {
	switch c.state {
	case stateAwaitingUUID:
		if frameType != FrameUUID {
			return
		}
		c.handleUUIDFrame(payload)
	case stateStreaming:
		c.handleStreamingFrame(frameType, payload)
	}
}

func (c *connection) handleUUIDFrame(payload []byte) {
	id, ok := parseUUIDPayload(payload)
	if !ok {
		c.logger.Warnw("audiosocket: malformed uuid frame")
		c.state = stateError
		return
	}

	channelID, found := c.tracker.FindByUUID(id)
	if !found {
		c.logger.Warnw("audiosocket: uuid not bound to any call", "uuid", id)
		c.state = stateError
		return
	}

	c.channelID = channelID
	c.correlationID = channelID
	c.tracker.Update(channelID, func(r *tracker.CallRecord) {
		if r.CorrelationID != "" {
			c.correlationID = r.CorrelationID
		}
	})
	c.state = stateStreaming
}

func parseUUIDPayload(payload []byte) (string, bool) {
	if len(payload) == 16 {
		id, err := uuid.FromBytes(payload)
		if err != nil {
			return "", false
		}
		return id.String(), true
	}
	s := strings.TrimSpace(string(payload))
	if _, err := uuid.Parse(s); err != nil {
		return "", false
	}
	return s, true
}

func (c *connection) handleStreamingFrame(frameType byte, payload []byte) {
	switch frameType {
	case FrameAudio:
		encoded := base64.StdEncoding.EncodeToString(payload)
		c.realtime.SendAudio(c.correlationID, encoded)
	case FrameDTMF:
		c.logger.Infow("audiosocket: dtmf", "channel", c.channelID, "digit", string(payload))
	case FrameTerminate:
		c.state = stateClosed
	case FrameError:
		c.state = stateError
	default:
		// unknown frame types are ignored
	}
}
