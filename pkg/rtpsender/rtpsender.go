// Package rtpsender implements the RTP egress leg: one UDP socket per call,
// splitting PCMU or L16 audio into 20ms frames with a monotonic
// sequence/timestamp and a random SSRC. The frames of one SendAudio call are
// sent back to back; there is no real-time pacing. There is no receiver here
// — inbound RTP is consumed by an external demux keyed by SSRC.
package rtpsender

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/ariloop/callbridge/pkg/codec"
)

const (
	samplesPerFrame = 160 // 20ms @ 8kHz
	frameAdvance    = uint32(samplesPerFrame)

	payloadTypePCMU = uint8(0)
	payloadTypeL16  = uint8(11)
)

// Format selects the wire payload the sender transcodes outgoing audio to.
type Format int

const (
	FormatPCMU Format = iota
	FormatL16
)

type callState struct {
	conn      *net.UDPConn
	remote    *net.UDPAddr
	format    Format
	ssrc      uint32
	sequence  uint16
	timestamp uint32
}

// Sender owns one UDP RTP egress socket per call, keyed by channelId (the
// key C7's cleanup step already has in hand).
type Sender struct {
	mu    sync.Mutex
	calls map[string]*callState

	packetsSent atomic.Uint64

	logger *zap.SugaredLogger
}

// New constructs an empty Sender.
func New(logger *zap.SugaredLogger) *Sender {
	return &Sender{
		calls:  make(map[string]*callState),
		logger: logger,
	}
}

// Initialize allocates a UDP socket and RTP header state for channelID,
// targeting host:port with the given wire format.
func (s *Sender) Initialize(channelID, host string, port int, format Format) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("rtpsender: listen udp for %s: %w", channelID, err)
	}

	remote := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	if remote.IP == nil {
		conn.Close()
		return fmt.Errorf("rtpsender: invalid remote host %q for %s", host, channelID)
	}

	state := &callState{
		conn:      conn,
		remote:    remote,
		format:    format,
		ssrc:      rand.Uint32(),
		sequence:  uint16(rand.Intn(1 << 16)),
		timestamp: rand.Uint32(),
	}

	s.mu.Lock()
	if existing, ok := s.calls[channelID]; ok {
		existing.conn.Close()
	}
	s.calls[channelID] = state
	s.mu.Unlock()

	return nil
}

// SendAudio decodes a base64 µ-law chunk, optionally transcodes it to L16,
// splits it into 20ms frames, and sends each as its own RTP packet.
func (s *Sender) SendAudio(channelID, muLawBase64 string) error {
	s.mu.Lock()
	state, ok := s.calls[channelID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("rtpsender: no call initialized for %s", channelID)
	}

	muLaw, err := base64.StdEncoding.DecodeString(muLawBase64)
	if err != nil {
		return fmt.Errorf("rtpsender: decode base64 for %s: %w", channelID, err)
	}

	var payload []byte
	var payloadType uint8
	var bytesPerFrame int

	switch state.format {
	case FormatL16:
		samples := codec.DecodeMuLawToPCM16(muLaw)
		payload = codec.SamplesToBytes(samples)
		payloadType = payloadTypeL16
		bytesPerFrame = samplesPerFrame * 2
	default:
		payload = muLaw
		payloadType = payloadTypePCMU
		bytesPerFrame = samplesPerFrame
	}

	for off := 0; off+bytesPerFrame <= len(payload); off += bytesPerFrame {
		frame := payload[off : off+bytesPerFrame]
		if err := s.sendFrame(state, payloadType, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendFrame(state *callState, payloadType uint8, frame []byte) error {
	s.mu.Lock()
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Padding:        false,
			Extension:      false,
			Marker:         false,
			PayloadType:    payloadType,
			SequenceNumber: state.sequence,
			Timestamp:      state.timestamp,
			SSRC:           state.ssrc,
		},
		Payload: frame,
	}
	state.sequence++
	state.timestamp += frameAdvance
	conn := state.conn
	remote := state.remote
	s.mu.Unlock()

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("rtpsender: marshal rtp packet: %w", err)
	}
	if _, err := conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("rtpsender: send rtp packet to %s: %w", remote, err)
	}
	s.packetsSent.Add(1)
	return nil
}

// TotalPacketsSent reports the cumulative RTP packet count across every
// call this Sender has ever served, for the admin metrics surface.
func (s *Sender) TotalPacketsSent() uint64 {
	return s.packetsSent.Load()
}

// Cleanup closes channelID's socket and drops its state. Safe to call more
// than once; the second call is a no-op.
func (s *Sender) Cleanup(channelID string) {
	s.mu.Lock()
	state, ok := s.calls[channelID]
	if ok {
		delete(s.calls, channelID)
	}
	s.mu.Unlock()

	if ok {
		state.conn.Close()
	}
}
