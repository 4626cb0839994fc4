package rtpsender

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSender() *Sender {
	return New(zap.NewNop().Sugar())
}

func listenOnLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	return conn
}

func TestSendAudioPCMUFraming(t *testing.T) {
	listener := listenOnLoopback(t)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	s := newTestSender()
	require.NoError(t, s.Initialize("CH1", "127.0.0.1", port, FormatPCMU))
	defer s.Cleanup("CH1")

	muLaw := make([]byte, 160*3)
	for i := range muLaw {
		muLaw[i] = 0x7F
	}
	encoded := base64.StdEncoding.EncodeToString(muLaw)
	require.NoError(t, s.SendAudio("CH1", encoded))

	var lastSeq uint16
	var lastTs uint32
	var ssrc uint32
	for i := 0; i < 3; i++ {
		buf := make([]byte, 2000)
		listener.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := listener.Read(buf)
		require.NoError(t, err)

		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		require.Len(t, pkt.Payload, 160)
		require.Equal(t, uint8(0), pkt.PayloadType)

		if i == 0 {
			ssrc = pkt.SSRC
		} else {
			require.Equal(t, ssrc, pkt.SSRC, "SSRC must stay constant across a call")
			require.Equal(t, lastSeq+1, pkt.SequenceNumber)
			require.Equal(t, lastTs+160, pkt.Timestamp)
		}
		lastSeq = pkt.SequenceNumber
		lastTs = pkt.Timestamp
	}
}

func TestSendAudioL16DoublesFrameSize(t *testing.T) {
	listener := listenOnLoopback(t)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	s := newTestSender()
	require.NoError(t, s.Initialize("CH1", "127.0.0.1", port, FormatL16))
	defer s.Cleanup("CH1")

	muLaw := make([]byte, 160)
	encoded := base64.StdEncoding.EncodeToString(muLaw)
	require.NoError(t, s.SendAudio("CH1", encoded))

	buf := make([]byte, 2000)
	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := listener.Read(buf)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	require.Equal(t, uint8(11), pkt.PayloadType)
	require.Len(t, pkt.Payload, 320)
}

func TestSendAudioWithoutInitializeErrors(t *testing.T) {
	s := newTestSender()
	err := s.SendAudio("never-initialized", base64.StdEncoding.EncodeToString([]byte{0x01}))
	require.Error(t, err)
}

func TestCleanupIsIdempotent(t *testing.T) {
	listener := listenOnLoopback(t)
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	s := newTestSender()
	require.NoError(t, s.Initialize("CH1", "127.0.0.1", port, FormatPCMU))

	s.Cleanup("CH1")
	s.Cleanup("CH1") // must not panic
}

func TestInitializeRejectsInvalidHost(t *testing.T) {
	s := newTestSender()
	err := s.Initialize("CH1", "not-an-ip", 5000, FormatPCMU)
	require.Error(t, err)
}
