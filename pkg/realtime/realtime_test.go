package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariloop/callbridge/pkg/reconnect"
)

type recordingSubscriber struct {
	mu                sync.Mutex
	audio             []string
	text              []string
	sessionReadyCalls int
	maxReconnectCalls int
	errs              []error
}

func (s *recordingSubscriber) OnAudio(channelID, muLawB64 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, muLawB64)
}
func (s *recordingSubscriber) OnText(channelID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = append(s.text, text)
}
func (s *recordingSubscriber) OnFunctionCall(channelID string, call FunctionCall) {}
func (s *recordingSubscriber) OnSessionReady(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionReadyCalls++
}
func (s *recordingSubscriber) OnError(channelID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}
func (s *recordingSubscriber) OnMaxReconnectFailed(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxReconnectCalls++
}

func (s *recordingSubscriber) sessionReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionReadyCalls
}

var testUpgrader = websocket.Upgrader{}

// newAIServer starts a fake realtime-AI WS server. onMessage is invoked for
// every client->server message; it may respond via the conn it is handed.
func newAIServer(t *testing.T, onMessage func(conn *websocket.Conn, msg map[string]interface{})) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_ = conn.WriteJSON(map[string]interface{}{"type": "session.created"})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]interface{}
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if onMessage != nil {
				onMessage(conn, msg)
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestManager() *reconnect.Manager {
	return reconnect.New(zap.NewNop().Sugar())
}

func TestHandshakeReachesSessionReady(t *testing.T) {
	server := newAIServer(t, nil)

	client := New(Config{BaseURL: wsURL(server), APIKey: "k", Model: "gpt-test", Voice: "alloy"},
		newTestManager(), nil, zap.NewNop().Sugar())

	sub := &recordingSubscriber{}
	client.Connect("CH1", "S1", "hello", "", sub)

	require.Eventually(t, func() bool { return sub.sessionReadyCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSendAudioDebouncedCommitFiresOnce(t *testing.T) {
	var appends int32
	var commits int32
	var mu sync.Mutex

	server := newAIServer(t, func(conn *websocket.Conn, msg map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		switch msg["type"] {
		case "input_audio_buffer.append":
			appends++
		case "input_audio_buffer.commit":
			commits++
		}
	})

	client := New(Config{BaseURL: wsURL(server), APIKey: "k", Model: "m", Voice: "v"},
		newTestManager(), nil, zap.NewNop().Sugar())

	sub := &recordingSubscriber{}
	client.Connect("CH1", "S1", "hello", "", sub)
	require.Eventually(t, func() bool { return sub.sessionReadyCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	frame := make([]byte, 160)
	encoded := base64.StdEncoding.EncodeToString(frame)
	for i := 0; i < 3; i++ {
		client.SendAudio("S1", encoded)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return commits == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(3), appends)
	assert.Equal(t, int32(1), commits)
}

func TestSendAudioSkipsCommitBelowMinimumDuration(t *testing.T) {
	var commits int32
	var mu sync.Mutex

	server := newAIServer(t, func(conn *websocket.Conn, msg map[string]interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if msg["type"] == "input_audio_buffer.commit" {
			commits++
		}
	})

	client := New(Config{BaseURL: wsURL(server), APIKey: "k", Model: "m", Voice: "v"},
		newTestManager(), nil, zap.NewNop().Sugar())

	sub := &recordingSubscriber{}
	client.Connect("CH1", "S1", "hello", "", sub)
	require.Eventually(t, func() bool { return sub.sessionReadyCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// 4 bytes of audio is far below the commit floor: 400 bytes (50ms), which
	// plus the 50ms safety margin reaches the 100ms minimum.
	client.SendAudio("S1", base64.StdEncoding.EncodeToString([]byte{0, 0, 0, 0}))

	time.Sleep(1300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(0), commits)
}

func TestPendingAudioOverflowKeepsNewest100(t *testing.T) {
	conn := &connection{
		client:       &Client{},
		status:       statusConnecting,
		pendingAudio: make([][]byte, 0, pendingAudioCap),
	}

	for i := 0; i < 150; i++ {
		conn.sendAudio(base64.StdEncoding.EncodeToString([]byte{byte(i)}))
	}

	assert.Len(t, conn.pendingAudio, 100)
	assert.Equal(t, byte(50), conn.pendingAudio[0][0], "the oldest 50 chunks must have been dropped")
	assert.Equal(t, byte(149), conn.pendingAudio[len(conn.pendingAudio)-1][0])
}

func TestHandleCloseNormalClosureNeverReconnects(t *testing.T) {
	mgr := newTestManager()
	client := &Client{reconnectM: mgr}
	conn := &connection{client: client, correlationID: "S1", subscriber: &recordingSubscriber{}}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	conn.handleClose(websocket.CloseNormalClosure)

	time.Sleep(50 * time.Millisecond)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.NotEqual(t, statusReconnecting, conn.status)
}

func TestHandleCloseAbnormalClosureSchedulesReconnect(t *testing.T) {
	mgr := newTestManager()
	client := &Client{reconnectM: mgr, cfg: Config{BaseURL: "ws://127.0.0.1:1/unreachable"}}
	conn := &connection{client: client, correlationID: "S1", subscriber: &recordingSubscriber{}}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	conn.handleClose(websocket.CloseAbnormalClosure)

	conn.mu.Lock()
	status := conn.status
	conn.mu.Unlock()
	assert.Equal(t, statusReconnecting, status)
}

func TestMaxReconnectAttemptsNotifiesSubscriber(t *testing.T) {
	mgr := newTestManager()
	client := &Client{reconnectM: mgr, cfg: Config{BaseURL: "ws://127.0.0.1:1/unreachable"}}
	sub := &recordingSubscriber{}
	conn := &connection{client: client, correlationID: "S1", subscriber: sub, reconnectAttempts: maxReconnects}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	conn.scheduleReconnect(true)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, 1, sub.maxReconnectCalls)
}

func TestSessionExpiredDrivesReconnect(t *testing.T) {
	var connects int32
	server := newAIServer(t, func(conn *websocket.Conn, msg map[string]interface{}) {
		if msg["type"] != "session.update" {
			return
		}
		if atomic.AddInt32(&connects, 1) == 1 {
			_ = conn.WriteJSON(map[string]interface{}{"type": "session.expired"})
		}
	})

	client := New(Config{BaseURL: wsURL(server), APIKey: "k", Model: "gpt-test", Voice: "alloy"},
		newTestManager(), nil, zap.NewNop().Sugar())

	sub := &recordingSubscriber{}
	client.Connect("CH1", "S1", "hello", "", sub)

	require.Eventually(t, func() bool { return sub.sessionReadyCount() >= 2 }, 3*time.Second, 10*time.Millisecond,
		"a session.expired event must drive a real reconnect through the shared backoff path, reaching session.created again")
}

func TestUnhandledServerEventIsLoggedNotDropped(t *testing.T) {
	sub := &recordingSubscriber{}
	conn := &connection{client: &Client{logger: zap.NewNop().Sugar()}, channelID: "CH1", subscriber: sub}

	assert.NotPanics(t, func() {
		conn.handleServerEvent(map[string]interface{}{"type": "session.updated"})
		conn.handleServerEvent(map[string]interface{}{"type": "response.done"})
		conn.handleServerEvent(map[string]interface{}{"type": "some.totally.unknown.event"})
	})
}

func TestCompletedMessageItemEmitsText(t *testing.T) {
	sub := &recordingSubscriber{}
	conn := &connection{client: &Client{}, channelID: "CH1", subscriber: sub}

	conn.onConversationItem(map[string]interface{}{
		"item": map[string]interface{}{
			"type":   "message",
			"status": "completed",
			"role":   "assistant",
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": "hello there"},
			},
		},
	})

	sub.mu.Lock()
	require.Len(t, sub.text, 1)
	assert.Equal(t, "hello there", sub.text[0])
	sub.mu.Unlock()
}

