// Package realtime implements the per-call WebSocket connection to the
// streaming conversational AI: session handshake, debounced audio commits,
// pending-audio buffering, reconnect via the shared backoff manager, idle
// reaping, and response fan-out (audio/text/function-call) to a Subscriber.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ariloop/callbridge/pkg/codec"
	"github.com/ariloop/callbridge/pkg/reconnect"
)

const (
	pendingAudioCap  = 100
	commitDebounce   = 1 * time.Second
	commitMinMs      = 100.0
	commitSafetyMs   = 50.0
	connectDeadline  = 10 * time.Second
	healthCheckEvery = 60 * time.Second
	flushBatchSize   = 5
	flushBatchPause  = 50 * time.Millisecond
	maxReconnects    = 5

	aiSampleRate  = 24000
	phoneSampleRate = 8000
)

// ErrAuthFailure marks a connection error the caller must not retry.
var ErrAuthFailure = errors.New("realtime: authentication failed")

type status int

const (
	statusInitializing status = iota
	statusConnecting
	statusConnected
	statusSessionReady
	statusReconnecting
	statusClosed
	statusError
)

// FunctionCall is the payload handed to Subscriber.OnFunctionCall.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// Subscriber receives fan-out notifications for one call's connection.
// Registered at Connect, removed at Disconnect.
type Subscriber interface {
	OnAudio(channelID string, muLawB64 string)
	OnText(channelID string, text string)
	OnFunctionCall(channelID string, call FunctionCall)
	OnSessionReady(channelID string)
	OnError(channelID string, err error)
	OnMaxReconnectFailed(channelID string)
}

// TranscriptSink is the external collaborator completed conversation turns
// are appended to. Structurally satisfied by pkg/transcript.Store.
type TranscriptSink interface {
	AppendMessage(ctx context.Context, conversationID, role, content string) error
}

// Config is the AI-facing connection configuration, shared by every call.
type Config struct {
	BaseURL     string // e.g. wss://host/v1/realtime
	APIKey      string
	Model       string
	Voice       string
	IdleTimeout time.Duration // default 300s
}

// Client owns every call's AI connection, keyed by correlationId.
type Client struct {
	cfg        Config
	reconnectM *reconnect.Manager
	transcript TranscriptSink
	logger     *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[string]*connection

	healthStop chan struct{}

	reconnectAttemptCount atomic.Uint64
	maxReconnectFailCount atomic.Uint64
}

// TotalReconnectAttempts reports the cumulative number of reconnect attempts
// scheduled across every call, for the admin metrics surface.
func (c *Client) TotalReconnectAttempts() uint64 {
	return c.reconnectAttemptCount.Load()
}

// TotalMaxReconnectFailures reports how many calls have exhausted their
// reconnect budget entirely, for the admin metrics surface.
func (c *Client) TotalMaxReconnectFailures() uint64 {
	return c.maxReconnectFailCount.Load()
}

// New constructs a Client. Call StartHealthCheck once the process is ready
// to begin reaping idle connections.
func New(cfg Config, reconnectM *reconnect.Manager, transcript TranscriptSink, logger *zap.SugaredLogger) *Client {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	return &Client{
		cfg:        cfg,
		reconnectM: reconnectM,
		transcript: transcript,
		logger:     logger,
		conns:      make(map[string]*connection),
	}
}

// StartHealthCheck launches the single process-wide idle-connection scan.
func (c *Client) StartHealthCheck(ctx context.Context) {
	c.healthStop = make(chan struct{})
	ticker := time.NewTicker(healthCheckEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.healthStop:
				return
			case <-ticker.C:
				c.reapIdle()
			}
		}
	}()
}

func (c *Client) reapIdle() {
	c.mu.RLock()
	var idle []string
	now := time.Now()
	for correlationID, conn := range c.conns {
		conn.mu.Lock()
		last := conn.lastActivity
		conn.mu.Unlock()
		if now.Sub(last) > c.cfg.IdleTimeout {
			idle = append(idle, correlationID)
		}
	}
	c.mu.RUnlock()

	for _, correlationID := range idle {
		c.Disconnect(correlationID)
	}
}

// Connect starts the handshake for a new call. correlationID keys the
// connection; channelID is used for subscriber callbacks (the PBX-facing
// identity).
func (c *Client) Connect(channelID, correlationID, initialPrompt, conversationID string, subscriber Subscriber) {
	conn := &connection{
		client:         c,
		channelID:      channelID,
		correlationID:  correlationID,
		conversationID: conversationID,
		initialPrompt:  initialPrompt,
		subscriber:     subscriber,
		status:         statusInitializing,
		pendingAudio:   make([][]byte, 0, pendingAudioCap),
		cmdCh:          make(chan []byte, 64),
		lastActivity:   time.Now(),
	}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	c.mu.Lock()
	c.conns[correlationID] = conn
	c.mu.Unlock()

	go conn.handshake()
}

// SendAudio forwards a µ-law base64 chunk for correlationID, buffering it if
// the session isn't ready yet.
func (c *Client) SendAudio(correlationID, muLawBase64 string) {
	conn := c.get(correlationID)
	if conn == nil {
		return
	}
	conn.sendAudio(muLawBase64)
}

// SendText sends a text message (or a function-call response) for
// correlationID.
func (c *Client) SendText(correlationID, content, role, functionCallID string) {
	conn := c.get(correlationID)
	if conn == nil {
		return
	}
	conn.sendText(content, role, functionCallID)
}

// Disconnect tears down correlationID's connection: drops the record,
// cancels any pending reconnect, then closes the socket and commit timer.
// Safe to call more than once.
func (c *Client) Disconnect(correlationID string) {
	c.mu.Lock()
	conn, ok := c.conns[correlationID]
	if ok {
		delete(c.conns, correlationID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.reconnectM.Cancel(correlationID)
	conn.close(websocket.CloseNormalClosure)
}

// DisconnectAll closes every connection and stops the health check.
func (c *Client) DisconnectAll() {
	c.mu.Lock()
	correlationIDs := make([]string, 0, len(c.conns))
	for id := range c.conns {
		correlationIDs = append(correlationIDs, id)
	}
	c.mu.Unlock()

	for _, id := range correlationIDs {
		c.Disconnect(id)
	}
	if c.healthStop != nil {
		close(c.healthStop)
	}
}

func (c *Client) get(correlationID string) *connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[correlationID]
}

// connection is one call's AI WebSocket session.
type connection struct {
	client *Client

	channelID      string
	correlationID  string
	conversationID string
	initialPrompt  string
	subscriber     Subscriber

	ctx    context.Context
	cancel context.CancelFunc

	mu                       sync.Mutex
	ws                       *websocket.Conn
	status                   status
	sessionID                string
	pendingAudio             [][]byte
	commitTimer              *time.Timer
	reconnectAttempts        int
	totalAudioBytesSent      int64
	validAudioChunksSent     int
	consecutiveSilenceChunks int
	lastActivity             time.Time

	cmdCh chan []byte
}

func (conn *connection) setStatus(s status) {
	conn.mu.Lock()
	conn.status = s
	conn.mu.Unlock()
}

func (conn *connection) handshake() {
	conn.setStatus(statusConnecting)

	u, err := url.Parse(conn.client.cfg.BaseURL)
	if err == nil {
		q := u.Query()
		q.Set("model", conn.client.cfg.Model)
		q.Set("voice", conn.client.cfg.Voice)
		u.RawQuery = q.Encode()
	}

	header := map[string][]string{
		"Authorization": {"Bearer " + conn.client.cfg.APIKey},
		"OpenAI-Beta":   {"realtime=v1"},
	}

	dialCtx, cancel := context.WithTimeout(conn.ctx, connectDeadline)
	defer cancel()

	ws, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == 401 {
			conn.setStatus(statusError)
			conn.subscriber.OnError(conn.channelID, fmt.Errorf("%w: %v", ErrAuthFailure, err))
			return
		}
		conn.setStatus(statusError)
		conn.subscriber.OnError(conn.channelID, fmt.Errorf("realtime: dial failed: %w", err))
		conn.scheduleReconnect(true)
		return
	}

	conn.mu.Lock()
	conn.ws = ws
	conn.status = statusConnected
	conn.mu.Unlock()

	go conn.writePump()
	conn.readPump()
}

func (conn *connection) readPump() {
	closeCode := websocket.CloseAbnormalClosure
	defer func() { conn.handleClose(closeCode) }()

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
			}
			return
		}
		conn.mu.Lock()
		conn.lastActivity = time.Now()
		conn.mu.Unlock()

		var event map[string]interface{}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		conn.handleServerEvent(event)
	}
}

func (conn *connection) writePump() {
	for {
		select {
		case <-conn.ctx.Done():
			return
		case payload, ok := <-conn.cmdCh:
			if !ok {
				return
			}
			conn.mu.Lock()
			ws := conn.ws
			conn.mu.Unlock()
			if ws == nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (conn *connection) send(event map[string]interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case conn.cmdCh <- payload:
	case <-conn.ctx.Done():
	}
}

func (conn *connection) handleServerEvent(event map[string]interface{}) {
	eventType, _ := event["type"].(string)

	switch eventType {
	case "session.created":
		conn.onSessionCreated()
	case "session.updated":
		conn.client.logger.Debugw("realtime: session updated", "channel", conn.channelID)
	case "session.expired":
		conn.client.logger.Warnw("realtime: session expired, reconnecting", "channel", conn.channelID)
		conn.scheduleReconnect(true)
	case "response.content_part.added":
		conn.onContentPart(event)
	case "response.done":
		conn.client.logger.Debugw("realtime: response done", "channel", conn.channelID)
	case "conversation.item.created":
		conn.onConversationItem(event)
	case "error":
		conn.subscriber.OnError(conn.channelID, fmt.Errorf("realtime: server error event: %v", event["error"]))
	default:
		conn.client.logger.Debugw("realtime: unhandled server event", "channel", conn.channelID, "type", eventType)
	}
}

func (conn *connection) onSessionCreated() {
	conn.send(map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"instructions":          conn.initialPrompt,
			"voice":                 conn.client.cfg.Voice,
			"input_audio_format":    "g711_ulaw",
			"output_audio_format":   "pcm16",
		},
	})
	conn.send(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": "Hello, are you there?"},
			},
		},
	})

	conn.mu.Lock()
	conn.status = statusSessionReady
	conn.sessionID = uuid.New().String()
	conn.reconnectAttempts = 0
	conn.mu.Unlock()

	conn.flushPending()
	conn.subscriber.OnSessionReady(conn.channelID)
}

func (conn *connection) onContentPart(event map[string]interface{}) {
	part, _ := event["part"].(map[string]interface{})
	if part == nil {
		return
	}
	if contentType, _ := part["type"].(string); contentType != "audio" {
		return
	}
	audioB64, _ := part["audio"].(string)
	conn.emitAIAudio(audioB64)
}

func (conn *connection) emitAIAudio(audioB64 string) {
	if audioB64 == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return
	}
	samples, err := codec.BytesToSamples(pcm)
	if err != nil {
		return
	}
	resampled := codec.ResampleLinear(samples, aiSampleRate, phoneSampleRate)
	muLaw := codec.EncodePCM16ToMuLaw(resampled)
	conn.subscriber.OnAudio(conn.channelID, base64.StdEncoding.EncodeToString(muLaw))
}

func (conn *connection) onConversationItem(event map[string]interface{}) {
	item, _ := event["item"].(map[string]interface{})
	if item == nil {
		return
	}
	itemType, _ := item["type"].(string)

	switch itemType {
	case "message":
		status, _ := item["status"].(string)
		if status != "completed" {
			return
		}
		text := extractText(item)
		if text == "" {
			return
		}
		conn.subscriber.OnText(conn.channelID, text)
		if conn.conversationID != "" && conn.client.transcript != nil {
			role, _ := item["role"].(string)
			_ = conn.client.transcript.AppendMessage(context.Background(), conn.conversationID, role, text)
		}
	case "function_call":
		name, _ := item["name"].(string)
		args, _ := item["arguments"].(string)
		callID, _ := item["call_id"].(string)
		conn.subscriber.OnFunctionCall(conn.channelID, FunctionCall{CallID: callID, Name: name, Arguments: args})
	}
}

func extractText(item map[string]interface{}) string {
	contentList, _ := item["content"].([]interface{})
	var b strings.Builder
	for _, c := range contentList {
		entry, _ := c.(map[string]interface{})
		if entry == nil {
			continue
		}
		if text, ok := entry["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

// sendAudio implements §4.6's ingress rules: buffer until session-ready
// (dropping the oldest on overflow), otherwise append and debounce-commit.
func (conn *connection) sendAudio(muLawBase64 string) {
	raw, err := base64.StdEncoding.DecodeString(muLawBase64)
	if err != nil {
		return
	}

	conn.mu.Lock()
	status := conn.status
	conn.mu.Unlock()

	if status != statusSessionReady && status != statusClosed && status != statusError {
		conn.mu.Lock()
		conn.pendingAudio = append(conn.pendingAudio, raw)
		if len(conn.pendingAudio) > pendingAudioCap {
			drop := len(conn.pendingAudio) - pendingAudioCap
			conn.pendingAudio = conn.pendingAudio[drop:]
		}
		conn.mu.Unlock()
		return
	}

	if status == statusSessionReady {
		conn.appendAndScheduleCommit(raw)
	}
}

func (conn *connection) appendAndScheduleCommit(raw []byte) {
	conn.send(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(raw),
	})

	conn.mu.Lock()
	conn.totalAudioBytesSent += int64(len(raw))
	conn.validAudioChunksSent++
	if codec.IsSilence(raw) {
		conn.consecutiveSilenceChunks++
	} else {
		conn.consecutiveSilenceChunks = 0
	}
	conn.resetCommitTimerLocked()
	conn.mu.Unlock()
}

// resetCommitTimerLocked must be called with conn.mu held.
func (conn *connection) resetCommitTimerLocked() {
	if conn.commitTimer != nil {
		conn.commitTimer.Stop()
	}
	conn.commitTimer = time.AfterFunc(commitDebounce, conn.fireCommit)
}

func (conn *connection) fireCommit() {
	conn.mu.Lock()
	durationMs := float64(conn.totalAudioBytesSent) / 8.0
	chunksSent := conn.validAudioChunksSent
	conn.mu.Unlock()

	if chunksSent == 0 || durationMs+commitSafetyMs < commitMinMs {
		return
	}

	conn.send(map[string]interface{}{"type": "input_audio_buffer.commit"})
}

// flushPending sends buffered pre-session audio in batches of 5 with 50ms
// pauses, clearing the queue atomically first.
func (conn *connection) flushPending() {
	conn.mu.Lock()
	pending := conn.pendingAudio
	conn.pendingAudio = nil
	conn.mu.Unlock()

	for i := 0; i < len(pending); i += flushBatchSize {
		end := i + flushBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		for _, raw := range pending[i:end] {
			conn.appendAndScheduleCommit(raw)
		}
		if end < len(pending) {
			time.Sleep(flushBatchPause)
		}
	}
}

func (conn *connection) sendText(content, role, functionCallID string) {
	item := map[string]interface{}{
		"type":    "function_call_output",
		"call_id": functionCallID,
		"output":  content,
	}
	if role != "function_call_response" {
		item = map[string]interface{}{
			"type": "message",
			"role": role,
			"content": []map[string]interface{}{
				{"type": "input_text", "text": content},
			},
		}
	}
	conn.send(map[string]interface{}{
		"type": "conversation.item.create",
		"item": item,
	})
}

// handleClose runs once readPump exits, whether that was a server-initiated
// close, a network error, or our own Disconnect. A close code of 1000 (or a
// status already driven to statusClosed by Disconnect) never reconnects.
func (conn *connection) handleClose(code int) {
	conn.mu.Lock()
	intentional := conn.status == statusClosed
	alreadyReconnecting := conn.status == statusReconnecting
	conn.status = statusError
	conn.mu.Unlock()

	if intentional || alreadyReconnecting || code == websocket.CloseNormalClosure {
		return
	}
	conn.scheduleReconnect(true)
}

// scheduleReconnect schedules a reconnect attempt through the shared backoff
// manager when the caller marks the failure retryable.
func (conn *connection) scheduleReconnect(retryable bool) {
	if !retryable {
		return
	}

	conn.mu.Lock()
	conn.status = statusReconnecting
	attempt := conn.reconnectAttempts
	conn.reconnectAttempts++
	conn.mu.Unlock()

	if attempt >= maxReconnects {
		conn.client.maxReconnectFailCount.Add(1)
		conn.subscriber.OnMaxReconnectFailed(conn.channelID)
		return
	}

	conn.client.reconnectAttemptCount.Add(1)
	delay := reconnect.NextDelay(attempt)
	conn.client.reconnectM.Schedule(conn.correlationID, delay, func() {
		go conn.handshake()
	})
}

// close tears down this connection's socket and commit timer, and cancels
// its context so the write pump stops. code is the WS close code to send
// best-effort before closing; CloseNormalClosure (1000) must never trigger a
// reconnect.
func (conn *connection) close(code int) {
	conn.cancel()

	conn.mu.Lock()
	if conn.commitTimer != nil {
		conn.commitTimer.Stop()
	}
	ws := conn.ws
	conn.status = statusClosed
	conn.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), deadline)
		ws.Close()
	}
}
