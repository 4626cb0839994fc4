// Package ari is the PBX control client: a long-lived WebSocket event
// subscription to a Stasis application plus the REST commands issued against
// it (answer, hangup, bridge, snoop, externalMedia, play, record, upload).
//
// The concrete PBX here is Asterisk's REST Interface (ARI) — the spec names
// this component generically as "PBX control plane"; ARI is the instance the
// wire shapes below target.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ariloop/callbridge/pkg/tracker"
)

// ErrResourceGone is returned by the commands that must hand back a new id
// (CreateMixingBridge, SnoopChannel) when the PBX answers 404. Every other
// command treats a 404 as success and returns a nil error.
var ErrResourceGone = errors.New("ari: resource already gone")

const (
	reconnectBase    = 3 * time.Second
	reconnectFactor  = 1.5
	reconnectCap     = 30 * time.Second
	reconnectMaxTrys = 10
)

// Config is the connection and triage configuration for a Client.
type Config struct {
	BaseURL  string // e.g. http://127.0.0.1:8088/ari
	WSURL    string // e.g. ws://127.0.0.1:8088/ari/events
	Username string
	Password string
	App      string // Stasis application name

	TrunkChannelPrefix      string   // e.g. "PJSIP/trunk-"
	InternalChannelPrefixes []string // e.g. []string{"UnicastRTP/"}

	ExternalMediaHost   string
	ExternalMediaPort   int
	ExternalMediaFormat string // "slin" | "ulaw"
}

// Handler is what C7 (the media pipeline orchestrator) exposes to C3. One
// Handler per process, registered at construction.
type Handler interface {
	SetupMediaPipeline(ctx context.Context, channelID, correlationID, patientID string)
	Cleanup(ctx context.Context, channelID, reason string)
}

// Event is a generic ARI event envelope. Fields beyond Type/Channel vary by
// event kind; Raw carries the full payload for handlers that need more.
type Event struct {
	Type    string   `json:"type"`
	Channel *Channel `json:"channel,omitempty"`
	Cause   string   `json:"cause,omitempty"`
	Digit   string   `json:"digit,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Channel is the subset of ARI's channel object this client reads.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Client owns the Stasis WebSocket event subscription and the REST command
// surface layered over it. Constructed once per process and passed by
// reference; no package-level mutable state.
type Client struct {
	cfg Config

	httpClient *http.Client
	tracker    *tracker.Tracker
	handler    Handler
	logger     *zap.SugaredLogger

	dispatch map[string]func(ctx context.Context, ev *Event)

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected atomic.Bool
}

// Ready reports whether the Stasis event WebSocket is currently connected
// and subscribed, for the admin /healthz surface.
func (c *Client) Ready() bool {
	return c.connected.Load()
}

// New constructs a Client wired to tracker for admission/cleanup triage and
// handler for pipeline setup/teardown callbacks.
func New(cfg Config, trk *tracker.Tracker, handler Handler, logger *zap.SugaredLogger) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tracker:    trk,
		handler:    handler,
		logger:     logger,
	}

	c.dispatch = map[string]func(ctx context.Context, ev *Event){
		"StasisStart":           c.handleStasisStart,
		"StasisEnd":             c.handleChannelTermination,
		"ChannelDestroyed":      c.handleChannelTermination,
		"ChannelHangupRequest":  c.handleChannelTermination,
		"ChannelDtmfReceived":   c.handleLoggedOnly,
		"ChannelTalkingStarted": c.handleLoggedOnly,
		"ChannelTalkingFinished": c.handleLoggedOnly,
	}
	return c
}

// Run dials the event WebSocket and runs the read loop until ctx is
// cancelled, reconnecting with exponential backoff (base 3s, factor 1.5, cap
// 30s) for up to 10 attempts before giving up fatally.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			if attempts >= reconnectMaxTrys {
				return fmt.Errorf("ari: failed to connect after %d attempts: %w", attempts, err)
			}
			delay := c.reconnectDelay(attempts)
			c.logger.Warnw("ari: connect failed, retrying", "attempt", attempts, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attempts = 0
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected.Store(true)

		c.readLoop(ctx, conn)
		c.connected.Store(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		// WS dropped; loop back around to redial. Existing call records are
		// preserved — only the control channel itself reconnects.
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("ari: invalid ws url: %w", err)
	}
	q := u.Query()
	q.Set("app", c.cfg.App)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ari: dial events endpoint: %w", err)
	}
	return conn, nil
}

func (c *Client) reconnectDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = reconnectBase
	eb.Multiplier = reconnectFactor
	eb.MaxInterval = reconnectCap
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warnw("ari: event socket read error", "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			c.logger.Warnw("ari: malformed event", "error", err)
			continue
		}
		ev.Raw = message

		handler, ok := c.dispatch[ev.Type]
		if !ok {
			continue
		}
		handler(ctx, &ev)
	}
}

func (c *Client) handleLoggedOnly(_ context.Context, ev *Event) {
	c.logger.Infow("ari: event", "type", ev.Type, "channel", channelID(ev))
}

// ===== StasisStart triage =====

type channelClass int

const (
	classSnoopExternalMedia channelClass = iota
	classTrunk
	classInternalTransport
	classUnknown
)

// ChannelClassifier is one entry of the ordered triage table StasisStart runs
// a new channel name through.
type ChannelClassifier struct {
	Name    string
	Class   channelClass
	Matches func(c *Client, ev *Event) bool
}

func (c *Client) classifiers() []ChannelClassifier {
	return []ChannelClassifier{
		{
			Name:  "snoop-for-this-call",
			Class: classSnoopExternalMedia,
			Matches: func(c *Client, ev *Event) bool {
				if !strings.HasPrefix(ev.Channel.Name, "Snoop/") {
					return false
				}
				_, ok := c.tracker.FindBySnoopChannel(ev.Channel.ID)
				return ok
			},
		},
		{
			Name:  "trunk",
			Class: classTrunk,
			Matches: func(c *Client, ev *Event) bool {
				return strings.HasPrefix(ev.Channel.Name, c.cfg.TrunkChannelPrefix)
			},
		},
		{
			Name:  "internal-transport",
			Class: classInternalTransport,
			Matches: func(c *Client, ev *Event) bool {
				for _, prefix := range c.cfg.InternalChannelPrefixes {
					if strings.HasPrefix(ev.Channel.Name, prefix) {
						return true
					}
				}
				return false
			},
		},
	}
}

func (c *Client) handleStasisStart(ctx context.Context, ev *Event) {
	if ev.Channel == nil {
		return
	}

	class := classUnknown
	for _, classifier := range c.classifiers() {
		if classifier.Matches(c, ev) {
			class = classifier.Class
			break
		}
	}

	switch class {
	case classSnoopExternalMedia:
		c.handleSnoopStart(ctx, ev)
	case classTrunk:
		c.handleTrunkStart(ctx, ev)
	case classInternalTransport:
		// ignore
	default:
		_ = c.Hangup(ctx, ev.Channel.ID)
	}
}

func (c *Client) handleSnoopStart(ctx context.Context, ev *Event) {
	parentChannelID, ok := c.tracker.FindBySnoopChannel(ev.Channel.ID)
	if !ok {
		return
	}

	var snoopMethod string
	c.tracker.Update(parentChannelID, func(r *tracker.CallRecord) { snoopMethod = r.SnoopMethod })
	if snoopMethod != "external_media" {
		return
	}

	if err := c.Answer(ctx, ev.Channel.ID); err != nil {
		c.logger.Errorw("ari: answer snoop failed, cascading cleanup", "channel", ev.Channel.ID, "error", err)
		c.handler.Cleanup(ctx, parentChannelID, "snoop_answer_failed")
		return
	}

	if err := c.ExternalMedia(ctx, ev.Channel.ID, c.cfg.ExternalMediaHost, c.cfg.ExternalMediaPort, c.cfg.ExternalMediaFormat); err != nil {
		c.logger.Errorw("ari: externalMedia failed, cascading cleanup", "channel", ev.Channel.ID, "error", err)
		c.handler.Cleanup(ctx, parentChannelID, "external_media_failed")
		return
	}

	c.tracker.Update(parentChannelID, func(r *tracker.CallRecord) {
		r.State = tracker.StateAwaitingAISession
	})
}

func (c *Client) handleTrunkStart(ctx context.Context, ev *Event) {
	correlationID, err := c.GetChannelVar(ctx, ev.Channel.ID, "callSid")
	if err != nil || correlationID == "" {
		c.logger.Warnw("ari: trunk channel missing callSid, hanging up", "channel", ev.Channel.ID)
		_ = c.Hangup(ctx, ev.Channel.ID)
		return
	}
	patientID, _ := c.GetChannelVar(ctx, ev.Channel.ID, "patientId")
	if patientID == "" {
		c.logger.Warnw("ari: trunk channel missing patientId, hanging up", "channel", ev.Channel.ID)
		_ = c.Hangup(ctx, ev.Channel.ID)
		return
	}

	if _, err := c.tracker.Admit(ev.Channel.ID, correlationID, patientID); err != nil {
		c.logger.Warnw("ari: duplicate channel admission, hanging up new channel", "channel", ev.Channel.ID, "error", err)
		_ = c.Hangup(ctx, ev.Channel.ID)
		return
	}

	if err := c.Answer(ctx, ev.Channel.ID); err != nil {
		c.logger.Errorw("ari: answer failed on admission", "channel", ev.Channel.ID, "error", err)
		c.handler.Cleanup(ctx, ev.Channel.ID, "answer_failed")
		return
	}

	c.tracker.Update(ev.Channel.ID, func(r *tracker.CallRecord) { r.State = tracker.StateAnswered })
	c.handler.SetupMediaPipeline(ctx, ev.Channel.ID, correlationID, patientID)
}

// ===== StasisEnd / ChannelDestroyed / ChannelHangupRequest =====

func (c *Client) handleChannelTermination(ctx context.Context, ev *Event) {
	if ev.Channel == nil {
		return
	}

	if record := c.tracker.Get(ev.Channel.ID); record != nil {
		c.handler.Cleanup(ctx, ev.Channel.ID, ev.Type)
		return
	}

	if parentChannelID, ok := c.tracker.FindBySnoopChannel(ev.Channel.ID); ok {
		c.tracker.Update(parentChannelID, func(r *tracker.CallRecord) {
			r.SnoopChannelHandle = ""
		})
	}
}

func channelID(ev *Event) string {
	if ev.Channel == nil {
		return ""
	}
	return ev.Channel.ID
}

// ===== REST commands =====

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Response, error) {
	reqURL := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("ari: marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("ari: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ari: request %s %s: %w", method, path, err)
	}
	return resp, nil
}

// command issues a REST call and converts a 404 to a nil error; any other
// non-2xx status is returned as an error carrying the response body.
func (c *Client) command(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	resp, err := c.doRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ari: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// Answer answers channelID.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	_, err := c.command(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil, nil)
	return err
}

// Hangup hangs up channelID.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	_, err := c.command(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
	return err
}

// GetChannelVar reads a channel variable.
func (c *Client) GetChannelVar(ctx context.Context, channelID, name string) (string, error) {
	q := url.Values{"variable": {name}}
	respBody, err := c.command(ctx, http.MethodGet, "/channels/"+channelID+"/variable", q, nil)
	if err != nil || respBody == nil {
		return "", err
	}
	var out struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("ari: parse channel var response: %w", err)
	}
	return out.Value, nil
}

// SetChannelVar sets a channel variable, e.g. to stash a correlating id a
// dialplan application picks up before invoking AudioSocket.
func (c *Client) SetChannelVar(ctx context.Context, channelID, name, value string) error {
	q := url.Values{"variable": {name}, "value": {value}}
	_, err := c.command(ctx, http.MethodPost, "/channels/"+channelID+"/variable", q, nil)
	return err
}

// CreateMixingBridge creates a new mixing bridge named name, returning its id.
func (c *Client) CreateMixingBridge(ctx context.Context, name string) (string, error) {
	q := url.Values{"type": {"mixing"}, "name": {name}}
	respBody, err := c.command(ctx, http.MethodPost, "/bridges", q, nil)
	if err != nil {
		return "", err
	}
	if respBody == nil {
		return "", ErrResourceGone
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("ari: parse bridge response: %w", err)
	}
	return out.ID, nil
}

// AddToBridge adds channelID to bridgeID.
func (c *Client) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	q := url.Values{"channel": {channelID}}
	_, err := c.command(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", q, nil)
	return err
}

// RecordBridge starts a recording on bridgeID.
func (c *Client) RecordBridge(ctx context.Context, bridgeID, name string) error {
	q := url.Values{
		"name":        {name},
		"format":      {"wav"},
		"maxDurationSeconds": {"3600"},
		"beep":        {"false"},
		"ifExists":    {"overwrite"},
	}
	_, err := c.command(ctx, http.MethodPost, "/bridges/"+bridgeID+"/record", q, nil)
	return err
}

// SnoopChannel creates a snoop channel on channelID in direction "in" under
// the Stasis app, returning the new snoop channel's id.
func (c *Client) SnoopChannel(ctx context.Context, channelID string) (string, error) {
	q := url.Values{"spy": {"in"}, "app": {c.cfg.App}}
	respBody, err := c.command(ctx, http.MethodPost, "/channels/"+channelID+"/snoop", q, nil)
	if err != nil {
		return "", err
	}
	if respBody == nil {
		return "", ErrResourceGone
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("ari: parse snoop response: %w", err)
	}
	return out.ID, nil
}

// ExternalMedia directs channelID's audio to host:port in the given format.
func (c *Client) ExternalMedia(ctx context.Context, channelID, host string, port int, format string) error {
	q := url.Values{
		"app":          {c.cfg.App},
		"external_host": {fmt.Sprintf("%s:%d", host, port)},
		"format":       {format},
		"direction":    {"read"},
	}
	_, err := c.command(ctx, http.MethodPost, "/channels/"+channelID+"/externalMedia", q, nil)
	return err
}

// PlayMedia plays mediaRef (e.g. "sound:abc123") on channelID.
func (c *Client) PlayMedia(ctx context.Context, channelID, mediaRef string) error {
	q := url.Values{"media": {mediaRef}}
	_, err := c.command(ctx, http.MethodPost, "/channels/"+channelID+"/play", q, nil)
	return err
}

// UploadSound uploads raw audio bytes as a sound asset under soundID, for use
// with PlayMedia as "sound:<soundID>".
func (c *Client) UploadSound(ctx context.Context, soundID string, format string, data []byte) error {
	q := url.Values{"format": {format}}
	reqURL := strings.TrimRight(c.cfg.BaseURL, "/") + "/sounds/" + soundID + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("ari: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ari: request POST /sounds/%s: %w", soundID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ari: upload sound %s: status %d: %s", soundID, resp.StatusCode, string(body))
	}
	return nil
}

// DestroyBridge destroys bridgeID.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	_, err := c.command(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
	return err
}
