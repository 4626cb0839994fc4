// Package pipeline wires C2-C6 together behind the single entry point the
// PBX control client calls on trunk admission: set up the bridge, the AI
// session, and the chosen media ingress path, then tear it all down again on
// any termination signal.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariloop/callbridge/pkg/ari"
	"github.com/ariloop/callbridge/pkg/audiosocket"
	"github.com/ariloop/callbridge/pkg/realtime"
	"github.com/ariloop/callbridge/pkg/rtpsender"
	"github.com/ariloop/callbridge/pkg/tracker"
)

// IngressMode selects which audio-ingress path SetupMediaPipeline wires for
// a new call. Both paths are fully implemented; only one is exercised per
// deployment, chosen at construction time.
type IngressMode string

const (
	IngressSnoopExternalMedia IngressMode = "external_media"
	IngressAudioSocket        IngressMode = "audiosocket"
)

// Transcript is the narrow conversation-store seam the orchestrator depends
// on. Structurally satisfied by pkg/transcript.Store; kept as an interface
// here so this package never imports pgx directly.
type Transcript interface {
	FindOrCreateConversation(ctx context.Context, callID, patientID string, startTime time.Time) (string, error)
	Complete(ctx context.Context, conversationID string, endTime time.Time) error
}

// InitialPromptFunc builds the AI's initial system prompt for a call. Kept
// as an injected function rather than a fixed string so deployments can
// personalize it (e.g. with patient context) without changing this package.
type InitialPromptFunc func(patientID string) string

// Config is the orchestrator's static wiring.
type Config struct {
	Mode                IngressMode
	ExternalMediaHost   string
	ExternalMediaPort   int
	ExternalMediaFormat string
	RTPFormat           rtpsender.Format
	InitialPrompt       InitialPromptFunc
}

// Orchestrator implements ari.Handler: the bridge-level lifecycle a trunk
// channel's admission drives.
type Orchestrator struct {
	cfg Config

	tracker     *tracker.Tracker
	pbx         *ari.Client
	rtp         *rtpsender.Sender
	ai          *realtime.Client
	audioSocket *audiosocket.Listener
	transcript  Transcript

	logger *zap.SugaredLogger
}

// New constructs an Orchestrator. pbx is set after construction via SetPBX
// since ari.Client and Orchestrator depend on each other (Client needs a
// Handler at construction, Orchestrator needs the Client to issue commands).
func New(cfg Config, trk *tracker.Tracker, rtp *rtpsender.Sender, ai *realtime.Client, audioSocket *audiosocket.Listener, transcript Transcript, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		tracker:     trk,
		rtp:         rtp,
		ai:          ai,
		audioSocket: audioSocket,
		transcript:  transcript,
		logger:      logger,
	}
}

// SetPBX completes the two-way wiring between Orchestrator and ari.Client.
func (o *Orchestrator) SetPBX(pbx *ari.Client) {
	o.pbx = pbx
}

// SetupMediaPipeline is C3's post-admission callback: build the bridge,
// start the AI session, and arm whichever ingress path this deployment uses.
// Steps 1-6 of the media pipeline setup, each logged but not fatal to the
// rest of the call except where noted.
func (o *Orchestrator) SetupMediaPipeline(ctx context.Context, channelID, correlationID, patientID string) {
	record := o.tracker.Get(channelID)
	if record == nil {
		o.logger.Warnw("pipeline: setup called for untracked channel", "channel", channelID)
		return
	}

	// Step 1: transcript linkage is best-effort — a failure here must not
	// abort call setup, it just means the AI session runs without turns
	// being written to the conversation log.
	conversationID := ""
	if o.transcript != nil {
		id, err := o.transcript.FindOrCreateConversation(ctx, channelID, patientID, record.StartTime)
		if err != nil {
			o.logger.Warnw("pipeline: resolve transcript conversation failed, continuing without it", "channel", channelID, "error", err)
		} else {
			conversationID = id
		}
	}
	o.tracker.Update(channelID, func(r *tracker.CallRecord) { r.ConversationID = conversationID })

	// Step 2: mixing bridge.
	bridgeName := "call-" + channelID
	bridgeID, err := o.pbx.CreateMixingBridge(ctx, bridgeName)
	if err != nil {
		o.logger.Errorw("pipeline: create bridge failed", "channel", channelID, "error", err)
		o.Cleanup(ctx, channelID, "bridge_create_failed")
		return
	}
	o.tracker.Update(channelID, func(r *tracker.CallRecord) {
		r.MainBridgeHandle = bridgeID
		r.State = tracker.StatePipelineSetup
	})

	// Step 3: recording, tolerate failure.
	recordingName := "rec-" + channelID
	if err := o.pbx.RecordBridge(ctx, bridgeID, recordingName); err != nil {
		o.logger.Warnw("pipeline: start recording failed, continuing without it", "channel", channelID, "error", err)
	} else {
		o.tracker.Update(channelID, func(r *tracker.CallRecord) { r.RecordingName = recordingName })
	}

	// Step 4: add main channel to the bridge.
	if err := o.pbx.AddToBridge(ctx, bridgeID, channelID); err != nil {
		o.logger.Errorw("pipeline: add channel to bridge failed", "channel", channelID, "error", err)
		o.Cleanup(ctx, channelID, "bridge_add_failed")
		return
	}
	o.tracker.Update(channelID, func(r *tracker.CallRecord) { r.State = tracker.StateMediaBridged })

	// Step 5: start the AI session. Playback of AI audio is routed back to
	// the PBX through the subscriber registered here.
	prompt := ""
	if o.cfg.InitialPrompt != nil {
		prompt = o.cfg.InitialPrompt(patientID)
	}
	o.ai.Connect(channelID, correlationID, prompt, conversationID, &pbxSubscriber{o: o, channelID: channelID})

	// Step 6: arm ingress.
	switch o.cfg.Mode {
	case IngressAudioSocket:
		if o.audioSocket != nil {
			o.audioSocket.Attach(o.tracker, o.ai)
		}
		audioSocketID := uuid.New().String()
		if !o.tracker.BindUUID(channelID, audioSocketID) {
			o.logger.Errorw("pipeline: bind audiosocket uuid failed", "channel", channelID)
			o.Cleanup(ctx, channelID, "audiosocket_bind_failed")
			return
		}
		if err := o.pbx.SetChannelVar(ctx, channelID, "audioSocketUuid", audioSocketID); err != nil {
			o.logger.Warnw("pipeline: set audiosocket uuid channel var failed, dialplan must source it another way", "channel", channelID, "error", err)
		}
		o.tracker.Update(channelID, func(r *tracker.CallRecord) { r.SnoopMethod = "audiosocket" })
	default:
		o.tracker.Update(channelID, func(r *tracker.CallRecord) { r.SnoopMethod = "external_media" })
		snoopChannelID, err := o.pbx.SnoopChannel(ctx, channelID)
		if err != nil {
			o.logger.Errorw("pipeline: create snoop channel failed", "channel", channelID, "error", err)
			o.Cleanup(ctx, channelID, "snoop_create_failed")
			return
		}
		o.tracker.Update(channelID, func(r *tracker.CallRecord) { r.SnoopChannelHandle = snoopChannelID })

		if err := o.rtp.Initialize(channelID, o.cfg.ExternalMediaHost, o.cfg.ExternalMediaPort, o.cfg.RTPFormat); err != nil {
			o.logger.Errorw("pipeline: rtp sender initialize failed", "channel", channelID, "error", err)
			o.Cleanup(ctx, channelID, "rtp_init_failed")
			return
		}
	}
}

// pbxSubscriber adapts realtime.Subscriber callbacks into PBX playback and
// hangup actions for one channel.
type pbxSubscriber struct {
	o         *Orchestrator
	channelID string
}

func (s *pbxSubscriber) OnAudio(channelID, muLawB64 string) {
	s.o.playback(context.Background(), s.channelID, muLawB64)
}

func (s *pbxSubscriber) OnText(channelID, text string) {}

func (s *pbxSubscriber) OnFunctionCall(channelID string, call realtime.FunctionCall) {}

func (s *pbxSubscriber) OnSessionReady(channelID string) {
	s.o.tracker.Update(s.channelID, func(r *tracker.CallRecord) { r.State = tracker.StateStreaming })
}

func (s *pbxSubscriber) OnError(channelID string, err error) {
	s.o.logger.Warnw("pipeline: ai session error", "channel", s.channelID, "error", err)
}

func (s *pbxSubscriber) OnMaxReconnectFailed(channelID string) {
	s.o.logger.Errorw("pipeline: ai reconnect attempts exhausted, tearing down call", "channel", s.channelID)
	s.o.Cleanup(context.Background(), s.channelID, "ai_reconnect_exhausted")
}

// playback decodes a µ-law chunk returned by the AI, writes it to a temp
// file, uploads it as a sound asset, and plays it on channelID. If the
// upload fails, falls back to referencing the temp file directly.
func (o *Orchestrator) playback(ctx context.Context, channelID, muLawB64 string) {
	raw, err := base64.StdEncoding.DecodeString(muLawB64)
	if err != nil {
		o.logger.Warnw("pipeline: decode ai audio chunk failed", "channel", channelID, "error", err)
		return
	}

	tmp, err := os.CreateTemp("", "callbridge-playback-*.ulaw")
	if err != nil {
		o.logger.Warnw("pipeline: create temp playback file failed", "channel", channelID, "error", err)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		o.logger.Warnw("pipeline: write temp playback file failed", "channel", channelID, "error", err)
		return
	}
	tmp.Close()

	soundID := "ai-" + channelID + "-" + uuid.New().String()
	mediaRef := fmt.Sprintf("sound:%s", soundID)
	if err := o.pbx.UploadSound(ctx, soundID, "ulaw", raw); err != nil {
		o.logger.Warnw("pipeline: upload sound asset failed, falling back to file reference", "channel", channelID, "error", err)
		mediaRef = "sound:!" + tmpPath
	}

	if err := o.pbx.PlayMedia(ctx, channelID, mediaRef); err != nil {
		o.logger.Warnw("pipeline: play media failed", "channel", channelID, "error", err)
	}
}

// Cleanup is C3's termination callback. Idempotent: Remove returns nil on a
// second call and every subsequent step short-circuits.
func (o *Orchestrator) Cleanup(ctx context.Context, channelID, reason string) {
	resources, ok := o.tracker.Resources(channelID)
	if !ok {
		return
	}

	record := o.tracker.Remove(channelID)
	if record == nil {
		return
	}

	o.rtp.Cleanup(channelID)

	if resources.SnoopChannelHandle != "" {
		_ = o.pbx.Hangup(ctx, resources.SnoopChannelHandle)
	}
	if resources.SnoopBridgeHandle != "" {
		_ = o.pbx.DestroyBridge(ctx, resources.SnoopBridgeHandle)
	}
	_ = o.pbx.Hangup(ctx, channelID)
	if resources.MainBridgeHandle != "" {
		_ = o.pbx.DestroyBridge(ctx, resources.MainBridgeHandle)
	}
	if resources.LocalChannelHandle != "" {
		_ = o.pbx.Hangup(ctx, resources.LocalChannelHandle)
	}

	o.ai.Disconnect(resources.CorrelationID)

	if o.transcript != nil && resources.ConversationID != "" {
		if err := o.transcript.Complete(ctx, resources.ConversationID, time.Now()); err != nil {
			o.logger.Warnw("pipeline: mark transcript complete failed", "channel", channelID, "error", err)
		}
	}

	o.logger.Infow("pipeline: call cleaned up", "channel", channelID, "reason", reason)
}
