// Command bridge wires the call media bridge's components together and
// runs the process: the PBX control client, the media ingress/egress legs,
// the AI session client, the transcript sink, and the admin HTTP surface,
// all behind a single root context whose cancellation drives shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ariloop/callbridge/internal/config"
	"github.com/ariloop/callbridge/pkg/admin"
	"github.com/ariloop/callbridge/pkg/ari"
	"github.com/ariloop/callbridge/pkg/audiosocket"
	"github.com/ariloop/callbridge/pkg/pipeline"
	"github.com/ariloop/callbridge/pkg/realtime"
	"github.com/ariloop/callbridge/pkg/reconnect"
	"github.com/ariloop/callbridge/pkg/rtpsender"
	"github.com/ariloop/callbridge/pkg/tracker"
	"github.com/ariloop/callbridge/pkg/transcript"
)

// pbxHandlerAdapter resolves the construction-order cycle between ari.Client
// (needs a Handler at New) and pipeline.Orchestrator (needs the *ari.Client
// to issue REST commands).
type pbxHandlerAdapter struct {
	orchestrator *pipeline.Orchestrator
}

func (a *pbxHandlerAdapter) SetupMediaPipeline(ctx context.Context, channelID, correlationID, patientID string) {
	a.orchestrator.SetupMediaPipeline(ctx, channelID, correlationID, patientID)
}

func (a *pbxHandlerAdapter) Cleanup(ctx context.Context, channelID, reason string) {
	a.orchestrator.Cleanup(ctx, channelID, reason)
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bridge: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	if err := run(sugar); err != nil {
		sugar.Fatalw("bridge: fatal error", "error", err)
	}
}

func run(logger *zap.SugaredLogger) error {
	cfg, err := config.Load(os.Getenv("CALLBRIDGE_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("bridge: load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infow("bridge: shutdown signal received")
		cancel()
	}()

	var transcriptStore *transcript.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("bridge: connect postgres: %w", err)
		}
		defer pool.Close()
		transcriptStore = transcript.New(pool)
	}

	trk := tracker.New()
	rtp := rtpsender.New(logger)
	reconnectMgr := reconnect.New(logger)
	aiClient := realtime.New(realtime.Config{
		BaseURL:     cfg.AIBaseURL,
		APIKey:      cfg.AIAPIKey,
		Model:       cfg.AIModel,
		Voice:       cfg.AIVoice,
		IdleTimeout: cfg.AIIdleTimeout,
	}, reconnectMgr, transcriptSink(transcriptStore), logger)
	aiClient.StartHealthCheck(ctx)

	var audioSocketListener *audiosocket.Listener
	if cfg.IngressMode == config.IngressAudioSocket {
		audioSocketListener = audiosocket.New(cfg.AudioSocketAddr, logger)
		audioSocketListener.Attach(trk, aiClient)
	}

	orchestrator := pipeline.New(pipeline.Config{
		Mode:                pipeline.IngressMode(cfg.IngressMode),
		ExternalMediaHost:   cfg.RTPListenHost,
		ExternalMediaPort:   cfg.RTPListenPort,
		ExternalMediaFormat: cfg.AudioFormat,
		RTPFormat:           rtpFormat(cfg.AudioFormat),
		InitialPrompt: func(patientID string) string {
			return "You are a helpful voice assistant speaking with a patient."
		},
	}, trk, rtp, aiClient, audioSocketListener, transcriptConversationStore(transcriptStore), logger)

	pbx := ari.New(ari.Config{
		BaseURL:                 cfg.PBXBaseURL,
		WSURL:                   cfg.PBXWSURL,
		Username:                cfg.PBXUser,
		Password:                cfg.PBXPass,
		App:                     cfg.StasisApp,
		TrunkChannelPrefix:      cfg.TrunkChannelPrefix,
		InternalChannelPrefixes: cfg.InternalChannelPrefixes,
		ExternalMediaHost:       cfg.RTPListenHost,
		ExternalMediaPort:       cfg.RTPListenPort,
		ExternalMediaFormat:     cfg.AudioFormat,
	}, trk, &pbxHandlerAdapter{orchestrator: orchestrator}, logger)
	orchestrator.SetPBX(pbx)

	if audioSocketListener != nil {
		if err := audioSocketListener.Listen(); err != nil {
			return fmt.Errorf("bridge: start audiosocket listener: %w", err)
		}
	}

	adminCollector := admin.NewCollector(trk, aiClient, rtp, time.Now())
	adminServer := admin.New(cfg.AdminAddr, pbx, adminCollector, logger)
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("bridge: admin server stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- pbx.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Errorw("bridge: ari client stopped", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = adminServer.Shutdown(shutdownCtx)
	aiClient.DisconnectAll()

	return nil
}

func rtpFormat(audioFormat string) rtpsender.Format {
	if audioFormat == "slin" {
		return rtpsender.FormatL16
	}
	return rtpsender.FormatPCMU
}

// transcriptSink adapts a possibly-nil *transcript.Store to
// realtime.TranscriptSink without realtime importing pgx.
func transcriptSink(store *transcript.Store) realtime.TranscriptSink {
	if store == nil {
		return nil
	}
	return store
}

// transcriptConversationStore adapts a possibly-nil *transcript.Store to
// pipeline.Transcript.
func transcriptConversationStore(store *transcript.Store) pipeline.Transcript {
	if store == nil {
		return nil
	}
	return store
}
