package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariloop/callbridge/pkg/ari"
	"github.com/ariloop/callbridge/pkg/realtime"
	"github.com/ariloop/callbridge/pkg/reconnect"
	"github.com/ariloop/callbridge/pkg/rtpsender"
	"github.com/ariloop/callbridge/pkg/tracker"
)

type fakeTranscript struct {
	mu          sync.Mutex
	created     int
	completed   []string
	failCreate  bool
}

func (f *fakeTranscript) FindOrCreateConversation(ctx context.Context, callID, patientID string, startTime time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", assert.AnError
	}
	f.created++
	return "conv-" + callID, nil
}

func (f *fakeTranscript) Complete(ctx context.Context, conversationID string, endTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, conversationID)
	return nil
}

// handlerBridge lets Orchestrator and ari.Client wire to each other despite
// the construction-order cycle: ari.Client needs a Handler at New, the
// Orchestrator needs the *ari.Client it will later call into.
type handlerBridge struct {
	o *Orchestrator
}

func (b *handlerBridge) SetupMediaPipeline(ctx context.Context, channelID, correlationID, patientID string) {
	b.o.SetupMediaPipeline(ctx, channelID, correlationID, patientID)
}

func (b *handlerBridge) Cleanup(ctx context.Context, channelID, reason string) {
	b.o.Cleanup(ctx, channelID, reason)
}

func newTestOrchestrator(t *testing.T, mux *http.ServeMux, mode IngressMode) (*Orchestrator, *tracker.Tracker, *fakeTranscript, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	trk := tracker.New()
	transcript := &fakeTranscript{}
	ai := realtime.New(realtime.Config{BaseURL: "ws://127.0.0.1:1/unreachable", APIKey: "k", Model: "m", Voice: "v"},
		reconnect.New(zap.NewNop().Sugar()), nil, zap.NewNop().Sugar())
	rtp := rtpsender.New(zap.NewNop().Sugar())

	o := New(Config{
		Mode:                mode,
		ExternalMediaHost:   "127.0.0.1",
		ExternalMediaPort:   40000,
		ExternalMediaFormat: "slin16",
		RTPFormat:           rtpsender.FormatPCMU,
	}, trk, rtp, ai, nil, transcript, zap.NewNop().Sugar())

	pbxCfg := ari.Config{
		BaseURL:                 server.URL,
		Username:                "user",
		Password:                "pass",
		App:                     "callbridge",
		TrunkChannelPrefix:      "PJSIP/trunk-",
		InternalChannelPrefixes: []string{"UnicastRTP/"},
		ExternalMediaHost:       "127.0.0.1",
		ExternalMediaPort:       40000,
		ExternalMediaFormat:     "slin16",
	}
	pbx := ari.New(pbxCfg, trk, &handlerBridge{o: o}, zap.NewNop().Sugar())
	o.SetPBX(pbx)

	return o, trk, transcript, server
}

func TestSetupMediaPipelineHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridges", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"bridge-1"}`))
	})
	mux.HandleFunc("/bridges/bridge-1/record", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/bridges/bridge-1/addChannel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/channels/CH1/snoop", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"SNOOP1"}`))
	})

	o, trk, transcript, _ := newTestOrchestrator(t, mux, IngressSnoopExternalMedia)
	_, err := trk.Admit("CH1", "S1", "P1")
	require.NoError(t, err)

	o.SetupMediaPipeline(context.Background(), "CH1", "S1", "P1")

	record := trk.Get("CH1")
	require.NotNil(t, record)
	assert.Equal(t, "bridge-1", record.MainBridgeHandle)
	assert.Equal(t, "SNOOP1", record.SnoopChannelHandle)
	assert.Equal(t, "external_media", record.SnoopMethod)
	assert.Equal(t, "conv-CH1", record.ConversationID)

	transcript.mu.Lock()
	defer transcript.mu.Unlock()
	assert.Equal(t, 1, transcript.created)
}

func TestSetupMediaPipelineContinuesWhenTranscriptFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridges", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"bridge-1"}`))
	})
	mux.HandleFunc("/bridges/bridge-1/record", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/bridges/bridge-1/addChannel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/channels/CH1/snoop", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"SNOOP1"}`))
	})

	o, trk, transcript, _ := newTestOrchestrator(t, mux, IngressSnoopExternalMedia)
	transcript.failCreate = true
	_, err := trk.Admit("CH1", "S1", "P1")
	require.NoError(t, err)

	o.SetupMediaPipeline(context.Background(), "CH1", "S1", "P1")

	record := trk.Get("CH1")
	require.NotNil(t, record)
	assert.Equal(t, "bridge-1", record.MainBridgeHandle, "bridge setup must proceed even if transcript linkage fails")
	assert.Empty(t, record.ConversationID)
}

func TestSetupMediaPipelineAudioSocketModeSkipsSnoop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridges", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"bridge-1"}`))
	})
	mux.HandleFunc("/bridges/bridge-1/record", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/bridges/bridge-1/addChannel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/channels/CH1/snoop", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("audiosocket ingress mode must never create a snoop channel")
	})

	o, trk, _, _ := newTestOrchestrator(t, mux, IngressAudioSocket)
	_, err := trk.Admit("CH1", "S1", "P1")
	require.NoError(t, err)

	o.SetupMediaPipeline(context.Background(), "CH1", "S1", "P1")

	record := trk.Get("CH1")
	require.NotNil(t, record)
	assert.Equal(t, "audiosocket", record.SnoopMethod)
	assert.Empty(t, record.SnoopChannelHandle)
}

func TestSetupMediaPipelineAudioSocketModeBindsUUID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridges", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"bridge-1"}`))
	})
	mux.HandleFunc("/bridges/bridge-1/record", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/bridges/bridge-1/addChannel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	var gotVarName, gotVarValue string
	mux.HandleFunc("/channels/CH1/variable", func(w http.ResponseWriter, r *http.Request) {
		gotVarName = r.URL.Query().Get("variable")
		gotVarValue = r.URL.Query().Get("value")
		w.WriteHeader(http.StatusNoContent)
	})

	o, trk, _, _ := newTestOrchestrator(t, mux, IngressAudioSocket)
	_, err := trk.Admit("CH1", "S1", "P1")
	require.NoError(t, err)

	o.SetupMediaPipeline(context.Background(), "CH1", "S1", "P1")

	record := trk.Get("CH1")
	require.NotNil(t, record)
	require.NotEmpty(t, record.AudioSocketUUID, "SetupMediaPipeline must bind an AudioSocket UUID for this call")

	resolved, found := trk.FindByUUID(record.AudioSocketUUID)
	require.True(t, found, "the bound UUID must resolve back to the channel via FindByUUID, exactly as the real AudioSocket connection's UUID frame handler does")
	assert.Equal(t, "CH1", resolved)

	assert.Equal(t, "audioSocketUuid", gotVarName, "the generated UUID must also be pushed to the PBX as a channel variable for the dialplan to source")
	assert.Equal(t, record.AudioSocketUUID, gotVarValue)
}

func TestCleanupIsIdempotent(t *testing.T) {
	mux := http.NewServeMux()
	var hangups, destroys int32
	var mu sync.Mutex
	mux.HandleFunc("/channels/CH1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hangups++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/bridges/bridge-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		destroys++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	o, trk, transcript, _ := newTestOrchestrator(t, mux, IngressSnoopExternalMedia)
	_, err := trk.Admit("CH1", "S1", "P1")
	require.NoError(t, err)
	trk.Update("CH1", func(r *tracker.CallRecord) {
		r.MainBridgeHandle = "bridge-1"
		r.ConversationID = "conv-CH1"
	})

	o.Cleanup(context.Background(), "CH1", "test")
	o.Cleanup(context.Background(), "CH1", "test-again")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), hangups, "double cleanup must hang up exactly once")
	assert.Equal(t, int32(1), destroys, "double cleanup must destroy the bridge exactly once")
	assert.Nil(t, trk.Get("CH1"))

	transcript.mu.Lock()
	defer transcript.mu.Unlock()
	assert.Equal(t, []string{"conv-CH1"}, transcript.completed)
}
