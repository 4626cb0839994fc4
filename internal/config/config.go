// Package config loads and validates the bridge's configuration surface
// (PBX connection, RTP listener, AI model/voice/key, ingress mode, Postgres
// DSN) from environment variables with an optional YAML override file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// IngressMode selects which ingress path the media pipeline wires up.
type IngressMode string

const (
	IngressAudioSocket   IngressMode = "audiosocket"
	IngressExternalMedia IngressMode = "external_media"
)

// Config is the bridge's configuration surface: PBX URL/user/pass, Stasis
// application name, channel-name prefixes, RTP listener host/port, audio
// send format, AI base URL/key/model/voice, idle timeout, AudioSocket listen
// address, ingress mode, Postgres DSN and admin listen address. There are no
// settings for AI session overrides or rate caps.
type Config struct {
	PBXBaseURL string
	PBXWSURL   string
	PBXUser    string
	PBXPass    string
	StasisApp  string

	TrunkChannelPrefix      string
	InternalChannelPrefixes []string

	RTPListenHost string
	RTPListenPort int
	AudioFormat   string // "slin" | "ulaw"

	AudioSocketAddr string
	IngressMode     IngressMode

	AIBaseURL     string
	AIAPIKey      string
	AIModel       string
	AIVoice       string
	AIIdleTimeout time.Duration

	PostgresDSN string

	AdminAddr string
}

// Load reads configuration from the environment (prefix CALLBRIDGE_) and an
// optional config file, applies defaults, and validates required fields,
// failing fast the way the teacher's ValidateConfiguration does.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CALLBRIDGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("pbx.stasis_app", "callbridge")
	v.SetDefault("pbx.trunk_channel_prefix", "PJSIP/trunk-")
	v.SetDefault("pbx.internal_channel_prefixes", []string{"UnicastRTP/"})
	v.SetDefault("rtp.listen_host", "0.0.0.0")
	v.SetDefault("rtp.listen_port", 40000)
	v.SetDefault("audio.format", "ulaw")
	v.SetDefault("audiosocket.addr", "0.0.0.0:9099")
	v.SetDefault("ingress.mode", string(IngressExternalMedia))
	v.SetDefault("ai.model", "gpt-realtime")
	v.SetDefault("ai.voice", "alloy")
	v.SetDefault("ai.idle_timeout_seconds", 300)
	v.SetDefault("admin.addr", "0.0.0.0:8088")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		PBXBaseURL:              v.GetString("pbx.base_url"),
		PBXWSURL:                v.GetString("pbx.ws_url"),
		PBXUser:                 v.GetString("pbx.user"),
		PBXPass:                 v.GetString("pbx.pass"),
		StasisApp:               v.GetString("pbx.stasis_app"),
		TrunkChannelPrefix:      v.GetString("pbx.trunk_channel_prefix"),
		InternalChannelPrefixes: v.GetStringSlice("pbx.internal_channel_prefixes"),
		RTPListenHost:           v.GetString("rtp.listen_host"),
		RTPListenPort:           v.GetInt("rtp.listen_port"),
		AudioFormat:             v.GetString("audio.format"),
		AudioSocketAddr:         v.GetString("audiosocket.addr"),
		IngressMode:             IngressMode(v.GetString("ingress.mode")),
		AIBaseURL:               v.GetString("ai.base_url"),
		AIAPIKey:                v.GetString("ai.api_key"),
		AIModel:                 v.GetString("ai.model"),
		AIVoice:                 v.GetString("ai.voice"),
		AIIdleTimeout:           time.Duration(v.GetInt("ai.idle_timeout_seconds")) * time.Second,
		PostgresDSN:             v.GetString("postgres.dsn"),
		AdminAddr:               v.GetString("admin.addr"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.PBXBaseURL == "" {
		missing = append(missing, "pbx.base_url")
	}
	if c.PBXWSURL == "" {
		missing = append(missing, "pbx.ws_url")
	}
	if c.PBXUser == "" {
		missing = append(missing, "pbx.user")
	}
	if c.PBXPass == "" {
		missing = append(missing, "pbx.pass")
	}
	if c.AIBaseURL == "" {
		missing = append(missing, "ai.base_url")
	}
	if c.AIAPIKey == "" {
		missing = append(missing, "ai.api_key")
	}
	if c.IngressMode != IngressAudioSocket && c.IngressMode != IngressExternalMedia {
		missing = append(missing, fmt.Sprintf("ingress.mode (got %q)", c.IngressMode))
	}
	if c.AudioFormat != "slin" && c.AudioFormat != "ulaw" {
		missing = append(missing, fmt.Sprintf("audio.format (got %q)", c.AudioFormat))
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing or invalid required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
