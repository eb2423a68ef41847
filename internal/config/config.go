// Package config holds the SFU core configuration.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MediaSpec is the baseline codec/bitrate descriptor for one media type.
type MediaSpec struct {
	Codec   string `yaml:"codec"`
	MaxKbps int    `yaml:"max_kbps"`
}

// MediaSpecs is the conference media-spec table, loaded from YAML.
type MediaSpecs struct {
	Audio  MediaSpec `yaml:"audio"`
	Camera MediaSpec `yaml:"camera"`
}

// DefaultMediaSpecs returns the built-in descriptor used when no file is given.
func DefaultMediaSpecs() MediaSpecs {
	return MediaSpecs{
		Audio:  MediaSpec{Codec: "OPUS", MaxKbps: 48},
		Camera: MediaSpec{Codec: "VP8", MaxKbps: 300},
	}
}

// Config holds the SFU core configuration. All fields are read at startup
// and passed explicitly to manager construction.
type Config struct {
	// Bus settings
	BusAddr              string
	BusPassword          string
	BusDB                int
	ToClientChannel      string
	FromAudioChannel     string
	FromVideoChannel     string
	MeetingEventsChannel string

	// MCS settings
	MCSAddr string

	// Observability
	MetricsAddr string
	LogLevel    string

	// Session behavior
	VideoMediaServer      string
	MediaSpecPath         string
	MediaSpecs            MediaSpecs
	WSStrictHeaderParsing bool
	MediaFlowTimeout      time.Duration
	MediaStateTimeout     time.Duration
	EjectOnUserLeft       bool
	FullAudioEnabled      bool
}

// Load loads configuration from command line flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.BusAddr, "bus", "localhost:6379", "Message bus (redis) address")
	flag.StringVar(&cfg.BusPassword, "bus-password", "", "Message bus password")
	flag.IntVar(&cfg.BusDB, "bus-db", 0, "Message bus database number")
	flag.StringVar(&cfg.ToClientChannel, "to-client-channel", "from-sfu", "Channel for outbound client frames")
	flag.StringVar(&cfg.FromAudioChannel, "from-audio-channel", "to-sfu-audio", "Channel for inbound audio requests")
	flag.StringVar(&cfg.FromVideoChannel, "from-video-channel", "to-sfu-video", "Channel for inbound video requests")
	flag.StringVar(&cfg.MeetingEventsChannel, "meeting-events-channel", "from-akka-apps", "Channel for meeting lifecycle events")
	flag.StringVar(&cfg.MCSAddr, "mcs", "ws://localhost:3010/mcs", "Media Control Server WebSocket URL")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":8070", "Prometheus scrape address")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.VideoMediaServer, "video-media-server", "mediasoup", "Default adapter for video publishes")
	flag.StringVar(&cfg.MediaSpecPath, "media-specs", "", "Path to conference media-specs YAML (built-in defaults if empty)")
	flag.BoolVar(&cfg.WSStrictHeaderParsing, "strict-header-parsing", false, "Reject messages with malformed user-info header")
	flag.DurationVar(&cfg.MediaFlowTimeout, "media-flow-timeout", 20*time.Second, "NOT_FLOWING grace period before a client error")
	flag.DurationVar(&cfg.MediaStateTimeout, "media-state-timeout", 30*time.Second, "DISCONNECTED grace period before a client error")
	flag.BoolVar(&cfg.EjectOnUserLeft, "eject-on-user-left", true, "Stop sessions when their owner leaves the meeting")
	flag.BoolVar(&cfg.FullAudioEnabled, "fullaudio", false, "Allow the sendrecv audio role")

	flag.Parse()

	applyEnv(cfg)

	specs, err := LoadMediaSpecs(cfg.MediaSpecPath)
	if err != nil {
		return nil, err
	}
	cfg.MediaSpecs = specs

	return cfg, nil
}

// applyEnv overrides flag values with environment variables when set.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BUS_ADDR"); v != "" {
		cfg.BusAddr = v
	}
	if v := os.Getenv("BUS_PASSWORD"); v != "" {
		cfg.BusPassword = v
	}
	if v := os.Getenv("BUS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.BusDB = db
		}
	}
	if v := os.Getenv("MCS_ADDR"); v != "" {
		cfg.MCSAddr = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VIDEO_MEDIA_SERVER"); v != "" {
		cfg.VideoMediaServer = v
	}
	if v := os.Getenv("MEDIA_SPECS"); v != "" {
		cfg.MediaSpecPath = v
	}
	if v := os.Getenv("STRICT_HEADER_PARSING"); v != "" {
		cfg.WSStrictHeaderParsing = v == "1" || v == "true"
	}
	if v := os.Getenv("MEDIA_FLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MediaFlowTimeout = d
		}
	}
	if v := os.Getenv("MEDIA_STATE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.MediaStateTimeout = d
		}
	}
	if v := os.Getenv("EJECT_ON_USER_LEFT"); v != "" {
		cfg.EjectOnUserLeft = v == "1" || v == "true"
	}
	if v := os.Getenv("FULLAUDIO_ENABLED"); v != "" {
		cfg.FullAudioEnabled = v == "1" || v == "true"
	}
}

// LoadMediaSpecs reads the media-spec table from a YAML file.
// An empty path yields the built-in defaults.
func LoadMediaSpecs(path string) (MediaSpecs, error) {
	specs := DefaultMediaSpecs()
	if path == "" {
		return specs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return specs, fmt.Errorf("read media specs: %w", err)
	}
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return specs, fmt.Errorf("parse media specs: %w", err)
	}
	if specs.Audio.MaxKbps < 0 || specs.Camera.MaxKbps < 0 {
		return specs, fmt.Errorf("media specs: negative bitrate cap")
	}
	return specs, nil
}
