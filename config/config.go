// Package config loads the pipeline's configuration via viper, following
// the same New/SetDefault/BindEnv/ReadInConfig shape this project has
// always used for its CLI configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// RecordConfig holds every option named in spec.md §6's configuration
// table for the live-capture pipeline, defaults taken from
// original_source/config.h's ScreenRecorderConfig and RTMPConfig.
type RecordConfig struct {
	// Capture region
	CaptureFullScreen   bool
	CaptureRegion       bool
	RegionX             int
	RegionY             int
	RegionWidth         int
	RegionHeight        int
	TargetWidth         int
	TargetHeight        int
	MaintainAspectRatio bool
	FrameRate           int
	RegionQuality       int // 0 fast, 1 balanced, 2 high

	// Encoder parameters
	VideoCodecName string
	AudioCodecName string
	VideoBitRate   int
	AudioBitRate   int
	GOPSize        int
	MaxBFrames     int
	Preset         string
	Tune           string

	// Audio encoder input
	SampleRate    int
	Channels      int
	ChannelLayout string
	SampleFormat  string

	// File sink
	RecordToFile    bool
	OutputDirectory string
	OutputFilename  string // may contain a strftime-style template

	// Network sink
	StreamToRTMP bool
	RTMPURL      string

	// Transport timeouts, spec.md §5 "Timeouts"
	ProbeTimeout     time.Duration
	LiveWriteTimeout time.Duration
	SurfaceTimeout   time.Duration
}

// HLSConfig holds the options for the file-to-HLS transcoder mode,
// defaults from original_source/config.h's Config struct.
type HLSConfig struct {
	VideoPath            string
	HLSDir               string
	M3U8Filename         string
	HTTPPort             int
	SegmentDuration      time.Duration
	VideoBitRate         int
	AudioBitRate         int
	CleanOldSegments     bool
	ForceReconvert       bool
	CheckHLSIntegrity    bool
	MaxReconvertAttempts int
}

var v *viper.Viper

func init() {
	v = viper.New()

	v.SetDefault("capture.full_screen", true)
	v.SetDefault("capture.region", false)
	v.SetDefault("capture.region_x", 0)
	v.SetDefault("capture.region_y", 0)
	v.SetDefault("capture.region_width", 0)
	v.SetDefault("capture.region_height", 0)
	v.SetDefault("capture.target_width", 0)
	v.SetDefault("capture.target_height", 0)
	v.SetDefault("capture.maintain_aspect_ratio", true)
	v.SetDefault("capture.frame_rate", 60)
	v.SetDefault("capture.region_quality", 1)

	v.SetDefault("encode.video_codec_name", "libx264")
	v.SetDefault("encode.audio_codec_name", "aac")
	v.SetDefault("encode.video_bitrate", 1_000_000)
	v.SetDefault("encode.audio_bitrate", 128_000)
	v.SetDefault("encode.gop_size", 10)
	v.SetDefault("encode.max_b_frames", 0)
	v.SetDefault("encode.preset", "veryfast")
	v.SetDefault("encode.tune", "zerolatency")

	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.channel_layout", "stereo")
	v.SetDefault("audio.sample_format", "fltp")

	v.SetDefault("sink.record_to_file", true)
	v.SetDefault("sink.output_directory", "recording")
	v.SetDefault("sink.output_filename", "screen_record_%Y%m%d_%H%M%S.mp4")
	v.SetDefault("sink.stream_to_rtmp", true)
	v.SetDefault("sink.rtmp_url", "rtmp://localhost/live/stream")

	v.SetDefault("transport.probe_timeout", "5s")
	v.SetDefault("transport.live_write_timeout", "10s")
	v.SetDefault("transport.surface_timeout", "100ms")

	v.SetDefault("hls.video_path", "local_video.mp4")
	v.SetDefault("hls.dir", "hls_stream")
	v.SetDefault("hls.m3u8_filename", "stream.m3u8")
	v.SetDefault("hls.http_port", 8080)
	v.SetDefault("hls.segment_duration", "10s")
	v.SetDefault("hls.video_bitrate", 1_000_000)
	v.SetDefault("hls.audio_bitrate", 128_000)
	v.SetDefault("hls.clean_old_segments", true)
	v.SetDefault("hls.force_reconvert", false)
	v.SetDefault("hls.check_integrity", true)
	v.SetDefault("hls.max_reconvert_attempts", 3)

	v.AutomaticEnv()
	v.BindEnv("sink.rtmp_url", "RECORD_RTMP_URL")
	v.BindEnv("sink.output_directory", "RECORD_OUTPUT_DIR")
	v.BindEnv("hls.http_port", "HLS_HTTP_PORT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range []string{".", "$HOME/.config/video", "/etc/video"} {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Sprintf("config: reading config file: %s", err))
		}
	}
}

// LoadRecordConfig builds a RecordConfig from defaults, config file and
// environment, in that precedence order (viper's own).
func LoadRecordConfig() RecordConfig {
	return RecordConfig{
		CaptureFullScreen:   v.GetBool("capture.full_screen"),
		CaptureRegion:       v.GetBool("capture.region"),
		RegionX:             v.GetInt("capture.region_x"),
		RegionY:             v.GetInt("capture.region_y"),
		RegionWidth:         v.GetInt("capture.region_width"),
		RegionHeight:        v.GetInt("capture.region_height"),
		TargetWidth:         v.GetInt("capture.target_width"),
		TargetHeight:        v.GetInt("capture.target_height"),
		MaintainAspectRatio: v.GetBool("capture.maintain_aspect_ratio"),
		FrameRate:           v.GetInt("capture.frame_rate"),
		RegionQuality:       v.GetInt("capture.region_quality"),

		VideoCodecName: v.GetString("encode.video_codec_name"),
		AudioCodecName: v.GetString("encode.audio_codec_name"),
		VideoBitRate:   v.GetInt("encode.video_bitrate"),
		AudioBitRate:   v.GetInt("encode.audio_bitrate"),
		GOPSize:        v.GetInt("encode.gop_size"),
		MaxBFrames:     v.GetInt("encode.max_b_frames"),
		Preset:         v.GetString("encode.preset"),
		Tune:           v.GetString("encode.tune"),

		SampleRate:    v.GetInt("audio.sample_rate"),
		Channels:      v.GetInt("audio.channels"),
		ChannelLayout: v.GetString("audio.channel_layout"),
		SampleFormat:  v.GetString("audio.sample_format"),

		RecordToFile:    v.GetBool("sink.record_to_file"),
		OutputDirectory: v.GetString("sink.output_directory"),
		OutputFilename:  v.GetString("sink.output_filename"),
		StreamToRTMP:    v.GetBool("sink.stream_to_rtmp"),
		RTMPURL:         v.GetString("sink.rtmp_url"),

		ProbeTimeout:     v.GetDuration("transport.probe_timeout"),
		LiveWriteTimeout: v.GetDuration("transport.live_write_timeout"),
		SurfaceTimeout:   v.GetDuration("transport.surface_timeout"),
	}
}

// LoadHLSConfig builds an HLSConfig from defaults, config file and
// environment.
func LoadHLSConfig() HLSConfig {
	return HLSConfig{
		VideoPath:            v.GetString("hls.video_path"),
		HLSDir:               v.GetString("hls.dir"),
		M3U8Filename:         v.GetString("hls.m3u8_filename"),
		HTTPPort:             v.GetInt("hls.http_port"),
		SegmentDuration:      v.GetDuration("hls.segment_duration"),
		VideoBitRate:         v.GetInt("hls.video_bitrate"),
		AudioBitRate:         v.GetInt("hls.audio_bitrate"),
		CleanOldSegments:     v.GetBool("hls.clean_old_segments"),
		ForceReconvert:       v.GetBool("hls.force_reconvert"),
		CheckHLSIntegrity:    v.GetBool("hls.check_integrity"),
		MaxReconvertAttempts: v.GetInt("hls.max_reconvert_attempts"),
	}
}
