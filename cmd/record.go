package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/magixtical/video/config"
	"github.com/magixtical/video/internal/pipeline/controller"
	"github.com/magixtical/video/internal/platform/ffmpeg"
	"github.com/magixtical/video/internal/util"
)

// NewRecordCommand creates the live capture/record/stream command.
func NewRecordCommand() *cobra.Command {
	var screenDevice, loopbackDevice string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Capture the desktop to a local file and/or a live network stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(screenDevice, loopbackDevice)
		},
	}

	cmd.Flags().StringVar(&screenDevice, "screen-device", defaultScreenDevice(), "platform screen capture device specifier")
	cmd.Flags().StringVar(&loopbackDevice, "audio-device", defaultLoopbackDevice(), "platform loopback audio device specifier")
	return cmd
}

func defaultScreenDevice() string {
	switch os.Getenv("VIDEOCAP_SCREEN_DEVICE") {
	case "":
		return ":0.0"
	default:
		return os.Getenv("VIDEOCAP_SCREEN_DEVICE")
	}
}

func defaultLoopbackDevice() string {
	switch os.Getenv("VIDEOCAP_AUDIO_DEVICE") {
	case "":
		return "default"
	default:
		return os.Getenv("VIDEOCAP_AUDIO_DEVICE")
	}
}

func runRecord(screenDevice, loopbackDevice string) error {
	runID := util.GenerateRandomString(8)
	log := util.GetLogger()
	log.Info("record: starting session", "run_id", runID)

	screen, err := ffmpeg.NewScreenCapture(screenDevice)
	if err != nil {
		return fmt.Errorf("record: open screen device: %w", err)
	}
	defer screen.Close()

	loopback, err := ffmpeg.NewLoopbackCapture(loopbackDevice)
	if err != nil {
		return fmt.Errorf("record: open audio device: %w", err)
	}
	defer loopback.Close()

	videoCodec := ffmpeg.NewVideoEncoder()
	audioCodec := ffmpeg.NewAudioEncoder()

	c := controller.New(controller.Dependencies{
		SurfaceProvider:  screen,
		LoopbackProvider: loopback,
		VideoCodec:       videoCodec,
		AudioCodec:       audioCodec,
	})

	cfg := config.LoadRecordConfig()
	if err := c.Init(cfg); err != nil {
		return fmt.Errorf("record: init: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("record: start: %w", err)
	}
	log.Info("record: session running", "run_id", runID, "record_to_file", cfg.RecordToFile, "stream_to_rtmp", cfg.StreamToRTMP)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	keys := make(chan rune, 1)
	go readKeypresses(keys)

	for {
		select {
		case <-ctx.Done():
			log.Info("record: signal received, stopping", "run_id", runID)
			return c.Stop()
		case k := <-keys:
			switch k {
			case 's':
				st := c.Status()
				log.Info("record: status", "run_id", runID, "state", st.State.String(),
					"dropped_video_frames", st.DroppedVideoFrames, "dropped_audio_frames", st.DroppedAudioFrames,
					"non_fatal_sink_failures", st.NonFatalSinkFailures, "fatal_error", st.FatalError)
			case 'q', 'x':
				log.Info("record: quit requested", "run_id", runID)
				return c.Stop()
			}
		}
	}
}

// readKeypresses drives the controller's 's' (status) / 'q'/'x' (quit)
// single-key commands without requiring Enter, mirroring the common
// raw-terminal keypress driver pattern for long-running capture tools.
func readKeypresses(out chan<- rune) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return
	}
	defer term.Restore(fd, oldState)

	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil || n == 0 {
			return
		}
		select {
		case out <- rune(buf[0]):
		default:
		}
	}
}
