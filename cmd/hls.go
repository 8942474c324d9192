package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/magixtical/video/config"
	"github.com/magixtical/video/internal/httpfs"
	"github.com/magixtical/video/internal/pipeline/hls"
	"github.com/magixtical/video/internal/platform/ffmpeg"
	"github.com/magixtical/video/internal/util"
)

// NewHLSCommand creates the file-to-HLS transcode-and-serve command.
func NewHLSCommand() *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "hls",
		Short: "Transcode a video file into an HLS segment set and optionally serve it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHLS(serve)
		},
	}

	cmd.Flags().BoolVar(&serve, "serve", true, "serve the HLS output over HTTP after transcoding")
	return cmd
}

func runHLS(serve bool) error {
	log := util.GetLogger()
	cfg := config.LoadHLSConfig()

	demuxer := ffmpeg.NewFileDemuxer()
	tc := hls.New(hls.Dependencies{
		Demuxer:      demuxer,
		VideoDecoder: ffmpeg.NewFileVideoDecoder(),
		AudioDecoder: ffmpeg.NewFileAudioDecoder(),
		VideoCodec:   ffmpeg.NewVideoEncoder(),
		AudioCodec:   ffmpeg.NewAudioEncoder(),
	})

	log.Info("hls: transcoding", "source", cfg.VideoPath, "dir", cfg.HLSDir)
	if err := tc.Run(cfg); err != nil {
		return fmt.Errorf("hls: transcode: %w", err)
	}
	log.Info("hls: transcode complete", "playlist", cfg.M3U8Filename)

	if !serve {
		return nil
	}

	srv := httpfs.New(cfg.HLSDir, cfg.M3U8Filename)
	addr := ":" + strconv.Itoa(cfg.HTTPPort)
	log.Info("hls: serving", "addr", addr, "dir", cfg.HLSDir)
	return http.ListenAndServe(addr, srv)
}
