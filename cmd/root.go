package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/magixtical/video/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "videocap",
	Short: "Desktop capture, live streaming and HLS transcoding tool",
	Long:  `videocap captures the desktop and loopback audio, encodes them to a local file and/or a live network stream, and can transcode an existing file into an HLS segment set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flag("version").Changed {
			info := version.ClientInfo()
			fmt.Printf("videocap version %s, build %s\n", info["Version"], info["GitCommit"])
			return nil
		}
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewHLSCommand())

	setupHelpCommand(rootCmd)
}
