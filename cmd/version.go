package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/magixtical/video/internal/version"
)

// VersionOptions holds command options.
type VersionOptions struct {
	OutputFormat string
	ShortFormat  bool
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	opts := &VersionOptions{}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Display detailed version information about this build.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				opts.ShortFormat = true
			}
			return runVersion(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")
	flags.BoolVarP(&opts.ShortFormat, "version", "v", false, "Print only the version number")

	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runVersion(opts *VersionOptions) error {
	info := version.ClientInfo()

	if opts.ShortFormat {
		fmt.Printf("videocap version %s, build %s\n", info["Version"], info["GitCommit"])
		return nil
	}

	if opts.OutputFormat == "json" {
		jsonData, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format version as JSON: %w", err)
		}
		fmt.Println(string(jsonData))
		return nil
	}

	const tmplText = `Version:           {{.Version}}
API version:       {{.APIVersion}}
Go version:        {{.GoVersion}}
Git commit:        {{.GitCommit}}
Built:             {{.FormattedTime}}
OS/Arch:           {{.OS}}/{{.Arch}}
`

	tmpl, err := template.New("version").Parse(tmplText)
	if err != nil {
		return fmt.Errorf("failed to parse version template: %w", err)
	}
	return tmpl.Execute(os.Stdout, info)
}
