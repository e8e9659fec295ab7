package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/screencap/internal/util"
	"github.com/babelcloud/screencap/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "screencap",
		Short: "Screen and audio recorder",
		Long: `screencap records a display, system audio and optionally a microphone into a single
Matroska or MP4 file. Recordings can be driven from the command line or through a local
control server.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Fprintln(cmd.OutOrStdout(), version.Get().Short())
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")

	rootCmd.AddCommand(NewRecordCommand())
	rootCmd.AddCommand(NewDisplaysCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewServeCommand())
	rootCmd.AddCommand(NewVersionCommand())
}
