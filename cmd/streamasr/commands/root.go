package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "streamasr",
	Short: "Streaming speech recognition CLI",
	Long: `streamasr - A command line client for real-time speech recognition.

Streams raw PCM audio to the recognition backend over a binary-framed
websocket and prints transcription results as they arrive.

Example config file (session.yaml):
  appid: YOUR_APPID
  token: YOUR_TOKEN
  cluster: volcengine_streaming_common
  language: zh-CN
  show_utterances: true
  format:
    sample_rate: 16000
    channels: 1
    bits: 16

Credentials may also come from the environment:
  STREAMASR_APPID, STREAMASR_TOKEN, STREAMASR_CLUSTER

Examples:
  streamasr -f session.yaml stream input.pcm
  streamasr -f session.yaml stream --realtime --json input.pcm
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)

	// Global persistent flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "file", "f", "", "session config file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
}
