// Command voice-agent runs the LiveKit voice assistant worker.
//
//	voice-agent start                 # register with LiveKit and serve jobs
//	voice-agent dev                   # same, with debug console logging
//	voice-agent connect --room demo   # join one room directly
//	voice-agent version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

// globalFlags are the persistent flags shared by every command. Non-empty
// values override the environment.
type globalFlags struct {
	envFile   string
	url       string
	apiKey    string
	apiSecret string
	logLevel  string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "voice-agent",
		Short:         "LiveKit voice assistant worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.StringVar(&flags.url, "url", "", "LiveKit server URL (overrides LIVEKIT_URL)")
	pf.StringVar(&flags.apiKey, "api-key", "", "LiveKit API key (overrides LIVEKIT_API_KEY)")
	pf.StringVar(&flags.apiSecret, "api-secret", "", "LiveKit API secret (overrides LIVEKIT_API_SECRET)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")

	root.AddCommand(
		newStartCommand(flags),
		newDevCommand(flags),
		newConnectCommand(flags),
		newVersionCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
