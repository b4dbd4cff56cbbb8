package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mnemos/internal/logging"
)

// Set by the release build.
var version = "dev"

var (
	configPath string
	logLevel   string
	devLog     bool
)

var rootCmd = &cobra.Command{
	Use:   "mnemos",
	Short: "Mnemos - encrypted second brain with inheritance",
	Long: `Mnemos is a single-owner encrypted memory vault: everything you capture
is envelope-encrypted, searchable through a blind index and vector
retrieval, connected by background synthesis, and passed on to your
heirs through k-of-n key shares when the heartbeat goes silent.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mnemos", version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev-log", false, "console log encoder")

	rootCmd.AddCommand(serveCmd, versionCmd)

	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
