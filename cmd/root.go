package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/brewva/brewva/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "brewva",
	Short: "Brewva — multi-agent Telegram channel orchestrator",
	Long: "Brewva routes Telegram conversations across a pool of named agents: " +
		"@mention routing, focus, fan-out, round-robin discussions, and durable " +
		"turn delivery through a write-ahead log.",
	Run: func(cmd *cobra.Command, args []string) {
		runChannel()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json5 or $BREWVA_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(channelCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("brewva %s (%s)\n", Version, runtime.Version())
		},
	}
}

func channelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channel",
		Short: "Run the channel orchestrator (same as the bare command)",
		Run: func(cmd *cobra.Command, args []string) {
			runChannel()
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("BREWVA_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
