// Package app provides the entry point for the webbridge command-line
// application.
package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/webbridge/webbridge/pkg/logger"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:               "webbridge",
	DisableAutoGenTag: true,
	Short:             "MCP bridge for browser-extension instances",
	Long: `webbridge fronts browser-extension instances connected over a local
websocket and exposes their tools to MCP clients.

Extensions register on ws://127.0.0.1:<port>/ws; MCP clients connect over
streamable HTTP (/mcp) or legacy SSE (/sse), bind an extension instance at
initialize time, and call its tools. Published record/replay flows of the
bound instance surface as dynamic flow.<slug> tools.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// A .env next to the binary is a developer convenience; absence is
		// not an error.
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
		}
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the webbridge CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the webbridge version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("webbridge %s\n", Version)
		},
	}
}
