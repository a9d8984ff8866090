// hotfix is the command line tool for patch payloads: it inspects them,
// delivers them to a running receiver and manages the patch archive.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/hotfix/manifest"
)

var log = commonlog.GetLogger("hotfix.cmd")

var (
	configDir string
	verbose   int

	// config is loaded before any subcommand runs.
	config *manifest.Manifest
)

var rootCmd = &cobra.Command{
	Use:   "hotfix",
	Short: "Inspect, deliver and archive hot patch payloads",
	Long: `hotfix works with patch payloads for programs embedding the hotfix VM.

Settings are read from the nearest hotfix.toml at or above the working
directory (or --config). Flags override them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		m, err := manifest.FindAndLoad(configDir)
		if err != nil {
			return err
		}
		if m == nil {
			m = manifest.Default()
		}
		m.Log.Verbosity += verbose
		m.Apply()
		config = m
		if m.Dir != "" {
			log.Debugf("using %s", m.Dir)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", ".", "directory to search for "+manifest.FileName)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase log verbosity (repeatable)")

	rootCmd.AddCommand(disasmCmd, infoCmd, pushCmd, unloadCmd, listCmd, storeCmd, serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
